package nvme

import "fmt"

// Access describes how the target intends to touch a translated range.
type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessWrite

	AccessReadWrite = AccessRead | AccessWrite
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("access(%d)", uint8(a))
	}
}

// Translator maps a range of the client's address space to local memory.
//
// Translate must return a slice of exactly length bytes covering
// [addr, addr+length), or an error. It must never clamp the range to what
// happens to be mapped. Implementations are called from every queue that
// processes commands and must be safe for concurrent use.
type Translator interface {
	Translate(addr, length uint64, access Access) ([]byte, error)
}

// TranslatorFunc adapts a function to the Translator interface.
type TranslatorFunc func(addr, length uint64, access Access) ([]byte, error)

func (f TranslatorFunc) Translate(addr, length uint64, access Access) ([]byte, error) {
	return f(addr, length, access)
}

// translate calls tr and re-checks its result; the returned view is never
// trusted to have the requested size.
func translate(tr Translator, addr, length uint64, access Access) ([]byte, error) {
	if tr == nil {
		return nil, fmt.Errorf("%w: no translator", ErrTranslationFailure)
	}
	buf, err := tr.Translate(addr, length, access)
	if err != nil {
		return nil, fmt.Errorf("%w: 0x%x+0x%x (%s): %w", ErrTranslationFailure, addr, length, access, err)
	}
	if uint64(len(buf)) != length {
		return nil, fmt.Errorf("%w: 0x%x+0x%x (%s): translator returned %d bytes",
			ErrTranslationFailure, addr, length, access, len(buf))
	}
	return buf, nil
}

// segmentSink writes segments into a caller-owned, fixed-capacity slice.
type segmentSink struct {
	iovs [][]byte
	n    int
}

func newSegmentSink(iovs [][]byte) *segmentSink {
	return &segmentSink{iovs: iovs}
}

func (s *segmentSink) remaining() int {
	return len(s.iovs) - s.n
}

func (s *segmentSink) push(seg []byte) error {
	if len(seg) == 0 {
		return malformed("zero-length segment")
	}
	if s.n >= len(s.iovs) {
		return fmt.Errorf("%w: capacity %d", ErrCapacityExceeded, len(s.iovs))
	}
	s.iovs[s.n] = seg
	s.n++
	return nil
}

// fail voids everything written so far so a partial list is never visible.
func (s *segmentSink) fail(err error) (int, error) {
	clear(s.iovs[:s.n])
	s.n = 0
	return 0, err
}

func (s *segmentSink) count() int {
	return s.n
}
