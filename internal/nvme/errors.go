package nvme

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded is returned when a data pointer describes more
	// segments than the caller's output can hold.
	ErrCapacityExceeded = errors.New("nvme: segment capacity exceeded")

	// ErrMalformedDescriptor covers zero-length segments, bad list lengths,
	// disallowed nesting and chains that are too deep.
	ErrMalformedDescriptor = errors.New("nvme: malformed data descriptor")

	// ErrUnsupportedDescriptorType is returned for SGL descriptor types and
	// subtypes this target does not implement.
	ErrUnsupportedDescriptorType = errors.New("nvme: unsupported SGL descriptor type")

	// ErrTranslationFailure is returned when the Translator rejects a range.
	ErrTranslationFailure = errors.New("nvme: address translation failed")

	// ErrDataLengthMismatch is a malformed descriptor whose segments do not
	// add up to the command's transfer length.
	ErrDataLengthMismatch = fmt.Errorf("%w: data length mismatch", ErrMalformedDescriptor)
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedDescriptor, fmt.Sprintf(format, args...))
}
