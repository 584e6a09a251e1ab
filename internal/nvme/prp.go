package nvme

import (
	"encoding/binary"
	"fmt"
)

const (
	// MinPageSize and MaxPageSize bound the memory page size a controller
	// can be configured with (CC.MPS spans 2^12 through 2^27).
	MinPageSize = 1 << 12
	MaxPageSize = 1 << 27

	prpEntrySize = 8
)

// ValidPageSize reports whether mps is a usable memory page size.
func ValidPageSize(mps uint64) bool {
	return mps >= MinPageSize && mps <= MaxPageSize && mps&(mps-1) == 0
}

// MapPRPs resolves a PRP data pointer into segments written to iovs.
//
// The first segment runs from prp1 to the end of its memory page. If the
// rest of the transfer fits in one page prp2 points at it directly;
// otherwise prp2 points at a PRP list whose last slot chains to the next
// list page whenever more entries are needed than the page holds.
//
// It returns the number of segments written. On error nothing written to
// iovs is left behind.
func MapPRPs(prp1, prp2 uint64, iovs [][]byte, length uint32, mps uint64, access Access, tr Translator) (int, error) {
	sink := newSegmentSink(iovs)
	if !ValidPageSize(mps) {
		return sink.fail(malformed("invalid memory page size %d", mps))
	}
	if length == 0 {
		return sink.fail(malformed("zero transfer length"))
	}

	remaining := uint64(length)
	firstLen := min(remaining, mps-prp1&(mps-1))

	// Fail before touching client memory when the answer is already known.
	need := 1 + (remaining-firstLen+mps-1)/mps
	if need > uint64(sink.remaining()) {
		return sink.fail(fmt.Errorf("%w: PRP transfer of %d bytes needs %d segments, have %d",
			ErrCapacityExceeded, length, need, sink.remaining()))
	}

	if err := emit(sink, tr, prp1, firstLen, access); err != nil {
		return sink.fail(err)
	}
	remaining -= firstLen
	if remaining == 0 {
		return sink.count(), nil
	}

	if prp2 == 0 {
		return sink.fail(malformed("PRP2 is zero with %d bytes remaining", remaining))
	}

	if remaining <= mps {
		if err := emit(sink, tr, prp2, remaining, access); err != nil {
			return sink.fail(err)
		}
		return sink.count(), nil
	}

	if err := walkPRPList(sink, tr, prp2, remaining, mps, access); err != nil {
		return sink.fail(err)
	}
	return sink.count(), nil
}

func walkPRPList(sink *segmentSink, tr Translator, list, remaining, mps uint64, access Access) error {
	if list&(prpEntrySize-1) != 0 {
		return malformed("PRP list 0x%x is not 8-byte aligned", list)
	}

	for remaining > 0 {
		entries := (remaining + mps - 1) / mps
		slots := (mps - list&(mps-1)) / prpEntrySize

		chained := entries > slots
		if chained {
			// A page with a single slot would hold nothing but the chain pointer.
			if slots < 2 {
				return malformed("PRP list 0x%x has no room for entries", list)
			}
			entries = slots
		}

		raw, err := translate(tr, list, entries*prpEntrySize, AccessRead)
		if err != nil {
			return err
		}

		data := entries
		if chained {
			data--
		}
		for i := uint64(0); i < data; i++ {
			addr := binary.LittleEndian.Uint64(raw[i*prpEntrySize:])
			segLen := min(remaining, mps)
			if err := emit(sink, tr, addr, segLen, access); err != nil {
				return err
			}
			remaining -= segLen
		}

		if chained {
			list = binary.LittleEndian.Uint64(raw[data*prpEntrySize:])
			if list&(mps-1) != 0 {
				return malformed("chained PRP list 0x%x is not page aligned", list)
			}
		}
	}
	return nil
}

// emit translates one data range and appends it to sink.
func emit(sink *segmentSink, tr Translator, addr, length uint64, access Access) error {
	if length == 0 {
		return malformed("zero-length segment at 0x%x", addr)
	}
	if sink.remaining() == 0 {
		return fmt.Errorf("%w: capacity %d", ErrCapacityExceeded, len(sink.iovs))
	}
	seg, err := translate(tr, addr, length, access)
	if err != nil {
		return err
	}
	return sink.push(seg)
}
