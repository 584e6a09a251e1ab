package nvme

import (
	"encoding/binary"
	"fmt"
)

// SGLDescriptorSize is the wire size of one SGL descriptor.
const SGLDescriptorSize = 16

// MaxSGLChainDepth bounds how many Segment descriptors are followed for a
// single command. Chains are built from client memory, so a cycle is only
// one bad pointer away.
const MaxSGLChainDepth = 32

// SGL descriptor types, carried in the high nibble of the identifier byte.
const (
	SGLTypeDataBlock          uint8 = 0x0
	SGLTypeBitBucket          uint8 = 0x1
	SGLTypeSegment            uint8 = 0x2
	SGLTypeLastSegment        uint8 = 0x3
	SGLTypeKeyedDataBlock     uint8 = 0x4
	SGLTypeTransportDataBlock uint8 = 0x5
	SGLTypeVendorSpecific     uint8 = 0xf
)

// SGL descriptor subtypes, carried in the low nibble of the identifier byte.
const (
	SGLSubtypeAddress uint8 = 0x0
	SGLSubtypeOffset  uint8 = 0x1
)

// SGLDescriptor is one decoded SGL descriptor.
type SGLDescriptor struct {
	Address uint64
	Length  uint32
	Type    uint8
	Subtype uint8
}

// DecodeSGLDescriptor decodes a 16-byte SGL descriptor.
func DecodeSGLDescriptor(b []byte) (SGLDescriptor, error) {
	if len(b) < SGLDescriptorSize {
		return SGLDescriptor{}, fmt.Errorf("nvme: short SGL descriptor (%d bytes)", len(b))
	}
	return SGLDescriptor{
		Address: binary.LittleEndian.Uint64(b[0:8]),
		Length:  binary.LittleEndian.Uint32(b[8:12]),
		Type:    b[15] >> 4,
		Subtype: b[15] & 0xf,
	}, nil
}

// Encode writes d into the first 16 bytes of b.
func (d SGLDescriptor) Encode(b []byte) {
	_ = b[SGLDescriptorSize-1]
	binary.LittleEndian.PutUint64(b[0:8], d.Address)
	binary.LittleEndian.PutUint32(b[8:12], d.Length)
	b[12], b[13], b[14] = 0, 0, 0
	b[15] = d.Type<<4 | d.Subtype&0xf
}

func (d SGLDescriptor) String() string {
	return fmt.Sprintf("sgl{%s addr=0x%x len=%d}", d.kind(), d.Address, d.Length)
}

type sglKind int

const (
	sglUnsupported sglKind = iota
	sglDataBlock
	sglSegment
	sglLastSegment
)

func (k sglKind) String() string {
	switch k {
	case sglDataBlock:
		return "data-block"
	case sglSegment:
		return "segment"
	case sglLastSegment:
		return "last-segment"
	default:
		return "unsupported"
	}
}

// kind folds every type/subtype pair into the variants the walker handles.
func (d SGLDescriptor) kind() sglKind {
	if d.Subtype != SGLSubtypeAddress {
		return sglUnsupported
	}
	switch d.Type {
	case SGLTypeDataBlock:
		return sglDataBlock
	case SGLTypeSegment:
		return sglSegment
	case SGLTypeLastSegment:
		return sglLastSegment
	default:
		return sglUnsupported
	}
}

// descriptorKind classifies a raw descriptor from its identifier byte.
func descriptorKind(b []byte) sglKind {
	d, err := DecodeSGLDescriptor(b)
	if err != nil {
		return sglUnsupported
	}
	return d.kind()
}

func unsupported(d SGLDescriptor) error {
	return fmt.Errorf("%w: type 0x%x subtype 0x%x", ErrUnsupportedDescriptorType, d.Type, d.Subtype)
}

// MapSGLs resolves an SGL data pointer rooted at root into segments written
// to iovs. The segments must add up to exactly length bytes.
//
// It returns the number of segments written. On error nothing written to
// iovs is left behind.
func MapSGLs(root SGLDescriptor, iovs [][]byte, length uint32, access Access, tr Translator) (int, error) {
	sink := newSegmentSink(iovs)

	var total uint64
	emitBlock := func(d SGLDescriptor) error {
		if err := emit(sink, tr, d.Address, uint64(d.Length), access); err != nil {
			return err
		}
		total += uint64(d.Length)
		return nil
	}

	switch root.kind() {
	case sglDataBlock:
		if err := emitBlock(root); err != nil {
			return sink.fail(err)
		}
	case sglSegment, sglLastSegment:
		if err := walkSGLChain(root, sink, tr, emitBlock); err != nil {
			return sink.fail(err)
		}
	default:
		return sink.fail(unsupported(root))
	}

	if total != uint64(length) {
		return sink.fail(fmt.Errorf("%w: descriptors cover %d bytes, command needs %d",
			ErrDataLengthMismatch, total, length))
	}
	return sink.count(), nil
}

// walkSGLChain follows a Segment/LastSegment chain, handing every data
// block to emitBlock in list order. Each list is checked against the room
// left in sink before any of its entries is used.
func walkSGLChain(seg SGLDescriptor, sink *segmentSink, tr Translator, emitBlock func(SGLDescriptor) error) error {
	for depth := 0; ; depth++ {
		if depth >= MaxSGLChainDepth {
			return malformed("SGL chain deeper than %d segments", MaxSGLChainDepth)
		}
		if seg.Length == 0 || seg.Length%SGLDescriptorSize != 0 {
			return malformed("SGL segment length %d is not a multiple of %d", seg.Length, SGLDescriptorSize)
		}

		raw, err := translate(tr, seg.Address, uint64(seg.Length), AccessRead)
		if err != nil {
			return err
		}

		count := int(seg.Length / SGLDescriptorSize)
		last := seg.kind() == sglLastSegment

		data := count
		if !last {
			if k := descriptorKind(raw[(count-1)*SGLDescriptorSize:]); k == sglSegment || k == sglLastSegment {
				data--
			}
		}
		if data > sink.remaining() {
			return fmt.Errorf("%w: SGL list of %d data descriptors, room for %d",
				ErrCapacityExceeded, data, sink.remaining())
		}

		var (
			next    SGLDescriptor
			chained bool
		)

		for i := 0; i < count; i++ {
			d, err := DecodeSGLDescriptor(raw[i*SGLDescriptorSize:])
			if err != nil {
				return err
			}

			switch d.kind() {
			case sglDataBlock:
				if err := emitBlock(d); err != nil {
					return err
				}
			case sglSegment, sglLastSegment:
				if last || i != count-1 {
					return malformed("%s nested at entry %d of a %s list", d.kind(), i, seg.kind())
				}
				next, chained = d, true
			default:
				return unsupported(d)
			}
		}

		if !chained {
			return nil
		}
		seg = next
	}
}
