package target

import (
	"encoding/binary"
	"fmt"
)

// CompletionSize is the size of a completion queue entry.
const CompletionSize = 16

// Completion is a completion queue entry.
type Completion struct {
	Result uint32 // command specific, dword 0
	SQHead uint16
	SQID   uint16
	CID    uint16
	Phase  bool
	Status Status
}

// MarshalBinary encodes the completion queue entry.
func (c Completion) MarshalBinary() ([]byte, error) {
	b := make([]byte, CompletionSize)
	binary.LittleEndian.PutUint32(b[0:4], c.Result)
	binary.LittleEndian.PutUint16(b[8:10], c.SQHead)
	binary.LittleEndian.PutUint16(b[10:12], c.SQID)
	binary.LittleEndian.PutUint16(b[12:14], c.CID)
	sf := c.Status.Field() << 1
	if c.Phase {
		sf |= 1
	}
	binary.LittleEndian.PutUint16(b[14:16], sf)
	return b, nil
}

// UnmarshalBinary decodes a completion queue entry.
func (c *Completion) UnmarshalBinary(b []byte) error {
	if len(b) < CompletionSize {
		return fmt.Errorf("target: short completion (%d bytes)", len(b))
	}
	c.Result = binary.LittleEndian.Uint32(b[0:4])
	c.SQHead = binary.LittleEndian.Uint16(b[8:10])
	c.SQID = binary.LittleEndian.Uint16(b[10:12])
	c.CID = binary.LittleEndian.Uint16(b[12:14])
	sf := binary.LittleEndian.Uint16(b[14:16])
	c.Phase = sf&1 != 0
	c.Status = Status{
		Code: uint8(sf >> 1),
		Type: uint8(sf>>9) & 0x7,
		DNR:  sf&(1<<15) != 0,
	}
	return nil
}
