package nvme

import (
	"encoding/binary"
	"fmt"
)

// CommandSize is the size of a submission queue entry.
const CommandSize = 64

// Format is the data pointer encoding a command declares in its PSDT field.
type Format uint8

const (
	FormatPRP Format = iota
	FormatSGL
)

func (f Format) String() string {
	switch f {
	case FormatPRP:
		return "prp"
	case FormatSGL:
		return "sgl"
	default:
		return fmt.Sprintf("format(%d)", uint8(f))
	}
}

// PSDT values from command dword 0, bits 15:14.
const (
	psdtPRP         = 0x0
	psdtSGLMPTR     = 0x1
	psdtSGLMPTRList = 0x2
	psdtReserved    = 0x3
)

// DataPointer is the 16-byte DPTR field of a command.
type DataPointer [16]byte

// PRP1 returns the first PRP entry.
func (p *DataPointer) PRP1() uint64 { return binary.LittleEndian.Uint64(p[0:8]) }

// PRP2 returns the second PRP entry or PRP list pointer.
func (p *DataPointer) PRP2() uint64 { return binary.LittleEndian.Uint64(p[8:16]) }

// SGL returns the first SGL descriptor.
func (p *DataPointer) SGL() SGLDescriptor {
	d, _ := DecodeSGLDescriptor(p[:])
	return d
}

// SetPRP stores two PRP entries.
func (p *DataPointer) SetPRP(prp1, prp2 uint64) {
	binary.LittleEndian.PutUint64(p[0:8], prp1)
	binary.LittleEndian.PutUint64(p[8:16], prp2)
}

// SetSGL stores an SGL descriptor.
func (p *DataPointer) SetSGL(d SGLDescriptor) {
	d.Encode(p[:])
}

// Command is a decoded submission queue entry. Only the fields the data path
// needs are broken out; the command-specific dwords are kept raw.
type Command struct {
	Opcode uint8
	Flags  uint8
	CID    uint16
	NSID   uint32
	MPTR   uint64
	DPTR   DataPointer
	CDW10  uint32
	CDW11  uint32
	CDW12  uint32
	CDW13  uint32
	CDW14  uint32
	CDW15  uint32
}

// ParseCommand decodes a 64-byte submission queue entry.
func ParseCommand(b []byte) (Command, error) {
	if len(b) < CommandSize {
		return Command{}, fmt.Errorf("nvme: short command (%d bytes, want %d)", len(b), CommandSize)
	}
	var cmd Command
	cmd.Opcode = b[0]
	cmd.Flags = b[1]
	cmd.CID = binary.LittleEndian.Uint16(b[2:4])
	cmd.NSID = binary.LittleEndian.Uint32(b[4:8])
	cmd.MPTR = binary.LittleEndian.Uint64(b[16:24])
	copy(cmd.DPTR[:], b[24:40])
	cmd.CDW10 = binary.LittleEndian.Uint32(b[40:44])
	cmd.CDW11 = binary.LittleEndian.Uint32(b[44:48])
	cmd.CDW12 = binary.LittleEndian.Uint32(b[48:52])
	cmd.CDW13 = binary.LittleEndian.Uint32(b[52:56])
	cmd.CDW14 = binary.LittleEndian.Uint32(b[56:60])
	cmd.CDW15 = binary.LittleEndian.Uint32(b[60:64])
	return cmd, nil
}

// MarshalBinary encodes the command as a submission queue entry.
func (c *Command) MarshalBinary() ([]byte, error) {
	b := make([]byte, CommandSize)
	b[0] = c.Opcode
	b[1] = c.Flags
	binary.LittleEndian.PutUint16(b[2:4], c.CID)
	binary.LittleEndian.PutUint32(b[4:8], c.NSID)
	binary.LittleEndian.PutUint64(b[16:24], c.MPTR)
	copy(b[24:40], c.DPTR[:])
	binary.LittleEndian.PutUint32(b[40:44], c.CDW10)
	binary.LittleEndian.PutUint32(b[44:48], c.CDW11)
	binary.LittleEndian.PutUint32(b[48:52], c.CDW12)
	binary.LittleEndian.PutUint32(b[52:56], c.CDW13)
	binary.LittleEndian.PutUint32(b[56:60], c.CDW14)
	binary.LittleEndian.PutUint32(b[60:64], c.CDW15)
	return b, nil
}

// PSDT returns the raw PRP-or-SGL selector.
func (c *Command) PSDT() uint8 {
	return c.Flags >> 6
}

// SetFormat sets the PSDT field. FormatSGL selects SGLs with a contiguous
// metadata buffer.
func (c *Command) SetFormat(f Format) {
	psdt := uint8(psdtPRP)
	if f == FormatSGL {
		psdt = psdtSGLMPTR
	}
	c.Flags = c.Flags&0x3f | psdt<<6
}

// Format returns the declared data pointer encoding.
func (c *Command) Format() (Format, error) {
	switch c.PSDT() {
	case psdtPRP:
		return FormatPRP, nil
	case psdtSGLMPTR, psdtSGLMPTRList:
		return FormatSGL, nil
	default:
		return 0, malformed("reserved PSDT value %d", psdtReserved)
	}
}

// DataAccess derives the access intent from the opcode's transfer direction
// bits. A host-to-controller transfer only reads client memory; a
// controller-to-host transfer only writes it.
func (c *Command) DataAccess() Access {
	switch c.Opcode & 0x3 {
	case 0x1:
		return AccessRead
	case 0x2:
		return AccessWrite
	default:
		return AccessReadWrite
	}
}
