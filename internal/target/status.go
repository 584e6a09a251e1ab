package target

import (
	"errors"
	"fmt"

	"github.com/tinyrange/nvmemap/internal/nvme"
)

// Status is an NVMe completion status.
type Status struct {
	Type uint8 // status code type
	Code uint8 // status code
	DNR  bool  // do not retry
}

const sctGeneric = 0x0

// Generic command status codes.
const (
	SCSuccess                       = 0x00
	SCInvalidOpcode                 = 0x01
	SCInvalidField                  = 0x02
	SCDataTransferError             = 0x04
	SCInternalError                 = 0x06
	SCInvalidSGLSegmentDescriptor   = 0x0d
	SCInvalidNumberOfSGLDescriptors = 0x0e
	SCDataSGLLengthInvalid          = 0x0f
	SCSGLDescriptorTypeInvalid      = 0x11
)

var StatusSuccess = Status{}

func failure(code uint8) Status {
	return Status{Type: sctGeneric, Code: code, DNR: true}
}

// OK reports whether s is a successful completion.
func (s Status) OK() bool {
	return s.Type == sctGeneric && s.Code == SCSuccess
}

// Field returns the 15-bit status field as placed in completion dword 3,
// bits 31:17.
func (s Status) Field() uint16 {
	v := uint16(s.Code) | uint16(s.Type&0x7)<<8
	if s.DNR {
		v |= 1 << 14
	}
	return v
}

func (s Status) String() string {
	name := "unknown"
	switch s.Code {
	case SCSuccess:
		name = "success"
	case SCInvalidOpcode:
		name = "invalid opcode"
	case SCInvalidField:
		name = "invalid field"
	case SCDataTransferError:
		name = "data transfer error"
	case SCInternalError:
		name = "internal error"
	case SCInvalidSGLSegmentDescriptor:
		name = "invalid SGL segment descriptor"
	case SCInvalidNumberOfSGLDescriptors:
		name = "invalid number of SGL descriptors"
	case SCDataSGLLengthInvalid:
		name = "data SGL length invalid"
	case SCSGLDescriptorTypeInvalid:
		name = "SGL descriptor type invalid"
	}
	if s.Type != sctGeneric {
		return fmt.Sprintf("sct=%d sc=0x%02x", s.Type, s.Code)
	}
	if s.DNR {
		return name + " (dnr)"
	}
	return name
}

// StatusFor picks the completion status for a data pointer mapping error.
// None of these conditions are fatal to the target; only the command fails.
func StatusFor(err error, format nvme.Format) Status {
	sgl := format == nvme.FormatSGL
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, nvme.ErrDataLengthMismatch):
		return failure(SCDataSGLLengthInvalid)
	case errors.Is(err, nvme.ErrCapacityExceeded):
		if sgl {
			return failure(SCInvalidNumberOfSGLDescriptors)
		}
		return failure(SCInvalidField)
	case errors.Is(err, nvme.ErrUnsupportedDescriptorType):
		return failure(SCSGLDescriptorTypeInvalid)
	case errors.Is(err, nvme.ErrMalformedDescriptor):
		if sgl {
			return failure(SCInvalidSGLSegmentDescriptor)
		}
		return failure(SCInvalidField)
	case errors.Is(err, nvme.ErrTranslationFailure):
		return failure(SCDataTransferError)
	default:
		return failure(SCInternalError)
	}
}

// errorKind names err's class for metrics and logs.
func errorKind(err error) string {
	switch {
	case errors.Is(err, nvme.ErrCapacityExceeded):
		return "capacity"
	case errors.Is(err, nvme.ErrDataLengthMismatch):
		return "length"
	case errors.Is(err, nvme.ErrMalformedDescriptor):
		return "malformed"
	case errors.Is(err, nvme.ErrUnsupportedDescriptorType):
		return "unsupported"
	case errors.Is(err, nvme.ErrTranslationFailure):
		return "translation"
	default:
		return "other"
	}
}
