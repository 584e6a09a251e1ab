package nvme

import "fmt"

// MapCommand resolves the data pointer of cmd into segments written to iovs,
// using the encoding the command declares. length is the transfer length in
// bytes and mps the controller memory page size.
func MapCommand(cmd *Command, iovs [][]byte, length uint32, mps uint64, tr Translator) (int, error) {
	format, err := cmd.Format()
	if err != nil {
		return 0, err
	}
	access := cmd.DataAccess()

	switch format {
	case FormatPRP:
		return MapPRPs(cmd.DPTR.PRP1(), cmd.DPTR.PRP2(), iovs, length, mps, access, tr)
	case FormatSGL:
		return MapSGLs(cmd.DPTR.SGL(), iovs, length, access, tr)
	default:
		return 0, fmt.Errorf("nvme: unknown data pointer format %s", format)
	}
}

// Mapper binds a page size and translator so command handlers only supply
// the command and its output.
type Mapper struct {
	PageSize   uint64
	Translator Translator
}

// NewMapper returns a Mapper for the given page size.
func NewMapper(pageSize uint64, tr Translator) (*Mapper, error) {
	if !ValidPageSize(pageSize) {
		return nil, fmt.Errorf("nvme: invalid memory page size %d", pageSize)
	}
	if tr == nil {
		return nil, fmt.Errorf("nvme: translator is nil")
	}
	return &Mapper{PageSize: pageSize, Translator: tr}, nil
}

// Map resolves cmd's data pointer into iovs. See MapCommand.
func (m *Mapper) Map(cmd *Command, iovs [][]byte, length uint32) (int, error) {
	return MapCommand(cmd, iovs, length, m.PageSize, m.Translator)
}
