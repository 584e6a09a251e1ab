// Package nvmemap resolves the data pointers of NVMe commands into views of
// client memory. A command's PRP entries or SGL descriptors are walked
// through a Translator and flattened into an ordered list of local byte
// slices ready for vectored I/O.
package nvmemap

import (
	"log/slog"

	"github.com/tinyrange/nvmemap/internal/config"
	"github.com/tinyrange/nvmemap/internal/guestmem"
	"github.com/tinyrange/nvmemap/internal/nvme"
	"github.com/tinyrange/nvmemap/internal/target"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal packages
// -----------------------------------------------------------------------------

// Access is the direction a translated range will be used in.
type Access = nvme.Access

// Translator turns a client address range into local memory.
type Translator = nvme.Translator

// TranslatorFunc adapts a function to a Translator.
type TranslatorFunc = nvme.TranslatorFunc

// Command is a decoded submission queue entry.
type Command = nvme.Command

// DataPointer is the DPTR field of a command.
type DataPointer = nvme.DataPointer

// Format is the data pointer encoding a command declares.
type Format = nvme.Format

// SGLDescriptor is a decoded scatter gather list descriptor.
type SGLDescriptor = nvme.SGLDescriptor

// Mapper binds a memory page size and translator.
type Mapper = nvme.Mapper

// Memory is a table of registered client memory regions. It is a
// Translator safe for use from many queues.
type Memory = guestmem.Table

// Region describes a registered memory region.
type Region = guestmem.Region

// Config describes a target.
type Config = config.Config

// RegionConfig is one configured memory region.
type RegionConfig = config.RegionConfig

// Target maps commands for one client and tracks mapping metrics.
type Target = target.Target

// Request is a command with its data pointer resolved.
type Request = target.Request

// Queue is a submission queue processed by a Target.
type Queue = target.Queue

// Status is an NVMe completion status.
type Status = target.Status

// Completion is a completion queue entry.
type Completion = target.Completion

const (
	AccessRead      = nvme.AccessRead
	AccessWrite     = nvme.AccessWrite
	AccessReadWrite = nvme.AccessReadWrite

	FormatPRP = nvme.FormatPRP
	FormatSGL = nvme.FormatSGL

	CommandSize       = nvme.CommandSize
	SGLDescriptorSize = nvme.SGLDescriptorSize
	MaxSGLChainDepth  = nvme.MaxSGLChainDepth
)

// Mapping errors. Use errors.Is to classify a failure.
var (
	ErrCapacityExceeded          = nvme.ErrCapacityExceeded
	ErrMalformedDescriptor       = nvme.ErrMalformedDescriptor
	ErrUnsupportedDescriptorType = nvme.ErrUnsupportedDescriptorType
	ErrTranslationFailure        = nvme.ErrTranslationFailure

	// ErrDataLengthMismatch is also an ErrMalformedDescriptor.
	ErrDataLengthMismatch = nvme.ErrDataLengthMismatch
)

// -----------------------------------------------------------------------------
// Mapping
// -----------------------------------------------------------------------------

// MapPRPs resolves a PRP data pointer into iovs and returns the number of
// segments written.
func MapPRPs(prp1, prp2 uint64, iovs [][]byte, length uint32, mps uint64, access Access, tr Translator) (int, error) {
	return nvme.MapPRPs(prp1, prp2, iovs, length, mps, access, tr)
}

// MapSGLs resolves an SGL data pointer into iovs and returns the number of
// segments written.
func MapSGLs(root SGLDescriptor, iovs [][]byte, length uint32, access Access, tr Translator) (int, error) {
	return nvme.MapSGLs(root, iovs, length, access, tr)
}

// MapCommand resolves cmd's data pointer using the encoding it declares.
func MapCommand(cmd *Command, iovs [][]byte, length uint32, mps uint64, tr Translator) (int, error) {
	return nvme.MapCommand(cmd, iovs, length, mps, tr)
}

// ParseCommand decodes a submission queue entry.
func ParseCommand(b []byte) (Command, error) {
	return nvme.ParseCommand(b)
}

// NewMapper returns a Mapper for the given memory page size.
func NewMapper(pageSize uint64, tr Translator) (*Mapper, error) {
	return nvme.NewMapper(pageSize, tr)
}

// -----------------------------------------------------------------------------
// Targets
// -----------------------------------------------------------------------------

// Option configures a Target.
type Option interface {
	apply(*target.Target)
}

// WithLogger sets the logger mapping failures are reported to.
func WithLogger(logger *slog.Logger) Option {
	return loggerOption{logger: logger}
}

type loggerOption struct{ logger *slog.Logger }

func (o loggerOption) apply(t *target.Target) { t.SetLogger(o.logger) }

// NewMemory returns an empty memory table.
func NewMemory() *Memory {
	return guestmem.New()
}

// DefaultConfig returns a config with every default applied.
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}

// NewTarget returns a Target translating client addresses with tr.
func NewTarget(cfg Config, tr Translator, opts ...Option) (*Target, error) {
	t, err := target.New(cfg, tr)
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt.apply(t)
	}
	return t, nil
}

// StatusFor returns the completion status for a mapping error.
func StatusFor(err error, format Format) Status {
	return target.StatusFor(err, format)
}
