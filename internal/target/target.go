// Package target runs submitted commands through data pointer mapping and
// produces their completions.
package target

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/tinyrange/nvmemap/internal/config"
	"github.com/tinyrange/nvmemap/internal/nvme"
)

// NVM command set opcodes that move data.
const (
	OpWrite   = 0x01
	OpRead    = 0x02
	OpCompare = 0x05
)

// Admin opcodes that move data.
const (
	AdminGetLogPage = 0x02
	AdminIdentify   = 0x06
)

// IdentifySize is the size of every Identify data structure.
const IdentifySize = 4096

// TransferLength returns how many bytes cmd moves. Opcodes are looked up in
// the admin command set when admin is set and in the NVM command set
// otherwise. Commands without a data phase return 0.
func TransferLength(cmd *nvme.Command, admin bool, blockSize uint32) (uint32, error) {
	if admin {
		switch cmd.Opcode {
		case AdminIdentify:
			return IdentifySize, nil
		case AdminGetLogPage:
			// NUMD is a 0's based dword count split across CDW10 and CDW11.
			numd := uint64(cmd.CDW11&0xffff)<<16 | uint64(cmd.CDW10>>16)
			n := (numd + 1) * 4
			if n > uint64(^uint32(0)) {
				return 0, fmt.Errorf("target: log page of %d dwords is too large", numd+1)
			}
			return uint32(n), nil
		default:
			return 0, nil
		}
	}

	switch cmd.Opcode {
	case OpRead, OpWrite, OpCompare:
		nlb := uint64(cmd.CDW12&0xffff) + 1
		n := nlb * uint64(blockSize)
		if n > uint64(^uint32(0)) {
			return 0, fmt.Errorf("target: transfer of %d blocks of %d bytes is too large", nlb, blockSize)
		}
		return uint32(n), nil
	default:
		return 0, nil
	}
}

// Request is a command whose data pointer has been resolved.
type Request struct {
	Command nvme.Command
	Admin   bool
	Format  nvme.Format
	Length  uint32

	// Segments are views of client memory in transfer order. They are
	// valid until Release.
	Segments [][]byte

	Status Status
	Err    error

	iovs *[][]byte
	pool *sync.Pool
}

// Release returns the request's segment storage to its target.
func (r *Request) Release() {
	if r.pool == nil {
		return
	}
	clear(*r.iovs)
	r.pool.Put(r.iovs)
	r.iovs, r.Segments, r.pool = nil, nil, nil
}

// Target maps commands for one client.
type Target struct {
	cfg    config.Config
	mapper *nvme.Mapper
	iovs   sync.Pool
	logger *slog.Logger

	registry metrics.Registry
	prp      metrics.Counter
	sgl      metrics.Counter
	segments metrics.Histogram
}

// New returns a target translating client addresses with tr.
func New(cfg config.Config, tr nvme.Translator) (*Target, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}
	m, err := nvme.NewMapper(cfg.PageSize, tr)
	if err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}

	reg := metrics.NewRegistry()
	t := &Target{
		cfg:      cfg,
		mapper:   m,
		logger:   slog.Default(),
		registry: reg,
		prp:      metrics.GetOrRegisterCounter("nvme.map.prp", reg),
		sgl:      metrics.GetOrRegisterCounter("nvme.map.sgl", reg),
		segments: metrics.GetOrRegisterHistogram("nvme.map.segments", reg, metrics.NewExpDecaySample(1028, 0.015)),
	}
	t.iovs.New = func() any {
		iovs := make([][]byte, cfg.MaxSegments)
		return &iovs
	}
	return t, nil
}

// SetLogger sets the logger. Call it before processing commands.
func (t *Target) SetLogger(logger *slog.Logger) {
	t.logger = logger
}

// Config returns the target's configuration.
func (t *Target) Config() config.Config {
	return t.cfg
}

// Registry returns the target's metrics.
func (t *Target) Registry() metrics.Registry {
	return t.registry
}

// Prepare resolves the data pointer of an I/O command. Mapping failures are
// reported in the request's Status; the caller completes the command with
// it and moves on.
func (t *Target) Prepare(cmd *nvme.Command) *Request {
	return t.prepare(cmd, false)
}

// PrepareAdmin is Prepare for a command from the admin queue.
func (t *Target) PrepareAdmin(cmd *nvme.Command) *Request {
	return t.prepare(cmd, true)
}

func (t *Target) prepare(cmd *nvme.Command, admin bool) *Request {
	req := &Request{Command: *cmd, Admin: admin}

	format, err := cmd.Format()
	if err != nil {
		return t.fail(req, err)
	}
	req.Format = format

	req.Length, err = TransferLength(cmd, admin, t.cfg.BlockSize)
	if err != nil {
		req.Status = failure(SCInvalidField)
		req.Err = err
		t.logFailure(req)
		return req
	}
	if req.Length == 0 {
		return req
	}

	if format == nvme.FormatSGL && !t.cfg.SGLEnabled() {
		req.Status = failure(SCInvalidField)
		req.Err = fmt.Errorf("target: SGL data pointers are disabled")
		t.logFailure(req)
		return req
	}

	switch format {
	case nvme.FormatPRP:
		t.prp.Inc(1)
	case nvme.FormatSGL:
		t.sgl.Inc(1)
	}

	iovs := t.iovs.Get().(*[][]byte)
	n, err := t.mapper.Map(cmd, *iovs, req.Length)
	if err != nil {
		t.iovs.Put(iovs)
		return t.fail(req, err)
	}
	req.iovs = iovs
	req.Segments = (*iovs)[:n]
	req.pool = &t.iovs
	t.segments.Update(int64(n))
	return req
}

func (t *Target) fail(req *Request, err error) *Request {
	req.Err = err
	req.Status = StatusFor(err, req.Format)
	metrics.GetOrRegisterCounter("nvme.map.errors."+errorKind(err), t.registry).Inc(1)
	t.logFailure(req)
	return req
}

func (t *Target) logFailure(req *Request) {
	t.logger.Debug("map data pointer",
		"cid", req.Command.CID,
		"admin", req.Admin,
		"opcode", fmt.Sprintf("0x%02x", req.Command.Opcode),
		"format", req.Format,
		"length", req.Length,
		"status", req.Status,
		"err", req.Err)
}
