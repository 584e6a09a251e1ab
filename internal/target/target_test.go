package target

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tinyrange/nvmemap/internal/config"
	"github.com/tinyrange/nvmemap/internal/guestmem"
	"github.com/tinyrange/nvmemap/internal/nvme"
)

const ramBase = 0x100000

func newTestTarget(t *testing.T, mutate func(*config.Config)) (*Target, []byte) {
	t.Helper()
	ram := make([]byte, 0x100000)
	tbl := guestmem.New()
	require.NoError(t, tbl.Register("ram", ramBase, ram, false))

	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	tgt, err := New(cfg, tbl)
	require.NoError(t, err)
	tgt.SetLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})))
	return tgt, ram
}

func readCmd(blocks uint16) nvme.Command {
	return nvme.Command{Opcode: OpRead, NSID: 1, CDW12: uint32(blocks - 1)}
}

func counter(t *testing.T, tgt *Target, name string) int64 {
	t.Helper()
	c, ok := tgt.Registry().Get(name).(interface{ Count() int64 })
	if !ok {
		return 0
	}
	return c.Count()
}

func TestTransferLength(t *testing.T) {
	for _, tc := range []struct {
		name  string
		cmd   nvme.Command
		admin bool
		want  uint32
	}{
		{"Read", nvme.Command{Opcode: OpRead, CDW12: 7}, false, 8 * 512},
		{"Write", nvme.Command{Opcode: OpWrite, CDW12: 0}, false, 512},
		{"Compare", nvme.Command{Opcode: OpCompare, CDW12: 0xffff0001}, false, 2 * 512},
		{"Flush", nvme.Command{Opcode: 0x00}, false, 0},
		{"NVMIdentifyOpcode", nvme.Command{Opcode: AdminIdentify}, false, 0},
		{"Identify", nvme.Command{Opcode: AdminIdentify}, true, IdentifySize},
		// The same opcode as Read, with NUMDL = 0x3ff.
		{"GetLogPage", nvme.Command{Opcode: AdminGetLogPage, CDW10: 0x03ff0001, CDW12: 7}, true, 4096},
		{"GetLogPageUpper", nvme.Command{Opcode: AdminGetLogPage, CDW10: 0xffff0000, CDW11: 0x1}, true, 0x20000 * 4},
		// Delete I/O Submission Queue shares the Write opcode.
		{"DeleteSQ", nvme.Command{Opcode: OpWrite, CDW10: 1, CDW12: 7}, true, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			n, err := TransferLength(&tc.cmd, tc.admin, 512)
			require.NoError(t, err)
			require.Equal(t, tc.want, n)
		})
	}

	t.Run("TooLarge", func(t *testing.T) {
		cmd := nvme.Command{Opcode: OpRead, CDW12: 0xffff}
		_, err := TransferLength(&cmd, false, 1<<17)
		require.Error(t, err)

		cmd = nvme.Command{Opcode: AdminGetLogPage, CDW10: 0xffff0000, CDW11: 0xffff}
		_, err = TransferLength(&cmd, true, 512)
		require.Error(t, err)
	})
}

func TestPrepareAdmin(t *testing.T) {
	tgt, ram := newTestTarget(t, nil)

	// Get Log Page of 512 bytes: NUMDL = 127.
	cmd := nvme.Command{Opcode: AdminGetLogPage, CDW10: 127 << 16, CDW12: 0xffff}
	cmd.DPTR.SetPRP(ramBase, 0)

	req := tgt.PrepareAdmin(&cmd)
	require.NoError(t, req.Err)
	require.True(t, req.Admin)
	require.Equal(t, uint32(512), req.Length)
	require.Len(t, req.Segments, 1)
	require.Same(t, &ram[0], &req.Segments[0][0])
	req.Release()

	// Read as an I/O command, NLB 0xffff is 32 MiB and does not fit behind
	// a single PRP.
	req = tgt.Prepare(&cmd)
	require.False(t, req.Admin)
	require.Equal(t, uint32(0x10000*512), req.Length)
	require.Error(t, req.Err)
}

func TestNew(t *testing.T) {
	_, err := New(config.Config{PageSize: 4096}, guestmem.New())
	require.Error(t, err, "config without defaults must not validate")

	_, err = New(config.Default(), nil)
	require.Error(t, err)
}

func TestPreparePRP(t *testing.T) {
	tgt, ram := newTestTarget(t, nil)

	cmd := readCmd(8)
	cmd.CID = 7
	cmd.DPTR.SetPRP(ramBase+3072, ramBase+4096)

	req := tgt.Prepare(&cmd)
	require.NoError(t, req.Err)
	require.True(t, req.Status.OK())
	require.Equal(t, nvme.FormatPRP, req.Format)
	require.Equal(t, uint32(4096), req.Length)
	require.Len(t, req.Segments, 2)
	require.Same(t, &ram[3072], &req.Segments[0][0])
	require.Len(t, req.Segments[0], 1024)
	require.Same(t, &ram[4096], &req.Segments[1][0])
	require.Len(t, req.Segments[1], 3072)

	require.Equal(t, int64(1), counter(t, tgt, "nvme.map.prp"))
	h := tgt.Registry().Get("nvme.map.segments").(interface{ Max() int64 })
	require.Equal(t, int64(2), h.Max())

	req.Release()
	require.Nil(t, req.Segments)
	req.Release()
}

func TestPrepareSGL(t *testing.T) {
	tgt, ram := newTestTarget(t, nil)

	// Last segment of two data blocks.
	list := uint64(ramBase + 0x80000)
	for i, d := range []nvme.SGLDescriptor{
		{Address: ramBase, Length: 1024, Type: nvme.SGLTypeDataBlock},
		{Address: ramBase + 0x2000, Length: 1024, Type: nvme.SGLTypeDataBlock},
	} {
		d.Encode(ram[list-ramBase+uint64(i)*nvme.SGLDescriptorSize:])
	}

	cmd := readCmd(4)
	cmd.SetFormat(nvme.FormatSGL)
	cmd.DPTR.SetSGL(nvme.SGLDescriptor{Address: list, Length: 2 * nvme.SGLDescriptorSize, Type: nvme.SGLTypeLastSegment})

	req := tgt.Prepare(&cmd)
	require.NoError(t, req.Err)
	require.Equal(t, nvme.FormatSGL, req.Format)
	require.Len(t, req.Segments, 2)
	require.Same(t, &ram[0x2000], &req.Segments[1][0])
	require.Equal(t, int64(1), counter(t, tgt, "nvme.map.sgl"))
	req.Release()

	t.Run("Disabled", func(t *testing.T) {
		tgt, _ := newTestTarget(t, func(cfg *config.Config) {
			off := false
			cfg.SGL = &off
		})
		req := tgt.Prepare(&cmd)
		require.Error(t, req.Err)
		require.Equal(t, failure(SCInvalidField), req.Status)
		require.Nil(t, req.Segments)
		require.Equal(t, int64(0), counter(t, tgt, "nvme.map.sgl"))
	})
}

func TestPrepareNoData(t *testing.T) {
	tgt, _ := newTestTarget(t, nil)

	// Flush carries no data, so a garbage pointer is never walked.
	cmd := nvme.Command{Opcode: 0x00}
	cmd.DPTR.SetPRP(0xdead, 0xbeef)
	req := tgt.Prepare(&cmd)
	require.True(t, req.Status.OK())
	require.Empty(t, req.Segments)
	require.Equal(t, int64(0), counter(t, tgt, "nvme.map.prp"))
}

func TestPrepareFailures(t *testing.T) {
	tgt, _ := newTestTarget(t, func(cfg *config.Config) {
		cfg.MaxSegments = 4
	})

	sglCmd := func(d nvme.SGLDescriptor, blocks uint16) nvme.Command {
		cmd := readCmd(blocks)
		cmd.SetFormat(nvme.FormatSGL)
		cmd.DPTR.SetSGL(d)
		return cmd
	}

	list := uint64(ramBase + 0x80000)

	for _, tc := range []struct {
		name   string
		cmd    nvme.Command
		status Status
		kind   string
	}{
		{
			name: "PRPUnmapped",
			cmd: func() nvme.Command {
				cmd := readCmd(1)
				cmd.DPTR.SetPRP(0x900000, 0)
				return cmd
			}(),
			status: failure(SCDataTransferError),
			kind:   "translation",
		},
		{
			name: "PRPCapacity",
			cmd: func() nvme.Command {
				cmd := readCmd(64) // 32 KiB needs 9 pages
				cmd.DPTR.SetPRP(ramBase+512, ramBase+0x40000)
				return cmd
			}(),
			status: failure(SCInvalidField),
			kind:   "capacity",
		},
		{
			name: "PRPMisalignedList",
			cmd: func() nvme.Command {
				cmd := readCmd(24)
				cmd.DPTR.SetPRP(ramBase, ramBase+0x40004)
				return cmd
			}(),
			status: failure(SCInvalidField),
			kind:   "malformed",
		},
		{
			name:   "SGLLength",
			cmd:    sglCmd(nvme.SGLDescriptor{Address: ramBase, Length: 256, Type: nvme.SGLTypeDataBlock}, 1),
			status: failure(SCDataSGLLengthInvalid),
			kind:   "length",
		},
		{
			name:   "SGLType",
			cmd:    sglCmd(nvme.SGLDescriptor{Address: ramBase, Length: 512, Type: nvme.SGLTypeKeyedDataBlock}, 1),
			status: failure(SCSGLDescriptorTypeInvalid),
			kind:   "unsupported",
		},
		{
			name:   "SGLSegmentLength",
			cmd:    sglCmd(nvme.SGLDescriptor{Address: list, Length: 17, Type: nvme.SGLTypeLastSegment}, 1),
			status: failure(SCInvalidSGLSegmentDescriptor),
			kind:   "malformed",
		},
		{
			name:   "ReservedPSDT",
			cmd:    nvme.Command{Opcode: OpRead, Flags: 0xc0},
			status: failure(SCInvalidField),
			kind:   "malformed",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			before := counter(t, tgt, "nvme.map.errors."+tc.kind)
			req := tgt.Prepare(&tc.cmd)
			require.Error(t, req.Err)
			require.Equal(t, tc.status, req.Status, "%v", req.Err)
			require.True(t, req.Status.DNR)
			require.Nil(t, req.Segments)
			require.Equal(t, before+1, counter(t, tgt, "nvme.map.errors."+tc.kind))
		})
	}
}

func TestStatusFor(t *testing.T) {
	wrap := func(err error) error { return fmt.Errorf("walk: %w", err) }

	require.Equal(t, StatusSuccess, StatusFor(nil, nvme.FormatSGL))
	require.Equal(t, failure(SCInvalidNumberOfSGLDescriptors), StatusFor(wrap(nvme.ErrCapacityExceeded), nvme.FormatSGL))
	require.Equal(t, failure(SCInvalidField), StatusFor(wrap(nvme.ErrCapacityExceeded), nvme.FormatPRP))
	require.Equal(t, failure(SCDataSGLLengthInvalid), StatusFor(wrap(nvme.ErrDataLengthMismatch), nvme.FormatSGL))
	require.Equal(t, failure(SCInvalidSGLSegmentDescriptor), StatusFor(wrap(nvme.ErrMalformedDescriptor), nvme.FormatSGL))
	require.Equal(t, failure(SCInvalidField), StatusFor(wrap(nvme.ErrMalformedDescriptor), nvme.FormatPRP))
	require.Equal(t, failure(SCSGLDescriptorTypeInvalid), StatusFor(wrap(nvme.ErrUnsupportedDescriptorType), nvme.FormatSGL))
	require.Equal(t, failure(SCDataTransferError), StatusFor(wrap(nvme.ErrTranslationFailure), nvme.FormatPRP))
	require.Equal(t, failure(SCInternalError), StatusFor(io.EOF, nvme.FormatPRP))
}

func TestCompletion(t *testing.T) {
	c := Completion{
		Result: 0x11223344,
		SQHead: 5,
		SQID:   2,
		CID:    0xbeef,
		Phase:  true,
		Status: failure(SCDataSGLLengthInvalid),
	}
	b, err := c.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, CompletionSize)

	dw3 := binary.LittleEndian.Uint32(b[12:16])
	require.Equal(t, uint32(0xbeef), dw3&0xffff)
	require.Equal(t, uint32(1), dw3>>16&1, "phase")
	require.Equal(t, uint32(SCDataSGLLengthInvalid), dw3>>17&0xff, "status code")
	require.Equal(t, uint32(0), dw3>>25&0x7, "status code type")
	require.Equal(t, uint32(1), dw3>>31, "do not retry")

	var got Completion
	require.NoError(t, got.UnmarshalBinary(b))
	require.Equal(t, c, got)

	require.Error(t, got.UnmarshalBinary(b[:8]))
}
