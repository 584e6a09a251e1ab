//go:build unix

package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/rcrowley/go-metrics"
	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/nvmemap/internal/config"
	"github.com/tinyrange/nvmemap/internal/guestmem"
	"github.com/tinyrange/nvmemap/internal/nvme"
	"github.com/tinyrange/nvmemap/internal/target"
	"golang.org/x/term"
)

func run() error {
	configPath := flag.String("config", config.DefaultFilename, "target config file")
	initPath := flag.String("init", "", "write a config template to this path and exit")
	sqe := flag.String("sqe", "", "hex encoded 64-byte submission queue entry to map")
	admin := flag.Bool("admin", false, "decode -sqe and -replay entries as admin commands")
	dump := flag.String("dump", "", "write the gathered data of -sqe to this file (- for stdout)")
	replay := flag.String("replay", "", "replay a file of concatenated submission queue entries")
	verbose := flag.Bool("v", false, "log every mapping failure")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `nvmemap - map NVMe data pointers against client memory

USAGE:
  nvmemap [flags]

FLAGS:
  -config FILE   Target config (default: %s)
  -init FILE     Write a config template with one 1 MiB region and exit
  -sqe HEX       Decode and map one submission queue entry, printing its segments
  -dump FILE     With -sqe, write the gathered bytes to FILE; "-" prints a hex dump on a terminal
  -replay FILE   Map every 64-byte entry in FILE and print status counts and metrics
  -admin         Treat entries as admin queue commands (Identify, Get Log Page)
  -v             Log mapping failures to stderr

EXAMPLES:
  nvmemap -init nvmemap.yaml
  nvmemap -sqe 02000100...                       Show where a read lands in client memory
  nvmemap -sqe 02000100... -dump -               Hex dump the data a write would send
  nvmemap -config target.yaml -replay trace.bin  Replay a captured submission queue
`, config.DefaultFilename)
	}
	flag.Parse()

	if flag.NArg() != 0 {
		flag.Usage()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *initPath != "" {
		cfg := config.Default()
		cfg.Regions = []config.RegionConfig{{Name: "ram", GuestAddr: 0x100000, Size: 1 << 20}}
		if err := config.WriteTemplate(*initPath, cfg); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", *initPath)
		return nil
	}

	if *sqe == "" && *replay == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	mem, err := target.OpenMemory(cfg)
	if err != nil {
		return fmt.Errorf("open client memory: %w", err)
	}
	defer mem.Close()

	tgt, err := target.New(cfg, mem)
	if err != nil {
		return err
	}

	if *replay != "" {
		return replayFile(tgt, *replay, *admin)
	}
	return mapOne(tgt, mem, *sqe, *dump, *admin)
}

func mapOne(tgt *target.Target, mem *guestmem.Table, sqe, dump string, admin bool) error {
	raw, err := hex.DecodeString(strings.TrimSpace(sqe))
	if err != nil {
		return fmt.Errorf("decode -sqe: %w", err)
	}
	cmd, err := nvme.ParseCommand(raw)
	if err != nil {
		return err
	}

	var req *target.Request
	if admin {
		req = tgt.PrepareAdmin(&cmd)
	} else {
		req = tgt.Prepare(&cmd)
	}
	defer req.Release()

	fmt.Printf("cid %d opcode 0x%02x format %s length %d\n", cmd.CID, cmd.Opcode, req.Format, req.Length)
	if req.Err != nil {
		fmt.Printf("status: %s\nerror:  %v\n", req.Status, req.Err)
		return nil
	}

	for i, seg := range req.Segments {
		r, addr, ok := mem.Locate(seg)
		if !ok {
			fmt.Printf("%4d %8d ?\n", i, len(seg))
			continue
		}
		fmt.Printf("%4d %8d %s+0x%x (0x%x)\n", i, len(seg), r.Name, addr-r.GuestAddr, addr)
	}

	if dump == "" {
		return nil
	}
	return writeDump(req.Segments, dump)
}

func writeDump(segs [][]byte, path string) error {
	if path == "-" {
		if term.IsTerminal(int(os.Stdout.Fd())) {
			d := hex.Dumper(os.Stdout)
			defer d.Close()
			return gather(d, segs)
		}
		return gather(os.Stdout, segs)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create dump file: %w", err)
	}
	defer f.Close()
	return gather(f, segs)
}

func gather(w io.Writer, segs [][]byte) error {
	for _, seg := range segs {
		if _, err := w.Write(seg); err != nil {
			return fmt.Errorf("write dump: %w", err)
		}
	}
	return nil
}

func replayFile(tgt *target.Target, path string, admin bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read replay file: %w", err)
	}
	if len(data)%nvme.CommandSize != 0 {
		return fmt.Errorf("replay file %s is not a whole number of %d-byte entries", path, nvme.CommandSize)
	}

	count := len(data) / nvme.CommandSize

	// Cancelled when Process returns so the feeder never outlives it.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmds := feed(ctx, data)

	pb := progressbar.Default(int64(count), "replay")
	defer pb.Close()

	statuses := map[string]int{}
	err = tgt.Process(ctx, &target.Queue{
		ID:       1,
		Admin:    admin,
		Commands: cmds,
		Complete: func(c target.Completion) error {
			statuses[c.Status.String()]++
			return pb.Add(1)
		},
	})
	if err != nil {
		return fmt.Errorf("replay %s: %w", path, err)
	}
	pb.Finish()

	names := make([]string, 0, len(statuses))
	for name := range statuses {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Println()
	for _, name := range names {
		fmt.Printf("%8d %s\n", statuses[name], name)
	}

	metrics.WriteOnce(tgt.Registry(), os.Stdout)
	return nil
}

// feed sends every entry of data in order and closes the channel when done
// or when ctx is cancelled.
func feed(ctx context.Context, data []byte) <-chan nvme.Command {
	cmds := make(chan nvme.Command, 64)
	go func() {
		defer close(cmds)
		for off := 0; off+nvme.CommandSize <= len(data); off += nvme.CommandSize {
			cmd, err := nvme.ParseCommand(data[off:])
			if err != nil {
				return
			}
			select {
			case cmds <- cmd:
			case <-ctx.Done():
				return
			}
		}
	}()
	return cmds
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "nvmemap: %v\n", err)
		os.Exit(1)
	}
}
