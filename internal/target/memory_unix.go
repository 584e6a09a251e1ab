//go:build unix

package target

import (
	"fmt"
	"os"

	"github.com/tinyrange/nvmemap/internal/config"
	"github.com/tinyrange/nvmemap/internal/guestmem"
)

// OpenMemory maps every region cfg declares into a new table. File regions
// are shared mappings of the file; the rest are anonymous.
func OpenMemory(cfg config.Config) (*guestmem.Table, error) {
	tbl := guestmem.New()
	for _, r := range cfg.Regions {
		if err := mapRegion(tbl, r); err != nil {
			tbl.Close()
			return nil, err
		}
	}
	return tbl, nil
}

func mapRegion(tbl *guestmem.Table, r config.RegionConfig) error {
	if r.File == "" {
		_, err := tbl.MapAnonymous(r.Name, r.GuestAddr, r.Size)
		return err
	}

	flag := os.O_RDWR
	if r.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(r.File, flag, 0)
	if err != nil {
		return fmt.Errorf("target: open region %s: %w", r.Name, err)
	}
	// The mapping outlives the descriptor.
	defer f.Close()

	_, err = tbl.MapFile(r.Name, r.GuestAddr, f, r.Offset, r.Size, r.ReadOnly)
	return err
}
