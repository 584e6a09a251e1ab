// Package guestmem keeps the table of client memory regions registered with
// the target and translates client addresses into local memory.
package guestmem

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"github.com/tinyrange/nvmemap/internal/nvme"
	"gvisor.dev/gvisor/pkg/hostarch"
)

var (
	ErrNotMapped = errors.New("guestmem: range not mapped")
	ErrReadOnly  = errors.New("guestmem: region is read-only")
	ErrOverlap   = errors.New("guestmem: region overlaps existing region")
)

// Region describes one registered range of client memory.
type Region struct {
	Name      string
	GuestAddr uint64
	Size      uint64
	ReadOnly  bool
}

func (r Region) String() string {
	return fmt.Sprintf("%s[0x%x-0x%x)", r.Name, r.GuestAddr, r.GuestAddr+r.Size)
}

type region struct {
	Region
	rng  hostarch.AddrRange
	data []byte

	// unmap releases data when the table owns the mapping.
	unmap func([]byte) error
}

// Table is the registered memory map of one client. Lookups take a read
// lock and may run from every queue at once; registration is serialized.
type Table struct {
	mu      sync.RWMutex
	regions []*region // sorted by GuestAddr, non-overlapping
}

// New returns an empty table.
func New() *Table {
	return &Table{}
}

// Register adds data as the local backing of
// [guestAddr, guestAddr+len(data)). The caller keeps ownership of data.
func (t *Table) Register(name string, guestAddr uint64, data []byte, readOnly bool) error {
	return t.register(name, guestAddr, data, readOnly, nil)
}

func (t *Table) register(name string, guestAddr uint64, data []byte, readOnly bool, unmap func([]byte) error) error {
	if len(data) == 0 {
		return fmt.Errorf("guestmem: cannot register zero-size region %s", name)
	}
	rng, ok := hostarch.Addr(guestAddr).ToRange(uint64(len(data)))
	if !ok {
		return fmt.Errorf("guestmem: region %s at 0x%x+0x%x wraps the address space", name, guestAddr, len(data))
	}

	r := &region{
		Region: Region{
			Name:      name,
			GuestAddr: guestAddr,
			Size:      uint64(len(data)),
			ReadOnly:  readOnly,
		},
		rng:   rng,
		data:  data,
		unmap: unmap,
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, existing := range t.regions {
		if existing.rng.Overlaps(rng) {
			return fmt.Errorf("%w: %s and %s", ErrOverlap, r.Region, existing.Region)
		}
	}

	i := sort.Search(len(t.regions), func(i int) bool {
		return t.regions[i].GuestAddr > guestAddr
	})
	t.regions = append(t.regions, nil)
	copy(t.regions[i+1:], t.regions[i:])
	t.regions[i] = r
	return nil
}

// Unregister removes the region starting at guestAddr. Slices handed out
// by Translate stay valid only until their region is unregistered.
func (t *Table) Unregister(guestAddr uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, r := range t.regions {
		if r.GuestAddr != guestAddr {
			continue
		}
		t.regions = append(t.regions[:i], t.regions[i+1:]...)
		if r.unmap != nil {
			if err := r.unmap(r.data); err != nil {
				return fmt.Errorf("guestmem: unmap %s: %w", r.Region, err)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: no region starts at 0x%x", ErrNotMapped, guestAddr)
}

// Translate implements nvme.Translator. The whole range must fall inside a
// single registered region; nothing is clamped.
func (t *Table) Translate(addr, length uint64, access nvme.Access) ([]byte, error) {
	if length == 0 {
		return nil, fmt.Errorf("%w: zero-length range at 0x%x", ErrNotMapped, addr)
	}
	want, ok := hostarch.Addr(addr).ToRange(length)
	if !ok {
		return nil, fmt.Errorf("%w: 0x%x+0x%x wraps the address space", ErrNotMapped, addr, length)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	r := t.find(addr)
	if r == nil || !r.rng.IsSupersetOf(want) {
		return nil, fmt.Errorf("%w: 0x%x+0x%x", ErrNotMapped, addr, length)
	}
	if r.ReadOnly && access&nvme.AccessWrite != 0 {
		return nil, fmt.Errorf("%w: %s access to %s", ErrReadOnly, access, r.Region)
	}

	off := addr - r.GuestAddr
	return r.data[off : off+length : off+length], nil
}

// find returns the region containing addr. Callers hold t.mu.
func (t *Table) find(addr uint64) *region {
	i := sort.Search(len(t.regions), func(i int) bool {
		return t.regions[i].GuestAddr > addr
	})
	if i == 0 {
		return nil
	}
	r := t.regions[i-1]
	if !r.rng.Contains(hostarch.Addr(addr)) {
		return nil
	}
	return r
}

// Locate reports which region and client address a translated slice came
// from. It is meant for diagnostics.
func (t *Table) Locate(seg []byte) (Region, uint64, bool) {
	if len(seg) == 0 {
		return Region{}, 0, false
	}
	p := uintptr(unsafe.Pointer(unsafe.SliceData(seg)))

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, r := range t.regions {
		base := uintptr(unsafe.Pointer(unsafe.SliceData(r.data)))
		if p >= base && p-base < uintptr(len(r.data)) {
			return r.Region, r.GuestAddr + uint64(p-base), true
		}
	}
	return Region{}, 0, false
}

// Regions returns a snapshot of the registered regions in address order.
func (t *Table) Regions() []Region {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Region, len(t.regions))
	for i, r := range t.regions {
		out[i] = r.Region
	}
	return out
}

// Close unregisters every region, releasing mappings the table owns.
func (t *Table) Close() error {
	t.mu.Lock()
	regions := t.regions
	t.regions = nil
	t.mu.Unlock()

	var errs []error
	for _, r := range regions {
		if r.unmap == nil {
			continue
		}
		if err := r.unmap(r.data); err != nil {
			errs = append(errs, fmt.Errorf("guestmem: unmap %s: %w", r.Region, err))
		}
	}
	return errors.Join(errs...)
}

var _ nvme.Translator = (*Table)(nil)
