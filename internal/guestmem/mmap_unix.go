//go:build unix

package guestmem

import (
	"fmt"
	"math"
	"os"

	"golang.org/x/sys/unix"
)

// MapAnonymous maps size bytes of zeroed private memory and registers it at
// guestAddr. The table unmaps it on Unregister or Close.
func (t *Table) MapAnonymous(name string, guestAddr, size uint64) ([]byte, error) {
	if err := checkMapSize(name, size); err != nil {
		return nil, err
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("guestmem: mmap %s: %w", name, err)
	}
	if err := t.register(name, guestAddr, mem, false, unix.Munmap); err != nil {
		_ = unix.Munmap(mem)
		return nil, err
	}
	return mem, nil
}

// MapFile maps size bytes of f starting at offset and registers them at
// guestAddr. Shared mappings see the file's contents, the way a memory
// table backed by file descriptors is shared with the client.
func (t *Table) MapFile(name string, guestAddr uint64, f *os.File, offset int64, size uint64, readOnly bool) ([]byte, error) {
	if err := checkMapSize(name, size); err != nil {
		return nil, err
	}
	prot := unix.PROT_READ
	if !readOnly {
		prot |= unix.PROT_WRITE
	}
	mem, err := unix.Mmap(int(f.Fd()), offset, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("guestmem: mmap %s from %s: %w", name, f.Name(), err)
	}
	if err := t.register(name, guestAddr, mem, readOnly, unix.Munmap); err != nil {
		_ = unix.Munmap(mem)
		return nil, err
	}
	return mem, nil
}

// checkMapSize rejects sizes a mapping length cannot hold on this platform.
func checkMapSize(name string, size uint64) error {
	if size == 0 {
		return fmt.Errorf("guestmem: cannot map zero-size region %s", name)
	}
	if size > math.MaxInt {
		return fmt.Errorf("guestmem: region %s of 0x%x bytes is too large to map", name, size)
	}
	return nil
}
