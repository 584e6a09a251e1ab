//go:build unix

package nvmemap

import (
	"github.com/tinyrange/nvmemap/internal/target"
)

// OpenMemory maps every region cfg declares. The caller must Close the
// returned table.
func OpenMemory(cfg Config) (*Memory, error) {
	return target.OpenMemory(cfg)
}
