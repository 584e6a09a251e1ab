package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tinyrange/nvmemap/internal/nvme"
	"gopkg.in/yaml.v3"
)

const (
	DefaultFilename    = "nvmemap.yaml"
	DefaultPageSize    = 4096
	DefaultMaxSegments = 256
	DefaultBlockSize   = 512
)

// Config describes one target: how commands are mapped and which client
// memory is registered.
type Config struct {
	Version int `yaml:"version"`

	PageSize    uint64 `yaml:"pageSize,omitempty"`
	MaxSegments int    `yaml:"maxSegments,omitempty"`
	BlockSize   uint32 `yaml:"blockSize,omitempty"`

	// SGL enables SGL data pointers. A nil value means enabled.
	SGL *bool `yaml:"sgl,omitempty"`

	Regions []RegionConfig `yaml:"regions,omitempty"`
}

// RegionConfig is one client memory region. Without File the region is
// anonymous zeroed memory.
type RegionConfig struct {
	Name      string `yaml:"name"`
	GuestAddr uint64 `yaml:"guestAddr"`
	Size      uint64 `yaml:"size"`
	File      string `yaml:"file,omitempty"`
	Offset    int64  `yaml:"offset,omitempty"`
	ReadOnly  bool   `yaml:"readOnly,omitempty"`
}

// SGLEnabled reports whether SGL data pointers are accepted.
func (c *Config) SGLEnabled() bool {
	return c.SGL == nil || *c.SGL
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.MaxSegments == 0 {
		c.MaxSegments = DefaultMaxSegments
	}
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
	for i := range c.Regions {
		if c.Regions[i].Name == "" {
			c.Regions[i].Name = fmt.Sprintf("region%d", i)
		}
	}
}

// Default returns a config with every default applied.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

// Validate checks values that would otherwise fail on the first command.
func (c *Config) Validate() error {
	if !nvme.ValidPageSize(c.PageSize) {
		return fmt.Errorf("pageSize %d must be a power of two between %d and %d",
			c.PageSize, nvme.MinPageSize, nvme.MaxPageSize)
	}
	if c.MaxSegments < 1 {
		return fmt.Errorf("maxSegments %d must be positive", c.MaxSegments)
	}
	if c.BlockSize < 512 || c.BlockSize&(c.BlockSize-1) != 0 {
		return fmt.Errorf("blockSize %d must be a power of two of at least 512", c.BlockSize)
	}
	for _, r := range c.Regions {
		if r.Size == 0 {
			return fmt.Errorf("region %s has zero size", r.Name)
		}
		if r.GuestAddr+r.Size < r.GuestAddr {
			return fmt.Errorf("region %s wraps the address space", r.Name)
		}
		if r.Offset < 0 {
			return fmt.Errorf("region %s has negative offset", r.Name)
		}
	}
	return nil
}

// Load reads and validates a config file. Relative region files are
// resolved against the config's directory.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	for i, r := range cfg.Regions {
		if r.File != "" && !filepath.IsAbs(r.File) {
			cfg.Regions[i].File = filepath.Join(dir, r.File)
		}
	}
	return cfg, nil
}

// Parse decodes and validates a YAML config.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteTemplate writes cfg with defaults applied to path.
func WriteTemplate(path string, cfg Config) error {
	cfg.normalize()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
