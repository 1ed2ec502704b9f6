// Package config loads the storage engine's environment/configuration
// options from YAML, per spec §6.
package config

import (
	"fmt"
	"os"
	"runtime"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// Config is the engine's process-wide configuration. Zero-value fields are
// resolved to sane defaults by Resolve.
type Config struct {
	// BufferPoolSize is human-sized, e.g. "2GiB", parsed with
	// humanize.ParseBytes. Empty defaults to 80% of system RAM.
	BufferPoolSize string `yaml:"bufferPoolSize"`

	// MaxNumThreads defaults to runtime.GOMAXPROCS(0) when zero.
	MaxNumThreads int `yaml:"maxNumThreads"`

	// InMemoryMode backs every file handle with InMemoryTemp rather than
	// real files, for scratch databases.
	InMemoryMode bool `yaml:"inMemoryMode"`

	// TruncateOverLargeStrings controls whether DiskOverflowFile silently
	// truncates values over overflow.MaxStringLen instead of rejecting
	// them with ErrOverLargeValue.
	TruncateOverLargeStrings bool `yaml:"truncateOverLargeStrings"`

	// TimeoutMs is loaded with the rest of the configuration; nothing in
	// this module reads it, and no operation here times out.
	TimeoutMs int `yaml:"timeoutMs"`

	// resolvedBufferPoolSize is filled in by Resolve.
	resolvedBufferPoolSize uint64
}

// Load reads and parses a YAML config file at path, then resolves
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := c.Resolve(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Resolve fills in defaults for zero-value fields and validates the
// BufferPoolSize string, if any. Call this after constructing a Config by
// hand (tests, callers not loading from YAML).
func (c *Config) Resolve() error {
	if c.MaxNumThreads <= 0 {
		c.MaxNumThreads = runtime.GOMAXPROCS(0)
	}
	if c.BufferPoolSize == "" {
		total, err := systemMemoryBytes()
		if err != nil {
			return fmt.Errorf("config: detect system memory: %w", err)
		}
		c.resolvedBufferPoolSize = total * 80 / 100
		return nil
	}
	n, err := humanize.ParseBytes(c.BufferPoolSize)
	if err != nil {
		return fmt.Errorf("config: invalid bufferPoolSize %q: %w", c.BufferPoolSize, err)
	}
	c.resolvedBufferPoolSize = n
	return nil
}

// BufferPoolBytes returns the resolved buffer-pool budget in bytes.
// Resolve (or Load, which calls it) must have run first.
func (c *Config) BufferPoolBytes() uint64 {
	return c.resolvedBufferPoolSize
}

// BufferPoolSizeHuman renders the resolved buffer-pool budget for log
// output (e.g. "1.6 GB").
func (c *Config) BufferPoolSizeHuman() string {
	return humanize.Bytes(c.resolvedBufferPoolSize)
}

func systemMemoryBytes() (uint64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	return uint64(info.Totalram) * uint64(info.Unit), nil
}
