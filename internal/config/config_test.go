package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestLoadParsesYAMLAndResolvesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "bufferPoolSize: \"64MiB\"\ninMemoryMode: true\ntruncateOverLargeStrings: true\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !c.InMemoryMode {
		t.Fatalf("InMemoryMode = false, want true")
	}
	if !c.TruncateOverLargeStrings {
		t.Fatalf("TruncateOverLargeStrings = false, want true")
	}
	const want = 64 * 1024 * 1024
	if c.BufferPoolBytes() != want {
		t.Fatalf("BufferPoolBytes = %d, want %d", c.BufferPoolBytes(), want)
	}
	if c.MaxNumThreads != runtime.GOMAXPROCS(0) {
		t.Fatalf("MaxNumThreads = %d, want GOMAXPROCS default %d", c.MaxNumThreads, runtime.GOMAXPROCS(0))
	}
}

func TestResolveDefaultsBufferPoolSizeFromSystemMemory(t *testing.T) {
	c := &Config{}
	if err := c.Resolve(); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if c.BufferPoolBytes() == 0 {
		t.Fatalf("expected a nonzero default buffer pool size derived from system memory")
	}
}

func TestResolveRejectsInvalidBufferPoolSize(t *testing.T) {
	c := &Config{BufferPoolSize: "not-a-size"}
	if err := c.Resolve(); err == nil {
		t.Fatalf("expected an error for an unparsable bufferPoolSize")
	}
}

func TestMaxNumThreadsRespectsExplicitValue(t *testing.T) {
	c := &Config{MaxNumThreads: 3, BufferPoolSize: "1MiB"}
	if err := c.Resolve(); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if c.MaxNumThreads != 3 {
		t.Fatalf("MaxNumThreads = %d, want 3 (explicit value must not be overridden)", c.MaxNumThreads)
	}
}
