package config

import (
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

// Prefix of every environment variable, e.g. MERIDIAN_LAYOUT_HEAP_SIZE.
const Prefix = "meridian"

// Config holds all configuration of a meridian system.
type Config struct {
	Log    LogConfig
	Layout Layout
	Slots  SlotLayout
	Server ServerConfig
	Boot   BootConfig
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `envconfig:"LEVEL" default:"info"`
}

// Layout is the user address-space layout given to every task.
type Layout struct {
	StackTop  uint64 `envconfig:"STACK_TOP" default:"0x200000000"`
	StackSize uint64 `envconfig:"STACK_SIZE" default:"0x10000"`
	HeapBase  uint64 `envconfig:"HEAP_BASE" default:"0x100000000"`
	HeapSize  uint64 `envconfig:"HEAP_SIZE" default:"0x100000"`
	MmapBase  uint64 `envconfig:"MMAP_BASE" default:"0x300000000"`

	// MmapSize caps the anonymous mappings one task may hold at once.
	MmapSize uint64 `envconfig:"MMAP_SIZE" default:"0x400000"`

	// ScratchAddr is where the coordinator maps a page of some other task to
	// fill or read it. It lives in the coordinator's own address space.
	ScratchAddr uint64 `envconfig:"SCRATCH_ADDR" default:"0x700000000"`

	// IPCBufferAddr places the IPC buffer. Zero puts it on the first page
	// after the loaded image.
	IPCBufferAddr uint64 `envconfig:"IPC_BUFFER_ADDR" default:"0"`
}

// ServerConfig controls the relay loop.
type ServerConfig struct {
	TeardownOnExit bool `envconfig:"TEARDOWN_ON_EXIT" default:"true"`
	ExitWhenIdle   bool `envconfig:"EXIT_WHEN_IDLE" default:"true"`
}

// BootConfig locates the boot inventory.
type BootConfig struct {
	Inventory string `envconfig:"INVENTORY" default:""`
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
		},
		Layout: DefaultLayout(),
		Slots:  DefaultSlots(),
		Server: ServerConfig{
			TeardownOnExit: true,
			ExitWhenIdle:   true,
		},
	}
}

func DefaultLayout() Layout {
	return Layout{
		StackTop:    0x2_0000_0000,
		StackSize:   0x1_0000,
		HeapBase:    0x1_0000_0000,
		HeapSize:    0x10_0000,
		MmapBase:    0x3_0000_0000,
		MmapSize:    0x40_0000,
		ScratchAddr: 0x7_0000_0000,
	}
}

var (
	ErrBadLayout = errors.New("config: invalid address-space layout")
)

const pageMask = 0xfff

func (c *Config) Validate() error {
	if err := c.Layout.Validate(); err != nil {
		return err
	}

	return c.Slots.Validate()
}

func (l Layout) Validate() error {
	for name, v := range map[string]uint64{
		"stack top":  l.StackTop,
		"stack size": l.StackSize,
		"heap base":  l.HeapBase,
		"heap size":  l.HeapSize,
		"mmap base":  l.MmapBase,
		"mmap size":  l.MmapSize,
		"scratch":    l.ScratchAddr,
		"ipc buffer": l.IPCBufferAddr,
	} {
		if v&pageMask != 0 {
			return errors.Wrapf(ErrBadLayout, "%s %#x is not page aligned", name, v)
		}
	}

	if l.StackSize == 0 || l.StackSize > l.StackTop {
		return errors.Wrapf(ErrBadLayout, "stack size %#x", l.StackSize)
	}

	if l.MmapSize == 0 || l.MmapBase+l.MmapSize < l.MmapBase {
		return errors.Wrapf(ErrBadLayout, "mmap size %#x", l.MmapSize)
	}

	heapEnd := l.HeapBase + l.HeapSize
	if heapEnd > l.StackTop-l.StackSize && l.HeapBase < l.StackTop {
		return errors.Wrapf(ErrBadLayout, "heap [%#x, %#x) overlaps the stack", l.HeapBase, heapEnd)
	}

	return nil
}

// HeapEnd is the highest program break brk will grant.
func (l Layout) HeapEnd() uint64 {
	return l.HeapBase + l.HeapSize
}
