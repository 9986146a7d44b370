package config

import (
	"github.com/pkg/errors"
)

// SlotVersion is the only slot layout this build understands.
const SlotVersion = 1

// SlotLayout is the agreement between a supervisor and the task it builds
// about which well-known capability sits in which slot of the task's CSpace.
// It is handed to the task at creation rather than assumed.
type SlotLayout struct {
	Version int `envconfig:"VERSION" default:"1"`

	TCB         uint64 `envconfig:"TCB" default:"1"`
	CNode       uint64 `envconfig:"CNODE" default:"2"`
	VSpace      uint64 `envconfig:"VSPACE" default:"3"`
	IRQControl  uint64 `envconfig:"IRQ_CONTROL" default:"4"`
	ASIDControl uint64 `envconfig:"ASID_CONTROL" default:"5"`
	ASIDPool    uint64 `envconfig:"ASID_POOL" default:"6"`
	IPCBuffer   uint64 `envconfig:"IPC_BUFFER" default:"10"`

	Notification  uint64 `envconfig:"NOTIFICATION" default:"17"`
	FaultEndpoint uint64 `envconfig:"FAULT_ENDPOINT" default:"18"`
	IRQEndpoint   uint64 `envconfig:"IRQ_ENDPOINT" default:"19"`
	Custom        uint64 `envconfig:"CUSTOM" default:"26"`
	Recv          uint64 `envconfig:"RECV" default:"27"`

	// FirstFree is the first slot a task's own allocator may hand out.
	FirstFree uint64 `envconfig:"FIRST_FREE" default:"32"`

	// Radix is the size in bits of a task's single-level CSpace.
	Radix int `envconfig:"RADIX" default:"12"`

	// RootRadix and LeafRadix shape the two-level CSpace of tasks that run
	// their own allocator.
	RootRadix int `envconfig:"ROOT_RADIX" default:"12"`
	LeafRadix int `envconfig:"LEAF_RADIX" default:"12"`
}

// WorkerDepth is the number of bits resolving a slot in a two-level CSpace.
func (s SlotLayout) WorkerDepth() int {
	return s.RootRadix + s.LeafRadix
}

func DefaultSlots() SlotLayout {
	return SlotLayout{
		Version:       SlotVersion,
		TCB:           1,
		CNode:         2,
		VSpace:        3,
		IRQControl:    4,
		ASIDControl:   5,
		ASIDPool:      6,
		IPCBuffer:     10,
		Notification:  17,
		FaultEndpoint: 18,
		IRQEndpoint:   19,
		Custom:        26,
		Recv:          27,
		FirstFree:     32,
		Radix:         12,
		RootRadix:     12,
		LeafRadix:     12,
	}
}

var ErrBadSlots = errors.New("config: invalid slot layout")

// Named returns the well-known slots by name.
func (s SlotLayout) Named() map[string]uint64 {
	return map[string]uint64{
		"tcb":            s.TCB,
		"cnode":          s.CNode,
		"vspace":         s.VSpace,
		"irq-control":    s.IRQControl,
		"asid-control":   s.ASIDControl,
		"asid-pool":      s.ASIDPool,
		"ipc-buffer":     s.IPCBuffer,
		"notification":   s.Notification,
		"fault-endpoint": s.FaultEndpoint,
		"irq-endpoint":   s.IRQEndpoint,
		"custom":         s.Custom,
		"recv":           s.Recv,
	}
}

// Validate rejects unknown versions, empty or shared slots, and slots that
// collide with the free range.
func (s SlotLayout) Validate() error {
	if s.Version != SlotVersion {
		return errors.Wrapf(ErrBadSlots, "version %d, want %d", s.Version, SlotVersion)
	}

	if s.Radix <= 0 || s.RootRadix <= 0 || s.LeafRadix <= 0 {
		return errors.Wrap(ErrBadSlots, "radix must be positive")
	}

	if s.FirstFree >= 1<<uint(s.Radix) {
		return errors.Wrapf(ErrBadSlots, "first free slot %d beyond radix %d", s.FirstFree, s.Radix)
	}

	seen := make(map[uint64]string)

	for name, v := range s.Named() {
		if v == 0 {
			return errors.Wrapf(ErrBadSlots, "%s is the null slot", name)
		}

		if v >= s.FirstFree {
			return errors.Wrapf(ErrBadSlots, "%s slot %d inside the free range", name, v)
		}

		if other, ok := seen[v]; ok {
			return errors.Wrapf(ErrBadSlots, "%s and %s share slot %d", name, other, v)
		}

		seen[v] = name
	}

	return nil
}
