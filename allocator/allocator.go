// Package allocator carves kernel objects out of one untyped region and
// places each in a fresh slot of a two-level CSpace, growing the second
// level on demand.
package allocator

import (
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/evanphx/meridian/log"
	"github.com/evanphx/meridian/metrics"
	"github.com/evanphx/meridian/ukernel"
)

var (
	ErrSlotsExhausted   = errors.New("allocator: no free capability slots")
	ErrUntypedExhausted = errors.New("allocator: untyped memory exhausted")
	ErrUnsupportedKind  = errors.New("allocator: kind cannot be allocated")
	ErrBadSize          = errors.New("allocator: invalid size class")
)

// Config describes the region and slot range an Allocator owns.
type Config struct {
	Untyped ukernel.CPtr

	// Root is the caller's CSpace root CNode.
	Root      ukernel.CPtr
	RootRadix int

	// LeafRadix is zero for a single-level CSpace.
	LeafRadix int

	Start, End ukernel.CPtr

	Metrics *metrics.Metrics
}

type Allocator struct {
	k   ukernel.Kernel
	L   hclog.Logger
	met *metrics.Metrics

	untyped   ukernel.CPtr
	root      ukernel.CPtr
	rootRadix int
	leafRadix int
	start     uint64
	end       uint64

	mu   sync.Mutex
	next uint64
}

func New(k ukernel.Kernel, cfg Config) *Allocator {
	return &Allocator{
		k:         k,
		L:         log.Named("allocator"),
		met:       metrics.Or(cfg.Metrics),
		untyped:   cfg.Untyped,
		root:      cfg.Root,
		rootRadix: cfg.RootRadix,
		leafRadix: cfg.LeafRadix,
		start:     uint64(cfg.Start),
		end:       uint64(cfg.End),
		next:      uint64(cfg.Start),
	}
}

// Depth is the number of bits a CPtr in this CSpace resolves.
func (a *Allocator) Depth() int {
	return a.rootRadix + a.leafRadix
}

// Ref names slot c for operations that take a destination slot.
func (a *Allocator) Ref(c ukernel.CPtr) ukernel.SlotRef {
	return ukernel.SlotRef{Root: a.root, Index: ukernel.Word(c), Depth: a.Depth()}
}

// Used is the number of slots handed out.
func (a *Allocator) Used() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.next - a.start
}

// Allocate carves one object of the given kind into a fresh slot. Interrupt
// handlers are issued by the interrupt controller rather than carved, so for
// them only the slot is reserved.
func (a *Allocator) Allocate(spec ukernel.ObjectSpec) (ukernel.CPtr, error) {
	switch spec.Type {
	case ukernel.ObjEndpoint, ukernel.ObjNotification, ukernel.ObjTCB,
		ukernel.ObjVSpace, ukernel.ObjPageTable:
	case ukernel.ObjCNode:
		if spec.SizeBits <= 0 {
			return 0, errors.Wrapf(ErrBadSize, "cnode radix %d", spec.SizeBits)
		}
	case ukernel.ObjFrame:
		switch spec.SizeBits {
		case 0:
			spec.SizeBits = ukernel.PageBits
		case ukernel.PageBits, ukernel.LargeBits:
		default:
			return 0, errors.Wrapf(ErrBadSize, "frame size bits %d", spec.SizeBits)
		}
	case ukernel.ObjUntyped:
		if spec.SizeBits < ukernel.PageBits {
			return 0, errors.Wrapf(ErrBadSize, "untyped size bits %d", spec.SizeBits)
		}
	case ukernel.ObjIRQHandler:
		return a.Reserve()
	case ukernel.ObjIRQControl, ukernel.ObjASIDPool, ukernel.ObjASIDControl:
		return 0, errors.Wrapf(ErrUnsupportedKind, "%s", spec.Type)
	default:
		return 0, errors.Wrapf(ErrUnsupportedKind, "%s", spec.Type)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	raw, err := a.take()
	if err != nil {
		return 0, err
	}

	err = a.k.UntypedRetype(a.untyped, spec, a.Ref(ukernel.CPtr(raw)))
	if err != nil {
		return 0, a.carveErr(err, spec)
	}

	a.commit()

	a.met.Allocations.WithLabelValues(spec.Type.String()).Inc()
	a.L.Trace("allocated", "kind", spec, "slot", raw)

	return ukernel.CPtr(raw), nil
}

// Reserve hands out an empty slot.
func (a *Allocator) Reserve() (ukernel.CPtr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	raw, err := a.take()
	if err != nil {
		return 0, err
	}

	a.commit()

	return ukernel.CPtr(raw), nil
}

// take returns the next free slot without consuming it, carving its
// second-level table first when the slot opens a new one.
func (a *Allocator) take() (uint64, error) {
	if a.next >= a.end {
		return 0, errors.Wrapf(ErrSlotsExhausted, "range [%d, %d)", a.start, a.end)
	}

	raw := a.next

	if a.leafRadix == 0 {
		return raw, nil
	}

	outer := raw >> uint(a.leafRadix)
	inner := raw & (1<<uint(a.leafRadix) - 1)

	if inner != 0 {
		return raw, nil
	}

	table := ukernel.ObjectSpec{Type: ukernel.ObjCNode, SizeBits: a.leafRadix}
	dest := ukernel.SlotRef{Root: a.root, Index: outer, Depth: a.rootRadix}

	err := a.k.UntypedRetype(a.untyped, table, dest)
	switch {
	case err == nil:
		a.met.Allocations.WithLabelValues(ukernel.ObjCNode.String()).Inc()
		a.L.Debug("second-level table carved", "outer", outer)
	case ukernel.Is(err, ukernel.ErrDeleteFirst):
		// already present
	default:
		return 0, a.carveErr(err, table)
	}

	return raw, nil
}

func (a *Allocator) commit() {
	a.next++
	a.met.SlotsUsed.Set(float64(a.next - a.start))
}

func (a *Allocator) carveErr(err error, spec ukernel.ObjectSpec) error {
	if ukernel.Is(err, ukernel.ErrNotEnoughMemory) {
		return errors.Wrapf(ErrUntypedExhausted, "carving %s", spec)
	}

	return errors.Wrapf(err, "carving %s", spec)
}
