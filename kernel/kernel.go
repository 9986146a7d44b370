// Package kernel is the coordinator's view of the tasks it builds: their
// capabilities, address spaces, initial stacks, demand paging and exit.
package kernel

import (
	"io"
	"os"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/evanphx/meridian/allocator"
	"github.com/evanphx/meridian/config"
	"github.com/evanphx/meridian/log"
	"github.com/evanphx/meridian/metrics"
	"github.com/evanphx/meridian/ukernel"
)

var (
	ErrUnaligned   = errors.New("kernel: address is not page aligned")
	ErrTableDepth  = errors.New("kernel: translation deeper than the hierarchy")
	ErrNotMapped   = errors.New("kernel: address is not mapped")
	ErrBadState    = errors.New("kernel: operation not valid in task state")
	ErrHeapLimit   = errors.New("kernel: break outside the heap")
	ErrMmapLimit   = errors.New("kernel: anonymous mappings over the layout limit")
	ErrStackFull   = errors.New("kernel: arguments do not fit the stack page")
	ErrUnknownTask = errors.New("kernel: unknown task")
)

// Config is what the coordinator tells the task manager about its
// environment. Slots also names the coordinator's own boot capabilities.
type Config struct {
	Layout  config.Layout
	Slots   config.SlotLayout
	Console io.Writer
	Metrics *metrics.Metrics
}

// Kernel is the explicit context every task operation runs in. It owns the
// coordinator's allocator, its scratch mapping and the task registry.
type Kernel struct {
	L hclog.Logger

	sys   ukernel.Kernel
	alloc *allocator.Allocator
	met   *metrics.Metrics

	Layout  config.Layout
	Slots   config.SlotLayout
	Console io.Writer

	endpoint ukernel.CPtr

	stageMu   sync.Mutex
	scratch   ukernel.CPtr
	ownTables []ukernel.CPtr

	tasks *Registry
}

// New prepares the coordinator: it carves the endpoint every task faults and
// calls into, and reserves the slot used to stage pages.
func New(sys ukernel.Kernel, alloc *allocator.Allocator, cfg Config) (*Kernel, error) {
	if err := cfg.Slots.Validate(); err != nil {
		return nil, err
	}

	if err := cfg.Layout.Validate(); err != nil {
		return nil, err
	}

	k := &Kernel{
		L:       log.Named("kernel"),
		sys:     sys,
		alloc:   alloc,
		met:     metrics.Or(cfg.Metrics),
		Layout:  cfg.Layout,
		Slots:   cfg.Slots,
		Console: cfg.Console,
		tasks:   NewRegistry(),
	}

	if k.Console == nil {
		k.Console = os.Stdout
	}

	var err error

	k.endpoint, err = alloc.Allocate(ukernel.ObjectSpec{Type: ukernel.ObjEndpoint})
	if err != nil {
		return nil, errors.Wrap(err, "allocating coordinator endpoint")
	}

	k.scratch, err = alloc.Reserve()
	if err != nil {
		return nil, errors.Wrap(err, "reserving scratch slot")
	}

	return k, nil
}

// Sys is the coordinator thread's kernel interface.
func (k *Kernel) Sys() ukernel.Kernel {
	return k.sys
}

func (k *Kernel) Allocator() *allocator.Allocator {
	return k.alloc
}

func (k *Kernel) Metrics() *metrics.Metrics {
	return k.met
}

// Endpoint is the coordinator's receive endpoint. Every task holds badged
// copies of it in its fault and IRQ endpoint slots.
func (k *Kernel) Endpoint() ukernel.CPtr {
	return k.endpoint
}

func (k *Kernel) Tasks() *Registry {
	return k.tasks
}

func (k *Kernel) own(c ukernel.CPtr) ukernel.SlotRef {
	return k.alloc.Ref(c)
}

func (k *Kernel) boot(n uint64) ukernel.CPtr {
	return ukernel.CPtr(n)
}

// AllocateFrame carves one small page.
func (k *Kernel) AllocateFrame() (ukernel.CPtr, error) {
	return k.alloc.Allocate(ukernel.ObjectSpec{Type: ukernel.ObjFrame, SizeBits: ukernel.PageBits})
}

// mapWithTables maps frame at vaddr, installing one intermediate table each
// time the kernel reports a missing level. It returns the tables it
// installed, also on failure, so the caller can account for them.
func (k *Kernel) mapWithTables(frame, vspace ukernel.CPtr, vaddr uint64, rights ukernel.Rights, attrs ukernel.VMAttributes) ([]ukernel.CPtr, error) {
	var made []ukernel.CPtr

	for i := 0; i <= ukernel.TranslationLevels; i++ {
		err := k.sys.FrameMap(frame, vspace, vaddr, rights, attrs)
		if err == nil {
			return made, nil
		}

		if !ukernel.IsFailedLookup(err) {
			return made, errors.Wrapf(err, "mapping frame at %#x", vaddr)
		}

		pt, err := k.alloc.Allocate(ukernel.ObjectSpec{Type: ukernel.ObjPageTable})
		if err != nil {
			return made, err
		}

		made = append(made, pt)

		if err := k.sys.PageTableMap(pt, vspace, vaddr, ukernel.VMDefault); err != nil {
			return made, errors.Wrapf(err, "installing table for %#x", vaddr)
		}

		k.met.TablesMade.Inc()
		k.L.Trace("table installed", "vaddr", vaddr, "table", pt)
	}

	return made, errors.Wrapf(ErrTableDepth, "vaddr %#x", vaddr)
}

// stage maps a copy of frame at the scratch address of the coordinator's own
// address space and hands its bytes to fn. The copy is deleted afterwards, so
// frame may stay mapped in its task the whole time.
func (k *Kernel) stage(frame ukernel.CPtr, fn func(page []byte) error) error {
	k.stageMu.Lock()
	defer k.stageMu.Unlock()

	ref := k.own(k.scratch)

	if err := k.sys.Copy(ref, k.own(frame), ukernel.RightsAll); err != nil {
		return errors.Wrapf(err, "copying frame %d to scratch", frame)
	}

	defer k.sys.Delete(ref)

	tables, err := k.mapWithTables(k.scratch, k.boot(k.Slots.VSpace), k.Layout.ScratchAddr,
		ukernel.RightRead|ukernel.RightWrite, ukernel.VMExecuteNever)
	k.ownTables = append(k.ownTables, tables...)
	if err != nil {
		return err
	}

	page, err := k.sys.View(k.Layout.ScratchAddr)
	if err != nil {
		return errors.Wrap(err, "viewing scratch page")
	}

	err = fn(page)

	if uerr := k.sys.FrameUnmap(k.scratch); uerr != nil && err == nil {
		err = errors.Wrap(uerr, "unmapping scratch page")
	}

	return err
}

// release unmaps and destroys a capability the coordinator carved.
func (k *Kernel) release(c ukernel.CPtr) error {
	ref := k.own(c)

	if err := k.sys.Revoke(ref); err != nil {
		return errors.Wrapf(err, "revoking slot %d", c)
	}

	if err := k.sys.Delete(ref); err != nil {
		return errors.Wrapf(err, "deleting slot %d", c)
	}

	return nil
}
