package kernel

import (
	"github.com/pkg/errors"

	"github.com/evanphx/meridian/memory"
	"github.com/evanphx/meridian/ukernel"
)

// Mmap reserves an anonymous region and backs it with fresh frames. An addr
// of zero picks the next address above the layout's mmap base. Pages that
// are already mapped are kept. The task's anonymous regions together never
// exceed Layout.MmapSize.
func (t *Task) Mmap(addr, size uint64, rights ukernel.Rights, attrs ukernel.VMAttributes) (uint64, error) {
	limit := t.k.Layout.MmapSize

	if size > limit {
		return 0, errors.Wrapf(ErrMmapLimit, "%#x bytes", size)
	}

	_, found := t.Mem.FindRegion(addr)
	fresh := addr == 0 || !found

	if fresh {
		used := t.Mem.KindSize(memory.Anonymous)
		if memory.PageRound(size) > limit-used {
			return 0, errors.Wrapf(ErrMmapLimit, "%#x bytes with %#x mapped", size, used)
		}
	}

	reg, err := t.Mem.NewRegion(addr, size, memory.Anonymous)
	if err != nil {
		return 0, err
	}

	start := reg.Start
	if addr != 0 {
		start = addr
	}

	if err := t.MapFresh(start, start+memory.PageRound(size), rights, attrs); err != nil {
		if fresh {
			t.Mem.Remove(reg.Start, reg.Size)
		}

		return 0, err
	}

	t.L.Trace("mmap", "addr", start, "size", size)

	return start, nil
}

// Munmap destroys every frame in [addr, addr+size) and releases the range.
func (t *Task) Munmap(addr, size uint64) error {
	if size == 0 || size > memory.MaxRegionSize || addr+memory.PageRound(size) < addr {
		return errors.Wrapf(memory.ErrBadRegionRequest, "unmapping %#x+%#x", addr, size)
	}

	start, end := memory.Footprint(addr, size)

	for p := range t.Pages() {
		if p < start || p >= end {
			continue
		}

		if err := t.UnmapPage(p); err != nil {
			return err
		}
	}

	t.Mem.Remove(start, end-start)

	return nil
}
