package memory

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/evanphx/meridian/ukernel"
)

const PageSize = ukernel.PageSize

func PageAlignDown(x uint64) uint64 {
	return x &^ (PageSize - 1)
}

func PageAlignUp(x uint64) uint64 {
	return (x + PageSize - 1) &^ (PageSize - 1)
}

// PageRound rounds a size up to whole pages, never below one page.
func PageRound(sz uint64) uint64 {
	if sz < PageSize {
		return PageSize
	}

	return PageAlignUp(sz)
}

// Footprint returns the page-aligned span [start, end) covering
// [vaddr, vaddr+size).
func Footprint(vaddr, size uint64) (uint64, uint64) {
	return PageAlignDown(vaddr), PageAlignUp(vaddr + size)
}

type RegionKind int

const (
	Image RegionKind = iota
	Stack
	Heap
	Anonymous
	IPCBuffer
)

var kindNames = [...]string{
	Image:     "image",
	Stack:     "stack",
	Heap:      "heap",
	Anonymous: "anon",
	IPCBuffer: "ipc-buffer",
}

func (k RegionKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

type Region struct {
	Start, Size uint64
	Kind        RegionKind
}

func (reg *Region) End() uint64 {
	return reg.Start + reg.Size
}

func (reg *Region) Contains(x uint64) bool {
	return x >= reg.Start && x < reg.End()
}

func (reg *Region) overlaps(start, end uint64) bool {
	return start < reg.End() && reg.Start < end
}

// VirtualMemory records which parts of a task's address space are reserved
// and for what. Backing frames are tracked by the task itself.
type VirtualMemory struct {
	regions []*Region

	nextMmapStart uint64
	size          uint64
}

func NewVirtualMemory(mmapBase uint64) *VirtualMemory {
	return &VirtualMemory{
		nextMmapStart: PageAlignUp(mmapBase),
	}
}

// Size is the total reserved size.
func (vm *VirtualMemory) Size() uint64 {
	return vm.size
}

func (vm *VirtualMemory) Regions() []*Region {
	out := append([]*Region(nil), vm.regions...)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// KindSize is the reserved size of every region of kind.
func (vm *VirtualMemory) KindSize(kind RegionKind) uint64 {
	var sz uint64

	for _, reg := range vm.regions {
		if reg.Kind == kind {
			sz += reg.Size
		}
	}

	return sz
}

func (vm *VirtualMemory) FindRegion(addr uint64) (*Region, bool) {
	for _, reg := range vm.regions {
		if reg.Contains(addr) {
			return reg, true
		}
	}

	return nil, false
}

var ErrBadRegionRequest = errors.New("bad region request")

// MaxRegionSize is the largest size that still rounds up to whole pages.
const MaxRegionSize = ^uint64(0) &^ (PageSize - 1)

// NewRegion reserves size bytes. An addr of zero picks the next free
// anonymous-mapping address. A fixed request inside an existing region of
// the same kind returns that region if it is large enough.
func (vm *VirtualMemory) NewRegion(addr, size uint64, kind RegionKind) (*Region, error) {
	if size == 0 {
		return nil, errors.Wrap(ErrBadRegionRequest, "empty region")
	}

	if size > MaxRegionSize || addr+PageRound(size) < addr {
		return nil, errors.Wrapf(ErrBadRegionRequest, "%#x+%#x wraps", addr, size)
	}

	size = PageRound(size)

	if addr == 0 {
		addr = vm.nextMmapStart
		// leave a guard page between consecutive mappings
		vm.nextMmapStart += size + PageSize
	} else {
		if addr&(PageSize-1) != 0 {
			return nil, errors.Wrapf(ErrBadRegionRequest, "unaligned address %#x", addr)
		}

		if reg, ok := vm.FindRegion(addr); ok {
			if reg.Kind != kind || reg.End() < addr+size {
				return nil, errors.Wrapf(ErrBadRegionRequest,
					"%#x+%#x overlaps %s region at %#x", addr, size, reg.Kind, reg.Start)
			}

			return reg, nil
		}

		for _, reg := range vm.regions {
			if reg.overlaps(addr, addr+size) {
				return nil, errors.Wrapf(ErrBadRegionRequest,
					"%#x+%#x overlaps %s region at %#x", addr, size, reg.Kind, reg.Start)
			}
		}
	}

	reg := &Region{
		Start: addr,
		Size:  size,
		Kind:  kind,
	}

	vm.regions = append(vm.regions, reg)

	vm.size += size

	if reg.Contains(vm.nextMmapStart) {
		vm.nextMmapStart = PageAlignUp(reg.End()) + PageSize
	}

	return reg, nil
}

// Grow extends the region starting at start to end.
func (vm *VirtualMemory) Grow(start, end uint64) error {
	for _, reg := range vm.regions {
		if reg.Start != start {
			continue
		}

		end = PageAlignUp(end)
		if end <= reg.End() {
			return nil
		}

		for _, other := range vm.regions {
			if other != reg && other.overlaps(reg.End(), end) {
				return errors.Wrapf(ErrBadRegionRequest, "growing %s into %s", reg.Kind, other.Kind)
			}
		}

		vm.size += end - reg.End()
		reg.Size = end - reg.Start

		return nil
	}

	return errors.Wrapf(ErrBadRegionRequest, "no region at %#x", start)
}

// Remove releases [addr, addr+size), trimming or splitting regions.
func (vm *VirtualMemory) Remove(addr, size uint64) {
	start, end := Footprint(addr, size)

	var out []*Region

	for _, reg := range vm.regions {
		if !reg.overlaps(start, end) {
			out = append(out, reg)
			continue
		}

		vm.size -= reg.Size

		if reg.Start < start {
			head := &Region{Start: reg.Start, Size: start - reg.Start, Kind: reg.Kind}
			out = append(out, head)
			vm.size += head.Size
		}

		if reg.End() > end {
			tail := &Region{Start: end, Size: reg.End() - end, Kind: reg.Kind}
			out = append(out, tail)
			vm.size += tail.Size
		}
	}

	vm.regions = out
}
