package memory

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"
)

func TestVirtualMemory(t *testing.T) {
	n := neko.Modern(t)

	n.It("hands out anonymous regions from the mmap base", func(t *testing.T) {
		vm := NewVirtualMemory(0x3_0000_0000)

		a, err := vm.NewRegion(0, 10, Anonymous)
		require.NoError(t, err)
		require.Equal(t, uint64(0x3_0000_0000), a.Start)
		require.Equal(t, uint64(PageSize), a.Size)

		b, err := vm.NewRegion(0, 3*PageSize, Anonymous)
		require.NoError(t, err)
		require.True(t, b.Start >= a.End())
		require.Equal(t, uint64(4*PageSize), vm.Size())
	})

	n.It("rejects overlapping fixed regions", func(t *testing.T) {
		vm := NewVirtualMemory(0x3_0000_0000)

		_, err := vm.NewRegion(0x10000, 4*PageSize, Image)
		require.NoError(t, err)

		same, err := vm.NewRegion(0x11000, PageSize, Image)
		require.NoError(t, err)
		require.Equal(t, uint64(0x10000), same.Start)

		_, err = vm.NewRegion(0x11000, PageSize, Heap)
		require.Equal(t, ErrBadRegionRequest, errors.Cause(err))

		_, err = vm.NewRegion(0xf000, 2*PageSize, Anonymous)
		require.Equal(t, ErrBadRegionRequest, errors.Cause(err))
	})

	n.It("splits a region on partial removal", func(t *testing.T) {
		vm := NewVirtualMemory(0x3_0000_0000)

		_, err := vm.NewRegion(0x10000, 4*PageSize, Anonymous)
		require.NoError(t, err)

		vm.Remove(0x11000, PageSize)

		regs := vm.Regions()
		require.Len(t, regs, 2)
		require.Equal(t, uint64(0x10000), regs[0].Start)
		require.Equal(t, uint64(PageSize), regs[0].Size)
		require.Equal(t, uint64(0x12000), regs[1].Start)
		require.Equal(t, uint64(3*PageSize), vm.Size())

		_, ok := vm.FindRegion(0x11800)
		require.False(t, ok)
	})

	n.It("grows the heap up to its neighbour", func(t *testing.T) {
		vm := NewVirtualMemory(0x3_0000_0000)

		_, err := vm.NewRegion(0x1_0000_0000, PageSize, Heap)
		require.NoError(t, err)
		_, err = vm.NewRegion(0x1_0000_4000, PageSize, Anonymous)
		require.NoError(t, err)

		require.NoError(t, vm.Grow(0x1_0000_0000, 0x1_0000_2800))

		reg, ok := vm.FindRegion(0x1_0000_2000)
		require.True(t, ok)
		require.Equal(t, uint64(0x1_0000_3000), reg.End())

		err = vm.Grow(0x1_0000_0000, 0x1_0000_5000)
		require.Equal(t, ErrBadRegionRequest, errors.Cause(err))
	})

	n.It("refuses sizes that wrap when rounded to pages", func(t *testing.T) {
		vm := NewVirtualMemory(0x3_0000_0000)

		_, err := vm.NewRegion(0, 0xffff_ffff_ffff_f001, Anonymous)
		require.Equal(t, ErrBadRegionRequest, errors.Cause(err))

		_, err = vm.NewRegion(0xffff_ffff_ffff_0000, 0x20000, Anonymous)
		require.Equal(t, ErrBadRegionRequest, errors.Cause(err))

		require.Equal(t, uint64(0), vm.Size())
	})

	n.It("totals the size of one kind", func(t *testing.T) {
		vm := NewVirtualMemory(0x3_0000_0000)

		_, err := vm.NewRegion(0, 2*PageSize, Anonymous)
		require.NoError(t, err)
		_, err = vm.NewRegion(0, PageSize, Anonymous)
		require.NoError(t, err)
		_, err = vm.NewRegion(0x1_0000_0000, PageSize, Heap)
		require.NoError(t, err)

		require.Equal(t, uint64(3*PageSize), vm.KindSize(Anonymous))
		require.Equal(t, uint64(PageSize), vm.KindSize(Heap))
	})
}

func TestPageMath(t *testing.T) {
	start, end := Footprint(0x400123, 0x2000)
	require.Equal(t, uint64(0x400000), start)
	require.Equal(t, uint64(0x403000), end)

	require.Equal(t, uint64(PageSize), PageRound(1))
	require.Equal(t, uint64(0x2000), PageAlignUp(0x1001))
}
