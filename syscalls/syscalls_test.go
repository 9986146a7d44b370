package syscalls

import (
	"bytes"
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"

	"github.com/evanphx/meridian/abi/linux"
	"github.com/evanphx/meridian/allocator"
	"github.com/evanphx/meridian/config"
	"github.com/evanphx/meridian/ipc"
	"github.com/evanphx/meridian/kernel"
	"github.com/evanphx/meridian/memory"
	"github.com/evanphx/meridian/metrics"
	"github.com/evanphx/meridian/ukernel"
	"github.com/evanphx/meridian/ukernel/sim"
)

type fixture struct {
	k    *kernel.Kernel
	inv  *Invoker
	task *kernel.Task
	out  *bytes.Buffer
	met  *metrics.Metrics
}

func setup(t *testing.T) *fixture {
	m := sim.NewMachine()
	t.Cleanup(m.Shutdown)

	root, info, err := m.Boot(sim.BootConfig{
		Regions: []sim.Region{{Paddr: 0x4000_0000, SizeBits: 24}},
	})
	require.NoError(t, err)

	met := metrics.New(nil)

	a := allocator.New(root, allocator.Config{
		Untyped:   info.Untyped[0].Cap,
		Root:      sim.SlotCNode,
		RootRadix: 12,
		LeafRadix: 12,
		Start:     info.EmptyStart,
		End:       info.EmptyEnd,
		Metrics:   met,
	})

	var out bytes.Buffer

	k, err := kernel.New(root, a, kernel.Config{
		Layout:  config.DefaultLayout(),
		Slots:   config.DefaultSlots(),
		Console: &out,
		Metrics: met,
	})
	require.NoError(t, err)

	task, err := k.NewTask(nil)
	require.NoError(t, err)

	return &fixture{
		k:    k,
		inv:  NewInvoker(k),
		task: task,
		out:  &out,
		met:  met,
	}
}

func (f *fixture) call(num int, args ...uint64) int64 {
	sa := SysArgs{Num: num}
	copy(sa.Args[:], args)

	return f.inv.InvokeSyscall(context.Background(), f.task, sa)
}

func TestSyscalls(t *testing.T) {
	n := neko.Modern(t)

	const scratch = 0x5000_0000

	n.It("returns ENOSYS for numbers without a handler", func(t *testing.T) {
		f := setup(t)

		require.Equal(t, linux.ENOSYS.Ret(), f.call(511))
		require.Equal(t, linux.ENOSYS.Ret(), f.call(-1))

		require.Equal(t, float64(2), testutil.ToFloat64(
			f.met.Syscalls.WithLabelValues("unknown", linux.ENOSYS.Error())))
	})

	n.It("writes task memory to the console", func(t *testing.T) {
		f := setup(t)

		_, err := f.task.Mmap(scratch, memory.PageSize, ukernel.RightRead|ukernel.RightWrite, ukernel.VMExecuteNever)
		require.NoError(t, err)

		require.NoError(t, f.task.WriteAt([]byte("hello\n"), scratch))

		require.Equal(t, int64(6), f.call(linux.SYS_WRITE, 1, scratch, 6))
		require.Equal(t, "hello\n", f.out.String())

		require.Equal(t, linux.EBADF.Ret(), f.call(linux.SYS_WRITE, 7, scratch, 6))
		require.Equal(t, linux.EFAULT.Ret(), f.call(linux.SYS_WRITE, 2, 0x9000_0000, 6))

		require.Equal(t, float64(1), testutil.ToFloat64(
			f.met.Syscalls.WithLabelValues("write", "ok")))
	})

	n.It("gathers writev iovecs in order", func(t *testing.T) {
		f := setup(t)

		_, err := f.task.Mmap(scratch, memory.PageSize, ukernel.RightRead|ukernel.RightWrite, ukernel.VMExecuteNever)
		require.NoError(t, err)

		require.NoError(t, f.task.WriteAt([]byte("abcdef"), scratch))

		type iovec struct {
			Base uint64
			Len  uint64
		}

		iov := []iovec{
			{Base: scratch + 3, Len: 3},
			{Base: scratch, Len: 3},
		}

		require.NoError(t, f.task.CopyOut(scratch+0x100, iov))

		require.Equal(t, int64(6), f.call(linux.SYS_WRITEV, 1, scratch+0x100, 2))
		require.Equal(t, "defabc", f.out.String())
	})

	n.It("reports console fds as non-terminals", func(t *testing.T) {
		f := setup(t)

		require.Equal(t, linux.ENOTTY.Ret(), f.call(linux.SYS_IOCTL, 1, 0x5413))
		require.Equal(t, linux.EBADF.Ret(), f.call(linux.SYS_IOCTL, 5, 0x5413))
	})

	n.It("grows the heap with brk", func(t *testing.T) {
		f := setup(t)

		base := int64(f.k.Layout.HeapBase)

		require.Equal(t, base, f.call(linux.SYS_BRK, 0))

		top := uint64(base) + 3*memory.PageSize + 10

		require.Equal(t, int64(top), f.call(linux.SYS_BRK, top))
		require.Equal(t, int64(top), f.call(linux.SYS_BRK, 0))

		require.NoError(t, f.task.WriteAt([]byte{1}, top-1))

		require.Equal(t, linux.ENOMEM.Ret(), f.call(linux.SYS_BRK, f.k.Layout.HeapEnd()+memory.PageSize))
	})

	n.It("maps anonymous memory", func(t *testing.T) {
		f := setup(t)

		flags := uint64(linux.MAP_PRIVATE | linux.MAP_ANONYMOUS)
		prot := uint64(linux.PROT_READ | linux.PROT_WRITE)

		addr := f.call(linux.SYS_MMAP, 0, 2*memory.PageSize, prot, flags, ^uint64(0), 0)
		require.True(t, addr > 0)
		require.Equal(t, f.k.Layout.MmapBase, uint64(addr))

		require.NoError(t, f.task.WriteAt([]byte("x"), uint64(addr)+memory.PageSize))

		require.Equal(t, int64(0), f.call(linux.SYS_MUNMAP, uint64(addr), 2*memory.PageSize))

		err := f.task.WriteAt([]byte("x"), uint64(addr))
		require.Error(t, err)
	})

	n.It("refuses mappings beyond the layout limit", func(t *testing.T) {
		f := setup(t)

		flags := uint64(linux.MAP_PRIVATE | linux.MAP_ANONYMOUS)
		prot := uint64(linux.PROT_READ | linux.PROT_WRITE)

		require.Equal(t, linux.ENOMEM.Ret(), f.call(linux.SYS_MMAP, 0, 0xffff_ffff_ffff_f001, prot, flags))
		require.Equal(t, linux.ENOMEM.Ret(), f.call(linux.SYS_MMAP, 0, 1<<40, prot, flags))
		require.Len(t, f.task.Pages(), 0)
		require.Equal(t, uint64(0), f.task.Mem.Size())

		limit := f.k.Layout.MmapSize

		addr := f.call(linux.SYS_MMAP, 0, limit, prot, flags)
		require.Equal(t, f.k.Layout.MmapBase, uint64(addr))
		require.Equal(t, linux.ENOMEM.Ret(), f.call(linux.SYS_MMAP, 0, memory.PageSize, prot, flags))

		require.Equal(t, int64(0), f.call(linux.SYS_MUNMAP, uint64(addr), limit))
		require.True(t, f.call(linux.SYS_MMAP, 0, memory.PageSize, prot, flags) > 0)

		other, err := f.k.NewTask(nil)
		require.NoError(t, err)
		require.NoError(t, other.Teardown())
	})

	n.It("rejects malformed mmap requests", func(t *testing.T) {
		f := setup(t)

		prot := uint64(linux.PROT_READ)

		both := uint64(linux.MAP_PRIVATE | linux.MAP_SHARED | linux.MAP_ANONYMOUS)
		require.Equal(t, linux.EINVAL.Ret(), f.call(linux.SYS_MMAP, 0, memory.PageSize, prot, both))

		neither := uint64(linux.MAP_ANONYMOUS)
		require.Equal(t, linux.EINVAL.Ret(), f.call(linux.SYS_MMAP, 0, memory.PageSize, prot, neither))

		file := uint64(linux.MAP_PRIVATE)
		require.Equal(t, linux.EACCES.Ret(), f.call(linux.SYS_MMAP, 0, memory.PageSize, prot, file, 3))

		anon := uint64(linux.MAP_PRIVATE | linux.MAP_ANONYMOUS)
		require.Equal(t, linux.EINVAL.Ret(), f.call(linux.SYS_MMAP, 0, 0, prot, anon))

		require.Equal(t, linux.EPERM.Ret(), f.call(linux.SYS_MPROTECT, 0x1000, memory.PageSize, prot))
	})

	n.It("answers identity queries", func(t *testing.T) {
		f := setup(t)

		child, err := f.k.NewTask(f.task)
		require.NoError(t, err)

		f.task = child

		require.Equal(t, int64(child.ID), f.call(linux.SYS_GETPID))
		require.Equal(t, int64(child.ID), f.call(linux.SYS_GETTID))
		require.Equal(t, int64(child.ParentID), f.call(linux.SYS_GETPPID))
		require.Equal(t, int64(0), f.call(linux.SYS_GETEUID))

		require.Equal(t, int64(child.ID), f.call(linux.SYS_SET_TID_ADDRESS, 0x4000))
		require.Equal(t, uint64(0x4000), child.ClearChildTID())

		require.Equal(t, int64(0), f.call(linux.SYS_SCHED_YIELD))
	})

	n.It("copies out the clock", func(t *testing.T) {
		f := setup(t)

		_, err := f.task.Mmap(scratch, memory.PageSize, ukernel.RightRead|ukernel.RightWrite, ukernel.VMExecuteNever)
		require.NoError(t, err)

		require.Equal(t, int64(0), f.call(linux.SYS_CLOCK_GETTIME, linux.CLOCK_REALTIME, scratch))

		var ts timespec
		require.NoError(t, f.task.CopyIn(scratch, &ts))
		require.True(t, ts.Sec > 1_600_000_000)

		require.Equal(t, int64(0), f.call(linux.SYS_CLOCK_GETTIME, linux.CLOCK_MONOTONIC, scratch))
		require.Equal(t, linux.EINVAL.Ret(), f.call(linux.SYS_CLOCK_GETTIME, 99, scratch))
		require.Equal(t, linux.EFAULT.Ret(), f.call(linux.SYS_CLOCK_GETTIME, linux.CLOCK_REALTIME, 0x9000_0000))
	})

	n.It("marks the task exited", func(t *testing.T) {
		f := setup(t)

		f.call(linux.SYS_EXIT_GROUP, 3)

		require.True(t, f.task.State().Exited())

		st, ok := f.task.ExitStatus()
		require.True(t, ok)
		require.Equal(t, 3, st.Code)
	})

	n.It("unpacks relay requests", func(t *testing.T) {
		req := ipc.SyscallRequest{Num: linux.SYS_WRITE}
		req.Args[2] = 9

		args := ArgsFrom(req)
		require.Equal(t, linux.SYS_WRITE, args.Num)
		require.Equal(t, uint64(9), args.Args[2])
	})

	n.Meow()
}
