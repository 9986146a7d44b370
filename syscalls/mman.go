package syscalls

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/evanphx/meridian/abi/linux"
	"github.com/evanphx/meridian/kernel"
	"github.com/evanphx/meridian/memory"
	"github.com/evanphx/meridian/ukernel"
)

func sysBrk(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	top, err := task.Brk(args.Args[0])
	if err != nil {
		if errors.Cause(err) == kernel.ErrHeapLimit {
			return linux.ENOMEM.Ret()
		}

		l.Error("error growing heap", "error", err)
		return linux.ENOMEM.Ret()
	}

	return int64(top)
}

func protRights(prot uint64) (ukernel.Rights, ukernel.VMAttributes) {
	var r ukernel.Rights

	if prot&(linux.PROT_READ|linux.PROT_EXEC) != 0 {
		r |= ukernel.RightRead
	}

	if prot&linux.PROT_WRITE != 0 {
		r |= ukernel.RightWrite
	}

	attrs := ukernel.VMExecuteNever
	if prot&linux.PROT_EXEC != 0 {
		attrs = ukernel.VMDefault
	}

	return r, attrs
}

func sysMmap(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	var (
		addr  = args.Args[0]
		size  = args.Args[1]
		prot  = args.Args[2]
		flags = args.Args[3]

		private = flags&linux.MAP_PRIVATE != 0
		shared  = flags&linux.MAP_SHARED != 0
		anon    = flags&linux.MAP_ANONYMOUS != 0
		fixed   = flags&linux.MAP_FIXED != 0
	)

	// Require exactly one of MAP_PRIVATE and MAP_SHARED.
	if private == shared {
		return linux.EINVAL.Ret()
	}

	if !anon {
		return linux.EACCES.Ret()
	}

	if size == 0 || addr&(memory.PageSize-1) != 0 {
		return linux.EINVAL.Ret()
	}

	if !fixed {
		addr = 0
	}

	rights, attrs := protRights(prot)

	start, err := task.Mmap(addr, size, rights, attrs)
	if err != nil {
		switch errors.Cause(err) {
		case memory.ErrBadRegionRequest:
			return linux.EINVAL.Ret()
		case kernel.ErrMmapLimit:
			l.Debug("mmap over limit", "size", size)
			return linux.ENOMEM.Ret()
		}

		l.Error("error mapping region", "error", err)
		return linux.ENOMEM.Ret()
	}

	l.Trace("new region", "addr", start, "size", size)

	return int64(start)
}

func sysMunmap(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	var (
		addr = args.Args[0]
		size = args.Args[1]
	)

	if addr&(memory.PageSize-1) != 0 {
		return linux.EINVAL.Ret()
	}

	if err := task.Munmap(addr, size); err != nil {
		l.Error("error unmapping region", "error", err)
		return linux.EINVAL.Ret()
	}

	return 0
}

func sysMprotect(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	return linux.EPERM.Ret()
}

func init() {
	Syscalls[linux.SYS_BRK] = sysBrk
	Syscalls[linux.SYS_MMAP] = sysMmap
	Syscalls[linux.SYS_MUNMAP] = sysMunmap
	Syscalls[linux.SYS_MPROTECT] = sysMprotect
}
