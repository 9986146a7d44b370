package syscalls

import (
	"context"
	"runtime"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/evanphx/meridian/abi/linux"
	"github.com/evanphx/meridian/kernel"
)

// sysExit marks the task exited. The relay loop sees the state change and
// never replies.
func sysExit(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	code := int(args.Args[0] & 0xff)

	l.Debug("exit", "code", code)

	task.Exit(kernel.ExitStatus{Code: code})

	return 0
}

func sysGetPID(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	return int64(task.ID)
}

func sysGetPPID(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	return int64(task.ParentID)
}

func sysGetID(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	return 0
}

func sysSetTIDAddress(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	task.SetClearChildTID(args.Args[0])
	return int64(task.ID)
}

func sysSchedYield(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	runtime.Gosched()
	return 0
}

func init() {
	Syscalls[linux.SYS_EXIT] = sysExit
	Syscalls[linux.SYS_EXIT_GROUP] = sysExit
	Syscalls[linux.SYS_GETPID] = sysGetPID
	Syscalls[linux.SYS_GETTID] = sysGetPID
	Syscalls[linux.SYS_GETPPID] = sysGetPPID
	Syscalls[linux.SYS_GETUID] = sysGetID
	Syscalls[linux.SYS_GETEUID] = sysGetID
	Syscalls[linux.SYS_GETGID] = sysGetID
	Syscalls[linux.SYS_GETEGID] = sysGetID
	Syscalls[linux.SYS_SET_TID_ADDRESS] = sysSetTIDAddress
	Syscalls[linux.SYS_SCHED_YIELD] = sysSchedYield
}
