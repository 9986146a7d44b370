package syscalls

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/evanphx/meridian/abi/linux"
	"github.com/evanphx/meridian/kernel"
	"github.com/evanphx/meridian/log"
	"github.com/evanphx/meridian/metrics"
)

type Invoker struct {
	Kernel *kernel.Kernel

	L   hclog.Logger
	met *metrics.Metrics
}

func NewInvoker(k *kernel.Kernel) *Invoker {
	return &Invoker{
		Kernel: k,
		L:      log.Named("syscalls"),
		met:    k.Metrics(),
	}
}

// Name is the conventional name of syscall num.
func Name(num int) string {
	if n, ok := linux.SyscallNames[num]; ok {
		return n
	}
	return "unknown"
}

// InvokeSyscall runs the handler for args.Num on behalf of task. Numbers
// without a handler return -ENOSYS.
func (i *Invoker) InvokeSyscall(ctx context.Context, task *kernel.Task, args SysArgs) int64 {
	name := Name(args.Num)

	var f Handler
	if args.Num >= 0 && args.Num < len(Syscalls) {
		f = Syscalls[args.Num]
	}

	if f == nil {
		i.L.Debug("unimplemented syscall", "num", args.Num, "task", task.ID)
		i.met.Syscalls.WithLabelValues(name, linux.ENOSYS.Error()).Inc()
		return linux.ENOSYS.Ret()
	}

	ret := f(ctx, i.L.With("syscall", name, "task", task.ID), task, args)

	result := "ok"
	if ret < 0 {
		result = linux.Errno(-ret).Error()
	}

	i.met.Syscalls.WithLabelValues(name, result).Inc()

	return ret
}
