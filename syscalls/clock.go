package syscalls

import (
	"context"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/evanphx/meridian/abi/linux"
	"github.com/evanphx/meridian/kernel"
)

type timespec struct {
	Sec  int64
	NSec int64
}

var start = time.Now()

func sysClockGetTime(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	var (
		clk = args.Args[0]
		ptr = args.Args[1]
	)

	t := time.Now()

	var ts timespec

	switch clk {
	case linux.CLOCK_REALTIME:
		ts = timespec{
			Sec:  t.Unix(),
			NSec: int64(t.Nanosecond()),
		}
	case linux.CLOCK_MONOTONIC:
		ns := time.Since(start).Nanoseconds()
		ts = timespec{
			Sec:  ns / 1000000000,
			NSec: ns % 1000000000,
		}
	default:
		return linux.EINVAL.Ret()
	}

	if err := task.CopyOut(ptr, ts); err != nil {
		l.Debug("error copying timespec", "error", err)
		return linux.EFAULT.Ret()
	}

	return 0
}

func init() {
	Syscalls[linux.SYS_CLOCK_GETTIME] = sysClockGetTime
}
