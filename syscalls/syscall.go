// Package syscalls serves the Linux system calls a sandboxed payload relays
// to its supervisor. Handlers register themselves by AArch64 number.
package syscalls

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/evanphx/meridian/ipc"
	"github.com/evanphx/meridian/kernel"
)

// SysArgs is one relayed call: the number and the six argument registers.
type SysArgs struct {
	Num  int
	Args [ipc.SyscallArgs]uint64
}

// ArgsFrom unpacks a decoded relay request.
func ArgsFrom(req ipc.SyscallRequest) SysArgs {
	return SysArgs{
		Num:  int(req.Num),
		Args: req.Args,
	}
}

// Handler returns the value the payload sees: a result, or a negated errno.
type Handler func(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64

var Syscalls [512]Handler
