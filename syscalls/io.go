package syscalls

import (
	"context"
	"encoding/binary"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/evanphx/meridian/abi/linux"
	"github.com/evanphx/meridian/kernel"
)

// maxWrite bounds one relayed write.
const maxWrite = 1 << 20

func console(fd uint64) bool {
	return fd == 1 || fd == 2
}

func sysWrite(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	var (
		fd  = args.Args[0]
		ptr = args.Args[1]
		sz  = args.Args[2]
	)

	if !console(fd) {
		return linux.EBADF.Ret()
	}

	if sz > maxWrite {
		sz = maxWrite
	}

	data := make([]byte, sz)

	if err := task.ReadAt(data, ptr); err != nil {
		l.Error("error reading data from userspace", "error", err)
		return linux.EFAULT.Ret()
	}

	n, err := task.Kernel().Console.Write(data)
	if err != nil {
		l.Error("error writing data", "error", err)
		return linux.EIO.Ret()
	}

	return int64(n)
}

func sysWritev(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	var (
		fd  = args.Args[0]
		iov = args.Args[1]
		cnt = args.Args[2]
	)

	if !console(fd) {
		return linux.EBADF.Ret()
	}

	if cnt > 1024 {
		return linux.EINVAL.Ret()
	}

	tmp := make([]byte, 16)

	var ret int64

	for i := uint64(0); i < cnt; i++ {
		if err := task.ReadAt(tmp, iov+i*16); err != nil {
			return linux.EFAULT.Ret()
		}

		ptr := binary.LittleEndian.Uint64(tmp)
		sz := binary.LittleEndian.Uint64(tmp[8:])

		if sz > maxWrite {
			return linux.EINVAL.Ret()
		}

		data := make([]byte, sz)

		if err := task.ReadAt(data, ptr); err != nil {
			return linux.EFAULT.Ret()
		}

		n, err := task.Kernel().Console.Write(data)
		if err != nil {
			l.Error("error writing data", "error", err)
			return linux.EIO.Ret()
		}

		ret += int64(n)
	}

	return ret
}

func sysIoctl(ctx context.Context, l hclog.Logger, task *kernel.Task, args SysArgs) int64 {
	if console(args.Args[0]) {
		return linux.ENOTTY.Ret()
	}

	return linux.EBADF.Ret()
}

func init() {
	Syscalls[linux.SYS_WRITE] = sysWrite
	Syscalls[linux.SYS_WRITEV] = sysWritev
	Syscalls[linux.SYS_IOCTL] = sysIoctl
}
