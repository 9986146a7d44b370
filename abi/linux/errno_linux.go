//go:build linux

package linux

import "golang.org/x/sys/unix"

// Errno values as the payload sees them.
const (
	EPERM  = Errno(unix.EPERM)
	ENOENT = Errno(unix.ENOENT)
	ESRCH  = Errno(unix.ESRCH)
	EINTR  = Errno(unix.EINTR)
	EIO    = Errno(unix.EIO)
	EBADF  = Errno(unix.EBADF)
	EAGAIN = Errno(unix.EAGAIN)
	ENOMEM = Errno(unix.ENOMEM)
	EACCES = Errno(unix.EACCES)
	EFAULT = Errno(unix.EFAULT)
	EINVAL = Errno(unix.EINVAL)
	ENOTTY = Errno(unix.ENOTTY)
	ENOSYS = Errno(unix.ENOSYS)
)

// Memory protection and mapping flags.
const (
	PROT_NONE  = unix.PROT_NONE
	PROT_READ  = unix.PROT_READ
	PROT_WRITE = unix.PROT_WRITE
	PROT_EXEC  = unix.PROT_EXEC

	MAP_SHARED    = unix.MAP_SHARED
	MAP_PRIVATE   = unix.MAP_PRIVATE
	MAP_FIXED     = unix.MAP_FIXED
	MAP_ANONYMOUS = unix.MAP_ANONYMOUS
)

const (
	CLOCK_REALTIME  = unix.CLOCK_REALTIME
	CLOCK_MONOTONIC = unix.CLOCK_MONOTONIC
)
