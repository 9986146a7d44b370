//go:build !linux

package linux

// Errno values as the payload sees them. Hosts other than Linux number
// their own errors differently, so the Linux values are spelled out.
const (
	EPERM  Errno = 1
	ENOENT Errno = 2
	ESRCH  Errno = 3
	EINTR  Errno = 4
	EIO    Errno = 5
	EBADF  Errno = 9
	EAGAIN Errno = 11
	ENOMEM Errno = 12
	EACCES Errno = 13
	EFAULT Errno = 14
	EINVAL Errno = 22
	ENOTTY Errno = 25
	ENOSYS Errno = 38
)

const (
	PROT_NONE  = 0x0
	PROT_READ  = 0x1
	PROT_WRITE = 0x2
	PROT_EXEC  = 0x4

	MAP_SHARED    = 0x1
	MAP_PRIVATE   = 0x2
	MAP_FIXED     = 0x10
	MAP_ANONYMOUS = 0x20
)

const (
	CLOCK_REALTIME  = 0x0
	CLOCK_MONOTONIC = 0x1
)
