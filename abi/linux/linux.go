// Package linux holds the Linux AArch64 ABI constants meridian payloads are
// built against.
package linux

import "fmt"

// Errno is a positive Linux error number.
type Errno int64

// Ret is the value a syscall returns for the error.
func (e Errno) Ret() int64 {
	return -int64(e)
}

func (e Errno) Error() string {
	if n, ok := errnoNames[e]; ok {
		return n
	}
	return fmt.Sprintf("errno %d", int64(e))
}

var errnoNames = map[Errno]string{
	EPERM:  "EPERM",
	ENOENT: "ENOENT",
	ESRCH:  "ESRCH",
	EINTR:  "EINTR",
	EIO:    "EIO",
	EBADF:  "EBADF",
	EAGAIN: "EAGAIN",
	ENOMEM: "ENOMEM",
	EACCES: "EACCES",
	EFAULT: "EFAULT",
	EINVAL: "EINVAL",
	ENOTTY: "ENOTTY",
	ENOSYS: "ENOSYS",
}

// Auxiliary vector keys.
const (
	AT_NULL   = 0
	AT_PAGESZ = 6
	AT_ENTRY  = 9
	AT_UID    = 11
	AT_EUID   = 12
	AT_GID    = 13
	AT_EGID   = 14
	AT_EXECFN = 31
)

const (
	SIGKILL = 9
	SIGSEGV = 11
)
