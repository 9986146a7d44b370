package linux

// AArch64 system call numbers.
const (
	SYS_IOCTL           = 29
	SYS_WRITE           = 64
	SYS_WRITEV          = 66
	SYS_EXIT            = 93
	SYS_EXIT_GROUP      = 94
	SYS_SET_TID_ADDRESS = 96
	SYS_CLOCK_GETTIME   = 113
	SYS_SCHED_YIELD     = 124
	SYS_GETPID          = 172
	SYS_GETPPID         = 173
	SYS_GETUID          = 174
	SYS_GETEUID         = 175
	SYS_GETGID          = 176
	SYS_GETEGID         = 177
	SYS_GETTID          = 178
	SYS_BRK             = 214
	SYS_MUNMAP          = 215
	SYS_MMAP            = 222
	SYS_MPROTECT        = 226
)

var SyscallNames = map[int]string{
	SYS_IOCTL:           "ioctl",
	SYS_WRITE:           "write",
	SYS_WRITEV:          "writev",
	SYS_EXIT:            "exit",
	SYS_EXIT_GROUP:      "exit_group",
	SYS_SET_TID_ADDRESS: "set_tid_address",
	SYS_CLOCK_GETTIME:   "clock_gettime",
	SYS_SCHED_YIELD:     "sched_yield",
	SYS_GETPID:          "getpid",
	SYS_GETPPID:         "getppid",
	SYS_GETUID:          "getuid",
	SYS_GETEUID:         "geteuid",
	SYS_GETGID:          "getgid",
	SYS_GETEGID:         "getegid",
	SYS_GETTID:          "gettid",
	SYS_BRK:             "brk",
	SYS_MUNMAP:          "munmap",
	SYS_MMAP:            "mmap",
	SYS_MPROTECT:        "mprotect",
}
