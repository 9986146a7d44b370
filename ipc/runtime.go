package ipc

import "github.com/evanphx/meridian/ukernel"

// Runtime family opcodes.
const (
	OpTest Word = iota
	OpSyscall
	OpExit

	runtimeOps
)

// SyscallArgs is the number of argument registers relayed with a syscall.
const SyscallArgs = 6

// TestRequest is echoed back unchanged.
type TestRequest struct {
	Payload []Word
}

func (TestRequest) Label() Word    { return Runtime.Label(OpTest) }
func (r TestRequest) Regs() []Word { return r.Payload }

// SyscallRequest relays one system call: the number followed by six
// argument registers.
type SyscallRequest struct {
	Num  Word
	Args [SyscallArgs]Word
}

func (SyscallRequest) Label() Word { return Runtime.Label(OpSyscall) }

func (r SyscallRequest) Regs() []Word {
	regs := make([]Word, 0, 1+SyscallArgs)
	regs = append(regs, r.Num)
	return append(regs, r.Args[:]...)
}

// ExitRequest ends the calling task. It is never replied to.
type ExitRequest struct {
	Code Word
}

func (ExitRequest) Label() Word    { return Runtime.Label(OpExit) }
func (r ExitRequest) Regs() []Word { return []Word{r.Code} }

func DecodeRuntime(m ukernel.Message) (Request, bool, error) {
	op, ok := Runtime.op(m.Label)
	if !ok {
		return nil, false, nil
	}

	r := newReader(m)

	switch op {
	case OpTest:
		return r.finish(Runtime, op, TestRequest{Payload: r.rest()})
	case OpSyscall:
		var req SyscallRequest
		req.Num = r.word()
		for i := range req.Args {
			req.Args[i] = r.word()
		}
		return r.finish(Runtime, op, req)
	default:
		return r.finish(Runtime, op, ExitRequest{Code: r.word()})
	}
}
