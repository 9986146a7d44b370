// Package boundary is the payload side of the relay: a shim that turns
// system calls into runtime-protocol calls on the coordinator endpoint, and a
// client for the coordination protocol.
package boundary

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/evanphx/meridian/ipc"
	"github.com/evanphx/meridian/log"
	"github.com/evanphx/meridian/ukernel"
)

var (
	ErrTooManyArgs = errors.New("boundary: more than six syscall arguments")
	ErrBadReply    = errors.New("boundary: malformed reply")
)

// ThreadPointer is the TLS base register of the calling thread.
type ThreadPointer interface {
	ThreadPointer() ukernel.Word
	SetThreadPointer(ukernel.Word)
}

// Shim relays system calls for one payload thread.
type Shim struct {
	L hclog.Logger

	K        ukernel.Kernel
	TP       ThreadPointer
	Endpoint ukernel.CPtr
}

func NewShim(k ukernel.Kernel, tp ThreadPointer, ep ukernel.CPtr) *Shim {
	return &Shim{
		L:        log.Named("shim"),
		K:        k,
		TP:       tp,
		Endpoint: ep,
	}
}

// Syscall relays num with up to six arguments and returns the single result
// word. Failures come back as negative errno values, not errors; an error
// means the relay itself broke. The thread pointer is restored after the
// reply whatever the supervisor did to it.
func (s *Shim) Syscall(ctx context.Context, num ukernel.Word, args ...ukernel.Word) (int64, error) {
	if len(args) > ipc.SyscallArgs {
		return 0, errors.Wrapf(ErrTooManyArgs, "syscall %d", num)
	}

	req := ipc.SyscallRequest{Num: num}
	copy(req.Args[:], args)

	tp := s.TP.ThreadPointer()
	defer s.TP.SetThreadPointer(tp)

	rep, err := s.K.Call(ctx, s.Endpoint, ipc.Encode(req))
	if err != nil {
		return 0, errors.Wrapf(err, "relaying syscall %d", num)
	}

	if err := ipc.Check(rep); err != nil {
		return 0, err
	}

	ret, ok := rep.Reg(0)
	if !ok || rep.Length() != 1 {
		return 0, errors.Wrapf(ErrBadReply, "syscall %d: %d result words", num, rep.Length())
	}

	s.L.Trace("syscall", "num", num, "ret", int64(ret))

	return int64(ret), nil
}

// Exit ends the payload. The supervisor never replies, so this only sends.
func (s *Shim) Exit(ctx context.Context, code int) error {
	return s.K.Send(ctx, s.Endpoint, ipc.Encode(ipc.ExitRequest{Code: ukernel.Word(code)}))
}

// Echo round-trips payload through the supervisor.
func (s *Shim) Echo(ctx context.Context, payload ...ukernel.Word) ([]ukernel.Word, error) {
	rep, err := s.K.Call(ctx, s.Endpoint, ipc.Encode(ipc.TestRequest{Payload: payload}))
	if err != nil {
		return nil, err
	}

	if err := ipc.Check(rep); err != nil {
		return nil, err
	}

	return rep.Regs, nil
}
