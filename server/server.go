// Package server is the coordinator's receive, decode, act, reply loop. It
// serves fault records, the runtime protocol (echo, syscall relay, exit) and
// the coordination protocol for every task built by one kernel.Kernel.
package server

import (
	"context"

	"github.com/davecgh/go-spew/spew"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/evanphx/meridian/abi/linux"
	"github.com/evanphx/meridian/ipc"
	"github.com/evanphx/meridian/kernel"
	"github.com/evanphx/meridian/log"
	"github.com/evanphx/meridian/metrics"
	"github.com/evanphx/meridian/syscalls"
	"github.com/evanphx/meridian/ukernel"
)

type Config struct {
	// TeardownOnExit destroys a task's capabilities as soon as it exits.
	TeardownOnExit bool

	// ExitWhenIdle makes Serve return once a message leaves no task live.
	ExitWhenIdle bool
}

type Server struct {
	L hclog.Logger

	k   *kernel.Kernel
	sys ukernel.Kernel
	inv *syscalls.Invoker
	met *metrics.Metrics
	cfg Config
}

func New(k *kernel.Kernel, cfg Config) *Server {
	return &Server{
		L:   log.Named("server"),
		k:   k,
		sys: k.Sys(),
		inv: syscalls.NewInvoker(k),
		met: k.Metrics(),
		cfg: cfg,
	}
}

// Serve receives on the coordinator endpoint until ctx is done. Errors from
// the kernel that leave a task half-built are returned and end the loop.
func (s *Server) Serve(ctx context.Context) error {
	ep := s.k.Endpoint()

	for {
		msg, badge, err := s.sys.Recv(ctx, ep)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return errors.Wrap(err, "receiving")
		}

		if err := s.handle(ctx, msg, badge); err != nil {
			return err
		}

		if s.cfg.ExitWhenIdle && s.k.Tasks().Live() == 0 {
			s.L.Debug("no live tasks, stopping")
			return nil
		}
	}
}

func (s *Server) reply(l hclog.Logger, msg ukernel.Message) {
	if err := s.sys.Reply(msg); err != nil {
		l.Debug("reply not delivered", "error", err)
	}
}

func (s *Server) handle(ctx context.Context, msg ukernel.Message, badge ukernel.Badge) error {
	l := s.L.With("badge", badge, "label", msg.Label)

	task, known := s.k.Tasks().Lookup(badge)

	if ipc.IsFault(msg) {
		s.met.Messages.WithLabelValues("fault").Inc()

		if !known {
			l.Warn("fault from unknown badge")
			return nil
		}

		return s.fault(l, task, msg)
	}

	fam, ok := ipc.FamilyOf(msg.Label)
	if !ok {
		s.met.UnknownLabels.Inc()
		l.Warn("unknown message label")
		l.Trace("unknown message", "dump", spew.Sdump(msg))

		s.reply(l, ipc.Fail(ipc.StatusUnknownRequest))
		return nil
	}

	s.met.Messages.WithLabelValues(fam.Name).Inc()

	if !known {
		l.Warn("request from unknown badge", "family", fam.Name)
		s.reply(l, ipc.Fail(ipc.StatusDenied))
		return nil
	}

	req, err := ipc.Decode(msg)
	if err != nil {
		l.Warn("malformed request", "error", err)
		s.reply(l, ipc.Fail(ipc.StatusBadPayload))
		return nil
	}

	if task.State().Exited() {
		l.Debug("request from exited task dropped", "family", fam.Name)
		return nil
	}

	switch r := req.(type) {
	case ipc.TestRequest:
		s.reply(l, ipc.Ok(r.Payload...))
	case ipc.SyscallRequest:
		return s.syscall(ctx, l, task, r)
	case ipc.ExitRequest:
		task.Exit(kernel.ExitStatus{Code: int(r.Code & 0xff)})
		return s.exited(task)
	case ipc.RegisterIRQ:
		if err := task.BindIRQ(uint64(r.Handler), r.IRQ); err != nil {
			l.Error("binding irq", "irq", r.IRQ, "error", err)
			s.reply(l, ipc.Fail(ipc.StatusFailed))
			return nil
		}

		s.reply(l, ipc.Ok())
	case ipc.TranslateAddr:
		paddr, err := task.Translate(r.Vaddr)
		if err != nil {
			l.Debug("translating address", "vaddr", r.Vaddr, "error", err)
			s.reply(l, ipc.Fail(ipc.StatusFailed))
			return nil
		}

		s.reply(l, ipc.Ok(paddr))
	case ipc.RegisterIRQWithCap:
		return s.deliverIRQ(ctx, l, task, r)
	default:
		l.Debug("request not served here", "family", fam.Name)
		s.reply(l, ipc.Fail(ipc.StatusUnsupported))
	}

	return nil
}

func (s *Server) fault(l hclog.Logger, task *kernel.Task, msg ukernel.Message) error {
	f, err := ipc.DecodeFault(msg)
	if err != nil {
		l.Warn("malformed fault record", "error", err)
		l.Trace("fault record", "dump", spew.Sdump(msg))

		task.Kill(linux.SIGSEGV)
		return s.exited(task)
	}

	resume, err := task.HandleFault(f)
	if err != nil {
		return errors.Wrapf(err, "task %d", task.ID)
	}

	if !resume {
		return s.exited(task)
	}

	s.reply(l, ukernel.Message{})

	return nil
}

func (s *Server) syscall(ctx context.Context, l hclog.Logger, task *kernel.Task, r ipc.SyscallRequest) error {
	args := syscalls.ArgsFrom(r)

	l.Trace("syscall", "num", args.Num, "name", syscalls.Name(args.Num), "args", args.Args)

	ret := s.inv.InvokeSyscall(ctx, task, args)

	// exit and exit_group are never answered.
	if task.State().Exited() {
		return s.exited(task)
	}

	s.reply(l, ipc.Ok(ukernel.Word(ret)))

	return nil
}

// deliverIRQ acknowledges the request, then calls the task on its interrupt
// endpoint carrying a fresh handler for the task to receive.
func (s *Server) deliverIRQ(ctx context.Context, l hclog.Logger, task *kernel.Task, r ipc.RegisterIRQWithCap) error {
	handler, err := task.IssueIRQHandler(r.IRQ)
	if err != nil {
		l.Error("issuing irq handler", "irq", r.IRQ, "error", err)
		s.reply(l, ipc.Fail(ipc.StatusFailed))
		return nil
	}

	s.reply(l, ipc.Ok())

	rep, err := s.sys.Call(ctx, task.IRQEndpoint, ipc.EncodeWithCap(r, handler))
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}

		return errors.Wrapf(err, "delivering irq %d handler", r.IRQ)
	}

	if err := ipc.Check(rep); err != nil {
		l.Warn("irq handler refused", "irq", r.IRQ, "error", err)
	}

	return nil
}

func (s *Server) exited(task *kernel.Task) error {
	if !s.cfg.TeardownOnExit {
		return nil
	}

	if err := task.Teardown(); err != nil {
		return errors.Wrapf(err, "tearing down task %d", task.ID)
	}

	return nil
}
