package server

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"

	"github.com/evanphx/meridian/abi/linux"
	"github.com/evanphx/meridian/allocator"
	"github.com/evanphx/meridian/config"
	"github.com/evanphx/meridian/ipc"
	"github.com/evanphx/meridian/kernel"
	"github.com/evanphx/meridian/metrics"
	"github.com/evanphx/meridian/ukernel"
	"github.com/evanphx/meridian/ukernel/sim"
)

type fixture struct {
	m   *sim.Machine
	k   *kernel.Kernel
	met *metrics.Metrics
	out *bytes.Buffer

	ctx  context.Context
	errc chan error

	entry ukernel.Word
}

func setup(t *testing.T, cfg Config) *fixture {
	m := sim.NewMachine()
	t.Cleanup(m.Shutdown)

	root, info, err := m.Boot(sim.BootConfig{
		Regions: []sim.Region{{Paddr: 0x4000_0000, SizeBits: 24}},
	})
	require.NoError(t, err)

	met := metrics.New(nil)

	a := allocator.New(root, allocator.Config{
		Untyped:   info.Untyped[0].Cap,
		Root:      sim.SlotCNode,
		RootRadix: 12,
		LeafRadix: 12,
		Start:     info.EmptyStart,
		End:       info.EmptyEnd,
		Metrics:   met,
	})

	var out bytes.Buffer

	k, err := kernel.New(root, a, kernel.Config{
		Layout:  config.DefaultLayout(),
		Slots:   config.DefaultSlots(),
		Console: &out,
		Metrics: met,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	f := &fixture{
		m:     m,
		k:     k,
		met:   met,
		out:   &out,
		ctx:   ctx,
		errc:  make(chan error, 1),
		entry: 0x400000,
	}

	srv := New(k, cfg)

	go func() {
		f.errc <- srv.Serve(ctx)
	}()

	return f
}

// spawn builds a task whose thread runs prog.
func (f *fixture) spawn(t *testing.T, prog sim.Program) *kernel.Task {
	f.entry += 0x1000
	f.m.Bind(f.entry, prog)

	task, err := f.k.NewTask(nil)
	require.NoError(t, err)
	require.NoError(t, task.Configure())

	sp, err := task.MapStack([]string{"payload"})
	require.NoError(t, err)

	require.NoError(t, task.Start(kernel.Entry{PC: f.entry, SP: sp}))

	return task
}

// endpoint is the coordinator endpoint as the payload sees it.
func endpoint(th *sim.Thread) ukernel.CPtr {
	return ukernel.CPtr(th.Registers().GPR[0])
}

func (f *fixture) reply(t *testing.T, c chan ukernel.Message) ukernel.Message {
	select {
	case m := <-c:
		return m
	case <-f.ctx.Done():
		t.Fatal("no reply")
		return ukernel.Message{}
	}
}

func call(c chan ukernel.Message, msg ukernel.Message) sim.Program {
	return func(ctx context.Context, th *sim.Thread) {
		rep, err := th.Call(ctx, endpoint(th), msg)
		if err != nil {
			return
		}

		c <- rep
	}
}

func TestServer(t *testing.T) {
	n := neko.Modern(t)

	n.It("echoes test requests", func(t *testing.T) {
		f := setup(t, Config{})

		c := make(chan ukernel.Message, 1)
		f.spawn(t, call(c, ipc.Encode(ipc.TestRequest{Payload: []ukernel.Word{1, 2, 3}})))

		rep := f.reply(t, c)
		require.NoError(t, ipc.Check(rep))
		require.Equal(t, []ukernel.Word{1, 2, 3}, rep.Regs)

		require.Equal(t, float64(1), testutil.ToFloat64(f.met.Messages.WithLabelValues("runtime")))
	})

	n.It("answers unknown labels with an error", func(t *testing.T) {
		f := setup(t, Config{})

		c := make(chan ukernel.Message, 1)
		f.spawn(t, call(c, ukernel.NewMessage(0x999, 1)))

		rep := f.reply(t, c)
		require.Equal(t, ipc.StatusError(ipc.StatusUnknownRequest), ipc.Check(rep))
		require.Equal(t, float64(1), testutil.ToFloat64(f.met.UnknownLabels))
	})

	n.It("rejects short payloads", func(t *testing.T) {
		f := setup(t, Config{})

		c := make(chan ukernel.Message, 1)
		f.spawn(t, call(c, ukernel.NewMessage(ipc.TranslateAddr{}.Label())))

		rep := f.reply(t, c)
		require.Equal(t, ipc.StatusError(ipc.StatusBadPayload), ipc.Check(rep))
	})

	n.It("does not serve device protocols", func(t *testing.T) {
		f := setup(t, Config{})

		c := make(chan ukernel.Message, 1)
		f.spawn(t, call(c, ipc.Encode(ipc.BlockCapacity{})))

		rep := f.reply(t, c)
		require.Equal(t, ipc.StatusError(ipc.StatusUnsupported), ipc.Check(rep))
	})

	n.It("relays syscalls with one result word", func(t *testing.T) {
		f := setup(t, Config{})

		c := make(chan ukernel.Message, 1)
		task := f.spawn(t, call(c, ipc.Encode(ipc.SyscallRequest{Num: linux.SYS_GETPID})))

		rep := f.reply(t, c)
		require.NoError(t, ipc.Check(rep))
		require.Equal(t, []ukernel.Word{ukernel.Word(task.ID)}, rep.Regs)
	})

	n.It("returns ENOSYS for unserved syscalls", func(t *testing.T) {
		f := setup(t, Config{})

		c := make(chan ukernel.Message, 1)
		f.spawn(t, call(c, ipc.Encode(ipc.SyscallRequest{Num: 400})))

		rep := f.reply(t, c)
		require.NoError(t, ipc.Check(rep))
		require.Equal(t, linux.ENOSYS.Ret(), int64(rep.Regs[0]))
	})

	n.It("never replies to exit and stops when idle", func(t *testing.T) {
		f := setup(t, Config{TeardownOnExit: true, ExitWhenIdle: true})

		c := make(chan ukernel.Message, 1)
		task := f.spawn(t, call(c, ipc.Encode(ipc.SyscallRequest{
			Num:  linux.SYS_EXIT_GROUP,
			Args: [ipc.SyscallArgs]ukernel.Word{7},
		})))

		status, err := f.k.Tasks().WaitExit(f.ctx, task.ID)
		require.NoError(t, err)
		require.Equal(t, 7, status.Code)

		select {
		case err := <-f.errc:
			require.NoError(t, err)
		case <-f.ctx.Done():
			t.Fatal("server did not stop")
		}

		require.Equal(t, kernel.TornDown, task.State())
		require.Len(t, c, 0)
	})

	n.It("ends a task on the exit request", func(t *testing.T) {
		f := setup(t, Config{})

		f.entry += 0x1000
		entry := f.entry

		f.m.Bind(entry, func(ctx context.Context, th *sim.Thread) {
			th.Send(ctx, endpoint(th), ipc.Encode(ipc.ExitRequest{Code: 3}))
		})

		task, err := f.k.NewTask(nil)
		require.NoError(t, err)
		require.NoError(t, task.Configure())
		require.NoError(t, task.Start(kernel.Entry{PC: entry}))

		status, err := f.k.Tasks().WaitExit(f.ctx, task.ID)
		require.NoError(t, err)
		require.Equal(t, 3, status.Code)
		require.Equal(t, kernel.Exited, task.State())
	})

	n.It("pages in memory and translates it", func(t *testing.T) {
		f := setup(t, Config{})

		c := make(chan ukernel.Message, 1)

		task := f.spawn(t, func(ctx context.Context, th *sim.Thread) {
			if err := th.Store(0x5000_0010, []byte("hi")); err != nil {
				return
			}

			rep, err := th.Call(ctx, endpoint(th), ipc.Encode(ipc.TranslateAddr{Vaddr: 0x5000_0010}))
			if err != nil {
				return
			}

			c <- rep
		})

		rep := f.reply(t, c)
		require.NoError(t, ipc.Check(rep))

		want, err := task.Translate(0x5000_0010)
		require.NoError(t, err)
		require.Equal(t, []ukernel.Word{want}, rep.Regs)

		buf := make([]byte, 2)
		require.NoError(t, task.ReadAt(buf, 0x5000_0010))
		require.Equal(t, "hi", string(buf))

		require.Equal(t, float64(1), testutil.ToFloat64(f.met.Messages.WithLabelValues("fault")))
	})

	n.It("fails translation of unmapped addresses", func(t *testing.T) {
		f := setup(t, Config{})

		c := make(chan ukernel.Message, 1)
		f.spawn(t, call(c, ipc.Encode(ipc.TranslateAddr{Vaddr: 0x7700_0000})))

		rep := f.reply(t, c)
		require.Equal(t, ipc.StatusError(ipc.StatusFailed), ipc.Check(rep))
	})

	n.It("kills a task on a permission fault", func(t *testing.T) {
		f := setup(t, Config{})

		f.entry += 0x1000
		entry := f.entry

		f.m.Bind(entry, func(ctx context.Context, th *sim.Thread) {
			th.Store(0x6000_0000, []byte("x"))
		})

		task, err := f.k.NewTask(nil)
		require.NoError(t, err)
		require.NoError(t, task.Configure())
		require.NoError(t, task.MapFresh(0x6000_0000, 0x6000_1000, ukernel.RightRead, ukernel.VMDefault))
		require.NoError(t, task.Start(kernel.Entry{PC: entry}))

		status, err := f.k.Tasks().WaitExit(f.ctx, task.ID)
		require.NoError(t, err)
		require.Equal(t, linux.SIGSEGV, status.Signo)

		require.Eventually(t, func() bool { return task.State() == kernel.TornDown }, 5*time.Second, 10*time.Millisecond)
	})

	n.It("binds an irq into the caller's slot", func(t *testing.T) {
		f := setup(t, Config{})

		const slot = 40

		acked := make(chan ukernel.Message, 1)
		woke := make(chan ukernel.Word, 1)

		slots := f.k.Slots

		f.spawn(t, func(ctx context.Context, th *sim.Thread) {
			rep, err := th.Call(ctx, endpoint(th), ipc.Encode(ipc.RegisterIRQ{Handler: slot, IRQ: 5}))
			if err != nil {
				return
			}

			acked <- rep

			if err := th.IRQHandlerSetNotification(slot, ukernel.CPtr(slots.Notification)); err != nil {
				return
			}

			bits, err := th.Wait(ctx, ukernel.CPtr(slots.Notification))
			if err != nil {
				return
			}

			woke <- bits
		})

		require.NoError(t, ipc.Check(f.reply(t, acked)))

		require.Eventually(t, func() bool { return f.m.RaiseIRQ(5) }, 5*time.Second, 10*time.Millisecond)

		select {
		case <-woke:
		case <-f.ctx.Done():
			t.Fatal("interrupt not delivered")
		}
	})

	n.Meow()
}
