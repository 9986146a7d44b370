// Package boot brings up a simulated meridian system: it boots the
// microkernel from a memory inventory, gives the largest region to the
// coordinator's allocator and keeps the next one for a worker.
package boot

import (
	"context"
	"io"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/evanphx/meridian/allocator"
	"github.com/evanphx/meridian/config"
	"github.com/evanphx/meridian/kernel"
	"github.com/evanphx/meridian/loader"
	"github.com/evanphx/meridian/log"
	"github.com/evanphx/meridian/metrics"
	"github.com/evanphx/meridian/server"
	"github.com/evanphx/meridian/ukernel"
	"github.com/evanphx/meridian/ukernel/sim"
)

var ErrNoSpare = errors.New("boot: no spare region for a worker")

type Options struct {
	Console    io.Writer
	Registerer prometheus.Registerer
}

type System struct {
	L hclog.Logger

	Machine *sim.Machine
	Root    *sim.Thread
	Kernel  *kernel.Kernel
	Server  *server.Server
	Metrics *metrics.Metrics

	// Primary backs the coordinator's allocator. Spare, when present, is
	// handed whole to the first worker.
	Primary sim.UntypedDesc
	Spare   *sim.UntypedDesc
}

func Boot(cfg *config.Config, inv *Inventory, opts Options) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := inv.Validate(); err != nil {
		return nil, err
	}

	l := log.Named("boot")

	m := sim.NewMachine()

	root, info, err := m.Boot(sim.BootConfig{
		RootRadix: cfg.Slots.RootRadix,
		LeafRadix: cfg.Slots.LeafRadix,
		Regions:   inv.simRegions(),
	})
	if err != nil {
		return nil, err
	}

	regions, err := SelectUntyped(info.Untyped)
	if err != nil {
		m.Shutdown()
		return nil, err
	}

	met := metrics.New(opts.Registerer)

	a := allocator.New(root, allocator.Config{
		Untyped:   regions[0].Cap,
		Root:      ukernel.CPtr(cfg.Slots.CNode),
		RootRadix: cfg.Slots.RootRadix,
		LeafRadix: cfg.Slots.LeafRadix,
		Start:     info.EmptyStart,
		End:       info.EmptyEnd,
		Metrics:   met,
	})

	k, err := kernel.New(root, a, kernel.Config{
		Layout:  cfg.Layout,
		Slots:   cfg.Slots,
		Console: opts.Console,
		Metrics: met,
	})
	if err != nil {
		m.Shutdown()
		return nil, errors.Wrap(err, "starting coordinator")
	}

	s := &System{
		L:       l,
		Machine: m,
		Root:    root,
		Kernel:  k,
		Metrics: met,
		Primary: regions[0],
		Server: server.New(k, server.Config{
			TeardownOnExit: cfg.Server.TeardownOnExit,
			ExitWhenIdle:   cfg.Server.ExitWhenIdle,
		}),
	}

	if len(regions) > 1 {
		s.Spare = &regions[1]
	}

	l.Info("booted",
		"regions", len(info.Untyped),
		"primary-bits", s.Primary.SizeBits,
		"first-free", info.EmptyStart)

	return s, nil
}

// Spawn loads img into a new task, lays out its stack with args and starts
// it. prog stands in for the instructions at the image entry.
func (s *System) Spawn(img *loader.Image, args []string, prog sim.Program) (*kernel.Task, error) {
	s.Machine.Bind(img.Entry, prog)

	task, err := s.Kernel.NewTask(nil)
	if err != nil {
		return nil, err
	}

	err = s.start(task, img, args, func(sp uint64) kernel.Entry {
		return kernel.EntryFor(img, sp)
	})
	if err != nil {
		task.Teardown()
		return nil, err
	}

	return task, nil
}

// SpawnWorker starts prog at entry in a task that owns the spare region.
func (s *System) SpawnWorker(entry uint64, args []string, prog sim.Program) (*kernel.Task, error) {
	if s.Spare == nil {
		return nil, ErrNoSpare
	}

	s.Machine.Bind(entry, prog)

	task, err := s.Kernel.NewWorker(nil, s.Spare.Cap)
	if err != nil {
		return nil, err
	}

	s.Spare = nil

	err = s.start(task, nil, args, func(sp uint64) kernel.Entry {
		return kernel.Entry{PC: entry, SP: sp}
	})
	if err != nil {
		task.Teardown()
		return nil, err
	}

	return task, nil
}

func (s *System) start(task *kernel.Task, img *loader.Image, args []string, entry func(sp uint64) kernel.Entry) error {
	if img != nil {
		if err := task.MapELF(img); err != nil {
			return errors.Wrap(err, "mapping image")
		}
	}

	sp, err := task.MapStack(args)
	if err != nil {
		return errors.Wrap(err, "building stack")
	}

	if err := task.Configure(); err != nil {
		return err
	}

	return task.Start(entry(sp))
}

// Run serves every spawned task until none is live or ctx ends, then stops
// the machine. Spawn first: Run with no live task returns at once.
func (s *System) Run(ctx context.Context) error {
	defer s.Machine.Shutdown()

	g, ctx := errgroup.WithContext(ctx)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.Go(func() error {
		return s.Server.Serve(ctx)
	})

	g.Go(func() error {
		defer cancel()

		err := s.Kernel.Tasks().WaitIdle(ctx)
		if err != nil && ctx.Err() != nil {
			return nil
		}

		return err
	})

	return g.Wait()
}

// Reap removes every exited top-level task and returns them by id.
func (s *System) Reap(ctx context.Context) map[int]kernel.ExitStatus {
	out := make(map[int]kernel.ExitStatus)

	for {
		task, err := s.Kernel.Tasks().ReapAny(ctx, 0, false)
		if err != nil || task == nil {
			return out
		}

		status, _ := task.ExitStatus()
		out[task.ID] = status
	}
}
