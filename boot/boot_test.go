package boot

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"

	"github.com/evanphx/meridian/abi/linux"
	"github.com/evanphx/meridian/boundary"
	"github.com/evanphx/meridian/config"
	"github.com/evanphx/meridian/ukernel"
	"github.com/evanphx/meridian/ukernel/sim"
)

func TestInventory(t *testing.T) {
	n := neko.Modern(t)

	n.It("parses regions from yaml", func(t *testing.T) {
		inv, err := ParseInventory([]byte(`
regions:
  - paddr: 0x40000000
    size_bits: 24
  - paddr: 0x09000000
    size_bits: 12
    device: true
`))
		require.NoError(t, err)

		require.Equal(t, []Region{
			{Paddr: 0x4000_0000, SizeBits: 24},
			{Paddr: 0x0900_0000, SizeBits: 12, Device: true},
		}, inv.Regions)
	})

	n.It("rejects empty and malformed inventories", func(t *testing.T) {
		_, err := ParseInventory([]byte("regions: []\n"))
		require.Equal(t, ErrBadInventory, errors.Cause(err))

		_, err = ParseInventory([]byte("regions:\n  - paddr: 0x1000\n    size_bits: 4\n"))
		require.Equal(t, ErrBadInventory, errors.Cause(err))

		_, err = ParseInventory([]byte("regions:\n  - paddr: 0x1001\n    size_bits: 20\n"))
		require.Equal(t, ErrBadInventory, errors.Cause(err))

		_, err = ParseInventory([]byte("regions: {"))
		require.Error(t, err)
	})

	n.It("picks the largest general-purpose region first", func(t *testing.T) {
		got, err := SelectUntyped([]sim.UntypedDesc{
			{Cap: 16, SizeBits: 20},
			{Cap: 17, SizeBits: 30, Device: true},
			{Cap: 18, SizeBits: 24},
		})
		require.NoError(t, err)

		require.Len(t, got, 2)
		require.Equal(t, ukernel.CPtr(18), got[0].Cap)
		require.Equal(t, ukernel.CPtr(16), got[1].Cap)

		_, err = SelectUntyped([]sim.UntypedDesc{{Cap: 16, SizeBits: 20, Device: true}})
		require.Equal(t, ErrNoMemory, err)
	})

	n.Meow()
}

func TestSystem(t *testing.T) {
	n := neko.Modern(t)

	boot := func(t *testing.T) (*System, *bytes.Buffer) {
		var out bytes.Buffer

		s, err := Boot(config.Default(), DefaultInventory(), Options{Console: &out})
		require.NoError(t, err)
		t.Cleanup(s.Machine.Shutdown)

		return s, &out
	}

	n.It("boots with the largest region as primary", func(t *testing.T) {
		s, _ := boot(t)

		require.Equal(t, 26, s.Primary.SizeBits)
		require.NotNil(t, s.Spare)
		require.Equal(t, 22, s.Spare.SizeBits)
	})

	n.It("runs the echo payload to completion", func(t *testing.T) {
		s, out := boot(t)

		task, err := s.Spawn(EchoImage(), []string{"echo", "hello", "world"}, Echo)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		require.NoError(t, s.Run(ctx))

		require.Equal(t, "hello\nworld\n", out.String())

		statuses := s.Reap(ctx)
		require.Equal(t, 0, statuses[task.ID].Code)
		require.Equal(t, 0, s.Kernel.Tasks().Len())
	})

	n.It("hands the spare region to one worker", func(t *testing.T) {
		s, _ := boot(t)

		slots := config.Default().Slots

		task, err := s.SpawnWorker(0x500000, []string{"worker"}, func(ctx context.Context, th *sim.Thread) {
			shim := boundary.NewShim(th, th, ukernel.CPtr(th.Registers().GPR[0]))

			code := 5

			a := boundary.WorkerAllocator(th, slots, nil)
			if _, err := a.Allocate(ukernel.ObjectSpec{Type: ukernel.ObjEndpoint}); err != nil {
				code = 1
			}

			shim.Syscall(ctx, linux.SYS_EXIT_GROUP, ukernel.Word(code))
		})
		require.NoError(t, err)

		_, err = s.SpawnWorker(0x500000, nil, nil)
		require.Equal(t, ErrNoSpare, err)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		require.NoError(t, s.Run(ctx))

		statuses := s.Reap(ctx)
		require.Equal(t, 5, statuses[task.ID].Code)
	})

	n.Meow()
}
