package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"

	"github.com/evanphx/meridian/ukernel"
)

func boot(t *testing.T) (*Machine, *Thread, BootInfo) {
	m := NewMachine()

	root, info, err := m.Boot(BootConfig{
		Regions: []Region{
			{Paddr: 0x4000_0000, SizeBits: 24},
			{Paddr: 0x0900_0000, SizeBits: 16, Device: true},
		},
	})
	require.NoError(t, err)

	t.Cleanup(m.Shutdown)

	return m, root, info
}

func at(i ukernel.CPtr) ukernel.SlotRef {
	return ukernel.SlotRef{Root: SlotCNode, Index: ukernel.Word(i), Depth: 24}
}

func TestCSpace(t *testing.T) {
	n := neko.Modern(t)

	n.It("retypes untyped memory into an empty slot", func(t *testing.T) {
		m, root, info := boot(t)

		ut := info.Untyped[0].Cap

		err := root.UntypedRetype(ut, ukernel.ObjectSpec{Type: ukernel.ObjEndpoint}, at(100))
		require.NoError(t, err)

		require.Equal(t, 1, m.Objects(ukernel.ObjEndpoint))

		err = root.UntypedRetype(ut, ukernel.ObjectSpec{Type: ukernel.ObjEndpoint}, at(100))
		require.True(t, ukernel.Is(err, ukernel.ErrDeleteFirst))
	})

	n.It("runs out of untyped memory", func(t *testing.T) {
		_, root, info := boot(t)

		dev := info.Untyped[1].Cap

		err := root.UntypedRetype(dev, ukernel.ObjectSpec{Type: ukernel.ObjUntyped, SizeBits: 16}, at(100))
		require.NoError(t, err)

		err = root.UntypedRetype(dev, ukernel.ObjectSpec{Type: ukernel.ObjFrame}, at(101))
		require.True(t, ukernel.Is(err, ukernel.ErrNotEnoughMemory))
	})

	n.It("refuses non-frame objects from device memory", func(t *testing.T) {
		_, root, info := boot(t)

		err := root.UntypedRetype(info.Untyped[1].Cap, ukernel.ObjectSpec{Type: ukernel.ObjTCB}, at(100))
		require.True(t, ukernel.Is(err, ukernel.ErrIllegalOperation))
	})

	n.It("revokes derived capabilities", func(t *testing.T) {
		m, root, info := boot(t)

		require.NoError(t, root.UntypedRetype(info.Untyped[0].Cap, ukernel.ObjectSpec{Type: ukernel.ObjEndpoint}, at(100)))
		require.NoError(t, root.Mint(at(101), at(100), ukernel.RightsAll, 7))
		require.NoError(t, root.Copy(at(102), at(101), ukernel.RightRead))

		before := m.LiveCaps()

		require.NoError(t, root.Revoke(at(100)))
		require.Equal(t, before-2, m.LiveCaps())
		require.Equal(t, 1, m.Objects(ukernel.ObjEndpoint))

		require.NoError(t, root.Delete(at(100)))
		require.Equal(t, 0, m.Objects(ukernel.ObjEndpoint))
	})

	n.It("resolves a second-level table installed in the root", func(t *testing.T) {
		_, root, info := boot(t)

		ut := info.Untyped[0].Cap

		err := root.UntypedRetype(ut, ukernel.ObjectSpec{Type: ukernel.ObjCNode, SizeBits: 12},
			ukernel.SlotRef{Root: SlotCNode, Index: 1, Depth: 12})
		require.NoError(t, err)

		err = root.UntypedRetype(ut, ukernel.ObjectSpec{Type: ukernel.ObjNotification}, at(1<<12|5))
		require.NoError(t, err)

		require.NoError(t, root.Signal(1<<12|5))
	})

	n.It("reports missing second-level tables", func(t *testing.T) {
		_, root, info := boot(t)

		err := root.UntypedRetype(info.Untyped[0].Cap, ukernel.ObjectSpec{Type: ukernel.ObjEndpoint}, at(3<<12))
		require.True(t, ukernel.IsFailedLookup(err))
	})
}

func TestVSpace(t *testing.T) {
	n := neko.Modern(t)

	setup := func(t *testing.T) (*Machine, *Thread, ukernel.CPtr) {
		m, root, info := boot(t)
		ut := info.Untyped[0].Cap

		require.NoError(t, root.UntypedRetype(ut, ukernel.ObjectSpec{Type: ukernel.ObjVSpace}, at(200)))
		require.NoError(t, root.ASIDPoolAssign(SlotASIDPool, 200))
		require.NoError(t, root.UntypedRetype(ut, ukernel.ObjectSpec{Type: ukernel.ObjFrame}, at(201)))

		return m, root, ut
	}

	n.It("needs a table per missing level", func(t *testing.T) {
		_, root, ut := setup(t)

		vaddr := ukernel.Word(0x1_0000_0000)

		tables := 0
		for {
			err := root.FrameMap(201, 200, vaddr, ukernel.RightRead|ukernel.RightWrite, ukernel.VMDefault)
			if err == nil {
				break
			}

			require.True(t, ukernel.IsFailedLookup(err))

			slot := ukernel.CPtr(300 + tables)
			require.NoError(t, root.UntypedRetype(ut, ukernel.ObjectSpec{Type: ukernel.ObjPageTable}, at(slot)))
			require.NoError(t, root.PageTableMap(slot, 200, vaddr, ukernel.VMDefault))
			tables++
		}

		require.Equal(t, 3, tables)

		paddr, rights, err := root.Translate(200, vaddr+0x10)
		require.NoError(t, err)

		base, err := root.FrameAddress(201)
		require.NoError(t, err)

		require.Equal(t, base+0x10, paddr)
		require.True(t, rights.Has(ukernel.RightWrite))
	})

	n.It("maps a frame capability in one place at a time", func(t *testing.T) {
		_, root, ut := setup(t)

		for i := 0; i < 3; i++ {
			slot := ukernel.CPtr(300 + i)
			require.NoError(t, root.UntypedRetype(ut, ukernel.ObjectSpec{Type: ukernel.ObjPageTable}, at(slot)))
			require.NoError(t, root.PageTableMap(slot, 200, 0x1000, ukernel.VMDefault))
		}

		require.NoError(t, root.FrameMap(201, 200, 0x1000, ukernel.RightRead, ukernel.VMDefault))

		err := root.FrameMap(201, 200, 0x2000, ukernel.RightRead, ukernel.VMDefault)
		require.True(t, ukernel.Is(err, ukernel.ErrInvalidCapability))

		require.NoError(t, root.FrameUnmap(201))
		require.NoError(t, root.FrameMap(201, 200, 0x2000, ukernel.RightRead, ukernel.VMDefault))

		_, _, err = root.Translate(200, 0x1000)
		require.Error(t, err)
	})

	n.It("rejects unaligned addresses", func(t *testing.T) {
		_, root, _ := setup(t)

		err := root.FrameMap(201, 200, 0x1001, ukernel.RightRead, ukernel.VMDefault)
		require.True(t, ukernel.Is(err, ukernel.ErrAlignmentError))
	})

	n.It("forgets mappings when the frame is deleted", func(t *testing.T) {
		_, root, ut := setup(t)

		for i := 0; i < 3; i++ {
			slot := ukernel.CPtr(300 + i)
			require.NoError(t, root.UntypedRetype(ut, ukernel.ObjectSpec{Type: ukernel.ObjPageTable}, at(slot)))
			require.NoError(t, root.PageTableMap(slot, 200, 0x1000, ukernel.VMDefault))
		}

		require.NoError(t, root.FrameMap(201, 200, 0x1000, ukernel.RightRead, ukernel.VMDefault))
		require.NoError(t, root.Delete(at(201)))

		_, _, err := root.Translate(200, 0x1000)
		require.True(t, ukernel.IsFailedLookup(err))
	})
}

func TestIPC(t *testing.T) {
	n := neko.Modern(t)

	n.It("delivers the badge and one capability", func(t *testing.T) {
		m, root, info := boot(t)
		ut := info.Untyped[0].Cap

		require.NoError(t, root.UntypedRetype(ut, ukernel.ObjectSpec{Type: ukernel.ObjEndpoint}, at(100)))
		require.NoError(t, root.Mint(at(101), at(100), ukernel.RightsAll, 42))
		require.NoError(t, root.UntypedRetype(ut, ukernel.ObjectSpec{Type: ukernel.ObjNotification}, at(102)))

		root.SetRecvSlot(at(110))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		done := make(chan ukernel.Message, 1)

		go func() {
			msg := ukernel.NewMessage(0x100, 1, 2, 3)
			msg.Caps = []ukernel.CPtr{102}
			rep, err := root.Call(ctx, 101, msg)
			if err == nil {
				done <- rep
			}
		}()

		before := m.LiveCaps()

		msg, badge, err := root.Recv(ctx, 100)
		require.NoError(t, err)

		require.Equal(t, ukernel.Badge(42), badge)
		require.Equal(t, []ukernel.Word{1, 2, 3}, msg.Regs)
		require.Equal(t, []ukernel.CPtr{110}, msg.Caps)
		require.Equal(t, before+1, m.LiveCaps())

		require.NoError(t, root.Reply(ukernel.NewMessage(0, 9)))

		select {
		case rep := <-done:
			require.Equal(t, []ukernel.Word{9}, rep.Regs)
		case <-ctx.Done():
			t.Fatal("no reply")
		}

		require.Error(t, root.Reply(ukernel.NewMessage(0)))
	})

	n.It("coalesces notification signals", func(t *testing.T) {
		_, root, info := boot(t)

		require.NoError(t, root.UntypedRetype(info.Untyped[0].Cap, ukernel.ObjectSpec{Type: ukernel.ObjNotification}, at(100)))

		require.NoError(t, root.Signal(100))
		require.NoError(t, root.Signal(100))

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		w, err := root.Wait(ctx, 100)
		require.NoError(t, err)
		require.Equal(t, ukernel.Word(1), w)

		short, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel2()

		_, err = root.Wait(short, 100)
		require.Equal(t, context.DeadlineExceeded, err)
	})

	n.It("fires an interrupt once per acknowledgement", func(t *testing.T) {
		m, root, info := boot(t)

		require.NoError(t, root.UntypedRetype(info.Untyped[0].Cap, ukernel.ObjectSpec{Type: ukernel.ObjNotification}, at(100)))
		require.NoError(t, root.IRQControlGet(SlotIRQControl, 33, at(101)))
		require.NoError(t, root.IRQHandlerSetNotification(101, 100))

		err := root.IRQControlGet(SlotIRQControl, 33, at(102))
		require.True(t, ukernel.Is(err, ukernel.ErrRevokeFirst))

		require.True(t, m.RaiseIRQ(33))
		require.False(t, m.RaiseIRQ(34))

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_, err = root.Wait(ctx, 100)
		require.NoError(t, err)

		m.RaiseIRQ(33)

		short, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel2()

		_, err = root.Wait(short, 100)
		require.Equal(t, context.DeadlineExceeded, err)

		require.NoError(t, root.IRQHandlerAck(101))

		_, err = root.Wait(ctx, 100)
		require.NoError(t, err)
	})
}

func TestThreads(t *testing.T) {
	n := neko.Modern(t)

	n.It("delivers faults to the fault endpoint and resumes", func(t *testing.T) {
		m, root, info := boot(t)
		ut := info.Untyped[0].Cap

		spec := func(k ukernel.ObjectType) ukernel.ObjectSpec {
			return ukernel.ObjectSpec{Type: k}
		}

		require.NoError(t, root.UntypedRetype(ut, spec(ukernel.ObjEndpoint), at(100)))
		require.NoError(t, root.UntypedRetype(ut, spec(ukernel.ObjTCB), at(101)))
		require.NoError(t, root.UntypedRetype(ut, ukernel.ObjectSpec{Type: ukernel.ObjCNode, SizeBits: 6}, at(102)))
		require.NoError(t, root.UntypedRetype(ut, spec(ukernel.ObjVSpace), at(103)))
		require.NoError(t, root.ASIDPoolAssign(SlotASIDPool, 103))
		require.NoError(t, root.Mint(ukernel.SlotRef{Root: 102, Index: 1, Depth: 6}, at(100), ukernel.RightsAll, 5))

		require.NoError(t, root.TCBConfigure(101, ukernel.TCBConfig{
			FaultEndpoint: 1,
			CSpaceRoot:    102,
			VSpaceRoot:    103,
		}))

		stored := make(chan error, 1)

		m.Bind(0x400000, func(ctx context.Context, th *Thread) {
			stored <- th.Store(0x5000_0008, []byte("hi"))
		})

		require.NoError(t, root.TCBWriteRegisters(101, true, ukernel.UserContext{PC: 0x400000}))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		msg, badge, err := root.Recv(ctx, 100)
		require.NoError(t, err)

		require.Equal(t, ukernel.FaultVM, msg.Label)
		require.Equal(t, ukernel.Badge(5), badge)
		require.Equal(t, ukernel.Word(0x5000_0008), msg.Regs[ukernel.VMFaultAddr])
		require.Equal(t, ukernel.FSRTranslation, msg.Regs[ukernel.VMFaultFSR]&ukernel.FSRClassMask)

		require.NoError(t, root.UntypedRetype(ut, ukernel.ObjectSpec{Type: ukernel.ObjFrame}, at(104)))

		for i := 0; ; i++ {
			err := root.FrameMap(104, 103, 0x5000_0000, ukernel.RightRead|ukernel.RightWrite, ukernel.VMDefault)
			if err == nil {
				break
			}
			require.True(t, ukernel.IsFailedLookup(err))

			slot := ukernel.CPtr(110 + i)
			require.NoError(t, root.UntypedRetype(ut, spec(ukernel.ObjPageTable), at(slot)))
			require.NoError(t, root.PageTableMap(slot, 103, 0x5000_0000, ukernel.VMDefault))
		}

		require.NoError(t, root.TCBResume(101))

		select {
		case err := <-stored:
			require.NoError(t, err)
		case <-ctx.Done():
			t.Fatal("thread did not finish")
		}
	})
}
