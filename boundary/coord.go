package boundary

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/evanphx/meridian/config"
	"github.com/evanphx/meridian/ipc"
	"github.com/evanphx/meridian/log"
	"github.com/evanphx/meridian/ukernel"
)

// Client speaks the coordination protocol from inside a task built with
// slot layout Slots. Depth is the number of bits that resolve a slot of the
// task's CSpace.
type Client struct {
	L hclog.Logger

	K     ukernel.Kernel
	Slots config.SlotLayout
	Depth int
}

// NewClient is for a task with a single-level CSpace.
func NewClient(k ukernel.Kernel, slots config.SlotLayout) *Client {
	return &Client{
		L:     log.Named("coord-client"),
		K:     k,
		Slots: slots,
		Depth: slots.Radix,
	}
}

// NewWorkerClient is for a worker, whose CSpace has two levels.
func NewWorkerClient(k ukernel.Kernel, slots config.SlotLayout) *Client {
	c := NewClient(k, slots)
	c.Depth = slots.WorkerDepth()
	return c
}

func (c *Client) coordinator() ukernel.CPtr {
	return ukernel.CPtr(c.Slots.FaultEndpoint)
}

func (c *Client) call(ctx context.Context, r ipc.Request) (ukernel.Message, error) {
	rep, err := c.K.Call(ctx, c.coordinator(), ipc.Encode(r))
	if err != nil {
		return ukernel.Message{}, err
	}

	return rep, ipc.Check(rep)
}

// RegisterIRQ asks for the handler of irq in the empty slot handler.
func (c *Client) RegisterIRQ(ctx context.Context, handler ukernel.CPtr, irq ukernel.Word) error {
	_, err := c.call(ctx, ipc.RegisterIRQ{Handler: handler, IRQ: irq})
	return errors.Wrapf(err, "registering irq %d", irq)
}

// TranslateAddr returns the physical address backing vaddr.
func (c *Client) TranslateAddr(ctx context.Context, vaddr ukernel.Word) (ukernel.Word, error) {
	rep, err := c.call(ctx, ipc.TranslateAddr{Vaddr: vaddr})
	if err != nil {
		return 0, errors.Wrapf(err, "translating %#x", vaddr)
	}

	paddr, ok := rep.Reg(0)
	if !ok {
		return 0, errors.Wrapf(ErrBadReply, "translating %#x", vaddr)
	}

	return paddr, nil
}

// RegisterIRQWithCap asks for a handler for irq without naming a slot. After
// the acknowledgement the coordinator calls back on the interrupt endpoint
// with the handler, which lands in the Recv slot.
func (c *Client) RegisterIRQWithCap(ctx context.Context, irq ukernel.Word) (ukernel.CPtr, error) {
	c.K.SetRecvSlot(ukernel.SlotRef{
		Root:  ukernel.CPtr(c.Slots.CNode),
		Index: ukernel.Word(c.Slots.Recv),
		Depth: c.Depth,
	})

	if _, err := c.call(ctx, ipc.RegisterIRQWithCap{IRQ: irq}); err != nil {
		return ukernel.Null, errors.Wrapf(err, "registering irq %d", irq)
	}

	msg, _, err := c.K.Recv(ctx, ukernel.CPtr(c.Slots.IRQEndpoint))
	if err != nil {
		return ukernel.Null, errors.Wrapf(err, "receiving irq %d handler", irq)
	}

	req, err := ipc.Decode(msg)
	if r, ok := req.(ipc.RegisterIRQWithCap); err != nil || !ok || r.IRQ != irq || msg.CapCount() != 1 {
		c.K.Reply(ipc.Fail(ipc.StatusBadPayload))
		return ukernel.Null, errors.Wrapf(ErrBadReply, "irq %d handler delivery", irq)
	}

	if err := c.K.Reply(ipc.Ok()); err != nil {
		return ukernel.Null, err
	}

	handler := msg.Caps[0]

	c.L.Debug("irq handler received", "irq", irq, "slot", handler)

	return handler, nil
}

// Listen routes handler's interrupts to the task's notification.
func (c *Client) Listen(handler ukernel.CPtr) error {
	return c.K.IRQHandlerSetNotification(handler, ukernel.CPtr(c.Slots.Notification))
}

// WaitIRQ blocks until the notification fires, then acknowledges handler so
// the line can fire again. Interrupts raised before the wait coalesce into
// one wakeup.
func (c *Client) WaitIRQ(ctx context.Context, handler ukernel.CPtr) error {
	if _, err := c.K.Wait(ctx, ukernel.CPtr(c.Slots.Notification)); err != nil {
		return err
	}

	return c.K.IRQHandlerAck(handler)
}
