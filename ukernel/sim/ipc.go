package sim

import (
	"context"

	"github.com/evanphx/meridian/pkg/waiter"
	"github.com/evanphx/meridian/ukernel"
)

type capTransfer struct {
	from slotKey
	s    slot
}

type transfer struct {
	msg   ukernel.Message
	badge ukernel.Badge
	cap   *capTransfer
	reply chan ukernel.Message
}

type notification struct {
	word   ukernel.Word
	events waiter.Waiter
}

type irqLine struct {
	handler objID
	ntfn    objID
	badge   ukernel.Badge
	armed   bool
	pending bool
}

// prepare builds the transfer for a send on ep. The capability is captured at
// send time; it is installed in the receiver only if it still exists then.
func (t *Thread) prepare(ep ukernel.CPtr, msg ukernel.Message) (chan *transfer, *transfer, error) {
	if err := msg.Validate(); err != nil {
		return nil, nil, err
	}

	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()

	_, s, o, err := t.lookupType(ep, ukernel.ObjEndpoint)
	if err != nil {
		return nil, nil, err
	}

	tr := &transfer{
		msg:   ukernel.NewMessage(msg.Label, msg.Regs...),
		badge: s.badge,
	}

	if len(msg.Caps) > 0 && s.rights.Has(ukernel.RightGrant) {
		key, cs, _, err := t.lookup(msg.Caps[0])
		if err != nil {
			return nil, nil, err
		}

		c := *cs
		c.mapped = nil
		tr.cap = &capTransfer{from: key, s: c}
	}

	return o.queue, tr, nil
}

func (t *Thread) Send(ctx context.Context, ep ukernel.CPtr, msg ukernel.Message) error {
	q, tr, err := t.prepare(ep, msg)
	if err != nil {
		return err
	}

	select {
	case q <- tr:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return ukernel.ErrStopped
	}
}

func (t *Thread) Call(ctx context.Context, ep ukernel.CPtr, msg ukernel.Message) (ukernel.Message, error) {
	q, tr, err := t.prepare(ep, msg)
	if err != nil {
		return ukernel.Message{}, err
	}

	tr.reply = make(chan ukernel.Message, 1)

	select {
	case q <- tr:
	case <-ctx.Done():
		return ukernel.Message{}, ctx.Err()
	case <-t.ctx.Done():
		return ukernel.Message{}, ukernel.ErrStopped
	}

	var rep ukernel.Message

	select {
	case rep = <-tr.reply:
	case <-ctx.Done():
		return ukernel.Message{}, ctx.Err()
	case <-t.ctx.Done():
		return ukernel.Message{}, ukernel.ErrStopped
	}

	if err := t.checkpoint(); err != nil {
		return ukernel.Message{}, err
	}

	return rep, nil
}

func (t *Thread) Recv(ctx context.Context, ep ukernel.CPtr) (ukernel.Message, ukernel.Badge, error) {
	m := t.m

	m.mu.Lock()
	_, _, o, err := t.lookupType(ep, ukernel.ObjEndpoint)
	m.mu.Unlock()

	if err != nil {
		return ukernel.Message{}, 0, err
	}

	var tr *transfer

	select {
	case tr = <-o.queue:
	case <-ctx.Done():
		return ukernel.Message{}, 0, ctx.Err()
	case <-t.ctx.Done():
		return ukernel.Message{}, 0, ukernel.ErrStopped
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	msg := tr.msg

	if tr.cap != nil && t.recv != nil {
		if key, s, err := t.lookupRef(*t.recv); err == nil && s.empty() {
			src := m.rawSlot(tr.cap.from)
			if src != nil && src.obj == tr.cap.s.obj {
				c := tr.cap.s
				c.parent = tr.cap.from
				c.hasParent = true
				m.install(key, c)
				msg.Caps = []ukernel.CPtr{ukernel.CPtr(t.recv.Index)}
			}
		}
	}

	if tr.reply != nil {
		t.replyTo = tr
	}

	return msg, tr.badge, nil
}

// Reply answers the last call received. Capabilities in msg are not
// transferred.
func (t *Thread) Reply(msg ukernel.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	t.m.mu.Lock()
	tr := t.replyTo
	t.replyTo = nil
	t.m.mu.Unlock()

	if tr == nil {
		return ukernel.ErrInvalidCapability
	}

	select {
	case tr.reply <- ukernel.NewMessage(msg.Label, msg.Regs...):
	default:
	}

	return nil
}

// SetRecvSlot names the slot an incoming capability is delivered into. The
// index is reported back as the received CPtr.
func (t *Thread) SetRecvSlot(ref ukernel.SlotRef) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	t.recv = &ref
}

func (t *Thread) Signal(ntfn ukernel.CPtr) error {
	m := t.m
	m.mu.Lock()

	_, s, o, err := t.lookupType(ntfn, ukernel.ObjNotification)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	b := ukernel.Word(s.badge)
	if b == 0 {
		b = 1
	}

	o.ntfn.word |= b
	m.mu.Unlock()

	o.ntfn.events.Notify(waiter.EventSignal)

	return nil
}

// Wait blocks until the notification word is non-zero, then returns and
// clears it. Signals that arrive before the wait collapse into one wakeup.
func (t *Thread) Wait(ctx context.Context, ntfn ukernel.CPtr) (ukernel.Word, error) {
	m := t.m

	m.mu.Lock()
	_, _, o, err := t.lookupType(ntfn, ukernel.ObjNotification)
	m.mu.Unlock()

	if err != nil {
		return 0, err
	}

	n := o.ntfn

	ch := make(chan struct{}, 1)
	e := n.events.RegisterChannel(waiter.EventSignal, ch)
	defer n.events.Unregister(e)

	for {
		m.mu.Lock()
		w := n.word
		n.word = 0
		m.mu.Unlock()

		if w != 0 {
			return w, nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-t.ctx.Done():
			return 0, ukernel.ErrStopped
		}
	}
}

func (t *Thread) IRQControlGet(control ukernel.CPtr, irq ukernel.Word, dest ukernel.SlotRef) error {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()

	ctlKey, _, _, err := t.lookupType(control, ukernel.ObjIRQControl)
	if err != nil {
		return err
	}

	if _, ok := m.irqs[irq]; ok {
		return ukernel.ErrRevokeFirst
	}

	key, s, err := t.lookupRef(dest)
	if err != nil {
		return err
	}

	if !s.empty() {
		return ukernel.ErrDeleteFirst
	}

	o := m.newObject(ukernel.ObjectSpec{Type: ukernel.ObjIRQHandler}, 0)
	o.irq = irq

	m.install(key, slot{
		obj:       o.id,
		rights:    ukernel.RightsAll,
		parent:    ctlKey,
		hasParent: true,
	})

	m.irqs[irq] = &irqLine{handler: o.id, armed: true}

	m.L.Debug("irq handler issued", "irq", irq)

	return nil
}

func (t *Thread) lineFor(handler ukernel.CPtr) (*irqLine, error) {
	_, _, o, err := t.lookupType(handler, ukernel.ObjIRQHandler)
	if err != nil {
		return nil, err
	}

	l, ok := t.m.irqs[o.irq]
	if !ok || l.handler != o.id {
		return nil, ukernel.ErrInvalidCapability
	}

	return l, nil
}

func (t *Thread) IRQHandlerSetNotification(handler, ntfn ukernel.CPtr) error {
	m := t.m
	m.mu.Lock()

	l, err := t.lineFor(handler)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	_, s, o, err := t.lookupType(ntfn, ukernel.ObjNotification)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	l.ntfn = o.id
	l.badge = s.badge

	n := m.deliver(l)
	m.mu.Unlock()

	if n != nil {
		n.events.Notify(waiter.EventSignal | waiter.EventIRQ)
	}

	return nil
}

func (t *Thread) IRQHandlerAck(handler ukernel.CPtr) error {
	m := t.m
	m.mu.Lock()

	l, err := t.lineFor(handler)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	l.armed = true

	n := m.deliver(l)
	m.mu.Unlock()

	if n != nil {
		n.events.Notify(waiter.EventSignal | waiter.EventIRQ)
	}

	return nil
}

func (t *Thread) IRQHandlerClear(handler ukernel.CPtr) error {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := t.lineFor(handler)
	if err != nil {
		return err
	}

	l.ntfn = 0
	l.badge = 0

	return nil
}

// deliver signals the bound notification if the line is armed and has a
// pending interrupt. The caller notifies waiters after dropping the lock.
func (m *Machine) deliver(l *irqLine) *notification {
	if !l.pending || !l.armed {
		return nil
	}

	o := m.obj(l.ntfn)
	if o == nil || o.spec.Type != ukernel.ObjNotification {
		return nil
	}

	b := ukernel.Word(l.badge)
	if b == 0 {
		b = 1
	}

	o.ntfn.word |= b
	l.pending = false
	l.armed = false

	return o.ntfn
}

// RaiseIRQ latches a hardware interrupt on line irq. It reports whether a
// handler exists for the line.
func (m *Machine) RaiseIRQ(irq ukernel.Word) bool {
	m.mu.Lock()

	l, ok := m.irqs[irq]
	if !ok {
		m.mu.Unlock()
		return false
	}

	l.pending = true
	n := m.deliver(l)
	m.mu.Unlock()

	if n != nil {
		n.events.Notify(waiter.EventSignal | waiter.EventIRQ)
	}

	return true
}
