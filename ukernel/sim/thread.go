package sim

import (
	"context"

	"github.com/evanphx/meridian/ukernel"
)

// Thread is one execution context. Its methods are the kernel invocations the
// thread may make; capability pointers resolve in its CSpace.
type Thread struct {
	m    *Machine
	tcb  objID
	name string

	// guarded by m.mu
	cspace     objID
	depth      int
	vspace     objID
	faultEP    ukernel.CPtr
	ipcBuf     ukernel.Word
	regs       ukernel.UserContext
	prio       uint8
	recv       *ukernel.SlotRef
	replyTo    *transfer
	configured bool
	started    bool
	suspended  bool

	wake chan struct{}

	ctx    context.Context
	cancel func()
}

var _ ukernel.Kernel = (*Thread)(nil)

func (m *Machine) newThread(id objID) *Thread {
	ctx, cancel := context.WithCancel(m.ctx)

	return &Thread{
		m:      m,
		tcb:    id,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (t *Thread) stop() {
	t.cancel()
}

// Done is closed once the thread has been deleted.
func (t *Thread) Done() <-chan struct{} {
	return t.ctx.Done()
}

func (t *Thread) Registers() ukernel.UserContext {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	return t.regs
}

// ThreadPointer reads the TLS base register.
func (t *Thread) ThreadPointer() ukernel.Word {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	return t.regs.TPIDR
}

func (t *Thread) SetThreadPointer(v ukernel.Word) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	t.regs.TPIDR = v
}

func (t *Thread) signalWake() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Thread) drainWake() {
	select {
	case <-t.wake:
	default:
	}
}

// checkpoint blocks while the thread is suspended.
func (t *Thread) checkpoint() error {
	for {
		t.m.mu.Lock()
		s := t.suspended
		t.m.mu.Unlock()

		if t.ctx.Err() != nil {
			return ukernel.ErrStopped
		}

		if !s {
			return nil
		}

		select {
		case <-t.wake:
		case <-t.ctx.Done():
			return ukernel.ErrStopped
		}
	}
}

func (t *Thread) TCBConfigure(tcb ukernel.CPtr, cfg ukernel.TCBConfig) error {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()

	_, _, to, err := t.lookupType(tcb, ukernel.ObjTCB)
	if err != nil {
		return err
	}

	_, _, cn, err := t.lookupType(cfg.CSpaceRoot, ukernel.ObjCNode)
	if err != nil {
		return err
	}

	_, _, vs, err := t.lookupType(cfg.VSpaceRoot, ukernel.ObjVSpace)
	if err != nil {
		return err
	}

	if cfg.IPCBufferFrame != ukernel.Null {
		if _, _, _, err := t.lookupType(cfg.IPCBufferFrame, ukernel.ObjFrame); err != nil {
			return err
		}
	}

	if cfg.IPCBufferAddr&(1<<9-1) != 0 {
		return ukernel.ErrAlignmentError
	}

	depth := cfg.CSpaceDepth
	if depth == 0 {
		depth = cn.spec.SizeBits
	}

	target := to.thread
	target.cspace = cn.id
	target.depth = depth
	target.vspace = vs.id
	target.faultEP = cfg.FaultEndpoint
	target.ipcBuf = cfg.IPCBufferAddr
	target.configured = true

	return nil
}

func (t *Thread) TCBWriteRegisters(tcb ukernel.CPtr, resume bool, regs ukernel.UserContext) error {
	m := t.m
	m.mu.Lock()

	_, _, to, err := t.lookupType(tcb, ukernel.ObjTCB)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	to.thread.regs = regs

	var p Program
	if resume {
		p, err = m.resume(to.thread)
	}

	m.mu.Unlock()

	if p != nil {
		to.thread.run(p)
	}

	return err
}

func (t *Thread) TCBSetPriority(tcb, authority ukernel.CPtr, prio uint8) error {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()

	_, _, to, err := t.lookupType(tcb, ukernel.ObjTCB)
	if err != nil {
		return err
	}

	_, _, auth, err := t.lookupType(authority, ukernel.ObjTCB)
	if err != nil {
		return err
	}

	if prio > auth.thread.prio {
		return ukernel.ErrRangeError
	}

	to.thread.prio = prio

	return nil
}

func (t *Thread) TCBResume(tcb ukernel.CPtr) error {
	m := t.m
	m.mu.Lock()

	_, _, to, err := t.lookupType(tcb, ukernel.ObjTCB)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	p, err := m.resume(to.thread)
	m.mu.Unlock()

	if p != nil {
		to.thread.run(p)
	}

	return err
}

func (t *Thread) TCBSuspend(tcb ukernel.CPtr) error {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()

	_, _, to, err := t.lookupType(tcb, ukernel.ObjTCB)
	if err != nil {
		return err
	}

	to.thread.suspended = true

	return nil
}

// resume makes t runnable. The first resume returns the program bound to the
// thread's PC, which the caller starts after dropping the lock.
func (m *Machine) resume(t *Thread) (Program, error) {
	if !t.configured {
		return nil, ukernel.ErrIllegalOperation
	}

	t.suspended = false

	if !t.started {
		t.started = true

		p, ok := m.programs[t.regs.PC]
		if !ok {
			m.L.Debug("no program at entry", "pc", t.regs.PC)
		}

		return p, nil
	}

	t.signalWake()

	return nil, nil
}

func (t *Thread) run(p Program) {
	go func() {
		p(t.ctx, t)
		t.m.L.Trace("program returned", "tcb", t.tcb)
	}()
}

// Load reads user memory, faulting to the thread's fault endpoint for every
// page that is not readable.
func (t *Thread) Load(vaddr ukernel.Word, buf []byte) error {
	return t.access(vaddr, buf, false)
}

// Store writes user memory, faulting for every page that is not writable.
func (t *Thread) Store(vaddr ukernel.Word, data []byte) error {
	return t.access(vaddr, data, true)
}

func (t *Thread) access(vaddr ukernel.Word, buf []byte, write bool) error {
	for len(buf) > 0 {
		off := vaddr & (ukernel.PageSize - 1)

		n := uint64(len(buf))
		if n > ukernel.PageSize-off {
			n = ukernel.PageSize - off
		}

		for {
			if err := t.checkpoint(); err != nil {
				return err
			}

			t.m.mu.Lock()
			page, fsr := t.m.access(t.vspace, vaddr, write)
			if page != nil {
				if write {
					copy(page[off:], buf[:n])
				} else {
					copy(buf[:n], page[off:])
				}
				t.m.mu.Unlock()
				break
			}
			t.m.mu.Unlock()

			if err := t.fault(vaddr, fsr); err != nil {
				return err
			}
		}

		vaddr += n
		buf = buf[n:]
	}

	return nil
}

// fault delivers a VM fault record to the thread's fault endpoint and blocks
// until the handler replies or resumes the thread.
func (t *Thread) fault(vaddr, fsr ukernel.Word) error {
	m := t.m

	m.mu.Lock()
	msg := ukernel.NewMessage(ukernel.FaultVM, t.regs.PC, vaddr, 0, fsr)

	_, s, ep, err := t.lookupType(t.faultEP, ukernel.ObjEndpoint)
	if err != nil {
		m.L.Warn("fault with no handler", "tcb", t.tcb, "vaddr", vaddr, "fsr", fsr)
		t.suspended = true
		m.mu.Unlock()
		return t.checkpoint()
	}

	tr := &transfer{
		msg:   msg,
		badge: s.badge,
		reply: make(chan ukernel.Message, 1),
	}
	q := ep.queue
	m.mu.Unlock()

	t.drainWake()

	select {
	case q <- tr:
	case <-t.ctx.Done():
		return ukernel.ErrStopped
	}

	select {
	case <-tr.reply:
	case <-t.wake:
	case <-t.ctx.Done():
		return ukernel.ErrStopped
	}

	return nil
}
