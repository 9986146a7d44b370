package ukernel

import "context"

// SlotRef names a slot relative to a CNode capability: Index is resolved
// within the CNode that Root points to, consuming Depth bits.
type SlotRef struct {
	Root  CPtr
	Index Word
	Depth int
}

// TCBConfig binds a thread to its spaces. FaultEndpoint is interpreted in the
// configured thread's own CSpace.
type TCBConfig struct {
	FaultEndpoint  CPtr
	CSpaceRoot     CPtr
	CSpaceDepth    int
	VSpaceRoot     CPtr
	IPCBufferAddr  Word
	IPCBufferFrame CPtr
}

// Kernel is the set of microkernel invocations available to one thread.
// Capability pointers are resolved in the calling thread's CSpace.
type Kernel interface {
	// Capability management.
	UntypedRetype(ut CPtr, spec ObjectSpec, dest SlotRef) error
	Copy(dest, src SlotRef, rights Rights) error
	Mint(dest, src SlotRef, rights Rights, badge Badge) error
	Revoke(slot SlotRef) error
	Delete(slot SlotRef) error

	// Address spaces.
	ASIDPoolAssign(pool, vspace CPtr) error
	FrameMap(frame, vspace CPtr, vaddr Word, rights Rights, attrs VMAttributes) error
	FrameUnmap(frame CPtr) error
	FrameAddress(frame CPtr) (Word, error)
	PageTableMap(pt, vspace CPtr, vaddr Word, attrs VMAttributes) error

	// View returns the bytes of the page mapped at vaddr in the caller's own
	// address space.
	View(vaddr Word) ([]byte, error)

	// Threads.
	TCBConfigure(tcb CPtr, cfg TCBConfig) error
	TCBWriteRegisters(tcb CPtr, resume bool, regs UserContext) error
	TCBSetPriority(tcb, authority CPtr, prio uint8) error
	TCBResume(tcb CPtr) error
	TCBSuspend(tcb CPtr) error

	// Interrupts.
	IRQControlGet(control CPtr, irq Word, dest SlotRef) error
	IRQHandlerSetNotification(handler, ntfn CPtr) error
	IRQHandlerAck(handler CPtr) error
	IRQHandlerClear(handler CPtr) error

	// IPC.
	Send(ctx context.Context, ep CPtr, msg Message) error
	Call(ctx context.Context, ep CPtr, msg Message) (Message, error)
	Recv(ctx context.Context, ep CPtr) (Message, Badge, error)
	Reply(msg Message) error
	SetRecvSlot(slot SlotRef)
	Signal(ntfn CPtr) error
	Wait(ctx context.Context, ntfn CPtr) (Word, error)
}
