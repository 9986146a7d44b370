package kernel

import (
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/evanphx/meridian/abi/linux"
	"github.com/evanphx/meridian/loader"
	"github.com/evanphx/meridian/memory"
	"github.com/evanphx/meridian/ukernel"
)

type State int

const (
	Unconfigured State = iota
	Configured
	Running
	Faulting
	Exited
	TornDown
)

var stateNames = [...]string{
	Unconfigured: "unconfigured",
	Configured:   "configured",
	Running:      "running",
	Faulting:     "faulting",
	Exited:       "exited",
	TornDown:     "torn-down",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Exited reports whether the task will never run again.
func (s State) Exited() bool {
	return s >= Exited
}

type ExitStatus struct {
	Code  int
	Signo int
}

// Status packs the status the way wait(2) reports it.
func (e ExitStatus) Status() int32 {
	return ((int32(e.Code) & 0xff) << 8) | (int32(e.Signo) & 0xff)
}

func (e ExitStatus) cause() string {
	if e.Signo != 0 {
		return "signal"
	}
	return "exit"
}

// Task is one payload built by the coordinator. Every CPtr field is a slot
// in the coordinator's CSpace.
type Task struct {
	k *Kernel
	L hclog.Logger

	ID       int
	ParentID int
	Badge    ukernel.Badge

	TCB          ukernel.CPtr
	CNode        ukernel.CPtr
	VSpace       ukernel.CPtr
	IPCBuffer    ukernel.CPtr
	Notification ukernel.CPtr
	IRQEndpoint  ukernel.CPtr

	// leaf is the second-level CNode of a worker's CSpace; zero for a
	// single-level CSpace.
	leaf ukernel.CPtr

	IPCBufferAddr uint64

	Mem *memory.VirtualMemory

	mu     sync.Mutex
	state  State
	exit   ExitStatus
	pages  map[uint64]ukernel.CPtr
	tables []ukernel.CPtr
	irqs   []ukernel.CPtr
	heap   uint64
	entry  uint64

	clearChildTID uint64
}

// NewTask carves a task's thread, CNode, address space, IPC buffer,
// notification and interrupt endpoint and gives the address space an ASID.
// parent may be nil.
func (k *Kernel) NewTask(parent *Task) (*Task, error) {
	return k.newTask(parent, false)
}

func (k *Kernel) newTask(parent *Task, twoLevel bool) (*Task, error) {
	t := &Task{
		k:             k,
		Mem:           memory.NewVirtualMemory(k.Layout.MmapBase),
		pages:         make(map[uint64]ukernel.CPtr),
		heap:          k.Layout.HeapBase,
		IPCBufferAddr: k.Layout.IPCBufferAddr,
	}

	if parent != nil {
		t.ParentID = parent.ID
	}

	roots := []struct {
		dst  *ukernel.CPtr
		spec ukernel.ObjectSpec
	}{
		{&t.TCB, ukernel.ObjectSpec{Type: ukernel.ObjTCB}},
		{&t.CNode, ukernel.ObjectSpec{Type: ukernel.ObjCNode, SizeBits: k.Slots.Radix}},
		{&t.VSpace, ukernel.ObjectSpec{Type: ukernel.ObjVSpace}},
		{&t.IPCBuffer, ukernel.ObjectSpec{Type: ukernel.ObjFrame, SizeBits: ukernel.PageBits}},
		{&t.Notification, ukernel.ObjectSpec{Type: ukernel.ObjNotification}},
		{&t.IRQEndpoint, ukernel.ObjectSpec{Type: ukernel.ObjEndpoint}},
	}

	if twoLevel {
		roots[1].spec.SizeBits = k.Slots.RootRadix
		roots = append(roots, struct {
			dst  *ukernel.CPtr
			spec ukernel.ObjectSpec
		}{&t.leaf, ukernel.ObjectSpec{Type: ukernel.ObjCNode, SizeBits: k.Slots.LeafRadix}})
	}

	for _, r := range roots {
		c, err := k.alloc.Allocate(r.spec)
		if err != nil {
			t.destroy()
			return nil, errors.Wrapf(err, "allocating task %s", r.spec.Type)
		}

		*r.dst = c
	}

	if err := k.sys.ASIDPoolAssign(k.boot(k.Slots.ASIDPool), t.VSpace); err != nil {
		t.destroy()
		return nil, errors.Wrap(err, "assigning ASID")
	}

	k.tasks.Assign(t)

	t.L = k.L.Named("task").With("id", t.ID)

	k.met.TasksTotal.Inc()
	k.met.TasksActive.Inc()

	t.L.Debug("task created", "tcb", t.TCB, "cnode", t.CNode, "vspace", t.VSpace)

	return t, nil
}

// Kernel is the context the task was built in.
func (t *Task) Kernel() *Kernel {
	return t.k
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = s
}

// ExitStatus returns the exit status and whether the task has exited.
func (t *Task) ExitStatus() (ExitStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.exit, t.state.Exited()
}

// Pages returns a copy of the vaddr to frame mapping.
func (t *Task) Pages() map[uint64]ukernel.CPtr {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[uint64]ukernel.CPtr, len(t.pages))
	for v, f := range t.pages {
		out[v] = f
	}

	return out
}

// Tables returns the page tables installed for the task.
func (t *Task) Tables() []ukernel.CPtr {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]ukernel.CPtr(nil), t.tables...)
}

func (t *Task) Heap() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.heap
}

func (t *Task) Entry() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.entry
}

func (t *Task) SetClearChildTID(addr uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.clearChildTID = addr
}

func (t *Task) ClearChildTID() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.clearChildTID
}

// slot names well-known slot n of the task's CSpace from the coordinator.
func (t *Task) slot(n uint64) ukernel.SlotRef {
	if t.leaf != ukernel.Null {
		return ukernel.SlotRef{Root: t.leaf, Index: ukernel.Word(n), Depth: t.k.Slots.LeafRadix}
	}

	return ukernel.SlotRef{Root: t.CNode, Index: ukernel.Word(n), Depth: t.k.Slots.Radix}
}

// cspaceDepth is the number of bits the task's own CPtrs resolve.
func (t *Task) cspaceDepth() int {
	if t.leaf != ukernel.Null {
		return t.k.Slots.WorkerDepth()
	}

	return t.k.Slots.Radix
}

// MapPage installs frame at vaddr, growing the translation tree as needed.
// A different frame already at vaddr is unmapped and destroyed first.
func (t *Task) MapPage(vaddr uint64, frame ukernel.CPtr, rights ukernel.Rights, attrs ukernel.VMAttributes) error {
	if vaddr&(memory.PageSize-1) != 0 {
		return errors.Wrapf(ErrUnaligned, "vaddr %#x", vaddr)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == TornDown {
		return errors.Wrapf(ErrBadState, "map in %s task", t.state)
	}

	if old, ok := t.pages[vaddr]; ok && old != frame {
		delete(t.pages, vaddr)

		if err := t.k.release(old); err != nil {
			return err
		}
	}

	tables, err := t.k.mapWithTables(frame, t.VSpace, vaddr, rights, attrs)
	t.tables = append(t.tables, tables...)
	if err != nil {
		return err
	}

	if _, ok := t.pages[vaddr]; !ok {
		t.k.met.PagesMapped.Inc()
	}

	t.pages[vaddr] = frame

	return nil
}

// UnmapPage removes and destroys the frame at vaddr.
func (t *Task) UnmapPage(vaddr uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	frame, ok := t.pages[vaddr]
	if !ok {
		return errors.Wrapf(ErrNotMapped, "vaddr %#x", vaddr)
	}

	delete(t.pages, vaddr)

	return t.k.release(frame)
}

func (t *Task) frameAt(vaddr uint64) (ukernel.CPtr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.pages[memory.PageAlignDown(vaddr)]
	return f, ok
}

// MapFresh backs every unmapped page of [start, end) with a new frame. On
// failure the pages it filled are unmapped again.
func (t *Task) MapFresh(start, end uint64, rights ukernel.Rights, attrs ukernel.VMAttributes) error {
	start, end = memory.Footprint(start, end-start)

	var fresh []uint64

	for p := start; p < end; p += memory.PageSize {
		if _, ok := t.frameAt(p); ok {
			continue
		}

		frame, err := t.k.AllocateFrame()
		if err != nil {
			return t.unmapAll(fresh, err)
		}

		if err := t.MapPage(p, frame, rights, attrs); err != nil {
			if rerr := t.k.release(frame); rerr != nil {
				t.L.Warn("releasing unmapped frame", "vaddr", p, "error", rerr)
			}

			return t.unmapAll(fresh, err)
		}

		fresh = append(fresh, p)
	}

	return nil
}

// unmapAll drops the pages a failed MapFresh already filled and returns
// cause.
func (t *Task) unmapAll(pages []uint64, cause error) error {
	for _, p := range pages {
		if err := t.UnmapPage(p); err != nil {
			t.L.Warn("unmapping after failed map", "vaddr", p, "error", err)
		}
	}

	return cause
}

// MapELF loads every segment of img. File bytes are copied through the
// scratch page; pages shared by two segments get the union of their rights.
func (t *Task) MapELF(img *loader.Image) error {
	rights := make(map[uint64]ukernel.Rights)
	exec := make(map[uint64]bool)

	for _, seg := range img.Segments {
		start, end := seg.Footprint()

		fileEnd := seg.Vaddr + seg.Filesz

		for p := start; p < end; p += memory.PageSize {
			frame, ok := t.frameAt(p)
			if !ok {
				var err error
				frame, err = t.k.AllocateFrame()
				if err != nil {
					return err
				}
			}

			lo, hi := p, p+memory.PageSize
			if seg.Vaddr > lo {
				lo = seg.Vaddr
			}
			if fileEnd < hi {
				hi = fileEnd
			}

			if lo < hi {
				data := seg.Data[lo-seg.Vaddr : hi-seg.Vaddr]

				err := t.k.stage(frame, func(page []byte) error {
					copy(page[lo-p:], data)
					return nil
				})
				if err != nil {
					return errors.Wrapf(err, "staging segment page %#x", p)
				}
			}

			rights[p] |= seg.Rights()
			exec[p] = exec[p] || seg.Executable()

			attrs := ukernel.VMExecuteNever
			if exec[p] {
				attrs = ukernel.VMDefault
			}

			if err := t.MapPage(p, frame, rights[p], attrs); err != nil {
				return err
			}
		}
	}

	start, end := img.Footprint()
	if _, err := t.Mem.NewRegion(start, end-start, memory.Image); err != nil {
		return err
	}

	t.mu.Lock()
	t.entry = img.Entry
	if t.IPCBufferAddr == 0 {
		t.IPCBufferAddr = img.End()
	}
	t.mu.Unlock()

	t.L.Debug("image mapped", "entry", img.Entry, "start", start, "end", end)

	return nil
}

// MapStack backs the whole stack and writes args and the auxiliary vector
// into its top page. It returns the initial stack pointer.
func (t *Task) MapStack(args []string) (uint64, error) {
	top := t.k.Layout.StackTop
	bottom := top - t.k.Layout.StackSize

	if _, err := t.Mem.NewRegion(bottom, t.k.Layout.StackSize, memory.Stack); err != nil {
		return 0, err
	}

	entry := t.Entry()

	var sp uint64

	for p := bottom; p < top; p += memory.PageSize {
		frame, err := t.k.AllocateFrame()
		if err != nil {
			return 0, err
		}

		if p == top-memory.PageSize {
			err = t.k.stage(frame, func(page []byte) error {
				var err error
				sp, err = writeExecHeader(page[:memory.PageSize], top, args, entry)
				return err
			})
			if err != nil {
				return 0, err
			}
		}

		err = t.MapPage(p, frame, ukernel.RightRead|ukernel.RightWrite, ukernel.VMExecuteNever)
		if err != nil {
			return 0, err
		}
	}

	return sp, nil
}

// Configure gives the task a badged coordinator endpoint and its own
// capabilities, maps its IPC buffer and binds everything to its thread.
func (t *Task) Configure() error {
	if s := t.State(); s != Unconfigured {
		return errors.Wrapf(ErrBadState, "configure in %s", s)
	}

	k := t.k
	slots := k.Slots

	err := k.sys.Mint(t.slot(slots.FaultEndpoint), k.own(k.endpoint), ukernel.RightsAll, t.Badge)
	if err != nil {
		return errors.Wrap(err, "minting coordinator endpoint")
	}

	copies := []struct {
		slot uint64
		src  ukernel.CPtr
	}{
		{slots.TCB, t.TCB},
		{slots.CNode, t.CNode},
		{slots.VSpace, t.VSpace},
		{slots.IPCBuffer, t.IPCBuffer},
		{slots.Notification, t.Notification},
		{slots.IRQEndpoint, t.IRQEndpoint},
		{slots.ASIDPool, k.boot(slots.ASIDPool)},
		{slots.ASIDControl, k.boot(slots.ASIDControl)},
	}

	for _, c := range copies {
		if err := k.sys.Copy(t.slot(c.slot), k.own(c.src), ukernel.RightsAll); err != nil {
			return errors.Wrapf(err, "copying into slot %d", c.slot)
		}
	}

	if t.IPCBufferAddr == 0 {
		t.IPCBufferAddr = k.Layout.HeapBase - memory.PageSize
	}

	err = t.MapPage(t.IPCBufferAddr, t.IPCBuffer, ukernel.RightRead|ukernel.RightWrite, ukernel.VMExecuteNever)
	if err != nil {
		return errors.Wrap(err, "mapping IPC buffer")
	}

	if _, err := t.Mem.NewRegion(t.IPCBufferAddr, memory.PageSize, memory.IPCBuffer); err != nil {
		return err
	}

	err = k.sys.TCBConfigure(t.TCB, ukernel.TCBConfig{
		FaultEndpoint:  ukernel.CPtr(slots.FaultEndpoint),
		CSpaceRoot:     t.CNode,
		CSpaceDepth:    t.cspaceDepth(),
		VSpaceRoot:     t.VSpace,
		IPCBufferAddr:  t.IPCBufferAddr,
		IPCBufferFrame: t.IPCBuffer,
	})
	if err != nil {
		return errors.Wrap(err, "configuring thread")
	}

	if err := k.sys.TCBSetPriority(t.TCB, k.boot(slots.TCB), 255); err != nil {
		return errors.Wrap(err, "setting priority")
	}

	t.setState(Configured)

	return nil
}

// Entry is where a configured task starts.
type Entry struct {
	PC       uint64
	SP       uint64
	TP       uint64
	VSyscall uint64
}

// EntryFor starts a task at the image entry with stack pointer sp.
func EntryFor(img *loader.Image, sp uint64) Entry {
	return Entry{
		PC:       img.Entry,
		SP:       sp,
		TP:       img.ThreadPointer(),
		VSyscall: img.VSyscall(),
	}
}

// Start writes the initial registers and resumes the thread. x0 holds the
// endpoint slot, x1 the IPC buffer, x2 the entry and x3 the vsyscall table.
func (t *Task) Start(e Entry) error {
	if s := t.State(); s != Configured {
		return errors.Wrapf(ErrBadState, "start in %s", s)
	}

	regs := ukernel.UserContext{
		PC:    e.PC,
		SP:    e.SP,
		TPIDR: e.TP,
	}

	regs.GPR[0] = t.k.Slots.FaultEndpoint
	regs.GPR[1] = t.IPCBufferAddr
	regs.GPR[2] = e.PC
	regs.GPR[3] = e.VSyscall

	t.setState(Running)

	if err := t.k.sys.TCBWriteRegisters(t.TCB, true, regs); err != nil {
		t.setState(Configured)
		return errors.Wrap(err, "starting thread")
	}

	t.L.Debug("task started", "pc", e.PC, "sp", e.SP)

	return nil
}

// Brk moves the program break to top and returns the new break. A top of
// zero only reports the current break. Shrinking unmaps the pages above the
// new break, so growing again hands out fresh pages.
func (t *Task) Brk(top uint64) (uint64, error) {
	cur := t.Heap()

	if top == 0 {
		return cur, nil
	}

	l := t.k.Layout
	if top < l.HeapBase || top > l.HeapEnd() {
		return cur, errors.Wrapf(ErrHeapLimit, "break %#x", top)
	}

	if err := t.reserveHeap(top); err != nil {
		return cur, errors.Wrap(ErrHeapLimit, err.Error())
	}

	if top > cur {
		err := t.MapFresh(memory.PageAlignUp(cur), memory.PageAlignUp(top),
			ukernel.RightRead|ukernel.RightWrite, ukernel.VMExecuteNever)
		if err != nil {
			return cur, err
		}
	}

	if top < cur {
		if err := t.shrinkHeap(top, cur); err != nil {
			return cur, err
		}
	}

	t.mu.Lock()
	t.heap = top
	t.mu.Unlock()

	return top, nil
}

// shrinkHeap drops the heap pages in [top, cur) that lie wholly above top.
func (t *Task) shrinkHeap(top, cur uint64) error {
	start, end := memory.PageAlignUp(top), memory.PageAlignUp(cur)
	if start >= end {
		return nil
	}

	for p := start; p < end; p += memory.PageSize {
		if _, ok := t.frameAt(p); !ok {
			continue
		}

		if err := t.UnmapPage(p); err != nil {
			return err
		}
	}

	t.Mem.Remove(start, end-start)

	return nil
}

func (t *Task) reserveHeap(top uint64) error {
	base := t.k.Layout.HeapBase
	if top == base {
		return nil
	}

	if _, ok := t.Mem.FindRegion(base); ok {
		return t.Mem.Grow(base, top)
	}

	_, err := t.Mem.NewRegion(base, top-base, memory.Heap)
	return err
}

// Exit marks the task exited and stops its thread. Only the first exit
// counts.
func (t *Task) Exit(status ExitStatus) {
	t.mu.Lock()
	if t.state.Exited() {
		t.mu.Unlock()
		return
	}

	t.state = Exited
	t.exit = status
	t.mu.Unlock()

	if err := t.k.sys.TCBSuspend(t.TCB); err != nil {
		t.L.Warn("suspending exited task", "error", err)
	}

	t.k.met.TaskExits.WithLabelValues(status.cause()).Inc()
	t.L.Debug("task exited", "code", status.Code, "signo", status.Signo)

	t.k.tasks.exited(t)
}

// Kill exits the task with signal signo.
func (t *Task) Kill(signo int) {
	t.Exit(ExitStatus{Signo: signo})
}

// Teardown revokes and deletes every capability the task owns. It runs
// once; later calls return nil without touching the kernel.
func (t *Task) Teardown() error {
	t.Exit(ExitStatus{Signo: linux.SIGKILL})

	t.mu.Lock()
	if t.state == TornDown {
		t.mu.Unlock()
		return nil
	}
	t.state = TornDown
	t.mu.Unlock()

	err := t.destroy()

	t.k.met.TasksActive.Dec()
	t.L.Debug("task torn down")

	return err
}

// destroy releases every owned slot exactly once, thread first so nothing
// runs on a half-destroyed address space.
func (t *Task) destroy() error {
	t.mu.Lock()

	owned := []ukernel.CPtr{t.TCB}
	for _, f := range t.pages {
		owned = append(owned, f)
	}
	owned = append(owned, t.irqs...)
	owned = append(owned, t.IPCBuffer, t.Notification, t.IRQEndpoint)
	for i := len(t.tables) - 1; i >= 0; i-- {
		owned = append(owned, t.tables[i])
	}
	owned = append(owned, t.VSpace, t.leaf, t.CNode)

	t.pages = make(map[uint64]ukernel.CPtr)
	t.tables = nil
	t.irqs = nil
	t.leaf = ukernel.Null
	t.TCB, t.CNode, t.VSpace, t.IPCBuffer, t.Notification, t.IRQEndpoint = 0, 0, 0, 0, 0, 0

	t.mu.Unlock()

	seen := make(map[ukernel.CPtr]bool)

	var first error

	for _, c := range owned {
		if c == ukernel.Null || seen[c] {
			continue
		}
		seen[c] = true

		if err := t.k.release(c); err != nil && first == nil {
			first = err
		}
	}

	return first
}
