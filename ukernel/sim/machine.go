// Package sim is an in-process microkernel. It keeps the capability graph as
// an arena of objects addressed by integer ids and treats revoke and delete
// as the only liveness authority: an object dies when its last capability is
// deleted, never by reference from another object.
package sim

import (
	"context"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/evanphx/meridian/log"
	"github.com/evanphx/meridian/ukernel"
)

type objID int

type slotKey struct {
	cnode objID
	index uint64
}

type slot struct {
	obj    objID
	rights ukernel.Rights
	badge  ukernel.Badge

	parent    slotKey
	hasParent bool

	// frame capabilities remember where they are mapped
	mapped *mapping
}

func (s *slot) empty() bool {
	return s.obj == 0
}

type object struct {
	id    objID
	spec  ukernel.ObjectSpec
	paddr uint64
	dead  bool

	// untyped
	size      uint64
	watermark uint64
	device    bool

	// cnode
	slots []slot

	// frame
	data []byte

	// vspace and page tables
	table  *ptable
	asid   uint16
	vspace objID

	// tcb
	thread *Thread

	// endpoint
	queue chan *transfer

	// notification
	ntfn *notification

	// irq handler
	irq uint64
}

// Program is Go code standing in for the instructions at an entry point.
type Program func(ctx context.Context, t *Thread)

// Machine owns every kernel object.
type Machine struct {
	mu sync.Mutex

	L hclog.Logger

	objects  []*object
	refs     map[objID]int
	children map[slotKey][]slotKey

	nextASID uint16
	irqs     map[uint64]*irqLine
	programs map[ukernel.Word]Program

	ctx    context.Context
	cancel func()
}

// NewMachine returns an empty machine. Boot populates it.
func NewMachine() *Machine {
	ctx, cancel := context.WithCancel(context.Background())

	return &Machine{
		L:        log.Named("sim"),
		objects:  []*object{nil},
		refs:     make(map[objID]int),
		children: make(map[slotKey][]slotKey),
		nextASID: 1,
		irqs:     make(map[uint64]*irqLine),
		programs: make(map[ukernel.Word]Program),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Bind runs p whenever a thread is resumed for the first time with its PC at
// entry.
func (m *Machine) Bind(entry ukernel.Word, p Program) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.programs[entry] = p
}

// Shutdown stops every thread.
func (m *Machine) Shutdown() {
	m.cancel()
}

func (m *Machine) obj(id objID) *object {
	if id <= 0 || int(id) >= len(m.objects) {
		return nil
	}

	o := m.objects[id]
	if o == nil || o.dead {
		return nil
	}

	return o
}

func (m *Machine) newObject(spec ukernel.ObjectSpec, paddr uint64) *object {
	o := &object{
		id:    objID(len(m.objects)),
		spec:  spec,
		paddr: paddr,
	}

	switch spec.Type {
	case ukernel.ObjCNode:
		o.slots = make([]slot, 1<<uint(spec.SizeBits))
	case ukernel.ObjFrame:
		o.data = make([]byte, 1<<uint(spec.ObjectBits()))
	case ukernel.ObjVSpace:
		o.table = newTable(0)
	case ukernel.ObjPageTable:
		o.table = newTable(-1)
	case ukernel.ObjUntyped:
		o.size = 1 << uint(spec.SizeBits)
	case ukernel.ObjEndpoint:
		o.queue = make(chan *transfer)
	case ukernel.ObjNotification:
		o.ntfn = &notification{}
	case ukernel.ObjTCB:
		o.thread = m.newThread(o.id)
	}

	m.objects = append(m.objects, o)

	return o
}

// UntypedDesc describes one boot-provided untyped capability.
type UntypedDesc struct {
	Cap      ukernel.CPtr
	Paddr    uint64
	SizeBits int
	Device   bool
}

// Region is a raw memory region handed to Boot.
type Region struct {
	Paddr    uint64
	SizeBits int
	Device   bool
}

// Boot slot numbers in the initial thread's CSpace.
const (
	SlotTCB         ukernel.CPtr = 1
	SlotCNode       ukernel.CPtr = 2
	SlotVSpace      ukernel.CPtr = 3
	SlotIRQControl  ukernel.CPtr = 4
	SlotASIDControl ukernel.CPtr = 5
	SlotASIDPool    ukernel.CPtr = 6
	SlotIPCBuffer   ukernel.CPtr = 10
	SlotUntyped     ukernel.CPtr = 16
)

// BootConfig shapes the initial thread's CSpace.
type BootConfig struct {
	RootRadix int
	LeafRadix int
	Regions   []Region
}

// BootInfo is what the initial thread learns about its environment.
type BootInfo struct {
	Untyped     []UntypedDesc
	EmptyStart  ukernel.CPtr
	EmptyEnd    ukernel.CPtr
	CSpaceDepth int
}

var ErrNoRegions = errors.New("boot: no memory regions")

// Boot builds the initial thread: a two-level CSpace whose first leaf table
// holds the boot capabilities, a VSpace with an ASID, and one untyped
// capability per region.
func (m *Machine) Boot(cfg BootConfig) (*Thread, BootInfo, error) {
	if len(cfg.Regions) == 0 {
		return nil, BootInfo{}, ErrNoRegions
	}

	if cfg.RootRadix == 0 {
		cfg.RootRadix = 12
	}

	if cfg.LeafRadix == 0 {
		cfg.LeafRadix = 12
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	root := m.newObject(ukernel.ObjectSpec{Type: ukernel.ObjCNode, SizeBits: cfg.RootRadix}, 0)
	leaf := m.newObject(ukernel.ObjectSpec{Type: ukernel.ObjCNode, SizeBits: cfg.LeafRadix}, 0)
	vspace := m.newObject(ukernel.ObjectSpec{Type: ukernel.ObjVSpace}, 0)
	tcb := m.newObject(ukernel.ObjectSpec{Type: ukernel.ObjTCB}, 0)
	irqctl := m.newObject(ukernel.ObjectSpec{Type: ukernel.ObjIRQControl}, 0)
	asidctl := m.newObject(ukernel.ObjectSpec{Type: ukernel.ObjASIDControl}, 0)
	pool := m.newObject(ukernel.ObjectSpec{Type: ukernel.ObjASIDPool}, 0)
	ipcbuf := m.newObject(ukernel.ObjectSpec{Type: ukernel.ObjFrame, SizeBits: ukernel.PageBits}, 0)

	vspace.asid = m.nextASID
	m.nextASID++

	m.install(slotKey{root.id, 0}, slot{obj: leaf.id, rights: ukernel.RightsAll})

	put := func(c ukernel.CPtr, o *object) {
		m.install(slotKey{leaf.id, uint64(c)}, slot{obj: o.id, rights: ukernel.RightsAll})
	}

	put(SlotTCB, tcb)
	put(SlotCNode, root)
	put(SlotVSpace, vspace)
	put(SlotIRQControl, irqctl)
	put(SlotASIDControl, asidctl)
	put(SlotASIDPool, pool)
	put(SlotIPCBuffer, ipcbuf)

	depth := cfg.RootRadix + cfg.LeafRadix

	var info BootInfo
	info.CSpaceDepth = depth

	next := SlotUntyped
	for _, r := range cfg.Regions {
		ut := m.newObject(ukernel.ObjectSpec{Type: ukernel.ObjUntyped, SizeBits: r.SizeBits}, r.Paddr)
		ut.device = r.Device
		put(next, ut)

		info.Untyped = append(info.Untyped, UntypedDesc{
			Cap:      next,
			Paddr:    r.Paddr,
			SizeBits: r.SizeBits,
			Device:   r.Device,
		})

		next++
	}

	info.EmptyStart = next
	info.EmptyEnd = ukernel.CPtr(1) << uint(depth)

	t := tcb.thread
	t.cspace = root.id
	t.depth = depth
	t.vspace = vspace.id
	t.configured = true
	t.started = true
	t.prio = 255
	t.name = "root"

	m.L.Debug("booted", "untyped", len(info.Untyped), "empty-start", info.EmptyStart)

	return t, info, nil
}

func (m *Machine) install(key slotKey, s slot) {
	o := m.objects[key.cnode]
	o.slots[key.index] = s
	m.refs[s.obj]++

	if s.hasParent {
		m.children[s.parent] = append(m.children[s.parent], key)
	}
}

func (m *Machine) slotAt(key slotKey) *slot {
	o := m.obj(key.cnode)
	if o == nil || o.spec.Type != ukernel.ObjCNode || key.index >= uint64(len(o.slots)) {
		return nil
	}

	return &o.slots[key.index]
}

// LiveCaps counts the non-empty slots across every CNode.
func (m *Machine) LiveCaps() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, o := range m.objects {
		if o == nil || o.dead || o.spec.Type != ukernel.ObjCNode {
			continue
		}

		for i := range o.slots {
			if !o.slots[i].empty() {
				n++
			}
		}
	}

	return n
}

// Objects counts the live objects of one kind.
func (m *Machine) Objects(t ukernel.ObjectType) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, o := range m.objects {
		if o != nil && !o.dead && o.spec.Type == t {
			n++
		}
	}

	return n
}
