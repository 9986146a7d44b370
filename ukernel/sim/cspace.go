package sim

import (
	"github.com/evanphx/meridian/ukernel"
)

// resolve walks the CNode tree from root, consuming depth bits of idx.
func (m *Machine) resolve(root objID, idx uint64, depth int) (slotKey, error) {
	for {
		o := m.obj(root)
		if o == nil || o.spec.Type != ukernel.ObjCNode {
			return slotKey{}, ukernel.ErrFailedLookup
		}

		radix := o.spec.SizeBits
		if depth <= 0 || depth < radix {
			return slotKey{}, ukernel.ErrRangeError
		}

		shift := uint(depth - radix)
		i := (idx >> shift) & (1<<uint(radix) - 1)

		if shift == 0 {
			return slotKey{root, i}, nil
		}

		next := m.obj(o.slots[i].obj)
		if next == nil || next.spec.Type != ukernel.ObjCNode {
			return slotKey{}, ukernel.ErrFailedLookup
		}

		root = next.id
		depth = int(shift)
	}
}

func (m *Machine) rawSlot(key slotKey) *slot {
	if key.cnode <= 0 || int(key.cnode) >= len(m.objects) {
		return nil
	}

	o := m.objects[key.cnode]
	if o == nil || key.index >= uint64(len(o.slots)) {
		return nil
	}

	return &o.slots[key.index]
}

// lookup resolves c in the thread's CSpace to an occupied slot.
func (t *Thread) lookup(c ukernel.CPtr) (slotKey, *slot, *object, error) {
	m := t.m

	key, err := m.resolve(t.cspace, uint64(c), t.depth)
	if err != nil {
		return slotKey{}, nil, nil, err
	}

	s := m.slotAt(key)
	if s == nil || s.empty() {
		return slotKey{}, nil, nil, ukernel.ErrInvalidCapability
	}

	o := m.obj(s.obj)
	if o == nil {
		return slotKey{}, nil, nil, ukernel.ErrInvalidCapability
	}

	return key, s, o, nil
}

func (t *Thread) lookupType(c ukernel.CPtr, typ ukernel.ObjectType) (slotKey, *slot, *object, error) {
	key, s, o, err := t.lookup(c)
	if err != nil {
		return slotKey{}, nil, nil, err
	}

	if o.spec.Type != typ {
		return slotKey{}, nil, nil, ukernel.ErrInvalidCapability
	}

	return key, s, o, nil
}

// lookupRef resolves a slot reference, which may name an empty slot.
func (t *Thread) lookupRef(ref ukernel.SlotRef) (slotKey, *slot, error) {
	_, _, root, err := t.lookupType(ref.Root, ukernel.ObjCNode)
	if err != nil {
		return slotKey{}, nil, err
	}

	key, err := t.m.resolve(root.id, uint64(ref.Index), ref.Depth)
	if err != nil {
		return slotKey{}, nil, err
	}

	s := t.m.slotAt(key)
	if s == nil {
		return slotKey{}, nil, ukernel.ErrFailedLookup
	}

	return key, s, nil
}

func (t *Thread) UntypedRetype(ut ukernel.CPtr, spec ukernel.ObjectSpec, dest ukernel.SlotRef) error {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()

	utKey, _, src, err := t.lookupType(ut, ukernel.ObjUntyped)
	if err != nil {
		return err
	}

	if !spec.Carved() {
		return ukernel.ErrIllegalOperation
	}

	if src.device && spec.Type != ukernel.ObjFrame && spec.Type != ukernel.ObjUntyped {
		return ukernel.ErrIllegalOperation
	}

	if spec.Type == ukernel.ObjCNode && spec.SizeBits <= 0 {
		return ukernel.ErrRangeError
	}

	destKey, ds, err := t.lookupRef(dest)
	if err != nil {
		return err
	}

	if !ds.empty() {
		return ukernel.ErrDeleteFirst
	}

	size := uint64(1) << uint(spec.ObjectBits())
	start := (src.watermark + size - 1) &^ (size - 1)

	if start+size > src.size {
		return ukernel.ErrNotEnoughMemory
	}

	src.watermark = start + size

	o := m.newObject(spec, src.paddr+start)
	if spec.Type == ukernel.ObjUntyped {
		o.device = src.device
	}

	m.install(destKey, slot{
		obj:       o.id,
		rights:    ukernel.RightsAll,
		parent:    utKey,
		hasParent: true,
	})

	m.L.Trace("retype", "spec", spec, "paddr", o.paddr, "id", o.id)

	return nil
}

func (t *Thread) derive(dest, src ukernel.SlotRef, rights ukernel.Rights, badge ukernel.Badge, mint bool) error {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()

	srcKey, ss, err := t.lookupRef(src)
	if err != nil {
		return err
	}

	if ss.empty() {
		return ukernel.ErrFailedLookup
	}

	destKey, ds, err := t.lookupRef(dest)
	if err != nil {
		return err
	}

	if !ds.empty() {
		return ukernel.ErrDeleteFirst
	}

	n := slot{
		obj:       ss.obj,
		rights:    ss.rights & rights,
		badge:     ss.badge,
		parent:    srcKey,
		hasParent: true,
	}

	if mint {
		switch m.objects[ss.obj].spec.Type {
		case ukernel.ObjEndpoint, ukernel.ObjNotification:
			if ss.badge != 0 && badge != ss.badge {
				return ukernel.ErrIllegalOperation
			}
			n.badge = badge
		}
	}

	m.install(destKey, n)

	return nil
}

func (t *Thread) Copy(dest, src ukernel.SlotRef, rights ukernel.Rights) error {
	return t.derive(dest, src, rights, 0, false)
}

func (t *Thread) Mint(dest, src ukernel.SlotRef, rights ukernel.Rights, badge ukernel.Badge) error {
	return t.derive(dest, src, rights, badge, true)
}

func (t *Thread) Delete(ref ukernel.SlotRef) error {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()

	key, _, err := t.lookupRef(ref)
	if err != nil {
		return err
	}

	m.deleteSlot(key)

	return nil
}

func (t *Thread) Revoke(ref ukernel.SlotRef) error {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()

	key, _, err := t.lookupRef(ref)
	if err != nil {
		return err
	}

	m.revoke(key)

	return nil
}

func (m *Machine) deleteSlot(key slotKey) {
	s := m.rawSlot(key)
	if s == nil || s.empty() {
		return
	}

	old := *s
	*s = slot{}

	kids := m.children[key]
	delete(m.children, key)

	for _, k := range kids {
		c := m.rawSlot(k)
		if c == nil || c.empty() || !c.hasParent || c.parent != key {
			continue
		}

		c.parent = old.parent
		c.hasParent = old.hasParent

		if old.hasParent {
			m.children[old.parent] = append(m.children[old.parent], k)
		}
	}

	if old.mapped != nil {
		m.unmap(old.mapped)
	}

	m.refs[old.obj]--
	if m.refs[old.obj] <= 0 {
		delete(m.refs, old.obj)
		m.finalize(old.obj)
	}
}

func (m *Machine) revoke(key slotKey) {
	for {
		kids := m.children[key]
		if len(kids) == 0 {
			break
		}

		k := kids[len(kids)-1]
		m.children[key] = kids[:len(kids)-1]

		c := m.rawSlot(k)
		if c == nil || c.empty() || !c.hasParent || c.parent != key {
			continue
		}

		m.revoke(k)
		m.deleteSlot(k)
	}

	delete(m.children, key)

	if s := m.rawSlot(key); s != nil && !s.empty() {
		if o := m.obj(s.obj); o != nil && o.spec.Type == ukernel.ObjUntyped {
			o.watermark = 0
		}
	}
}

// finalize destroys an object whose last capability is gone.
func (m *Machine) finalize(id objID) {
	o := m.obj(id)
	if o == nil {
		return
	}

	o.dead = true

	switch o.spec.Type {
	case ukernel.ObjCNode:
		for i := range o.slots {
			if !o.slots[i].empty() {
				m.deleteSlot(slotKey{id, uint64(i)})
			}
		}
	case ukernel.ObjTCB:
		o.thread.stop()
	case ukernel.ObjVSpace:
		m.dropTable(o.table)
	case ukernel.ObjPageTable:
		m.detachTable(o)
	case ukernel.ObjIRQHandler:
		if l, ok := m.irqs[o.irq]; ok && l.handler == id {
			delete(m.irqs, o.irq)
		}
	case ukernel.ObjFrame:
		o.data = nil
	}

	m.L.Trace("object destroyed", "id", id, "type", o.spec.Type)
}
