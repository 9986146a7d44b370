package sim

import (
	"github.com/evanphx/meridian/ukernel"
)

type mapping struct {
	vspace objID
	vaddr  uint64
	frame  objID
	rights ukernel.Rights
	attrs  ukernel.VMAttributes
	owner  slotKey
}

// ptable is one level of translation. Levels above the leaf point at further
// tables; the leaf holds page mappings.
type ptable struct {
	level int
	next  map[uint64]objID
	pages map[uint64]*mapping

	parent    *ptable
	parentIdx uint64
}

func newTable(level int) *ptable {
	return &ptable{
		level: level,
		next:  make(map[uint64]objID),
		pages: make(map[uint64]*mapping),
	}
}

const leafLevel = ukernel.TranslationLevels - 1

func tableIndex(vaddr uint64, level int) uint64 {
	shift := uint(ukernel.PageBits + ukernel.TableIndexBits*(leafLevel-level))
	return (vaddr >> shift) & (1<<ukernel.TableIndexBits - 1)
}

// leafTable walks to the leaf table covering vaddr. When a level is missing it
// returns nil and the level whose entry was absent.
func (m *Machine) leafTable(vs *object, vaddr uint64) (*ptable, int) {
	t := vs.table
	for level := 0; level < leafLevel; level++ {
		child := m.obj(t.next[tableIndex(vaddr, level)])
		if child == nil {
			return nil, level
		}
		t = child.table
	}

	return t, -1
}

func (m *Machine) lookupMapping(vs *object, vaddr uint64) (*mapping, int) {
	leaf, level := m.leafTable(vs, vaddr)
	if leaf == nil {
		return nil, level
	}

	mp := leaf.pages[tableIndex(vaddr, leafLevel)]
	if mp == nil {
		return nil, leafLevel
	}

	return mp, -1
}

func (m *Machine) unmap(mp *mapping) {
	if vs := m.obj(mp.vspace); vs != nil {
		if leaf, _ := m.leafTable(vs, mp.vaddr); leaf != nil {
			idx := tableIndex(mp.vaddr, leafLevel)
			if leaf.pages[idx] == mp {
				delete(leaf.pages, idx)
			}
		}
	}

	if s := m.rawSlot(mp.owner); s != nil && s.mapped == mp {
		s.mapped = nil
	}
}

// dropTable forgets every mapping at and below t.
func (m *Machine) dropTable(t *ptable) {
	for idx, mp := range t.pages {
		if s := m.rawSlot(mp.owner); s != nil && s.mapped == mp {
			s.mapped = nil
		}
		delete(t.pages, idx)
	}

	for idx, id := range t.next {
		delete(t.next, idx)

		child := m.obj(id)
		if child == nil {
			continue
		}

		child.vspace = 0
		child.table.parent = nil
		m.dropTable(child.table)
	}
}

func (m *Machine) detachTable(o *object) {
	t := o.table
	if t.parent != nil && t.parent.next[t.parentIdx] == o.id {
		delete(t.parent.next, t.parentIdx)
	}

	t.parent = nil
	o.vspace = 0
	m.dropTable(t)
}

func (t *Thread) ASIDPoolAssign(pool, vspace ukernel.CPtr) error {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, _, _, err := t.lookupType(pool, ukernel.ObjASIDPool); err != nil {
		return err
	}

	_, _, vs, err := t.lookupType(vspace, ukernel.ObjVSpace)
	if err != nil {
		return err
	}

	if vs.asid != 0 {
		return ukernel.ErrDeleteFirst
	}

	vs.asid = m.nextASID
	m.nextASID++

	return nil
}

func (t *Thread) FrameMap(frame, vspace ukernel.CPtr, vaddr ukernel.Word, rights ukernel.Rights, attrs ukernel.VMAttributes) error {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()

	key, fs, fo, err := t.lookupType(frame, ukernel.ObjFrame)
	if err != nil {
		return err
	}

	_, _, vs, err := t.lookupType(vspace, ukernel.ObjVSpace)
	if err != nil {
		return err
	}

	if vaddr&(ukernel.PageSize-1) != 0 {
		return ukernel.ErrAlignmentError
	}

	if fo.spec.ObjectBits() != ukernel.PageBits {
		return ukernel.ErrIllegalOperation
	}

	if vs.asid == 0 {
		return ukernel.ErrInvalidCapability
	}

	rights &= fs.rights

	if fs.mapped != nil {
		if fs.mapped.vspace == vs.id && fs.mapped.vaddr == vaddr {
			fs.mapped.rights = rights
			fs.mapped.attrs = attrs
			return nil
		}

		return ukernel.ErrInvalidCapability
	}

	leaf, _ := m.leafTable(vs, vaddr)
	if leaf == nil {
		return ukernel.ErrFailedLookup
	}

	idx := tableIndex(vaddr, leafLevel)
	if leaf.pages[idx] != nil {
		return ukernel.ErrDeleteFirst
	}

	mp := &mapping{
		vspace: vs.id,
		vaddr:  vaddr,
		frame:  fo.id,
		rights: rights,
		attrs:  attrs,
		owner:  key,
	}

	leaf.pages[idx] = mp
	fs.mapped = mp

	return nil
}

func (t *Thread) FrameUnmap(frame ukernel.CPtr) error {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()

	_, fs, _, err := t.lookupType(frame, ukernel.ObjFrame)
	if err != nil {
		return err
	}

	if fs.mapped != nil {
		m.unmap(fs.mapped)
	}

	return nil
}

func (t *Thread) FrameAddress(frame ukernel.CPtr) (ukernel.Word, error) {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()

	_, _, fo, err := t.lookupType(frame, ukernel.ObjFrame)
	if err != nil {
		return 0, err
	}

	return fo.paddr, nil
}

// PageTableMap installs pt at the first missing level above the leaf that
// covers vaddr.
func (t *Thread) PageTableMap(pt, vspace ukernel.CPtr, vaddr ukernel.Word, attrs ukernel.VMAttributes) error {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()

	_, _, po, err := t.lookupType(pt, ukernel.ObjPageTable)
	if err != nil {
		return err
	}

	_, _, vs, err := t.lookupType(vspace, ukernel.ObjVSpace)
	if err != nil {
		return err
	}

	if po.vspace != 0 {
		return ukernel.ErrInvalidCapability
	}

	tbl := vs.table
	for level := 0; level < leafLevel; level++ {
		idx := tableIndex(vaddr, level)

		child := m.obj(tbl.next[idx])
		if child == nil {
			po.vspace = vs.id
			po.table.level = level + 1
			po.table.parent = tbl
			po.table.parentIdx = idx
			tbl.next[idx] = po.id
			return nil
		}

		tbl = child.table
	}

	return ukernel.ErrDeleteFirst
}

func (t *Thread) View(vaddr ukernel.Word) ([]byte, error) {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()

	vs := m.obj(t.vspace)
	if vs == nil {
		return nil, ukernel.ErrInvalidCapability
	}

	mp, _ := m.lookupMapping(vs, vaddr)
	if mp == nil {
		return nil, ukernel.ErrFailedLookup
	}

	fo := m.obj(mp.frame)
	if fo == nil {
		return nil, ukernel.ErrFailedLookup
	}

	return fo.data, nil
}

// Translate returns the physical address backing vaddr in vspace and the
// rights of the mapping.
func (t *Thread) Translate(vspace ukernel.CPtr, vaddr ukernel.Word) (ukernel.Word, ukernel.Rights, error) {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()

	_, _, vs, err := t.lookupType(vspace, ukernel.ObjVSpace)
	if err != nil {
		return 0, 0, err
	}

	mp, _ := m.lookupMapping(vs, vaddr)
	if mp == nil {
		return 0, 0, ukernel.ErrFailedLookup
	}

	fo := m.obj(mp.frame)
	if fo == nil {
		return 0, 0, ukernel.ErrFailedLookup
	}

	return fo.paddr + vaddr&(ukernel.PageSize-1), mp.rights, nil
}

// access resolves vaddr for a load or store by a thread of vs. On failure it
// returns the fault status the hardware would report.
func (m *Machine) access(vsID objID, vaddr uint64, write bool) ([]byte, ukernel.Word) {
	vs := m.obj(vsID)
	if vs == nil {
		return nil, ukernel.FSRTranslation
	}

	mp, level := m.lookupMapping(vs, vaddr)
	if mp == nil {
		return nil, ukernel.FSRTranslation | ukernel.Word(level)
	}

	need := ukernel.RightRead
	if write {
		need = ukernel.RightWrite
	}

	if !mp.rights.Has(need) {
		return nil, ukernel.FSRPermission | ukernel.Word(leafLevel)
	}

	fo := m.obj(mp.frame)
	if fo == nil {
		return nil, ukernel.FSRTranslation | ukernel.Word(leafLevel)
	}

	return fo.data, 0
}
