package ipc

import "github.com/evanphx/meridian/ukernel"

// Block I/O family opcodes. Buffers travel as a frame capability attached to
// the message; Buffer is the offset of the data inside that frame.
const (
	OpBlockCapacity Word = iota
	OpBlockRead
	OpBlockWrite
	OpBlockFlush

	blockOps
)

type BlockCapacity struct{}

func (BlockCapacity) Label() Word  { return Block.Label(OpBlockCapacity) }
func (BlockCapacity) Regs() []Word { return nil }

type BlockRead struct {
	Sector Word
	Count  Word
	Buffer Word
}

func (BlockRead) Label() Word     { return Block.Label(OpBlockRead) }
func (r BlockRead) Regs() []Word  { return []Word{r.Sector, r.Count, r.Buffer} }
func (r BlockRead) Pointer() Word { return r.Buffer }

type BlockWrite struct {
	Sector Word
	Count  Word
	Buffer Word
}

func (BlockWrite) Label() Word     { return Block.Label(OpBlockWrite) }
func (r BlockWrite) Regs() []Word  { return []Word{r.Sector, r.Count, r.Buffer} }
func (r BlockWrite) Pointer() Word { return r.Buffer }

type BlockFlush struct{}

func (BlockFlush) Label() Word  { return Block.Label(OpBlockFlush) }
func (BlockFlush) Regs() []Word { return nil }

func DecodeBlock(m ukernel.Message) (Request, bool, error) {
	op, ok := Block.op(m.Label)
	if !ok {
		return nil, false, nil
	}

	r := newReader(m)

	switch op {
	case OpBlockCapacity:
		return r.finish(Block, op, BlockCapacity{})
	case OpBlockRead:
		return r.finish(Block, op, BlockRead{Sector: r.word(), Count: r.word(), Buffer: r.word()})
	case OpBlockWrite:
		return r.finish(Block, op, BlockWrite{Sector: r.word(), Count: r.word(), Buffer: r.word()})
	default:
		return r.finish(Block, op, BlockFlush{})
	}
}
