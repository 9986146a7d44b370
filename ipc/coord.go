package ipc

import "github.com/evanphx/meridian/ukernel"

// Coordination family opcodes, served only by the privileged coordinator.
const (
	OpRegisterIRQ Word = iota
	OpTranslateAddr
	OpRegisterIRQWithCap

	coordOps
)

// RegisterIRQ asks the coordinator to issue the handler for IRQ into slot
// Handler of the caller's own CSpace.
type RegisterIRQ struct {
	Handler ukernel.CPtr
	IRQ     Word
}

func (RegisterIRQ) Label() Word { return Coordination.Label(OpRegisterIRQ) }

func (r RegisterIRQ) Regs() []Word {
	return []Word{Word(r.Handler), r.IRQ}
}

// TranslateAddr asks for the physical address backing Vaddr in the caller.
type TranslateAddr struct {
	Vaddr Word
}

func (TranslateAddr) Label() Word    { return Coordination.Label(OpTranslateAddr) }
func (r TranslateAddr) Regs() []Word { return []Word{r.Vaddr} }

// RegisterIRQWithCap asks for the handler of IRQ to be delivered by a
// follow-up message carrying the capability.
type RegisterIRQWithCap struct {
	IRQ Word
}

func (RegisterIRQWithCap) Label() Word    { return Coordination.Label(OpRegisterIRQWithCap) }
func (r RegisterIRQWithCap) Regs() []Word { return []Word{r.IRQ} }

func DecodeCoordination(m ukernel.Message) (Request, bool, error) {
	op, ok := Coordination.op(m.Label)
	if !ok {
		return nil, false, nil
	}

	r := newReader(m)

	switch op {
	case OpRegisterIRQ:
		return r.finish(Coordination, op, RegisterIRQ{
			Handler: ukernel.CPtr(r.word()),
			IRQ:     r.word(),
		})
	case OpTranslateAddr:
		return r.finish(Coordination, op, TranslateAddr{Vaddr: r.word()})
	default:
		return r.finish(Coordination, op, RegisterIRQWithCap{IRQ: r.word()})
	}
}
