package ukernel

import "github.com/pkg/errors"

const (
	// MaxRegs is the number of payload registers one message can carry.
	MaxRegs = 120
	// MaxCaps is the number of capabilities one message can transfer.
	MaxCaps = 1
)

var (
	ErrTooManyRegs = errors.New("message payload too long")
	ErrTooManyCaps = errors.New("message carries more than one capability")
)

// Message is one IPC transfer: a 64-bit label, the payload registers and at
// most one capability. Caps name slots in the sender's CSpace on the way out;
// on the way in they name the slot the kernel delivered into.
type Message struct {
	Label Word
	Regs  []Word
	Caps  []CPtr
}

// NewMessage builds a message with a copy of regs.
func NewMessage(label Word, regs ...Word) Message {
	m := Message{Label: label}
	if len(regs) > 0 {
		m.Regs = append([]Word(nil), regs...)
	}
	return m
}

// Length is the payload word count from the message header.
func (m Message) Length() int {
	return len(m.Regs)
}

// CapCount is the transferred-capability count from the message header.
func (m Message) CapCount() int {
	return len(m.Caps)
}

// Validate checks the header limits.
func (m Message) Validate() error {
	if len(m.Regs) > MaxRegs {
		return errors.Wrapf(ErrTooManyRegs, "length=%d", len(m.Regs))
	}

	if len(m.Caps) > MaxCaps {
		return errors.Wrapf(ErrTooManyCaps, "caps=%d", len(m.Caps))
	}

	return nil
}

// Reg returns payload register i, or false when the payload is shorter.
func (m Message) Reg(i int) (Word, bool) {
	if i < 0 || i >= len(m.Regs) {
		return 0, false
	}
	return m.Regs[i], true
}
