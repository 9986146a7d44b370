// Package ipc is the message codec shared by every meridian task. Labels are
// partitioned into protocol families, each a contiguous opcode range starting
// at a fixed base; a decoder that does not own a label answers "not mine" so a
// dispatcher can probe the families in turn.
package ipc

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/evanphx/meridian/ukernel"
)

type Word = ukernel.Word

var (
	ErrShortPayload = errors.New("ipc: payload too short")
	ErrUnknownLabel = errors.New("ipc: label outside every family")
	ErrMissingFrame = errors.New("ipc: buffer request without its frame")
)

// Family is one protocol's opcode range [Base, Base+Size).
type Family struct {
	Name string
	Base Word
	Size Word
}

func (f Family) Contains(label Word) bool {
	return label >= f.Base && label-f.Base < f.Size
}

// Label returns the label of variant op.
func (f Family) Label(op Word) Word {
	return f.Base + op
}

func (f Family) op(label Word) (Word, bool) {
	if !f.Contains(label) {
		return 0, false
	}

	return label - f.Base, true
}

var (
	Runtime      = Family{Name: "runtime", Base: 0x100, Size: runtimeOps}
	Coordination = Family{Name: "coordination", Base: 0x200, Size: coordOps}
	Block        = Family{Name: "block", Base: 0x300, Size: blockOps}
	Network      = Family{Name: "network", Base: 0x400, Size: netOps}

	Families = []Family{Runtime, Coordination, Block, Network}
)

// FamilyOf returns the family owning label.
func FamilyOf(label Word) (Family, bool) {
	for _, f := range Families {
		if f.Contains(label) {
			return f, true
		}
	}

	return Family{}, false
}

// Request is one decoded protocol variant.
type Request interface {
	Label() Word
	Regs() []Word
}

// Encode packs r positionally into a message.
func Encode(r Request) ukernel.Message {
	return ukernel.NewMessage(r.Label(), r.Regs()...)
}

// PointerRequest is implemented by variants whose payload points into a
// transferred frame. They only decode when the frame is attached.
type PointerRequest interface {
	Request
	Pointer() Word
}

// EncodeBuffer packs r with frame, the capability backing r's pointer.
func EncodeBuffer(r PointerRequest, frame ukernel.CPtr) ukernel.Message {
	return EncodeWithCap(r, frame)
}

// EncodeWithCap packs r and attaches one capability to transfer.
func EncodeWithCap(r Request, c ukernel.CPtr) ukernel.Message {
	m := Encode(r)
	m.Caps = []ukernel.CPtr{c}
	return m
}

// Decode probes every family in order. Fault records are not requests; use
// DecodeFault for labels below ukernel.FaultLabelLimit.
func Decode(m ukernel.Message) (Request, error) {
	for _, dec := range decoders {
		req, ok, err := dec(m)
		if !ok {
			continue
		}

		return req, err
	}

	return nil, errors.Wrapf(ErrUnknownLabel, "label=%#x", m.Label)
}

var decoders = []func(ukernel.Message) (Request, bool, error){
	DecodeRuntime,
	DecodeCoordination,
	DecodeBlock,
	DecodeNetwork,
}

// reader pulls payload words in order and remembers whether it ran past the
// end instead of faulting.
type reader struct {
	regs  []Word
	caps  int
	pos   int
	short bool
}

func newReader(m ukernel.Message) *reader {
	return &reader{regs: m.Regs, caps: m.CapCount()}
}

func (r *reader) word() Word {
	if r.pos >= len(r.regs) {
		r.short = true
		return 0
	}

	w := r.regs[r.pos]
	r.pos++

	return w
}

func (r *reader) flag() bool {
	return r.word() != 0
}

func (r *reader) rest() []Word {
	if r.pos >= len(r.regs) {
		return nil
	}

	return append([]Word(nil), r.regs[r.pos:]...)
}

func (r *reader) finish(f Family, op Word, req Request) (Request, bool, error) {
	if r.short {
		return nil, true, errors.Wrapf(ErrShortPayload,
			"%s op %d: have %d words", f.Name, op, len(r.regs))
	}

	if _, ok := req.(PointerRequest); ok && r.caps == 0 {
		return nil, true, errors.Wrapf(ErrMissingFrame, "%s op %d", f.Name, op)
	}

	return req, true, nil
}

func flagWord(b bool) Word {
	if b {
		return 1
	}
	return 0
}

// Status is the label of a reply.
type Status Word

const (
	StatusOK Status = iota
	StatusUnknownRequest
	StatusBadPayload
	StatusUnsupported
	StatusDenied
	StatusFailed
)

var statusNames = map[Status]string{
	StatusOK:             "ok",
	StatusUnknownRequest: "unknown request",
	StatusBadPayload:     "bad payload",
	StatusUnsupported:    "unsupported",
	StatusDenied:         "denied",
	StatusFailed:         "failed",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", Word(s))
}

// StatusError is returned by clients when a reply carries a failing status.
type StatusError Status

func (e StatusError) Error() string {
	return "ipc: " + Status(e).String()
}

// Ok builds a successful reply.
func Ok(regs ...Word) ukernel.Message {
	return ukernel.NewMessage(Word(StatusOK), regs...)
}

// Fail builds an error reply.
func Fail(s Status) ukernel.Message {
	return ukernel.NewMessage(Word(s))
}

// Check turns a reply into an error when its status is not StatusOK.
func Check(m ukernel.Message) error {
	if Status(m.Label) == StatusOK {
		return nil
	}

	return StatusError(m.Label)
}
