// Package ukernel describes the capability microkernel that every meridian
// task runs on: capability pointers, object kinds, rights, the message wire
// format and the operations one thread may invoke.
package ukernel

import "fmt"

// CPtr addresses a capability slot in the calling thread's CSpace.
type CPtr uint64

// Null is never a valid capability.
const Null CPtr = 0

// Badge is the tag fixed when an endpoint capability is minted.
type Badge uint64

// Word is one machine register.
type Word = uint64

// Rights is an access-rights mask carried by a capability.
type Rights uint8

const (
	RightRead Rights = 1 << iota
	RightWrite
	RightGrant
	RightGrantReply

	RightsAll = RightRead | RightWrite | RightGrant | RightGrantReply
)

func (r Rights) Has(o Rights) bool {
	return r&o == o
}

func (r Rights) String() string {
	b := []byte("----")
	if r.Has(RightRead) {
		b[0] = 'r'
	}
	if r.Has(RightWrite) {
		b[1] = 'w'
	}
	if r.Has(RightGrant) {
		b[2] = 'g'
	}
	if r.Has(RightGrantReply) {
		b[3] = 'G'
	}
	return string(b)
}

// VMAttributes are the cache/execute attributes of a mapping.
type VMAttributes uint8

const (
	VMDefault      VMAttributes = 0
	VMExecuteNever VMAttributes = 1 << iota
	VMUncached
)

// ObjectType is the single tagged kind of a kernel object.
type ObjectType int

const (
	ObjUntyped ObjectType = iota
	ObjEndpoint
	ObjNotification
	ObjTCB
	ObjCNode
	ObjVSpace
	ObjPageTable
	ObjFrame
	ObjIRQHandler
	ObjIRQControl
	ObjASIDPool
	ObjASIDControl
)

var objectNames = [...]string{
	ObjUntyped:      "untyped",
	ObjEndpoint:     "endpoint",
	ObjNotification: "notification",
	ObjTCB:          "tcb",
	ObjCNode:        "cnode",
	ObjVSpace:       "vspace",
	ObjPageTable:    "page-table",
	ObjFrame:        "frame",
	ObjIRQHandler:   "irq-handler",
	ObjIRQControl:   "irq-control",
	ObjASIDPool:     "asid-pool",
	ObjASIDControl:  "asid-control",
}

func (t ObjectType) String() string {
	if t < 0 || int(t) >= len(objectNames) {
		return fmt.Sprintf("object(%d)", int(t))
	}
	return objectNames[t]
}

const (
	PageBits  = 12
	PageSize  = 1 << PageBits
	LargeBits = 21

	// SlotBits is log2 of the size of one CNode slot.
	SlotBits = 5

	// TranslationLevels is the depth of the page-table hierarchy.
	TranslationLevels = 4
	// TableIndexBits is the number of address bits resolved per level.
	TableIndexBits = 9
)

// ObjectSpec is the blueprint handed to a retype: a kind plus, for the
// variable-sized kinds (CNode radix, frame size), its size in bits.
type ObjectSpec struct {
	Type     ObjectType
	SizeBits int
}

func (o ObjectSpec) String() string {
	switch o.Type {
	case ObjCNode, ObjFrame, ObjUntyped:
		return fmt.Sprintf("%s/%d", o.Type, o.SizeBits)
	default:
		return o.Type.String()
	}
}

// ObjectBits returns log2 of the untyped memory the object consumes, or -1
// for kinds that are never carved from untyped memory.
func (o ObjectSpec) ObjectBits() int {
	switch o.Type {
	case ObjEndpoint:
		return 4
	case ObjNotification:
		return 6
	case ObjTCB:
		return 11
	case ObjCNode:
		return o.SizeBits + SlotBits
	case ObjVSpace, ObjPageTable:
		return PageBits
	case ObjFrame:
		if o.SizeBits == 0 {
			return PageBits
		}
		return o.SizeBits
	case ObjUntyped:
		return o.SizeBits
	default:
		return -1
	}
}

// Carved reports whether the kind is backed by untyped memory.
func (o ObjectSpec) Carved() bool {
	return o.ObjectBits() >= 0
}

// UserContext is the register file written into a thread before it runs.
type UserContext struct {
	PC    Word
	SP    Word
	TPIDR Word
	GPR   [8]Word
}
