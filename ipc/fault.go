package ipc

import (
	"github.com/pkg/errors"

	"github.com/evanphx/meridian/ukernel"
)

var ErrNotFault = errors.New("ipc: label is not a fault record")

// IsFault reports whether m is a fault record rather than a request.
func IsFault(m ukernel.Message) bool {
	return m.Label < ukernel.FaultLabelLimit
}

// VMFault is the decoded virtual-memory fault record.
type VMFault struct {
	IP       Word
	Addr     Word
	Prefetch bool
	FSR      Word
}

// Translation reports whether the fault is a missing translation, the only
// class the pager repairs.
func (f VMFault) Translation() bool {
	return f.FSR&ukernel.FSRClassMask == ukernel.FSRTranslation
}

// Class names the fault status for logs and metrics.
func (f VMFault) Class() string {
	switch f.FSR & ukernel.FSRClassMask {
	case ukernel.FSRTranslation:
		return "translation"
	case ukernel.FSRPermission:
		return "permission"
	case ukernel.FSRAccessFlag:
		return "access-flag"
	default:
		return "other"
	}
}

// Fault is any fault record. VM is set only for VM faults.
type Fault struct {
	Label Word
	VM    *VMFault
}

func (f Fault) Kind() string {
	switch f.Label {
	case ukernel.FaultVM:
		return "vm"
	case ukernel.FaultCap:
		return "cap"
	case ukernel.FaultUnknownSyscall:
		return "unknown-syscall"
	case ukernel.FaultUserException:
		return "user-exception"
	case ukernel.FaultTimeout:
		return "timeout"
	default:
		return "null"
	}
}

// DecodeFault reads a fault record using the architecture's fixed layout.
func DecodeFault(m ukernel.Message) (Fault, error) {
	if !IsFault(m) {
		return Fault{}, errors.Wrapf(ErrNotFault, "label=%#x", m.Label)
	}

	f := Fault{Label: m.Label}

	if m.Label != ukernel.FaultVM {
		return f, nil
	}

	r := newReader(m)

	vm := &VMFault{
		IP:       r.word(),
		Addr:     r.word(),
		Prefetch: r.flag(),
		FSR:      r.word(),
	}

	if r.short {
		return Fault{}, errors.Wrapf(ErrShortPayload, "vm fault: have %d words", len(m.Regs))
	}

	f.VM = vm

	return f, nil
}
