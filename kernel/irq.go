package kernel

import (
	"github.com/pkg/errors"

	"github.com/evanphx/meridian/ukernel"
)

// BindIRQ issues the handler for irq straight into slot handler of the
// task's CSpace. The slot must be empty.
func (t *Task) BindIRQ(handler, irq uint64) error {
	k := t.k

	depth := t.cspaceDepth()

	if handler == 0 || handler >= 1<<uint(depth) {
		return errors.Wrapf(ukernel.ErrRangeError, "handler slot %d", handler)
	}

	dest := ukernel.SlotRef{Root: t.CNode, Index: ukernel.Word(handler), Depth: depth}

	if err := k.sys.IRQControlGet(k.boot(k.Slots.IRQControl), irq, dest); err != nil {
		return errors.Wrapf(err, "issuing irq %d", irq)
	}

	k.met.Allocations.WithLabelValues(ukernel.ObjIRQHandler.String()).Inc()

	t.L.Debug("irq bound", "irq", irq, "slot", handler)

	return nil
}

// IssueIRQHandler issues the handler for irq into a fresh coordinator slot
// owned by the task, ready to be transferred to it.
func (t *Task) IssueIRQHandler(irq uint64) (ukernel.CPtr, error) {
	k := t.k

	c, err := k.alloc.Reserve()
	if err != nil {
		return ukernel.Null, err
	}

	if err := k.sys.IRQControlGet(k.boot(k.Slots.IRQControl), irq, k.own(c)); err != nil {
		return ukernel.Null, errors.Wrapf(err, "issuing irq %d", irq)
	}

	k.met.Allocations.WithLabelValues(ukernel.ObjIRQHandler.String()).Inc()

	t.mu.Lock()
	t.irqs = append(t.irqs, c)
	t.mu.Unlock()

	t.L.Debug("irq handler issued", "irq", irq, "slot", c)

	return c, nil
}
