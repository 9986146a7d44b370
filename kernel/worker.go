package kernel

import (
	"github.com/pkg/errors"

	"github.com/evanphx/meridian/ukernel"
)

// NewWorker builds a task that carves its own objects. Its CSpace has two
// levels: the leaf holding the well-known slots sits in slot 0 of the root,
// so the task's CPtrs below 1<<LeafRadix name the same slots as in a
// single-level task. A copy of untyped lands in the Custom slot for the
// worker's allocator.
func (k *Kernel) NewWorker(parent *Task, untyped ukernel.CPtr) (*Task, error) {
	t, err := k.newTask(parent, true)
	if err != nil {
		return nil, err
	}

	first := ukernel.SlotRef{Root: t.CNode, Index: 0, Depth: k.Slots.RootRadix}

	if err := k.sys.Copy(first, k.own(t.leaf), ukernel.RightsAll); err != nil {
		t.Teardown()
		return nil, errors.Wrap(err, "linking leaf CNode")
	}

	if err := k.sys.Copy(t.slot(k.Slots.Custom), k.own(untyped), ukernel.RightsAll); err != nil {
		t.Teardown()
		return nil, errors.Wrap(err, "handing off untyped")
	}

	t.L.Debug("worker created", "untyped", untyped)

	return t, nil
}
