package kernel

import (
	"github.com/evanphx/meridian/abi/linux"
	"github.com/evanphx/meridian/ipc"
	"github.com/evanphx/meridian/memory"
	"github.com/evanphx/meridian/ukernel"
)

// HandleFault serves one fault record for t. A missing translation is
// repaired with a fresh page at the page-aligned fault address and resume is
// true: the caller replies to the fault to let the thread retry. Every other
// fault kills the task with SIGSEGV and tears it down.
func (t *Task) HandleFault(f ipc.Fault) (resume bool, err error) {
	class := "none"
	if f.VM != nil {
		class = f.VM.Class()
	}

	t.k.met.Faults.WithLabelValues(f.Kind(), class).Inc()

	if f.VM == nil || !f.VM.Translation() {
		t.L.Warn("unrecoverable fault", "kind", f.Kind(), "class", class)

		t.Kill(linux.SIGSEGV)
		return false, t.Teardown()
	}

	page := memory.PageAlignDown(f.VM.Addr)

	t.L.Trace("demand paging", "addr", f.VM.Addr, "page", page, "ip", f.VM.IP)

	t.setState(Faulting)

	frame, err := t.k.AllocateFrame()
	if err != nil {
		return false, err
	}

	err = t.MapPage(page, frame, ukernel.RightRead|ukernel.RightWrite, ukernel.VMDefault)
	if err != nil {
		return false, err
	}

	t.setState(Running)

	return true, nil
}
