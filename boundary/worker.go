package boundary

import (
	"github.com/evanphx/meridian/allocator"
	"github.com/evanphx/meridian/config"
	"github.com/evanphx/meridian/metrics"
	"github.com/evanphx/meridian/ukernel"
)

// WorkerAllocator carves from the untyped region handed to a worker task,
// into the slots of its two-level CSpace from FirstFree on.
func WorkerAllocator(k ukernel.Kernel, slots config.SlotLayout, met *metrics.Metrics) *allocator.Allocator {
	return allocator.New(k, allocator.Config{
		Untyped:   ukernel.CPtr(slots.Custom),
		Root:      ukernel.CPtr(slots.CNode),
		RootRadix: slots.RootRadix,
		LeafRadix: slots.LeafRadix,
		Start:     ukernel.CPtr(slots.FirstFree),
		End:       ukernel.CPtr(1) << uint(slots.WorkerDepth()),
		Metrics:   met,
	})
}
