package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of one meridian system.
type Metrics struct {
	// Allocator
	Allocations *prometheus.CounterVec
	SlotsUsed   prometheus.Gauge

	// Tasks
	TasksActive prometheus.Gauge
	TasksTotal  prometheus.Counter
	TaskExits   *prometheus.CounterVec

	// Paging
	Faults      *prometheus.CounterVec
	PagesMapped prometheus.Counter
	TablesMade  prometheus.Counter

	// Relay
	Messages      *prometheus.CounterVec
	UnknownLabels prometheus.Counter
	Syscalls      *prometheus.CounterVec
}

// New registers the metrics with reg. A nil reg gives unregistered metrics,
// which is what tests use.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Allocations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_allocations_total",
				Help: "Kernel objects carved from untyped memory",
			},
			[]string{"kind"},
		),
		SlotsUsed: f.NewGauge(prometheus.GaugeOpts{
			Name: "meridian_slots_used",
			Help: "Capability slots handed out by the allocator",
		}),
		TasksActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "meridian_tasks_active",
			Help: "Tasks not yet torn down",
		}),
		TasksTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "meridian_tasks_total",
			Help: "Tasks created",
		}),
		TaskExits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_task_exits_total",
				Help: "Task exits by cause",
			},
			[]string{"cause"},
		),
		Faults: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_faults_total",
				Help: "Fault records received",
			},
			[]string{"kind", "class"},
		),
		PagesMapped: f.NewCounter(prometheus.CounterOpts{
			Name: "meridian_pages_mapped_total",
			Help: "Frames mapped into task address spaces",
		}),
		TablesMade: f.NewCounter(prometheus.CounterOpts{
			Name: "meridian_page_tables_total",
			Help: "Intermediate translation tables installed",
		}),
		Messages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_messages_total",
				Help: "Messages received by protocol family",
			},
			[]string{"family"},
		),
		UnknownLabels: f.NewCounter(prometheus.CounterOpts{
			Name: "meridian_unknown_labels_total",
			Help: "Messages whose label matched no family",
		}),
		Syscalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meridian_syscalls_total",
				Help: "Relayed system calls",
			},
			[]string{"name", "result"},
		),
	}
}

var discard = New(nil)

// Or returns m, or a shared unregistered set when m is nil.
func Or(m *Metrics) *Metrics {
	if m == nil {
		return discard
	}
	return m
}
