package obs

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	EnqueueTotal *prometheus.CounterVec // queue=borrow|lend result=enqueued|duplicate|error
	DequeueTotal *prometheus.CounterVec // queue=borrow|lend result=removed|absent|error
	RefreshTotal *prometheus.CounterVec // result=success|error

	CycleTotal     *prometheus.CounterVec // result=work|empty|error
	ReconcileMoved prometheus.Counter

	TxConflictTotal *prometheus.CounterVec // op label

	ResolveWalkDays prometheus.Histogram
	ResolveTotal    *prometheus.CounterVec // result=success|unresolved|error
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EnqueueTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liveorg_enqueue_total",
				Help: "Total queue enqueue attempts by queue and result",
			},
			[]string{"queue", "result"},
		),
		DequeueTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liveorg_dequeue_total",
				Help: "Total queue dequeue attempts by queue and result",
			},
			[]string{"queue", "result"},
		),
		RefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liveorg_token_refresh_total",
				Help: "Total token refresh operations by result",
			},
			[]string{"result"},
		),
		CycleTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liveorg_registry_cycle_total",
				Help: "Total active-queue cycles by result",
			},
			[]string{"result"},
		),
		ReconcileMoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "liveorg_registry_reconcile_moved_total",
			Help: "Dates pushed back onto the active list by reconciliation",
		}),
		TxConflictTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liveorg_store_tx_conflict_total",
				Help: "Optimistic-transaction conflicts that triggered a retry",
			},
			[]string{"op"},
		),
		ResolveWalkDays: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "liveorg_resolve_walk_days",
			Help:    "Days walked per day-state resolution",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1 .. 512 days
		}),
		ResolveTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "liveorg_resolve_total",
				Help: "Total day-state resolutions by result",
			},
			[]string{"result"},
		),
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.EnqueueTotal,
		m.DequeueTotal,
		m.RefreshTotal,
		m.CycleTotal,
		m.ReconcileMoved,
		m.TxConflictTotal,
		m.ResolveWalkDays,
		m.ResolveTotal,
	)

	return m
}
