package metrics

import (
	"github.com/betbot/relayer/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relayer"

var (
	EventsDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_decoded_total",
		Help:      "Decoded origin-chain events by kind",
	}, []string{"kind"})

	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decode_errors_total",
		Help:      "Logs that could not be decoded",
	})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "order_transitions_total",
		Help:      "Applied order state transitions",
	}, []string{"from", "to"})

	OrdersByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "orders",
		Help:      "Orders currently in each state",
	}, []string{"state"})

	SubmissionAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "submission_attempts_total",
		Help:      "Destination-chain submission attempts by result",
	}, []string{"result"})

	ConfirmLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "confirm_latency_seconds",
		Help:      "Time from submission start to a successful receipt",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_reconnects_total",
		Help:      "Origin-chain subscription reconnects",
	})

	ReconcileRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_runs_total",
		Help:      "Reconciliation passes",
	})

	ReconcileErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_errors_total",
		Help:      "Failed reconciliation passes",
	})

	ReorgReverts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reorg_reverts_total",
		Help:      "Orders reverted to pending after a reorg",
	})

	CursorBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cursor_block",
		Help:      "Highest fully dispatched origin block",
	})
)

// ObserveTransition 状态变迁计数
func ObserveTransition(from, to domain.OrderState) {
	Transitions.WithLabelValues(string(from), string(to)).Inc()
}

// SetOrderCounts 按存储快照设置分状态订单数（订单创建不产生变迁事件，因此不做增量维护）
func SetOrderCounts(byState map[domain.OrderState]int) {
	for state, n := range byState {
		OrdersByState.WithLabelValues(string(state)).Set(float64(n))
	}
}
