// Package metrics holds the venue's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	OrdersAdmitted  *prometheus.CounterVec
	Trades          *prometheus.CounterVec
	TradedQuantity  *prometheus.CounterVec
	Cancels         *prometheus.CounterVec
	CommitFailures  prometheus.Counter
	OutboxPublished *prometheus.CounterVec
	OutboxFailures  prometheus.Counter
	MatchSeconds    prometheus.Histogram
}

// New builds the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_orders_admitted_total",
			Help: "Orders admitted to matching.",
		}, []string{"direction", "type"}),
		Trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_trades_total",
			Help: "Trades executed.",
		}, []string{"symbol"}),
		TradedQuantity: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_traded_quantity_total",
			Help: "Quantity executed.",
		}, []string{"symbol"}),
		Cancels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_cancels_total",
			Help: "Cancel requests by outcome.",
		}, []string{"result"}),
		CommitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "venue_commit_failures_total",
			Help: "Units of work that failed to commit.",
		}),
		OutboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_outbox_published_total",
			Help: "Outbox events acknowledged by the broker.",
		}, []string{"kind"}),
		OutboxFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "venue_outbox_failures_total",
			Help: "Outbox publish attempts that failed.",
		}),
		MatchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "venue_match_pass_seconds",
			Help:    "Duration of an admission pass, journal to apply.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 16),
		}),
	}
	reg.MustRegister(
		m.OrdersAdmitted,
		m.Trades,
		m.TradedQuantity,
		m.Cancels,
		m.CommitFailures,
		m.OutboxPublished,
		m.OutboxFailures,
		m.MatchSeconds,
	)
	return m
}

// Discard returns collectors registered nowhere.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}

func (m *Metrics) ObserveSince(start time.Time) {
	m.MatchSeconds.Observe(time.Since(start).Seconds())
}
