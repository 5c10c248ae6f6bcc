package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Billing groups the counters exported by the billing services. A nil *Billing is a valid no-op.
type Billing struct {
	reconcileOutcomes   *prometheus.CounterVec
	sideEffectFailures  *prometheus.CounterVec
	sweepRows           *prometheus.CounterVec
	checkouts           *prometheus.CounterVec
	listingSlotDecision *prometheus.CounterVec
	outboxPublished     *prometheus.CounterVec
}

// New registers the billing collectors on registerer (the default registerer when nil).
func New(registerer prometheus.Registerer, service string) *Billing {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := prometheus.Labels{"service": service}

	m := &Billing{
		reconcileOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "billing_reconcile_outcomes_total",
			Help:        "Reconciliation triggers by source and outcome.",
			ConstLabels: constLabels,
		}, []string{"source", "outcome"}), // outcome: applied | duplicate | indeterminate | not_found | error
		sideEffectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "billing_side_effect_failures_total",
			Help:        "Post-transition side effects that failed and were logged.",
			ConstLabels: constLabels,
		}, []string{"effect"}),
		sweepRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "billing_sweep_rows_total",
			Help:        "Rows changed by scheduler sweeps.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "billing_checkouts_total",
			Help:        "Checkout sessions by result.",
			ConstLabels: constLabels,
		}, []string{"result"}),
		listingSlotDecision: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "billing_listing_slot_decisions_total",
			Help:        "Listing slot checks by decision.",
			ConstLabels: constLabels,
		}, []string{"decision"}),
		outboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "billing_outbox_messages_total",
			Help:        "Outbox publish attempts by result.",
			ConstLabels: constLabels,
		}, []string{"result"}),
	}

	registerer.MustRegister(
		m.reconcileOutcomes,
		m.sideEffectFailures,
		m.sweepRows,
		m.checkouts,
		m.listingSlotDecision,
		m.outboxPublished,
	)
	return m
}

func (m *Billing) ReconcileOutcome(source, outcome string) {
	if m == nil {
		return
	}
	m.reconcileOutcomes.WithLabelValues(source, outcome).Inc()
}

func (m *Billing) SideEffectFailed(effect string) {
	if m == nil {
		return
	}
	m.sideEffectFailures.WithLabelValues(effect).Inc()
}

func (m *Billing) SweepRows(job string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepRows.WithLabelValues(job).Add(float64(n))
}

func (m *Billing) Checkout(result string) {
	if m == nil {
		return
	}
	m.checkouts.WithLabelValues(result).Inc()
}

func (m *Billing) ListingSlot(allowed bool) {
	if m == nil {
		return
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	m.listingSlotDecision.WithLabelValues(decision).Inc()
}

func (m *Billing) OutboxResult(result string) {
	if m == nil {
		return
	}
	m.outboxPublished.WithLabelValues(result).Inc()
}
