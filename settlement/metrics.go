package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stagesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intent_settlement_stages_completed_total",
			Help: "Total number of settlement stages completed",
		}, []string{"stage"})
	stagesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intent_settlement_stages_failed_total",
			Help: "Total number of settlement stages that ended in an error",
		}, []string{"stage"})
	attestationPolls = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intent_settlement_attestation_polls_total",
			Help: "Total number of isProven queries issued",
		})
	relayFeeFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intent_settlement_relay_fee_fallbacks_total",
			Help: "Total number of relays paid with the fallback fee because the quote failed",
		})
	// OrdersByStatus is set by the status refresher, one gauge per settler status.
	OrdersByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "intent_settlement_orders",
			Help: "Tracked orders by last observed settler status",
		}, []string{"status"})
)
