// Package metrics exposes Prometheus metrics for the credit engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Reconciliation metrics
	RefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_refreshes_total",
			Help: "Total balance refreshes by trigger source and outcome",
		},
		[]string{"trigger", "outcome"},
	)

	StaleResponsesDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_stale_responses_discarded_total",
			Help: "Refresh responses discarded because a newer request superseded them",
		},
	)

	CachedCredits = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "credits_cached_balance",
			Help: "Last authoritative credit balance held by the reconciliation controller",
		},
	)

	// Spend metrics
	SpendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_spends_total",
			Help: "Total spend attempts by outcome",
		},
		[]string{"outcome"}, // success, rejected, ambiguous, error
	)

	ResetsPerformed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_resets_performed_total",
			Help: "Credit resets the ledger reported as performed",
		},
	)

	// Purchase adapter metrics
	PurchasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_purchases_total",
			Help: "Purchase attempts by outcome",
		},
		[]string{"outcome"}, // success, cancelled, failed
	)

	PostPurchaseRefreshAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_post_purchase_refresh_attempts_total",
			Help: "Delayed ledger refreshes scheduled to converge after a purchase",
		},
	)

	StatusPollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_entitlement_polls_total",
			Help: "Entitlement status polls by result",
		},
		[]string{"result"}, // unchanged, changed, error
	)

	// Identity metrics
	VolatilePrincipalFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_volatile_principal_fallbacks_total",
			Help: "Times durable storage failed and a volatile principal was used",
		},
	)
)
