package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Orders created, by origination channel",
	}, []string{"channel"})

	OrdersCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_completed_total",
		Help: "Orders that reached a paid or completed state",
	})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Pending orders cancelled and released back to stock",
	})

	CheckoutConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_conflicts_total",
		Help: "Checkouts rejected because a unit was no longer available",
	})

	LoyaltyUpgradesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loyalty_tier_upgrades_total",
		Help: "Tier upgrades credited at order completion",
	})

	TransfersApprovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transfers_approved_total",
		Help: "Transfer requests approved and executed",
	})

	TransfersRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transfers_rejected_total",
		Help: "Transfer requests rejected by an admin",
	})

	BuybacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buybacks_total",
		Help: "Buyback orders processed",
	})

	StockUnitsReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_units_received_total",
		Help: "Stock units created by supplier intake or buyback",
	})

	CheckoutLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "checkout_latency_seconds",
		Help:    "Latency of the checkout transaction",
		Buckets: prometheus.DefBuckets,
	})
)
