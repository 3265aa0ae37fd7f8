package controller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reconcilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deskd_reconciles_total",
		Help: "Reconcile passes by result.",
	}, []string{"result"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deskd_transitions_total",
		Help: "Committed phase transitions.",
	}, []string{"phase"})

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deskd_retries_total",
		Help: "Scheduled retries after transient failures.",
	})

	reconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "deskd_reconcile_duration_seconds",
		Help:    "Wall time of one reconcile pass.",
		Buckets: prometheus.DefBuckets,
	})

	laneQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "deskd_lane_queue_depth",
		Help: "Items waiting in each worker lane.",
	}, []string{"lane"})
)
