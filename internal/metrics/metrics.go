package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesTotal counts inbound messages by how they were handled.
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "referee",
		Name:      "messages_total",
		Help:      "Inbound messages by outcome.",
	}, []string{"outcome"})

	// SettlementsTotal counts settlement runs by result.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "referee",
		Name:      "settlements_total",
		Help:      "Settlement pipeline runs by result.",
	}, []string{"result"})

	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "referee",
		Name:      "settlement_duration_seconds",
		Help:      "Wall time of one settlement pipeline run.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "referee",
		Name:      "notifications_total",
		Help:      "Outbound move notifications by result.",
	}, []string{"result"})

	// Watermark is the unix time of the newest processed message.
	Watermark = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "referee",
		Name:      "poll_watermark_seconds",
		Help:      "Receive time of the last fully handled message.",
	})

	SettleQueueRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "referee",
		Name:      "settle_queue_rejected_total",
		Help:      "Submissions dropped because the shard queue was full.",
	})
)
