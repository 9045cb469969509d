// Package collector holds the process-wide prometheus instruments for the
// session engine.
package collector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionLabels = []string{"session"}

	MessagesSentCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fix_messages_sent_total",
		Help: "The total number of messages written to the transport",
	}, []string{"session", "msg_type"})

	MessagesReceivedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fix_messages_received_total",
		Help: "The total number of accepted inbound messages",
	}, []string{"session", "msg_type"})

	ResendRequestCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fix_resend_requests_total",
		Help: "The total number of resend requests sent",
	}, sessionLabels)

	GapDetectedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fix_sequence_gaps_total",
		Help: "The total number of inbound sequence gaps detected",
	}, sessionLabels)

	RetransmitCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fix_retransmits_total",
		Help: "The total number of messages retransmitted from the store",
	}, sessionLabels)

	FatalDisconnectCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fix_fatal_disconnects_total",
		Help: "The total number of fatal session disconnects",
	}, []string{"session", "reason"})

	SessionStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fix_session_state",
		Help: "The current session state (0 disconnected, 1 logon pending, 2 active, 3 resend pending, 4 logout pending)",
	}, sessionLabels)

	DecodeDurationHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "fix_decode_duration_seconds",
		Help: "Time spent decoding inbound frames",
	})
)
