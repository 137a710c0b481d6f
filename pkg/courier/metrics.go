package courier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeOK           = "ok"
	outcomeTimeout      = "timeout"
	outcomeRemoteError  = "remote_error"
	outcomePublishError = "publish_error"
	outcomeBadRequest   = "bad_request"
	outcomeUnknownOp    = "unknown_operation"
	outcomeHandlerError = "handler_error"
)

var (
	metricCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Name:      "calls_total",
		Help:      "RPC calls issued, by outcome.",
	}, []string{"outcome"})

	metricDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Name:      "dispatches_total",
		Help:      "Inbound requests dispatched, by outcome.",
	}, []string{"outcome"})

	metricReplies = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courier",
		Name:      "replies_sent_total",
		Help:      "Replies successfully published.",
	})

	metricReplyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courier",
		Name:      "reply_failures_total",
		Help:      "Replies dropped because publishing failed.",
	})
)
