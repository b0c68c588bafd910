package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	busPublished      *prometheus.CounterVec
	busDelivered      *prometheus.CounterVec
	busDropped        *prometheus.CounterVec
	pollsCreated      prometheus.Counter
	pollsEnded        prometheus.Counter
	answers           *prometheus.CounterVec
	kicks             prometheus.Counter
	activeContexts    *prometheus.GaugeVec
	httpRequestsTotal *prometheus.CounterVec
	registerOnce      sync.Once
)

// Register initializes Prometheus metrics on the default registry.
// Until it is called every recording function is a no-op, which keeps tests registry-free.
func Register() {
	registerOnce.Do(func() {
		busPublished = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livepoll",
			Name:      "bus_published_total",
			Help:      "Messages written to a bus channel by this process.",
		}, []string{"channel"})
		busDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livepoll",
			Name:      "bus_delivered_total",
			Help:      "Handler invocations for bus notifications.",
		}, []string{"channel"})
		busDropped = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livepoll",
			Name:      "bus_dropped_total",
			Help:      "Notifications dropped because the stored payload could not be decoded.",
		}, []string{"channel"})
		pollsCreated = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "livepoll",
			Name:      "polls_created_total",
			Help:      "Polls created by teacher contexts.",
		})
		pollsEnded = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "livepoll",
			Name:      "polls_ended_total",
			Help:      "Polls ended and archived.",
		})
		answers = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livepoll",
			Name:      "answers_total",
			Help:      "Answer events seen by teacher contexts, by outcome.",
		}, []string{"outcome"})
		kicks = promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "livepoll",
			Name:      "kicks_total",
			Help:      "Students kicked or removed.",
		})
		activeContexts = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "livepoll",
			Name:      "active_contexts",
			Help:      "Live session contexts hosted by this process.",
		}, []string{"role"})
		httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livepoll",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests processed by the gateway.",
		}, []string{"method", "path", "status"})
	})
}

// IncPublished counts one publish on channel.
func IncPublished(channel string) {
	if busPublished == nil {
		return
	}
	busPublished.WithLabelValues(channel).Inc()
}

// IncDelivered counts one handler invocation on channel.
func IncDelivered(channel string) {
	if busDelivered == nil {
		return
	}
	busDelivered.WithLabelValues(channel).Inc()
}

// IncDropped counts one malformed notification on channel.
func IncDropped(channel string) {
	if busDropped == nil {
		return
	}
	busDropped.WithLabelValues(channel).Inc()
}

// IncPollCreated counts a created poll.
func IncPollCreated() {
	if pollsCreated == nil {
		return
	}
	pollsCreated.Inc()
}

// IncPollEnded counts an archived poll.
func IncPollEnded() {
	if pollsEnded == nil {
		return
	}
	pollsEnded.Inc()
}

// IncAnswer counts an answer event; accepted false means it was ignored as stale or foreign.
func IncAnswer(accepted bool) {
	if answers == nil {
		return
	}
	outcome := "ignored"
	if accepted {
		outcome = "accepted"
	}
	answers.WithLabelValues(outcome).Inc()
}

// IncKick counts a kick or remove.
func IncKick() {
	if kicks == nil {
		return
	}
	kicks.Inc()
}

// AddContext adjusts the live context gauge for role by delta.
func AddContext(role string, delta float64) {
	if activeContexts == nil {
		return
	}
	activeContexts.WithLabelValues(role).Add(delta)
}

// IncRequest increments the http_requests_total counter with the given labels.
func IncRequest(method, path string, status int) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}
