package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tekpounou/platform/core/auth"
)

const namespace = "tekpounou"

// Recorder counts store actions and listener events. It implements auth.Recorder.
type Recorder struct {
	actions *prometheus.CounterVec
	events  *prometheus.CounterVec
}

var _ auth.Recorder = (*Recorder)(nil)

func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "actions_total",
			Help:      "Store actions by outcome.",
		}, []string{"action", "outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "events_total",
			Help:      "Identity backend events by type, and whether they changed the store.",
		}, []string{"type", "applied"}),
	}
	reg.MustRegister(r.actions, r.events)
	return r
}

// ObserveAction labels failures with their auth.ErrorKind.
func (r *Recorder) ObserveAction(action string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = auth.KindOf(err).String()
	}
	r.actions.WithLabelValues(action, outcome).Inc()
}

func (r *Recorder) ObserveEvent(typ auth.EventType, applied bool) {
	label := "false"
	if applied {
		label = "true"
	}
	r.events.WithLabelValues(string(typ), label).Inc()
}

// Handler serves the metrics of `reg`.
func Handler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
