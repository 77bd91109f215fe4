package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/recordroom/ttcontrol/services/supervisor/internal/models"
)

// Metrics exposes the control loop to Prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	state          *prometheus.GaugeVec
	transitions    *prometheus.CounterVec
	plays          prometheus.Counter
	playSeconds    prometheus.Counter
	switchErrors   prometheus.Counter
	effectFailures *prometheus.CounterVec
}

// NewMetrics registers the supervisor collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ttcontrol_state",
			Help: "Current supervisor state (1 for the active state).",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ttcontrol_transitions_total",
			Help: "Committed state transitions.",
		}, []string{"from", "to"}),
		plays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ttcontrol_plays_recorded_total",
			Help: "Plays written to the database.",
		}),
		playSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ttcontrol_play_seconds_total",
			Help: "Recorded play time in seconds.",
		}),
		switchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ttcontrol_switch_read_errors_total",
			Help: "Turntable switch polls that could not be classified.",
		}),
		effectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ttcontrol_effect_failures_total",
			Help: "Device effects that failed after retries.",
		}, []string{"effect"}),
	}
	reg.MustRegister(m.state, m.transitions, m.plays, m.playSeconds, m.switchErrors, m.effectFailures)
	return m
}

func (m *Metrics) setState(s models.SupervisorState) {
	if m == nil {
		return
	}
	for _, known := range models.States {
		v := 0.0
		if known == s {
			v = 1
		}
		m.state.WithLabelValues(known.String()).Set(v)
	}
}

func (m *Metrics) transition(from, to models.SupervisorState) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from.String(), to.String()).Inc()
	m.setState(to)
}

func (m *Metrics) playRecorded(seconds int) {
	if m == nil {
		return
	}
	m.plays.Inc()
	m.playSeconds.Add(float64(seconds))
}

func (m *Metrics) switchReadFailed() {
	if m == nil {
		return
	}
	m.switchErrors.Inc()
}

func (m *Metrics) effectFailed(k EffectKind) {
	if m == nil {
		return
	}
	m.effectFailures.WithLabelValues(k.String()).Inc()
}
