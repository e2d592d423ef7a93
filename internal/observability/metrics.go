package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SessionCollector bundles Prometheus metrics for the session controller and
// the operator command loop.
type SessionCollector struct {
	gatherer prometheus.Gatherer

	Starts    prometheus.Counter
	Stops     *prometheus.CounterVec
	Faults    *prometheus.CounterVec
	Durations prometheus.Histogram
	Commands  *prometheus.CounterVec

	Running   prometheus.Gauge
	Endpoints prometheus.Gauge
	DelayMs   prometheus.Gauge
}

// NewSessionCollector registers session metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewSessionCollector(reg prometheus.Registerer) (*SessionCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	starts, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "session_starts_total",
		Help: "Total number of simulation sessions launched.",
	}), "session_starts_total")
	if err != nil {
		return nil, err
	}

	stops, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "session_stops_total",
		Help: "Total number of session stops, labeled by how the worker ended.",
	}, []string{"result"}), "session_stops_total")
	if err != nil {
		return nil, err
	}

	faults, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "session_faults_total",
		Help: "Total number of engine faults, labeled by the phase that failed.",
	}, []string{"phase"}), "session_faults_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "session_duration_seconds",
		Help:    "Wall-clock lifetime of simulation sessions.",
		Buckets: []float64{0.1, 1, 10, 60, 300, 900, 3600, 14400},
	}), "session_duration_seconds")
	if err != nil {
		return nil, err
	}

	commands, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "console_commands_total",
		Help: "Operator commands read by the command loop, labeled by command.",
	}, []string{"command"}), "console_commands_total")
	if err != nil {
		return nil, err
	}

	running, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "session_running",
		Help: "1 while a simulation session is running, otherwise 0.",
	}), "session_running")
	if err != nil {
		return nil, err
	}
	endpoints, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "session_endpoints",
		Help: "Number of bridged endpoints in the most recently started session.",
	}), "session_endpoints")
	if err != nil {
		return nil, err
	}
	delay, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "session_delay_milliseconds",
		Help: "Channel propagation delay of the most recently started session.",
	}), "session_delay_milliseconds")
	if err != nil {
		return nil, err
	}

	return &SessionCollector{
		gatherer:  gatherer,
		Starts:    starts,
		Stops:     stops,
		Faults:    faults,
		Durations: durations,
		Commands:  commands,
		Running:   running,
		Endpoints: endpoints,
		DelayMs:   delay,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SessionCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SessionStarted records a launched session and its configuration.
func (c *SessionCollector) SessionStarted(endpoints, delayMillis int) {
	if c == nil {
		return
	}
	c.Starts.Inc()
	c.Running.Set(1)
	c.Endpoints.Set(float64(endpoints))
	c.DelayMs.Set(float64(delayMillis))
}

// SessionStopped records the end of a session.
func (c *SessionCollector) SessionStopped(result string, uptime time.Duration) {
	if c == nil {
		return
	}
	c.Stops.WithLabelValues(result).Inc()
	c.Durations.Observe(uptime.Seconds())
	c.Running.Set(0)
}

// SessionFaulted records an engine fault in the given phase.
func (c *SessionCollector) SessionFaulted(phase string) {
	if c == nil {
		return
	}
	c.Faults.WithLabelValues(phase).Inc()
}

// CommandHandled counts one operator command.
func (c *SessionCollector) CommandHandled(command string) {
	if c == nil {
		return
	}
	c.Commands.WithLabelValues(command).Inc()
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
