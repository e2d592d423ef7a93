package observability

import "github.com/prometheus/client_golang/prometheus"

// EngineCollector exposes per-frame counters from the network engine.
type EngineCollector struct {
	Frames  *prometheus.CounterVec
	Dropped *prometheus.CounterVec
}

// NewEngineCollector registers engine metrics against the provided registerer.
// Collectors survive across sessions; every engine instance reports into the
// same counters.
func NewEngineCollector(reg prometheus.Registerer) (*EngineCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	frames, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netsim_frames_total",
		Help: "Frames handled by the broadcast channel, labeled by event (transmitted, delivered).",
	}, []string{"event"}), "netsim_frames_total")
	if err != nil {
		return nil, err
	}

	dropped, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netsim_frames_dropped_total",
		Help: "Frames dropped by the engine, labeled by reason.",
	}, []string{"reason"}), "netsim_frames_dropped_total")
	if err != nil {
		return nil, err
	}

	return &EngineCollector{Frames: frames, Dropped: dropped}, nil
}

// FrameTransmitted counts a frame that finished occupying the medium.
func (c *EngineCollector) FrameTransmitted() {
	if c == nil {
		return
	}
	c.Frames.WithLabelValues("transmitted").Inc()
}

// FrameDelivered counts a frame handed to a receiving device.
func (c *EngineCollector) FrameDelivered() {
	if c == nil {
		return
	}
	c.Frames.WithLabelValues("delivered").Inc()
}

// FrameDropped counts a dropped frame.
func (c *EngineCollector) FrameDropped(reason string) {
	if c == nil {
		return
	}
	c.Dropped.WithLabelValues(reason).Inc()
}
