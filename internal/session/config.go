package session

import (
	"fmt"
	"math"
	"time"
)

const (
	// MaxEndpoints bounds the endpoint count of one session.
	MaxEndpoints = 1024
	// MaxDelayMillis is the largest delay whose Duration does not overflow.
	MaxDelayMillis = math.MaxInt64 / int64(time.Millisecond)
)

// Config is the configuration of one session. It is a value type; changing
// it means starting a new session.
type Config struct {
	DelayMillis   int `yaml:"delay_ms" json:"delay_ms"`
	EndpointCount int `yaml:"endpoints" json:"endpoints"`
}

// Validate reports ErrInvalidConfig when the endpoint count is outside
// [1, MaxEndpoints] or the delay is outside [0, MaxDelayMillis].
func (c Config) Validate() error {
	if c.EndpointCount <= 0 {
		return fmt.Errorf("%w: endpoint count must be positive, got %d", ErrInvalidConfig, c.EndpointCount)
	}
	if c.EndpointCount > MaxEndpoints {
		return fmt.Errorf("%w: endpoint count %d exceeds %d", ErrInvalidConfig, c.EndpointCount, MaxEndpoints)
	}
	if c.DelayMillis < 0 {
		return fmt.Errorf("%w: delay must be non-negative, got %dms", ErrInvalidConfig, c.DelayMillis)
	}
	if int64(c.DelayMillis) > MaxDelayMillis {
		return fmt.Errorf("%w: delay %dms exceeds %dms", ErrInvalidConfig, c.DelayMillis, MaxDelayMillis)
	}
	return nil
}

// Delay returns the channel propagation delay.
func (c Config) Delay() time.Duration {
	return time.Duration(c.DelayMillis) * time.Millisecond
}

func (c Config) String() string {
	return fmt.Sprintf("delay=%dms endpoints=%d", c.DelayMillis, c.EndpointCount)
}

// Status is the lifecycle state of the controller's session.
type Status int

const (
	Stopped Status = iota
	Running
)

func (s Status) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}
