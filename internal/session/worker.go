package session

import (
	"context"
	"errors"
	"time"

	"github.com/signalsfoundry/tapsim/internal/logging"
)

// Handle identifies one session's worker goroutine.
type Handle struct {
	ID        uint64
	Config    Config
	StartedAt time.Time

	done   chan struct{}
	err    error
	cancel context.CancelFunc
	engine Engine
}

// Done is closed once the worker has torn down its engine and exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the worker's terminal error: nil while running or after a
// clean exit, an *EngineFault otherwise.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// work builds the topology, runs the engine and destroys it. Done is closed
// before the controller lock is taken.
func (c *Controller) work(ctx context.Context, h *Handle, launched chan<- struct{}) {
	close(launched)

	err := c.runEngine(ctx, h)
	h.err = err
	h.cancel()
	close(h.done)

	c.workerExited(ctx, h, err)
}

func (c *Controller) runEngine(ctx context.Context, h *Handle) (err error) {
	eng := h.engine
	defer func() {
		derr := eng.Destroy()
		if derr == nil {
			return
		}
		if err == nil {
			err = &EngineFault{Phase: PhaseDestroy, HandleID: h.ID, Err: derr}
			return
		}
		c.log.Warn(ctx, "engine teardown failed", logging.Error(derr))
	}()

	fault := func(phase Phase, err error) error {
		return &EngineFault{Phase: phase, HandleID: h.ID, Err: err}
	}

	if err := eng.Configure(true, false); err != nil {
		return fault(PhaseConfigure, err)
	}
	ch, err := eng.CreateBroadcastChannel(h.Config.Delay())
	if err != nil {
		return fault(PhaseTopology, err)
	}
	nodes, err := eng.CreateNodes(h.Config.EndpointCount)
	if err != nil {
		return fault(PhaseTopology, err)
	}
	for i, node := range nodes {
		dev, err := eng.Attach(node, ch)
		if err != nil {
			return fault(PhaseTopology, err)
		}
		if err := eng.Bridge(node, dev, InterfaceName(i)); err != nil {
			return fault(PhaseBridge, err)
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	c.log.Debug(ctx, "session engine ready", logging.Int("bridges", len(nodes)))

	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fault(PhaseRun, err)
	}
	return nil
}

// workerExited marks the session stopped if it is still current and reports
// any fault.
func (c *Controller) workerExited(ctx context.Context, h *Handle, err error) {
	var fault *EngineFault
	errors.As(err, &fault)

	c.mu.Lock()
	current := c.handle == h
	if current {
		c.handle = nil
		c.status = Stopped
	}
	if fault != nil {
		c.lastFault = fault
	}
	handler := c.onFault
	c.mu.Unlock()

	if current {
		result := StopExited
		if fault != nil {
			result = StopFault
		}
		c.metrics.SessionStopped(result, c.now().Sub(h.StartedAt))
	}

	if fault == nil {
		c.log.Debug(ctx, "session worker exited")
		return
	}

	c.metrics.SessionFaulted(string(fault.Phase))
	c.log.Error(ctx, "session engine fault",
		logging.String("phase", string(fault.Phase)),
		logging.Error(fault.Err),
	)
	if handler != nil {
		handler(fault)
	}
}
