package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/tapsim/internal/netsim"
)

// fakeEngine records every call. By default Run blocks until ctx is done or
// Stop is called.
type fakeEngine struct {
	mu    sync.Mutex
	calls []string

	// ignoreCtx makes Run wait only for Stop; ignoreStop makes it wait only
	// for release.
	ignoreCtx  bool
	ignoreStop bool
	release    chan struct{}

	failPhase Phase
	failErr   error
	runErr    error

	running   chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	stops     int
	destroyed bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		running: make(chan struct{}),
		stopCh:  make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (f *fakeEngine) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeEngine) failing(phase Phase) error {
	if f.failPhase != phase {
		return nil
	}
	if f.failErr != nil {
		return f.failErr
	}
	return errors.New("injected " + string(phase) + " failure")
}

func (f *fakeEngine) Configure(realtime, checksums bool) error {
	f.record("configure(%t,%t)", realtime, checksums)
	return f.failing(PhaseConfigure)
}

func (f *fakeEngine) CreateBroadcastChannel(delay time.Duration) (netsim.ChannelID, error) {
	f.record("channel(%s)", delay)
	return 7, f.failing(PhaseTopology)
}

func (f *fakeEngine) CreateNodes(count int) ([]netsim.NodeID, error) {
	f.record("nodes(%d)", count)
	ids := make([]netsim.NodeID, count)
	for i := range ids {
		ids[i] = netsim.NodeID(i)
	}
	return ids, nil
}

func (f *fakeEngine) Attach(node netsim.NodeID, ch netsim.ChannelID) (netsim.DeviceID, error) {
	f.record("attach(%d,%d)", node, ch)
	return netsim.DeviceID(100 + int(node)), nil
}

func (f *fakeEngine) Bridge(node netsim.NodeID, dev netsim.DeviceID, ifName string) error {
	f.record("bridge(%d,%d,%s)", node, dev, ifName)
	return f.failing(PhaseBridge)
}

func (f *fakeEngine) Run(ctx context.Context) error {
	f.record("run")
	close(f.running)
	if f.runErr != nil {
		return f.runErr
	}
	switch {
	case f.ignoreStop:
		<-f.release
	case f.ignoreCtx:
		<-f.stopCh
	default:
		select {
		case <-ctx.Done():
		case <-f.stopCh:
		}
	}
	return nil
}

func (f *fakeEngine) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	f.stopOnce.Do(func() { close(f.stopCh) })
}

func (f *fakeEngine) Destroy() error {
	f.record("destroy")
	f.mu.Lock()
	f.destroyed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEngine) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func (f *fakeEngine) Destroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

// fakeFactory hands out engines built by newEngine and remembers them.
type fakeFactory struct {
	mu        sync.Mutex
	engines   []*fakeEngine
	newEngine func() *fakeEngine
	err       error
}

func (f *fakeFactory) Build() (Engine, error) {
	if f.err != nil {
		return nil, f.err
	}
	eng := newFakeEngine()
	if f.newEngine != nil {
		eng = f.newEngine()
	}
	f.mu.Lock()
	f.engines = append(f.engines, eng)
	f.mu.Unlock()
	return eng, nil
}

func (f *fakeFactory) Engine(t *testing.T, i int) *fakeEngine {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.engines) {
		t.Fatalf("engine %d was never built (%d built)", i, len(f.engines))
	}
	return f.engines[i]
}

type recordingMetrics struct {
	mu      sync.Mutex
	starts  int
	stops   []string
	faults  []string
	lastEPs int
}

func (r *recordingMetrics) SessionStarted(endpoints, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	r.lastEPs = endpoints
}

func (r *recordingMetrics) SessionStopped(result string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops = append(r.stops, result)
}

func (r *recordingMetrics) SessionFaulted(phase string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults = append(r.faults, phase)
}

func (r *recordingMetrics) Stops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stops...)
}

func (r *recordingMetrics) Faults() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.faults...)
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}
