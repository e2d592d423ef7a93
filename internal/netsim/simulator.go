// Package netsim is a small real-time network engine: nodes whose devices
// share one broadcast channel, with each device optionally bridged to a host
// TAP interface. All engine state is mutated on the goroutine running Run;
// TAP readers hand frames over through the scheduler.
package netsim

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/signalsfoundry/tapsim/internal/logging"
	"github.com/signalsfoundry/tapsim/internal/tap"
	"github.com/signalsfoundry/tapsim/timectrl"
)

var (
	// ErrNotConfigured indicates Configure has not been called yet.
	ErrNotConfigured = errors.New("netsim: engine not configured")
	// ErrConfigured indicates Configure was called more than once.
	ErrConfigured = errors.New("netsim: engine already configured")
	// ErrDestroyed indicates the engine has been torn down.
	ErrDestroyed = errors.New("netsim: engine destroyed")
	// ErrUnknownNode indicates a NodeID that was never created.
	ErrUnknownNode = errors.New("netsim: unknown node")
	// ErrUnknownChannel indicates a ChannelID that was never created.
	ErrUnknownChannel = errors.New("netsim: unknown channel")
	// ErrUnknownDevice indicates a DeviceID that was never created or does not
	// belong to the node it was used with.
	ErrUnknownDevice = errors.New("netsim: unknown device")
	// ErrAlreadyBridged indicates a device already has a TAP bridge.
	ErrAlreadyBridged = errors.New("netsim: device already bridged")
)

// Identifiers handed out by the engine. They index engine-owned objects and
// are only meaningful to the Simulator that created them.
type (
	ChannelID int
	NodeID    int
	DeviceID  int
)

// Drop reasons reported to FrameRecorder.
const (
	DropRunt        = "runt"
	DropQueueFull   = "queue_full"
	DropBadChecksum = "bad_checksum"
	DropWriteFailed = "write_failed"
)

// DefaultQueueLimit is the number of frames a device may have waiting for
// the medium before further frames are dropped.
const DefaultQueueLimit = 100

// MaxNodes bounds the number of nodes one Simulator will hold.
const MaxNodes = 4096

// FrameRecorder receives per-frame counters.
type FrameRecorder interface {
	FrameTransmitted()
	FrameDelivered()
	FrameDropped(reason string)
}

type noopRecorder struct{}

func (noopRecorder) FrameTransmitted()   {}
func (noopRecorder) FrameDelivered()     {}
func (noopRecorder) FrameDropped(string) {}

// Option customises Simulator construction.
type Option func(*Simulator)

// WithLogger sets the engine logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Simulator) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetricsRecorder attaches an optional frame counter sink.
func WithMetricsRecorder(r FrameRecorder) Option {
	return func(s *Simulator) {
		if r != nil {
			s.metrics = r
		}
	}
}

// WithInterfaceOpener replaces tap.Open, mainly for tests.
func WithInterfaceOpener(o tap.Opener) Option {
	return func(s *Simulator) {
		if o != nil {
			s.opener = o
		}
	}
}

// WithDataRate sets the channel data rate in bits per second. Zero means
// frames occupy the medium for no time at all.
func WithDataRate(bps int64) Option {
	return func(s *Simulator) {
		if bps >= 0 {
			s.dataRate = bps
		}
	}
}

// WithQueueLimit bounds the per-device backlog.
func WithQueueLimit(n int) Option {
	return func(s *Simulator) {
		if n > 0 {
			s.queueLimit = n
		}
	}
}

// Simulator is one engine instance. Build the topology, call Run, then
// Destroy. A Simulator is not reusable after Destroy.
type Simulator struct {
	log        logging.Logger
	metrics    FrameRecorder
	opener     tap.Opener
	dataRate   int64
	queueLimit int

	mu            sync.Mutex
	configured    bool
	checksums     bool
	stopRequested bool
	destroyed     bool
	sched         *timectrl.Scheduler
	fault         error
	nextMAC       uint64

	channels []*Channel
	nodes    []*Node
	devices  []*Device
	bridges  []*Bridge
	readers  sync.WaitGroup
}

// New constructs an unconfigured engine.
func New(opts ...Option) *Simulator {
	s := &Simulator{
		log:        logging.Noop(),
		metrics:    noopRecorder{},
		opener:     tap.Open,
		queueLimit: DefaultQueueLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Configure selects real-time or accelerated pacing and whether IPv4 header
// checksums are verified. It must precede any channel or node creation.
func (s *Simulator) Configure(realtime, checksums bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return ErrDestroyed
	}
	if s.configured {
		return ErrConfigured
	}

	mode := timectrl.Accelerated
	if realtime {
		mode = timectrl.RealTime
	}
	s.sched = timectrl.NewScheduler(time.Unix(0, 0).UTC(), mode)
	if s.stopRequested {
		s.sched.Stop()
	}
	s.checksums = checksums
	s.configured = true
	return nil
}

// Clock exposes the engine's simulation clock. It is nil before Configure.
func (s *Simulator) Clock() timectrl.SimClock {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sched == nil {
		return nil
	}
	return s.sched
}

func (s *Simulator) readyLocked() error {
	if s.destroyed {
		return ErrDestroyed
	}
	if !s.configured {
		return ErrNotConfigured
	}
	return nil
}

// CreateBroadcastChannel creates a shared medium with the given propagation delay.
func (s *Simulator) CreateBroadcastChannel(delay time.Duration) (ChannelID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(); err != nil {
		return 0, err
	}
	if delay < 0 {
		return 0, fmt.Errorf("netsim: negative channel delay %s", delay)
	}

	id := ChannelID(len(s.channels))
	s.channels = append(s.channels, &Channel{
		id:       id,
		sim:      s,
		delay:    delay,
		dataRate: s.dataRate,
	})
	return id, nil
}

// CreateNodes creates count nodes and returns their IDs in creation order.
func (s *Simulator) CreateNodes(count int) ([]NodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(); err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, fmt.Errorf("netsim: node count must be positive, got %d", count)
	}
	if count > MaxNodes-len(s.nodes) {
		return nil, fmt.Errorf("netsim: %d nodes would exceed the limit of %d", len(s.nodes)+count, MaxNodes)
	}

	ids := make([]NodeID, 0, count)
	for i := 0; i < count; i++ {
		id := NodeID(len(s.nodes))
		s.nodes = append(s.nodes, &Node{id: id})
		ids = append(ids, id)
	}
	return ids, nil
}

// Attach installs a new device on node and connects it to channel ch.
func (s *Simulator) Attach(node NodeID, ch ChannelID) (DeviceID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(); err != nil {
		return 0, err
	}
	n, err := s.nodeLocked(node)
	if err != nil {
		return 0, err
	}
	c, err := s.channelLocked(ch)
	if err != nil {
		return 0, err
	}

	s.nextMAC++
	dev := &Device{
		id:      DeviceID(len(s.devices)),
		node:    n,
		channel: c,
		mac:     allocateMAC(s.nextMAC),
	}
	s.devices = append(s.devices, dev)
	n.devices = append(n.devices, dev)
	c.devices = append(c.devices, dev)
	return dev.id, nil
}

// Bridge connects device dev of node to the host TAP interface ifName. The
// interface is opened immediately; frames start flowing once Run is entered.
func (s *Simulator) Bridge(node NodeID, dev DeviceID, ifName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(); err != nil {
		return err
	}
	n, err := s.nodeLocked(node)
	if err != nil {
		return err
	}
	d, err := s.deviceLocked(dev)
	if err != nil {
		return err
	}
	if d.node != n {
		return fmt.Errorf("%w: device %d is not installed on node %d", ErrUnknownDevice, dev, node)
	}
	if d.bridge != nil {
		return fmt.Errorf("%w: device %d -> %s", ErrAlreadyBridged, dev, d.bridge.Name())
	}

	iface, err := s.opener(ifName)
	if err != nil {
		return fmt.Errorf("netsim: bridge %s: %w", ifName, err)
	}
	b := &Bridge{sim: s, dev: d, iface: iface}
	d.bridge = b
	s.bridges = append(s.bridges, b)

	s.log.Debug(context.Background(), "bridged device to tap",
		logging.Int("node", int(node)),
		logging.String("mac", d.mac.String()),
		logging.String("interface", ifName),
	)
	return nil
}

// Run executes the simulation until ctx is done, Stop is called, or a bridge
// fails. Only a bridge failure is returned as an error.
func (s *Simulator) Run(ctx context.Context) error {
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	sched := s.sched
	for _, b := range s.bridges {
		s.readers.Add(1)
		go b.readLoop()
	}
	bridges := len(s.bridges)
	s.mu.Unlock()

	s.log.Info(ctx, "simulation running",
		logging.String("mode", sched.Mode().String()),
		logging.Int("nodes", len(s.nodes)),
		logging.Int("bridges", bridges),
	)

	err := sched.Run(ctx)

	s.mu.Lock()
	fault := s.fault
	s.mu.Unlock()

	if fault != nil {
		return fault
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	s.log.Info(ctx, "simulation stopped")
	return nil
}

// Stop asks Run to return. It is idempotent, safe from any goroutine, and
// safe before Configure or Run.
func (s *Simulator) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopRequested = true
	if s.sched != nil {
		s.sched.Stop()
	}
}

// Destroy stops the engine, closes every TAP interface, waits for the bridge
// readers to exit and drops the topology. Safe to call when Run was never
// entered; later calls are no-ops.
func (s *Simulator) Destroy() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	s.stopRequested = true
	if s.sched != nil {
		s.sched.Stop()
	}
	bridges := s.bridges
	s.mu.Unlock()

	var errs []error
	for _, b := range bridges {
		if err := b.close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", b.Name(), err))
		}
	}
	s.readers.Wait()

	s.mu.Lock()
	s.channels = nil
	s.nodes = nil
	s.devices = nil
	s.bridges = nil
	s.mu.Unlock()

	return errors.Join(errs...)
}

// reportFault records the first bridge failure and stops the run loop.
func (s *Simulator) reportFault(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fault == nil {
		s.fault = err
	}
	if s.sched != nil {
		s.sched.Stop()
	}
}

func (s *Simulator) scheduler() *timectrl.Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sched
}

func (s *Simulator) nodeLocked(id NodeID) (*Node, error) {
	if id < 0 || int(id) >= len(s.nodes) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	return s.nodes[id], nil
}

func (s *Simulator) channelLocked(id ChannelID) (*Channel, error) {
	if id < 0 || int(id) >= len(s.channels) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChannel, id)
	}
	return s.channels[id], nil
}

func (s *Simulator) deviceLocked(id DeviceID) (*Device, error) {
	if id < 0 || int(id) >= len(s.devices) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDevice, id)
	}
	return s.devices[id], nil
}

// allocateMAC returns a locally administered unicast address 02:00:xx:xx:xx:xx.
func allocateMAC(n uint64) net.HardwareAddr {
	return net.HardwareAddr{0x02, 0x00, byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
}

// Node is a simulated host. It owns the devices installed on it.
type Node struct {
	id      NodeID
	devices []*Device
}
