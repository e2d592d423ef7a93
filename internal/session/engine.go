package session

import (
	"context"
	"fmt"
	"time"

	"github.com/signalsfoundry/tapsim/internal/netsim"
)

// Engine is the network engine a session drives. A fresh Engine is built
// for every session and is torn down by the worker that ran it.
type Engine interface {
	Configure(realtime, checksums bool) error
	CreateBroadcastChannel(delay time.Duration) (netsim.ChannelID, error)
	CreateNodes(count int) ([]netsim.NodeID, error)
	Attach(node netsim.NodeID, ch netsim.ChannelID) (netsim.DeviceID, error)
	Bridge(node netsim.NodeID, dev netsim.DeviceID, ifName string) error

	// Run blocks until ctx is done or Stop is called.
	Run(ctx context.Context) error
	// Stop is idempotent and safe from any goroutine.
	Stop()
	// Destroy releases every engine resource. It is safe when Run was never
	// entered.
	Destroy() error
}

// EngineFactory builds the engine for a new session.
type EngineFactory func() (Engine, error)

var _ Engine = (*netsim.Simulator)(nil)

// NetsimFactory returns a factory building netsim engines with opts.
func NetsimFactory(opts ...netsim.Option) EngineFactory {
	return func() (Engine, error) {
		return netsim.New(opts...), nil
	}
}

// InterfaceName is the host TAP interface bridged to endpoint i.
func InterfaceName(i int) string {
	return fmt.Sprintf("tap%d-ns", i)
}
