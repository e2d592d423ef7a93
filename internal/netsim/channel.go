package netsim

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/signalsfoundry/tapsim/internal/logging"
	"github.com/signalsfoundry/tapsim/internal/tap"
)

const (
	ethHeaderLen  = 14
	etherTypeIPv4 = 0x0800
)

// Channel is a shared broadcast medium. Transmissions serialize on the
// medium; a frame reaches every other attached device delay after its
// transmission ends.
type Channel struct {
	id       ChannelID
	sim      *Simulator
	delay    time.Duration
	dataRate int64
	devices  []*Device

	busyUntil time.Time
}

// Delay reports the propagation delay.
func (c *Channel) Delay() time.Duration { return c.delay }

// txTime is the time a frame of n bytes occupies the medium.
func (c *Channel) txTime(n int) time.Duration {
	if c.dataRate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * 8 * int64(time.Second) / c.dataRate)
}

// transmit runs on the scheduler goroutine.
func (c *Channel) transmit(src *Device, frame []byte) {
	sim := c.sim
	sched := sim.scheduler()

	if src.pending >= sim.queueLimit {
		sim.metrics.FrameDropped(DropQueueFull)
		return
	}
	src.pending++

	now := sched.Now()
	start := now
	if c.busyUntil.After(now) {
		start = c.busyUntil
	}
	end := start.Add(c.txTime(len(frame)))
	c.busyUntil = end

	sched.Schedule(end, func() {
		src.pending--
		sim.metrics.FrameTransmitted()
	})
	sched.Schedule(end.Add(c.delay), func() {
		for _, dev := range c.devices {
			if dev == src {
				continue
			}
			dev.receive(frame)
		}
	})
}

// Device is a node's attachment to a channel.
type Device struct {
	id      DeviceID
	node    *Node
	channel *Channel
	mac     net.HardwareAddr
	bridge  *Bridge

	// hostMAC is the source address seen on frames from the bridged TAP.
	// Until it is known every frame on the channel is forwarded to the host.
	hostMAC net.HardwareAddr
	pending int
}

// MAC returns the device's own address.
func (d *Device) MAC() net.HardwareAddr { return d.mac }

// send runs on the scheduler goroutine with a frame read from the bridge.
func (d *Device) send(frame []byte) {
	sim := d.channel.sim
	if len(frame) < ethHeaderLen {
		sim.metrics.FrameDropped(DropRunt)
		return
	}
	if sim.checksums && !ipv4HeaderValid(frame) {
		sim.metrics.FrameDropped(DropBadChecksum)
		return
	}
	if src := net.HardwareAddr(frame[6:12]); !bytes.Equal(src, d.hostMAC) {
		d.hostMAC = append(net.HardwareAddr(nil), src...)
	}
	d.channel.transmit(d, frame)
}

// receive runs on the scheduler goroutine for every frame on the channel.
func (d *Device) receive(frame []byte) {
	if !d.accepts(frame) {
		return
	}
	sim := d.channel.sim
	sim.metrics.FrameDelivered()
	if d.bridge == nil {
		return
	}
	if _, err := d.bridge.iface.Write(frame); err != nil {
		sim.metrics.FrameDropped(DropWriteFailed)
		sim.log.Debug(context.Background(), "tap write failed",
			logging.String("interface", d.bridge.Name()),
			logging.Error(err),
		)
	}
}

// accepts filters unicast frames addressed to some other host once the
// bridged host's address has been learned.
func (d *Device) accepts(frame []byte) bool {
	if len(frame) < ethHeaderLen {
		return false
	}
	dst := frame[0:6]
	if dst[0]&0x01 != 0 || d.hostMAC == nil {
		return true
	}
	return bytes.Equal(dst, d.hostMAC) || bytes.Equal(dst, d.mac)
}

// Bridge moves frames between a device and a host TAP interface.
type Bridge struct {
	sim   *Simulator
	dev   *Device
	iface tap.Interface

	mu     sync.Mutex
	closed bool
}

// Name returns the TAP interface name.
func (b *Bridge) Name() string { return b.iface.Name() }

// readLoop copies frames from the TAP onto the scheduler until the bridge is
// closed. Any other read error is reported as an engine fault.
func (b *Bridge) readLoop() {
	defer b.sim.readers.Done()

	sched := b.sim.scheduler()
	buf := make([]byte, tap.MaxFrameSize)
	for {
		n, err := b.iface.Read(buf)
		if err != nil {
			if b.isClosed() {
				return
			}
			b.sim.reportFault(&BridgeError{Interface: b.Name(), Err: err})
			return
		}
		frame := append([]byte(nil), buf[:n]...)
		sched.Schedule(sched.Now(), func() { b.dev.send(frame) })
	}
}

func (b *Bridge) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bridge) close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.iface.Close()
}

// BridgeError reports a TAP interface that failed while the engine ran.
type BridgeError struct {
	Interface string
	Err       error
}

func (e *BridgeError) Error() string {
	return "netsim: bridge " + e.Interface + ": " + e.Err.Error()
}

func (e *BridgeError) Unwrap() error { return e.Err }

// IsBridgeError reports whether err wraps a BridgeError.
func IsBridgeError(err error) bool {
	var be *BridgeError
	return errors.As(err, &be)
}

// ipv4HeaderValid reports whether frame is not IPv4 or carries an IPv4
// header whose checksum verifies.
func ipv4HeaderValid(frame []byte) bool {
	if binary.BigEndian.Uint16(frame[12:14]) != etherTypeIPv4 {
		return true
	}
	ip := frame[ethHeaderLen:]
	if len(ip) < 20 {
		return false
	}
	ihl := int(ip[0]&0x0f) * 4
	if ihl < 20 || len(ip) < ihl {
		return false
	}
	return internetChecksum(ip[:ihl]) == 0
}

// internetChecksum is the RFC 1071 ones' complement sum.
func internetChecksum(b []byte) uint16 {
	var sum uint32
	for len(b) >= 2 {
		sum += uint32(binary.BigEndian.Uint16(b))
		b = b[2:]
	}
	if len(b) == 1 {
		sum += uint32(b[0]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
