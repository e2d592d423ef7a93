// Package tap gives the engine access to pre-created virtual Ethernet (TAP)
// interfaces by name.
package tap

import (
	"errors"
	"io"
	"sync"
)

// ErrUnsupported is returned by Open on platforms without TUN/TAP support.
var ErrUnsupported = errors.New("tap: not supported on this platform")

// MaxFrameSize bounds a single read from an interface: a full Ethernet frame
// with a VLAN tag.
const MaxFrameSize = 1522

// Interface is an open TAP interface. Read returns one Ethernet frame per
// call; Write sends one frame. Close unblocks pending reads.
type Interface interface {
	io.ReadWriteCloser
	Name() string
}

// Opener opens the interface with the given name.
type Opener func(name string) (Interface, error)

// Pipe returns two connected in-memory interfaces. A frame written to one
// side is read from the other, which stands in for the host side of a TAP.
func Pipe(name string) (Interface, Interface) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	closed := make(chan struct{})
	once := &sync.Once{}
	engine := &pipeEnd{name: name, rx: ba, tx: ab, closed: closed, once: once}
	host := &pipeEnd{name: name, rx: ab, tx: ba, closed: closed, once: once}
	return engine, host
}

type pipeEnd struct {
	name   string
	rx     <-chan []byte
	tx     chan<- []byte
	closed chan struct{}
	once   *sync.Once
}

func (p *pipeEnd) Name() string { return p.name }

func (p *pipeEnd) Read(b []byte) (int, error) {
	select {
	case frame := <-p.rx:
		return copy(b, frame), nil
	case <-p.closed:
		return 0, io.EOF
	}
}

func (p *pipeEnd) Write(b []byte) (int, error) {
	frame := append([]byte(nil), b...)
	select {
	case <-p.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	select {
	case p.tx <- frame:
		return len(b), nil
	case <-p.closed:
		return 0, io.ErrClosedPipe
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
