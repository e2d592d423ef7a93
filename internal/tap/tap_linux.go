//go:build linux

package tap

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const cloneDevice = "/dev/net/tun"

type device struct {
	*os.File
	name string
}

func (d *device) Name() string { return d.name }

// Open attaches to the existing TAP interface name without packet info
// headers, so reads and writes carry bare Ethernet frames. The descriptor is
// non-blocking and owned by the runtime poller, which lets Close interrupt a
// blocked Read.
func Open(name string) (Interface, error) {
	if len(name) >= unix.IFNAMSIZ {
		return nil, fmt.Errorf("tap: interface name %q longer than %d bytes", name, unix.IFNAMSIZ-1)
	}

	fd, err := unix.Open(cloneDevice, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("tap: open %s: %w", cloneDevice, err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tap: %s: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tap: attach %s: %w", name, err)
	}

	return &device{File: os.NewFile(uintptr(fd), cloneDevice), name: name}, nil
}
