// Package capture acquires the raw UDP packets of a live game session.
//
// Two backends exist: a single kernel capture session (Linux AF_PACKET) and a
// multi-device pcap backend that captures on every connected interface at
// once. Both deliver opaque packet bytes through NextPacket; interpreting
// them is the protocol decoder's job.
package capture

import (
	"context"
	"fmt"
	"runtime"
)

// The game session speaks UDP on this fixed port pair.
const (
	PortRangeStart uint16 = 22101
	PortRangeEnd   uint16 = 22102
)

const snapLen = 65536

// FilterExpression is the BPF expression restricting capture to session
// traffic.
func FilterExpression() string {
	return fmt.Sprintf("udp and portrange %d-%d", PortRangeStart, PortRangeEnd)
}

// Backend is one strategy for obtaining raw packets from the OS.
//
// NextPacket blocks until a packet arrives, the session fails, or ctx ends.
// It is safe to call in a loop from a single consumer; concurrent callers are
// not supported. Once it returns ErrCaptureClosed or a terminal error the
// backend must not be polled again.
type Backend interface {
	NextPacket(ctx context.Context) ([]byte, error)
	Close()
}

// Kind selects a capture backend at construction time. There is no runtime
// fallback between kinds: a failed constructor is reported to the caller.
type Kind string

const (
	// KindKernel is the single kernel-session backend (Linux only).
	KindKernel Kind = "kernel"
	// KindMultiDevice captures on every connected pcap device.
	KindMultiDevice Kind = "multidevice"
)

// DefaultKind returns the preferred backend for this platform.
func DefaultKind() Kind {
	if runtime.GOOS == "linux" {
		return KindKernel
	}
	return KindMultiDevice
}

// ParseKind converts a config/CLI value to a Kind. An empty value selects
// the platform default.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "":
		return DefaultKind(), nil
	case string(KindKernel):
		return KindKernel, nil
	case string(KindMultiDevice):
		return KindMultiDevice, nil
	default:
		return "", fmt.Errorf("unknown capture backend %q (want %q or %q)", s, KindKernel, KindMultiDevice)
	}
}

// New constructs the selected backend.
func New(kind Kind) (Backend, error) {
	switch kind {
	case KindKernel:
		return newKernelBackend()
	case KindMultiDevice:
		return NewMultiDevice()
	default:
		return nil, fmt.Errorf("unknown capture backend %q", kind)
	}
}

// DeviceDescriptor describes an enumerated network interface. It is used for
// device selection and logging only and is not retained after construction.
type DeviceDescriptor struct {
	Name        string
	Description string
	Up          bool
	Running     bool
	Loopback    bool
	AddrCount   int
}

func (d DeviceDescriptor) String() string {
	desc := d.Description
	if desc == "" {
		desc = "none"
	}
	return fmt.Sprintf("%s (desc %s)", d.Name, desc)
}

// shouldCapture reports whether a device looks like a live candidate.
// Excluding down, address-less, and loopback devices up front cuts the noisy
// setup failures from virtual and inactive adapters.
func (d DeviceDescriptor) shouldCapture() bool {
	return d.Up && d.Running && !d.Loopback && d.AddrCount > 0
}

// packetItem is one fan-in queue entry: a packet or a device loop's terminal
// error.
type packetItem struct {
	data []byte
	err  error
}

// awaitPacket implements the shared NextPacket contract over a fan-in queue.
func awaitPacket(ctx context.Context, packets <-chan packetItem) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case item, ok := <-packets:
		if !ok {
			return nil, ErrCaptureClosed
		}
		if item.err != nil {
			return nil, item.err
		}
		return item.data, nil
	}
}
