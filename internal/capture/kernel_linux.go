//go:build linux

package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/pkg/errors"
	"golang.org/x/net/bpf"

	"github.com/gachacap/gachacap/internal/logger"
)

// KernelBackend captures through a single AF_PACKET ring with a kernel-side
// BPF program restricted to the session port pair. Unlike the multi-device
// backend there is exactly one OS session: if it dies, the error surfaces
// verbatim on the next poll and the backend is done.
type KernelBackend struct {
	tpacket   *afpacket.TPacket
	packets   chan packetItem
	done      chan struct{}
	closeOnce sync.Once
	log       *logger.Logger
}

func newKernelBackend() (Backend, error) {
	return newKernel(logger.GetLogger())
}

func newKernel(log *logger.Logger) (*KernelBackend, error) {
	filter, err := compileKernelFilter()
	if err != nil {
		return nil, err
	}

	tpacket, err := afpacket.NewTPacket()
	if err != nil {
		return nil, &SessionError{HasCaptured: false, Cause: errors.Wrap(err, "opening AF_PACKET session")}
	}

	if err := tpacket.SetBPF(filter); err != nil {
		tpacket.Close()
		return nil, &FilterError{Cause: errors.Wrap(err, "installing kernel filter")}
	}

	b := &KernelBackend{
		tpacket: tpacket,
		packets: make(chan packetItem, 1024),
		done:    make(chan struct{}),
		log:     log,
	}
	go b.readLoop()

	log.Info("[capture] kernel capture session open, filter: %s", FilterExpression())
	return b, nil
}

// compileKernelFilter compiles the session filter into raw BPF instructions.
// Each port's expression is compiled on its own first: if either port cannot
// be filtered the whole backend fails, never a partial install.
func compileKernelFilter() ([]bpf.RawInstruction, error) {
	for _, port := range []uint16{PortRangeStart, PortRangeEnd} {
		expr := fmt.Sprintf("udp and port %d", port)
		if _, err := pcap.CompileBPFFilter(layers.LinkTypeEthernet, snapLen, expr); err != nil {
			return nil, &FilterError{Cause: errors.Wrapf(err, "compiling filter %q", expr)}
		}
	}

	instructions, err := pcap.CompileBPFFilter(layers.LinkTypeEthernet, snapLen, FilterExpression())
	if err != nil {
		return nil, &FilterError{Cause: errors.Wrapf(err, "compiling filter %q", FilterExpression())}
	}

	raw := make([]bpf.RawInstruction, len(instructions))
	for i, ins := range instructions {
		raw[i] = bpf.RawInstruction{Op: ins.Code, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	return raw, nil
}

// readLoop drains the ring and pushes UDP payloads onto the queue. It owns
// the queue: the channel is closed on exit so the consumer sees
// ErrCaptureClosed after the terminal item.
func (b *KernelBackend) readLoop() {
	defer close(b.packets)

	hasCaptured := false
	for {
		data, _, err := b.tpacket.ZeroCopyReadPacketData()
		if err != nil {
			if err == afpacket.ErrTimeout {
				continue
			}
			if b.closed() {
				b.log.Info("[capture] kernel read loop ending (has_captured: %t): session closed", hasCaptured)
				return
			}
			b.log.Info("[capture] kernel read loop ending (has_captured: %t): %v", hasCaptured, err)
			select {
			case b.packets <- packetItem{err: &SessionError{HasCaptured: hasCaptured, Cause: err}}:
			case <-b.done:
			}
			return
		}

		payload, ok := udpPayload(data)
		if !ok {
			continue
		}
		hasCaptured = true

		select {
		case b.packets <- packetItem{data: payload}:
		case <-b.done:
			b.log.Info("[capture] kernel read loop ending (has_captured: %t): %v", hasCaptured, ErrChannelClosed)
			return
		}
	}
}

func (b *KernelBackend) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// NextPacket returns the UDP payload of the next matching frame, the
// session's terminal error, or ErrCaptureClosed once the stream has ended.
func (b *KernelBackend) NextPacket(ctx context.Context) ([]byte, error) {
	return awaitPacket(ctx, b.packets)
}

// Close tears down the AF_PACKET session, unblocking the read loop.
func (b *KernelBackend) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.tpacket.Close()
	})
}
