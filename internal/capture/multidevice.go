package capture

import (
	"context"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/pkg/errors"

	"github.com/gachacap/gachacap/internal/logger"
)

// libpcap interface flag bits (pcap.Interface.Flags).
const (
	pcapIfLoopback = 0x1
	pcapIfUp       = 0x2
	pcapIfRunning  = 0x4
)

// deviceReader is the blocking read surface of one opened capture handle.
// *pcap.Handle satisfies it; tests substitute fakes.
type deviceReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	Close()
}

type listDevicesFunc func() ([]DeviceDescriptor, error)
type openDeviceFunc func(name string) (deviceReader, error)

// MultiDeviceBackend captures on every connected device at once. The right
// interface is not knowable in advance (VPNs, virtual adapters, multiple
// NICs), so it tries them all and silently discards the ones that fail.
// One goroutine per device feeds a shared queue read by NextPacket.
type MultiDeviceBackend struct {
	packets   chan packetItem
	done      chan struct{}
	closeOnce sync.Once
	log       *logger.Logger
}

// NewMultiDevice enumerates pcap devices and starts a capture loop on each
// device that accepts the session filter. It fails only when enumeration
// itself fails or no device at all could be opened.
func NewMultiDevice() (*MultiDeviceBackend, error) {
	return newMultiDevice(pcapDevices, openPcapDevice, logger.GetLogger())
}

func newMultiDevice(list listDevicesFunc, open openDeviceFunc, log *logger.Logger) (*MultiDeviceBackend, error) {
	devices, err := list()
	if err != nil {
		return nil, &SessionError{HasCaptured: false, Cause: errors.Wrap(err, "enumerating capture devices")}
	}

	log.Info("[capture] found %d available devices", len(devices))
	for i, device := range devices {
		log.Debug("[capture] available device %d/%d: %s", i+1, len(devices), device)
	}

	type openedDevice struct {
		name   string
		reader deviceReader
	}

	// Per-device setup failures (permissions, driver quirks) are expected;
	// a device that fails here is dropped, not escalated.
	var opened []openedDevice
	for _, device := range devices {
		if !device.shouldCapture() {
			log.Info("[capture] excluded device %s from capture", device)
			continue
		}
		reader, err := open(device.Name)
		if err != nil {
			log.Debug("[capture] setup failed on device %s, skipping: %v", device, err)
			continue
		}
		opened = append(opened, openedDevice{name: device.Name, reader: reader})
	}

	if len(opened) == 0 {
		return nil, &SessionError{HasCaptured: false, Cause: errors.New("no capture device available")}
	}

	log.Info("[capture] capturing on %d devices:", len(opened))
	for i, dev := range opened {
		log.Info("[capture] capture device %d/%d: %s", i+1, len(opened), dev.name)
	}

	b := &MultiDeviceBackend{
		packets: make(chan packetItem, 1024),
		done:    make(chan struct{}),
		log:     log,
	}

	var wg sync.WaitGroup
	for _, dev := range opened {
		wg.Add(1)
		go b.packetLoop(dev.name, dev.reader, &wg)
	}
	// Once every device loop has exited, close the queue so the consumer
	// observes ErrCaptureClosed after draining.
	go func() {
		wg.Wait()
		close(b.packets)
	}()

	return b, nil
}

// packetLoop blocking-reads from one device and pushes onto the shared
// queue. A closed done channel means the consumer went away: the loop exits
// without emitting anything. A read error emits exactly one SessionError
// carrying whether this device ever delivered a packet, then exits; the
// other device loops are unaffected.
func (b *MultiDeviceBackend) packetLoop(name string, reader deviceReader, wg *sync.WaitGroup) {
	defer wg.Done()
	defer reader.Close()

	hasCaptured := false
	for {
		data, _, err := reader.ReadPacketData()
		if err != nil {
			b.log.Info("[capture] packet loop for device %s ending (has_captured: %t): %v", name, hasCaptured, err)
			select {
			case b.packets <- packetItem{err: &SessionError{HasCaptured: hasCaptured, Cause: err}}:
			case <-b.done:
			}
			return
		}
		hasCaptured = true

		// Handles may reuse their read buffer; the queue owns a copy.
		buf := make([]byte, len(data))
		copy(buf, data)

		select {
		case b.packets <- packetItem{data: buf}:
		case <-b.done:
			b.log.Info("[capture] packet loop for device %s ending (has_captured: %t): %v", name, hasCaptured, ErrChannelClosed)
			return
		}
	}
}

// NextPacket returns the next packet from any device, a device's terminal
// error, or ErrCaptureClosed once every device loop has ended.
func (b *MultiDeviceBackend) NextPacket(ctx context.Context) ([]byte, error) {
	return awaitPacket(ctx, b.packets)
}

// Close signals every device loop to exit. Loops blocked inside a device
// read finish on their next packet or read error.
func (b *MultiDeviceBackend) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}

func pcapDevices() ([]DeviceDescriptor, error) {
	devices, err := pcap.FindAllDevs()
	if err != nil {
		return nil, err
	}
	out := make([]DeviceDescriptor, 0, len(devices))
	for _, d := range devices {
		out = append(out, DeviceDescriptor{
			Name:        d.Name,
			Description: d.Description,
			Up:          d.Flags&pcapIfUp != 0,
			Running:     d.Flags&pcapIfRunning != 0,
			Loopback:    d.Flags&pcapIfLoopback != 0,
			AddrCount:   len(d.Addresses),
		})
	}
	return out, nil
}

// openPcapDevice opens one device in immediate-delivery mode and installs
// the session filter. Session traffic is bursty; immediate mode skips the
// kernel-side buffering delay.
func openPcapDevice(name string) (deviceReader, error) {
	inactive, err := pcap.NewInactiveHandle(name)
	if err != nil {
		return nil, &SessionError{HasCaptured: false, Cause: errors.Wrapf(err, "creating handle for %s", name)}
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(snapLen); err != nil {
		return nil, &SessionError{HasCaptured: false, Cause: errors.Wrap(err, "setting snap length")}
	}
	if err := inactive.SetImmediateMode(true); err != nil {
		return nil, &SessionError{HasCaptured: false, Cause: errors.Wrap(err, "setting immediate mode")}
	}
	if err := inactive.SetTimeout(pcap.BlockForever); err != nil {
		return nil, &SessionError{HasCaptured: false, Cause: errors.Wrap(err, "setting timeout")}
	}

	handle, err := inactive.Activate()
	if err != nil {
		return nil, &SessionError{HasCaptured: false, Cause: errors.Wrapf(err, "activating capture on %s", name)}
	}

	if err := handle.SetBPFFilter(FilterExpression()); err != nil {
		handle.Close()
		return nil, &FilterError{Cause: errors.Wrapf(err, "installing filter on %s", name)}
	}

	return handle, nil
}
