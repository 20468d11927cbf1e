package capture

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// udpPayload extracts the UDP payload from a link-layer frame. Frames that
// do not parse as UDP are dropped; the kernel filter only matches session
// traffic, so anything else is truncation noise.
func udpPayload(frame []byte) ([]byte, bool) {
	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return nil, false
	}
	udp, ok := udpLayer.(*layers.UDP)
	if !ok || len(udp.Payload) == 0 {
		return nil, false
	}

	// The parsed packet references the ring's frame buffer; the consumer
	// owns a copy.
	payload := make([]byte, len(udp.Payload))
	copy(payload, udp.Payload)
	return payload, true
}
