package pcap

import (
	"slices"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	streamio "github.com/hed1ad/streamguard/pkg/io"
)

// Feature positions in an extracted vector.
const (
	featPacketSize = iota
	featInterArrival
	featProtocol
	featSrcPort
	featDstPort
	featTCPFlags
	featTTL
	featPayloadSize
	numFeatures
)

var featureNames = [numFeatures]string{
	featPacketSize:   "packet_size",
	featInterArrival: "inter_arrival_time",
	featProtocol:     "protocol",
	featSrcPort:      "src_port",
	featDstPort:      "dst_port",
	featTCPFlags:     "tcp_flags",
	featTTL:          "ip_ttl",
	featPayloadSize:  "payload_size",
}

// IANA protocol numbers.
const (
	protoICMP   = 1
	protoTCP    = 6
	protoUDP    = 17
	protoICMPv6 = 58
)

// FeatureExtractor extracts numerical features from network packets. It
// keeps the previous capture timestamp, so one extractor serves one stream.
type FeatureExtractor struct {
	lastTimestamp time.Time
}

var _ streamio.FeatureExtractor[gopacket.Packet] = (*FeatureExtractor)(nil)

// NewFeatureExtractor creates a new packet feature extractor.
func NewFeatureExtractor() *FeatureExtractor {
	return &FeatureExtractor{}
}

// Extract converts a packet to a feature vector of packet size, seconds
// since the previous packet, protocol number, ports, TCP flags, IP TTL and
// payload size.
func (e *FeatureExtractor) Extract(packet gopacket.Packet) []float64 {
	features := make([]float64, numFeatures)
	features[featPacketSize] = float64(len(packet.Data()))

	if md := packet.Metadata(); md != nil && !md.Timestamp.IsZero() {
		if !e.lastTimestamp.IsZero() {
			features[featInterArrival] = md.Timestamp.Sub(e.lastTimestamp).Seconds()
		}
		e.lastTimestamp = md.Timestamp
	}

	switch t := packet.TransportLayer().(type) {
	case *layers.TCP:
		features[featProtocol] = protoTCP
		features[featSrcPort] = float64(t.SrcPort)
		features[featDstPort] = float64(t.DstPort)
		features[featTCPFlags] = tcpFlags(t)
	case *layers.UDP:
		features[featProtocol] = protoUDP
		features[featSrcPort] = float64(t.SrcPort)
		features[featDstPort] = float64(t.DstPort)
	default:
		if packet.Layer(layers.LayerTypeICMPv4) != nil {
			features[featProtocol] = protoICMP
		} else if packet.Layer(layers.LayerTypeICMPv6) != nil {
			features[featProtocol] = protoICMPv6
		}
	}

	switch ip := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		features[featTTL] = float64(ip.TTL)
	case *layers.IPv6:
		features[featTTL] = float64(ip.HopLimit)
	}

	if app := packet.ApplicationLayer(); app != nil {
		features[featPayloadSize] = float64(len(app.Payload()))
	}

	return features
}

// FeatureNames returns the names of extracted features.
func (e *FeatureExtractor) FeatureNames() []string {
	return slices.Clone(featureNames[:])
}

// tcpFlags encodes the TCP control bits as a bit set.
func tcpFlags(tcp *layers.TCP) float64 {
	var flags uint8
	for i, set := range []bool{tcp.SYN, tcp.ACK, tcp.FIN, tcp.RST, tcp.PSH, tcp.URG} {
		if set {
			flags |= 1 << i
		}
	}
	return float64(flags)
}
