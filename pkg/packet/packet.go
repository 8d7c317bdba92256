// Package packet decodes the network and transport headers of a queued
// packet's payload.
package packet

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/sys/unix"
)

type Packet struct {
	Bytes []byte

	version  uint8
	src, dst net.IP
	proto    byte
	srcPort  uint16
	dstPort  uint16
	hasPorts bool
}

// Decoder reuses its layers between calls and must not be shared between
// goroutines.
type Decoder struct {
	ipv4Parser *gopacket.DecodingLayerParser
	ipv6Parser *gopacket.DecodingLayerParser
	decoded    []gopacket.LayerType

	ipv4Layer    layers.IPv4
	ipv6Layer    layers.IPv6
	tcpLayer     layers.TCP
	udpLayer     layers.UDP
	icmp4Layer   layers.ICMPv4
	icmp6Layer   layers.ICMPv6
	payloadLayer gopacket.Payload
}

func NewDecoder() *Decoder {
	d := &Decoder{decoded: make([]gopacket.LayerType, 0, 4)}
	decoders := []gopacket.DecodingLayer{
		&d.ipv4Layer, &d.ipv6Layer, &d.tcpLayer, &d.udpLayer,
		&d.icmp4Layer, &d.icmp6Layer, &d.payloadLayer,
	}
	d.ipv4Parser = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, decoders...)
	d.ipv4Parser.IgnoreUnsupported = true
	d.ipv6Parser = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv6, decoders...)
	d.ipv6Parser.IgnoreUnsupported = true
	return d
}

// Parse decodes b, which starts at the IP header. The returned packet
// refers to b.
func Parse(b []byte) (*Packet, error) {
	return NewDecoder().Decode(b)
}

func (d *Decoder) Decode(b []byte) (*Packet, error) {
	// At least 20 bytes (IPv4 header length) is needed
	if len(b) < 20 {
		return nil, fmt.Errorf("Short packet length=%v", len(b))
	}
	p := &Packet{Bytes: b, version: b[0] >> 4}

	var parser *gopacket.DecodingLayerParser
	switch p.version {
	case 4:
		parser = d.ipv4Parser
	case 6:
		if len(b) < 40 {
			return nil, fmt.Errorf("Short ipv6 packet length=%v", len(b))
		}
		parser = d.ipv6Parser
	default:
		return nil, fmt.Errorf("unknown ip version %v", p.version)
	}

	if err := parser.DecodeLayers(b, &d.decoded); err != nil {
		return nil, fmt.Errorf("failed to decode packet - err: %w", err)
	}
	for _, layerType := range d.decoded {
		switch layerType {
		case layers.LayerTypeIPv4:
			p.src, p.dst = d.ipv4Layer.SrcIP, d.ipv4Layer.DstIP
			p.proto = byte(d.ipv4Layer.Protocol)
		case layers.LayerTypeIPv6:
			p.src, p.dst = d.ipv6Layer.SrcIP, d.ipv6Layer.DstIP
			p.proto = byte(d.ipv6Layer.NextHeader)
		case layers.LayerTypeTCP:
			p.srcPort, p.dstPort = uint16(d.tcpLayer.SrcPort), uint16(d.tcpLayer.DstPort)
			p.hasPorts = true
		case layers.LayerTypeUDP:
			p.srcPort, p.dstPort = uint16(d.udpLayer.SrcPort), uint16(d.udpLayer.DstPort)
			p.hasPorts = true
		}
	}
	if p.src == nil {
		return nil, fmt.Errorf("no ip header in packet of length=%v", len(b))
	}
	return p, nil
}

func (p Packet) Len() int {
	return len(p.Bytes)
}

func (p Packet) Version() uint8 {
	return p.version
}

func (p Packet) SrcAddr() net.IP {
	return p.src
}

func (p Packet) DstAddr() net.IP {
	return p.dst
}

func (p Packet) Protocol() byte {
	return p.proto
}

// SrcPort is zero unless the packet is TCP or UDP.
func (p Packet) SrcPort() uint16 {
	return p.srcPort
}

func (p Packet) DstPort() uint16 {
	return p.dstPort
}

func protoName(proto byte) string {
	switch proto {
	case unix.IPPROTO_UDP:
		return "udp"
	case unix.IPPROTO_TCP:
		return "tcp"
	case unix.IPPROTO_ICMP:
		return "icmp"
	case unix.IPPROTO_ICMPV6:
		return "icmp6"
	}
	return fmt.Sprintf("proto-%v", proto)
}

// Tuple identifies the flow the packet belongs to.
func (p Packet) Tuple() string {
	if p.hasPorts {
		return fmt.Sprintf("%v %v:%v-%v:%v", protoName(p.proto), p.src, p.srcPort, p.dst, p.dstPort)
	}
	return fmt.Sprintf("%v %v-%v", protoName(p.proto), p.src, p.dst)
}

func (p Packet) String() string {
	if p.hasPorts {
		return fmt.Sprintf("%v(%v:%v -> %v:%v) len: %v",
			protoName(p.proto), p.src, p.srcPort, p.dst, p.dstPort, p.Len())
	}
	return fmt.Sprintf("%v(%v -> %v) len: %v", protoName(p.proto), p.src, p.dst, p.Len())
}
