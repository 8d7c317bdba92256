package packet

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	. "github.com/onsi/gomega"
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	Expect(gopacket.SerializeLayers(buf, opts, ls...)).To(Succeed())
	return buf.Bytes()
}

func udp4(t *testing.T) []byte {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	udp := &layers.UDP{SrcPort: 5353, DstPort: 53}
	Expect(udp.SetNetworkLayerForChecksum(ip)).To(Succeed())
	return serialize(t, ip, udp, gopacket.Payload([]byte("query")))
}

func TestParseUDPv4(t *testing.T) {
	RegisterTestingT(t)
	b := udp4(t)
	pkt, err := Parse(b)
	Expect(err).NotTo(HaveOccurred())
	Expect(pkt.Version()).To(Equal(uint8(4)))
	Expect(pkt.SrcAddr().Equal(net.IPv4(10, 0, 0, 1))).To(BeTrue())
	Expect(pkt.DstAddr().Equal(net.IPv4(10, 0, 0, 2))).To(BeTrue())
	Expect(pkt.Protocol()).To(Equal(byte(17)))
	Expect(pkt.SrcPort()).To(Equal(uint16(5353)))
	Expect(pkt.DstPort()).To(Equal(uint16(53)))
	Expect(pkt.Len()).To(Equal(len(b)))
	Expect(pkt.Tuple()).To(Equal("udp 10.0.0.1:5353-10.0.0.2:53"))
	Expect(pkt.String()).To(HavePrefix("udp(10.0.0.1:5353 -> 10.0.0.2:53)"))
}

func TestParseTCPv6(t *testing.T) {
	RegisterTestingT(t)
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolTCP,
		SrcIP:      net.ParseIP("2001:db8::1"),
		DstIP:      net.ParseIP("2001:db8::2"),
	}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 443, SYN: true, Window: 1024}
	Expect(tcp.SetNetworkLayerForChecksum(ip)).To(Succeed())

	pkt, err := NewDecoder().Decode(serialize(t, ip, tcp))
	Expect(err).NotTo(HaveOccurred())
	Expect(pkt.Version()).To(Equal(uint8(6)))
	Expect(pkt.Protocol()).To(Equal(byte(6)))
	Expect(pkt.DstPort()).To(Equal(uint16(443)))
	Expect(pkt.Tuple()).To(Equal("tcp 2001:db8::1:40000-2001:db8::2:443"))
}

func TestParseICMP(t *testing.T) {
	RegisterTestingT(t)
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.IPv4(192, 168, 1, 1),
		DstIP:    net.IPv4(192, 168, 1, 2),
	}
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)}
	pkt, err := Parse(serialize(t, ip, icmp))
	Expect(err).NotTo(HaveOccurred())
	Expect(pkt.SrcPort()).To(BeZero())
	Expect(pkt.Tuple()).To(Equal("icmp 192.168.1.1-192.168.1.2"))
}

func TestParseShort(t *testing.T) {
	RegisterTestingT(t)
	_, err := Parse(make([]byte, 19))
	Expect(err).To(HaveOccurred())

	b := make([]byte, 30)
	b[0] = 0x60
	_, err = Parse(b)
	Expect(err).To(HaveOccurred())

	b[0] = 0x20
	_, err = Parse(b)
	Expect(err).To(HaveOccurred())
}

func TestDecoderReuse(t *testing.T) {
	RegisterTestingT(t)
	d := NewDecoder()
	first, err := d.Decode(udp4(t))
	Expect(err).NotTo(HaveOccurred())
	Expect(first.DstPort()).To(Equal(uint16(53)))

	second, err := d.Decode(udp4(t))
	Expect(err).NotTo(HaveOccurred())
	Expect(second.Tuple()).To(Equal(first.Tuple()))
}
