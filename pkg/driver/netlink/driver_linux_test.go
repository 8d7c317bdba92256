//go:build linux

package netlink

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/mazdakn/uqueue/pkg/driver"
	"github.com/mazdakn/uqueue/pkg/frame"
	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"github.com/mdlayher/netlink/nltest"
	. "github.com/onsi/gomega"
	"golang.org/x/sys/unix"
)

// fakeSocket is an in-memory netlink connection without deadline support.
type fakeSocket struct {
	*netlink.Conn
}

func (fakeSocket) SetReadDeadline(time.Time) error {
	return nil
}

func dial(fn nltest.Func) *Driver {
	return newDriver(fakeSocket{nltest.Dial(fn)}, Config{ControlTimeout: time.Second})
}

func ack(seq uint32) netlink.Message {
	return netlink.Message{
		Header: netlink.Header{Type: netlink.Error, Sequence: seq},
		Data:   nlenc.Int32Bytes(0),
	}
}

func errorReply(errno unix.Errno) netlink.Message {
	return netlink.Message{
		Header: netlink.Header{Type: netlink.Error},
		Data:   nlenc.Int32Bytes(-int32(errno)),
	}
}

func queuedPacket(queue uint16, id uint32) netlink.Message {
	return netlink.Message{
		Header: netlink.Header{Type: headerType(msgPacket)},
		Data: packetMessage(queue, func(ae *netlink.AttributeEncoder) {
			ae.Bytes(attrPacketHdr, packetHeader(id, 0x0800, 1))
			ae.Bytes(attrPayload, []byte("queued"))
		}),
	}
}

func packetMessage(queue uint16, encode func(ae *netlink.AttributeEncoder)) []byte {
	ae := newEncoder()
	encode(ae)
	attrs, err := ae.Encode()
	Expect(err).NotTo(HaveOccurred())
	return append(nfgenmsg(queue), attrs...)
}

func packetHeader(id uint32, proto uint16, hook uint8) []byte {
	b := make([]byte, 7)
	binary.BigEndian.PutUint32(b[0:4], id)
	binary.BigEndian.PutUint16(b[4:6], proto)
	b[6] = hook
	return b
}

func fill(data []byte) *frame.Frame {
	f := &frame.Frame{Buf: make([]byte, 4096)}
	f.Len = copy(f.Buf, data)
	return f
}

func TestParse(t *testing.T) {
	RegisterTestingT(t)
	data := packetMessage(7, func(ae *netlink.AttributeEncoder) {
		ae.Bytes(attrPacketHdr, packetHeader(42, 0x0800, 1))
		ae.Uint32(attrMark, 0x10)
		ae.Uint32(attrInDev, 2)
		ae.Uint32(attrCapLen, 1500)
		ae.Uint32(attrUID, 1000)
		ae.Bytes(attrPayload, []byte("ip packet"))
		ae.Nested(attrVLAN, func(nae *netlink.AttributeEncoder) error {
			nae.ByteOrder = binary.BigEndian
			nae.Uint16(attrVLANProto, 0x8100)
			nae.Uint16(attrVLANTCI, 12)
			return nil
		})
	})

	f := fill(data)
	d := &Driver{}
	Expect(d.Parse(f)).To(Succeed())
	Expect(f.Queue).To(Equal(uint16(7)))
	Expect(f.ID).To(Equal(uint32(42)))
	Expect(f.HwProtocol).To(Equal(uint16(0x0800)))
	Expect(f.Hook).To(Equal(uint8(1)))
	Expect(f.HasMark).To(BeTrue())
	Expect(f.Mark).To(Equal(uint32(0x10)))
	Expect(f.InDev).To(Equal(uint32(2)))
	Expect(f.HasUID).To(BeTrue())
	Expect(f.UID).To(Equal(uint32(1000)))
	Expect(string(f.Payload())).To(Equal("ip packet"))
	Expect(f.Truncated()).To(BeTrue())
	Expect(f.HasVLAN).To(BeTrue())
	Expect(f.VLAN).To(Equal(frame.VLAN{Proto: 0x8100, TCI: 12}))
}

func TestParseInvalid(t *testing.T) {
	RegisterTestingT(t)
	d := &Driver{}

	Expect(d.Parse(fill([]byte{0, 0}))).NotTo(Succeed())

	noHeader := packetMessage(1, func(ae *netlink.AttributeEncoder) {
		ae.Uint32(attrMark, 1)
	})
	Expect(d.Parse(fill(noHeader))).NotTo(Succeed())

	shortHeader := packetMessage(1, func(ae *netlink.AttributeEncoder) {
		ae.Bytes(attrPacketHdr, []byte{1, 2, 3})
	})
	Expect(d.Parse(fill(shortHeader))).NotTo(Succeed())

	overrun := fill(nil)
	overrun.Overrun = true
	Expect(d.Parse(overrun)).NotTo(Succeed())
}

func TestClassify(t *testing.T) {
	RegisterTestingT(t)
	Expect(classify(os.ErrDeadlineExceeded)).To(MatchError(driver.ErrWouldBlock))
	Expect(classify(&netlink.OpError{Op: "receive", Err: unix.EINTR})).To(MatchError(driver.ErrWouldBlock))
	Expect(classify(&netlink.OpError{Op: "receive", Err: unix.ENOBUFS})).To(MatchError(driver.ErrQueueOverflow))
	Expect(classify(unix.ENOENT)).To(MatchError(driver.ErrWouldBlock))

	err := classify(fmt.Errorf("wrapped: %w", unix.EBADF))
	Expect(err).NotTo(MatchError(driver.ErrWouldBlock))
	Expect(err).To(MatchError(unix.EBADF))
}

func TestHeaderType(t *testing.T) {
	RegisterTestingT(t)
	Expect(uint16(headerType(msgVerdict))).To(Equal(uint16(0x0301)))
	Expect(nfgenmsg(0x0102)).To(Equal([]byte{unix.AF_UNSPEC, unix.NFNETLINK_V0, 0x01, 0x02}))
}

func TestControlKeepsQueuedPackets(t *testing.T) {
	RegisterTestingT(t)
	var reqs []netlink.Message
	d := dial(func(in []netlink.Message) ([]netlink.Message, error) {
		if len(in) == 0 {
			return nil, io.EOF
		}
		reqs = append(reqs, in[0])
		return []netlink.Message{queuedPacket(4, 42), ack(in[0].Header.Sequence)}, nil
	})
	defer d.Close()

	Expect(d.Bind(4)).To(Succeed())
	Expect(reqs).To(HaveLen(1))
	Expect(reqs[0].Header.Type).To(Equal(headerType(msgConfig)))
	Expect(reqs[0].Header.Flags).To(Equal(netlink.Request | netlink.Acknowledge))

	frames := []*frame.Frame{{Buf: make([]byte, 4096)}, {Buf: make([]byte, 4096)}}
	n, err := d.Receive(frames)
	Expect(err).NotTo(HaveOccurred())
	Expect(n).To(Equal(1))
	Expect(d.Parse(frames[0])).To(Succeed())
	Expect(frames[0].Queue).To(Equal(uint16(4)))
	Expect(frames[0].ID).To(Equal(uint32(42)))
}

func TestControlWaitsForItsAck(t *testing.T) {
	RegisterTestingT(t)
	var seq uint32
	replies := 0
	d := dial(func(in []netlink.Message) ([]netlink.Message, error) {
		if len(in) > 0 {
			seq = in[0].Header.Sequence
			return []netlink.Message{queuedPacket(1, 7)}, nil
		}
		replies++
		switch replies {
		case 1:
			return nil, unix.ENOBUFS
		case 2:
			return []netlink.Message{errorReply(unix.ENOENT)}, nil
		case 3:
			return []netlink.Message{ack(seq + 100)}, nil
		}
		return []netlink.Message{ack(seq)}, nil
	})
	defer d.Close()

	Expect(d.SetQueueMaxLen(1, 128)).To(Succeed())
	Expect(replies).To(Equal(4))

	frames := []*frame.Frame{{Buf: make([]byte, 4096)}}
	_, err := d.Receive(frames)
	Expect(err).To(MatchError(driver.ErrQueueOverflow))
	n, err := d.Receive(frames)
	Expect(err).NotTo(HaveOccurred())
	Expect(n).To(Equal(1))
}

func TestControlError(t *testing.T) {
	RegisterTestingT(t)
	d := dial(func(in []netlink.Message) ([]netlink.Message, error) {
		if len(in) == 0 {
			return nil, io.EOF
		}
		return nltest.Error(int(unix.EPERM), in)
	})
	defer d.Close()

	err := d.Bind(2)
	Expect(err).To(MatchError(unix.EPERM))
	Expect(err.Error()).To(ContainSubstring("bind"))
}

func TestSetVerdictEncoding(t *testing.T) {
	RegisterTestingT(t)
	var sent []netlink.Message
	d := dial(func(in []netlink.Message) ([]netlink.Message, error) {
		sent = append(sent, in...)
		return nil, nil
	})
	defer d.Close()

	f := &frame.Frame{Buf: make([]byte, 64), Queue: 9, ID: 77}
	f.SetOutPayload([]byte("rewritten"))
	f.Mark = 0xbeef
	f.VLAN = frame.VLAN{Proto: 0x8100, TCI: 5}
	f.HasVLAN = true
	Expect(d.SetVerdict(f, driver.Drop, driver.ManglePayload|driver.MangleMark|driver.MangleVLAN)).To(Succeed())
	Expect(d.SetVerdict(f, driver.Accept, driver.MangleNone)).To(Succeed())
	Expect(sent).To(HaveLen(2))

	msg := sent[0]
	Expect(msg.Header.Type).To(Equal(headerType(msgVerdict)))
	Expect(msg.Data[:nfgenmsgLen]).To(Equal(nfgenmsg(9)))

	ad, err := netlink.NewAttributeDecoder(msg.Data[nfgenmsgLen:])
	Expect(err).NotTo(HaveOccurred())
	ad.ByteOrder = binary.BigEndian
	var (
		hdr     []byte
		mark    uint32
		payload []byte
		vlan    frame.VLAN
	)
	for ad.Next() {
		switch ad.Type() {
		case attrVerdictHdr:
			hdr = ad.Bytes()
		case attrMark:
			mark = ad.Uint32()
		case attrPayload:
			payload = ad.Bytes()
		case attrVLAN:
			ad.Nested(func(nad *netlink.AttributeDecoder) error {
				nad.ByteOrder = binary.BigEndian
				for nad.Next() {
					switch nad.Type() {
					case attrVLANProto:
						vlan.Proto = nad.Uint16()
					case attrVLANTCI:
						vlan.TCI = nad.Uint16()
					}
				}
				return nil
			})
		}
	}
	Expect(ad.Err()).NotTo(HaveOccurred())
	Expect(binary.BigEndian.Uint32(hdr[0:4])).To(Equal(uint32(driver.Drop)))
	Expect(binary.BigEndian.Uint32(hdr[4:8])).To(Equal(uint32(77)))
	Expect(mark).To(Equal(uint32(0xbeef)))
	Expect(string(payload)).To(Equal("rewritten"))
	Expect(vlan).To(Equal(frame.VLAN{Proto: 0x8100, TCI: 5}))

	// Without mangle bits only the verdict header is sent.
	ad, err = netlink.NewAttributeDecoder(sent[1].Data[nfgenmsgLen:])
	Expect(err).NotTo(HaveOccurred())
	var types []uint16
	for ad.Next() {
		types = append(types, ad.Type())
	}
	Expect(types).To(Equal([]uint16{attrVerdictHdr}))
}
