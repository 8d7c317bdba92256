//go:build linux

package netlink

import (
	"encoding/binary"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mazdakn/uqueue/pkg/driver"
	"github.com/mazdakn/uqueue/pkg/frame"
	"github.com/mdlayher/netlink"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// socket is the part of *netlink.Conn the driver uses.
type socket interface {
	Send(m netlink.Message) (netlink.Message, error)
	Receive() ([]netlink.Message, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Driver talks to the kernel over a single socket. The kernel only accepts
// config requests and verdicts from the socket that bound the queue, so
// control requests share it with Receive: a request interrupts the reader,
// reads its own ack and keeps any packets it reads on the way.
type Driver struct {
	conn socket
	cfg  Config
	log  *logrus.Entry

	// readMu serializes socket reads.
	readMu sync.Mutex
	// Packet messages read but not yet handed out, when a single read
	// returned more than a batch or a control request read them.
	pending  []netlink.Message
	overflow bool

	ctrlMu      sync.Mutex
	controlling atomic.Bool
}

func Open(cfg Config) (*Driver, error) {
	conn, err := netlink.Dial(unix.NETLINK_NETFILTER, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open netfilter socket")
	}
	if cfg.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(cfg.ReadBuffer); err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "failed to set receive buffer to %v", cfg.ReadBuffer)
		}
	}
	return newDriver(conn, cfg), nil
}

func newDriver(conn socket, cfg Config) *Driver {
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = DefaultControlTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.WithField("component", "netlink")
	}
	return &Driver{
		conn: conn,
		cfg:  cfg,
		log:  log,
	}
}

func headerType(msg uint16) netlink.HeaderType {
	return netlink.HeaderType(subsysQueue<<8 | msg)
}

func nfgenmsg(queue uint16) []byte {
	b := make([]byte, nfgenmsgLen)
	b[0] = unix.AF_UNSPEC
	b[1] = unix.NFNETLINK_V0
	binary.BigEndian.PutUint16(b[2:4], queue)
	return b
}

func newEncoder() *netlink.AttributeEncoder {
	ae := netlink.NewAttributeEncoder()
	ae.ByteOrder = binary.BigEndian
	return ae
}

func (d *Driver) configure(queue uint16, op string, encode func(ae *netlink.AttributeEncoder)) error {
	ae := newEncoder()
	encode(ae)
	attrs, err := ae.Encode()
	if err != nil {
		return errors.Wrapf(err, "failed to encode %v", op)
	}
	msg := netlink.Message{
		Header: netlink.Header{
			Type:  headerType(msgConfig),
			Flags: netlink.Request | netlink.Acknowledge,
		},
		Data: append(nfgenmsg(queue), attrs...),
	}

	d.ctrlMu.Lock()
	defer d.ctrlMu.Unlock()
	d.controlling.Store(true)
	defer d.controlling.Store(false)
	// Wake a reader blocked on the socket.
	if err := d.conn.SetReadDeadline(time.Now()); err != nil {
		return errors.Wrapf(err, "%v: failed to interrupt reader", op)
	}
	d.readMu.Lock()
	defer d.readMu.Unlock()

	req, err := d.conn.Send(msg)
	if err != nil {
		return errors.Wrapf(err, "%v", op)
	}
	if err := d.waitAck(req); err != nil {
		return errors.Wrapf(err, "%v", op)
	}
	return nil
}

// waitAck reads until the ack for req arrives. Packet messages read meanwhile
// are queued for Receive. Must be called with readMu held.
func (d *Driver) waitAck(req netlink.Message) error {
	if err := d.conn.SetReadDeadline(time.Now().Add(d.cfg.ControlTimeout)); err != nil {
		return errors.Wrap(err, "failed to set read deadline")
	}
	for {
		msgs, err := d.conn.Receive()
		if err != nil {
			switch {
			case errors.Is(err, unix.ENOENT):
				// Late verdict, not ours.
				continue
			case errors.Is(err, unix.ENOBUFS):
				d.overflow = true
				continue
			}
			return err
		}

		acked := false
		for _, m := range msgs {
			switch {
			case m.Header.Type == netlink.Error && m.Header.Sequence == req.Header.Sequence:
				acked = true
			case m.Header.Type == headerType(msgPacket):
				d.pending = append(d.pending, m)
			}
		}
		if acked {
			return nil
		}
	}
}

func command(cmd uint8) []byte {
	// struct nfqnl_msg_config_cmd: command, pad, pf
	return []byte{cmd, 0, 0, 0}
}

func (d *Driver) Bind(queue uint16) error {
	return d.configure(queue, "bind", func(ae *netlink.AttributeEncoder) {
		ae.Bytes(attrCfgCmd, command(cmdBind))
	})
}

func (d *Driver) Unbind(queue uint16) error {
	return d.configure(queue, "unbind", func(ae *netlink.AttributeEncoder) {
		ae.Bytes(attrCfgCmd, command(cmdUnbind))
	})
}

func (d *Driver) SetMode(queue uint16, maxLen uint32, mode driver.CopyMode) error {
	// struct nfqnl_msg_config_params: copy_range, copy_mode (packed)
	params := make([]byte, 5)
	binary.BigEndian.PutUint32(params[0:4], maxLen)
	params[4] = uint8(mode)
	return d.configure(queue, "set mode", func(ae *netlink.AttributeEncoder) {
		ae.Bytes(attrCfgParams, params)
	})
}

func (d *Driver) SetQueueMaxLen(queue uint16, n uint32) error {
	return d.configure(queue, "set queue maxlen", func(ae *netlink.AttributeEncoder) {
		ae.Uint32(attrCfgQueueMaxLen, n)
	})
}

func (d *Driver) SetFlags(queue uint16, mask, flags driver.QueueFlag) error {
	return d.configure(queue, "set flags", func(ae *netlink.AttributeEncoder) {
		ae.Uint32(attrCfgFlags, uint32(flags))
		ae.Uint32(attrCfgMask, uint32(mask))
	})
}

// Receive copies queued packet messages into the loaned frames. One socket
// read may return more messages than frames; the rest are kept for the next
// call.
func (d *Driver) Receive(frames []*frame.Frame) (int, error) {
	if d.controlling.Load() {
		// Wait for the control request to finish.
		d.ctrlMu.Lock()
		d.ctrlMu.Unlock()
		return 0, driver.ErrWouldBlock
	}

	d.readMu.Lock()
	defer d.readMu.Unlock()
	if d.overflow {
		d.overflow = false
		return 0, driver.ErrQueueOverflow
	}
	if len(d.pending) == 0 {
		var deadline time.Time
		if d.cfg.ReadTimeout > 0 {
			deadline = time.Now().Add(d.cfg.ReadTimeout)
		}
		if err := d.conn.SetReadDeadline(deadline); err != nil {
			return 0, errors.Wrap(err, "failed to set read deadline")
		}
		// A control request that started after the check above has already
		// moved the deadline; one that started before it is caught here.
		if d.controlling.Load() {
			return 0, driver.ErrWouldBlock
		}
		msgs, err := d.conn.Receive()
		if err != nil {
			return 0, classify(err)
		}
		d.pending = msgs
	}

	num := 0
	for num < len(frames) && len(d.pending) > 0 {
		msg := d.pending[0]
		d.pending = d.pending[1:]
		if msg.Header.Type != headerType(msgPacket) {
			d.log.Debugf("Ignoring netlink message of type %v", msg.Header.Type)
			continue
		}
		f := frames[num]
		f.Len = copy(f.Buf, msg.Data)
		f.Overrun = f.Len < len(msg.Data)
		num++
	}
	if num == 0 {
		return 0, driver.ErrWouldBlock
	}
	return num, nil
}

func classify(err error) error {
	var nerr net.Error
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return driver.ErrWouldBlock
	case errors.As(err, &nerr) && nerr.Timeout():
		return driver.ErrWouldBlock
	case errors.Is(err, unix.ENOBUFS):
		return driver.ErrQueueOverflow
	case errors.Is(err, unix.EINTR), errors.Is(err, unix.EAGAIN):
		return driver.ErrWouldBlock
	case errors.Is(err, unix.ENOENT):
		// Error reply to a verdict for a packet the kernel no longer holds.
		return driver.ErrWouldBlock
	}
	return errors.Wrap(err, "failed to receive from netfilter socket")
}

func (d *Driver) Parse(f *frame.Frame) error {
	if f.Overrun {
		return errors.Errorf("message does not fit frame buffer of %v bytes", len(f.Buf))
	}
	data := f.Data()
	if len(data) < nfgenmsgLen {
		return errors.Errorf("short message of %v bytes", len(data))
	}
	f.Queue = binary.BigEndian.Uint16(data[2:4])

	ad, err := netlink.NewAttributeDecoder(data[nfgenmsgLen:])
	if err != nil {
		return errors.Wrap(err, "failed to decode attributes")
	}
	ad.ByteOrder = binary.BigEndian

	var hasHeader bool
	for ad.Next() {
		switch ad.Type() {
		case attrPacketHdr:
			// struct nfqnl_msg_packet_hdr: packet_id, hw_protocol, hook
			b := ad.Bytes()
			if len(b) < 7 {
				return errors.Errorf("short packet header of %v bytes", len(b))
			}
			f.ID = binary.BigEndian.Uint32(b[0:4])
			f.HwProtocol = binary.BigEndian.Uint16(b[4:6])
			f.Hook = b[6]
			hasHeader = true
		case attrMark:
			f.Mark = ad.Uint32()
			f.HasMark = true
		case attrTimestamp:
			// struct nfqnl_msg_packet_timestamp: sec, usec
			b := ad.Bytes()
			if len(b) >= 16 {
				sec := int64(binary.BigEndian.Uint64(b[0:8]))
				usec := int64(binary.BigEndian.Uint64(b[8:16]))
				f.Timestamp = time.Unix(sec, usec*int64(time.Microsecond))
			}
		case attrInDev:
			f.InDev = ad.Uint32()
		case attrOutDev:
			f.OutDev = ad.Uint32()
		case attrPhysInDev:
			f.PhysInDev = ad.Uint32()
		case attrPhysOutDev:
			f.PhysOutDev = ad.Uint32()
		case attrHwAddr:
			// struct nfqnl_msg_packet_hw: hw_addrlen, pad, hw_addr[8]
			b := ad.Bytes()
			if len(b) >= 4 {
				n := int(binary.BigEndian.Uint16(b[0:2]))
				if n > len(b)-4 {
					n = len(b) - 4
				}
				f.HwAddr = b[4 : 4+n]
			}
		case attrPayload:
			f.AttachPayload(ad.Bytes())
		case attrCT:
			f.Conntrack = ad.Bytes()
		case attrCTInfo:
			f.CtInfo = ad.Uint32()
		case attrCapLen:
			f.CapLen = ad.Uint32()
		case attrExp:
			f.Expect = ad.Bytes()
		case attrUID:
			f.UID = ad.Uint32()
			f.HasUID = true
		case attrGID:
			f.GID = ad.Uint32()
			f.HasGID = true
		case attrVLAN:
			ad.Nested(func(nad *netlink.AttributeDecoder) error {
				nad.ByteOrder = binary.BigEndian
				for nad.Next() {
					switch nad.Type() {
					case attrVLANProto:
						f.VLAN.Proto = nad.Uint16()
					case attrVLANTCI:
						f.VLAN.TCI = nad.Uint16()
					}
				}
				f.HasVLAN = true
				return nil
			})
		}
	}
	if err := ad.Err(); err != nil {
		return errors.Wrap(err, "failed to decode attributes")
	}
	if !hasHeader {
		return errors.New("message has no packet header")
	}
	return nil
}

func (d *Driver) SetVerdict(f *frame.Frame, v driver.Verdict, m driver.Mangle) error {
	ae := newEncoder()
	// struct nfqnl_msg_verdict_hdr: verdict, id
	hdr := make([]byte, 8)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(v))
	binary.BigEndian.PutUint32(hdr[4:8], f.ID)
	ae.Bytes(attrVerdictHdr, hdr)

	if m.Has(driver.MangleMark) {
		ae.Uint32(attrMark, f.Mark)
	}
	if m.Has(driver.ManglePayload) {
		ae.Bytes(attrPayload, f.Payload())
	}
	if m.Has(driver.MangleConntrack) && len(f.Conntrack) > 0 {
		ae.Bytes(attrCT|unix.NLA_F_NESTED, f.Conntrack)
	}
	if m.Has(driver.MangleExpect) && len(f.Expect) > 0 {
		ae.Bytes(attrExp|unix.NLA_F_NESTED, f.Expect)
	}
	if m.Has(driver.MangleVLAN) && f.HasVLAN {
		ae.Nested(attrVLAN, func(nae *netlink.AttributeEncoder) error {
			nae.ByteOrder = binary.BigEndian
			nae.Uint16(attrVLANProto, f.VLAN.Proto)
			nae.Uint16(attrVLANTCI, f.VLAN.TCI)
			return nil
		})
	}

	attrs, err := ae.Encode()
	if err != nil {
		return errors.Wrapf(err, "failed to encode verdict for packet %v", f.ID)
	}
	msg := netlink.Message{
		Header: netlink.Header{
			Type:  headerType(msgVerdict),
			Flags: netlink.Request,
		},
		Data: append(nfgenmsg(f.Queue), attrs...),
	}
	if _, err := d.conn.Send(msg); err != nil {
		return errors.Wrapf(err, "failed to send verdict for packet %v", f.ID)
	}
	return nil
}

func (d *Driver) Close() error {
	return d.conn.Close()
}
