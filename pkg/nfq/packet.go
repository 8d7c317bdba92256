package nfq

import (
	"fmt"
	"time"

	"github.com/mazdakn/uqueue/pkg/driver"
	"github.com/mazdakn/uqueue/pkg/frame"
)

type packetState uint8

const (
	packetValid packetState = iota
	packetInvalidated
)

// mutations are the changes a consumer made to a packet. They are written
// into the frame only when the verdict is issued.
type mutations struct {
	payloadSet bool
	mark       uint32
	markSet    bool
	vlan       frame.VLAN
	vlanSet    bool
}

func (m *mutations) mangle() driver.Mangle {
	var bits driver.Mangle
	if m.payloadSet {
		bits |= driver.ManglePayload
	}
	if m.markSet {
		bits |= driver.MangleMark
	}
	if m.vlanSet {
		bits |= driver.MangleVLAN
	}
	return bits
}

// Packet is one queued packet. It must be given exactly one verdict, from a
// single goroutine; every method fails with ErrInvalidPacket afterwards.
type Packet struct {
	conn  *Connection
	slot  int
	state packetState

	cache   []byte
	cached  bool
	pending mutations
}

func newPacket(conn *Connection, f *frame.Frame) *Packet {
	return &Packet{
		conn: conn,
		slot: f.Index(),
	}
}

func (p *Packet) frame() (*frame.Frame, error) {
	if p.state == packetInvalidated {
		return nil, ErrInvalidPacket
	}
	return p.conn.pool.Frame(p.slot)
}

// Payload returns the packet bytes. They are copied out of the frame on the
// first call and cached; later calls return the cache, or the bytes given to
// SetPayload.
func (p *Packet) Payload() ([]byte, error) {
	f, err := p.frame()
	if err != nil {
		return nil, err
	}
	if p.cached {
		return p.cache, nil
	}
	if f.Truncated() {
		return nil, ErrPayloadTruncated
	}
	p.cache = append([]byte(nil), f.Payload()...)
	p.cached = true
	return p.cache, nil
}

// SetPayload replaces the packet bytes sent back with the verdict. b is
// copied.
func (p *Packet) SetPayload(b []byte) error {
	if p.state == packetInvalidated {
		return ErrInvalidPacket
	}
	p.cache = append([]byte(nil), b...)
	p.cached = true
	p.pending.payloadSet = true
	return nil
}

// ClearPayload drops a pending payload change and the cached bytes.
func (p *Packet) ClearPayload() error {
	if p.state == packetInvalidated {
		return ErrInvalidPacket
	}
	p.cache = nil
	p.cached = true
	p.pending.payloadSet = false
	return nil
}

func (p *Packet) ID() (uint32, error) {
	f, err := p.frame()
	if err != nil {
		return 0, err
	}
	return f.ID, nil
}

func (p *Packet) Queue() (uint16, error) {
	f, err := p.frame()
	if err != nil {
		return 0, err
	}
	return f.Queue, nil
}

// HwProtocol is the link layer protocol (ethertype) of the packet.
func (p *Packet) HwProtocol() (uint16, error) {
	f, err := p.frame()
	if err != nil {
		return 0, err
	}
	return f.HwProtocol, nil
}

// Hook is the netfilter hook the packet was queued from.
func (p *Packet) Hook() (uint8, error) {
	f, err := p.frame()
	if err != nil {
		return 0, err
	}
	return f.Hook, nil
}

// Mark returns the pending mark if one was set, else the packet's mark. The
// bool is false when the packet carries no mark.
func (p *Packet) Mark() (uint32, bool, error) {
	f, err := p.frame()
	if err != nil {
		return 0, false, err
	}
	if p.pending.markSet {
		return p.pending.mark, true, nil
	}
	return f.Mark, f.HasMark, nil
}

func (p *Packet) SetMark(mark uint32) error {
	if p.state == packetInvalidated {
		return ErrInvalidPacket
	}
	p.pending.mark = mark
	p.pending.markSet = true
	return nil
}

func (p *Packet) VLAN() (frame.VLAN, bool, error) {
	f, err := p.frame()
	if err != nil {
		return frame.VLAN{}, false, err
	}
	if p.pending.vlanSet {
		return p.pending.vlan, true, nil
	}
	return f.VLAN, f.HasVLAN, nil
}

func (p *Packet) SetVLAN(v frame.VLAN) error {
	if p.state == packetInvalidated {
		return ErrInvalidPacket
	}
	p.pending.vlan = v
	p.pending.vlanSet = true
	return nil
}

func (p *Packet) Timestamp() (time.Time, error) {
	f, err := p.frame()
	if err != nil {
		return time.Time{}, err
	}
	return f.Timestamp, nil
}

func (p *Packet) InDev() (uint32, error) {
	f, err := p.frame()
	if err != nil {
		return 0, err
	}
	return f.InDev, nil
}

func (p *Packet) OutDev() (uint32, error) {
	f, err := p.frame()
	if err != nil {
		return 0, err
	}
	return f.OutDev, nil
}

// CapLen is the original packet length when the kernel truncated the copy,
// and zero otherwise.
func (p *Packet) CapLen() (uint32, error) {
	f, err := p.frame()
	if err != nil {
		return 0, err
	}
	return f.CapLen, nil
}

// Pending returns the mangle bits of the changes made so far.
func (p *Packet) Pending() driver.Mangle {
	return p.pending.mangle()
}

func (p *Packet) Accept(mangle ...driver.Mangle) error {
	var m driver.Mangle
	for _, bits := range mangle {
		m |= bits
	}
	return p.Verdict(driver.Accept, m)
}

func (p *Packet) Drop() error {
	return p.Verdict(driver.Drop, driver.MangleNone)
}

// Mangle accepts the packet with all pending changes applied.
func (p *Packet) Mangle() error {
	return p.Verdict(driver.Accept, p.pending.mangle())
}

// Verdict hands the packet back to the kernel. Changes are applied only for
// the attributes named in m. The frame returns to the pool whatever the
// outcome, and the packet can't be used afterwards.
func (p *Packet) Verdict(v driver.Verdict, m driver.Mangle) error {
	f, err := p.frame()
	if err != nil {
		return err
	}

	// With the payload bit the cached bytes are sent, even when empty.
	if m.Has(driver.ManglePayload) && p.cached {
		f.SetOutPayload(p.cache)
	}
	if m.Has(driver.MangleMark) && p.pending.markSet {
		f.Mark = p.pending.mark
		f.HasMark = true
	}
	if m.Has(driver.MangleVLAN) && p.pending.vlanSet {
		f.VLAN = p.pending.vlan
		f.HasVLAN = true
	}

	id, queue := f.ID, f.Queue
	delivered, verr := p.conn.setVerdict(f, v, m)
	p.conn.recycle(f)
	p.conn.metrics.Verdict(v.String(), verr)

	p.state = packetInvalidated
	p.cache = nil
	p.cached = false
	p.pending = mutations{}

	if !delivered {
		p.conn.log.Debugf("Connection closed, verdict %v for packet %v not delivered", v, id)
	}
	if verr != nil {
		return transportError(fmt.Sprintf("verdict %v for packet %v", v, id), queue, verr)
	}
	return nil
}
