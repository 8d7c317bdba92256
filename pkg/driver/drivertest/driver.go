// Package drivertest provides a scripted in-memory driver for tests.
package drivertest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/mazdakn/uqueue/pkg/driver"
	"github.com/mazdakn/uqueue/pkg/frame"
)

// ErrClosed is returned by Receive once the driver is closed.
var ErrClosed = errors.New("drivertest: driver closed")

// headerLen is the size of the fake wire header written ahead of the payload:
// id(4) queue(2) hwproto(2) hook(1) flags(1) mark(4) caplen(4).
const headerLen = 18

const flagMark = 1

// Packet is one fake kernel packet.
type Packet struct {
	ID         uint32
	Queue      uint16
	HwProtocol uint16
	Hook       uint8
	Mark       uint32
	HasMark    bool
	CapLen     uint32
	Payload    []byte
	// Corrupt makes Parse fail for this packet.
	Corrupt bool
}

// Step is the outcome of one Receive call: either a batch of packets or an
// error.
type Step struct {
	Packets []Packet
	Err     error
}

// Verdict records one SetVerdict call.
type Verdict struct {
	ID      uint32
	Queue   uint16
	Verdict driver.Verdict
	Mangle  driver.Mangle
	Payload []byte
	Mark    uint32
	VLAN    frame.VLAN
}

type Mode struct {
	MaxLen uint32
	Mode   driver.CopyMode
}

type Driver struct {
	steps  chan Step
	closed chan struct{}
	once   sync.Once

	mu         sync.Mutex
	bound      map[uint16]bool
	modes      map[uint16]Mode
	maxLens    map[uint16]uint32
	flags      map[uint16]driver.QueueFlag
	verdicts   []Verdict
	verdictErr error
	controlErr error
	receives   int
}

func New() *Driver {
	return &Driver{
		steps:   make(chan Step, 1024),
		closed:  make(chan struct{}),
		bound:   make(map[uint16]bool),
		modes:   make(map[uint16]Mode),
		maxLens: make(map[uint16]uint32),
		flags:   make(map[uint16]driver.QueueFlag),
	}
}

// Push queues the result of a future Receive call.
func (d *Driver) Push(s Step) {
	d.steps <- s
}

// PushSequential queues batches of packets on queue whose IDs increase by
// one, starting at first. It returns the next unused ID.
func (d *Driver) PushSequential(queue uint16, batches, perBatch int, first uint32) uint32 {
	id := first
	for b := 0; b < batches; b++ {
		pkts := make([]Packet, perBatch)
		for i := range pkts {
			pkts[i] = Packet{
				ID:         id,
				Queue:      queue,
				HwProtocol: 0x0800,
				Payload:    []byte(fmt.Sprintf("packet-%d", id)),
			}
			id++
		}
		d.Push(Step{Packets: pkts})
	}
	return id
}

// FailVerdicts makes every following SetVerdict return err.
func (d *Driver) FailVerdicts(err error) {
	d.mu.Lock()
	d.verdictErr = err
	d.mu.Unlock()
}

// FailControl makes every following bind, unbind and mode call return err.
func (d *Driver) FailControl(err error) {
	d.mu.Lock()
	d.controlErr = err
	d.mu.Unlock()
}

func (d *Driver) Bind(queue uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.controlErr != nil {
		return d.controlErr
	}
	d.bound[queue] = true
	return nil
}

func (d *Driver) Unbind(queue uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.controlErr != nil {
		return d.controlErr
	}
	delete(d.bound, queue)
	return nil
}

func (d *Driver) SetMode(queue uint16, maxLen uint32, mode driver.CopyMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.controlErr != nil {
		return d.controlErr
	}
	d.modes[queue] = Mode{MaxLen: maxLen, Mode: mode}
	return nil
}

func (d *Driver) SetQueueMaxLen(queue uint16, n uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.controlErr != nil {
		return d.controlErr
	}
	d.maxLens[queue] = n
	return nil
}

func (d *Driver) SetFlags(queue uint16, mask, flags driver.QueueFlag) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.controlErr != nil {
		return d.controlErr
	}
	d.flags[queue] = d.flags[queue]&^mask | flags&mask
	return nil
}

func (d *Driver) Receive(frames []*frame.Frame) (int, error) {
	select {
	case <-d.closed:
		return 0, ErrClosed
	default:
	}

	var s Step
	select {
	case s = <-d.steps:
	case <-d.closed:
		return 0, ErrClosed
	}

	d.mu.Lock()
	d.receives++
	d.mu.Unlock()

	if s.Err != nil {
		return 0, s.Err
	}
	if len(s.Packets) > len(frames) {
		return 0, fmt.Errorf("step of %v packets exceeds batch of %v frames", len(s.Packets), len(frames))
	}
	for i, p := range s.Packets {
		encode(frames[i], p)
	}
	return len(s.Packets), nil
}

func encode(f *frame.Frame, p Packet) {
	b := f.Buf
	binary.BigEndian.PutUint32(b[0:4], p.ID)
	binary.BigEndian.PutUint16(b[4:6], p.Queue)
	binary.BigEndian.PutUint16(b[6:8], p.HwProtocol)
	b[8] = p.Hook
	b[9] = 0
	if p.HasMark {
		b[9] |= flagMark
	}
	binary.BigEndian.PutUint32(b[10:14], p.Mark)
	binary.BigEndian.PutUint32(b[14:18], p.CapLen)
	n := copy(b[headerLen:], p.Payload)
	f.Len = headerLen + n
	if p.Corrupt {
		f.Len = headerLen - 1
	}
}

func (d *Driver) Parse(f *frame.Frame) error {
	if f.Len < headerLen {
		return fmt.Errorf("short frame of %v bytes", f.Len)
	}
	b := f.Buf
	f.ID = binary.BigEndian.Uint32(b[0:4])
	f.Queue = binary.BigEndian.Uint16(b[4:6])
	f.HwProtocol = binary.BigEndian.Uint16(b[6:8])
	f.Hook = b[8]
	f.HasMark = b[9]&flagMark != 0
	f.Mark = binary.BigEndian.Uint32(b[10:14])
	f.CapLen = binary.BigEndian.Uint32(b[14:18])
	return f.SetPayload(headerLen, f.Len-headerLen)
}

func (d *Driver) SetVerdict(f *frame.Frame, v driver.Verdict, m driver.Mangle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.verdicts = append(d.verdicts, Verdict{
		ID:      f.ID,
		Queue:   f.Queue,
		Verdict: v,
		Mangle:  m,
		Payload: append([]byte(nil), f.Payload()...),
		Mark:    f.Mark,
		VLAN:    f.VLAN,
	})
	return d.verdictErr
}

func (d *Driver) Close() error {
	d.once.Do(func() {
		close(d.closed)
	})
	return nil
}

func (d *Driver) Verdicts() []Verdict {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Verdict(nil), d.verdicts...)
}

func (d *Driver) Bound(queue uint16) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bound[queue]
}

func (d *Driver) Mode(queue uint16) (Mode, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.modes[queue]
	return m, ok
}

func (d *Driver) MaxLen(queue uint16) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxLens[queue]
}

func (d *Driver) Flags(queue uint16) driver.QueueFlag {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flags[queue]
}

func (d *Driver) Receives() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.receives
}

func (d *Driver) Closed() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}
