package frame

import (
	"fmt"
	"time"
)

type State uint8

const (
	StateFree State = iota
	StateLoaned
	StatePublished
	StateRetired
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateLoaned:
		return "loaned"
	case StatePublished:
		return "published"
	case StateRetired:
		return "retired"
	}
	return "unknown"
}

// VLAN is the 802.1Q tag reported with (or set on) a queued packet.
type VLAN struct {
	Proto uint16
	TCI   uint16
}

// Frame is one fixed-capacity receive buffer plus the packet attributes the
// driver decoded into it. Frames are owned by a Pool and addressed by Index.
type Frame struct {
	index int
	state State

	// Buf is the raw storage. Its length never changes after allocation.
	Buf []byte
	// Len is the number of bytes of Buf filled by the last receive.
	Len int
	// Overrun is set by the driver when the received message did not fit Buf.
	Overrun bool

	Queue      uint16
	ID         uint32
	HwProtocol uint16
	Hook       uint8

	Mark    uint32
	HasMark bool

	Timestamp  time.Time
	InDev      uint32
	OutDev     uint32
	PhysInDev  uint32
	PhysOutDev uint32
	HwAddr     []byte

	// CapLen is the original packet length. The kernel only reports it when
	// the copy to user space was truncated.
	CapLen uint32

	Conntrack []byte
	CtInfo    uint32
	Expect    []byte

	VLAN    VLAN
	HasVLAN bool

	UID, GID       uint32
	HasUID, HasGID bool

	payload []byte
	out     []byte
	hasOut  bool
}

func (f *Frame) Index() int {
	return f.index
}

func (f *Frame) State() State {
	return f.state
}

// Data returns the filled part of Buf.
func (f *Frame) Data() []byte {
	return f.Buf[:f.Len]
}

// SetPayload records where the packet payload lives inside Buf.
func (f *Frame) SetPayload(off, n int) error {
	if off < 0 || n < 0 || off+n > f.Len {
		return fmt.Errorf("payload region [%v:%v] outside frame data of length %v", off, off+n, f.Len)
	}
	f.payload = f.Buf[off : off+n]
	return nil
}

// AttachPayload records a payload the driver decoded outside of Buf.
func (f *Frame) AttachPayload(b []byte) {
	f.payload = b
}

// Payload returns the received payload, or the outgoing payload if one was
// set. The returned slice may alias frame memory.
func (f *Frame) Payload() []byte {
	if f.hasOut {
		return f.out
	}
	return f.payload
}

// PayloadLen is the recorded length of the payload that will be sent back.
func (f *Frame) PayloadLen() int {
	return len(f.Payload())
}

// Truncated reports whether the kernel copied less than the full packet.
func (f *Frame) Truncated() bool {
	return f.CapLen != 0 && int(f.CapLen) > len(f.payload)
}

// SetOutPayload replaces the payload that is handed back to the kernel with
// the verdict. When it fits, the bytes are copied into Buf right after the
// received data so the frame keeps owning the memory.
func (f *Frame) SetOutPayload(b []byte) {
	if f.Len+len(b) <= len(f.Buf) {
		n := copy(f.Buf[f.Len:], b)
		f.out = f.Buf[f.Len : f.Len+n]
	} else {
		f.out = append([]byte(nil), b...)
	}
	f.hasOut = true
}

// Reset clears everything but the buffer.
func (f *Frame) Reset() {
	buf, index, state := f.Buf, f.index, f.state
	*f = Frame{Buf: buf, index: index, state: state}
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame(%v) queue: %v id: %v hook: %v proto: 0x%04x len: %v state: %v",
		f.index, f.Queue, f.ID, f.Hook, f.HwProtocol, f.PayloadLen(), f.state)
}
