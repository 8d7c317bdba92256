// Package driver defines the contract between the queue client and the
// transport that talks to the kernel, plus the kernel vocabulary both sides
// share: verdicts, copy modes, mangle bits and queue flags.
package driver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mazdakn/uqueue/pkg/frame"
)

// Verdict is the disposition handed back to the kernel for a queued packet.
type Verdict uint32

const (
	Drop Verdict = iota
	Accept
	Stolen
	Queue
	Repeat
	Stop
)

func (v Verdict) String() string {
	switch v {
	case Drop:
		return "drop"
	case Accept:
		return "accept"
	case Stolen:
		return "stolen"
	case Queue:
		return "queue"
	case Repeat:
		return "repeat"
	case Stop:
		return "stop"
	}
	return fmt.Sprintf("verdict(%d)", uint32(v))
}

// ParseVerdict is the inverse of Verdict.String.
func ParseVerdict(s string) (Verdict, error) {
	for v := Drop; v <= Stop; v++ {
		if strings.EqualFold(s, v.String()) {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unknown verdict %q", s)
}

// CopyMode controls how much of each packet the kernel copies to user space.
type CopyMode uint8

const (
	CopyNone CopyMode = iota
	CopyMeta
	CopyPacket
)

func (m CopyMode) String() string {
	switch m {
	case CopyNone:
		return "none"
	case CopyMeta:
		return "meta"
	case CopyPacket:
		return "packet"
	}
	return fmt.Sprintf("copymode(%d)", uint8(m))
}

func ParseCopyMode(s string) (CopyMode, error) {
	for m := CopyNone; m <= CopyPacket; m++ {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown copy mode %q", s)
}

// Mangle marks which packet attributes are sent back with a verdict.
type Mangle uint8

const (
	MangleMark Mangle = 1 << iota
	ManglePayload
	MangleConntrack
	MangleExpect
	MangleVLAN

	MangleNone Mangle = 0
)

func (m Mangle) Has(bits Mangle) bool {
	return m&bits == bits
}

func (m Mangle) String() string {
	if m == MangleNone {
		return "none"
	}
	var parts []string
	for _, b := range []struct {
		bit  Mangle
		name string
	}{
		{MangleMark, "mark"},
		{ManglePayload, "payload"},
		{MangleConntrack, "conntrack"},
		{MangleExpect, "expect"},
		{MangleVLAN, "vlan"},
	} {
		if m.Has(b.bit) {
			parts = append(parts, b.name)
		}
	}
	return strings.Join(parts, "|")
}

// QueueFlag is a per-queue kernel behaviour switch.
type QueueFlag uint32

const (
	FlagFailOpen QueueFlag = 1 << iota
	FlagConntrack
	FlagGSO
	FlagUIDGID
	FlagSecCtx
)

var queueFlagNames = map[string]QueueFlag{
	"fail-open": FlagFailOpen,
	"conntrack": FlagConntrack,
	"gso":       FlagGSO,
	"uid-gid":   FlagUIDGID,
	"secctx":    FlagSecCtx,
}

// ParseQueueFlags ORs together the named flags.
func ParseQueueFlags(names []string) (QueueFlag, error) {
	var flags QueueFlag
	for _, n := range names {
		f, ok := queueFlagNames[strings.ToLower(n)]
		if !ok {
			return 0, fmt.Errorf("unknown queue flag %q", n)
		}
		flags |= f
	}
	return flags, nil
}

// MaxPayload is the largest copy range the kernel accepts.
const MaxPayload = 0xffff

var (
	// ErrWouldBlock means a receive returned without data, e.g. on a read
	// deadline. The caller just tries again.
	ErrWouldBlock = errors.New("receive would block")
	// ErrQueueOverflow means the kernel dropped packets because the socket
	// receive buffer was full.
	ErrQueueOverflow = errors.New("kernel queue overflow")
)

// Driver owns the kernel handle. Receive is called from a single goroutine;
// the other methods may be called concurrently with it.
type Driver interface {
	Bind(queue uint16) error
	Unbind(queue uint16) error
	SetMode(queue uint16, maxLen uint32, mode CopyMode) error
	SetQueueMaxLen(queue uint16, n uint32) error
	SetFlags(queue uint16, mask, flags QueueFlag) error

	// Receive blocks until at least one packet is available and fills up to
	// len(frames) of the loaned frames, returning how many were filled.
	Receive(frames []*frame.Frame) (int, error)
	// Parse decodes the raw data of a received frame into its attributes.
	Parse(f *frame.Frame) error
	SetVerdict(f *frame.Frame, v Verdict, m Mangle) error

	Close() error
}

// ConcurrentVerdicts is implemented by drivers whose SetVerdict may be
// called from several goroutines at once.
type ConcurrentVerdicts interface {
	ConcurrentVerdicts() bool
}
