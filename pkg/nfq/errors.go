package nfq

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/mazdakn/uqueue/pkg/driver"
)

var (
	// ErrInvalidPacket is returned by every Packet method once a verdict was
	// issued for it.
	ErrInvalidPacket = errors.New("packet already has a verdict")
	// ErrPayloadTruncated is returned when the kernel copied only part of
	// the packet.
	ErrPayloadTruncated = errors.New("payload truncated by the kernel")
	// ErrQueueOverflow signals that the kernel dropped packets. Iteration
	// can continue.
	ErrQueueOverflow = driver.ErrQueueOverflow
	// ErrClosed is returned once the connection was closed.
	ErrClosed = errors.New("connection closed")
)

// ParseError reports a received frame the driver could not decode. The frame
// is skipped and iteration can continue.
type ParseError struct {
	Frame int
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse frame %v - err: %v", e.Frame, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// TransportError wraps a failed driver call.
type TransportError struct {
	Op    string
	Queue uint16
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%v on queue %v failed - err: %v", e.Op, e.Queue, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Errno returns the underlying OS error number, or 0 if there is none.
func (e *TransportError) Errno() syscall.Errno {
	var errno syscall.Errno
	if errors.As(e.Err, &errno) {
		return errno
	}
	return 0
}

func transportError(op string, queue uint16, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Queue: queue, Err: err}
}

// IsRecoverable reports whether iteration may continue after err.
func IsRecoverable(err error) bool {
	if errors.Is(err, ErrQueueOverflow) {
		return true
	}
	var perr *ParseError
	return errors.As(err, &perr)
}
