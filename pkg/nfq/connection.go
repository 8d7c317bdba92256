// Package nfq is a user-space client for kernel packet queues. A Connection
// reads batches of queued packets on a background goroutine into pooled
// frames; consumers take Packets from it, inspect or rewrite them, and hand
// each one back to the kernel with exactly one verdict.
package nfq

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/mazdakn/uqueue/pkg/driver"
	"github.com/mazdakn/uqueue/pkg/frame"
	"github.com/mazdakn/uqueue/pkg/metrics"
	"github.com/mazdakn/uqueue/pkg/queue"
	"github.com/sirupsen/logrus"
)

type itemKind uint8

const (
	itemFrame itemKind = iota
	itemOverflow
	itemFatal
)

type item struct {
	kind  itemKind
	frame *frame.Frame
	err   error
}

type handle struct {
	driver.Driver
}

type Connection struct {
	allocBatch   int
	receiveBatch int
	bufferSize   int
	maxQueued    int
	log          *logrus.Entry
	metrics      *metrics.Metrics

	// drv decodes frames; handle is the same driver while the connection is
	// open and nil after Close.
	drv      driver.Driver
	handle   atomic.Pointer[handle]
	pool     *frame.Pool
	received *queue.Received[item]

	serialVerdicts bool
	verdictMu      sync.Mutex

	fatalMu sync.Mutex
	fatal   error

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts a connection on top of an opened driver. The connection owns
// the driver from here on and closes it in Close.
func New(drv driver.Driver, opts ...Option) (*Connection, error) {
	if drv == nil {
		return nil, fmt.Errorf("no driver given")
	}
	c := &Connection{
		allocBatch:   DefaultAllocBatch,
		receiveBatch: DefaultReceiveBatch,
		bufferSize:   DefaultBufferSize,
		drv:          drv,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.receiveBatch <= 0 {
		return nil, fmt.Errorf("invalid receive batch %v", c.receiveBatch)
	}
	if c.maxQueued < 0 {
		return nil, fmt.Errorf("invalid queue limit %v", c.maxQueued)
	}
	if c.log == nil {
		c.log = logrus.WithField("component", "nfq")
	}

	var err error
	c.pool, err = frame.NewPool(c.allocBatch, c.bufferSize)
	if err != nil {
		return nil, err
	}
	c.pool.SetLogger(c.log)
	c.received = queue.New[item](c.maxQueued)

	c.serialVerdicts = true
	if cv, ok := drv.(driver.ConcurrentVerdicts); ok && cv.ConcurrentVerdicts() {
		c.serialVerdicts = false
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.handle.Store(&handle{drv})

	c.log.WithFields(logrus.Fields{
		"allocBatch":   c.allocBatch,
		"receiveBatch": c.receiveBatch,
		"bufferSize":   c.bufferSize,
		"maxQueued":    c.maxQueued,
	}).Debug("Starting connection")
	go c.reader()
	return c, nil
}

func (c *Connection) reader() {
	defer close(c.done)
	c.log.Debug("Started reader goroutine")
	for {
		h := c.handle.Load()
		if h == nil {
			c.terminate(ErrClosed)
			return
		}

		loan := c.pool.Loan(c.receiveBatch)
		c.metrics.Pool(c.pool.Size(), c.pool.Free())

		num, err := h.Receive(loan)
		if err != nil {
			c.pool.Unloan(loan)
			switch {
			case errors.Is(err, driver.ErrWouldBlock):
				continue
			case errors.Is(err, driver.ErrQueueOverflow):
				c.log.Warn("Kernel queue overflow, packets were dropped")
				c.metrics.Overflow()
				c.push(item{kind: itemOverflow})
				continue
			}
			if c.handle.Load() == nil {
				c.terminate(ErrClosed)
				return
			}
			c.log.WithError(err).Error("Failed to receive, stopping reader")
			c.terminate(transportError("receive", 0, err))
			return
		}

		c.metrics.Received(num)
		for _, f := range loan[:num] {
			c.pool.Publish(f)
			c.push(item{kind: itemFrame, frame: f})
		}
		c.pool.Unloan(loan[num:])
		c.metrics.Queued(c.received.Len())
	}
}

func (c *Connection) push(it item) {
	err := c.received.Put(c.ctx, it)
	if err != nil && it.kind == itemFrame {
		// Closed while the queue was full; nobody will see this frame.
		c.recycle(it.frame)
	}
}

// terminate records the final error and closes the received queue, so every
// consumer waiting in Next sees the error once the queue is drained.
func (c *Connection) terminate(err error) {
	c.setFatal(err)
	c.push(item{kind: itemFatal, err: err})
	c.received.Close()
	c.log.WithError(err).Debug("Stopped reader goroutine")
}

func (c *Connection) setFatal(err error) {
	c.fatalMu.Lock()
	if c.fatal == nil {
		c.fatal = err
	}
	c.fatalMu.Unlock()
}

func (c *Connection) fatalErr() error {
	c.fatalMu.Lock()
	defer c.fatalMu.Unlock()
	return c.fatal
}

// Next blocks until the next packet is available. ErrQueueOverflow and
// *ParseError are recoverable and Next may be called again; any other error
// is final and is returned by every later call.
func (c *Connection) Next(ctx context.Context) (*Packet, error) {
	if err := c.fatalErr(); err != nil && c.received.Len() == 0 {
		return nil, err
	}
	it, err := c.received.Get(ctx)
	if errors.Is(err, queue.ErrClosed) {
		return nil, c.fatalErr()
	}
	if err != nil {
		return nil, err
	}

	switch it.kind {
	case itemOverflow:
		return nil, ErrQueueOverflow
	case itemFatal:
		return nil, it.err
	}

	f := it.frame
	if err := c.drv.Parse(f); err != nil {
		c.metrics.ParseError()
		c.log.WithError(err).Debugf("Skipping unparsable frame %v", f.Index())
		idx := f.Index()
		c.recycle(f)
		return nil, &ParseError{Frame: idx, Err: err}
	}
	return newPacket(c, f), nil
}

// Packets iterates over received packets. Recoverable errors are yielded
// with a nil packet and iteration goes on; it stops after a final error.
func (c *Connection) Packets(ctx context.Context) iter.Seq2[*Packet, error] {
	return func(yield func(*Packet, error) bool) {
		for {
			pkt, err := c.Next(ctx)
			if err != nil {
				if !yield(nil, err) || !IsRecoverable(err) {
					return
				}
				continue
			}
			if !yield(pkt, nil) {
				return
			}
		}
	}
}

// Bind attaches the connection to a kernel queue.
func (c *Connection) Bind(id uint16) (*Queue, error) {
	h := c.handle.Load()
	if h == nil {
		return nil, ErrClosed
	}
	if err := h.Bind(id); err != nil {
		return nil, transportError("bind", id, err)
	}
	c.log.Infof("Bound to queue %v", id)
	return &Queue{id: id, conn: c}, nil
}

func (c *Connection) Unbind(id uint16) error {
	h := c.handle.Load()
	if h == nil {
		return ErrClosed
	}
	if err := h.Unbind(id); err != nil {
		return transportError("unbind", id, err)
	}
	c.log.Infof("Unbound from queue %v", id)
	return nil
}

// SetMode sets how many bytes of each packet are copied and in which mode.
func (c *Connection) SetMode(id uint16, maxLen uint32, mode driver.CopyMode) error {
	h := c.handle.Load()
	if h == nil {
		return ErrClosed
	}
	if err := h.SetMode(id, maxLen, mode); err != nil {
		return transportError("set mode", id, err)
	}
	c.log.Debugf("Queue %v copy mode %v range %v", id, mode, maxLen)
	return nil
}

// SetQueueMaxLen sets how many packets the kernel keeps waiting for a verdict.
func (c *Connection) SetQueueMaxLen(id uint16, n uint32) error {
	h := c.handle.Load()
	if h == nil {
		return ErrClosed
	}
	return transportError("set queue maxlen", id, h.SetQueueMaxLen(id, n))
}

func (c *Connection) SetFlags(id uint16, mask, flags driver.QueueFlag) error {
	h := c.handle.Load()
	if h == nil {
		return ErrClosed
	}
	return transportError("set flags", id, h.SetFlags(id, mask, flags))
}

func (c *Connection) setVerdict(f *frame.Frame, v driver.Verdict, m driver.Mangle) (bool, error) {
	h := c.handle.Load()
	if h == nil {
		return false, nil
	}
	if c.serialVerdicts {
		c.verdictMu.Lock()
		defer c.verdictMu.Unlock()
	}
	return true, h.SetVerdict(f, v, m)
}

// recycle retires a published frame and hands it back to the pool.
func (c *Connection) recycle(f *frame.Frame) {
	c.pool.Retire(f)
	c.pool.Release(f)
}

// Close stops the connection. A receive already in progress is not
// interrupted; the reader exits once it returns. Packets still held by
// consumers can be verdicted afterwards, but the verdicts no longer reach the
// kernel.
func (c *Connection) Close() error {
	h := c.handle.Swap(nil)
	if h == nil {
		return nil
	}
	c.cancel()
	c.log.Info("Closing connection")
	if err := h.Close(); err != nil {
		return transportError("close", 0, err)
	}
	return nil
}

// Done is closed when the reader goroutine has exited.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

type Stats struct {
	PoolSize int
	PoolFree int
	Queued   int
}

func (c *Connection) Stats() Stats {
	return Stats{
		PoolSize: c.pool.Size(),
		PoolFree: c.pool.Free(),
		Queued:   c.received.Len(),
	}
}
