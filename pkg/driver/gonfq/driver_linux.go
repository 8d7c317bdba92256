//go:build linux

package gonfq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	nfqueue "github.com/florianl/go-nfqueue/v2"
	"github.com/mazdakn/uqueue/pkg/driver"
	"github.com/mazdakn/uqueue/pkg/frame"
	"github.com/mdlayher/netlink"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var errClosed = errors.New("driver closed")

type event struct {
	queue uint16
	attr  nfqueue.Attribute
	err   error
}

type binding struct {
	nf     *nfqueue.Nfqueue
	cancel context.CancelFunc
}

type queueConfig struct {
	maxPacketLen uint32
	maxQueueLen  uint32
	copyMode     driver.CopyMode
	flags        uint32
}

// Driver opens one go-nfqueue socket per bound queue. Library callbacks
// push decoded packets onto a channel that Receive drains in batches.
type Driver struct {
	cfg Config
	log *logrus.Entry

	mu       sync.Mutex
	bindings map[uint16]*binding
	configs  map[uint16]queueConfig

	events   chan event
	deferred *event
	closed   chan struct{}
	once     sync.Once
}

func Open(cfg Config) (*Driver, error) {
	cfg.applyDefaults()
	return &Driver{
		cfg:      cfg,
		log:      cfg.Logger,
		bindings: make(map[uint16]*binding),
		configs:  make(map[uint16]queueConfig),
		events:   make(chan event, cfg.Backlog),
		closed:   make(chan struct{}),
	}, nil
}

func (d *Driver) configLocked(queue uint16) queueConfig {
	qc, ok := d.configs[queue]
	if !ok {
		qc = queueConfig{
			maxPacketLen: d.cfg.MaxPacketLen,
			maxQueueLen:  d.cfg.MaxQueueLen,
			copyMode:     driver.CopyPacket,
			flags:        d.cfg.Flags,
		}
	}
	return qc
}

func (d *Driver) Bind(queue uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.bindings[queue]; ok {
		return fmt.Errorf("queue %v already bound - err: %w", queue, unix.EBUSY)
	}
	return d.bindLocked(queue)
}

func (d *Driver) bindLocked(queue uint16) error {
	qc := d.configLocked(queue)
	nf, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      queue,
		MaxPacketLen: qc.maxPacketLen,
		MaxQueueLen:  qc.maxQueueLen,
		Copymode:     uint8(qc.copyMode),
		Flags:        qc.flags,
		ReadTimeout:  d.cfg.ReadTimeout,
		WriteTimeout: d.cfg.WriteTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to open queue %v - err: %w", queue, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	err = nf.RegisterWithErrorFunc(ctx, d.hook(ctx, queue), d.errorHook(ctx, queue))
	if err != nil {
		cancel()
		nf.Close()
		return fmt.Errorf("failed to register on queue %v - err: %w", queue, err)
	}
	d.bindings[queue] = &binding{nf: nf, cancel: cancel}
	d.log.Debugf("Registered go-nfqueue on queue %v", queue)
	return nil
}

func (d *Driver) hook(ctx context.Context, queue uint16) nfqueue.HookFunc {
	return func(a nfqueue.Attribute) int {
		select {
		case d.events <- event{queue: queue, attr: a}:
		case <-ctx.Done():
		}
		return 0
	}
}

func (d *Driver) errorHook(ctx context.Context, queue uint16) nfqueue.ErrorFunc {
	return func(e error) int {
		var opErr *netlink.OpError
		if errors.As(e, &opErr) && opErr.Timeout() {
			return 0
		}
		if ctx.Err() != nil {
			return 1
		}
		ev := event{queue: queue, err: e}
		if errors.Is(e, unix.ENOBUFS) {
			ev.err = driver.ErrQueueOverflow
		}
		select {
		case d.events <- ev:
		case <-ctx.Done():
		}
		if errors.Is(ev.err, driver.ErrQueueOverflow) {
			return 0
		}
		return 1
	}
}

func (d *Driver) Unbind(queue uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unbindLocked(queue)
}

func (d *Driver) unbindLocked(queue uint16) error {
	b, ok := d.bindings[queue]
	if !ok {
		return fmt.Errorf("queue %v not bound - err: %w", queue, unix.ENOENT)
	}
	delete(d.bindings, queue)
	b.cancel()
	return b.nf.Close()
}

// reconfigure applies a changed queue config. go-nfqueue takes its settings
// at open time, so a bound queue is reopened.
func (d *Driver) reconfigure(queue uint16, change func(qc *queueConfig)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	qc := d.configLocked(queue)
	change(&qc)
	d.configs[queue] = qc
	if _, ok := d.bindings[queue]; !ok {
		return nil
	}
	if err := d.unbindLocked(queue); err != nil {
		return err
	}
	return d.bindLocked(queue)
}

func (d *Driver) SetMode(queue uint16, maxLen uint32, mode driver.CopyMode) error {
	return d.reconfigure(queue, func(qc *queueConfig) {
		qc.maxPacketLen = maxLen
		qc.copyMode = mode
	})
}

func (d *Driver) SetQueueMaxLen(queue uint16, n uint32) error {
	return d.reconfigure(queue, func(qc *queueConfig) {
		qc.maxQueueLen = n
	})
}

func (d *Driver) SetFlags(queue uint16, mask, flags driver.QueueFlag) error {
	return d.reconfigure(queue, func(qc *queueConfig) {
		qc.flags = qc.flags&^uint32(mask) | uint32(flags&mask)
	})
}

// Receive waits for the first packet, then takes whatever else is already
// waiting, up to len(frames).
func (d *Driver) Receive(frames []*frame.Frame) (int, error) {
	if ev := d.deferred; ev != nil {
		d.deferred = nil
		return 0, ev.err
	}

	var ev event
	select {
	case ev = <-d.events:
	case <-d.closed:
		return 0, errClosed
	}

	num := 0
	for {
		if ev.err != nil {
			if num == 0 {
				return 0, ev.err
			}
			d.deferred = &ev
			return num, nil
		}
		if d.fill(frames[num], ev) {
			num++
		}
		if num == len(frames) {
			return num, nil
		}
		select {
		case ev = <-d.events:
		default:
			if num == 0 {
				return 0, driver.ErrWouldBlock
			}
			return num, nil
		}
	}
}

func (d *Driver) fill(f *frame.Frame, ev event) bool {
	a := ev.attr
	if a.PacketID == nil {
		d.log.Debug("Ignoring packet without id")
		return false
	}
	f.Queue = ev.queue
	f.ID = *a.PacketID
	if a.HwProtocol != nil {
		f.HwProtocol = *a.HwProtocol
	}
	if a.Hook != nil {
		f.Hook = *a.Hook
	}
	if a.Mark != nil {
		f.Mark = *a.Mark
		f.HasMark = true
	}
	if a.Timestamp != nil {
		f.Timestamp = *a.Timestamp
	}
	if a.InDev != nil {
		f.InDev = *a.InDev
	}
	if a.OutDev != nil {
		f.OutDev = *a.OutDev
	}
	if a.PhysInDev != nil {
		f.PhysInDev = *a.PhysInDev
	}
	if a.PhysOutDev != nil {
		f.PhysOutDev = *a.PhysOutDev
	}
	if a.CapLen != nil {
		f.CapLen = *a.CapLen
	}
	if a.UID != nil {
		f.UID = *a.UID
		f.HasUID = true
	}
	if a.GID != nil {
		f.GID = *a.GID
		f.HasGID = true
	}
	if a.Payload != nil {
		f.Len = copy(f.Buf, *a.Payload)
		f.Overrun = f.Len < len(*a.Payload)
	}
	return true
}

// Parse only validates: the library decoded the attributes already.
func (d *Driver) Parse(f *frame.Frame) error {
	if f.Overrun {
		return fmt.Errorf("payload does not fit frame buffer of %v bytes", len(f.Buf))
	}
	return f.SetPayload(0, f.Len)
}

func (d *Driver) SetVerdict(f *frame.Frame, v driver.Verdict, m driver.Mangle) error {
	d.mu.Lock()
	b, ok := d.bindings[f.Queue]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("queue %v not bound - err: %w", f.Queue, unix.ENOENT)
	}

	if unsupported := m &^ (driver.ManglePayload | driver.MangleMark); unsupported != 0 {
		d.log.Warnf("Mangle %v is not supported by go-nfqueue, ignoring it", unsupported)
	}

	id, verdict := f.ID, int(v)
	switch {
	case m.Has(driver.ManglePayload | driver.MangleMark):
		return b.nf.SetVerdictModPacketWithMark(id, verdict, int(f.Mark), f.Payload())
	case m.Has(driver.ManglePayload):
		return b.nf.SetVerdictModPacket(id, verdict, f.Payload())
	case m.Has(driver.MangleMark):
		return b.nf.SetVerdictWithMark(id, verdict, int(f.Mark))
	}
	return b.nf.SetVerdict(id, verdict)
}

func (d *Driver) Close() error {
	var errs []error
	d.once.Do(func() {
		close(d.closed)
		d.mu.Lock()
		defer d.mu.Unlock()
		for q := range d.bindings {
			if err := d.unbindLocked(q); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
