package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/mazdakn/uqueue/pkg/config"
	"github.com/mazdakn/uqueue/pkg/conntrack"
	"github.com/mazdakn/uqueue/pkg/driver"
	"github.com/mazdakn/uqueue/pkg/metrics"
	"github.com/mazdakn/uqueue/pkg/nfq"
	"github.com/mazdakn/uqueue/pkg/packet"
	"github.com/mazdakn/uqueue/pkg/policy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type engine struct {
	conf     *config.Config
	drv      driver.Driver
	policies *policy.PolicyTable
	flows    *conntrack.ConnTable
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	log      *logrus.Entry
}

// New prepares an engine for the queue in conf. The engine takes ownership
// of drv.
func New(conf *config.Config, drv driver.Driver) (*engine, error) {
	policies, err := policy.New(conf.Policy)
	if err != nil {
		return nil, err
	}
	m := metrics.New(strconv.Itoa(int(conf.Queue.ID)))
	registry := prometheus.NewRegistry()
	if err := m.Register(registry); err != nil {
		return nil, fmt.Errorf("failed to register metrics - err: %w", err)
	}
	return &engine{
		conf:     conf,
		drv:      drv,
		policies: policies,
		flows:    conntrack.New(conf.Policy.FlowTimeout),
		metrics:  m,
		registry: registry,
		log:      logrus.WithField("component", "engine"),
	}, nil
}

// Run processes packets until SIGINT or SIGTERM.
func (e *engine) Run() error {
	ctx, cancelFunc := setupSignals(context.Background())
	defer cancelFunc()
	return e.run(ctx)
}

func (e *engine) run(ctx context.Context) error {
	e.log.Info("Starting the engine")

	if e.conf.Metrics.Enabled {
		srv := metrics.Serve(e.conf.Metrics.Address, e.registry)
		defer srv.Close()
	}

	conn, err := nfq.New(e.drv,
		nfq.WithAllocBatch(e.conf.Buffers.AllocBatch),
		nfq.WithReceiveBatch(e.conf.Buffers.ReceiveBatch),
		nfq.WithBufferSize(e.conf.Buffers.BufferSize),
		nfq.WithMaxQueued(e.conf.Buffers.MaxQueued),
		nfq.WithLogger(logrus.WithField("component", "nfq")),
		nfq.WithMetrics(e.metrics),
	)
	if err != nil {
		e.drv.Close()
		return err
	}
	defer e.cleanup(conn)

	queue, err := e.setupQueue(conn)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Unbind(); err != nil && !errors.Is(err, nfq.ErrClosed) {
			e.log.WithError(err).Warnf("Failed to unbind queue %v", queue.ID())
		}
	}()
	e.log.Infof("Started the engine on queue %v with %v workers", queue.ID(), e.conf.Workers)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, e.conf.Workers)
	for i := 0; i < e.conf.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := e.worker(ctx, conn, id); err != nil {
				errs <- err
				cancel()
			}
		}(i)
	}
	if e.conf.Policy.FlowTimeout > 0 {
		wg.Add(1)
		go e.expireFlows(ctx, &wg)
	}

	wg.Wait()
	close(errs)
	return <-errs
}

func (e *engine) setupQueue(conn *nfq.Connection) (*nfq.Queue, error) {
	q := e.conf.Queue
	mode, err := driver.ParseCopyMode(q.CopyMode)
	if err != nil {
		return nil, err
	}
	flags, err := driver.ParseQueueFlags(q.Flags)
	if err != nil {
		return nil, err
	}

	queue, err := conn.Bind(q.ID)
	if err != nil {
		return nil, err
	}
	if err := queue.SetMode(q.CopyRange, mode); err != nil {
		return nil, err
	}
	if q.MaxLen > 0 {
		if err := queue.SetMaxLen(q.MaxLen); err != nil {
			return nil, err
		}
	}
	if flags != 0 {
		if err := queue.SetFlags(flags, flags); err != nil {
			return nil, err
		}
	}
	return queue, nil
}

func (e *engine) cleanup(conn *nfq.Connection) {
	if err := conn.Close(); err != nil {
		e.log.WithError(err).Error("Failed closing the connection")
	}
	<-conn.Done()
	e.log.Info("Stopped the engine")
}

// worker returns nil when ctx is done, and the connection's error when it
// fails.
func (e *engine) worker(ctx context.Context, conn *nfq.Connection, id int) error {
	log := e.log.WithField("worker", id)
	decoder := packet.NewDecoder()
	log.Debug("Started worker")
	for pkt, err := range conn.Packets(ctx) {
		if err != nil {
			if nfq.IsRecoverable(err) {
				log.WithError(err).Debug("Skipping")
				continue
			}
			if ctx.Err() != nil {
				break
			}
			log.WithError(err).Error("Connection failed")
			return err
		}
		if err := e.handle(pkt, decoder); err != nil {
			log.WithError(err).Warn("Failed to issue verdict")
		}
	}
	log.Debug("Stopped worker")
	return nil
}

func (e *engine) handle(pkt *nfq.Packet, decoder *packet.Decoder) error {
	d := e.policies.Default()
	payload, err := pkt.Payload()
	if err == nil {
		d = e.decide(payload, decoder)
		if e.conf.Policy.Rewrite {
			// Send the bytes back unchanged through the mangle path.
			if err := pkt.SetPayload(payload); err != nil {
				return err
			}
		}
	} else {
		e.log.WithError(err).Debug("Using default decision")
	}
	if d.HasMark {
		if err := pkt.SetMark(d.Mark); err != nil {
			return err
		}
	}
	return pkt.Verdict(d.Verdict, pkt.Pending())
}

func (e *engine) decide(payload []byte, decoder *packet.Decoder) policy.Decision {
	p, err := decoder.Decode(payload)
	if err != nil {
		e.log.WithError(err).Debug("Failed to decode packet")
		return e.policies.Default()
	}
	if d, ok := e.flows.Lookup(p); ok {
		return d
	}
	d := e.policies.Match(p)
	e.flows.Add(p, d)
	e.log.Debugf("Packet %v: %v by rule %v", p, d.Verdict, d.Rule)
	return d
}

func (e *engine) expireFlows(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(e.conf.Policy.FlowTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.flows.Expire(); n > 0 {
				e.log.Debugf("Expired %v flows", n)
			}
		}
	}
}
