package nfq

import (
	"github.com/mazdakn/uqueue/pkg/frame"
	"github.com/mazdakn/uqueue/pkg/metrics"
	"github.com/sirupsen/logrus"
)

const (
	DefaultAllocBatch   = frame.DefaultAllocBatch
	DefaultReceiveBatch = 10
	DefaultBufferSize   = frame.DefaultBufferSize
)

type Option func(*Connection)

// WithAllocBatch sets how many frames the pool allocates at a time.
func WithAllocBatch(n int) Option {
	return func(c *Connection) {
		c.allocBatch = n
	}
}

// WithReceiveBatch sets how many frames are loaned to each receive call.
func WithReceiveBatch(n int) Option {
	return func(c *Connection) {
		c.receiveBatch = n
	}
}

func WithBufferSize(size int) Option {
	return func(c *Connection) {
		c.bufferSize = size
	}
}

// WithMaxQueued bounds the received queue. Zero leaves it unbounded.
func WithMaxQueued(n int) Option {
	return func(c *Connection) {
		c.maxQueued = n
	}
}

func WithLogger(log *logrus.Entry) Option {
	return func(c *Connection) {
		c.log = log
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Connection) {
		c.metrics = m
	}
}
