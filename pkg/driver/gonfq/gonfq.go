// Package gonfq adapts the callback based go-nfqueue library to the batched
// receive contract of the queue client.
package gonfq

import (
	"time"

	"github.com/sirupsen/logrus"
)

type Config struct {
	// Defaults applied to a queue until SetMode, SetQueueMaxLen or SetFlags
	// change them.
	MaxPacketLen uint32
	MaxQueueLen  uint32
	Flags        uint32

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Backlog is how many decoded packets may wait between the library
	// callback and Receive.
	Backlog int
	Logger  *logrus.Entry
}

const (
	defaultMaxPacketLen = 0xffff
	defaultMaxQueueLen  = 1024
	defaultBacklog      = 256
	defaultReadTimeout  = 100 * time.Millisecond
)

func (c *Config) applyDefaults() {
	if c.MaxPacketLen == 0 {
		c.MaxPacketLen = defaultMaxPacketLen
	}
	if c.MaxQueueLen == 0 {
		c.MaxQueueLen = defaultMaxQueueLen
	}
	if c.Backlog == 0 {
		c.Backlog = defaultBacklog
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField("component", "gonfq")
	}
}
