// Package netlink implements the queue driver directly on a netfilter
// netlink socket.
package netlink

import (
	"time"

	"github.com/sirupsen/logrus"
)

const (
	subsysQueue = 3

	msgPacket  = 0
	msgVerdict = 1
	msgConfig  = 2

	nfgenmsgLen = 4
)

// Packet and verdict attributes.
const (
	attrPacketHdr  = 1
	attrVerdictHdr = 2
	attrMark       = 3
	attrTimestamp  = 4
	attrInDev      = 5
	attrOutDev     = 6
	attrPhysInDev  = 7
	attrPhysOutDev = 8
	attrHwAddr     = 9
	attrPayload    = 10
	attrCT         = 11
	attrCTInfo     = 12
	attrCapLen     = 13
	attrExp        = 15
	attrUID        = 16
	attrGID        = 17
	attrVLAN       = 19
)

const (
	attrVLANProto = 1
	attrVLANTCI   = 2
)

// Config attributes and commands.
const (
	attrCfgCmd         = 1
	attrCfgParams      = 2
	attrCfgQueueMaxLen = 3
	attrCfgMask        = 4
	attrCfgFlags       = 5

	cmdBind   = 1
	cmdUnbind = 2
)

const (
	DefaultReadTimeout    = 100 * time.Millisecond
	DefaultControlTimeout = 5 * time.Second
)

type Config struct {
	// ReadTimeout bounds each blocking receive. Zero means block until data
	// arrives, Close is called or a control request interrupts the read.
	ReadTimeout time.Duration
	// ControlTimeout bounds the wait for the ack of a control request.
	ControlTimeout time.Duration
	// ReadBuffer sets the socket receive buffer size when non-zero.
	ReadBuffer int
	Logger     *logrus.Entry
}
