package nfq

import "github.com/mazdakn/uqueue/pkg/driver"

// Queue is a kernel queue bound to a connection.
type Queue struct {
	id   uint16
	conn *Connection
}

func (q *Queue) ID() uint16 {
	return q.id
}

func (q *Queue) SetMode(maxLen uint32, mode driver.CopyMode) error {
	return q.conn.SetMode(q.id, maxLen, mode)
}

func (q *Queue) SetMaxLen(n uint32) error {
	return q.conn.SetQueueMaxLen(q.id, n)
}

func (q *Queue) SetFlags(mask, flags driver.QueueFlag) error {
	return q.conn.SetFlags(q.id, mask, flags)
}

func (q *Queue) Unbind() error {
	return q.conn.Unbind(q.id)
}
