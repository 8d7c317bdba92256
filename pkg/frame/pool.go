package frame

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	DefaultAllocBatch = 50
	DefaultBufferSize = 20 * 4096
)

// Pool is an arena of frames. Frames are allocated a batch at a time, each
// batch backed by one contiguous array, and are recycled but never freed.
type Pool struct {
	allocBatch int
	bufferSize int

	mu       sync.Mutex
	segments [][]Frame
	free     []int
	size     int

	log *logrus.Entry
}

func NewPool(allocBatch, bufferSize int) (*Pool, error) {
	if allocBatch <= 0 {
		return nil, fmt.Errorf("invalid allocation batch %v", allocBatch)
	}
	if bufferSize <= 0 {
		return nil, fmt.Errorf("invalid buffer size %v", bufferSize)
	}
	return &Pool{
		allocBatch: allocBatch,
		bufferSize: bufferSize,
		log:        logrus.WithField("component", "pool"),
	}, nil
}

func (p *Pool) SetLogger(log *logrus.Entry) {
	p.log = log
}

// Ensure makes sure at least n frames are free.
func (p *Pool) Ensure(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensureLocked(n)
}

func (p *Pool) ensureLocked(n int) {
	for len(p.free) < n {
		p.allocLocked()
	}
}

func (p *Pool) allocLocked() {
	backing := make([]byte, p.allocBatch*p.bufferSize)
	segment := make([]Frame, p.allocBatch)
	base := p.size
	for i := range segment {
		off := i * p.bufferSize
		segment[i] = Frame{
			index: base + i,
			Buf:   backing[off : off+p.bufferSize : off+p.bufferSize],
		}
		p.free = append(p.free, base+i)
	}
	p.segments = append(p.segments, segment)
	p.size += p.allocBatch
	p.log.Debugf("Allocated %v frames of %v bytes, pool size %v", p.allocBatch, p.bufferSize, p.size)
}

func (p *Pool) frameLocked(idx int) *Frame {
	return &p.segments[idx/p.allocBatch][idx%p.allocBatch]
}

// Loan takes n free frames out of the pool, growing it first if needed. The
// frames are reset and marked loaned; they belong to the caller until they
// are either published or handed back with Unloan.
func (p *Pool) Loan(n int) []*Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensureLocked(n)

	loan := make([]*Frame, n)
	for i, idx := range p.free[:n] {
		f := p.frameLocked(idx)
		f.Reset()
		f.state = StateLoaned
		loan[i] = f
	}
	p.free = append(p.free[:0], p.free[n:]...)
	return loan
}

// Unloan hands loaned but unused frames back, ahead of the other free frames
// so they are the first to be loaned again.
func (p *Pool) Unloan(frames []*Frame) {
	if len(frames) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	head := make([]int, 0, len(frames)+len(p.free))
	for _, f := range frames {
		if f.state != StateLoaned {
			p.log.Warnf("Ignoring unloan of %v", f)
			continue
		}
		f.state = StateFree
		head = append(head, f.index)
	}
	p.free = append(head, p.free...)
}

// Publish moves a loaned frame to the consumer side.
func (p *Pool) Publish(f *Frame) {
	p.mu.Lock()
	f.state = StatePublished
	p.mu.Unlock()
}

// Retire marks a published frame as done; it is released next. Frames in any
// other state are left alone.
func (p *Pool) Retire(f *Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f.state != StatePublished {
		p.log.Warnf("Ignoring retire of %v", f)
		return
	}
	f.state = StateRetired
}

// Release returns a frame to the free list.
func (p *Pool) Release(f *Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f.state == StateFree || f.state == StateLoaned {
		p.log.Warnf("Ignoring release of %v", f)
		return
	}
	f.state = StateFree
	f.out = nil
	f.hasOut = false
	p.free = append(p.free, f.index)
}

// Frame returns the frame stored at idx.
func (p *Pool) Frame(idx int) (*Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= p.size {
		return nil, fmt.Errorf("frame index %v out of range (pool size %v)", idx, p.size)
	}
	return p.frameLocked(idx), nil
}

// Size is the number of frames ever allocated.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Free is the number of frames currently on the free list.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *Pool) AllocBatch() int {
	return p.allocBatch
}

func (p *Pool) BufferSize() int {
	return p.bufferSize
}
