//go:build linux

package gonfq

import (
	"context"
	"errors"
	"testing"

	nfqueue "github.com/florianl/go-nfqueue/v2"
	"github.com/mazdakn/uqueue/pkg/driver"
	"github.com/mazdakn/uqueue/pkg/frame"
	"github.com/mdlayher/netlink"
	. "github.com/onsi/gomega"
	"golang.org/x/sys/unix"
)

func attr(id uint32, payload string) nfqueue.Attribute {
	b := []byte(payload)
	mark := uint32(9)
	proto := uint16(0x0800)
	return nfqueue.Attribute{PacketID: &id, Payload: &b, Mark: &mark, HwProtocol: &proto}
}

func frames(n, size int) []*frame.Frame {
	fs := make([]*frame.Frame, n)
	for i := range fs {
		fs[i] = &frame.Frame{Buf: make([]byte, size)}
	}
	return fs
}

func open() *Driver {
	d, err := Open(Config{Backlog: 16})
	Expect(err).NotTo(HaveOccurred())
	return d
}

func TestReceiveBatches(t *testing.T) {
	RegisterTestingT(t)
	d := open()
	defer d.Close()
	for id := uint32(1); id <= 3; id++ {
		d.events <- event{queue: 5, attr: attr(id, "data")}
	}

	fs := frames(2, 64)
	n, err := d.Receive(fs)
	Expect(err).NotTo(HaveOccurred())
	Expect(n).To(Equal(2))
	Expect(d.Parse(fs[0])).To(Succeed())
	Expect(fs[0].Queue).To(Equal(uint16(5)))
	Expect(fs[0].ID).To(Equal(uint32(1)))
	Expect(fs[0].HasMark).To(BeTrue())
	Expect(fs[0].HwProtocol).To(Equal(uint16(0x0800)))
	Expect(string(fs[0].Payload())).To(Equal("data"))

	n, err = d.Receive(frames(2, 64))
	Expect(err).NotTo(HaveOccurred())
	Expect(n).To(Equal(1))
}

func TestReceiveDefersError(t *testing.T) {
	RegisterTestingT(t)
	d := open()
	defer d.Close()
	d.events <- event{queue: 1, attr: attr(1, "a")}
	d.events <- event{queue: 1, err: driver.ErrQueueOverflow}

	n, err := d.Receive(frames(4, 16))
	Expect(err).NotTo(HaveOccurred())
	Expect(n).To(Equal(1))

	_, err = d.Receive(frames(4, 16))
	Expect(err).To(MatchError(driver.ErrQueueOverflow))
}

func TestReceiveSkipsPacketsWithoutID(t *testing.T) {
	RegisterTestingT(t)
	d := open()
	defer d.Close()
	d.events <- event{queue: 1}

	_, err := d.Receive(frames(1, 16))
	Expect(err).To(MatchError(driver.ErrWouldBlock))
}

func TestReceiveAfterClose(t *testing.T) {
	RegisterTestingT(t)
	d := open()
	Expect(d.Close()).To(Succeed())
	Expect(d.Close()).To(Succeed())
	_, err := d.Receive(frames(1, 16))
	Expect(err).To(MatchError(errClosed))
}

func TestParseOverrun(t *testing.T) {
	RegisterTestingT(t)
	d := open()
	defer d.Close()
	d.events <- event{queue: 1, attr: attr(1, "longer than the frame")}

	fs := frames(1, 4)
	n, err := d.Receive(fs)
	Expect(err).NotTo(HaveOccurred())
	Expect(n).To(Equal(1))
	Expect(d.Parse(fs[0])).NotTo(Succeed())
}

func TestErrorHook(t *testing.T) {
	RegisterTestingT(t)
	d := open()
	defer d.Close()
	ctx, cancel := context.WithCancel(context.Background())
	hook := d.errorHook(ctx, 2)

	Expect(hook(&netlink.OpError{Op: "receive", Err: unix.ENOBUFS})).To(Equal(0))
	ev := <-d.events
	Expect(ev.queue).To(Equal(uint16(2)))
	Expect(ev.err).To(MatchError(driver.ErrQueueOverflow))

	Expect(hook(errors.New("socket closed"))).To(Equal(1))
	ev = <-d.events
	Expect(ev.err).To(MatchError("socket closed"))

	cancel()
	Expect(hook(errors.New("late"))).To(Equal(1))
	Expect(d.events).To(BeEmpty())
}

func TestConfigureBeforeBind(t *testing.T) {
	RegisterTestingT(t)
	d := open()
	defer d.Close()

	Expect(d.SetMode(3, 128, driver.CopyMeta)).To(Succeed())
	Expect(d.SetQueueMaxLen(3, 64)).To(Succeed())
	Expect(d.SetFlags(3, driver.FlagFailOpen|driver.FlagGSO, driver.FlagGSO)).To(Succeed())
	Expect(d.configs[3]).To(Equal(queueConfig{
		maxPacketLen: 128,
		maxQueueLen:  64,
		copyMode:     driver.CopyMeta,
		flags:        uint32(driver.FlagGSO),
	}))

	Expect(d.Unbind(3)).NotTo(Succeed())
	err := d.SetVerdict(&frame.Frame{Queue: 3, ID: 1}, driver.Accept, driver.MangleNone)
	Expect(err).To(MatchError(unix.ENOENT))
}
