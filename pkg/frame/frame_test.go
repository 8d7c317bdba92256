package frame

import (
	"testing"

	. "github.com/onsi/gomega"
)

func filled(data string, size int) *Frame {
	f := &Frame{Buf: make([]byte, size)}
	f.Len = copy(f.Buf, data)
	return f
}

func TestSetPayload(t *testing.T) {
	RegisterTestingT(t)
	f := filled("hdr:payload", 32)
	Expect(f.SetPayload(4, 7)).To(Succeed())
	Expect(string(f.Payload())).To(Equal("payload"))
	Expect(f.PayloadLen()).To(Equal(7))

	Expect(f.SetPayload(4, 8)).NotTo(Succeed())
	Expect(f.SetPayload(-1, 2)).NotTo(Succeed())
}

func TestTruncated(t *testing.T) {
	RegisterTestingT(t)
	f := filled("abcd", 8)
	Expect(f.SetPayload(0, 4)).To(Succeed())
	Expect(f.Truncated()).To(BeFalse())

	f.CapLen = 4
	Expect(f.Truncated()).To(BeFalse())
	f.CapLen = 1500
	Expect(f.Truncated()).To(BeTrue())
}

func TestSetOutPayload(t *testing.T) {
	RegisterTestingT(t)
	f := filled("abcd", 10)
	Expect(f.SetPayload(0, 4)).To(Succeed())

	f.SetOutPayload([]byte("wxyz"))
	Expect(string(f.Payload())).To(Equal("wxyz"))
	// Stored in the frame after the received data.
	Expect(&f.Payload()[0]).To(BeIdenticalTo(&f.Buf[4]))
	Expect(string(f.Data())).To(Equal("abcd"))

	f.SetOutPayload([]byte("too long for the frame"))
	Expect(string(f.Payload())).To(Equal("too long for the frame"))
}

func TestReset(t *testing.T) {
	RegisterTestingT(t)
	f := filled("abcd", 10)
	f.index = 3
	f.state = StatePublished
	f.ID = 9
	f.HasMark = true
	Expect(f.SetPayload(0, 4)).To(Succeed())

	f.Reset()
	Expect(f.Index()).To(Equal(3))
	Expect(f.State()).To(Equal(StatePublished))
	Expect(f.Buf).To(HaveLen(10))
	Expect(f.ID).To(BeZero())
	Expect(f.HasMark).To(BeFalse())
	Expect(f.Payload()).To(BeNil())
}
