package driver

import (
	"testing"

	. "github.com/onsi/gomega"
)

func TestParseVerdict(t *testing.T) {
	RegisterTestingT(t)
	v, err := ParseVerdict("ACCEPT")
	Expect(err).NotTo(HaveOccurred())
	Expect(v).To(Equal(Accept))
	Expect(uint32(Accept)).To(Equal(uint32(1)))
	Expect(uint32(Stop)).To(Equal(uint32(5)))

	_, err = ParseVerdict("reject")
	Expect(err).To(HaveOccurred())
	Expect(Verdict(42).String()).To(Equal("verdict(42)"))
}

func TestParseCopyMode(t *testing.T) {
	RegisterTestingT(t)
	m, err := ParseCopyMode("meta")
	Expect(err).NotTo(HaveOccurred())
	Expect(m).To(Equal(CopyMeta))
	Expect(uint8(CopyPacket)).To(Equal(uint8(2)))

	_, err = ParseCopyMode("full")
	Expect(err).To(HaveOccurred())
}

func TestMangle(t *testing.T) {
	RegisterTestingT(t)
	m := MangleMark | ManglePayload
	Expect(m.Has(MangleMark)).To(BeTrue())
	Expect(m.Has(MangleMark | ManglePayload)).To(BeTrue())
	Expect(m.Has(MangleVLAN)).To(BeFalse())
	Expect(m.String()).To(Equal("mark|payload"))
	Expect(MangleNone.String()).To(Equal("none"))
}

func TestParseQueueFlags(t *testing.T) {
	RegisterTestingT(t)
	flags, err := ParseQueueFlags([]string{"fail-open", "GSO"})
	Expect(err).NotTo(HaveOccurred())
	Expect(flags).To(Equal(FlagFailOpen | FlagGSO))
	Expect(uint32(FlagUIDGID)).To(Equal(uint32(8)))

	flags, err = ParseQueueFlags(nil)
	Expect(err).NotTo(HaveOccurred())
	Expect(flags).To(BeZero())

	_, err = ParseQueueFlags([]string{"fast"})
	Expect(err).To(HaveOccurred())
}
