package metrics

import (
	"errors"
	"testing"

	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	RegisterTestingT(t)
	m := New("0")
	reg := prometheus.NewRegistry()
	Expect(m.Register(reg)).To(Succeed())

	m.Received(10)
	m.Overflow()
	m.ParseError()
	m.Verdict("accept", nil)
	m.Verdict("accept", nil)
	m.Verdict("drop", errors.New("send failed"))
	m.Pool(100, 40)
	m.Queued(3)

	Expect(testutil.ToFloat64(m.received)).To(Equal(10.0))
	Expect(testutil.ToFloat64(m.overflows)).To(Equal(1.0))
	Expect(testutil.ToFloat64(m.parseErrors)).To(Equal(1.0))
	Expect(testutil.ToFloat64(m.verdicts.WithLabelValues("accept"))).To(Equal(2.0))
	Expect(testutil.ToFloat64(m.verdictErrors)).To(Equal(1.0))
	Expect(testutil.ToFloat64(m.poolFree)).To(Equal(40.0))
	Expect(testutil.ToFloat64(m.queued)).To(Equal(3.0))

	Expect(m.Register(reg)).NotTo(Succeed())
}

func TestNilMetrics(t *testing.T) {
	RegisterTestingT(t)
	var m *Metrics
	Expect(func() {
		m.Received(1)
		m.Overflow()
		m.ParseError()
		m.Verdict("drop", nil)
		m.Pool(1, 1)
		m.Queued(1)
	}).NotTo(Panic())
}
