package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersStartAtZero(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	counters := s.GetCounters()
	assert.EqualValues(t, 0, counters["ptpd.portstats.rx.announce"])
	assert.EqualValues(t, 0, counters["ptpd.bmc.elections"])
}

func TestIncrementsAreReflectedInCounters(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	s.IncRXAnnounce()
	s.IncRXAnnounce()
	s.IncTXSync()
	s.IncBMCElection()

	counters := s.GetCounters()
	assert.EqualValues(t, 2, counters["ptpd.portstats.rx.announce"])
	assert.EqualValues(t, 1, counters["ptpd.portstats.tx.sync"])
	assert.EqualValues(t, 1, counters["ptpd.bmc.elections"])
}

func TestDiscardedReasonsAreNamespaced(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	s.IncDiscarded("wrongDomain")
	s.IncDiscarded("wrongDomain")
	s.IncDiscarded("staleTimestamp")

	counters := s.GetCounters()
	assert.EqualValues(t, 2, counters["ptpd.discarded.wrongDomain"])
	assert.EqualValues(t, 1, counters["ptpd.discarded.staleTimestamp"])
}

func TestSetServoAndPortStateAreReadBack(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	s.SetServoState(2)
	s.SetPortState(9)

	counters := s.GetCounters()
	assert.EqualValues(t, 2, counters["ptpd.servo.state"])
	assert.EqualValues(t, 9, counters["ptpd.port.state"])
}

func TestCollectSysStatsPopulatesProcessCounters(t *testing.T) {
	s, err := New()
	require.NoError(t, err)

	s.CollectSysStats()
	counters := s.GetCounters()
	assert.Contains(t, counters, "ptpd.process.rss")
	assert.Contains(t, counters, "ptpd.runtime.cpu.goroutines")
}

func TestFlattenKeyReplacesSeparators(t *testing.T) {
	assert.Equal(t, "ptpd_portstats_rx_announce", flattenKey("ptpd.portstats.rx.announce"))
	assert.Equal(t, "ptpd_discarded_wrong_domain", flattenKey("ptpd.discarded.wrong-domain"))
}

func TestPrometheusExporterRegistersGaugesFromSource(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	s.IncRXSync()

	exp := NewPrometheusExporter(s, 0)
	exp.scrape()

	mfs, err := exp.registry.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mfs)

	var found bool
	for _, mf := range mfs {
		if mf.GetName() == "ptpd_portstats_rx_sync" {
			found = true
			require.Len(t, mf.GetMetric(), 1)
			assert.Equal(t, float64(1), mf.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found, "expected a ptpd_portstats_rx_sync gauge")
}
