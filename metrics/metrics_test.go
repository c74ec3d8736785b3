package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biscuit-os/pageout/pageio"
	"github.com/biscuit-os/pageout/sched"
)

func TestNewGathererRegistersBuiltinCollectors(t *testing.T) {
	g, err := NewGatherer()
	require.NoError(t, err)

	families, err := g.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == namespace+"_deadman_trips_total" {
			found = true
		}
	}
	assert.True(t, found, "the builtin deadman_trips collector must always be registered")
}

func TestNewGathererRejectsDuplicateRegistration(t *testing.T) {
	sc := &sched.Scheduler{Observed: &sched.Observed{}, Tunables: sched.NewTunables(4, 80, 0)}
	_, err := NewGatherer(NewSchedCollector(sc), NewSchedCollector(sc))
	assert.Error(t, err, "registering the same collector's descriptors twice must fail")
}

func TestSchedCollectorReportsLiveNscan(t *testing.T) {
	sc := &sched.Scheduler{Observed: &sched.Observed{}, Tunables: sched.NewTunables(4, 80, 0)}
	sc.Nscan.Store(12345)
	sc.Observed.Freemem.Store(777)

	c := NewSchedCollector(sc)
	ch := make(chan prometheus.Metric, 16)
	c.Collect(ch)
	close(ch)

	found := map[string]float64{}
	for m := range ch {
		var pb dto.Metric
		require.NoError(t, m.Write(&pb))
		found[m.Desc().String()] = pb.GetGauge().GetValue()
	}
	var sawNscan, sawFreemem bool
	for desc, v := range found {
		if containsSubstring(desc, "nscan_pages") {
			sawNscan = true
			assert.Equal(t, float64(12345), v)
		}
		if containsSubstring(desc, "freemem_pages") {
			sawFreemem = true
			assert.Equal(t, float64(777), v)
		}
	}
	assert.True(t, sawNscan)
	assert.True(t, sawFreemem)
}

func TestQueueCollectorReportsPushState(t *testing.T) {
	q := pageio.NewQueue(pageio.Config{Capacity: 4})
	c := NewQueueCollector(q)
	ch := make(chan prometheus.Metric, 16)
	c.Collect(ch)
	close(ch)
	assert.Equal(t, 3, len(drain(ch)))
}

func drain(ch chan prometheus.Metric) []prometheus.Metric {
	var out []prometheus.Metric
	for m := range ch {
		out = append(out, m)
	}
	return out
}

func containsSubstring(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
