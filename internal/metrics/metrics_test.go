package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wezterm-parallel/core/internal/process"
)

func TestAggregateHealthScoreClampedAtZero(t *testing.T) {
	records := []process.Record{
		{Status: process.StatusFailed},
		{Status: process.StatusFailed},
		{Status: process.StatusFailed},
	}
	agg := aggregate("ws1", records, time.Now())
	assert.Equal(t, 0, agg.HealthScore)
	assert.Equal(t, 3, agg.FailedCount)
}

func TestAggregateHealthScoreMixed(t *testing.T) {
	records := []process.Record{
		{Status: process.StatusRunning, Metrics: process.Metrics{CPUPercent: 1.5, RSSBytes: 1024}},
		{Status: process.StatusUnresponsive},
	}
	agg := aggregate("ws1", records, time.Now())
	assert.Equal(t, 80, agg.HealthScore) // 100 - 20*1
	assert.Equal(t, 1, agg.RunningCount)
	assert.Equal(t, 1, agg.UnresponsiveCount)
	assert.InDelta(t, 1.5, agg.TotalCPUPercent, 0.001)
	assert.EqualValues(t, 1024, agg.TotalRSSBytes)
}

func TestAggregateHealthScorePerfectWhenEmpty(t *testing.T) {
	agg := aggregate("ws1", nil, time.Now())
	assert.Equal(t, 100, agg.HealthScore)
}

type fakeLister struct {
	records []process.Record
	updated map[string][2]float64
}

func (f *fakeLister) List(string) []process.Record { return f.records }
func (f *fakeLister) UpdateMetrics(id string, cpu float64, rss uint64) {
	if f.updated == nil {
		f.updated = make(map[string][2]float64)
	}
	f.updated[id] = [2]float64{cpu, float64(rss)}
}

type fakePublisher struct {
	got [][]WorkspaceAggregate
}

func (f *fakePublisher) PublishMetrics(aggs []WorkspaceAggregate) {
	f.got = append(f.got, aggs)
}

func TestSamplerTickSkipsProcessesWithoutPID(t *testing.T) {
	lister := &fakeLister{records: []process.Record{{ID: "p1", Workspace: "ws1", PID: 0}}}
	pub := &fakePublisher{}
	s := New(lister, pub, time.Hour)
	s.tick()

	assert.Empty(t, lister.updated)
	assert.Len(t, pub.got, 1)
	assert.Equal(t, "ws1", pub.got[0][0].Workspace)
}
