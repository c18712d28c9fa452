package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/buildd/internal/worker"
	"github.com/ChuLiYu/buildd/pkg/types"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollector(t *testing.T) {
	collector, reg := newTestCollector(t)
	assert.NotNil(t, collector)

	// 同一個 registry 不能註冊兩次
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestRecordClaimAndOutcome(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordClaim("amd64", "ok")
	c.RecordClaim("amd64", "ok")
	c.RecordClaim("amd64", "rejected")
	c.RecordOutcome(types.ActionDepWait)
	c.RecordRetry()
	c.RecordQuarantine()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.claims.WithLabelValues("amd64", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.claims.WithLabelValues("amd64", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.outcomes.WithLabelValues("dep-wait")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.retries))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.quarantines))
}

func TestRecordBuild(t *testing.T) {
	c, reg := newTestCollector(t)
	start := time.Now()
	c.RecordBuild("arm64", types.BuildResult{
		State:      types.SessionSucceeded,
		StartedAt:  start,
		FinishedAt: start.Add(10 * time.Minute),
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.builds.WithLabelValues("arm64", "succeeded")))
	n, err := testutil.GatherAndCount(reg, "buildd_build_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpdateSlots(t *testing.T) {
	c, _ := newTestCollector(t)
	c.UpdateSlots([]worker.SlotInfo{
		{ID: "amd64-1", Arch: "amd64", Usable: true, Busy: true},
		{ID: "amd64-2", Arch: "amd64", Usable: true},
		{ID: "amd64-3", Arch: "amd64", Usable: false},
	})

	expected := `
# HELP buildd_slots Worker slots by architecture and status.
# TYPE buildd_slots gauge
buildd_slots{arch="amd64",status="busy"} 1
buildd_slots{arch="amd64",status="idle"} 1
buildd_slots{arch="amd64",status="quarantined"} 1
`
	assert.NoError(t, testutil.CollectAndCompare(c.slots, strings.NewReader(expected)))

	c.UpdateSlots([]worker.SlotInfo{{ID: "amd64-1", Arch: "amd64", Usable: true}})
	assert.Equal(t, 1, testutil.CollectAndCount(c.slots))
}

func TestUpdateJobsAndReplay(t *testing.T) {
	c, _ := newTestCollector(t)
	c.UpdateJobs(map[types.JobState]int{types.StateBuilding: 2, types.StateReporting: 1})
	c.SetReplayPending(3)
	c.SetRecoveryTime(1500 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobs.WithLabelValues("building")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.replay))
	assert.Equal(t, 1.5, testutil.ToFloat64(c.recoveryTime))
}
