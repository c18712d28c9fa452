package jobtracker

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/buildd/internal/storage/wal"
	"github.com/ChuLiYu/buildd/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func candidate(name string) types.Candidate {
	return types.Candidate{
		Ref:  types.PackageRef{Name: name, Version: "1.0-1", Arch: "amd64"},
		Dist: "sid",
	}
}

func newTestTracker(t *testing.T) (*Tracker, *wal.WAL) {
	t.Helper()
	journal, err := wal.NewWAL(filepath.Join(t.TempDir(), "jobs.wal"))
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })
	tr, err := New(journal)
	require.NoError(t, err)
	return tr, journal
}

// claimed drives a job to Claimed.
func claimed(t *testing.T, tr *Tracker, token, name string) types.BuildJob {
	t.Helper()
	_, err := tr.BeginClaim(types.ClaimToken(token), candidate(name))
	require.NoError(t, err)
	job, err := tr.ConfirmClaim(types.ClaimToken(token), types.ClaimMeta{Archive: "debian"})
	require.NoError(t, err)
	return job
}

type failingJournal struct{}

func (failingJournal) Append(wal.EventType, types.BuildJob, bool) error {
	return errors.New("disk full")
}
func (failingJournal) GetLastSeq() uint64 { return 0 }

// ============================================================================
// Lifecycle
// ============================================================================

func TestFullLifecycle(t *testing.T) {
	tr, _ := newTestTracker(t)

	job, err := tr.BeginClaim("t1", candidate("chasquid"))
	require.NoError(t, err)
	assert.Equal(t, types.StateQueued, job.State)

	job, err = tr.ConfirmClaim("t1", types.ClaimMeta{Archive: "debian"})
	require.NoError(t, err)
	assert.Equal(t, types.StateClaimed, job.State)
	assert.Equal(t, "sid", job.Meta.Dist, "dist from the candidate is kept")
	assert.Equal(t, "debian", job.Meta.Archive)

	job, err = tr.StartBuilding("t1", "amd64-1")
	require.NoError(t, err)
	assert.Equal(t, "amd64-1", job.Slot)

	job, err = tr.BeginReport("t1", types.ActionBuilt)
	require.NoError(t, err)
	assert.Equal(t, types.StateReporting, job.State)
	assert.Empty(t, job.Slot)

	job, err = tr.Acknowledge("t1")
	require.NoError(t, err)
	assert.Equal(t, types.StateDone, job.State)
	assert.Equal(t, 0, tr.Len())

	_, err = tr.Acknowledge("t1")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestAtMostOneClaimPerPackage(t *testing.T) {
	tr, _ := newTestTracker(t)
	claimed(t, tr, "t1", "chasquid")

	_, err := tr.BeginClaim("t2", candidate("chasquid"))
	assert.ErrorIs(t, err, ErrActiveClaim)
	assert.True(t, tr.HasRef(candidate("chasquid").Ref))

	other := candidate("chasquid")
	other.Ref.Arch = "i386"
	_, err = tr.BeginClaim("t3", other)
	assert.NoError(t, err, "other architecture is a different unit")

	_, err = tr.BeginClaim("t1", candidate("gobby"))
	assert.ErrorIs(t, err, ErrDuplicateJob)
}

func TestAbortClaimReleasesPackage(t *testing.T) {
	tr, _ := newTestTracker(t)
	_, err := tr.BeginClaim("t1", candidate("chasquid"))
	require.NoError(t, err)
	require.NoError(t, tr.AbortClaim("t1"))
	assert.False(t, tr.HasRef(candidate("chasquid").Ref))

	claimed(t, tr, "t2", "chasquid")
	assert.ErrorIs(t, tr.AbortClaim("t2"), ErrInvalidTransition)
}

func TestDuplicateTokenCannotBuildTwice(t *testing.T) {
	tr, _ := newTestTracker(t)
	claimed(t, tr, "t1", "chasquid")

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			if _, err := tr.StartBuilding("t1", "slot"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

func TestRequeueCountsFailures(t *testing.T) {
	tr, _ := newTestTracker(t)
	claimed(t, tr, "t1", "chasquid")

	for i := 1; i <= 3; i++ {
		_, err := tr.StartBuilding("t1", "amd64-1")
		require.NoError(t, err)
		job, err := tr.Requeue("t1")
		require.NoError(t, err)
		assert.Equal(t, i, job.Attempt)
		assert.Equal(t, types.StateClaimed, job.State)
	}
}

func TestInvalidTransitions(t *testing.T) {
	tr, _ := newTestTracker(t)
	_, err := tr.BeginClaim("t1", candidate("chasquid"))
	require.NoError(t, err)

	_, err = tr.StartBuilding("t1", "s")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = tr.Acknowledge("t1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = tr.Requeue("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	assert.True(t, CanTransition(types.StateBuilding, types.StateReporting))
	assert.False(t, CanTransition(types.StateDone, types.StateQueued))
}

func TestRetargetReporting(t *testing.T) {
	tr, journal := newTestTracker(t)
	claimed(t, tr, "t1", "chasquid")

	_, err := tr.Retarget("t1", types.ActionGiveBack)
	assert.ErrorIs(t, err, ErrInvalidTransition, "only jobs in Reporting change action")

	_, err = tr.BeginReport("t1", types.ActionBuilt)
	require.NoError(t, err)
	job, err := tr.Retarget("t1", types.ActionGiveBack)
	require.NoError(t, err)
	assert.Equal(t, types.StateReporting, job.State)
	assert.Equal(t, types.ActionGiveBack, job.Action)

	recovered, err := New(nil)
	require.NoError(t, err)
	require.NoError(t, recovered.Recover(nil, journal.Replay))
	job, err = recovered.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.ActionGiveBack, job.Action)

	job, err = tr.Acknowledge("t1")
	require.NoError(t, err)
	assert.Equal(t, types.StateGivenBack, job.State)
}

func TestForgetRemovesAnyState(t *testing.T) {
	tr, journal := newTestTracker(t)
	claimed(t, tr, "t1", "chasquid")
	_, err := tr.StartBuilding("t1", "amd64-1")
	require.NoError(t, err)

	job, err := tr.Forget("t1")
	require.NoError(t, err)
	assert.Equal(t, types.StateBuilding, job.State)
	assert.False(t, tr.HasRef(job.Ref), "package can be claimed again")

	_, err = tr.Forget("t1")
	assert.ErrorIs(t, err, ErrJobNotFound)

	recovered, err := New(nil)
	require.NoError(t, err)
	require.NoError(t, recovered.Recover(nil, journal.Replay))
	assert.Zero(t, recovered.Len())
}

func TestJournalFailureLeavesStateUnchanged(t *testing.T) {
	tr, err := New(failingJournal{})
	require.NoError(t, err)

	_, err = tr.BeginClaim("t1", candidate("chasquid"))
	assert.Error(t, err)
	assert.Equal(t, 0, tr.Len())
}

func TestQueries(t *testing.T) {
	tr, _ := newTestTracker(t)
	claimed(t, tr, "t1", "a")
	claimed(t, tr, "t2", "b")
	_, err := tr.StartBuilding("t2", "amd64-1")
	require.NoError(t, err)

	assert.Len(t, tr.ListByState(types.StateClaimed), 1)
	assert.Len(t, tr.ListByState(types.StateBuilding), 1)
	assert.Len(t, tr.ListByArch("amd64"), 2)
	assert.Empty(t, tr.ListByArch("i386"))
	assert.Equal(t, map[types.JobState]int{types.StateClaimed: 1, types.StateBuilding: 1}, tr.CountByState())

	job, err := tr.Get("t2")
	require.NoError(t, err)
	assert.Equal(t, "b", job.Ref.Name)
}

// ============================================================================
// Recovery
// ============================================================================

func TestRecoverFromJournal(t *testing.T) {
	tr, journal := newTestTracker(t)
	claimed(t, tr, "t1", "a")
	claimed(t, tr, "t2", "b")
	claimed(t, tr, "t3", "c")
	_, err := tr.StartBuilding("t1", "amd64-1")
	require.NoError(t, err)
	_, err = tr.BeginReport("t2", types.ActionBuilt)
	require.NoError(t, err)
	_, err = tr.BeginReport("t3", types.ActionGiveBack)
	require.NoError(t, err)
	_, err = tr.Acknowledge("t3")
	require.NoError(t, err)

	recovered, err := New(nil)
	require.NoError(t, err)
	require.NoError(t, recovered.Recover(nil, journal.Replay))

	assert.Equal(t, 2, recovered.Len())
	j1, err := recovered.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.StateBuilding, j1.State)
	j2, err := recovered.Get("t2")
	require.NoError(t, err)
	assert.Equal(t, types.StateReporting, j2.State)
	assert.Equal(t, types.ActionBuilt, j2.Action)
	_, err = recovered.Get("t3")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestCheckpointAndRecover(t *testing.T) {
	tr, journal := newTestTracker(t)
	claimed(t, tr, "t1", "a")

	var snap types.SnapshotData
	require.NoError(t, tr.Checkpoint(func(data types.SnapshotData) error {
		snap = data
		return journal.Rotate()
	}))
	assert.Equal(t, SchemaVersion, snap.SchemaVer)
	assert.Equal(t, uint64(2), snap.LastSeq)
	require.Len(t, snap.Jobs, 1)

	claimed(t, tr, "t2", "b")

	recovered, err := New(nil)
	require.NoError(t, err)
	require.NoError(t, recovered.Recover(&snap, journal.Replay))
	assert.Equal(t, 2, recovered.Len())
	assert.True(t, recovered.HasRef(candidate("a").Ref))
	assert.True(t, recovered.HasRef(candidate("b").Ref))
}
