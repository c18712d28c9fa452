package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/buildd/internal/authority/authoritytest"
	"github.com/ChuLiYu/buildd/internal/config"
	"github.com/ChuLiYu/buildd/internal/jobtracker"
	"github.com/ChuLiYu/buildd/internal/metrics"
	"github.com/ChuLiYu/buildd/internal/reporter"
	"github.com/ChuLiYu/buildd/internal/retry"
	"github.com/ChuLiYu/buildd/internal/session"
	"github.com/ChuLiYu/buildd/internal/snapshot"
	"github.com/ChuLiYu/buildd/internal/storage/replay"
	"github.com/ChuLiYu/buildd/internal/storage/wal"
	"github.com/ChuLiYu/buildd/internal/toolchain"
	"github.com/ChuLiYu/buildd/internal/upload"
	"github.com/ChuLiYu/buildd/internal/worker"
	"github.com/ChuLiYu/buildd/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

var fastPolicy = retry.Policy{Mode: config.BackoffFixed, Initial: time.Millisecond, Max: time.Millisecond, MaxRetries: 1}

// gatedToolchain 每個套件的建置會阻塞直到 gate 被打開
type gatedToolchain struct {
	mu        sync.Mutex
	gates     map[string]chan struct{}
	started   []string
	tokens    []types.ClaimToken
	active    map[types.ClaimToken]int
	maxActive int
	result    func(req session.Request) (*session.Output, error)
}

func newGatedToolchain() *gatedToolchain {
	return &gatedToolchain{
		gates:  make(map[string]chan struct{}),
		active: make(map[types.ClaimToken]int),
	}
}

func (g *gatedToolchain) gate(name string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[name]
	if !ok {
		ch = make(chan struct{})
		g.gates[name] = ch
	}
	return ch
}

// open 讓 name 的建置 (包括之後的) 立即完成
func (g *gatedToolchain) open(name string) {
	close(g.gate(name))
}

func (g *gatedToolchain) Build(ctx context.Context, req session.Request) (*session.Output, error) {
	name := req.Job.Ref.Name
	g.mu.Lock()
	g.started = append(g.started, name)
	g.tokens = append(g.tokens, req.Job.Token)
	g.active[req.Job.Token]++
	if g.active[req.Job.Token] > g.maxActive {
		g.maxActive = g.active[req.Job.Token]
	}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.active[req.Job.Token]--
		g.mu.Unlock()
	}()

	select {
	case <-g.gate(name):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	g.mu.Lock()
	result := g.result
	g.mu.Unlock()
	if result != nil {
		return result(req)
	}
	return &session.Output{
		ExitStatus:  0,
		Artifacts:   []string{name + "_1.0-1_amd64.deb"},
		ChangesFile: types.ChangesFileName(req.Job.Ref, req.Job.Meta),
		BuildDir:    "/build/" + req.Slot.ID + "/" + name,
	}, nil
}

func (g *gatedToolchain) Started() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.started...)
}

// Builds returns how many builds ran under token.
func (g *gatedToolchain) Builds(token types.ClaimToken) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, t := range g.tokens {
		if t == token {
			n++
		}
	}
	return n
}

func (g *gatedToolchain) MaxActive() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxActive
}

type nopProvisioner struct{ broken bool }

func (p nopProvisioner) Check(context.Context, session.Slot) error {
	if p.broken {
		return errors.New("chroot missing")
	}
	return nil
}
func (nopProvisioner) Repair(context.Context, session.Slot) error { return nil }
func (nopProvisioner) Reset(context.Context, session.Slot) error  { return nil }

// flakyJournal 對指定的事件類型回傳錯誤，其餘寫入 WAL
type flakyJournal struct {
	*wal.WAL
	fail map[wal.EventType]bool
}

func (j flakyJournal) Append(event wal.EventType, job types.BuildJob, force bool) error {
	if j.fail[event] {
		return errors.New("journal: no space left on device")
	}
	return j.WAL.Append(event, job, force)
}

type nopUploader struct{}

func (nopUploader) Upload(context.Context, upload.Request) error { return nil }

type staticKeys struct{ err error }

func (k staticKeys) PickKey(context.Context) (toolchain.Key, error) {
	if k.err != nil {
		return toolchain.Key{}, k.err
	}
	return toolchain.Key{ID: "ABCD", Email: "buildd_amd64-host@buildd.debian.org", Expiry: time.Now().Add(time.Hour * 240)}, nil
}

// harness 一組可重啟的 dispatcher 依賴
type harness struct {
	dir       string
	authority *authoritytest.Fake
	toolchain *gatedToolchain
	prov      worker.Provisioner
	keys      toolchain.KeySource
	cfg       Config
	slots     int

	failJournal map[wal.EventType]bool // tracker 寫入這些事件時失敗

	journal    *wal.WAL
	tracker    *jobtracker.Tracker
	queue      *replay.Queue
	pool       *worker.Pool
	reporter   *reporter.Reporter
	metrics    *metrics.Collector
	dispatcher *Dispatcher
}

func newHarness(t *testing.T, slots int) *harness {
	t.Helper()
	h := &harness{
		dir:       t.TempDir(),
		authority: authoritytest.New(),
		toolchain: newGatedToolchain(),
		prov:      nopProvisioner{},
		slots:     slots,
		cfg: Config{
			IdleSleep:       10 * time.Millisecond,
			Session:         session.Config{Timeout: time.Minute, CancelGrace: 5 * time.Second},
			BuildPolicy:     retry.NewBuildPolicy(2, nil),
			ReplayInterval:  20 * time.Millisecond,
			MetricsInterval: 20 * time.Millisecond,
		},
	}
	t.Cleanup(func() { h.stop(t) })
	return h
}

// build 建立 (或重啟後重建) 所有元件
func (h *harness) build(t *testing.T) *Dispatcher {
	t.Helper()
	var err error
	h.journal, err = wal.NewWAL(filepath.Join(h.dir, "jobs.wal"))
	require.NoError(t, err)
	var journal jobtracker.Journal = h.journal
	if h.failJournal != nil {
		journal = flakyJournal{WAL: h.journal, fail: h.failJournal}
	}
	h.tracker, err = jobtracker.New(journal)
	require.NoError(t, err)
	h.queue, err = replay.Open(filepath.Join(h.dir, "replay.db"))
	require.NoError(t, err)

	var specs []session.Slot
	for i := 1; i <= h.slots; i++ {
		specs = append(specs, session.Slot{ID: fmt.Sprintf("amd64-%d", i), Arch: "amd64", Backend: "sid-amd64-sbuild"})
	}
	h.pool, err = worker.NewPool(specs, h.prov, worker.Options{RepairBackoff: fastPolicy})
	require.NoError(t, err)

	h.metrics = metrics.NewCollector(prometheus.NewRegistry())
	h.reporter = reporter.New(h.tracker, h.authority, nopUploader{}, h.queue, nil, nil, reporter.Options{
		Policy:         fastPolicy,
		RunID:          "run-test",
		Builder:        "buildd_amd64-host",
		OnAcknowledged: func(r types.Report) { h.metrics.RecordOutcome(r.Action) },
	})

	classifier, err := session.NewPatternClassifier(config.Default().Build.DepWaitPatterns)
	require.NoError(t, err)

	h.dispatcher, err = New(h.cfg, Deps{
		Authority:  h.authority,
		Tracker:    h.tracker,
		Journal:    h.journal,
		Snapshots:  snapshot.NewManager(filepath.Join(h.dir, "snapshot.json"), jobtracker.SchemaVersion),
		Pool:       h.pool,
		Reporter:   h.reporter,
		Toolchain:  h.toolchain,
		Classifier: classifier,
		Keys:       h.keys,
		Metrics:    h.metrics,
	})
	require.NoError(t, err)
	return h.dispatcher
}

func (h *harness) start(t *testing.T) *Dispatcher {
	t.Helper()
	d := h.build(t)
	require.NoError(t, d.Start(context.Background()))
	return d
}

func (h *harness) stop(t *testing.T) {
	if h.dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, h.dispatcher.Shutdown(ctx))
		h.dispatcher = nil
	}
	if h.queue != nil {
		h.queue.Close()
		h.queue = nil
	}
	if h.journal != nil {
		h.journal.Close()
		h.journal = nil
	}
}

func amd64(name string, prio int) types.Candidate {
	return types.Candidate{
		Ref:      types.PackageRef{Name: name, Version: "1.0-1", Arch: "amd64"},
		Dist:     "sid",
		Priority: prio,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func appliedNames(calls []authoritytest.Call) []string {
	var out []string
	for _, c := range calls {
		out = append(out, c.Ref.Name)
	}
	return out
}

// ============================================================================
// Scheduling
// ============================================================================

func TestPriorityWithTwoSlots(t *testing.T) {
	h := newHarness(t, 2)
	h.authority.Add(amd64("low-b", 0), amd64("high", 10), amd64("low-a", 0))
	h.start(t)

	waitFor(t, "two builds", func() bool { return len(h.toolchain.Started()) == 2 })
	assert.ElementsMatch(t, []string{"high", "low-a"}, h.toolchain.Started())

	// 第三個工作在 slot 空出前不會被 claim
	time.Sleep(50 * time.Millisecond)
	assert.False(t, h.authority.Claimed(amd64("low-b", 0).Ref))
	assert.False(t, h.tracker.HasRef(amd64("low-b", 0).Ref))
	assert.Len(t, h.authority.Calls(authoritytest.OpClaim), 2)

	h.toolchain.open("high")
	waitFor(t, "third build", func() bool { return len(h.toolchain.Started()) == 3 })
	assert.Equal(t, "low-b", h.toolchain.Started()[2])

	h.toolchain.open("low-a")
	h.toolchain.open("low-b")
	waitFor(t, "all built", func() bool { return len(h.authority.Applied(authoritytest.OpBuilt)) == 3 })
	assert.Equal(t, "high", appliedNames(h.authority.Applied(authoritytest.OpBuilt))[0])

	waitFor(t, "tracker empty", func() bool { return h.tracker.Len() == 0 })
	assert.Equal(t, 1, h.toolchain.MaxActive(), "a job never builds on two slots at once")
}

func TestLookaheadBoundsClaims(t *testing.T) {
	h := newHarness(t, 1)
	h.cfg.Lookahead = 1
	h.authority.Add(amd64("a", 3), amd64("b", 2), amd64("c", 1))
	h.start(t)

	waitFor(t, "two claims", func() bool { return len(h.authority.Calls(authoritytest.OpClaim)) == 2 })
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.authority.Calls(authoritytest.OpClaim), 2, "one idle slot plus lookahead 1")
	assert.Equal(t, []string{"a"}, h.toolchain.Started())

	job := h.tracker.ListByState(types.StateClaimed)
	require.Len(t, job, 1)
	assert.Equal(t, "b", job[0].Ref.Name, "claimed job waits for the slot")

	h.toolchain.open("a")
	h.toolchain.open("b")
	h.toolchain.open("c")
	waitFor(t, "all built", func() bool { return len(h.authority.Applied(authoritytest.OpBuilt)) == 3 })
	assert.Equal(t, []string{"a", "b", "c"}, h.toolchain.Started(), "claim order is build order")
}

func TestLostClaimRaceIsSkipped(t *testing.T) {
	h := newHarness(t, 1)
	h.authority.Add(amd64("taken", 5), amd64("free", 0))
	h.authority.FailClaim(amd64("taken", 5).Ref, authoritytest.Rejected("already-claimed"))
	h.toolchain.open("free")
	h.start(t)

	waitFor(t, "free built", func() bool { return len(h.authority.Applied(authoritytest.OpBuilt)) == 1 })
	assert.Equal(t, []string{"free"}, h.toolchain.Started())
	assert.False(t, h.tracker.HasRef(amd64("taken", 5).Ref))
}

func TestProtocolErrorLeavesPackageForNextCycle(t *testing.T) {
	h := newHarness(t, 1)
	ref := amd64("flaky", 0).Ref
	h.authority.Add(amd64("flaky", 0))
	h.authority.FailClaim(ref, authoritytest.ProtocolError())
	h.toolchain.open("flaky")
	h.start(t)

	waitFor(t, "repeated claim attempts", func() bool { return len(h.authority.Calls(authoritytest.OpClaim)) >= 2 })
	assert.False(t, h.tracker.HasRef(ref))

	h.authority.FailClaim(ref, nil)
	waitFor(t, "built after recovery", func() bool { return len(h.authority.Applied(authoritytest.OpBuilt)) == 1 })
}

func TestClaimTokenCannotBuildTwice(t *testing.T) {
	h := newHarness(t, 2)
	h.authority.Add(amd64("chasquid", 0))
	h.start(t)

	waitFor(t, "build", func() bool { return len(h.toolchain.Started()) == 1 })
	building := h.tracker.ListByState(types.StateBuilding)
	require.Len(t, building, 1)

	_, err := h.tracker.StartBuilding(building[0].Token, "amd64-2")
	assert.ErrorIs(t, err, jobtracker.ErrInvalidTransition)

	h.toolchain.open("chasquid")
	waitFor(t, "built", func() bool { return len(h.authority.Applied(authoritytest.OpBuilt)) == 1 })
	assert.Len(t, h.toolchain.Started(), 1)
}

// ============================================================================
// Outcomes
// ============================================================================

func TestRetryBoundThenGiveBack(t *testing.T) {
	h := newHarness(t, 1)
	h.cfg.BuildPolicy = retry.NewBuildPolicy(2, []int{2})
	h.toolchain.result = func(req session.Request) (*session.Output, error) {
		return &session.Output{ExitStatus: 3, Log: []byte("E: disk full")}, nil
	}
	h.toolchain.open("chasquid")
	h.authority.Add(amd64("chasquid", 0))
	d := h.start(t)

	waitFor(t, "give-back", func() bool { return len(h.authority.Applied(authoritytest.OpGiveBack)) >= 1 })
	d.RequestDrain()
	gaveBack := h.authority.Applied(authoritytest.OpGiveBack)[0]
	assert.Equal(t, 3, h.toolchain.Builds(gaveBack.Token), "K=2 local retries then give-back on the third failure")
	assert.Empty(t, h.authority.Applied(authoritytest.OpFailed))
}

// tracker 無法記錄狀態變更時，claim 仍然會被歸還而不是卡住
func TestTrackerFailureGivesBackClaim(t *testing.T) {
	cases := []struct {
		name   string
		fail   wal.EventType
		builds int
	}{
		{name: "start building", fail: wal.EventBuild, builds: 0},
		{name: "local retry", fail: wal.EventRequeue, builds: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 1)
			h.failJournal = map[wal.EventType]bool{tc.fail: true}
			h.toolchain.result = func(req session.Request) (*session.Output, error) {
				return &session.Output{ExitStatus: 3, Log: []byte("E: disk full")}, nil
			}
			h.toolchain.open("chasquid")
			h.authority.Add(amd64("chasquid", 0))
			d := h.start(t)

			waitFor(t, "give-back", func() bool { return len(h.authority.Applied(authoritytest.OpGiveBack)) >= 1 })
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			require.NoError(t, d.Drain(ctx))

			gaveBack := h.authority.Applied(authoritytest.OpGiveBack)[0]
			assert.Equal(t, tc.builds, h.toolchain.Builds(gaveBack.Token))
			assert.Empty(t, h.authority.Applied(authoritytest.OpFailed, authoritytest.OpBuilt))
			assert.Zero(t, h.tracker.Len(), "no claim left behind")
		})
	}
}

func TestPermanentFailureReportedOnce(t *testing.T) {
	h := newHarness(t, 1)
	h.toolchain.result = func(req session.Request) (*session.Output, error) {
		return &session.Output{ExitStatus: 2, Log: []byte("dh_auto_test: error")}, nil
	}
	h.toolchain.open("broken")
	h.authority.Add(amd64("broken", 0))
	h.start(t)

	waitFor(t, "failed", func() bool { return len(h.authority.Applied(authoritytest.OpFailed)) == 1 })
	assert.Len(t, h.toolchain.Started(), 1)
}

func TestDepWaitReported(t *testing.T) {
	h := newHarness(t, 1)
	h.toolchain.result = func(req session.Request) (*session.Output, error) {
		return &session.Output{ExitStatus: 1, Log: []byte("sbuild: unsatisfied dependency: libfoo (>= 2.0)\n")}, nil
	}
	h.toolchain.open("needs-libfoo")
	h.authority.Add(amd64("needs-libfoo", 0))
	h.start(t)

	waitFor(t, "dep-wait", func() bool { return len(h.authority.Applied(authoritytest.OpDepWait)) == 1 })
	assert.Equal(t, []string{"libfoo (>= 2.0)"}, h.authority.Applied(authoritytest.OpDepWait)[0].Deps)
	assert.Empty(t, h.authority.Calls(authoritytest.OpFailed))
}

func TestUnusableBackendQuarantinesSlot(t *testing.T) {
	h := newHarness(t, 1)
	var calls int
	var mu sync.Mutex
	h.toolchain.result = func(req session.Request) (*session.Output, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, fmt.Errorf("sbuild: %w", session.ErrBackendUnusable)
		}
		return &session.Output{ExitStatus: 0, Artifacts: []string{"x.deb"}, ChangesFile: "x.changes"}, nil
	}
	h.toolchain.open("chasquid")
	h.authority.Add(amd64("chasquid", 0))
	h.start(t)

	waitFor(t, "built after repair", func() bool { return len(h.authority.Applied(authoritytest.OpBuilt)) == 1 })
	stats := h.pool.Stats()
	assert.Equal(t, uint64(1), stats.Quarantines)
	assert.Equal(t, uint64(1), stats.Repairs)
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestDrainStopsClaimingAndFinishesBuilds(t *testing.T) {
	h := newHarness(t, 1)
	h.authority.Add(amd64("first", 1), amd64("second", 0))
	d := h.start(t)

	waitFor(t, "first build", func() bool { return len(h.toolchain.Started()) == 1 })
	d.RequestDrain()
	claims := len(h.authority.Calls(authoritytest.OpClaim))

	h.toolchain.open("first")
	h.toolchain.open("second")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Drain(ctx))

	assert.Len(t, h.authority.Calls(authoritytest.OpClaim), claims, "no claims after drain")
	assert.Equal(t, []string{"first"}, h.toolchain.Started())
	assert.Len(t, h.authority.Applied(authoritytest.OpBuilt), 1)
	assert.Zero(t, h.tracker.Len())
	for _, s := range h.pool.Slots() {
		assert.False(t, s.Busy, "slot %s released", s.ID)
	}
}

func TestDrainGivesBackJobsWaitingForSlot(t *testing.T) {
	h := newHarness(t, 1)
	h.cfg.Lookahead = 1
	h.authority.Add(amd64("building", 1), amd64("waiting", 0))
	d := h.start(t)

	waitFor(t, "two claims", func() bool { return len(h.authority.Calls(authoritytest.OpClaim)) == 2 })
	d.RequestDrain()
	waitFor(t, "waiting job given back", func() bool { return len(h.authority.Applied(authoritytest.OpGiveBack)) == 1 })
	assert.Equal(t, "waiting", h.authority.Applied(authoritytest.OpGiveBack)[0].Ref.Name)

	h.toolchain.open("building")
	select {
	case <-d.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not finish draining")
	}
	assert.Len(t, h.authority.Applied(authoritytest.OpBuilt), 1)
}

func TestShutdownCancelsBuildsAndGivesBack(t *testing.T) {
	h := newHarness(t, 1)
	h.authority.Add(amd64("endless", 0))
	d := h.start(t)

	waitFor(t, "build", func() bool { return len(h.toolchain.Started()) == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
	h.dispatcher = nil

	require.Len(t, h.authority.Applied(authoritytest.OpGiveBack), 1)
	assert.Zero(t, h.tracker.Len())
}

func TestDrainGraceCancelsLongBuilds(t *testing.T) {
	h := newHarness(t, 1)
	h.cfg.DrainGrace = 50 * time.Millisecond
	h.authority.Add(amd64("endless", 0))
	d := h.start(t)

	waitFor(t, "build", func() bool { return len(h.toolchain.Started()) == 1 })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Drain(ctx))
	assert.Len(t, h.authority.Applied(authoritytest.OpGiveBack), 1)
}

func TestStatus(t *testing.T) {
	h := newHarness(t, 2)
	h.authority.Add(amd64("chasquid", 0))
	d := h.start(t)

	waitFor(t, "build", func() bool { return len(h.toolchain.Started()) == 1 })
	st, err := d.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Draining)
	assert.True(t, st.KeyOK)
	assert.Equal(t, uint64(1), st.Claims)
	require.Len(t, st.Jobs, 1)
	assert.Equal(t, types.StateBuilding, st.Jobs[0].State)
	assert.Len(t, st.Slots, 2)
	assert.Zero(t, st.ReplayPending)

	h.toolchain.open("chasquid")
}

func TestStartFailures(t *testing.T) {
	t.Run("no usable slots", func(t *testing.T) {
		h := newHarness(t, 1)
		h.prov = nopProvisioner{broken: true}
		d := h.build(t)
		err := d.Start(context.Background())
		assert.ErrorIs(t, err, worker.ErrNoUsableSlots)
		<-d.Done()
		h.dispatcher = nil
	})

	t.Run("no signing key", func(t *testing.T) {
		h := newHarness(t, 1)
		h.keys = staticKeys{err: toolchain.ErrKeyNotFound}
		d := h.build(t)
		assert.ErrorIs(t, d.Start(context.Background()), toolchain.ErrKeyNotFound)
		h.dispatcher = nil
	})

	t.Run("started twice", func(t *testing.T) {
		h := newHarness(t, 1)
		h.keys = staticKeys{}
		d := h.start(t)
		assert.ErrorIs(t, d.Start(context.Background()), ErrAlreadyStarted)
	})

	t.Run("drain before start", func(t *testing.T) {
		h := newHarness(t, 1)
		d := h.build(t)
		assert.ErrorIs(t, d.Drain(context.Background()), ErrNotStarted)
	})
}

// ============================================================================
// Recovery
// ============================================================================

func TestRecoveryGivesBackInterruptedBuild(t *testing.T) {
	h := newHarness(t, 1)
	h.authority.Add(amd64("interrupted", 0))
	h.start(t)
	waitFor(t, "build", func() bool { return len(h.toolchain.Started()) == 1 })

	// 模擬崩潰：直接關閉持久化層，不經過 Shutdown
	crashed := h.dispatcher
	h.dispatcher = nil
	h.queue.Close()
	h.queue = nil
	h.journal.Close()
	h.journal = nil
	defer func() {
		crashed.RequestDrain()
		crashed.cancelBuilds()
		h.toolchain.open("interrupted")
		select {
		case <-crashed.Done():
		case <-time.After(5 * time.Second):
			t.Error("crashed dispatcher did not stop")
		}
	}()

	h.start(t)
	waitFor(t, "give-back", func() bool { return len(h.authority.Applied(authoritytest.OpGiveBack)) == 1 })
	assert.Empty(t, h.authority.Applied(authoritytest.OpBuilt))
}

func TestCheckpointSurvivesRestart(t *testing.T) {
	h := newHarness(t, 1)
	h.authority.Add(amd64("chasquid", 0))
	d := h.start(t)
	waitFor(t, "build", func() bool { return len(h.toolchain.Started()) == 1 })

	require.NoError(t, d.checkpoint())
	n, err := wal.CountEvents(filepath.Join(h.dir, "jobs.wal"))
	require.NoError(t, err)
	assert.Zero(t, n, "journal rotated after checkpoint")

	snap, err := snapshot.NewManager(filepath.Join(h.dir, "snapshot.json"), jobtracker.SchemaVersion).Load()
	require.NoError(t, err)
	require.Len(t, snap.Jobs, 1)

	h.toolchain.open("chasquid")
}
