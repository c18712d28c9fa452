package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/buildd/internal/authority/authoritytest"
	"github.com/ChuLiYu/buildd/internal/config"
	"github.com/ChuLiYu/buildd/internal/dispatcher"
	"github.com/ChuLiYu/buildd/internal/jobtracker"
	"github.com/ChuLiYu/buildd/internal/metrics"
	"github.com/ChuLiYu/buildd/internal/reporter"
	"github.com/ChuLiYu/buildd/internal/retry"
	"github.com/ChuLiYu/buildd/internal/session"
	"github.com/ChuLiYu/buildd/internal/snapshot"
	"github.com/ChuLiYu/buildd/internal/storage/replay"
	"github.com/ChuLiYu/buildd/internal/storage/wal"
	"github.com/ChuLiYu/buildd/internal/upload"
	"github.com/ChuLiYu/buildd/internal/worker"
	"github.com/ChuLiYu/buildd/pkg/types"
)

// ============================================================================
// 整合測試共用元件
// ============================================================================

var fastPolicy = retry.Policy{Mode: config.BackoffFixed, Initial: time.Millisecond, Max: time.Millisecond, MaxRetries: 2}

// outcome 決定某次建置的結果
type outcome int

const (
	outcomeOK outcome = iota
	outcomeTransient
	outcomePermanent
	outcomeDepWait
)

// scriptedToolchain 依 plan 回傳結果，並記錄每個架構的並行建置數
type scriptedToolchain struct {
	mu     sync.Mutex
	plan   func(name string, attempt int) outcome
	delay  time.Duration
	builds map[string]int
	active map[string]int
	peak   map[string]int
}

func newScriptedToolchain(plan func(name string, attempt int) outcome) *scriptedToolchain {
	if plan == nil {
		plan = func(string, int) outcome { return outcomeOK }
	}
	return &scriptedToolchain{
		plan:   plan,
		builds: make(map[string]int),
		active: make(map[string]int),
		peak:   make(map[string]int),
	}
}

func (s *scriptedToolchain) Build(ctx context.Context, req session.Request) (*session.Output, error) {
	ref := req.Job.Ref
	s.mu.Lock()
	s.builds[ref.Name]++
	attempt := s.builds[ref.Name]
	s.active[ref.Arch]++
	if s.active[ref.Arch] > s.peak[ref.Arch] {
		s.peak[ref.Arch] = s.active[ref.Arch]
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active[ref.Arch]--
		s.mu.Unlock()
	}()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	dir := filepath.Join("/build", req.Slot.ID, ref.Name)
	switch s.plan(ref.Name, attempt) {
	case outcomeTransient:
		return &session.Output{ExitStatus: 1, BuildDir: dir, Log: []byte("E: apt-get update failed")}, nil
	case outcomePermanent:
		return &session.Output{ExitStatus: 2, BuildDir: dir, Log: []byte("dh_auto_build: error: make returned exit code 2")}, nil
	case outcomeDepWait:
		return &session.Output{ExitStatus: 3, BuildDir: dir, Log: []byte("unsatisfied dependency: libfoo-dev (>= 1.2)")}, nil
	}
	return &session.Output{
		Artifacts:   []string{fmt.Sprintf("%s_%s_%s.deb", ref.Name, ref.Version, ref.Arch)},
		ChangesFile: types.ChangesFileName(ref, req.Job.Meta),
		BuildDir:    dir,
	}, nil
}

func (s *scriptedToolchain) Builds(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.builds[name]
}

func (s *scriptedToolchain) Peak(arch string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak[arch]
}

type nopProvisioner struct{}

func (nopProvisioner) Check(context.Context, session.Slot) error  { return nil }
func (nopProvisioner) Repair(context.Context, session.Slot) error { return nil }
func (nopProvisioner) Reset(context.Context, session.Slot) error  { return nil }

type nopUploader struct{}

func (nopUploader) Upload(context.Context, upload.Request) error { return nil }

// stack 一組共用狀態目錄、可重啟的 daemon 元件
type stack struct {
	dir       string
	slots     map[string]int // arch -> slot 數
	authority *authoritytest.Fake
	toolchain session.Toolchain

	journal    *wal.WAL
	tracker    *jobtracker.Tracker
	queue      *replay.Queue
	dispatcher *dispatcher.Dispatcher
}

func newStack(t testing.TB, slots map[string]int, tc session.Toolchain) *stack {
	t.Helper()
	s := &stack{
		dir:       t.TempDir(),
		slots:     slots,
		authority: authoritytest.New(),
		toolchain: tc,
	}
	t.Cleanup(func() { s.stop(t) })
	return s
}

func (s *stack) open(t testing.TB) {
	t.Helper()
	var err error
	s.journal, err = wal.NewWAL(filepath.Join(s.dir, "jobs.wal"))
	require.NoError(t, err)
	s.tracker, err = jobtracker.New(s.journal)
	require.NoError(t, err)
	s.queue, err = replay.Open(filepath.Join(s.dir, "replay.db"))
	require.NoError(t, err)
}

func (s *stack) snapshots() *snapshot.Manager {
	return snapshot.NewManager(filepath.Join(s.dir, "snapshot.json"), jobtracker.SchemaVersion)
}

// start 開啟持久化層 (若尚未開啟) 並啟動 dispatcher
func (s *stack) start(t testing.TB) {
	t.Helper()
	if s.journal == nil {
		s.open(t)
	}

	archs := make([]string, 0, len(s.slots))
	for arch := range s.slots {
		archs = append(archs, arch)
	}
	sort.Strings(archs)
	var specs []session.Slot
	for _, arch := range archs {
		for i := 1; i <= s.slots[arch]; i++ {
			specs = append(specs, session.Slot{ID: fmt.Sprintf("%s-%d", arch, i), Arch: arch, Backend: "sid-" + arch + "-sbuild"})
		}
	}
	pool, err := worker.NewPool(specs, nopProvisioner{}, worker.Options{RepairBackoff: fastPolicy})
	require.NoError(t, err)

	m := metrics.NewCollector(prometheus.NewRegistry())
	rep := reporter.New(s.tracker, s.authority, nopUploader{}, s.queue, nil, nil, reporter.Options{
		Policy:         fastPolicy,
		RunID:          "run-integration",
		Builder:        "buildd_test",
		OnAcknowledged: func(r types.Report) { m.RecordOutcome(r.Action) },
	})
	classifier, err := session.NewPatternClassifier(config.Default().Build.DepWaitPatterns)
	require.NoError(t, err)

	s.dispatcher, err = dispatcher.New(dispatcher.Config{
		IdleSleep:       10 * time.Millisecond,
		Session:         session.Config{Timeout: time.Minute, CancelGrace: 5 * time.Second},
		BuildPolicy:     retry.NewBuildPolicy(2, nil),
		ReplayInterval:  50 * time.Millisecond,
		MetricsInterval: 50 * time.Millisecond,
	}, dispatcher.Deps{
		Authority:  s.authority,
		Tracker:    s.tracker,
		Journal:    s.journal,
		Snapshots:  s.snapshots(),
		Pool:       pool,
		Reporter:   rep,
		Toolchain:  s.toolchain,
		Classifier: classifier,
		Metrics:    m,
	})
	require.NoError(t, err)
	require.NoError(t, s.dispatcher.Start(context.Background()))
}

func (s *stack) stop(t testing.TB) {
	if s.dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, s.dispatcher.Shutdown(ctx))
		s.dispatcher = nil
	}
	if s.queue != nil {
		s.queue.Close()
		s.queue = nil
	}
	if s.journal != nil {
		s.journal.Close()
		s.journal = nil
	}
}

// applied 回傳每個套件被 authority 套用的結果
func (s *stack) applied(ops ...string) map[string][]string {
	out := make(map[string][]string)
	for _, c := range s.authority.Applied(ops...) {
		out[c.Ref.Name] = append(out[c.Ref.Name], c.Op)
	}
	return out
}

func candidates(arch string, n int, prefix string) []types.Candidate {
	cs := make([]types.Candidate, n)
	for i := range cs {
		cs[i] = types.Candidate{
			Ref:      types.PackageRef{Name: fmt.Sprintf("%s%03d", prefix, i), Version: "1.0-1", Arch: arch},
			Dist:     "sid",
			Priority: i % 5,
		}
	}
	return cs
}

func waitFor(t testing.TB, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}
