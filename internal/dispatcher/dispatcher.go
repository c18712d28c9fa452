// ============================================================================
// buildd Dispatcher - 系統核心協調器
// ============================================================================
//
// Package: internal/dispatcher
// 文件: dispatcher.go
// 功能: 把 authority 的 needs-build 工作配對到閒置 slot，並管理 daemon 生命週期
//
// 架構設計:
//   Dispatcher 是唯一持有共享狀態的擁有者，協調以下組件：
//   - authority.Client: 列出 / claim 工作
//   - jobtracker.Tracker: 本地 claim 快取 (WAL + 快照持久化)
//   - worker.Pool: slot 分配、隔離與修復
//   - session: 單次建置 (external toolchain)
//   - reporter.Reporter: 上傳、回報與 replay queue
//
// 並發模型:
//   1. Dispatch Loop (單一 goroutine) - 依架構檢查容量、排序候選、claim、預約 slot
//   2. Job goroutine (每個 claim 一個) - 等待 slot → 建置 → 重試或回報
//   3. 週期任務 (gocron) - 快照 checkpoint、replay 重送、簽章金鑰檢查、metrics
//
// Backpressure:
//   每個架構最多 claim「閒置 slot 數 + lookahead」個尚未開始的工作，
//   避免 claim 了卻沒人建置的工作在 authority 端過期。
//
// 崩潰恢復流程 (Start):
//   1. 快照 + WAL 重建 tracker
//   2. Reconcile: 中斷的建置 give-back，未送達的結果留在 replay queue
//   3. FlushReplay: 重送所有待回報的結果
//
// 生命週期:
//   Start → (RequestDrain | Drain) → 停止 claim，等進行中的建置結束
//         → Shutdown → 取消建置 (結果回報為 Cancelled → give-back)
//
// ============================================================================

package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/segmentio/ksuid"

	"github.com/ChuLiYu/buildd/internal/authority"
	"github.com/ChuLiYu/buildd/internal/jobtracker"
	"github.com/ChuLiYu/buildd/internal/metrics"
	"github.com/ChuLiYu/buildd/internal/reporter"
	"github.com/ChuLiYu/buildd/internal/retry"
	"github.com/ChuLiYu/buildd/internal/session"
	"github.com/ChuLiYu/buildd/internal/snapshot"
	"github.com/ChuLiYu/buildd/internal/storage/wal"
	"github.com/ChuLiYu/buildd/internal/toolchain"
	"github.com/ChuLiYu/buildd/internal/worker"
	"github.com/ChuLiYu/buildd/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrAlreadyStarted = errors.New("dispatcher already started")
	ErrNotStarted     = errors.New("dispatcher not started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config 調度設定
type Config struct {
	IdleSleep         time.Duration  // 沒有工作時重新詢問 authority 的間隔
	Lookahead         int            // 超出閒置 slot 數的 claim 額度
	MaxCandidates     int            // 每次列表最多讀取的候選數，0 表示不限
	PriorityOverrides map[string]int // 套件名稱 → 優先權
	DrainGrace        time.Duration  // drain 後等待建置結束的上限，0 表示不限
	Session           session.Config
	BuildPolicy       retry.BuildPolicy

	SnapshotInterval time.Duration
	ReplayInterval   time.Duration
	KeyCheckInterval time.Duration
	ReplayRetention  time.Duration
	MetricsInterval  time.Duration
}

// Journal 是 tracker 的可旋轉 write-ahead log
type Journal interface {
	Replay(handler wal.EventHandler) error
	Rotate() error
}

// Deps 調度器的協作者；Journal、Snapshots、Keys、Metrics 可為 nil
type Deps struct {
	Authority  authority.Client
	Tracker    *jobtracker.Tracker
	Journal    Journal
	Snapshots  *snapshot.Manager
	Pool       *worker.Pool
	Reporter   *reporter.Reporter
	Toolchain  session.Toolchain
	Classifier session.Classifier
	Keys       toolchain.KeySource
	Metrics    *metrics.Collector
	Logger     *slog.Logger
}

// Dispatcher 核心調度器
type Dispatcher struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu        sync.Mutex
	started   bool
	drainOnce sync.Once
	drainCh   chan struct{} // RequestDrain 時關閉
	done      chan struct{} // 所有 job 結束且資源釋放後關閉

	// lifeCtx 用於回報與週期任務，Shutdown 逾時才取消；
	// buildCtx 用於建置，Shutdown 或 drain 逾時取消；
	// waitCtx 用於等待 slot，drain 時即取消。
	lifeCtx      context.Context
	cancelLife   context.CancelFunc
	buildCtx     context.Context
	cancelBuilds context.CancelFunc
	waitCtx      context.Context
	cancelWait   context.CancelFunc

	jobs      sync.WaitGroup
	scheduler gocron.Scheduler
	keyOK     atomic.Bool
	claims    atomic.Uint64
}

// New 建立 Dispatcher
func New(cfg Config, deps Deps) (*Dispatcher, error) {
	switch {
	case deps.Authority == nil:
		return nil, errors.New("dispatcher: authority client is required")
	case deps.Tracker == nil:
		return nil, errors.New("dispatcher: job tracker is required")
	case deps.Pool == nil:
		return nil, errors.New("dispatcher: worker pool is required")
	case deps.Reporter == nil:
		return nil, errors.New("dispatcher: reporter is required")
	case deps.Toolchain == nil:
		return nil, errors.New("dispatcher: toolchain is required")
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = time.Minute
	}
	if cfg.Lookahead < 0 {
		cfg.Lookahead = 0
	}
	if deps.Classifier == nil {
		deps.Classifier = session.ClassifierFunc(func(int, []byte) types.Classification {
			return types.Classification{Category: types.CategoryFailed}
		})
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	d := &Dispatcher{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger,
		drainCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	d.lifeCtx, d.cancelLife = context.WithCancel(context.Background())
	d.buildCtx, d.cancelBuilds = context.WithCancel(d.lifeCtx)
	d.waitCtx, d.cancelWait = context.WithCancel(d.buildCtx)
	return d, nil
}

// ============================================================================
// 生命週期
// ============================================================================

// Start 恢復本地狀態、啟動 slot pool 與調度循環
//
// 回傳錯誤屬於致命錯誤：狀態無法恢復、沒有可用的簽章金鑰、沒有可用 slot。
// ctx 結束等同於 Shutdown。
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	d.started = true
	d.mu.Unlock()

	if err := d.start(ctx); err != nil {
		d.cancelLife()
		close(d.done)
		return err
	}
	go d.run(ctx)

	d.logger.Info("Dispatcher started",
		"architectures", d.deps.Pool.Architectures(),
		"usable_slots", d.deps.Pool.Usable(),
		"lookahead", d.cfg.Lookahead)
	return nil
}

func (d *Dispatcher) start(ctx context.Context) error {
	start := time.Now()
	d.logger.Info("Starting recovery...")

	if err := d.recover(); err != nil {
		return fmt.Errorf("recover job state: %w", err)
	}
	fixed, err := d.deps.Reporter.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile outcomes: %w", err)
	}

	if err := d.checkKey(ctx); err != nil {
		return fmt.Errorf("signing key: %w", err)
	}
	if err := d.deps.Pool.Start(ctx); err != nil {
		d.deps.Pool.Stop()
		return fmt.Errorf("start worker pool: %w", err)
	}

	if d.deps.Metrics != nil {
		d.deps.Metrics.SetRecoveryTime(time.Since(start))
	}
	d.logger.Info("Recovery completed",
		"duration", time.Since(start),
		"tracked_jobs", d.deps.Tracker.Len(),
		"reconciled", fixed)

	if n, err := d.deps.Reporter.FlushReplay(ctx); err != nil {
		d.logger.Warn("initial replay flush failed", "error", err)
	} else if n > 0 {
		d.logger.Info("replayed outcomes from previous run", "delivered", n)
	}

	if err := d.startScheduler(); err != nil {
		d.deps.Pool.Stop()
		return err
	}
	return nil
}

// RequestDrain 停止 claim 新工作；進行中的建置繼續直到結束。可重複呼叫。
func (d *Dispatcher) RequestDrain() {
	d.drainOnce.Do(func() {
		d.logger.Info("drain requested; no new claims")
		close(d.drainCh)
		d.cancelWait()
	})
}

// Drain 請求 drain 並等待所有建置結束
func (d *Dispatcher) Drain(ctx context.Context) error {
	if !d.isStarted() {
		return ErrNotStarted
	}
	d.RequestDrain()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown 停止 claim 並取消進行中的建置，等待結果回報 (或寫入 replay queue)。
// ctx 到期時放棄等待回報；未送出的結果仍在 replay queue 中。
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if !d.isStarted() {
		d.cancelLife()
		return nil
	}
	d.RequestDrain()
	d.cancelBuilds()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		d.cancelLife()
		return ctx.Err()
	}
}

// Done 在所有建置結束、資源釋放後關閉
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Draining reports whether a drain has been requested.
func (d *Dispatcher) Draining() bool {
	select {
	case <-d.drainCh:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) isStarted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

// recover 從快照 + journal 重建 tracker
func (d *Dispatcher) recover() error {
	if d.deps.Journal == nil {
		return nil
	}
	var snap *types.SnapshotData
	if d.deps.Snapshots != nil {
		var err error
		if snap, err = d.deps.Snapshots.Load(); err != nil {
			return err
		}
	}
	return d.deps.Tracker.Recover(snap, d.deps.Journal.Replay)
}

// run 是調度 goroutine：loop 結束後等待所有 job，再釋放資源
func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	stop := context.AfterFunc(ctx, func() {
		d.logger.Info("context cancelled; shutting down")
		d.RequestDrain()
		d.cancelBuilds()
	})
	defer stop()

	d.loop(ctx)

	if d.cfg.DrainGrace > 0 {
		t := time.AfterFunc(d.cfg.DrainGrace, func() {
			d.logger.Warn("drain grace expired; cancelling builds", "grace", d.cfg.DrainGrace)
			d.cancelBuilds()
		})
		defer t.Stop()
	}
	d.jobs.Wait()
	d.teardown()
}

func (d *Dispatcher) teardown() {
	if d.scheduler != nil {
		if err := d.scheduler.Shutdown(); err != nil {
			d.logger.Warn("failed to stop scheduler", "error", err)
		}
	}
	if err := d.checkpoint(); err != nil {
		d.logger.Error("final checkpoint failed", "error", err)
	}
	d.deps.Pool.Stop()
	d.refreshMetrics()
	d.cancelLife()
	d.logger.Info("Dispatcher stopped", "tracked_jobs", d.deps.Tracker.Len())
}

// ============================================================================
// 調度循環
// ============================================================================

// loop 反覆調度，直到 drain 或 ctx 結束
func (d *Dispatcher) loop(ctx context.Context) {
	for {
		if d.Draining() || ctx.Err() != nil {
			return
		}

		// 先取得通知 channel，避免漏掉 dispatchOnce 期間的容量變化
		changed := d.deps.Pool.Changed()
		if d.dispatchOnce(ctx) > 0 {
			continue
		}

		idle := time.NewTimer(d.cfg.IdleSleep)
		select {
		case <-ctx.Done():
		case <-d.drainCh:
		case <-changed:
		case <-idle.C:
		}
		idle.Stop()
	}
}

// dispatchOnce 對每個架構進行一輪 claim，回傳成功 claim 的數量
func (d *Dispatcher) dispatchOnce(ctx context.Context) int {
	if !d.keyOK.Load() {
		d.logger.Debug("no usable signing key; claiming paused")
		return 0
	}
	total := 0
	for _, arch := range d.deps.Pool.Architectures() {
		if d.Draining() {
			break
		}
		total += d.dispatchArch(ctx, arch)
	}
	return total
}

func (d *Dispatcher) dispatchArch(ctx context.Context, arch string) int {
	room := d.deps.Pool.Capacity(arch) + d.cfg.Lookahead
	if room <= 0 {
		return 0
	}

	cands, err := d.candidates(ctx, arch)
	if err != nil {
		if authority.IsNetwork(err) {
			d.logger.Warn("authority unreachable; will retry", "arch", arch, "error", err)
		} else {
			d.logger.Error("failed to list needs-build", "arch", arch, "error", err)
		}
		return 0
	}

	claimed := 0
	for _, c := range Rank(cands, d.cfg.PriorityOverrides) {
		if room <= 0 || d.Draining() {
			break
		}
		if d.deps.Tracker.HasRef(c.Ref) {
			continue
		}
		ok, err := d.claim(ctx, c)
		if err != nil {
			d.logger.Warn("claiming stopped for this cycle", "arch", arch, "error", err)
			break
		}
		if ok {
			claimed++
			room--
		}
	}
	return claimed
}

// candidates 讀取 arch 的 needs-build 列表 (最多 MaxCandidates 筆)
func (d *Dispatcher) candidates(ctx context.Context, arch string) ([]types.Candidate, error) {
	var cands []types.Candidate
	for c, err := range d.deps.Authority.ListNeedsBuild(ctx, arch) {
		if err != nil {
			return nil, err
		}
		cands = append(cands, c)
		if d.cfg.MaxCandidates > 0 && len(cands) >= d.cfg.MaxCandidates {
			break
		}
	}
	return cands, nil
}

// claim 向 authority 取得工作並預約 slot
//
// 回傳 (false, nil) 代表跳過這個候選；回傳錯誤代表本輪應停止 claim。
func (d *Dispatcher) claim(ctx context.Context, c types.Candidate) (bool, error) {
	token := types.ClaimToken(ksuid.New().String())
	logger := d.logger.With("package", c.Ref.String(), "token", token)

	if _, err := d.deps.Tracker.BeginClaim(token, c); err != nil {
		if errors.Is(err, jobtracker.ErrActiveClaim) {
			return false, nil
		}
		return false, fmt.Errorf("begin claim: %w", err)
	}

	meta, err := d.deps.Authority.Claim(ctx, token, c)
	if err != nil {
		if aerr := d.deps.Tracker.AbortClaim(token); aerr != nil {
			logger.Error("failed to drop refused claim", "error", aerr)
		}
		switch {
		case authority.IsRejected(err):
			d.recordClaim(c.Ref.Arch, "rejected")
			logger.Debug("claim refused", "error", err)
			return false, nil
		case authority.IsNetwork(err):
			d.recordClaim(c.Ref.Arch, "error")
			return false, err
		default:
			d.recordClaim(c.Ref.Arch, "error")
			logger.Warn("malformed claim response; package left for the next cycle", "error", err)
			return false, nil
		}
	}

	job, err := d.deps.Tracker.ConfirmClaim(token, meta)
	if err != nil {
		return false, fmt.Errorf("confirm claim %s: %w", token, err)
	}
	d.recordClaim(c.Ref.Arch, "ok")
	d.claims.Add(1)
	logger.Info("claimed", "priority", c.Priority, "backlog_days", c.BacklogDays, "dist", meta.Dist)

	res, err := d.deps.Pool.Reserve(c.Ref.Arch, token)
	if err != nil {
		d.giveBack(job, fmt.Sprintf("no slot: %v", err))
		return false, nil
	}

	d.jobs.Add(1)
	go d.runJob(job, res)
	return true, nil
}

func (d *Dispatcher) recordClaim(arch, result string) {
	if d.deps.Metrics != nil {
		d.deps.Metrics.RecordClaim(arch, result)
	}
}

// ============================================================================
// 狀態查詢
// ============================================================================

// Status 是 daemon 的即時狀態
type Status struct {
	Draining      bool              `json:"draining"`
	KeyOK         bool              `json:"key_ok"`
	Claims        uint64            `json:"claims"`
	Slots         []worker.SlotInfo `json:"slots"`
	Jobs          []types.BuildJob  `json:"jobs"`
	ReplayPending int               `json:"replay_pending"`
	Reports       reporter.Stats    `json:"reports"`
	Pool          worker.Stats      `json:"pool"`
}

// Status 回傳目前的 slot、追蹤中的 job 與 replay 積壓
func (d *Dispatcher) Status(ctx context.Context) (Status, error) {
	pending, err := d.deps.Reporter.Pending(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("replay backlog: %w", err)
	}
	return Status{
		Draining:      d.Draining(),
		KeyOK:         d.keyOK.Load(),
		Claims:        d.claims.Load(),
		Slots:         d.deps.Pool.Slots(),
		Jobs:          d.deps.Tracker.List(),
		ReplayPending: pending,
		Reports:       d.deps.Reporter.Stats(),
		Pool:          d.deps.Pool.Stats(),
	}, nil
}

// FlushReplay 立即重送 replay queue 中的結果
func (d *Dispatcher) FlushReplay(ctx context.Context) (int, error) {
	return d.deps.Reporter.FlushReplay(ctx)
}
