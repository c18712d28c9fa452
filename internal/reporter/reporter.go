// ============================================================================
// ResultReporter - 終止結果回報
// ============================================================================
//
// Package: internal/reporter
// 文件: reporter.go
// 功能: 把 session 的終止結果轉成 authority 回報、上傳產物，並保證結果不遺失
//
// 流程 (每個 job):
//   1. 回報寫入 replay queue (outbox)，之後才改 tracker 狀態為 Reporting
//   2. Built 結果先上傳，完成後 queue 中標記 uploaded；上傳失敗改為 give-back。
//      上傳途中崩潰時，重啟後的 FlushReplay 會重新上傳
//   3. 送出回報；網路錯誤以有界指數退避重試
//   4. 成功 (或 authority 表示已套用) → 標記 delivered → tracker Acknowledge
//      → 發布事件 → 清理建置目錄
//   5. 仍然失敗 → 留在 replay queue，由 FlushReplay 在重新連線後送出
//
// Exactly-once:
//   replay queue 以 claim token 為主鍵，送達後不會再入列；
//   同一個 token 同時只會有一個 goroutine 在送 (inflight)。
//
// ============================================================================

package reporter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/buildd/internal/authority"
	"github.com/ChuLiYu/buildd/internal/events"
	"github.com/ChuLiYu/buildd/internal/jobtracker"
	"github.com/ChuLiYu/buildd/internal/retry"
	"github.com/ChuLiYu/buildd/internal/storage/replay"
	"github.com/ChuLiYu/buildd/internal/upload"
	"github.com/ChuLiYu/buildd/pkg/types"
)

// 協定錯誤重送這麼多次後標記為 dead (保留在磁碟上，不再重送)
const defaultMaxReplayAttempts = 10

// Cleaner removes a finished job's build directory.
type Cleaner interface {
	Cleanup(dir string) error
}

// Options 設定 Reporter
type Options struct {
	Policy            retry.Policy // 網路錯誤的退避策略
	MaxReplayAttempts int
	RunID             string
	Builder           string
	Logger            *slog.Logger

	// OnAcknowledged 在每筆結果被 authority 確認後呼叫 (例如更新 metrics)
	OnAcknowledged func(types.Report)
}

// Stats counts reporter outcomes since start.
type Stats struct {
	Delivered      uint64
	Deferred       uint64 // 留待 replay
	Rejected       uint64 // authority 拒絕，視為已套用
	Dead           uint64
	UploadFailures uint64
}

// Reporter delivers terminal outcomes to the authority.
type Reporter struct {
	tracker   *jobtracker.Tracker
	client    authority.Client
	uploader  upload.Uploader
	queue     *replay.Queue
	publisher events.Publisher
	cleaner   Cleaner
	opts      Options
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[types.ClaimToken]bool
	flushMu  sync.Mutex

	delivered      atomic.Uint64
	deferred       atomic.Uint64
	rejected       atomic.Uint64
	dead           atomic.Uint64
	uploadFailures atomic.Uint64
}

// New 建立 Reporter；publisher 與 cleaner 可為 nil
func New(tracker *jobtracker.Tracker, client authority.Client, uploader upload.Uploader, queue *replay.Queue,
	publisher events.Publisher, cleaner Cleaner, opts Options) *Reporter {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Policy.Initial <= 0 {
		opts.Policy = retry.DefaultPolicy()
	}
	if opts.MaxReplayAttempts <= 0 {
		opts.MaxReplayAttempts = defaultMaxReplayAttempts
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Reporter{
		tracker:   tracker,
		client:    client,
		uploader:  uploader,
		queue:     queue,
		publisher: publisher,
		cleaner:   cleaner,
		opts:      opts,
		logger:    opts.Logger,
		inflight:  make(map[types.ClaimToken]bool),
	}
}

type deliveryStatus int

const (
	statusDelivered deliveryStatus = iota
	statusDeferred                 // authority 無法連線
	statusFailed                   // 協定錯誤
	statusBusy                     // 另一個 goroutine 正在送同一個 token
)

// ============================================================================
// 回報
// ============================================================================

// Report handles a job's terminal outcome. It returns nil once the outcome
// is either acknowledged by the authority or durably queued for replay.
func (r *Reporter) Report(ctx context.Context, job types.BuildJob, result types.BuildResult, dec retry.Decision) error {
	rep := types.Report{
		Token:       job.Token,
		Ref:         job.Ref,
		Meta:        job.Meta,
		Action:      dec.Action,
		Reason:      dec.Reason,
		Artifacts:   result.Artifacts,
		ChangesFile: result.ChangesFile,
		BuildDir:    result.BuildDir,
	}
	if rep.Action == types.ActionDepWait {
		rep.Deps = result.Classification.Deps
	}

	return r.submit(ctx, rep)
}

// GiveBack returns a job that never reached a build result (e.g. it was
// claimed but the daemon is draining).
func (r *Reporter) GiveBack(ctx context.Context, job types.BuildJob, reason string) error {
	return r.submit(ctx, types.Report{
		Token:  job.Token,
		Ref:    job.Ref,
		Meta:   job.Meta,
		Action: types.ActionGiveBack,
		Reason: reason,
	})
}

func (r *Reporter) submit(ctx context.Context, rep types.Report) error {
	local := context.WithoutCancel(ctx)
	if _, err := r.queue.Enqueue(local, rep, r.opts.RunID, ""); err != nil {
		return fmt.Errorf("persist outcome %s: %w", rep.Token, err)
	}
	if _, err := r.tracker.BeginReport(rep.Token, rep.Action); err != nil {
		// 結果已在 replay queue：照常送出，authority 確認後再移除 tracker 紀錄
		r.logger.Error("failed to mark job reporting", "package", rep.Ref.String(), "token", rep.Token, "error", err)
	}
	_, err := r.deliver(ctx, rep, r.opts.Policy)
	return err
}

// deliver 送出一筆回報；policy 決定網路錯誤的重試
func (r *Reporter) deliver(ctx context.Context, rep types.Report, policy retry.Policy) (deliveryStatus, error) {
	if !r.acquire(rep.Token) {
		return statusBusy, nil
	}
	defer r.releaseToken(rep.Token)

	local := context.WithoutCancel(ctx)

	if rep.Action == types.ActionBuilt && !rep.Uploaded {
		uploaded, done, err := r.upload(ctx, rep)
		if err != nil || !done {
			return statusDeferred, err
		}
		rep = uploaded
	}
	logger := r.logger.With("package", rep.Ref.String(), "token", rep.Token, "action", rep.Action)

	err := policy.Do(ctx, authority.IsNetwork, func(ctx context.Context) error {
		return authority.Report(ctx, r.client, rep)
	})
	switch {
	case err == nil:
	case authority.IsRejected(err):
		// 已經回報過 (例如重送) 或 claim 已失效：結果已無法再套用
		r.rejected.Add(1)
		logger.Warn("authority rejected outcome; treating as applied", "error", err)
	case authority.IsNetwork(err) || ctx.Err() != nil:
		r.deferred.Add(1)
		logger.Warn("authority unreachable; outcome kept for replay", "error", err)
		if _, ferr := r.queue.RecordFailure(local, rep.Token, err.Error(), 0); ferr != nil {
			return statusDeferred, fmt.Errorf("record failure %s: %w", rep.Token, ferr)
		}
		return statusDeferred, nil
	default:
		dead, ferr := r.queue.RecordFailure(local, rep.Token, err.Error(), r.opts.MaxReplayAttempts)
		if ferr != nil {
			return statusFailed, fmt.Errorf("record failure %s: %w", rep.Token, ferr)
		}
		if dead {
			r.dead.Add(1)
			logger.Error("outcome exceeded replay attempts; kept on disk for operator", "error", err)
		} else {
			logger.Error("authority returned malformed response; outcome kept for replay", "error", err)
		}
		return statusFailed, nil
	}

	if err := r.complete(local, rep); err != nil {
		return statusDelivered, err
	}
	return statusDelivered, nil
}

// upload 上傳 Built 結果的產物，並把結果寫回 replay queue。
// 上傳失敗改為 give-back；ctx 被取消時 done 為 false，留待下次重送再上傳。
func (r *Reporter) upload(ctx context.Context, rep types.Report) (_ types.Report, done bool, _ error) {
	local := context.WithoutCancel(ctx)
	logger := r.logger.With("package", rep.Ref.String(), "token", rep.Token)

	err := r.uploader.Upload(ctx, upload.Request{
		Ref:         rep.Ref,
		Archive:     rep.Meta.Archive,
		ChangesFile: rep.ChangesFile,
		BuildDir:    rep.BuildDir,
		Artifacts:   rep.Artifacts,
	})
	switch {
	case err == nil:
		rep.Uploaded = true
	case ctx.Err() != nil:
		logger.Warn("upload interrupted; outcome kept for replay", "error", err)
		return rep, false, nil
	default:
		r.uploadFailures.Add(1)
		logger.Error("upload failed; giving back", "error", err)
		rep.Action = types.ActionGiveBack
		rep.Reason = fmt.Sprintf("upload failed: %v", err)
		if _, err := r.tracker.Retarget(rep.Token, rep.Action); err != nil && !errors.Is(err, jobtracker.ErrJobNotFound) {
			logger.Warn("failed to record give-back on tracked job", "error", err)
		}
	}

	if _, err := r.queue.Update(local, rep); err != nil {
		return rep, false, fmt.Errorf("persist upload result %s: %w", rep.Token, err)
	}
	return rep, true, nil
}

// complete 記錄送達並結束 job
func (r *Reporter) complete(ctx context.Context, rep types.Report) error {
	if _, err := r.queue.MarkDelivered(ctx, rep.Token); err != nil {
		return fmt.Errorf("mark delivered %s: %w", rep.Token, err)
	}
	r.delivered.Add(1)

	job, err := r.tracker.Acknowledge(rep.Token)
	if errors.Is(err, jobtracker.ErrInvalidTransition) {
		// 沒能進入 Reporting (journal 寫入失敗)；authority 已確認，直接移除
		job, err = r.tracker.Forget(rep.Token)
	}
	switch {
	case errors.Is(err, jobtracker.ErrJobNotFound):
		job = types.BuildJob{Token: rep.Token, Ref: rep.Ref, Meta: rep.Meta}
	case err != nil:
		return fmt.Errorf("acknowledge %s: %w", rep.Token, err)
	}

	r.logger.Info("outcome acknowledged", "package", rep.Ref.String(), "action", rep.Action, "reason", rep.Reason)
	if r.opts.OnAcknowledged != nil {
		r.opts.OnAcknowledged(rep)
	}

	outcome := events.Outcome{
		RunID:     r.opts.RunID,
		Builder:   r.opts.Builder,
		Token:     rep.Token,
		Package:   rep.Ref.Name,
		Version:   rep.Ref.Version,
		Arch:      rep.Ref.Arch,
		Dist:      rep.Meta.Dist,
		Action:    rep.Action,
		Reason:    rep.Reason,
		Deps:      rep.Deps,
		Attempts:  job.Attempt + 1,
		Timestamp: time.Now(),
	}
	if err := r.publisher.Publish(ctx, outcome); err != nil {
		r.logger.Warn("failed to publish outcome event", "package", rep.Ref.String(), "error", err)
	}

	if r.cleaner != nil && rep.BuildDir != "" {
		if err := r.cleaner.Cleanup(rep.BuildDir); err != nil {
			r.logger.Warn("failed to clean build directory", "dir", rep.BuildDir, "error", err)
		}
	}
	return nil
}

func (r *Reporter) acquire(token types.ClaimToken) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[token] {
		return false
	}
	r.inflight[token] = true
	return true
}

func (r *Reporter) releaseToken(token types.ClaimToken) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, token)
}

// ============================================================================
// Replay
// ============================================================================

// FlushReplay 重送 replay queue 中尚未送達的結果 (最舊的先送)。
// authority 仍無法連線時提前停止。回傳本次送達的數量。
func (r *Reporter) FlushReplay(ctx context.Context) (int, error) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	entries, err := r.queue.Pending(ctx, 0)
	if err != nil {
		return 0, err
	}
	once := r.opts.Policy
	once.MaxRetries = 0

	delivered := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		status, err := r.deliver(ctx, e.Report, once)
		if err != nil {
			return delivered, err
		}
		switch status {
		case statusDelivered:
			delivered++
		case statusDeferred:
			// 網路仍不通，其餘的等下一輪
			return delivered, nil
		}
	}
	if delivered > 0 {
		r.logger.Info("replayed outcomes", "delivered", delivered, "pending", len(entries)-delivered)
	}
	return delivered, nil
}

// Pending returns the replay backlog size.
func (r *Reporter) Pending(ctx context.Context) (int, error) {
	return r.queue.PendingCount(ctx)
}

func (r *Reporter) Stats() Stats {
	return Stats{
		Delivered:      r.delivered.Load(),
		Deferred:       r.deferred.Load(),
		Rejected:       r.rejected.Load(),
		Dead:           r.dead.Load(),
		UploadFailures: r.uploadFailures.Load(),
	}
}

// Prune drops delivered replay rows older than retention.
func (r *Reporter) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	return r.queue.Purge(ctx, retention)
}
