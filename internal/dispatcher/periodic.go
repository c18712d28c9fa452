package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/ChuLiYu/buildd/pkg/types"
)

// ============================================================================
// 週期任務 (gocron)
// ============================================================================

const defaultMetricsInterval = 15 * time.Second

func (d *Dispatcher) startScheduler() error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	metricsEvery := d.cfg.MetricsInterval
	if metricsEvery <= 0 {
		metricsEvery = defaultMetricsInterval
	}
	pruneEvery := time.Duration(0)
	if d.cfg.ReplayRetention > 0 {
		pruneEvery = time.Hour
	}

	tasks := []struct {
		name  string
		every time.Duration
		fn    func()
	}{
		{"snapshot-checkpoint", d.cfg.SnapshotInterval, d.checkpointTask},
		{"replay-flush", d.cfg.ReplayInterval, d.flushTask},
		{"signing-key-check", d.cfg.KeyCheckInterval, d.keyTask},
		{"replay-prune", pruneEvery, d.pruneTask},
		{"metrics-refresh", metricsEvery, d.refreshMetrics},
	}
	for _, t := range tasks {
		if t.every <= 0 {
			continue
		}
		_, err := s.NewJob(
			gocron.DurationJob(t.every),
			gocron.NewTask(t.fn),
			gocron.WithName(t.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			s.Shutdown()
			return fmt.Errorf("failed to schedule %s: %w", t.name, err)
		}
	}

	s.Start()
	d.scheduler = s
	return nil
}

// checkpoint 寫入快照並旋轉 journal
func (d *Dispatcher) checkpoint() error {
	if d.deps.Snapshots == nil || d.deps.Journal == nil {
		return nil
	}
	start := time.Now()
	var jobs int
	err := d.deps.Tracker.Checkpoint(func(data types.SnapshotData) error {
		jobs = len(data.Jobs)
		if err := d.deps.Snapshots.Write(data); err != nil {
			return err
		}
		return d.deps.Journal.Rotate()
	})
	if err != nil {
		return err
	}
	d.logger.Debug("checkpoint written", "jobs", jobs, "duration", time.Since(start))
	return nil
}

func (d *Dispatcher) checkpointTask() {
	if err := d.checkpoint(); err != nil {
		d.logger.Error("checkpoint failed", "error", err)
	}
}

func (d *Dispatcher) flushTask() {
	if _, err := d.deps.Reporter.FlushReplay(d.lifeCtx); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Warn("replay flush failed", "error", err)
	}
}

func (d *Dispatcher) pruneTask() {
	n, err := d.deps.Reporter.Prune(d.lifeCtx, d.cfg.ReplayRetention)
	if err != nil {
		d.logger.Warn("replay prune failed", "error", err)
		return
	}
	if n > 0 {
		d.logger.Debug("pruned delivered outcomes", "rows", n)
	}
}

func (d *Dispatcher) keyTask() {
	if err := d.checkKey(d.lifeCtx); err != nil {
		d.logger.Warn("no usable signing key; claiming paused", "error", err)
	}
}

// checkKey 確認有可用的簽章金鑰；沒有金鑰時暫停 claim
func (d *Dispatcher) checkKey(ctx context.Context) error {
	if d.deps.Keys == nil {
		d.keyOK.Store(true)
		return nil
	}
	key, err := d.deps.Keys.PickKey(ctx)
	if err != nil {
		d.keyOK.Store(false)
		return err
	}
	if !d.keyOK.Swap(true) {
		d.logger.Info("signing key available", "key", key.ID, "expires", key.Expiry)
	}
	return nil
}

// refreshMetrics 依目前狀態更新 gauge
func (d *Dispatcher) refreshMetrics() {
	m := d.deps.Metrics
	if m == nil {
		return
	}
	m.UpdateSlots(d.deps.Pool.Slots())
	m.UpdateJobs(d.deps.Tracker.CountByState())
	if n, err := d.deps.Reporter.Pending(context.WithoutCancel(d.lifeCtx)); err == nil {
		m.SetReplayPending(n)
	}
}
