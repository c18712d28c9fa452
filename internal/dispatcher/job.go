package dispatcher

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/buildd/internal/jobtracker"
	"github.com/ChuLiYu/buildd/internal/retry"
	"github.com/ChuLiYu/buildd/internal/session"
	"github.com/ChuLiYu/buildd/internal/worker"
	"github.com/ChuLiYu/buildd/pkg/types"
)

// ============================================================================
// Job 執行
// ============================================================================

// runJob 驅動一個已 claim 的 job：等待 slot → 建置 → 本地重試或回報
func (d *Dispatcher) runJob(job types.BuildJob, res *worker.Reservation) {
	defer d.jobs.Done()
	defer d.refreshMetrics()
	logger := d.logger.With("package", job.Ref.String(), "token", job.Token)

	for {
		slot, err := res.Wait(d.waitCtx)
		if err != nil {
			d.giveBack(job, fmt.Sprintf("released before build: %v", err))
			return
		}
		if d.Draining() {
			if err := d.deps.Pool.Release(slot.ID); err != nil {
				logger.Warn("failed to release slot", "slot", slot.ID, "error", err)
			}
			d.giveBack(job, "daemon draining")
			return
		}

		building, err := d.deps.Tracker.StartBuilding(job.Token, slot.ID)
		if err != nil {
			logger.Error("job cannot start building", "slot", slot.ID, "error", err)
			if err := d.deps.Pool.Release(slot.ID); err != nil {
				logger.Warn("failed to release slot", "slot", slot.ID, "error", err)
			}
			// 同一個 token 已在建置中：那一份負責回報，這裡不能佔用第二個 slot
			if !errors.Is(err, jobtracker.ErrInvalidTransition) {
				d.giveBack(job, fmt.Sprintf("cannot start build: %v", err))
			}
			return
		}
		job = building

		result := d.build(job, slot)
		dec := d.cfg.BuildPolicy.Decide(result, job.Attempt+1)

		if dec.Retry && !d.Draining() {
			logger.Warn("transient build failure; retrying locally", "reason", dec.Reason)
			requeued, err := d.deps.Tracker.Requeue(job.Token)
			if err != nil {
				logger.Error("failed to requeue job; giving back", "error", err)
				d.giveBack(job, fmt.Sprintf("local retry failed: %v", err))
				return
			}
			job = requeued
			if d.deps.Metrics != nil {
				d.deps.Metrics.RecordRetry()
			}
			if res, err = d.deps.Pool.Reserve(job.Ref.Arch, job.Token); err != nil {
				d.giveBack(job, fmt.Sprintf("no slot for retry: %v", err))
				return
			}
			continue
		}
		if dec.Retry {
			dec = retry.Decision{Action: types.ActionGiveBack, Reason: "daemon draining after " + dec.Reason}
		}

		if err := d.deps.Reporter.Report(d.lifeCtx, job, result, dec); err != nil {
			logger.Error("failed to report outcome", "action", dec.Action, "error", err)
		}
		return
	}
}

// build 在 slot 上執行一次建置並歸還 slot
func (d *Dispatcher) build(job types.BuildJob, slot session.Slot) types.BuildResult {
	sess := session.New(job, slot, d.deps.Toolchain, d.deps.Classifier, d.cfg.Session, d.logger)
	sess.Run(d.buildCtx)
	result := sess.Handoff()

	if d.deps.Metrics != nil {
		d.deps.Metrics.RecordBuild(slot.Arch, result)
	}

	if result.Classification.Category == types.CategoryResource {
		reason := result.Error
		if reason == "" {
			reason = "backend unusable"
		}
		if err := d.deps.Pool.Quarantine(slot.ID, reason); err != nil {
			d.logger.Error("failed to quarantine slot", "slot", slot.ID, "error", err)
		}
		if d.deps.Metrics != nil {
			d.deps.Metrics.RecordQuarantine()
		}
		return result
	}
	if err := d.deps.Pool.Recycle(d.lifeCtx, slot.ID); err != nil {
		d.logger.Error("failed to recycle slot", "slot", slot.ID, "error", err)
	}
	return result
}

// giveBack 歸還未建置的 job
func (d *Dispatcher) giveBack(job types.BuildJob, reason string) {
	if err := d.deps.Reporter.GiveBack(d.lifeCtx, job, reason); err != nil {
		d.logger.Error("failed to give back job", "package", job.Ref.String(), "error", err)
	}
}
