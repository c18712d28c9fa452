package reporter

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/buildd/internal/storage/replay"
	"github.com/ChuLiYu/buildd/pkg/types"
)

// Reconcile 在崩潰重啟後，讓 tracker 與 replay queue 一致
//
//   - 已寫入 replay queue 的結果：tracker 補上 Reporting；若已送達則直接 Acknowledge
//   - Queued / Claimed / Building 且沒有結果：建置已隨行程中斷，改為 give-back
//   - Reporting 卻找不到結果 (queue 遺失)：保守地 give-back
//
// 之後由 FlushReplay 送出所有待回報的結果。
func (r *Reporter) Reconcile(ctx context.Context) (int, error) {
	fixed := 0
	for _, job := range r.tracker.List() {
		entry, err := r.queue.Get(ctx, job.Token)
		if err != nil && !errors.Is(err, replay.ErrNotFound) {
			return fixed, err
		}

		if entry != nil {
			if job.State != types.StateReporting {
				if err := r.ensureReporting(job, entry.Report.Action); err != nil {
					return fixed, err
				}
			}
			if entry.DeliveredAt != nil {
				if err := r.complete(ctx, entry.Report); err != nil {
					return fixed, err
				}
			}
			fixed++
			continue
		}

		rep := types.Report{
			Token:  job.Token,
			Ref:    job.Ref,
			Meta:   job.Meta,
			Action: types.ActionGiveBack,
			Reason: fmt.Sprintf("build interrupted in state %s", job.State),
		}
		if _, err := r.queue.Enqueue(ctx, rep, r.opts.RunID, ""); err != nil {
			return fixed, fmt.Errorf("persist give-back %s: %w", job.Token, err)
		}
		if job.State != types.StateReporting {
			if err := r.ensureReporting(job, types.ActionGiveBack); err != nil {
				return fixed, err
			}
		}
		r.logger.Warn("recovered interrupted job; giving back", "package", job.Ref.String(), "state", job.State)
		fixed++
	}
	return fixed, nil
}

func (r *Reporter) ensureReporting(job types.BuildJob, action types.ReportAction) error {
	if job.State == types.StateQueued {
		if _, err := r.tracker.ConfirmClaim(job.Token, job.Meta); err != nil {
			return err
		}
	}
	_, err := r.tracker.BeginReport(job.Token, action)
	return err
}
