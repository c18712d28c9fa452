// ============================================================================
// buildd Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露 buildd 運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - buildd_claims_total{arch,result}: claim 請求 (ok / rejected / error)
//      - buildd_builds_total{arch,state}: 建置嘗試的終止狀態
//      - buildd_outcomes_total{action}: 已確認的回報 (built / failed / dep-wait / give-back)
//      - buildd_local_retries_total: 本地重試次數
//      - buildd_slot_quarantines_total: slot 隔離次數
//
//   2. 分佈 (Histogram)：
//      - buildd_build_duration_seconds{arch}: 建置耗時，桶從 1 分鐘到約 8.5 小時
//
//   3. 狀態 (Gauge)：
//      - buildd_slots{arch,status}: idle / busy / quarantined
//      - buildd_jobs{state}: 本地追蹤中的 job
//      - buildd_replay_pending: 等待重送的結果
//      - buildd_recovery_time_seconds: 最近一次啟動恢復耗時
//
// 使用場景:
//   - buildd_replay_pending 持續 > 0 → authority 無法連線
//   - buildd_slots{status="quarantined"} > 0 → 檢查 chroot / provisioner
//   - rate(buildd_outcomes_total{action="give-back"}[1h]) 升高 → worker 本地問題
//
// HTTP 端點:
//   /metrics，默認端口 9090
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/buildd/internal/worker"
	"github.com/ChuLiYu/buildd/pkg/types"
)

const namespace = "buildd"

// Collector Prometheus 指標收集器
type Collector struct {
	claims       *prometheus.CounterVec
	builds       *prometheus.CounterVec
	outcomes     *prometheus.CounterVec
	retries      prometheus.Counter
	quarantines  prometheus.Counter
	buildTime    *prometheus.HistogramVec
	slots        *prometheus.GaugeVec
	jobs         *prometheus.GaugeVec
	replay       prometheus.Gauge
	recoveryTime prometheus.Gauge
}

// NewCollector 創建指標收集器並註冊到 reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Claim requests sent to the authority by result.",
		}, []string{"arch", "result"}),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_total",
			Help:      "Finished build attempts by terminal session state.",
		}, []string{"arch", "state"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Outcomes acknowledged by the authority.",
		}, []string{"action"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "local_retries_total",
			Help:      "Transient build failures retried locally.",
		}),
		quarantines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_quarantines_total",
			Help:      "Slots taken out of service because their backend was unusable.",
		}),
		buildTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Wall-clock duration of build attempts.",
			Buckets:   prometheus.ExponentialBuckets(60, 2, 10),
		}, []string{"arch"}),
		slots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slots",
			Help:      "Worker slots by architecture and status.",
		}, []string{"arch", "status"}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Locally tracked jobs by state.",
		}, []string{"state"}),
		replay: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replay_pending",
			Help:      "Outcomes waiting in the replay queue.",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to recover local state at startup.",
		}),
	}

	reg.MustRegister(
		c.claims, c.builds, c.outcomes, c.retries, c.quarantines,
		c.buildTime, c.slots, c.jobs, c.replay, c.recoveryTime,
	)
	return c
}

// RecordClaim 記錄 claim 結果 ("ok", "rejected", "error")
func (c *Collector) RecordClaim(arch, result string) {
	c.claims.WithLabelValues(arch, result).Inc()
}

// RecordBuild 記錄一次建置嘗試
func (c *Collector) RecordBuild(arch string, result types.BuildResult) {
	c.builds.WithLabelValues(arch, string(result.State)).Inc()
	if d := result.Duration(); d > 0 {
		c.buildTime.WithLabelValues(arch).Observe(d.Seconds())
	}
}

// RecordOutcome 記錄已確認的回報
func (c *Collector) RecordOutcome(action types.ReportAction) {
	c.outcomes.WithLabelValues(string(action)).Inc()
}

func (c *Collector) RecordRetry() { c.retries.Inc() }

func (c *Collector) RecordQuarantine() { c.quarantines.Inc() }

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	c.recoveryTime.Set(d.Seconds())
}

// UpdateSlots 依 slot 快照更新 gauge
func (c *Collector) UpdateSlots(slots []worker.SlotInfo) {
	c.slots.Reset()
	for _, s := range slots {
		status := "idle"
		switch {
		case !s.Usable:
			status = "quarantined"
		case s.Busy:
			status = "busy"
		}
		c.slots.WithLabelValues(s.Arch, status).Inc()
	}
}

// UpdateJobs 更新各狀態的 job 數量
func (c *Collector) UpdateJobs(counts map[types.JobState]int) {
	c.jobs.Reset()
	for state, n := range counts {
		c.jobs.WithLabelValues(string(state)).Set(float64(n))
	}
}

func (c *Collector) SetReplayPending(n int) {
	c.replay.Set(float64(n))
}

// Serve 啟動 /metrics HTTP 伺服器，ctx 結束時關閉
func Serve(ctx context.Context, port int, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
