package retry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ChuLiYu/buildd/internal/config"
	"github.com/ChuLiYu/buildd/pkg/types"
)

// Policy encapsulates backoff settings for transient failures.
// It is immutable after construction.
type Policy struct {
	Mode       config.BackoffMode // fixed|linear|exponential
	Initial    time.Duration      // base delay
	Max        time.Duration      // cap for growth
	MaxRetries int                // maximum retry attempts after the first failure
}

// DefaultPolicy returns exponential backoff, 1s initial, 1m cap, 5 retries.
func DefaultPolicy() Policy {
	return Policy{Mode: config.BackoffExponential, Initial: time.Second, Max: time.Minute, MaxRetries: 5}
}

// NewPolicy builds a policy from raw config fields; zero/invalid values fall back to defaults.
func NewPolicy(c config.BackoffConfig) Policy {
	p := DefaultPolicy()
	if c.MaxRetries >= 0 {
		p.MaxRetries = c.MaxRetries
	}
	if c.Initial > 0 {
		p.Initial = c.Initial
	}
	if c.Max > 0 {
		p.Max = c.Max
	}
	switch c.Mode {
	case config.BackoffFixed, config.BackoffLinear, config.BackoffExponential:
		p.Mode = c.Mode
	}
	if p.Initial > p.Max {
		p.Initial = p.Max
	}
	return p
}

// Delay returns the backoff delay for the given retry attempt number (1-based: first retry => 1).
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	switch p.Mode {
	case config.BackoffFixed:
		return p.Initial
	case config.BackoffLinear:
		d := time.Duration(retryCount) * p.Initial
		if d > p.Max {
			return p.Max
		}
		return d
	default:
		if retryCount > 32 {
			return p.Max
		}
		d := p.Initial * (1 << (retryCount - 1))
		if d > p.Max || d <= 0 {
			return p.Max
		}
		return d
	}
}

// Validate ensures invariants; returns error if policy impossible to apply.
func (p Policy) Validate() error {
	if p.Initial <= 0 {
		return fmt.Errorf("initial must be >0")
	}
	if p.Max <= 0 {
		return fmt.Errorf("max must be >0")
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must be >=0")
	}
	return nil
}

// Do runs fn until it succeeds, retryable(err) is false, or MaxRetries
// retries have been spent. The last error is returned.
func (p Policy) Do(ctx context.Context, retryable func(error) bool, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(p.Delay(attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return errors.Join(err, ctx.Err())
			case <-t.C:
			}
		}
		err = fn(ctx)
		if err == nil || !retryable(err) || attempt >= p.MaxRetries {
			return err
		}
	}
}

// ============================================================================
// 建置重試策略
// ============================================================================

// Decision is what to do with a finished build attempt.
type Decision struct {
	Retry  bool               // 在本地重新建置 (換一個 slot)
	Action types.ReportAction // Retry 為 false 時要回報的動作
	Reason string
}

// BuildPolicy 將 session 結果分類為 transient / permanent，並限制本地重試次數
type BuildPolicy struct {
	MaxLocalRetries    int   // K：transient 失敗最多在本地重試 K 次
	PermanentExitCodes []int // 代表套件本身有問題的 exit code
}

// NewBuildPolicy builds a policy from config; a nil code list defaults to {2}.
func NewBuildPolicy(maxLocalRetries int, permanentExitCodes []int) BuildPolicy {
	if permanentExitCodes == nil {
		permanentExitCodes = []int{2}
	}
	return BuildPolicy{MaxLocalRetries: maxLocalRetries, PermanentExitCodes: permanentExitCodes}
}

// IsTransient 判斷失敗的結果是否屬於 worker 本地的暫時性問題
func (p BuildPolicy) IsTransient(result types.BuildResult) bool {
	if result.State != types.SessionFailed {
		return false
	}
	if result.Classification.Category == types.CategoryResource {
		return true
	}
	if result.Error != "" {
		return true
	}
	return !slices.Contains(p.PermanentExitCodes, result.ExitStatus)
}

// Decide 決定結果要如何處理
//
// failures 是包含本次在內，這個 job 已失敗的建置次數 (從 1 開始)。
// transient 失敗在 failures <= K 時重試；第 K+1 次失敗改為 give-back。
func (p BuildPolicy) Decide(result types.BuildResult, failures int) Decision {
	switch result.State {
	case types.SessionSucceeded:
		return Decision{Action: types.ActionBuilt}
	case types.SessionDepWait:
		return Decision{Action: types.ActionDepWait}
	case types.SessionTimedOut:
		return Decision{Action: types.ActionGiveBack, Reason: "build timed out"}
	case types.SessionCancelled:
		return Decision{Action: types.ActionGiveBack, Reason: "build cancelled"}
	case types.SessionFailed:
		if !p.IsTransient(result) {
			return Decision{Action: types.ActionFailed, Reason: fmt.Sprintf("exit status %d", result.ExitStatus)}
		}
		if failures <= p.MaxLocalRetries {
			return Decision{Retry: true, Reason: fmt.Sprintf("transient failure %d/%d", failures, p.MaxLocalRetries)}
		}
		return Decision{Action: types.ActionGiveBack, Reason: fmt.Sprintf("transient failure persisted after %d retries", p.MaxLocalRetries)}
	}
	return Decision{Action: types.ActionGiveBack, Reason: fmt.Sprintf("unexpected session state %q", result.State)}
}
