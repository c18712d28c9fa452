// ============================================================================
// BuildSession - one build attempt
// ============================================================================
//
// Package: internal/session
// File: session.go
// Function: drives a claimed job through one toolchain run and classifies
// the outcome
//
// State machine:
//
//	Claimed ──► Building ──┬─► Succeeded        (exit 0, artifacts present)
//	                       ├─► Failed           (nonzero exit / toolchain error)
//	                       ├─► DepWaitDetected  (classifier matched missing deps)
//	                       ├─► TimedOut         (wall-clock budget exceeded)
//	                       └─► Cancelled        (drain / shutdown)
//
// Cancellation:
//   The toolchain runs in its own goroutine bound to a context. On timeout or
//   cancellation the session waits at most CancelGrace for the toolchain to
//   stop. If it does not, the result carries CategoryResource so the caller
//   quarantines the slot instead of handing it to the next job.
//
// Reporting:
//   A terminal result is handed off exactly once (Handoff). A second handoff
//   panics.
//
// ============================================================================

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/ChuLiYu/buildd/pkg/types"
)

// Config 建置時間限制
type Config struct {
	Timeout     time.Duration // 0 表示不限時
	CancelGrace time.Duration // 取消後等待 toolchain 結束的時間
}

// Session is a single build attempt of one job on one slot.
type Session struct {
	id         string
	job        types.BuildJob
	slot       Slot
	toolchain  Toolchain
	classifier Classifier
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	state     types.SessionState
	result    *types.BuildResult
	handedOff bool
}

// New creates a session in the Claimed state.
func New(job types.BuildJob, slot Slot, tc Toolchain, cl Classifier, cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	id := ksuid.New().String()
	return &Session{
		id:         id,
		job:        job,
		slot:       slot,
		toolchain:  tc,
		classifier: cl,
		cfg:        cfg,
		logger:     logger.With("session", id, "package", job.Ref.String(), "slot", slot.ID),
		now:        time.Now,
		state:      types.SessionClaimed,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Job() types.BuildJob { return s.job }

// State returns the current session state.
func (s *Session) State() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

type buildReturn struct {
	out *Output
	err error
}

// Run executes the build and blocks until the session is terminal.
// Run may be called only once.
func (s *Session) Run(ctx context.Context) types.BuildResult {
	s.mu.Lock()
	if s.state != types.SessionClaimed {
		s.mu.Unlock()
		panic(fmt.Sprintf("session %s: Run called in state %s", s.id, s.state))
	}
	s.state = types.SessionBuilding
	s.mu.Unlock()

	result := types.BuildResult{
		Token:     s.job.Token,
		SessionID: s.id,
		Slot:      s.slot.ID,
		StartedAt: s.now(),
	}

	buildCtx, cancel := s.buildContext(ctx)
	defer cancel()

	s.logger.Info("build started", "attempt", s.job.Attempt+1, "backend", s.slot.Backend)

	done := make(chan buildReturn, 1)
	go func() {
		out, err := s.toolchain.Build(buildCtx, Request{Job: s.job, Slot: s.slot})
		done <- buildReturn{out: out, err: err}
	}()

	select {
	case r := <-done:
		if buildCtx.Err() != nil {
			s.interrupted(ctx, &result, &r)
		} else {
			s.classify(&result, r)
		}
	case <-buildCtx.Done():
		grace := time.NewTimer(s.cfg.CancelGrace)
		defer grace.Stop()
		select {
		case r := <-done:
			s.interrupted(ctx, &result, &r)
		case <-grace.C:
			s.interrupted(ctx, &result, nil)
		}
	}

	result.FinishedAt = s.now()
	s.finish(result)
	s.logger.Info("build finished", "state", result.State, "exit_status", result.ExitStatus,
		"duration", result.Duration().Round(time.Second))
	return result
}

func (s *Session) buildContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, s.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// classify 處理 toolchain 正常返回的情況
func (s *Session) classify(result *types.BuildResult, r buildReturn) {
	applyOutput(result, r.out)

	if r.err != nil {
		result.State = types.SessionFailed
		result.ExitStatus = -1
		result.Error = r.err.Error()
		if errors.Is(r.err, ErrBackendUnusable) {
			result.Classification = types.Classification{Category: types.CategoryResource}
		} else {
			result.Classification = types.Classification{Category: types.CategoryFailed}
		}
		return
	}

	if result.ExitStatus == 0 {
		if len(result.Artifacts) == 0 && result.ChangesFile == "" {
			result.State = types.SessionFailed
			result.Error = "build succeeded but produced no artifacts"
			result.Classification = types.Classification{Category: types.CategoryFailed}
			return
		}
		result.State = types.SessionSucceeded
		return
	}

	var log []byte
	if r.out != nil {
		log = r.out.Log
	}
	result.Classification = s.classifier.Classify(result.ExitStatus, log)
	switch result.Classification.Category {
	case types.CategoryDepWait:
		result.State = types.SessionDepWait
	default:
		result.State = types.SessionFailed
	}
}

// interrupted 處理逾時或取消；r 為 nil 表示 toolchain 未在寬限期內結束
func (s *Session) interrupted(parent context.Context, result *types.BuildResult, r *buildReturn) {
	if parent.Err() != nil {
		result.State = types.SessionCancelled
		result.Error = "build cancelled"
	} else {
		result.State = types.SessionTimedOut
		result.Error = fmt.Sprintf("build exceeded %s", s.cfg.Timeout)
	}
	result.ExitStatus = -1

	if r == nil {
		s.logger.Error("toolchain did not stop within grace period", "grace", s.cfg.CancelGrace)
		result.Classification = types.Classification{Category: types.CategoryResource}
		return
	}
	applyOutput(result, r.out)
	result.ExitStatus = -1
}

func applyOutput(result *types.BuildResult, out *Output) {
	if out == nil {
		return
	}
	result.ExitStatus = out.ExitStatus
	result.Artifacts = out.Artifacts
	result.ChangesFile = out.ChangesFile
	result.BuildDir = out.BuildDir
	result.LogRef = out.LogRef
}

func (s *Session) finish(result types.BuildResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = result.State
	s.result = &result
}

// Handoff returns the terminal result for reporting. It panics if the
// session has not finished or was already handed off.
func (s *Session) Handoff() types.BuildResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		panic(fmt.Sprintf("session %s: handoff before terminal state (%s)", s.id, s.state))
	}
	if s.handedOff {
		panic(fmt.Sprintf("session %s: result reported twice", s.id))
	}
	s.handedOff = true
	return *s.result
}
