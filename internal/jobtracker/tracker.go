// ============================================================================
// Buildd Job Tracker - 本地 authority 快取與 BuildJob 狀態機
// ============================================================================
//
// Package: internal/jobtracker
// 文件: tracker.go
// 功能: 追蹤已 claim / 執行中的 BuildJob，僅作為 authority 的樂觀鏡像
//
// 設計理念:
//   1. go-memdb 作為儲存，(name, version, arch) 唯一索引保證同一套件
//      在本機最多只有一個有效 claim
//   2. 每次狀態變更先寫入 journal (WAL)，再 commit 到 memdb (Write-Ahead)
//   3. authority 才是真實來源；本地狀態在 claim 回應後校正
//
// 任務狀態轉換 (State Machine):
//   Queued ──ConfirmClaim──> Claimed ──StartBuilding──> Building
//     │                        │  ^                        │
//     └─AbortClaim (刪除)       │  └──────Requeue───────────┤
//                              └──BeginReport──> Reporting <┘
//                                                   │
//                                             Acknowledge
//                                                   ↓
//                                 Done / Failed / DepWait / GivenBack (刪除)
//
// 並發安全:
//   - memdb 本身支援並發讀取 (MVCC)
//   - mu 序列化寫入，確保 journal 順序與 commit 順序一致
//
// 快照支持:
//   - Checkpoint() 在持有寫鎖的情況下產生快照並交給呼叫者持久化
//   - Recover() 從快照 + journal 重建狀態
//
// ============================================================================

package jobtracker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-memdb"

	"github.com/ChuLiYu/buildd/internal/storage/wal"
	"github.com/ChuLiYu/buildd/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 同一個 token 已存在
	ErrDuplicateJob = errors.New("job already exists")
	// 同一個 (name, version, arch) 已有有效 claim
	ErrActiveClaim = errors.New("package already has an active claim")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 非法的狀態轉換
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// 快照 schema 版本
const SchemaVersion = 1

// Journal 是 tracker 的 write-ahead log
type Journal interface {
	Append(eventType wal.EventType, job types.BuildJob, forceFlush bool) error
	GetLastSeq() uint64
}

// ValidTransitions 定義合法的狀態轉換
var ValidTransitions = map[types.JobState][]types.JobState{
	types.StateQueued:    {types.StateClaimed},
	types.StateClaimed:   {types.StateBuilding, types.StateReporting},
	types.StateBuilding:  {types.StateClaimed, types.StateReporting},
	types.StateReporting: {types.StateDone, types.StateFailed, types.StateDepWait, types.StateGivenBack},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to types.JobState) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Tracker 本地 BuildJob 追蹤器
type Tracker struct {
	mu      sync.Mutex
	db      *memdb.MemDB
	journal Journal
	now     func() time.Time
}

// New 建立 Tracker；journal 可為 nil (不持久化)
func New(journal Journal) (*Tracker, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("failed to create job store: %w", err)
	}
	return &Tracker{db: db, journal: journal, now: time.Now}, nil
}

// ============================================================================
// Claim 生命週期
// ============================================================================

// BeginClaim 在 claim 請求送出前建立樂觀的 Queued 紀錄
func (t *Tracker) BeginClaim(token types.ClaimToken, cand types.Candidate) (types.BuildJob, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	txn := t.db.Txn(true)
	defer txn.Abort()

	if existing, err := txn.First(tableJobs, indexID, string(token)); err != nil {
		return types.BuildJob{}, err
	} else if existing != nil {
		return types.BuildJob{}, fmt.Errorf("%w: %s", ErrDuplicateJob, token)
	}
	if existing, err := txn.First(tableJobs, indexRef, cand.Ref.Name, cand.Ref.Version, cand.Ref.Arch); err != nil {
		return types.BuildJob{}, err
	} else if existing != nil {
		return types.BuildJob{}, fmt.Errorf("%w: %s", ErrActiveClaim, cand.Ref)
	}

	now := t.now().UnixMilli()
	job := types.BuildJob{
		Token:     token,
		Ref:       cand.Ref,
		Meta:      types.ClaimMeta{Dist: cand.Dist},
		State:     types.StateQueued,
		Priority:  cand.Priority,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := t.appendJournal(wal.EventQueue, job); err != nil {
		return types.BuildJob{}, err
	}
	if err := txn.Insert(tableJobs, newRecord(job)); err != nil {
		return types.BuildJob{}, err
	}
	txn.Commit()
	return job, nil
}

// ConfirmClaim 以 authority 的回應校正紀錄：Queued → Claimed
func (t *Tracker) ConfirmClaim(token types.ClaimToken, meta types.ClaimMeta) (types.BuildJob, error) {
	return t.transition(token, wal.EventClaim, types.StateClaimed, func(job *types.BuildJob) {
		if meta.Dist == "" {
			meta.Dist = job.Meta.Dist
		}
		job.Meta = meta
	})
}

// AbortClaim 移除被拒絕的樂觀紀錄
func (t *Tracker) AbortClaim(token types.ClaimToken) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	txn := t.db.Txn(true)
	defer txn.Abort()

	rec, err := lookup(txn, token)
	if err != nil {
		return err
	}
	if rec.Job.State != types.StateQueued {
		return fmt.Errorf("%w: abort from %s", ErrInvalidTransition, rec.Job.State)
	}
	if err := t.appendJournal(wal.EventAbort, rec.Job); err != nil {
		return err
	}
	if err := txn.Delete(tableJobs, rec); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// StartBuilding Claimed → Building，記錄佔用的 slot
//
// 同一個 token 已在 Building 時回傳 ErrInvalidTransition，
// 因此重複的 token 不可能產生兩個並行的建置。
func (t *Tracker) StartBuilding(token types.ClaimToken, slotID string) (types.BuildJob, error) {
	return t.transition(token, wal.EventBuild, types.StateBuilding, func(job *types.BuildJob) {
		job.Slot = slotID
	})
}

// Requeue Building → Claimed，記一次失敗並釋放 slot
func (t *Tracker) Requeue(token types.ClaimToken) (types.BuildJob, error) {
	return t.transition(token, wal.EventRequeue, types.StateClaimed, func(job *types.BuildJob) {
		job.Attempt++
		job.Slot = ""
	})
}

// BeginReport → Reporting，記錄待回報的動作
func (t *Tracker) BeginReport(token types.ClaimToken, action types.ReportAction) (types.BuildJob, error) {
	return t.transition(token, wal.EventReport, types.StateReporting, func(job *types.BuildJob) {
		job.Action = action
		job.Slot = ""
	})
}

// Retarget 改變 Reporting 中 job 的回報動作 (例如上傳失敗改為 give-back)
func (t *Tracker) Retarget(token types.ClaimToken, action types.ReportAction) (types.BuildJob, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	txn := t.db.Txn(true)
	defer txn.Abort()

	rec, err := lookup(txn, token)
	if err != nil {
		return types.BuildJob{}, err
	}
	if rec.Job.State != types.StateReporting {
		return types.BuildJob{}, fmt.Errorf("%w: retarget %s in state %s", ErrInvalidTransition, token, rec.Job.State)
	}
	job := rec.Job
	job.Action = action
	job.UpdatedAt = t.now().UnixMilli()
	if err := t.appendJournal(wal.EventReport, job); err != nil {
		return types.BuildJob{}, err
	}
	if err := txn.Insert(tableJobs, newRecord(job)); err != nil {
		return types.BuildJob{}, err
	}
	txn.Commit()
	return job, nil
}

// Acknowledge authority 已確認結果：Reporting → 終止狀態，並從追蹤中移除
//
// token 不存在時回傳 ErrJobNotFound (表示已經確認過)。
func (t *Tracker) Acknowledge(token types.ClaimToken) (types.BuildJob, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	txn := t.db.Txn(true)
	defer txn.Abort()

	rec, err := lookup(txn, token)
	if err != nil {
		return types.BuildJob{}, err
	}
	to := rec.Job.Action.JobState()
	if !CanTransition(rec.Job.State, to) {
		return types.BuildJob{}, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, rec.Job.State, to)
	}
	job := rec.Job
	job.State = to
	job.UpdatedAt = t.now().UnixMilli()
	if err := t.appendJournal(wal.EventAck, job); err != nil {
		return types.BuildJob{}, err
	}
	if err := txn.Delete(tableJobs, rec); err != nil {
		return types.BuildJob{}, err
	}
	txn.Commit()
	return job, nil
}

// Forget 不論狀態移除 token 的紀錄。只在 authority 已確認結果、
// 但本地狀態沒能跟上時使用。
func (t *Tracker) Forget(token types.ClaimToken) (types.BuildJob, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	txn := t.db.Txn(true)
	defer txn.Abort()

	rec, err := lookup(txn, token)
	if err != nil {
		return types.BuildJob{}, err
	}
	job := rec.Job
	if err := t.appendJournal(wal.EventAck, job); err != nil {
		return types.BuildJob{}, err
	}
	if err := txn.Delete(tableJobs, rec); err != nil {
		return types.BuildJob{}, err
	}
	txn.Commit()
	return job, nil
}

func (t *Tracker) transition(token types.ClaimToken, event wal.EventType, to types.JobState, mutate func(*types.BuildJob)) (types.BuildJob, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	txn := t.db.Txn(true)
	defer txn.Abort()

	rec, err := lookup(txn, token)
	if err != nil {
		return types.BuildJob{}, err
	}
	if !CanTransition(rec.Job.State, to) {
		return types.BuildJob{}, fmt.Errorf("%w: %s %s → %s", ErrInvalidTransition, token, rec.Job.State, to)
	}

	job := rec.Job
	job.State = to
	if mutate != nil {
		mutate(&job)
	}
	job.UpdatedAt = t.now().UnixMilli()

	if err := t.appendJournal(event, job); err != nil {
		return types.BuildJob{}, err
	}
	if err := txn.Insert(tableJobs, newRecord(job)); err != nil {
		return types.BuildJob{}, err
	}
	txn.Commit()
	return job, nil
}

func (t *Tracker) appendJournal(event wal.EventType, job types.BuildJob) error {
	if t.journal == nil {
		return nil
	}
	if err := t.journal.Append(event, job, true); err != nil {
		return fmt.Errorf("failed to journal %s for %s: %w", event, job.Token, err)
	}
	return nil
}

// ============================================================================
// 查詢
// ============================================================================

// Get 依 token 取得任務
func (t *Tracker) Get(token types.ClaimToken) (types.BuildJob, error) {
	txn := t.db.Txn(false)
	defer txn.Abort()
	rec, err := lookup(txn, token)
	if err != nil {
		return types.BuildJob{}, err
	}
	return rec.Job, nil
}

// HasRef reports whether the package already has an active local claim.
func (t *Tracker) HasRef(ref types.PackageRef) bool {
	txn := t.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tableJobs, indexRef, ref.Name, ref.Version, ref.Arch)
	return err == nil && raw != nil
}

// List 回傳所有任務，依建立時間排序
func (t *Tracker) List() []types.BuildJob {
	return t.collect(indexID)
}

// ListByState 回傳指定狀態的任務
func (t *Tracker) ListByState(state types.JobState) []types.BuildJob {
	return t.collect(indexState, string(state))
}

// ListByArch 回傳指定架構的任務
func (t *Tracker) ListByArch(arch string) []types.BuildJob {
	return t.collect(indexArch, arch)
}

// CountByState counts jobs per state.
func (t *Tracker) CountByState() map[types.JobState]int {
	counts := make(map[types.JobState]int)
	for _, job := range t.List() {
		counts[job.State]++
	}
	return counts
}

// Len 任務總數
func (t *Tracker) Len() int {
	return len(t.List())
}

func (t *Tracker) collect(index string, args ...interface{}) []types.BuildJob {
	txn := t.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableJobs, index, args...)
	if err != nil {
		return nil
	}
	var jobs []types.BuildJob
	for raw := it.Next(); raw != nil; raw = it.Next() {
		jobs = append(jobs, raw.(*record).Job)
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt != jobs[j].CreatedAt {
			return jobs[i].CreatedAt < jobs[j].CreatedAt
		}
		return jobs[i].Token < jobs[j].Token
	})
	return jobs
}

// ============================================================================
// 快照與恢復
// ============================================================================

// Snapshot 序列化當前所有任務
func (t *Tracker) Snapshot() types.SnapshotData {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() types.SnapshotData {
	data := types.SnapshotData{
		Jobs:      make(map[types.ClaimToken]*types.BuildJob),
		SchemaVer: SchemaVersion,
	}
	if t.journal != nil {
		data.LastSeq = t.journal.GetLastSeq()
	}
	for _, job := range t.List() {
		job := job
		data.Jobs[job.Token] = &job
	}
	return data
}

// Checkpoint 在寫鎖內產生快照並交給 persist (寫入快照、旋轉 journal)
//
// 持鎖期間不會有新的 journal 事件，因此旋轉不會遺失事件。
func (t *Tracker) Checkpoint(persist func(types.SnapshotData) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return persist(t.snapshotLocked())
}

// Recover 從快照與 journal 重建狀態
//
// snap 可為 nil。replay 依序提供 journal 事件；事件不做轉換檢查，
// journal 即為已發生的事實。
func (t *Tracker) Recover(snap *types.SnapshotData, replay func(wal.EventHandler) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return err
	}
	txn := db.Txn(true)
	defer txn.Abort()

	if snap != nil {
		for _, job := range snap.Jobs {
			if err := txn.Insert(tableJobs, newRecord(*job)); err != nil {
				return fmt.Errorf("failed to restore job %s: %w", job.Token, err)
			}
		}
	}

	if replay != nil {
		err := replay(func(event wal.Event) error {
			if event.Type.Removes() {
				raw, err := txn.First(tableJobs, indexID, string(event.Token))
				if err != nil || raw == nil {
					return err
				}
				return txn.Delete(tableJobs, raw)
			}
			return upsert(txn, event.Job)
		})
		if err != nil && !errors.Is(err, wal.ErrCorruptedWAL) {
			return fmt.Errorf("failed to replay journal: %w", err)
		}
	}

	txn.Commit()
	t.db = db
	return nil
}

// upsert 取代同 token 的紀錄；若同套件有其他 token 的舊紀錄也一併移除
func upsert(txn *memdb.Txn, job types.BuildJob) error {
	raw, err := txn.First(tableJobs, indexRef, job.Ref.Name, job.Ref.Version, job.Ref.Arch)
	if err != nil {
		return err
	}
	if raw != nil && raw.(*record).Token != string(job.Token) {
		if err := txn.Delete(tableJobs, raw); err != nil {
			return err
		}
	}
	return txn.Insert(tableJobs, newRecord(job))
}

func lookup(txn *memdb.Txn, token types.ClaimToken) (*record, error) {
	raw, err := txn.First(tableJobs, indexID, string(token))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, token)
	}
	return raw.(*record), nil
}
