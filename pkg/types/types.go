// Package types 定義了 buildd 系統中使用的核心領域模型
package types

import (
	"fmt"
	"strings"
	"time"
)

// PackageRef 識別一個可建置單元 (source package, version, architecture)
type PackageRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Arch    string `json:"arch"`
}

func (r PackageRef) String() string {
	return fmt.Sprintf("%s/%s_%s", r.Arch, r.Name, r.Version)
}

// NameVersion 回傳 wanna-build 使用的 name_version 形式
func (r PackageRef) NameVersion() string {
	return r.Name + "_" + r.Version
}

// Candidate 是 authority 回報的一筆 needs-build 工作
type Candidate struct {
	Ref         PackageRef `json:"ref"`
	Dist        string     `json:"dist"`
	Priority    int        `json:"priority"`     // 明確優先權 (authority calprio 或本地覆寫)
	BacklogDays int        `json:"backlog_days"` // 等待建置的天數
}

// ClaimToken 本地核發的 claim 識別碼，所有 claim/report 呼叫以它作為冪等鍵
type ClaimToken string

// ClaimMeta 是 claim 成功時 authority 附帶的建置參數
type ClaimMeta struct {
	Dist             string `json:"dist"`
	Archive          string `json:"archive"`
	BuildDepResolver string `json:"build_dep_resolver,omitempty"`
	MailLogs         string `json:"mail_logs,omitempty"`
	BinNMU           int    `json:"binnmu,omitempty"`
	BinNMUChangelog  string `json:"binnmu_changelog,omitempty"`
	ExtraDepends     string `json:"extra_depends,omitempty"`
	ExtraConflicts   string `json:"extra_conflicts,omitempty"`
}

// ============================================================================
// 版本字串輔助函式
// ============================================================================

// EpochlessVersion strips a leading "N:" epoch.
func EpochlessVersion(version string) string {
	if i := strings.Index(version, ":"); i >= 0 {
		return version[i+1:]
	}
	return version
}

// BinaryVersion 回傳 binNMU 後的二進位版本 (例如 1.0-1+b2)
func BinaryVersion(version string, binNMU int) string {
	if binNMU > 0 {
		return fmt.Sprintf("%s+b%d", version, binNMU)
	}
	return version
}

// NameBinaryVersion is the package identifier used in authority reports.
func NameBinaryVersion(ref PackageRef, meta ClaimMeta) string {
	return ref.Name + "_" + BinaryVersion(ref.Version, meta.BinNMU)
}

// ChangesFileName 回傳建置產生的 .changes 檔名
func ChangesFileName(ref PackageRef, meta ClaimMeta) string {
	return fmt.Sprintf("%s_%s_%s.changes", ref.Name,
		BinaryVersion(EpochlessVersion(ref.Version), meta.BinNMU), ref.Arch)
}

// ============================================================================
// 任務狀態
// ============================================================================

// JobState 本地追蹤的 BuildJob 狀態
type JobState string

const (
	StateQueued    JobState = "queued"     // 已知的候選工作，claim 尚未確認
	StateClaimed   JobState = "claimed"    // claim 成功，等待 slot
	StateBuilding  JobState = "building"   // 正在某個 slot 上建置
	StateReporting JobState = "reporting"  // 結果已決定，等待 authority 確認
	StateDone      JobState = "done"       // 建置成功並已上傳
	StateFailed    JobState = "failed"     // 永久性失敗
	StateDepWait   JobState = "dep_wait"   // 缺少建置依賴
	StateGivenBack JobState = "given_back" // 歸還給 authority
)

// IsTerminal 判斷是否為終止狀態
func (s JobState) IsTerminal() bool {
	switch s {
	case StateDone, StateFailed, StateDepWait, StateGivenBack:
		return true
	}
	return false
}

// BuildJob 是一個已 claim 的建置工作
type BuildJob struct {
	Token    ClaimToken `json:"token"`
	Ref      PackageRef `json:"ref"`
	Meta     ClaimMeta  `json:"meta"`
	State    JobState   `json:"state"`
	Priority int        `json:"priority"`
	Attempt  int        `json:"attempt"`        // 已失敗的建置次數
	Slot     string     `json:"slot,omitempty"` // 目前佔用的 slot ID

	// 待回報的結果 (僅 Reporting 狀態)
	Action ReportAction `json:"action,omitempty"`

	CreatedAt int64 `json:"created_at"` // Unix 毫秒
	UpdatedAt int64 `json:"updated_at"` // Unix 毫秒
}

// ============================================================================
// 建置結果
// ============================================================================

// SessionState BuildSession 的狀態
type SessionState string

const (
	SessionClaimed   SessionState = "claimed"
	SessionBuilding  SessionState = "building"
	SessionSucceeded SessionState = "succeeded"
	SessionFailed    SessionState = "failed"
	SessionDepWait   SessionState = "dep_wait_detected"
	SessionTimedOut  SessionState = "timed_out"
	SessionCancelled SessionState = "cancelled"
)

// IsTerminal reports whether the session has finished.
func (s SessionState) IsTerminal() bool {
	switch s {
	case SessionSucceeded, SessionFailed, SessionDepWait, SessionTimedOut, SessionCancelled:
		return true
	}
	return false
}

// Category 建置輸出分類
type Category string

const (
	CategoryNone     Category = ""
	CategoryFailed   Category = "failed"
	CategoryDepWait  Category = "dep_wait"
	CategoryResource Category = "resource" // slot/backend 不可用
)

// Classification 分類器的輸出
type Classification struct {
	Category Category `json:"category"`
	Deps     []string `json:"deps,omitempty"`
}

// BuildResult 一次建置嘗試的結果
type BuildResult struct {
	Token          ClaimToken     `json:"token"`
	SessionID      string         `json:"session_id"`
	Slot           string         `json:"slot"`
	State          SessionState   `json:"state"`
	ExitStatus     int            `json:"exit_status"`
	Artifacts      []string       `json:"artifacts,omitempty"`
	ChangesFile    string         `json:"changes_file,omitempty"`
	BuildDir       string         `json:"build_dir,omitempty"`
	LogRef         string         `json:"log_ref,omitempty"`
	Classification Classification `json:"classification"`
	Error          string         `json:"error,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
}

// Duration 建置耗時
func (r BuildResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// ReportAction 要送給 authority 的回報種類
type ReportAction string

const (
	ActionBuilt    ReportAction = "built"
	ActionFailed   ReportAction = "failed"
	ActionDepWait  ReportAction = "dep-wait"
	ActionGiveBack ReportAction = "give-back"
)

// JobState 回報被確認後 BuildJob 進入的終止狀態
func (a ReportAction) JobState() JobState {
	switch a {
	case ActionBuilt:
		return StateDone
	case ActionFailed:
		return StateFailed
	case ActionDepWait:
		return StateDepWait
	default:
		return StateGivenBack
	}
}

// Report 一筆待送出的結果回報，也是 replay queue 的持久化格式
type Report struct {
	Token  ClaimToken   `json:"token"`
	Ref    PackageRef   `json:"ref"`
	Meta   ClaimMeta    `json:"meta"`
	Action ReportAction `json:"action"`
	Deps   []string     `json:"deps,omitempty"`
	Reason string       `json:"reason,omitempty"`

	// 上傳所需資料 (僅 ActionBuilt)
	Artifacts   []string `json:"artifacts,omitempty"`
	ChangesFile string   `json:"changes_file,omitempty"`
	BuildDir    string   `json:"build_dir,omitempty"`
	Uploaded    bool     `json:"uploaded,omitempty"`
}

// ============================================================================
// 快照
// ============================================================================

// SnapshotData 本地追蹤狀態的快照
type SnapshotData struct {
	Jobs      map[ClaimToken]*BuildJob `json:"jobs"`
	SchemaVer int                      `json:"schema_ver"`
	LastSeq   uint64                   `json:"last_seq"`
}
