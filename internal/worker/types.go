package worker

import (
	"context"
	"errors"

	"github.com/ChuLiYu/buildd/internal/session"
	"github.com/ChuLiYu/buildd/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示 Pool 已停止，不再分配 slot
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrNoUsableSlots 啟動時沒有任何可用 slot (致命錯誤)
	ErrNoUsableSlots = errors.New("no usable worker slots")
	// ErrUnknownArch 沒有任何 slot 支援該架構
	ErrUnknownArch = errors.New("no slot for architecture")
	// ErrUnknownSlot slot ID 不存在
	ErrUnknownSlot = errors.New("unknown slot")
	// ErrSlotNotBusy 釋放一個沒有被佔用的 slot
	ErrSlotNotBusy = errors.New("slot is not busy")
)

// SlotInfo is a point-in-time view of one slot.
type SlotInfo struct {
	ID      string           `json:"id"`
	Arch    string           `json:"arch"`
	Backend string           `json:"backend"`
	Busy    bool             `json:"busy"`
	Usable  bool             `json:"usable"`
	Job     types.ClaimToken `json:"job,omitempty"`
}

// Provisioner checks, repairs and resets slot backends (chroots, VMs).
type Provisioner interface {
	Check(ctx context.Context, slot session.Slot) error
	Repair(ctx context.Context, slot session.Slot) error
	Reset(ctx context.Context, slot session.Slot) error
}

// Stats counts pool events since start.
type Stats struct {
	Quarantines uint64
	Repairs     uint64
	Acquired    uint64
}
