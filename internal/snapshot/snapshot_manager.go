package snapshot

// ============================================================================
// 職責說明：
// 1. 將 job tracker 狀態序列化為 JSON 快照檔
// 2. checkpoint 流程：寫入 .tmp 並 fsync → 目前的快照移為 .prev → .tmp 改名
//    → fsync 目錄；之後呼叫者才旋轉 journal
// 3. 在兩次 rename 之間崩潰時，主檔不存在，改用 .prev (journal 尚未旋轉，
//    .prev + journal 仍然完整)
// 4. 載入時驗證 schema 版本相容性
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/buildd/pkg/types"
)

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

const (
	tmpSuffix  = ".tmp"
	prevSuffix = ".prev"
)

// Manager 快照管理器
type Manager struct {
	path      string
	schemaVer int
	mu        sync.Mutex
}

func NewManager(path string, schemaVer int) *Manager {
	return &Manager{path: path, schemaVer: schemaVer}
}

// Path returns the primary snapshot path.
func (m *Manager) Path() string { return m.path }

// Write 原子性寫入快照，上一份保留為 .prev
func (m *Manager) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = m.schemaVer
	if data.Jobs == nil {
		data.Jobs = make(map[types.ClaimToken]*types.BuildJob)
	}
	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp := m.path + tmpSuffix
	if err := writeSynced(tmp, payload); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(m.path, m.path+prevSuffix); err != nil && !os.IsNotExist(err) {
		os.Remove(tmp)
		return fmt.Errorf("failed to keep previous snapshot: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to install snapshot: %w", err)
	}
	return syncDir(filepath.Dir(m.path))
}

// Load 載入快照
//
// 兩個檔案都不存在時回傳 (nil, nil)，代表首次啟動。
// 主檔損壞不會退回 .prev：journal 已經旋轉，舊快照會漏掉中間的事件。
func (m *Manager) Load() (*types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := m.read(m.path)
	if err == nil || !os.IsNotExist(err) {
		return data, err
	}
	data, err = m.read(m.path + prevSuffix)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

func (m *Manager) read(path string) (*types.SnapshotData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var data types.SnapshotData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptedSnapshot, filepath.Base(path), err)
	}
	if data.SchemaVer != m.schemaVer {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, m.schemaVer)
	}
	if data.Jobs == nil {
		data.Jobs = make(map[types.ClaimToken]*types.BuildJob)
	}
	return &data, nil
}

func writeSynced(path string, payload []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	return f.Close()
}

// syncDir 讓 rename 本身也落盤
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open snapshot dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync snapshot dir: %w", err)
	}
	return nil
}
