package wal

// ============================================================================
// Job journal (write side)
// 每一次 tracker 狀態變更都先寫進這裡；快照完成後旋轉。
// 記錄格式：一行一筆 JSON，附 CRC32。
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/buildd/pkg/types"
)

const (
	// 旋轉後保留的舊日誌數量
	keepRotated = 3

	// 未強制 flush 的記錄最多累積幾筆 / 多久
	maxPending    = 64
	flushInterval = time.Second

	rotatedLayout = "20060102T150405.000000000"
)

// WAL is the append-only journal backing the job tracker.
type WAL struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	seq    uint64
	closed bool

	// 已編碼但尚未寫入的記錄
	pending   bytes.Buffer
	npending  int
	lastFlush time.Time
}

// NewWAL opens the journal at path, creating it when missing. A record torn
// by a crash at the end of the file is cut off before appending resumes.
func NewWAL(path string) (*WAL, error) {
	seq, err := repairTail(path)
	if err != nil {
		return nil, fmt.Errorf("wal: repair %s: %w", path, err)
	}

	file, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	return &WAL{path: path, file: file, seq: seq, lastFlush: time.Now()}, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	return f, nil
}

// Append records job as it looks after the mutation named by eventType.
// With forceFlush the record is on disk when Append returns; otherwise it may
// sit in memory for up to flushInterval or maxPending records.
func (w *WAL) Append(eventType EventType, job types.BuildJob, forceFlush bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	event := Event{
		Seq:       w.seq + 1,
		Type:      eventType,
		Token:     job.Token,
		Job:       job,
		Timestamp: time.Now().UnixMilli(),
	}
	event.Checksum = CalculateChecksum(event)

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("wal: encode %s %s: %w", eventType, job.Token, err)
	}
	w.seq = event.Seq
	w.pending.Write(line)
	w.pending.WriteByte('\n')
	w.npending++

	if forceFlush || w.npending >= maxPending || time.Since(w.lastFlush) > flushInterval {
		return w.flushLocked()
	}
	return nil
}

// Rotate moves the current journal aside and starts an empty one with the
// sequence reset. The caller must already hold a snapshot covering every
// record written so far.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close for rotate: %w", err)
	}

	rotated := w.path + "." + time.Now().UTC().Format(rotatedLayout)
	if err := os.Rename(w.path, rotated); err != nil {
		return fmt.Errorf("wal: rotate: %w", err)
	}

	file, err := openAppend(w.path)
	if err != nil {
		return err
	}
	w.file = file
	w.seq = 0
	w.lastFlush = time.Now()

	return pruneRotated(w.path, keepRotated)
}

// Close flushes pending records. The WAL cannot be reused afterwards.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	flushErr := w.flushLocked()
	closeErr := w.file.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// GetLastSeq returns the sequence number of the newest record, 0 right after
// a rotation. Snapshots store it as their last_seq.
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// flushLocked 需持有 w.mu
func (w *WAL) flushLocked() error {
	if w.npending == 0 {
		return nil
	}
	if _, err := w.file.Write(w.pending.Bytes()); err != nil {
		return fmt.Errorf("wal: write: %w", err)
	}
	w.pending.Reset()
	w.npending = 0
	w.lastFlush = time.Now()
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	return nil
}

// pruneRotated 刪除最舊的旋轉檔，只留 keep 個。
// 後綴是 UTC 時間戳，字典序即時間序。
func pruneRotated(path string, keep int) error {
	rotated, err := filepath.Glob(path + ".*")
	if err != nil {
		return err
	}
	if len(rotated) <= keep {
		return nil
	}
	sort.Strings(rotated)
	for _, old := range rotated[:len(rotated)-keep] {
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("wal: prune %s: %w", old, err)
		}
	}
	return nil
}
