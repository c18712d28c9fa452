package wal

// ============================================================================
// Job journal (read side)
// Replay、啟動時的檔尾修復、離線檢查共用同一個解碼迴圈。
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
)

// scan decodes records from r in file order and hands each one to fn together
// with the byte offset just past it. Undecodable input yields a
// *CorruptionError positioned at the end of the last good record.
func scan(path string, r io.Reader, verify bool, fn func(ev Event, end int64) error) error {
	dec := json.NewDecoder(r)
	var lastSeq uint64
	var good int64
	for {
		var ev Event
		err := dec.Decode(&ev)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return &CorruptionError{Path: path, Kind: Torn, Seq: lastSeq, Offset: good, Err: err}
		}
		if verify {
			if sum := CalculateChecksum(ev); sum != ev.Checksum {
				return &CorruptionError{
					Path:   path,
					Kind:   Tampered,
					Seq:    ev.Seq,
					Offset: good,
					Err:    fmt.Errorf("crc 0x%08x, stored 0x%08x", sum, ev.Checksum),
				}
			}
		}
		good = dec.InputOffset()
		if err := fn(ev, good); err != nil {
			return err
		}
		lastSeq = ev.Seq
	}
}

// Replay feeds every record to handler, oldest first. Pending records are
// flushed beforehand. It stops at the first bad record or handler error;
// records already applied stay applied.
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return err
	}

	f, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("wal: open %s: %w", w.path, err)
	}
	defer f.Close()

	return scan(w.path, f, true, func(ev Event, _ int64) error {
		return handler(ev)
	})
}

// repairTail returns the last sequence number in path and cuts off a torn
// final record. A missing file is an empty journal.
func repairTail(path string) (uint64, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var seq uint64
	err = scan(path, f, false, func(ev Event, _ int64) error {
		seq = ev.Seq
		return nil
	})
	f.Close()

	var torn *CorruptionError
	if !errors.As(err, &torn) {
		return seq, err
	}

	if err := os.Truncate(path, torn.Offset); err != nil {
		return 0, err
	}
	if torn.Offset == 0 {
		return seq, nil
	}
	// 截斷點在最後一筆完整記錄的 '}' 之後，補回換行
	tail, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return 0, err
	}
	defer tail.Close()
	_, err = tail.Write([]byte("\n"))
	return seq, err
}

// Events iterates the records of a journal file without opening it for
// writing. Checksums are verified; iteration ends after the first error.
func Events(path string) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			yield(Event{}, err)
			return
		}
		defer f.Close()

		stopped := errors.New("stopped")
		err = scan(path, f, true, func(ev Event, _ int64) error {
			if !yield(ev, nil) {
				return stopped
			}
			return nil
		})
		if err != nil && err != stopped {
			yield(Event{}, err)
		}
	}
}

// CountEvents returns how many valid records path holds.
func CountEvents(path string) (int, error) {
	n := 0
	for _, err := range Events(path) {
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
