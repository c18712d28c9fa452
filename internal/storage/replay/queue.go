package replay

// ============================================================================
// Durable replay queue
//
// 每個終止結果在送出前先寫入 SQLite (outbox)；authority 無法連線時留在
// 這裡，重新連線後重送。Built 結果在上傳完成前 uploaded=false。
// token 為主鍵：同一個結果只會入列一次，送達後標記 delivered_at，
// 之後即使再次入列也會被忽略，因此每個結果最多送達一次。
// ============================================================================

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/buildd/pkg/types"
)

var ErrNotFound = errors.New("replay: entry not found")

// Entry is one persisted outcome.
type Entry struct {
	Report      types.Report
	RunID       string
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeliveredAt *time.Time
	Dead        bool
}

// Queue is the SQLite-backed replay queue.
type Queue struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

// Open opens (or creates) the queue database at path.
// Use ":memory:" for an in-memory queue.
func Open(path string) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// single connection: keeps ":memory:" coherent and avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	q := &Queue{db: db, now: time.Now}
	if err := q.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return q, nil
}

func (q *Queue) initialize() error {
	schema := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS outcomes (
		token TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		payload BLOB NOT NULL,
		run_id TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		delivered_at INTEGER,
		dead INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_outcomes_pending ON outcomes(delivered_at, dead, created_at);
	`
	_, err := q.db.Exec(schema)
	return err
}

// Enqueue persists a report. It returns false if an entry with the same
// token already exists (pending or delivered).
func (q *Queue) Enqueue(ctx context.Context, report types.Report, runID, lastErr string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	payload, err := json.Marshal(report)
	if err != nil {
		return false, fmt.Errorf("marshal report: %w", err)
	}
	now := q.now().UnixMilli()
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO outcomes (token, action, payload, run_id, attempts, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?)
		 ON CONFLICT(token) DO NOTHING`,
		string(report.Token), string(report.Action), payload, runID, lastErr, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// Pending returns undelivered, non-dead entries oldest first. limit <= 0 means all.
func (q *Queue) Pending(ctx context.Context, limit int) ([]Entry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	query := `SELECT token, payload, run_id, attempts, last_error, created_at, updated_at, delivered_at, dead
		FROM outcomes WHERE delivered_at IS NULL AND dead = 0 ORDER BY created_at, token`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Dead returns entries that exhausted their delivery attempts.
func (q *Queue) Dead(ctx context.Context) ([]Entry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	rows, err := q.db.QueryContext(ctx,
		`SELECT token, payload, run_id, attempts, last_error, created_at, updated_at, delivered_at, dead
		 FROM outcomes WHERE delivered_at IS NULL AND dead = 1 ORDER BY created_at, token`)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Get returns the entry for token.
func (q *Queue) Get(ctx context.Context, token types.ClaimToken) (*Entry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	rows, err := q.db.QueryContext(ctx,
		`SELECT token, payload, run_id, attempts, last_error, created_at, updated_at, delivered_at, dead
		 FROM outcomes WHERE token = ?`, string(token))
	if err != nil {
		return nil, fmt.Errorf("query outcome: %w", err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return &entries[0], nil
}

// MarkDelivered records the authority acknowledgement. It returns false if
// the entry was already delivered.
func (q *Queue) MarkDelivered(ctx context.Context, token types.ClaimToken) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UnixMilli()
	res, err := q.db.ExecContext(ctx,
		`UPDATE outcomes SET delivered_at = ?, updated_at = ? WHERE token = ? AND delivered_at IS NULL`,
		now, now, string(token))
	if err != nil {
		return false, fmt.Errorf("mark delivered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// Update rewrites the stored report of an undelivered entry, e.g. once its
// artifacts are uploaded. It returns false if no undelivered entry exists.
func (q *Queue) Update(ctx context.Context, report types.Report) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	payload, err := json.Marshal(report)
	if err != nil {
		return false, fmt.Errorf("marshal report: %w", err)
	}
	res, err := q.db.ExecContext(ctx,
		`UPDATE outcomes SET action = ?, payload = ?, updated_at = ? WHERE token = ? AND delivered_at IS NULL`,
		string(report.Action), payload, q.now().UnixMilli(), string(report.Token))
	if err != nil {
		return false, fmt.Errorf("update outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// RecordFailure bumps the attempt counter. Once attempts reach maxAttempts
// (when > 0) the entry is flagged dead: kept on disk, no longer replayed.
func (q *Queue) RecordFailure(ctx context.Context, token types.ClaimToken, errMsg string, maxAttempts int) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UnixMilli()
	if _, err := q.db.ExecContext(ctx,
		`UPDATE outcomes SET attempts = attempts + 1, last_error = ?, updated_at = ?,
		 dead = CASE WHEN ? > 0 AND attempts + 1 >= ? THEN 1 ELSE dead END
		 WHERE token = ? AND delivered_at IS NULL`,
		errMsg, now, maxAttempts, maxAttempts, string(token)); err != nil {
		return false, fmt.Errorf("record failure: %w", err)
	}

	var dead int
	err := q.db.QueryRowContext(ctx, `SELECT dead FROM outcomes WHERE token = ?`, string(token)).Scan(&dead)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read outcome: %w", err)
	}
	return dead == 1, nil
}

// Revive clears the dead flag so the entry is replayed again.
func (q *Queue) Revive(ctx context.Context, token types.ClaimToken) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.ExecContext(ctx,
		`UPDATE outcomes SET dead = 0, attempts = 0, updated_at = ? WHERE token = ? AND delivered_at IS NULL`,
		q.now().UnixMilli(), string(token))
	if err != nil {
		return fmt.Errorf("revive outcome: %w", err)
	}
	return nil
}

// PendingCount returns the number of undelivered, non-dead entries.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outcomes WHERE delivered_at IS NULL AND dead = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outcomes: %w", err)
	}
	return n, nil
}

// Purge deletes delivered entries older than the retention window.
func (q *Queue) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-retention).UnixMilli()
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM outcomes WHERE delivered_at IS NOT NULL AND delivered_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge outcomes: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (q *Queue) Close() error {
	return q.db.Close()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			token     string
			payload   []byte
			runID     sql.NullString
			lastErr   sql.NullString
			created   int64
			updated   int64
			delivered sql.NullInt64
			dead      int
			e         Entry
		)
		if err := rows.Scan(&token, &payload, &runID, &e.Attempts, &lastErr, &created, &updated, &delivered, &dead); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		if err := json.Unmarshal(payload, &e.Report); err != nil {
			return nil, fmt.Errorf("unmarshal outcome %s: %w", token, err)
		}
		e.RunID = runID.String
		e.LastError = lastErr.String
		e.CreatedAt = time.UnixMilli(created)
		e.UpdatedAt = time.UnixMilli(updated)
		if delivered.Valid {
			t := time.UnixMilli(delivered.Int64)
			e.DeliveredAt = &t
		}
		e.Dead = dead == 1
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return entries, nil
}
