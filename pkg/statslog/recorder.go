// Package statslog keeps a SQLite history of cache statistics for
// dashboards. It records counters only, never cached answers.
package statslog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/supportbot/recall/pkg/models"
)

// StatsSource is anything that can report cache statistics.
type StatsSource interface {
	Stats() models.CacheStats
}

// Recorder writes and queries stats snapshots.
type Recorder struct {
	db  *sql.DB
	log *slog.Logger

	mu   sync.Mutex
	done chan struct{}
	wg   sync.WaitGroup
}

const createSnapshotsTable = `
CREATE TABLE IF NOT EXISTS cache_stats_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entries INTEGER NOT NULL,
	hits INTEGER NOT NULL,
	semantic_hits INTEGER NOT NULL,
	misses INTEGER NOT NULL,
	evictions INTEGER NOT NULL,
	expirations INTEGER NOT NULL,
	memory_bytes INTEGER NOT NULL,
	hit_rate REAL NOT NULL,
	stats_json TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_created ON cache_stats_snapshots(created_at);
`

// New opens the stats database and creates the schema.
func New(dbPath string, logger *slog.Logger) (*Recorder, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open stats db: %w", err)
	}

	if _, err := db.Exec(createSnapshotsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate stats db: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{db: db, log: logger.With("component", "statslog")}, nil
}

// Record stores a snapshot of s taken at `at`.
func (r *Recorder) Record(ctx context.Context, s models.CacheStats, at time.Time) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO cache_stats_snapshots
		(entries, hits, semantic_hits, misses, evictions, expirations, memory_bytes, hit_rate, stats_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Entries, s.Hits, s.SemanticHits, s.Misses, s.Evictions, s.Expirations,
		s.MemoryBytes, s.HitRate, string(data), at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record stats: %w", err)
	}
	return nil
}

// History returns up to limit snapshots, newest first.
func (r *Recorder) History(ctx context.Context, limit int) ([]models.StatsSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, stats_json, created_at FROM cache_stats_snapshots
		 ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query stats history: %w", err)
	}
	defer rows.Close()

	var out []models.StatsSnapshot
	for rows.Next() {
		var snap models.StatsSnapshot
		var data string
		if err := rows.Scan(&snap.ID, &data, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stats snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &snap.Stats); err != nil {
			return nil, fmt.Errorf("decode stats snapshot %d: %w", snap.ID, err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Prune deletes snapshots older than before and returns how many went.
func (r *Recorder) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM cache_stats_snapshots WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune stats: %w", err)
	}
	return res.RowsAffected()
}

// Start samples src every interval and prunes snapshots older than
// retention (zero keeps everything). It returns immediately.
func (r *Recorder) Start(src StatsSource, interval, retention time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return
	}
	r.done = make(chan struct{})
	r.wg.Add(1)
	go r.sampleLoop(src, interval, retention, r.done)
}

func (r *Recorder) sampleLoop(src StatsSource, interval, retention time.Duration, done <-chan struct{}) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			ctx := context.Background()
			if err := r.Record(ctx, src.Stats(), now); err != nil {
				r.log.Warn("stats snapshot failed", "error", err)
			}
			if retention > 0 {
				if _, err := r.Prune(ctx, now.Add(-retention)); err != nil {
					r.log.Warn("stats prune failed", "error", err)
				}
			}
		}
	}
}

// Close stops sampling and releases the database connection.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
	r.mu.Unlock()
	r.wg.Wait()
	return r.db.Close()
}
