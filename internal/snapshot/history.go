package snapshot

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xian-network/abci-core/internal/errs"
)

// History is a small local sqlite index of past snapshot creation events,
// used by the query surface's snapshot-listing diagnostics to answer
// "what snapshots has this node ever produced" without re-scanning the
// snapshot directory tree (which only ever holds the currently-retained
// set once enforceRetention prunes older ones).
type History struct {
	db *sql.DB
}

// HistoryEntry is one recorded snapshot-creation event.
type HistoryEntry struct {
	Height    int64
	AppHash   string
	Chunks    int
	TotalSize int64
	CreatedAt time.Time
}

// OpenHistory opens (creating if needed) the sqlite history database at
// path.
func OpenHistory(path string) (*History, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageCorruption, err, "snapshot: opening history db %s", path)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS snapshot_history (
	height     INTEGER NOT NULL,
	app_hash   TEXT NOT NULL,
	chunks     INTEGER NOT NULL,
	total_size INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (height, app_hash)
)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindStorageCorruption, err, "snapshot: creating history schema")
	}
	return &History{db: db}, nil
}

// Close releases the underlying database handle.
func (h *History) Close() error { return h.db.Close() }

// Record inserts one snapshot-creation event.
func (h *History) Record(meta Metadata, createdAt time.Time) error {
	_, err := h.db.Exec(
		`INSERT OR REPLACE INTO snapshot_history (height, app_hash, chunks, total_size, created_at) VALUES (?, ?, ?, ?, ?)`,
		meta.Height, meta.AppHash, meta.Chunks, meta.TotalSize, createdAt.Unix(),
	)
	if err != nil {
		return errs.Wrap(errs.KindStorageCorruption, err, "snapshot: recording history for height %d", meta.Height)
	}
	return nil
}

// All returns every recorded event, most recent first.
func (h *History) All() ([]HistoryEntry, error) {
	rows, err := h.db.Query(`SELECT height, app_hash, chunks, total_size, created_at FROM snapshot_history ORDER BY height DESC`)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorageCorruption, err, "snapshot: querying history")
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var createdAtUnix int64
		if err := rows.Scan(&e.Height, &e.AppHash, &e.Chunks, &e.TotalSize, &createdAtUnix); err != nil {
			return nil, errs.Wrap(errs.KindStorageCorruption, err, "snapshot: scanning history row")
		}
		e.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// WithHistory attaches h to the Engine so every future Create call also
// records an entry. Optional: an Engine with no attached History simply
// skips indexing.
func (e *Engine) WithHistory(h *History) *Engine {
	e.history = h
	return e
}
