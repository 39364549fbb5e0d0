package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Panmoni/yapbay-sub000/core/events"
)

// Store persists the ledger event log and named consumer cursors in SQLite.
type Store struct {
	db *sql.DB
}

var _ events.Sink = (*Store)(nil)

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps writes ordered and lets ":memory:" work.
	db.SetMaxOpenConns(1)
	store := &Store{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS events (
            sequence INTEGER PRIMARY KEY,
            id TEXT NOT NULL UNIQUE,
            type TEXT NOT NULL,
            escrow_id TEXT,
            trade_id TEXT,
            payload TEXT NOT NULL,
            recorded_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS events_escrow ON events(escrow_id, trade_id, sequence);`,
		`CREATE TABLE IF NOT EXISTS event_cursors (
            name TEXT PRIMARY KEY,
            value INTEGER NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Append implements events.Sink. Entries must arrive with increasing
// sequence numbers; a repeated sequence is rejected.
func (s *Store) Append(ctx context.Context, entry events.Entry) error {
	const stmt = `INSERT INTO events(sequence, id, type, escrow_id, trade_id, payload, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	payload, err := json.Marshal(entry.Attributes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, stmt, int64(entry.Sequence), entry.ID, entry.Type,
		attrOrNull(entry, "escrowId"), attrOrNull(entry, "tradeId"), string(payload), entry.RecordedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("append event %d: %w", entry.Sequence, err)
	}
	return nil
}

func attrOrNull(entry events.Entry, key string) any {
	if v, ok := entry.Attributes[key]; ok {
		return v
	}
	return nil
}

// LastSequence returns the highest stored sequence, or zero.
func (s *Store) LastSequence(ctx context.Context) (uint64, error) {
	const query = `SELECT COALESCE(MAX(sequence), 0) FROM events`
	var value int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&value); err != nil {
		return 0, err
	}
	return uint64(value), nil
}

// Since returns up to limit entries with a sequence above after, in order.
// A non-positive limit returns every remaining entry.
func (s *Store) Since(ctx context.Context, after uint64, limit int) ([]events.Entry, error) {
	query := `SELECT sequence, id, type, payload, recorded_at FROM events WHERE sequence > ? ORDER BY sequence`
	args := []any{int64(after)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

// ForEscrow returns every entry recorded for the (escrow id, trade id) pair,
// in order.
func (s *Store) ForEscrow(ctx context.Context, escrowID, tradeID uint64) ([]events.Entry, error) {
	const query = `SELECT sequence, id, type, payload, recorded_at FROM events WHERE escrow_id = ? AND trade_id = ? ORDER BY sequence`
	return s.query(ctx, query, strconv.FormatUint(escrowID, 10), strconv.FormatUint(tradeID, 10))
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]events.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.Entry
	for rows.Next() {
		var (
			seq        int64
			entry      events.Entry
			payload    string
			recordedAt int64
		)
		if err := rows.Scan(&seq, &entry.ID, &entry.Type, &payload, &recordedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &entry.Attributes); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", seq, err)
		}
		entry.Sequence = uint64(seq)
		entry.RecordedAt = time.Unix(0, recordedAt).UTC()
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Cursor returns the stored position of the named consumer.
func (s *Store) Cursor(ctx context.Context, name string) (uint64, error) {
	const query = `SELECT value FROM event_cursors WHERE name = ?`
	var value int64
	if err := s.db.QueryRowContext(ctx, query, name).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return uint64(value), nil
}

// SetCursor stores the position of the named consumer.
func (s *Store) SetCursor(ctx context.Context, name string, sequence uint64) error {
	const stmt = `INSERT INTO event_cursors(name, value) VALUES(?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`
	_, err := s.db.ExecContext(ctx, stmt, name, int64(sequence))
	return err
}
