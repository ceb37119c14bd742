package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/psantana5/reqcorr/pkg/models"
)

// SQLiteStore keeps records in an in-memory SQLite database, which makes the
// records queryable by channel without keeping them past process exit.
type SQLiteStore struct {
	db       *sql.DB
	capacity int
}

// NewSQLiteStore opens a private in-memory database holding up to capacity records
func NewSQLiteStore(capacity int) (*SQLiteStore, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("invalid store capacity %d", capacity)
	}

	db, err := sql.Open("sqlite3", "file::memory:?cache=private&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// every connection to :memory: is a distinct database; keep exactly one alive
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, capacity: capacity}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		method TEXT NOT NULL,
		url TEXT NOT NULL,
		record TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (channel_id, request_id)
	);

	CREATE INDEX IF NOT EXISTS idx_records_channel ON records(channel_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Put upserts rec and trims the table to capacity
func (s *SQLiteStore) Put(ctx context.Context, rec models.RequestRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// delete then insert so a replaced record gets a new, newest seq
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM records WHERE channel_id = ? AND request_id = ?`,
		rec.ChannelID, rec.RequestID); err != nil {
		return fmt.Errorf("failed to replace record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO records (channel_id, request_id, method, url, record)
		VALUES (?, ?, ?, ?, ?)
	`, rec.ChannelID, rec.RequestID, rec.Method, rec.URL, string(data)); err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM records WHERE seq NOT IN (
			SELECT seq FROM records ORDER BY seq DESC LIMIT ?
		)
	`, s.capacity); err != nil {
		return fmt.Errorf("failed to trim records: %w", err)
	}

	return tx.Commit()
}

// Get returns one record
func (s *SQLiteStore) Get(ctx context.Context, channelID, requestID string) (models.RequestRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM records WHERE channel_id = ? AND request_id = ?`,
		channelID, requestID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RequestRecord{}, ErrRecordNotFound
	}
	if err != nil {
		return models.RequestRecord{}, fmt.Errorf("failed to query record: %w", err)
	}
	return decodeRecord(data)
}

// List returns matching records, newest first
func (s *SQLiteStore) List(ctx context.Context, q Query) ([]models.RequestRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = -1 // no limit in SQLite
	}

	var (
		rows *sql.Rows
		err  error
	)
	if q.ChannelID != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT record FROM records WHERE channel_id = ? ORDER BY seq DESC LIMIT ?`,
			q.ChannelID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT record FROM records ORDER BY seq DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	out := make([]models.RequestRecord, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of retained records
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

// Close releases the database; its contents are gone afterwards
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func decodeRecord(data string) (models.RequestRecord, error) {
	var rec models.RequestRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return models.RequestRecord{}, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return rec, nil
}
