package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/amicalhq/dictation-core/internal/config"
	_ "modernc.org/sqlite"
)

// Record is one saved transcription.
type Record struct {
	ID              int64
	Text            string
	Timestamp       time.Time
	Language        string
	AudioFile       string
	Confidence      float64
	Duration        float64
	SpeechModel     string
	FormattingModel string
	Meta            map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Store wraps the SQLite-backed transcription history.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the transcription store according to config. An empty path
// yields a no-op store so the pipeline can run without persistence.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("transcription store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("transcription store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS transcriptions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    text TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    language TEXT,
    audio_file TEXT,
    confidence REAL,
    duration REAL,
    speech_model TEXT,
    formatting_model TEXT,
    meta TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcriptions_timestamp ON transcriptions(timestamp);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateTranscription persists a finished transcription and returns its id.
func (s *Store) CreateTranscription(ctx context.Context, rec Record) (int64, error) {
	if s.db == nil {
		return 0, nil
	}
	now := s.clock().UTC()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
	meta := "{}"
	if len(rec.Meta) > 0 {
		payload, err := json.Marshal(rec.Meta)
		if err != nil {
			return 0, fmt.Errorf("encode meta: %w", err)
		}
		meta = string(payload)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transcriptions(text, timestamp, language, audio_file, confidence, duration, speech_model, formatting_model, meta, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Text, rec.Timestamp.UTC(), rec.Language, rec.AudioFile, rec.Confidence, rec.Duration,
		rec.SpeechModel, rec.FormattingModel, meta, now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// List retrieves up to limit transcriptions, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, timestamp, language, audio_file, confidence, duration, speech_model, formatting_model, meta, created_at, updated_at
		 FROM transcriptions ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanRecords(rows)
}

func (s *Store) scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var rec Record
		var ts, created, updated string
		var meta string
		if err := rows.Scan(&rec.ID, &rec.Text, &ts, &rec.Language, &rec.AudioFile, &rec.Confidence,
			&rec.Duration, &rec.SpeechModel, &rec.FormattingModel, &meta, &created, &updated); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.Timestamp = t
		}
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			rec.CreatedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
			rec.UpdatedAt = t
		}
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &rec.Meta); err != nil {
				s.log.Warn("invalid transcription meta", slog.Int64("id", rec.ID), slog.String("error", err.Error()))
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Search returns up to limit transcriptions whose text contains the query,
// newest first.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Record, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, timestamp, language, audio_file, confidence, duration, speech_model, formatting_model, meta, created_at, updated_at
		 FROM transcriptions WHERE text LIKE '%' || ? || '%' ORDER BY timestamp DESC LIMIT ?`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanRecords(rows)
}

// Count reports the number of stored transcriptions.
func (s *Store) Count(ctx context.Context) (int64, error) {
	if s.db == nil {
		return 0, nil
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transcriptions`).Scan(&n)
	return n, err
}

// Prune applies configured retention.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM transcriptions WHERE timestamp < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxRecords > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM transcriptions WHERE id IN (
			SELECT id FROM transcriptions ORDER BY timestamp DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRecords)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
