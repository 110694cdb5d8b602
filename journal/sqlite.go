package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// runRecord is the row stored per run.
type runRecord struct {
	ID              uint      `gorm:"primaryKey"`
	RunID           string    `gorm:"column:run_id;size:36;uniqueIndex"`
	StartedAt       time.Time `gorm:"column:started_at;index"`
	DurationMS      int64     `gorm:"column:duration_ms"`
	Outcome         string    `gorm:"column:outcome;size:32;index"`
	Error           string    `gorm:"column:error"`
	Output          string    `gorm:"column:output"`
	LogsJSON        string    `gorm:"column:logs_json"`
	CapabilityCalls int       `gorm:"column:capability_calls"`
}

func (runRecord) TableName() string { return "sandbox_runs" }

// SQLite is a Recorder backed by a pure-Go SQLite database.
type SQLite struct {
	db *gorm.DB
}

var _ Recorder = (*SQLite)(nil)

// OpenSQLite opens (or creates) the journal database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	s, err := open(path)
	if err != nil {
		return nil, err
	}
	// Enable WAL mode for better concurrent access.
	s.db.Exec("PRAGMA journal_mode=WAL")
	return s, nil
}

// NewSQLiteMemory opens an in-memory journal, for tests.
func NewSQLiteMemory() (*SQLite, error) {
	return open(":memory:")
}

func open(dsn string) (*SQLite, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening journal database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("opening journal database: %w", err)
	}
	// One connection keeps an in-memory database shared and serializes writers.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&runRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrating journal schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Record appends e.
func (s *SQLite) Record(ctx context.Context, e Entry) error {
	logs, err := json.Marshal(e.Logs)
	if err != nil {
		return fmt.Errorf("encoding logs: %w", err)
	}
	rec := runRecord{
		RunID:           e.RunID,
		StartedAt:       e.StartedAt,
		DurationMS:      e.Duration.Milliseconds(),
		Outcome:         e.Outcome,
		Error:           e.Error,
		Output:          e.Output,
		LogsJSON:        string(logs),
		CapabilityCalls: e.CapabilityCalls,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("recording run %s: %w", e.RunID, err)
	}
	return nil
}

// Recent returns up to n entries, newest first.
func (s *SQLite) Recent(ctx context.Context, n int) ([]Entry, error) {
	var recs []runRecord
	if err := s.db.WithContext(ctx).Order("started_at DESC, id DESC").Limit(n).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("reading journal: %w", err)
	}
	out := make([]Entry, 0, len(recs))
	for _, r := range recs {
		var logs []string
		if r.LogsJSON != "" {
			if err := json.Unmarshal([]byte(r.LogsJSON), &logs); err != nil {
				return nil, fmt.Errorf("decoding logs of run %s: %w", r.RunID, err)
			}
		}
		out = append(out, Entry{
			RunID:           r.RunID,
			StartedAt:       r.StartedAt,
			Duration:        time.Duration(r.DurationMS) * time.Millisecond,
			Outcome:         r.Outcome,
			Error:           r.Error,
			Output:          r.Output,
			Logs:            logs,
			CapabilityCalls: r.CapabilityCalls,
		})
	}
	return out, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
