// Package history persists the outcome of finished remote jobs.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/CZERTAINLY/Remoter/internal/asyncjob"
	"github.com/CZERTAINLY/Remoter/internal/model"
)

const defaultListLimit = 20

var ErrClosed = errors.New("history store closed")

// Entry is one finished run.
type Entry struct {
	RunID     string    `gorm:"primaryKey;size:36"`
	Kind      string    `gorm:"index;size:32;not null"`
	Location  string    `gorm:"type:text"`
	Remote    string    `gorm:"size:255"`
	Branch    string    `gorm:"size:255"`
	Metric    uint64    `gorm:"default:0"`
	Message   string    `gorm:"type:text"`
	StartedAt time.Time `gorm:"index"`
	StoppedAt time.Time
}

func (Entry) TableName() string {
	return "job_history"
}

func (e Entry) Succeeded() bool {
	return e.Message == ""
}

// Store is a gorm backed history of job runs. It is safe for concurrent
// use, Close waits for running Observe and List calls.
type Store struct {
	mx sync.RWMutex
	db *gorm.DB
}

// Open opens (or creates) the sqlite database at path and migrates it.
// Use ":memory:" for a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening history database %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting history sql.DB: %w", err)
	}
	// sqlite allows a single writer, in-memory databases exist per connection
	sqlDB.SetMaxOpenConns(1)

	s := NewStore(db)
	if err := s.Migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return s, nil
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the necessary tables.
func (s *Store) Migrate(ctx context.Context) error {
	s.mx.RLock()
	defer s.mx.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	if err := s.db.WithContext(ctx).AutoMigrate(&Entry{}); err != nil {
		return fmt.Errorf("migrating history: %w", err)
	}
	return nil
}

// Observe stores rec. It has the signature of an asyncjob observer.
func (s *Store) Observe(ctx context.Context, rec asyncjob.Record[model.Request]) error {
	s.mx.RLock()
	defer s.mx.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	entry := Entry{
		RunID:     rec.Result.RunID,
		Kind:      string(rec.Kind),
		Location:  rec.Request.Location,
		Remote:    rec.Request.Remote,
		Branch:    rec.Request.Branch,
		Metric:    rec.Result.Metric,
		Message:   rec.Result.Message,
		StartedAt: rec.Result.Started,
		StoppedAt: rec.Result.Stopped,
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("storing history entry %s: %w", entry.RunID, err)
	}
	return nil
}

// List returns up to limit most recent entries, optionally of one kind only.
func (s *Store) List(ctx context.Context, kind asyncjob.Kind, limit int) ([]Entry, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	q := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit)
	if kind != "" {
		q = q.Where("kind = ?", string(kind))
	}
	var entries []Entry
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	return entries, nil
}

func (s *Store) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	s.db = nil
	return sqlDB.Close()
}
