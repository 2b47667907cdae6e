// Package store persists finished transactions to sqlite so an inspector that
// attaches late can still see recent traffic. Persistence is best-effort and
// asynchronous; losing a record never affects the proxied exchange.
package store

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"github.com/useful-bytes/netsleuth/internal/transaction"
)

// Record is one persisted transaction summary.
type Record struct {
	ID        uint   `gorm:"primaryKey"`
	GUID      string `gorm:"uniqueIndex;size:36"`
	Host      string `gorm:"index"`
	Method    string
	URL       string
	Status    int
	ReqBytes  int64
	ResBytes  int64
	WebSocket bool
	StartedAt time.Time
	Duration  time.Duration
	Error     string
	CreatedAt time.Time
}

// Store wraps the sqlite-backed history table.
type Store struct {
	db   *gorm.DB
	ch   chan Record
	done chan struct{}
	log  zerolog.Logger
}

// Open creates (or migrates) the history database. An empty dsn keeps the
// store disabled; callers get a nil *Store and must tolerate it.
func Open(dsn, prefix string, log zerolog.Logger) (*Store, error) {
	if dsn == "" {
		return nil, nil
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: prefix,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	s := &Store{
		db:   db,
		ch:   make(chan Record, 512),
		done: make(chan struct{}),
		log:  log.With().Str("component", "store").Logger(),
	}
	go s.writer()
	return s, nil
}

func (s *Store) writer() {
	defer close(s.done)
	for rec := range s.ch {
		if err := s.db.Create(&rec).Error; err != nil {
			s.log.Warn().Err(err).Str("guid", rec.GUID).Msg("history insert failed")
		}
	}
}

// Save queues a finished transaction. Drops the record if the writer is
// backed up.
func (s *Store) Save(txn *transaction.Transaction) {
	if s == nil {
		return
	}
	rec := Record{
		GUID:      txn.GUID,
		Host:      txn.Host,
		Method:    txn.Method,
		URL:       txn.URL(),
		WebSocket: txn.IsWebSocket,
		StartedAt: txn.Date,
		Duration:  time.Since(txn.Date),
	}
	rec.Status, _, _ = txn.Response()
	if txn.ReqBody != nil {
		rec.ReqBytes = txn.ReqBody.Size()
	}
	if txn.ResBody != nil {
		rec.ResBytes = txn.ResBody.Size()
	}
	if err := txn.Err(); err != nil {
		rec.Error = err.Error()
	}
	select {
	case s.ch <- rec:
	default:
		s.log.Warn().Str("guid", txn.GUID).Msg("history writer saturated, record dropped")
	}
}

// Recent returns up to limit most recent records, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	var out []Record
	err := s.db.Order("created_at desc").Limit(limit).Find(&out).Error
	return out, err
}

// Close flushes the writer.
func (s *Store) Close() {
	if s == nil {
		return
	}
	close(s.ch)
	<-s.done
}
