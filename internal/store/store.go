// Package store provides the durable record of sessions, messages, and
// tasks backing the orchestrator: a
// transactional, single-writer SQLite store exposing a narrow, pre-prepared
// operation set, with periodic GC and write-ahead-log compaction.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/agentforge/orchestrator/internal/logger"
)

// Store is the durable, single-writer SQLite-backed record of sessions,
// messages, and tasks.
type Store struct {
	writer *sqlx.DB // single connection: MaxOpenConns(1), serializes all writes
	reader *sqlx.DB // read-only pool, safe for concurrent SELECTs

	stmts *statements

	logger *logger.Logger

	sessionTTL            time.Duration
	cleanupInterval       time.Duration
	partialTextBatchEvery int

	stopGC chan struct{}
	gcDone chan struct{}
}

// Config configures a new Store.
type Config struct {
	Path                  string
	SessionTTL            time.Duration
	CleanupInterval       time.Duration
	PartialTextBatchEvery int
}

// Open creates (or opens) the SQLite database at cfg.Path, applies the
// schema, prepares the operation surface, and returns a ready Store. The
// caller must call Close to release resources and RunGC to start the
// background GC loop.
func Open(cfg Config, log *logger.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", cfg.Path)

	writer, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)

	reader, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}
	reader.SetMaxOpenConns(4)

	if _, err := writer.Exec(schemaSQL); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := applyMigrations(writer); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	batchEvery := cfg.PartialTextBatchEvery
	if batchEvery <= 0 {
		batchEvery = 5
	}

	s := &Store{
		writer:                writer,
		reader:                reader,
		logger:                log.WithFields(zap.String("component", "store")),
		sessionTTL:            cfg.SessionTTL,
		cleanupInterval:       cfg.CleanupInterval,
		partialTextBatchEvery: batchEvery,
		stopGC:                make(chan struct{}),
		gcDone:                make(chan struct{}),
	}

	stmts, err := prepareStatements(writer, reader)
	if err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	s.stmts = stmts

	return s, nil
}

func applyMigrations(db *sqlx.DB) error {
	var applied int
	if err := db.Get(&applied, `SELECT COUNT(*) FROM schema_migrations`); err != nil {
		return err
	}
	for i := applied; i < len(migrations); i++ {
		if _, err := db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := db.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, i+1, time.Now().UTC()); err != nil {
			return err
		}
	}
	return nil
}

// Checkpoint truncates the write-ahead log back into the main database
// file.
func (s *Store) Checkpoint(ctx context.Context) error {
	if _, err := s.writer.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// Close checkpoints the WAL and closes both connection pools. A failed
// checkpoint is logged, not fatal: the data is already durable in the
// WAL and the next open replays it.
func (s *Store) Close() error {
	if s.stmts != nil {
		s.stmts.Close()
	}
	if err := s.Checkpoint(context.Background()); err != nil {
		s.logger.Warn("checkpoint on close failed", zap.Error(err))
	}
	if err := s.writer.Close(); err != nil {
		return err
	}
	return s.reader.Close()
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.writer.PingContext(ctx)
}
