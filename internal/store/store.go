// Package store is the relational persistence layer: typed repositories
// over a SQLite database, all writes transactional, the event queue and
// decision audit durable across restarts.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
	"go.uber.org/zap"
)

// Store owns the database handle and exposes one repository per entity.
// SQLite is single-writer, so the pool is pinned to one connection,
// matching the convention used for this daemon's embedded-database layer.
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	Trades        *TradeRepository
	Orders        *OrderRepository
	Events        *EventRepository
	Decisions     *DecisionRepository
	WorkingMemory *WorkingMemoryRepository
	Experiments   *ExperimentRepository
	Patterns      *PatternRepository
	SystemState   *SystemStateRepository
	Staged        *StagedOpportunityRepository
}

// Open opens (creating if necessary) the SQLite database at dsn and applies
// the schema.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging sqlite database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	s := &Store{db: db, logger: logger.Named("store")}
	s.Trades = &TradeRepository{db: db}
	s.Orders = &OrderRepository{db: db}
	s.Events = &EventRepository{db: db}
	s.Decisions = &DecisionRepository{db: db}
	s.WorkingMemory = &WorkingMemoryRepository{db: db}
	s.Experiments = &ExperimentRepository{db: db}
	s.Patterns = &PatternRepository{db: db}
	s.SystemState = &SystemStateRepository{db: db}
	s.Staged = &StagedOpportunityRepository{db: db}

	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is still alive, for use by
// liveness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(tx)
	return err
}
