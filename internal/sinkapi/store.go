package sinkapi

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/plk-sync/hissync/pkg/config"
	"github.com/plk-sync/hissync/pkg/errors"
)

// Record is one stored row of the raw table.
type Record struct {
	Hoscode           string          `json:"hoscode"`
	Source            string          `json:"source"`
	Payload           json.RawMessage `json:"payload"`
	SyncDatetime      *time.Time      `json:"sync_datetime"`
	TransformDatetime *time.Time      `json:"transform_datetime,omitempty"`
}

// Store persists records.
type Store interface {
	Insert(ctx context.Context, rec Record) (Record, error)
	InsertBatch(ctx context.Context, recs []Record) (int, error)
	Last(ctx context.Context) (*Record, error)
	Ping(ctx context.Context) error
}

const (
	insertSQL = `INSERT INTO raw (hoscode, source, payload, sync_datetime)
VALUES ($1, $2, $3::jsonb, COALESCE($4, NOW()))
RETURNING hoscode, source, payload, sync_datetime`

	lastSQL = `SELECT hoscode, source, payload, sync_datetime, transform_datetime
FROM raw
ORDER BY sync_datetime DESC
LIMIT 1`
)

// PGStore writes to PostgreSQL through a connection pool.
type PGStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPGStore opens a pool for cfg and checks it with a ping.
func NewPGStore(ctx context.Context, cfg config.SinkConfig, logger *zap.Logger) (*PGStore, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "sink database url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse PostgreSQL connection string")
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create PostgreSQL connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "PostgreSQL ping failed")
	}

	logger.Info("PostgreSQL connection pool created",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.String("database", poolConfig.ConnConfig.Database),
		zap.Int32("max_connections", poolConfig.MaxConns))
	return &PGStore{pool: pool, logger: logger}, nil
}

// Insert stores rec and returns the row as written.
func (s *PGStore) Insert(ctx context.Context, rec Record) (Record, error) {
	var out Record
	var payload []byte
	err := s.pool.QueryRow(ctx, insertSQL, rec.Hoscode, rec.Source, string(rec.Payload), rec.SyncDatetime).
		Scan(&out.Hoscode, &out.Source, &payload, &out.SyncDatetime)
	if err != nil {
		return Record{}, err
	}
	out.Payload = payload
	return out, nil
}

// InsertBatch stores every record in one transaction.
func (s *PGStore) InsertBatch(ctx context.Context, recs []Record) (int, error) {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, rec := range recs {
			batch.Queue(insertSQL, rec.Hoscode, rec.Source, string(rec.Payload), rec.SyncDatetime)
		}
		results := tx.SendBatch(ctx, batch)
		for i := range recs {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return fmt.Errorf("record %d: %w", i, err)
			}
		}
		return results.Close()
	})
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// Last returns the most recently synced record, or nil when the table is
// empty.
func (s *PGStore) Last(ctx context.Context) (*Record, error) {
	var out Record
	var payload []byte
	err := s.pool.QueryRow(ctx, lastSQL).
		Scan(&out.Hoscode, &out.Source, &payload, &out.SyncDatetime, &out.TransformDatetime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out.Payload = payload
	return &out, nil
}

// Ping checks the pool.
func (s *PGStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the pool.
func (s *PGStore) Close() { s.pool.Close() }
