package sink

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/freundallein/enroller/workflow"
)

// Config - ...
type Config struct {
	DSN string
}

// Postgres persists terminal records into t_attempt.
type Postgres struct {
	pool *pgxpool.Pool
}

// InitPostgres - ...
func InitPostgres(cfg Config) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.ConnectConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

// Consume - ...
func (s *Postgres) Consume(ctx context.Context, rec *workflow.Record) error {
	history, err := json.Marshal(rec.History)
	if err != nil {
		return err
	}
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return err
	}
	query := `
	insert into t_attempt(id, device_id, outcome, failure_stage, failure_reason, history, fields, started_dt, finished_dt)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	on conflict (id) do nothing;
	`
	var tag pgconn.CommandTag
	tag, err = s.pool.Exec(
		ctx, query,
		rec.AttemptID,
		rec.DeviceID,
		string(rec.Outcome),
		rec.FailureStage,
		rec.FailureReason,
		string(history),
		string(fields),
		rec.StartedAt,
		rec.FinishedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("duplicated record")
	}
	return nil
}
