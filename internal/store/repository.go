package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"dbsentinel/internal/baseline"
	"dbsentinel/internal/connector"
)

type Repository struct {
	Store     *Store
	encryptor *aesGcmEncryptor
}

func NewRepository(store *Store, encryptionKey []byte) (*Repository, error) {
	encryptor, err := newAesGcmEncryptor(encryptionKey)
	if err != nil {
		return nil, err
	}
	return &Repository{Store: store, encryptor: encryptor}, nil
}

func (r *Repository) GetTest(ctx context.Context, id string) (TestRecord, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT id, name, description, query, connection_id, strategy, strategy_params, enabled
		FROM tests WHERE id=$1`, id)
	var rec TestRecord
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Description, &rec.Query, &rec.ConnectionID, &rec.Strategy, &rec.StrategyParams, &rec.Enabled); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TestRecord{}, ErrNotFound
		}
		return TestRecord{}, fmt.Errorf("read test %s: %w", id, err)
	}
	return rec, nil
}

func (r *Repository) ListEnabledTests(ctx context.Context) ([]TestRecord, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT id, name, description, query, connection_id, strategy, strategy_params, enabled
		FROM tests WHERE enabled = true`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []TestRecord{}
	for rows.Next() {
		var rec TestRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Description, &rec.Query, &rec.ConnectionID, &rec.Strategy, &rec.StrategyParams, &rec.Enabled); err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// GetConnection resolves a connection record, decrypting the stored password
// at use time. The result is held only for the lifetime of one task.
func (r *Repository) GetConnection(ctx context.Context, id string) (connector.Config, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT kind, host, port, username, password_enc, database_name, ssl_mode
		FROM db_connections WHERE id=$1`, id)
	var cfg connector.Config
	var passwordEnc string
	if err := row.Scan(&cfg.Kind, &cfg.Host, &cfg.Port, &cfg.User, &passwordEnc, &cfg.Database, &cfg.SSLMode); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return connector.Config{}, ErrNotFound
		}
		return connector.Config{}, fmt.Errorf("read connection %s: %w", id, err)
	}
	password, err := r.encryptor.Decrypt(passwordEnc)
	if err != nil {
		return connector.Config{}, fmt.Errorf("decrypt credentials for connection %s: %w", id, err)
	}
	cfg.Password = password
	return cfg, nil
}

// ClaimRunning moves an execution into running unless a terminal record for
// the same execution_id already exists. Returns false on duplicate delivery
// of an already-finished task.
func (r *Repository) ClaimRunning(ctx context.Context, executionID, testID string, startedAt time.Time) (bool, error) {
	tag, err := r.Store.Pool.Exec(ctx, `
		INSERT INTO executions (execution_id, test_id, status, started_at)
		VALUES ($1, $2, 'running', $3)
		ON CONFLICT (execution_id) DO UPDATE
		SET status='running', started_at=EXCLUDED.started_at
		WHERE executions.status IN ('pending','running')`,
		executionID, testID, startedAt)
	if err != nil {
		return false, fmt.Errorf("claim execution %s: %w", executionID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Finish writes the terminal outcome. The upsert inserts the row when no
// claim ever landed (a fault before ClaimRunning still leaves a record); the
// guard on non-terminal status makes the write idempotent, so a duplicate
// delivery after a crash is a no-op.
func (r *Repository) Finish(ctx context.Context, rec ExecutionRecord) error {
	_, err := r.Store.Pool.Exec(ctx, `
		INSERT INTO executions (execution_id, test_id, status, started_at, completed_at,
		                        logical_date, observed_value, expected_value,
		                        baseline_sample_size, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (execution_id) DO UPDATE
		SET status=EXCLUDED.status, completed_at=EXCLUDED.completed_at,
		    logical_date=EXCLUDED.logical_date, observed_value=EXCLUDED.observed_value,
		    expected_value=EXCLUDED.expected_value,
		    baseline_sample_size=EXCLUDED.baseline_sample_size,
		    error_message=EXCLUDED.error_message
		WHERE executions.status IN ('pending','running')`,
		rec.ExecutionID, rec.TestID, rec.Status, rec.StartedAt, rec.CompletedAt,
		rec.LogicalDate, rec.ObservedValue, rec.ExpectedValue, rec.BaselineSampleSize,
		rec.ErrorMessage)
	if err != nil {
		return fmt.Errorf("finish execution %s: %w", rec.ExecutionID, err)
	}
	return nil
}

// History returns the baseline sample set for a test: terminal scored
// outcomes with logical dates inside [before-lookback, before), newest record
// per logical date, ascending by date.
func (r *Repository) History(ctx context.Context, testID string, before time.Time, lookback time.Duration) ([]baseline.Sample, error) {
	since := before.Add(-lookback)
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT DISTINCT ON (logical_date) logical_date, observed_value
		FROM executions
		WHERE test_id=$1 AND status IN ('passed','failed')
		  AND logical_date >= $2 AND logical_date < $3
		ORDER BY logical_date, completed_at DESC`,
		testID, since, before)
	if err != nil {
		return nil, fmt.Errorf("read history for test %s: %w", testID, err)
	}
	defer rows.Close()
	samples := []baseline.Sample{}
	for rows.Next() {
		var sample baseline.Sample
		if err := rows.Scan(&sample.LogicalDate, &sample.Value); err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

func (r *Repository) RecentExecutions(ctx context.Context, testID string, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT execution_id, test_id, status, started_at, completed_at, logical_date,
		       observed_value, expected_value, baseline_sample_size, error_message
		FROM executions WHERE test_id=$1
		ORDER BY started_at DESC LIMIT $2`, testID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := []ExecutionRecord{}
	for rows.Next() {
		var rec ExecutionRecord
		if err := rows.Scan(&rec.ExecutionID, &rec.TestID, &rec.Status, &rec.StartedAt, &rec.CompletedAt,
			&rec.LogicalDate, &rec.ObservedValue, &rec.ExpectedValue, &rec.BaselineSampleSize, &rec.ErrorMessage); err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}
