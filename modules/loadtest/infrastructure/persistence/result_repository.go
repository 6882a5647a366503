package persistence

import (
	"context"
	"errors"
	"time"

	gerrors "github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/loadtest"
	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/result"
	"github.com/loadforge/loadforge/modules/loadtest/infrastructure/persistence/models"
	"github.com/loadforge/loadforge/pkg/composables"
)

const resultColumns = `id, test_id, user_id, total_requests, successful_requests, failed_requests,
	avg_response_time, min_response_time, max_response_time,
	p50_response_time, p95_response_time, p99_response_time,
	requests_per_second, url_breakdown, phase_metrics, created_at`

var resultSelectColumns = "id::text" + resultColumns[len("id"):]

type ResultRepository struct{}

func NewResultRepository() result.Repository {
	return &ResultRepository{}
}

func (r *ResultRepository) Create(ctx context.Context, res *result.Result) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now()
	}
	row, err := toDBResult(res)
	if err != nil {
		return gerrors.Wrap(err, "encode result")
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO loadforge_test_results (`+resultColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		row.ID, row.TestID, row.UserID, row.TotalRequests, row.SuccessfulRequests, row.FailedRequests,
		row.AvgResponseTime, row.MinResponseTime, row.MaxResponseTime,
		row.P50ResponseTime, row.P95ResponseTime, row.P99ResponseTime,
		row.RequestsPerSecond, row.URLBreakdown, row.PhaseMetrics, row.CreatedAt,
	)
	return classifyInsertError(err)
}

func (r *ResultRepository) GetByTestID(ctx context.Context, testID, userID string) (*result.Result, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	res, err := scanResult(tx.QueryRow(ctx,
		`SELECT `+resultSelectColumns+` FROM loadforge_test_results WHERE test_id = $1 AND user_id = $2`,
		testID, userID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, loadtest.ErrNotFound
	}
	return res, err
}

func (r *ResultRepository) ListByTestIDs(ctx context.Context, userID string, testIDs []string) (map[string]*result.Result, error) {
	out := make(map[string]*result.Result, len(testIDs))
	if len(testIDs) == 0 {
		return out, nil
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx,
		`SELECT `+resultSelectColumns+` FROM loadforge_test_results WHERE user_id = $1 AND test_id = ANY($2)`,
		userID, testIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out[res.TestID] = res
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *ResultRepository) Stats(ctx context.Context, userID string) (*result.Stats, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	var stats result.Stats
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(AVG(avg_response_time), 0)::float8,
			COALESCE(SUM(total_requests), 0)::bigint,
			COALESCE(SUM(successful_requests), 0)::bigint,
			COALESCE(SUM(failed_requests), 0)::bigint
		FROM loadforge_test_results WHERE user_id = $1`, userID,
	).Scan(&stats.AvgResponseTime, &stats.TotalRequests, &stats.SuccessfulRequests, &stats.FailedRequests); err != nil {
		return nil, err
	}
	return &stats, nil
}

func scanResult(row pgx.Row) (*result.Result, error) {
	var m models.Result
	if err := row.Scan(
		&m.ID, &m.TestID, &m.UserID, &m.TotalRequests, &m.SuccessfulRequests, &m.FailedRequests,
		&m.AvgResponseTime, &m.MinResponseTime, &m.MaxResponseTime,
		&m.P50ResponseTime, &m.P95ResponseTime, &m.P99ResponseTime,
		&m.RequestsPerSecond, &m.URLBreakdown, &m.PhaseMetrics, &m.CreatedAt,
	); err != nil {
		return nil, err
	}
	return toDomainResult(&m)
}
