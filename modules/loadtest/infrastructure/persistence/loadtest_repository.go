package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gerrors "github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/loadtest"
	"github.com/loadforge/loadforge/modules/loadtest/infrastructure/persistence/models"
	"github.com/loadforge/loadforge/pkg/composables"
)

const loadTestColumns = `id, user_id, name, urls, concurrency_pattern, phase_length,
	ramp_up_time, ramp_down_time, status, created_at, completed_at`

type LoadTestRepository struct{}

func NewLoadTestRepository() loadtest.Repository {
	return &LoadTestRepository{}
}

func (r *LoadTestRepository) Create(ctx context.Context, test *loadtest.LoadTest) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	if test.CreatedAt.IsZero() {
		test.CreatedAt = time.Now()
	}
	row, err := toDBLoadTest(test)
	if err != nil {
		return gerrors.Wrap(err, "encode load test")
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO loadforge_tests (`+loadTestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		row.ID, row.UserID, row.Name, row.URLs, row.ConcurrencyPattern, row.PhaseLength,
		row.RampUpTime, row.RampDownTime, row.Status, row.CreatedAt, row.CompletedAt,
	)
	if err != nil {
		return loadtest.ErrPersistence.Wrap(err)
	}
	return nil
}

func (r *LoadTestRepository) GetByID(ctx context.Context, id string) (*loadtest.LoadTest, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	row := tx.QueryRow(ctx, `SELECT `+loadTestColumns+` FROM loadforge_tests WHERE id = $1`, id)
	test, err := scanLoadTest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, loadtest.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return test, nil
}

func (r *LoadTestRepository) List(ctx context.Context, params *loadtest.FindParams) ([]*loadtest.LoadTest, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	where := []string{"user_id = $1"}
	args := []any{params.UserID}
	if len(params.Statuses) > 0 {
		statuses := make([]string, len(params.Statuses))
		for i, s := range params.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	query := `SELECT ` + loadTestColumns + ` FROM loadforge_tests
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_at DESC`
	if params.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", params.Limit)
	}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tests []*loadtest.LoadTest
	for rows.Next() {
		test, err := scanLoadTest(rows)
		if err != nil {
			return nil, err
		}
		tests = append(tests, test)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tests, nil
}

func (r *LoadTestRepository) Count(ctx context.Context, userID string) (int64, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM loadforge_tests WHERE user_id = $1`, userID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *LoadTestRepository) Finish(ctx context.Context, id string, status loadtest.Status, at time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finish: %q is not a terminal status", status)
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return false, err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE loadforge_tests SET status = $2, completed_at = $3
		WHERE id = $1 AND status IN ('pending', 'running')`,
		id, string(status), at,
	)
	if err != nil {
		return false, loadtest.ErrPersistence.Wrap(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *LoadTestRepository) Delete(ctx context.Context, id string) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM loadforge_tests WHERE id = $1`, id); err != nil {
		return loadtest.ErrPersistence.Wrap(err)
	}
	return nil
}

func scanLoadTest(row pgx.Row) (*loadtest.LoadTest, error) {
	var m models.LoadTest
	if err := row.Scan(
		&m.ID, &m.UserID, &m.Name, &m.URLs, &m.ConcurrencyPattern, &m.PhaseLength,
		&m.RampUpTime, &m.RampDownTime, &m.Status, &m.CreatedAt, &m.CompletedAt,
	); err != nil {
		return nil, err
	}
	return toDomainLoadTest(&m)
}
