package persistence

import (
	"context"

	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/phase"
	"github.com/loadforge/loadforge/modules/loadtest/infrastructure/persistence/models"
	"github.com/loadforge/loadforge/pkg/composables"
)

type PhaseRepository struct{}

func NewPhaseRepository() phase.Repository {
	return &PhaseRepository{}
}

func (r *PhaseRepository) Exists(ctx context.Context, testID string, number int, userID string) (bool, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return false, err
	}
	var exists bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM loadforge_test_phases
			WHERE test_id = $1 AND phase_number = $2 AND user_id = $3
		)`, testID, number, userID,
	).Scan(&exists)
	return exists, err
}

func (r *PhaseRepository) Create(ctx context.Context, p *phase.Phase) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	p50, p95, p99 := percentileColumns(p.Percentiles)
	err = tx.QueryRow(ctx, `
		INSERT INTO loadforge_test_phases (
			test_id, user_id, phase_number, total_phases, concurrency,
			requests, success_count, error_count, p50, p95, p99
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at`,
		p.TestID, p.UserID, p.Number, p.TotalPhases, p.Concurrency,
		p.Requests, p.SuccessCount, p.ErrorCount, p50, p95, p99,
	).Scan(&p.ID, &p.CreatedAt)
	return classifyInsertError(err)
}

func (r *PhaseRepository) Latest(ctx context.Context, userID string, testIDs []string) (map[string]*phase.Phase, error) {
	latest := make(map[string]*phase.Phase, len(testIDs))
	if len(testIDs) == 0 {
		return latest, nil
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
		SELECT DISTINCT ON (test_id)
			id, test_id, user_id, phase_number, total_phases, concurrency,
			requests, success_count, error_count, p50, p95, p99, created_at
		FROM loadforge_test_phases
		WHERE user_id = $1 AND test_id = ANY($2)
		ORDER BY test_id, phase_number DESC`,
		userID, testIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var m models.Phase
		if err := rows.Scan(
			&m.ID, &m.TestID, &m.UserID, &m.PhaseNumber, &m.TotalPhases, &m.Concurrency,
			&m.Requests, &m.SuccessCount, &m.ErrorCount, &m.P50, &m.P95, &m.P99, &m.CreatedAt,
		); err != nil {
			return nil, err
		}
		latest[m.TestID] = toDomainPhase(&m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return latest, nil
}
