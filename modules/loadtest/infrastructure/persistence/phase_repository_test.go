package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/loadtest"
	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/phase"
	"github.com/loadforge/loadforge/modules/loadtest/domain/events"
)

func TestPhaseRepository_Create_ReturnsIDAndTimestamp(t *testing.T) {
	created := time.Now()
	tx := &stubTx{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			require.Contains(t, sql, "INSERT INTO loadforge_test_phases")
			require.Equal(t, "t1", args[0])
			require.Equal(t, "u1", args[1])
			require.Equal(t, 2, args[2])
			require.Equal(t, 0.25, *args[9].(*float64))
			return rowOf(int64(42), created)
		},
	}

	p := phase.FromEvent(&events.PhaseComplete{
		ID: "t1",
		PhaseStats: events.PhaseStats{
			Phase: 2, TotalPhases: 3, Requests: 10,
			Percentiles: &events.Percentiles{P50: 0.1, P95: 0.25, P99: 0.5},
		},
	}, "u1")
	require.NoError(t, NewPhaseRepository().Create(withTx(tx), p))
	require.Equal(t, int64(42), p.ID)
	require.Equal(t, created, p.CreatedAt)
}

func TestPhaseRepository_Create_ClassifiesConstraintViolations(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"unique", &pgconn.PgError{Code: "23505", ConstraintName: "loadforge_test_phases_test_phase_user_key"}, loadtest.ErrDuplicateEvent},
		{"foreign key", &pgconn.PgError{Code: "23503"}, loadtest.ErrTestNotFound},
		{"other", errors.New("conn closed"), loadtest.ErrPersistence},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tx := &stubTx{
				queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
					require.Nil(t, args[8], "phases without percentiles store NULLs")
					return stubRow{scan: func(dest ...any) error { return tc.err }}
				},
			}
			err := NewPhaseRepository().Create(withTx(tx), &phase.Phase{TestID: "t1", UserID: "u1", Number: 1, TotalPhases: 1})
			require.ErrorIs(t, err, tc.want)
			require.ErrorIs(t, err, tc.err, "the driver error stays inspectable")
		})
	}
}

func TestPhaseRepository_Exists(t *testing.T) {
	tx := &stubTx{
		queryRowFunc: func(ctx context.Context, sql string, args ...any) pgx.Row {
			require.Contains(t, sql, "SELECT EXISTS")
			require.Equal(t, []any{"t1", 3, "u1"}, args)
			return rowOf(true)
		},
	}
	exists, err := NewPhaseRepository().Exists(withTx(tx), "t1", 3, "u1")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestPhaseRepository_Latest(t *testing.T) {
	t.Run("no ids skips the query", func(t *testing.T) {
		latest, err := NewPhaseRepository().Latest(withTx(&stubTx{}), "u1", nil)
		require.NoError(t, err)
		require.Empty(t, latest)
	})

	t.Run("maps one row per test", func(t *testing.T) {
		p50, p95, p99 := 0.1, 0.2, 0.3
		now := time.Now()
		tx := &stubTx{
			queryFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
				require.Contains(t, sql, "DISTINCT ON (test_id)")
				require.Contains(t, sql, "ORDER BY test_id, phase_number DESC")
				require.Equal(t, "u1", args[0])
				require.Equal(t, []string{"t1", "t2", "t3"}, args[1])
				return &stubRows{data: [][]any{
					{int64(1), "t1", "u1", 3, 3, 30, int64(300), int64(299), int64(1), &p50, &p95, &p99, now},
					{int64(2), "t2", "u1", 1, 4, 10, int64(100), int64(100), int64(0), (*float64)(nil), (*float64)(nil), (*float64)(nil), now},
				}}, nil
			},
		}

		latest, err := NewPhaseRepository().Latest(withTx(tx), "u1", []string{"t1", "t2", "t3"})
		require.NoError(t, err)
		require.Len(t, latest, 2)
		require.Equal(t, 3, latest["t1"].Number)
		require.Equal(t, 0.2, latest["t1"].Percentiles.P95)
		require.Nil(t, latest["t2"].Percentiles)
		require.NotContains(t, latest, "t3")
	})
}
