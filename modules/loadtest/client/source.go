package client

import (
	"context"

	"github.com/loadforge/loadforge/modules/loadtest/domain/events"
	"github.com/loadforge/loadforge/modules/loadtest/reconciler"
)

type source struct {
	c *Client
}

// Source adapts the read API for reconciler bootstraps.
func (c *Client) Source() reconciler.Source {
	return source{c: c}
}

func (s source) RunningTests(ctx context.Context) ([]reconciler.RunningTest, error) {
	tests, err := s.c.RunningTests(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]reconciler.RunningTest, 0, len(tests))
	for _, t := range tests {
		out = append(out, reconciler.RunningTest{
			ID:        t.ID,
			Name:      t.Name,
			Status:    t.Status,
			CreatedAt: t.CreatedAt,
		})
	}
	return out, nil
}

func (s source) LatestPhases(ctx context.Context, ids []string) ([]reconciler.LatestPhase, error) {
	phases, err := s.c.LatestPhases(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]reconciler.LatestPhase, 0, len(phases))
	for _, p := range phases {
		percentiles := p.Percentiles
		out = append(out, reconciler.LatestPhase{
			TestID: p.TestID,
			PhaseStats: events.PhaseStats{
				Phase:        p.Phase,
				TotalPhases:  p.TotalPhases,
				Concurrency:  p.Concurrency,
				Requests:     p.Requests,
				SuccessCount: p.SuccessCount,
				ErrorCount:   p.ErrorCount,
				Percentiles:  &percentiles,
			},
		})
	}
	return out, nil
}

func (s source) TestName(ctx context.Context, testID string) (string, error) {
	resp, err := s.c.TestName(ctx, testID)
	if err != nil {
		return "", err
	}
	return resp.Name, nil
}
