package result

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/loadforge/loadforge/modules/loadtest/domain/events"
)

// DefaultPhaseLength is used for throughput when neither the engine nor the
// test record supplies one.
const DefaultPhaseLength = 60

var thousand = decimal.NewFromInt(1000)

// secondsToMillis rounds half up to whole milliseconds.
func secondsToMillis(d decimal.Decimal) int64 {
	return d.Mul(thousand).Round(0).IntPart()
}

// Compute aggregates a completion event into a Result. phaseLength is the
// configured seconds per phase and is used when the summaries carry none.
//
// Min and max are taken over every summary's percentile values, not over raw
// response times.
func Compute(testID, userID string, ev *events.TestCompleted, phaseLength int, now time.Time) *Result {
	summaries := ev.PhaseSummaries
	r := &Result{
		ID:           uuid.New(),
		TestID:       testID,
		UserID:       userID,
		URLBreakdown: ev.URLBreakdown,
		CreatedAt:    now,
	}
	if r.URLBreakdown == nil {
		r.URLBreakdown = map[string]events.URLMetrics{}
	}

	if len(summaries) == 0 {
		r.TotalRequests = ev.TotalRequests
		r.SuccessfulRequests = ev.SuccessCount
		r.FailedRequests = ev.ErrorCount
		return r
	}

	for _, s := range summaries {
		r.TotalRequests += s.Requests
		r.SuccessfulRequests += s.SuccessCount
		r.FailedRequests += s.ErrorCount
	}

	sum50, sum95, sum99 := decimal.Zero, decimal.Zero, decimal.Zero
	var measured int64
	first := true
	for _, s := range summaries {
		if s.Percentiles == nil {
			continue
		}
		p50 := decimal.NewFromFloat(s.Percentiles.P50)
		p95 := decimal.NewFromFloat(s.Percentiles.P95)
		p99 := decimal.NewFromFloat(s.Percentiles.P99)
		sum50, sum95, sum99 = sum50.Add(p50), sum95.Add(p95), sum99.Add(p99)
		measured++

		for _, v := range []decimal.Decimal{p50, p95, p99} {
			ms := secondsToMillis(v)
			if first || ms < r.MinResponseTime {
				r.MinResponseTime = ms
			}
			if first || ms > r.MaxResponseTime {
				r.MaxResponseTime = ms
			}
			first = false
		}
	}
	if measured > 0 {
		n := decimal.NewFromInt(measured)
		r.P50ResponseTime = secondsToMillis(sum50.Div(n))
		r.P95ResponseTime = secondsToMillis(sum95.Div(n))
		r.P99ResponseTime = secondsToMillis(sum99.Div(n))
		r.AvgResponseTime = r.P50ResponseTime
	}

	length := summaries[0].PhaseLength
	if length <= 0 {
		length = phaseLength
	}
	if length <= 0 {
		length = DefaultPhaseLength
	}
	elapsed := decimal.NewFromInt(int64(len(summaries) * length))
	r.RequestsPerSecond = decimal.NewFromInt(r.TotalRequests).Div(elapsed).Round(0).IntPart()

	r.PhaseMetrics.RampUp = statsRef(summaries[0])
	if len(summaries) > 1 {
		r.PhaseMetrics.Steady = statsRef(summaries[len(summaries)/2])
	}
	r.PhaseMetrics.RampDown = statsRef(summaries[len(summaries)-1])
	return r
}

func statsRef(s events.PhaseStats) *events.PhaseStats {
	return &s
}
