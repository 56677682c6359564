package clustering

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// metrics holds the counters describing clustering runs.
type metrics struct {
	runs     metric.Int64Counter
	failures metric.Int64Counter
	orphans  metric.Int64Counter
	capped   metric.Int64Counter
	dropped  metric.Int64Counter
	repairs  metric.Int64Counter
}

func newMetrics(meter metric.Meter) *metrics {
	return &metrics{
		runs:     counter(meter, "bookmind.clustering.runs", "Clustering runs"),
		failures: counter(meter, "bookmind.clustering.failures", "Failed clustering runs"),
		orphans:  counter(meter, "bookmind.clustering.orphans", "IRs left without a cluster"),
		capped:   counter(meter, "bookmind.clustering.capped_memberships", "Memberships removed by the per-IR cap"),
		dropped:  counter(meter, "bookmind.clustering.dropped_ids", "Unknown or duplicate ids removed from oracle output"),
		repairs:  counter(meter, "bookmind.clustering.repairs", "Truncated oracle arrays repaired"),
	}
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("Failed to create counter, using no-op")
		c, _ = noop.Meter{}.Int64Counter(name)
	}
	return c
}

func (m *metrics) recordRun(ctx context.Context, mode Mode, res *Result, err error) {
	attrs := metric.WithAttributes(attribute.String("mode", mode.String()))
	m.runs.Add(ctx, 1, attrs)
	if err != nil {
		reason := "other"
		switch {
		case errors.Is(err, ErrNoIRs):
			reason = "no_irs"
		case errors.Is(err, ErrContractViolation):
			reason = "contract_violation"
		}
		m.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("mode", mode.String()),
			attribute.String("reason", reason),
		))
		return
	}
	if res == nil {
		return
	}
	m.orphans.Add(ctx, int64(len(res.Stats.Orphans)), attrs)
	m.capped.Add(ctx, int64(res.Stats.Capped), attrs)
	m.dropped.Add(ctx, int64(res.Stats.DroppedIDs), attrs)
	if res.Stats.Repaired {
		m.repairs.Add(ctx, 1, attrs)
	}
}
