package collab

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/MarcoPoloResearchLab/wikicollab/internal/collab"

type sessionMetrics struct {
	joins          metric.Int64Counter
	leaves         metric.Int64Counter
	commits        metric.Int64Counter
	rejections     metric.Int64Counter
	commitDuration metric.Float64Histogram
}

func newSessionMetrics(meter metric.Meter) (sessionMetrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	joins, err := meter.Int64Counter("wikicollab_session_joins_total",
		metric.WithDescription("Editing sessions joined"))
	if err != nil {
		return sessionMetrics{}, err
	}
	leaves, err := meter.Int64Counter("wikicollab_session_leaves_total",
		metric.WithDescription("Editing sessions left explicitly"))
	if err != nil {
		return sessionMetrics{}, err
	}
	commits, err := meter.Int64Counter("wikicollab_content_commits_total",
		metric.WithDescription("Content versions committed"))
	if err != nil {
		return sessionMetrics{}, err
	}
	rejections, err := meter.Int64Counter("wikicollab_rejections_total",
		metric.WithDescription("Operations rejected, by code"))
	if err != nil {
		return sessionMetrics{}, err
	}
	commitDuration, err := meter.Float64Histogram("wikicollab_commit_duration_seconds",
		metric.WithDescription("Time spent committing under the page lock"))
	if err != nil {
		return sessionMetrics{}, err
	}
	return sessionMetrics{
		joins:          joins,
		leaves:         leaves,
		commits:        commits,
		rejections:     rejections,
		commitDuration: commitDuration,
	}, nil
}

func (m sessionMetrics) recordRejection(ctx context.Context, code string) {
	m.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}
