package usecase

import (
	"context"

	"github.com/example/component-matcher/internal/repository"
)

// MetricsSummary represents aggregated identification insights.
type MetricsSummary struct {
	TotalRequests              int64                       `json:"total_requests"`
	MatchedRequests            int64                       `json:"matched_requests"`
	MatchRate                  float64                     `json:"match_rate"`
	AverageScore               float64                     `json:"average_score"`
	AverageProcessingLatencyMs float64                     `json:"average_processing_latency_ms"`
	Components                 []repository.ComponentCount `json:"components"`
}

// GetMetricsSummary aggregates identification metrics from persisted logs.
func (uc *IdentificationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	components, err := uc.repo.ComponentCounts(ctx)
	if err != nil {
		return nil, err
	}
	if components == nil {
		components = []repository.ComponentCount{}
	}

	summary := &MetricsSummary{
		TotalRequests:              aggregation.TotalCount,
		MatchedRequests:            aggregation.MatchedCount,
		AverageScore:               aggregation.AverageScore,
		AverageProcessingLatencyMs: aggregation.AverageProcessingLatencyMs,
		Components:                 components,
	}

	if aggregation.TotalCount > 0 {
		summary.MatchRate = float64(aggregation.MatchedCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
