package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"researchd/pkg/logx"
)

// SessionMetrics is the aggregated resource usage of one session.
type SessionMetrics struct {
	SessionID    string `json:"session_id"`
	PromptTokens int64  `json:"prompt_tokens"`
}

// QueryService reads aggregates back out of a Prometheus server that scrapes
// this service. Optional; constructed only when a server address is
// configured.
type QueryService struct {
	queryAPI v1.API
	logger   *logx.Logger
}

// NewQueryService creates a query service against the given Prometheus base
// URL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return &QueryService{
		queryAPI: v1.NewAPI(client),
		logger:   logx.NewLogger("metrics"),
	}, nil
}

func (q *QueryService) vectorSum(ctx context.Context, query string) (float64, error) {
	result, warnings, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, fmt.Errorf("prometheus query failed: %w", err)
	}
	for _, w := range warnings {
		q.logger.Warn("prometheus warning for %q: %s", query, w)
	}

	vector, ok := result.(model.Vector)
	if !ok {
		return 0, fmt.Errorf("unexpected result type %s for %q", result.Type(), query)
	}
	var sum float64
	for _, sample := range vector {
		sum += float64(sample.Value)
	}
	return sum, nil
}

// GetSessionMetrics returns the token rollup for one session across all its
// stage attempts.
func (q *QueryService) GetSessionMetrics(ctx context.Context, sessionID string) (*SessionMetrics, error) {
	tokens, err := q.vectorSum(ctx, fmt.Sprintf(`sum(researchd_session_tokens_total{session_id=%q})`, sessionID))
	if err != nil {
		return nil, err
	}
	return &SessionMetrics{
		SessionID:    sessionID,
		PromptTokens: int64(tokens),
	}, nil
}

// StageFailureTotal returns the failed attempt count for a stage across all
// sessions, for operator dashboards.
func (q *QueryService) StageFailureTotal(ctx context.Context, stage string) (float64, error) {
	return q.vectorSum(ctx, fmt.Sprintf(`sum(researchd_stage_executions_total{stage=%q,outcome="failed"})`, stage))
}
