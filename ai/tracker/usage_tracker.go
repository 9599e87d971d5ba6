// Package tracker records every outbound model call in the ai_model_usage
// table and aggregates it for status output and limiter seeding.
package tracker

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/agentpulse/errors"
)

// ModelUsage represents a record of AI model usage
type ModelUsage struct {
	ID               int64     `json:"id" db:"id"`
	Identity         string    `json:"identity" db:"identity"`
	Target           string    `json:"target" db:"target"`
	Model            string    `json:"model" db:"model"`
	TokensUsed       int       `json:"tokens_used" db:"tokens_used"`
	LatencyMS        int64     `json:"latency_ms" db:"latency_ms"`
	Success          bool      `json:"success" db:"success"`
	ErrorMessage     *string   `json:"error_message,omitempty" db:"error_message"`
	RequestTimestamp time.Time `json:"request_timestamp" db:"request_timestamp"`
}

// UsageTracker provides functionality to track AI model usage
type UsageTracker struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewUsageTracker creates a new AI usage tracker
func NewUsageTracker(db *sql.DB, log *zap.SugaredLogger) *UsageTracker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &UsageTracker{
		db:     db,
		logger: log,
	}
}

// TrackUsage records AI model usage in the database
func (t *UsageTracker) TrackUsage(ctx context.Context, usage *ModelUsage) error {
	ts := usage.RequestTimestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	res, err := t.db.ExecContext(ctx, `
		INSERT INTO ai_model_usage (
			identity, target, model, tokens_used, latency_ms,
			success, error_message, request_timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		usage.Identity, usage.Target, usage.Model, usage.TokensUsed, usage.LatencyMS,
		usage.Success, usage.ErrorMessage, ts.UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to record usage for %s via %s", usage.Identity, usage.Target)
	}

	if id, err := res.LastInsertId(); err == nil {
		usage.ID = id
	}

	t.logger.Debugw("Recorded model usage",
		"identity", usage.Identity,
		"target", usage.Target,
		"tokens", usage.TokensUsed,
		"success", usage.Success)
	return nil
}

// UsageStats represents aggregated usage statistics
type UsageStats struct {
	TotalRequests      int     `json:"total_requests"`
	SuccessfulRequests int     `json:"successful_requests"`
	SuccessRate        float64 `json:"success_rate"`
	TotalTokens        int     `json:"total_tokens"`
	UniqueModels       int     `json:"unique_models"`
}

// GetUsageStats returns usage statistics for calls at or after since
func (t *UsageTracker) GetUsageStats(ctx context.Context, since time.Time) (*UsageStats, error) {
	var stats UsageStats
	err := t.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) as total_requests,
			COUNT(CASE WHEN success = 1 THEN 1 END) as successful_requests,
			COALESCE(SUM(tokens_used), 0) as total_tokens,
			COUNT(DISTINCT CASE WHEN model != '' THEN model END) as unique_models
		FROM ai_model_usage
		WHERE request_timestamp >= ?`,
		since.UTC()).Scan(
		&stats.TotalRequests, &stats.SuccessfulRequests,
		&stats.TotalTokens, &stats.UniqueModels,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query usage stats")
	}

	if stats.TotalRequests > 0 {
		stats.SuccessRate = float64(stats.SuccessfulRequests) / float64(stats.TotalRequests)
	}
	return &stats, nil
}

// IdentityBreakdown represents usage statistics for one identity
type IdentityBreakdown struct {
	Identity     string  `json:"identity"`
	RequestCount int     `json:"request_count"`
	FailureCount int     `json:"failure_count"`
	TotalTokens  int     `json:"total_tokens"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// GetIdentityBreakdown returns usage per identity since the given time,
// heaviest token consumers first
func (t *UsageTracker) GetIdentityBreakdown(ctx context.Context, since time.Time) ([]IdentityBreakdown, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT
			identity,
			COUNT(*) as request_count,
			COUNT(CASE WHEN success = 0 THEN 1 END) as failure_count,
			COALESCE(SUM(tokens_used), 0) as total_tokens,
			COALESCE(AVG(latency_ms), 0) as avg_latency_ms
		FROM ai_model_usage
		WHERE request_timestamp >= ?
		GROUP BY identity
		ORDER BY total_tokens DESC, identity ASC`,
		since.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "failed to query identity breakdown")
	}
	defer rows.Close()

	var breakdown []IdentityBreakdown
	for rows.Next() {
		var ib IdentityBreakdown
		if err := rows.Scan(&ib.Identity, &ib.RequestCount, &ib.FailureCount,
			&ib.TotalTokens, &ib.AvgLatencyMS); err != nil {
			return nil, errors.Wrap(err, "failed to scan identity breakdown")
		}
		breakdown = append(breakdown, ib)
	}
	return breakdown, errors.Wrap(rows.Err(), "iterate identity breakdown")
}
