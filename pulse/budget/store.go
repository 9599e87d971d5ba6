// Package budget admits outbound model calls against per-identity request
// windows and token budgets, and replays persisted usage from ai_model_usage.
package budget

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/agentpulse/errors"
)

// Store reads persisted usage from the ai_model_usage table
type Store struct {
	db *sql.DB
}

// NewStore creates a new budget store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// RequestTimes returns the times of identity's calls at or after since, oldest first.
// Failed calls count: they were admitted and consumed a slot.
func (s *Store) RequestTimes(ctx context.Context, identity string, since time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_timestamp
		FROM ai_model_usage
		WHERE identity = ? AND request_timestamp >= ?
		ORDER BY request_timestamp ASC`,
		identity, since.UTC())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query request times for %s", identity)
	}
	defer rows.Close()

	var times []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, errors.Wrapf(err, "failed to scan request time for %s", identity)
		}
		times = append(times, t)
	}
	return times, errors.Wrap(rows.Err(), "iterate request times")
}

// TokensSince returns identity's total reported tokens at or after since
func (s *Store) TokensSince(ctx context.Context, identity string, since time.Time) (int, error) {
	var tokens int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(tokens_used), 0)
		FROM ai_model_usage
		WHERE identity = ? AND request_timestamp >= ?`,
		identity, since.UTC()).Scan(&tokens)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to query tokens for %s", identity)
	}
	return tokens, nil
}

// SeedState reconstructs identity's limiter state as of now. The budget
// period is taken to start at the first call inside the trailing period.
func (s *Store) SeedState(ctx context.Context, identity string, limits Limits, now time.Time) (SeedState, error) {
	requests, err := s.RequestTimes(ctx, identity, now.Add(-dayWindow))
	if err != nil {
		return SeedState{}, err
	}
	state := SeedState{Requests: requests}

	if limits.EnforcedTokenLimit() == 0 || limits.BudgetPeriod <= 0 {
		return state, nil
	}

	periodCalls, err := s.RequestTimes(ctx, identity, now.Add(-limits.BudgetPeriod))
	if err != nil {
		return SeedState{}, err
	}
	if len(periodCalls) == 0 {
		return state, nil
	}

	state.PeriodStart = periodCalls[0]
	state.TokensUsed, err = s.TokensSince(ctx, identity, state.PeriodStart)
	if err != nil {
		return SeedState{}, err
	}
	return state, nil
}

// SeedLimiter replays persisted usage for each identity into l
func SeedLimiter(ctx context.Context, l *Limiter, s *Store, identities []string) error {
	for _, identity := range identities {
		l.mu.Lock()
		limits := l.limitsFor(identity)
		now := l.timeNow()
		l.mu.Unlock()

		state, err := s.SeedState(ctx, identity, limits, now)
		if err != nil {
			return errors.Wrapf(err, "seed limiter for %s", identity)
		}
		l.Seed(identity, state)
		l.logger.Debugw("Limiter seeded from usage history",
			"identity", identity,
			"requests_last_day", len(state.Requests),
			"tokens_used", state.TokensUsed)
	}
	return nil
}
