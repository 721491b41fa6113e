package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ExecutionRecord is one persisted unit execution within a call run.
type ExecutionRecord struct {
	CallID     string
	OrgID      string
	Unit       string
	Status     string
	Method     string // new | legacy | comparison
	LatencyMs  int64
	Tokens     int
	Confidence float64
	CacheHit   bool
	Error      string
	CreatedAt  time.Time
}

// AppendExecution stores one unit execution record.
func (s *Store) AppendExecution(ctx context.Context, rec ExecutionRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO unit_executions
			(id, call_id, org_id, unit, status, method, latency_ms, tokens, confidence, cache_hit, error)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.CallID, rec.OrgID, rec.Unit, rec.Status, rec.Method,
		rec.LatencyMs, rec.Tokens, rec.Confidence, rec.CacheHit, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("append execution: %w", err)
	}
	return nil
}

// SaveRunOutputs stores the final per-unit outputs of a call run as one row.
func (s *Store) SaveRunOutputs(ctx context.Context, callID, orgID, category, method string, outputs map[string]any) error {
	raw, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("marshal run outputs: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO call_runs (id, call_id, org_id, category, method, outputs)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5)`,
		callID, orgID, category, method, raw,
	)
	if err != nil {
		return fmt.Errorf("save run outputs: %w", err)
	}
	return nil
}

// RecentExecutions returns the latest execution records for a call.
func (s *Store) RecentExecutions(ctx context.Context, callID string, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, `
		SELECT call_id, org_id, unit, status, method, latency_ms, tokens, confidence, cache_hit, error, created_at
		FROM unit_executions
		WHERE call_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, callID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent executions: %w", err)
	}
	defer rows.Close()

	var recs []ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		if err := rows.Scan(&rec.CallID, &rec.OrgID, &rec.Unit, &rec.Status, &rec.Method,
			&rec.LatencyMs, &rec.Tokens, &rec.Confidence, &rec.CacheHit, &rec.Error, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// OrgCallVolume counts the calls an organization processed in the window.
func (s *Store) OrgCallVolume(ctx context.Context, orgID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(DISTINCT call_id)
		FROM unit_executions
		WHERE org_id = $1 AND created_at >= $2`, orgID, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("org call volume: %w", err)
	}
	return count, nil
}
