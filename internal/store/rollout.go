package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ridgeline/callsift/internal/rollout"
)

// SaveRolloutPhase upserts a phase so the rollout state survives restarts.
func (s *Store) SaveRolloutPhase(ctx context.Context, p rollout.Phase) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal rollout phase: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO rollout_phases (id, name, percentage, status, payload, activated_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id)
		DO UPDATE SET name = $2, percentage = $3, status = $4, payload = $5,
			activated_at = $6, ended_at = $7, updated_at = now()`,
		p.ID, p.Name, p.Percentage, string(p.Status), payload, p.ActivatedAt, p.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("save rollout phase: %w", err)
	}
	return nil
}

// LoadRolloutPhases returns all persisted phases in creation order.
func (s *Store) LoadRolloutPhases(ctx context.Context) ([]rollout.Phase, error) {
	rows, err := s.db.Query(ctx, `
		SELECT payload FROM rollout_phases ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("load rollout phases: %w", err)
	}
	defer rows.Close()

	var phases []rollout.Phase
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan rollout phase: %w", err)
		}
		var p rollout.Phase
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode rollout phase: %w", err)
		}
		phases = append(phases, p)
	}
	return phases, rows.Err()
}
