package rollout

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// StreamAudit appends rollout events to a redis stream so operators can
// replay the rollout history.
type StreamAudit struct {
	client *redis.Client
	stream string
}

// NewStreamAudit creates a redis-backed audit sink.
func NewStreamAudit(client *redis.Client, stream string) *StreamAudit {
	if stream == "" {
		stream = "callsift:rollout:events"
	}
	return &StreamAudit{client: client, stream: stream}
}

// Emit appends one event to the stream.
func (s *StreamAudit) Emit(ctx context.Context, e Event) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]any{
			"type":     e.Type,
			"phase_id": e.PhaseID,
			"reason":   e.Reason,
			"at":       e.At.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("append rollout event: %w", err)
	}
	return nil
}
