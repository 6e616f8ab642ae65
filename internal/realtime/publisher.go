package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"vibecarding/internal/models"
	"vibecarding/internal/telemetry"
)

// Publisher pushes job_update events onto the Redis channel that the API
// process bridges into its WebSocket hub. Workers hold a Publisher; they
// never talk to sockets directly.
type Publisher struct {
	rdb     *redis.Client
	channel string
}

func NewPublisher(rdb *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = "cards:updates"
	}
	return &Publisher{rdb: rdb, channel: channel}
}

// Publish emits one update. Delivery is fire-and-forget: a client that missed
// an event recovers through the job-status endpoint.
func (p *Publisher) Publish(ctx context.Context, u models.JobUpdate) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	if err := p.rdb.Publish(ctx, p.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish update: %w", err)
	}
	telemetry.UpdatesPublished.Inc()
	return nil
}

// RunBridge subscribes to the update channel and forwards every event into
// the hub until the context is cancelled.
func RunBridge(ctx context.Context, rdb *redis.Client, channel string, hub *Hub, logger zerolog.Logger) error {
	if channel == "" {
		channel = "cards:updates"
	}
	pubsub := rdb.Subscribe(ctx, channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var u models.JobUpdate
			if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
				logger.Warn().Err(err).Msg("discarding malformed job update")
				continue
			}
			hub.Broadcast(u)
		}
	}
}
