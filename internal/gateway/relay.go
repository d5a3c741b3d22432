package gateway

import (
	"context"
	"log/slog"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/example/booking-engine/internal/observability"
)

type relayEnvelope struct {
	Node  string          `json:"node"`
	Room  string          `json:"room"`
	Frame json.RawMessage `json:"frame"`
}

// RedisRelay spans rooms across gateway nodes over one Redis pub/sub
// channel. Envelopes carry the publishing node id so a node ignores its own
// frames.
type RedisRelay struct {
	client  *redis.Client
	channel string
	nodeID  string
	out     chan relayEnvelope
	logger  *slog.Logger
}

func NewRedisRelay(client *redis.Client, channel, nodeID string, logger *slog.Logger) *RedisRelay {
	return &RedisRelay{
		client:  client,
		channel: channel,
		nodeID:  nodeID,
		out:     make(chan relayEnvelope, busQueueLength),
		logger:  logger,
	}
}

func (r *RedisRelay) Forward(room string, frame []byte) {
	select {
	case r.out <- relayEnvelope{Node: r.nodeID, Room: room, Frame: frame}:
	default:
		observability.WSDroppedFrames.Inc()
	}
}

// Run publishes outgoing envelopes and delivers incoming ones to bus until
// ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context, bus *Bus) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	in := sub.Channel()
	r.logger.Info("room relay subscribed", "channel", r.channel, "node", r.nodeID)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-r.out:
			payload, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
				r.logger.Warn("room relay publish failed", "room", env.Room, "error", err)
			}
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn("room relay dropped malformed envelope", "error", err)
				continue
			}
			if env.Node == r.nodeID {
				continue
			}
			bus.Deliver(env.Room, env.Frame)
		}
	}
}
