package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"peak-tracker-service/internal/observability"
)

// Feed is the subscribe-per-session broadcast mechanism. Publish is
// fire-and-forget from the writer's point of view: it never waits for
// subscribers.
type Feed interface {
	Publish(ctx context.Context, sessionID string, delta MemberDelta) error
	Subscribe(ctx context.Context, sessionID string) (*Subscription, error)
}

type RedisFeed struct {
	client redis.UniversalClient
	logger *slog.Logger
	buffer int
}

func NewRedisFeed(client redis.UniversalClient, logger *slog.Logger, buffer int) *RedisFeed {
	if buffer <= 0 {
		buffer = 64
	}
	return &RedisFeed{client: client, logger: logger, buffer: buffer}
}

func channelName(sessionID string) string {
	return fmt.Sprintf("session:%s:members", sessionID)
}

func (f *RedisFeed) Publish(ctx context.Context, sessionID string, delta MemberDelta) error {
	if f.client == nil {
		return nil
	}
	payload, err := delta.Encode()
	if err != nil {
		return err
	}
	if err := f.client.Publish(ctx, channelName(sessionID), payload).Err(); err != nil {
		return fmt.Errorf("publish delta: %w", err)
	}
	observability.RecordFeedPublish(ctx, string(delta.Type))
	return nil
}

// Subscribe opens a per-session delta stream. The returned subscription is
// a scoped resource: Close it on leave or disconnect. The delta channel is
// closed when the subscription ends, whether by Close or by a broken
// backend connection; a closed channel is the consumer's resubscribe signal.
func (f *RedisFeed) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	if f.client == nil {
		return nil, fmt.Errorf("feed backend not configured")
	}
	pubsub := f.client.Subscribe(ctx, channelName(sessionID))
	// Force the SUBSCRIBE round-trip so backend failures surface here
	// instead of as a silently dead stream.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe session feed: %w", err)
	}

	sub := &Subscription{
		sessionID: sessionID,
		deltas:    make(chan MemberDelta, f.buffer),
		pubsub:    pubsub,
	}
	go sub.pump(f.logger)
	return sub, nil
}

type Subscription struct {
	sessionID string
	deltas    chan MemberDelta
	pubsub    *redis.PubSub
	closeOnce sync.Once
}

// Deltas is drained by the presentation layer. The buffer is bounded: when
// a consumer falls behind, the oldest delta is dropped rather than blocking
// the pump. At-least-once delivery still holds for the stream overall
// because a consumer that lost deltas re-seeds from the member list.
func (s *Subscription) Deltas() <-chan MemberDelta {
	return s.deltas
}

func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.pubsub.Close()
	})
	return err
}

func (s *Subscription) pump(logger *slog.Logger) {
	defer close(s.deltas)
	for msg := range s.pubsub.Channel() {
		delta, err := Decode([]byte(msg.Payload))
		if err != nil {
			if logger != nil {
				logger.Warn("dropping malformed feed payload", "session_id", s.sessionID, "error", err)
			}
			continue
		}
		select {
		case s.deltas <- delta:
		default:
			// Evict the oldest buffered delta to make room.
			select {
			case <-s.deltas:
				observability.RecordFeedDrop(context.Background(), s.sessionID)
			default:
			}
			select {
			case s.deltas <- delta:
			default:
				observability.RecordFeedDrop(context.Background(), s.sessionID)
			}
		}
	}
}
