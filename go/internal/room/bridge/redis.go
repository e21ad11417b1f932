package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// redisFrame wraps every payload so requests can carry a reply channel.
type redisFrame struct {
	Reply string `json:"reply,omitempty"`
	Data  []byte `json:"data"`
}

// RedisBroker implements Broker on Redis pub/sub. Request/reply uses a private inbox channel
// per request.
type RedisBroker struct {
	client *redis.Client
	prefix string
}

// NewRedisBroker creates a broker on client. Inbox channels live under prefix.
func NewRedisBroker(client *redis.Client, prefix string) *RedisBroker {
	return &RedisBroker{client: client, prefix: prefix}
}

func (b *RedisBroker) publishFrame(ctx context.Context, subject string, frame redisFrame) (int64, error) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return 0, fmt.Errorf("marshal frame: %w", err)
	}
	receivers, err := b.client.Publish(ctx, subject, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", subject, err)
	}
	return receivers, nil
}

func (b *RedisBroker) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := b.publishFrame(ctx, subject, redisFrame{Data: data})
	return err
}

func (b *RedisBroker) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	inbox := fmt.Sprintf("%s.inbox.%s", b.prefix, uuid.New().String())
	pubsub := b.client.Subscribe(ctx, inbox)
	defer pubsub.Close()

	// Wait for the subscription to be active so the reply cannot be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribe inbox: %w", err)
	}

	receivers, err := b.publishFrame(ctx, subject, redisFrame{Reply: inbox, Data: data})
	if err != nil {
		return nil, err
	}
	if receivers == 0 {
		return nil, ErrNoResponders
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("request %s: %w", subject, ctx.Err())
	case msg, ok := <-pubsub.Channel():
		if !ok {
			return nil, fmt.Errorf("request %s: inbox closed", subject)
		}
		var frame redisFrame
		if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
			return nil, fmt.Errorf("unmarshal reply: %w", err)
		}
		return frame.Data, nil
	}
}

func (b *RedisBroker) Subscribe(subject string, handler Handler) (Subscription, error) {
	ctx := context.Background()
	var pubsub *redis.PubSub
	if strings.Contains(subject, "*") {
		pubsub = b.client.PSubscribe(ctx, subject)
	} else {
		pubsub = b.client.Subscribe(ctx, subject)
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	go func() {
		for msg := range pubsub.Channel() {
			var frame redisFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				log.Warn().Err(err).Str("subject", msg.Channel).Msg("dropping malformed broker frame")
				continue
			}
			var respond func([]byte) error
			if frame.Reply != "" {
				reply := frame.Reply
				respond = func(data []byte) error {
					_, err := b.publishFrame(context.Background(), reply, redisFrame{Data: data})
					return err
				}
			}
			handler(NewMessage(msg.Channel, frame.Data, respond))
		}
	}()

	return redisSubscription{pubsub: pubsub}, nil
}

// IsConnected pings Redis.
func (b *RedisBroker) IsConnected() bool {
	return b.client.Ping(context.Background()).Err() == nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
}

func (s redisSubscription) Unsubscribe() error {
	return s.pubsub.Close()
}
