package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/Brhansenane/academy-control-panel/core"
	"github.com/Brhansenane/academy-control-panel/core/message"
)

const redisChannelPrefix = "messages:"

func redisChannel(receiverID string) string {
	return redisChannelPrefix + receiverID
}

// RedisBroker delivers inserted messages across app instances through redis pub/sub.
type RedisBroker struct {
	rdb     *redis.Client
	bufSize int
	logger  core.Logger
}

var (
	_ message.Broker    = (*RedisBroker)(nil)
	_ message.Publisher = (*RedisBroker)(nil)
)

func NewRedisBroker(redisURL string, bufSize int, logger core.Logger) (*RedisBroker, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parsing redis url")
	}
	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err = rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "pinging redis")
	}
	return NewRedisBrokerFromClient(rdb, bufSize, logger), nil
}

func NewRedisBrokerFromClient(rdb *redis.Client, bufSize int, logger core.Logger) *RedisBroker {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	return &RedisBroker{rdb: rdb, bufSize: bufSize, logger: logger}
}

func (b *RedisBroker) PublishInsert(ctx context.Context, msg message.Message) error {
	payload, err := json.Marshal(message.InsertEvent{Message: msg})
	if err != nil {
		return errors.Wrap(err, "marshalling insert event")
	}
	if err = b.rdb.Publish(ctx, redisChannel(msg.ReceiverID), payload).Err(); err != nil {
		return errors.Wrap(err, "publishing insert event")
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, receiverID string) (message.Subscription, error) {
	if receiverID == "" {
		return nil, message.ErrNotAuthenticated
	}

	pubsub := b.rdb.Subscribe(ctx, redisChannel(receiverID))
	// wait for the subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, errors.Wrap(err, "subscribing to redis")
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan message.InsertEvent, b.bufSize),
		done:   make(chan struct{}),
	}
	go sub.pump(ctx, b.logger)
	return sub, nil
}

func (b *RedisBroker) Close() error {
	return b.rdb.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	events chan message.InsertEvent
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) pump(ctx context.Context, logger core.Logger) {
	defer close(s.events)
	ch := s.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			_ = s.Close()
			return
		case <-s.done:
			return
		case rm, ok := <-ch:
			if !ok {
				return
			}
			var ev message.InsertEvent
			if err := json.Unmarshal([]byte(rm.Payload), &ev); err != nil {
				logger.Error(fmt.Sprintf("decoding %s payload: %v", rm.Channel, err), err)
				continue
			}
			select {
			case s.events <- ev:
			default:
				logger.Warn(fmt.Sprintf("dropping message %s: subscriber of %s is full", ev.Message.ID, rm.Channel))
			}
		}
	}
}

func (s *redisSubscription) Events() <-chan message.InsertEvent { return s.events }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return errors.Wrap(err, "closing redis subscription")
}
