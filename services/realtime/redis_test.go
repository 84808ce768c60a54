package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brhansenane/academy-control-panel/core/message"
)

// countingLogger counts warnings and errors.
type countingLogger struct {
	mu     sync.Mutex
	warns  int
	errors int
}

func (l *countingLogger) Debug(string, ...interface{}) {}
func (l *countingLogger) Info(string, ...interface{})  {}
func (l *countingLogger) Fatal(string, ...interface{}) {}

func (l *countingLogger) Warn(string, ...interface{}) {
	l.mu.Lock()
	l.warns++
	l.mu.Unlock()
}

func (l *countingLogger) Error(string, ...interface{}) {
	l.mu.Lock()
	l.errors++
	l.mu.Unlock()
}

func (l *countingLogger) counts() (warns, errors int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.warns, l.errors
}

func newRedisBroker(t *testing.T, bufSize int) (*RedisBroker, *miniredis.Miniredis, *countingLogger) {
	t.Helper()
	mr := miniredis.RunT(t)
	logger := new(countingLogger)
	b, err := NewRedisBroker("redis://"+mr.Addr(), bufSize, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, mr, logger
}

func TestNewRedisBroker(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{name: "invalid url", url: "lol://"},
		{name: "unreachable", url: "redis://127.0.0.1:1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewRedisBroker(tt.url, 4, new(countingLogger))
			assert.Error(t, err)
			assert.Nil(t, b)
		})
	}
}

func TestRedisBroker_PublishSubscribe(t *testing.T) {
	ctx := context.Background()
	b, _, _ := newRedisBroker(t, 4)

	subBob, err := b.Subscribe(ctx, "bob")
	require.NoError(t, err)
	defer subBob.Close()
	subCarol, err := b.Subscribe(ctx, "carol")
	require.NoError(t, err)
	defer subCarol.Close()

	sentAt := time.Date(2021, 3, 4, 10, 0, 0, 0, time.UTC)
	toCarol := message.Message{ID: "1", SenderID: "alice", ReceiverID: "carol", Content: "Meeting at 3", SentAt: sentAt}
	toBob := message.Message{ID: "2", SenderID: "alice", ReceiverID: "bob", Content: "Hi Bob", SentAt: sentAt}
	require.NoError(t, b.PublishInsert(ctx, toCarol))
	require.NoError(t, b.PublishInsert(ctx, toBob))

	ev, ok := receive(t, subBob)
	require.True(t, ok)
	assert.Equal(t, toBob, ev.Message)

	ev, ok = receive(t, subCarol)
	require.True(t, ok)
	assert.Equal(t, toCarol, ev.Message)

	_, err = b.Subscribe(ctx, "")
	assert.Equal(t, message.ErrNotAuthenticated, err)
}

func TestRedisBroker_InvalidPayload(t *testing.T) {
	ctx := context.Background()
	b, mr, logger := newRedisBroker(t, 4)

	sub, err := b.Subscribe(ctx, "bob")
	require.NoError(t, err)
	defer sub.Close()

	mr.Publish(redisChannel("bob"), "lol")
	msg := message.Message{ID: "1", SenderID: "alice", ReceiverID: "bob", Content: "hi"}
	require.NoError(t, b.PublishInsert(ctx, msg))

	ev, ok := receive(t, sub)
	require.True(t, ok)
	assert.Equal(t, msg.ID, ev.Message.ID, "the invalid payload is skipped")
	_, errs := logger.counts()
	assert.Equal(t, 1, errs)
}

func TestRedisBroker_FullSubscriberDropsEvents(t *testing.T) {
	ctx := context.Background()
	b, _, logger := newRedisBroker(t, 1)

	sub, err := b.Subscribe(ctx, "bob")
	require.NoError(t, err)
	defer sub.Close()

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, b.PublishInsert(ctx, message.Message{ID: id, SenderID: "alice", ReceiverID: "bob", Content: "hi"}))
	}
	assert.Eventually(t, func() bool {
		warns, _ := logger.counts()
		return warns == 2
	}, time.Second, 5*time.Millisecond)

	ev, ok := receive(t, sub)
	require.True(t, ok)
	assert.Equal(t, "1", ev.Message.ID)
	select {
	case ev := <-sub.Events():
		t.Errorf("message %s was not dropped", ev.Message.ID)
	default:
	}
}

func TestRedisSubscription_Close(t *testing.T) {
	tests := []struct {
		name  string
		close func(t *testing.T, sub message.Subscription, cancel context.CancelFunc)
	}{
		{
			name:  "closed",
			close: func(t *testing.T, sub message.Subscription, _ context.CancelFunc) { require.NoError(t, sub.Close()) },
		},
		{
			name:  "context cancelled",
			close: func(_ *testing.T, _ message.Subscription, cancel context.CancelFunc) { cancel() },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _, _ := newRedisBroker(t, 4)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sub, err := b.Subscribe(ctx, "bob")
			require.NoError(t, err)

			tt.close(t, sub, cancel)
			_, ok := receive(t, sub)
			assert.False(t, ok, "Events is closed")
			assert.NoError(t, sub.Close(), "safe to call more than once")
		})
	}
}
