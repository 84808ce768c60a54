package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/Brhansenane/academy-control-panel/core"
	"github.com/Brhansenane/academy-control-panel/core/message"
)

// InsertChannel is the postgres channel the messages table notifies its inserts on.
const InsertChannel = "messages_inserted"

const (
	minReconnectInterval = 100 * time.Millisecond
	maxReconnectInterval = time.Minute
	listenerPingInterval = 90 * time.Second
)

// insertedRow is the JSON payload of an InsertChannel notification.
// It carries no content: subscribers reload the messages they are notified of.
type insertedRow struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	SentAt     time.Time `json:"sent_at"`
	Read       bool      `json:"read"`
}

// PGBroker dispatches the inserts postgres notifies on InsertChannel to a Hub.
// Messages reach subscribers whoever inserted them, so no Publisher is needed.
type PGBroker struct {
	hub      *Hub
	listener *pq.Listener
	logger   core.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
	stop      chan struct{}
}

var _ message.Broker = (*PGBroker)(nil)

func NewPGBroker(dsn string, hub *Hub, logger core.Logger) (*PGBroker, error) {
	b := &PGBroker{hub: hub, logger: logger, stop: make(chan struct{})}
	b.listener = pq.NewListener(dsn, minReconnectInterval, maxReconnectInterval, b.listenerEvent)
	if err := b.listener.Listen(InsertChannel); err != nil {
		_ = b.listener.Close()
		return nil, errors.Wrapf(err, "listening on %s", InsertChannel)
	}

	b.wg.Add(1)
	go b.run()
	return b, nil
}

func (b *PGBroker) listenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
		b.logger.Warn(fmt.Sprintf("%s listener: %v", InsertChannel, err), err)
	case pq.ListenerEventReconnected:
		b.logger.Info(InsertChannel + " listener reconnected")
	}
}

func (b *PGBroker) run() {
	defer b.wg.Done()
	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case n, ok := <-b.listener.Notify:
			if !ok {
				return
			}
			if n == nil { // reconnected: inserts may have been missed
				continue
			}
			msg, err := decodeInsert([]byte(n.Extra))
			if err != nil {
				b.logger.Error(fmt.Sprintf("decoding %s notification: %v", InsertChannel, err), err)
				continue
			}
			b.hub.Dispatch(msg)
		case <-ticker.C:
			go func() { _ = b.listener.Ping() }()
		}
	}
}

func decodeInsert(payload []byte) (message.Message, error) {
	var row insertedRow
	if err := json.Unmarshal(payload, &row); err != nil {
		return message.Message{}, errors.Wrap(err, "unmarshalling inserted row")
	}
	if row.ID == "" || row.ReceiverID == "" {
		return message.Message{}, errors.Errorf("incomplete inserted row: %s", payload)
	}
	return message.Message{
		ID:         row.ID,
		SenderID:   row.SenderID,
		ReceiverID: row.ReceiverID,
		SentAt:     row.SentAt.UTC(),
		Read:       row.Read,
	}, nil
}

func (b *PGBroker) Subscribe(ctx context.Context, receiverID string) (message.Subscription, error) {
	return b.hub.Subscribe(ctx, receiverID)
}

func (b *PGBroker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.stop)
		err = b.listener.Close()
		b.wg.Wait()
		_ = b.hub.Close()
	})
	return errors.Wrap(err, "closing listener")
}
