package inmemdb

import (
	"context"

	"github.com/google/uuid"

	"github.com/Brhansenane/academy-control-panel/core/message"
)

type messageRepository struct {
	db    *messageTable
	users *userTable
}

var _ message.Repository = (*messageRepository)(nil) // interface compliance check

func NewMessageRepository(db *DB) message.Repository {
	return &messageRepository{db: db.message, users: db.user}
}

func (repo *messageRepository) GetConversations(ctx context.Context, userID string) ([]message.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	repo.db.RLock()
	defer repo.db.RUnlock()

	idx := make(map[string]int)
	convs := make([]message.Conversation, 0)
	for _, m := range repo.db.rows {
		if m.SenderID != userID && m.ReceiverID != userID {
			continue
		}
		contactID := m.Counterpart(userID)
		i, ok := idx[contactID]
		if !ok {
			i = len(convs)
			idx[contactID] = i
			convs = append(convs, message.Conversation{ContactID: contactID})
		}
		c := &convs[i]
		if c.LatestSentAt.IsZero() || !m.SentAt.Before(c.LatestSentAt) {
			c.LatestMessage = m.Content
			c.LatestSentAt = m.SentAt
		}
		if m.ReceiverID == userID && !m.Read {
			c.UnreadCount++
		}
	}

	repo.users.RLock()
	defer repo.users.RUnlock()
	for i := range convs {
		if usr, ok := repo.users.table[convs[i].ContactID]; ok {
			convs[i].FirstName = usr.FirstName
			convs[i].LastName = usr.LastName
			convs[i].AvatarURL = usr.AvatarURL
		}
	}
	message.SortConversations(convs)
	return convs, nil
}

func (repo *messageRepository) GetConversationMessages(ctx context.Context, user1ID, user2ID string) ([]message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	repo.db.RLock()
	defer repo.db.RUnlock()

	msgs := make([]message.Message, 0)
	for _, m := range repo.db.rows {
		if m.Between(user1ID, user2ID) {
			msgs = append(msgs, *m)
		}
	}
	return msgs, nil
}

func (repo *messageRepository) InsertMessage(ctx context.Context, msg message.Message) (message.Message, error) {
	if err := ctx.Err(); err != nil {
		return message.Message{}, err
	}
	repo.db.Lock()
	defer repo.db.Unlock()

	msg.ID = uuid.New().String()
	msg.SentAt = nowFunc().UTC()
	msg.Read = false
	repo.db.rows = append(repo.db.rows, &msg)
	return msg, nil
}

func (repo *messageRepository) MarkRead(ctx context.Context, receiverID, senderID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	repo.db.Lock()
	defer repo.db.Unlock()

	var n int
	for _, m := range repo.db.rows {
		if m.ReceiverID == receiverID && m.SenderID == senderID && !m.Read {
			m.Read = true
			n++
		}
	}
	return n, nil
}

// SeedMessages stores msgs as given, assigning IDs to those without one. Meant for fixtures.
func (db *DB) SeedMessages(msgs ...message.Message) []message.Message {
	db.message.Lock()
	defer db.message.Unlock()

	seeded := make([]message.Message, 0, len(msgs))
	for _, m := range msgs {
		m := m
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		m.SentAt = m.SentAt.UTC()
		db.message.rows = append(db.message.rows, &m)
		seeded = append(seeded, m)
	}
	return seeded
}
