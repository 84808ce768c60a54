package message

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/Brhansenane/academy-control-panel/core"
	"github.com/Brhansenane/academy-control-panel/core/user"
)

// Directory looks up the users messages are exchanged with. user.Service implements it.
type Directory interface {
	GetByID(ctx context.Context, id string) (user.User, error)
}

// Service runs the messaging operations on behalf of an authenticated user.
// It holds no per-user state: see View for that.
type Service struct {
	repo      Repository
	users     Directory
	publisher Publisher
	notifier  Notifier
	logger    core.Logger
}

// NewService returns a messaging Service. publisher and notifier are optional.
func NewService(repo Repository, users Directory, publisher Publisher, notifier Notifier, logger core.Logger) *Service {
	return &Service{
		repo:      repo,
		users:     users,
		publisher: publisher,
		notifier:  notifier,
		logger:    logger,
	}
}

// Conversations returns the user's conversations, most recent first, one per contact.
// Nothing is fetched for an empty userID.
func (svc *Service) Conversations(ctx context.Context, userID string) ([]Conversation, error) {
	if userID == "" {
		return nil, nil
	}
	convs, err := svc.repo.GetConversations(ctx, userID)
	if err != nil {
		return nil, newStoreError("fetching conversations", ErrFetchFailed, err)
	}
	return dedupConversations(convs, userID), nil
}

// dedupConversations keeps a single entry per contact: the latest one, with the unread counts summed.
func dedupConversations(convs []Conversation, userID string) []Conversation {
	out := make([]Conversation, 0, len(convs))
	idx := make(map[string]int, len(convs))
	for _, c := range convs {
		if c.ContactID == "" || c.ContactID == userID {
			continue
		}
		i, ok := idx[c.ContactID]
		if !ok {
			idx[c.ContactID] = len(out)
			out = append(out, c)
			continue
		}
		unread := out[i].UnreadCount + c.UnreadCount
		if c.LatestSentAt.After(out[i].LatestSentAt) {
			out[i] = c
		}
		out[i].UnreadCount = unread
	}
	SortConversations(out)
	return out
}

func checkPair(userID, contactID string) error {
	switch {
	case userID == "":
		return ErrNotAuthenticated
	case contactID == "":
		return ErrNoCorrespondent
	case userID == contactID:
		return ErrSelfCorrespondent
	}
	return nil
}

// Thread returns the messages exchanged between the user and contactID, oldest first.
// Once loaded, the messages the contact sent to the user are marked as read.
// When marking fails, the loaded thread is returned along with an error matching ErrMarkReadFailed.
func (svc *Service) Thread(ctx context.Context, userID, contactID string) ([]ThreadEntry, error) {
	if err := checkPair(userID, contactID); err != nil {
		return nil, err
	}

	msgs, err := svc.repo.GetConversationMessages(ctx, userID, contactID)
	if err != nil {
		return nil, newStoreError("fetching thread", ErrFetchFailed, err)
	}

	var hasUnread bool
	entries := make([]ThreadEntry, 0, len(msgs))
	for _, m := range msgs {
		if !m.Between(userID, contactID) {
			continue
		}
		if m.ReceiverID == userID && !m.Read {
			hasUnread = true
		}
		entries = append(entries, m.Entry(userID))
	}
	SortThread(entries)

	if hasUnread {
		if _, err = svc.repo.MarkRead(ctx, userID, contactID); err != nil {
			return entries, newStoreError("marking thread as read", ErrMarkReadFailed, err)
		}
		for i := range entries {
			if !entries[i].IsSender {
				entries[i].Read = true
			}
		}
	}
	return entries, nil
}

// MarkRead flags every message contactID sent to the user as read. It is idempotent.
func (svc *Service) MarkRead(ctx context.Context, userID, contactID string) (int, error) {
	if err := checkPair(userID, contactID); err != nil {
		return 0, err
	}
	n, err := svc.repo.MarkRead(ctx, userID, contactID)
	if err != nil {
		return 0, newStoreError("marking thread as read", ErrMarkReadFailed, err)
	}
	return n, nil
}

// Send stores a new message from nm.SenderID to nm.ReceiverID, then announces it.
// The receiver must be an active user.
func (svc *Service) Send(ctx context.Context, nm NewMessage) (Message, error) {
	if err := checkPair(nm.SenderID, nm.ReceiverID); err != nil {
		return Message{}, err
	}
	content := strings.TrimSpace(nm.Content)
	if content == "" {
		return Message{}, ErrEmptyContent
	}
	if err := svc.checkReceiver(ctx, nm.ReceiverID); err != nil {
		return Message{}, err
	}

	msg, err := svc.repo.InsertMessage(ctx, Message{
		SenderID:   nm.SenderID,
		ReceiverID: nm.ReceiverID,
		Content:    content,
	})
	if err != nil {
		return Message{}, newStoreError("inserting message", ErrSendFailed, err)
	}

	if svc.publisher != nil {
		if err := svc.publisher.PublishInsert(ctx, msg); err != nil {
			svc.logger.Warn(fmt.Sprintf("publishing message %s: %v", msg.ID, err), err)
		}
	}
	if svc.notifier != nil {
		svc.notifier.MessageSent(ctx, msg)
	}
	return msg, nil
}

func (svc *Service) checkReceiver(ctx context.Context, receiverID string) error {
	rcv, err := svc.users.GetByID(ctx, receiverID)
	if err != nil {
		if errors.Cause(err) == user.ErrNotFound {
			return ErrReceiverNotFound
		}
		return newStoreError("finding receiver", ErrSendFailed, err)
	}
	if !rcv.Active() {
		return ErrReceiverNotFound
	}
	return nil
}
