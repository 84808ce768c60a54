package message

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/Brhansenane/academy-control-panel/core"
)

type (
	// Message is a single message one user sent to another.
	Message struct {
		ID         string    `json:"id"`
		SenderID   string    `json:"sender_id"`
		ReceiverID string    `json:"receiver_id"`
		Content    string    `json:"content"`
		SentAt     time.Time `json:"sent_at"` // UTC
		Read       bool      `json:"read"`
	}

	// NewMessage contains the information needed to send a Message.
	NewMessage struct {
		SenderID   string `json:"-"`
		ReceiverID string `json:"receiver_id" validate:"required,uuid"`
		Content    string `json:"content" validate:"required,notblank"`
	}

	// Conversation summarizes all the messages a user exchanged with one contact.
	Conversation struct {
		ContactID     string    `json:"contact_id"`
		FirstName     string    `json:"first_name"`
		LastName      string    `json:"last_name"`
		AvatarURL     string    `json:"avatar_url"`
		LatestMessage string    `json:"latest_message"`
		LatestSentAt  time.Time `json:"latest_sent_at"`
		UnreadCount   int       `json:"unread_count"`
	}

	EntryStatus string

	// ThreadEntry is a Message as displayed in a thread, relative to the user viewing it.
	ThreadEntry struct {
		ID       string      `json:"id"`
		Content  string      `json:"content"`
		SentAt   time.Time   `json:"sent_at"`
		Read     bool        `json:"read"`
		IsSender bool        `json:"is_sender"`
		Status   EntryStatus `json:"status"`
	}

	// InsertEvent notifies that a Message was stored.
	InsertEvent struct {
		Message Message `json:"message"`
	}
)

const (
	// StatusPending marks an entry displayed before the store confirmed it.
	StatusPending EntryStatus = "pending"
	// StatusConfirmed marks an entry loaded from the store.
	StatusConfirmed EntryStatus = "confirmed"

	pendingIDPrefix = "pending-"
)

// Counterpart returns the ID of the other party of the message, from userID's point of view.
func (m Message) Counterpart(userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// Between reports whether the message was exchanged between user1 and user2, in either direction.
func (m Message) Between(user1ID, user2ID string) bool {
	return (m.SenderID == user1ID && m.ReceiverID == user2ID) ||
		(m.SenderID == user2ID && m.ReceiverID == user1ID)
}

// Entry returns the confirmed ThreadEntry of the message as seen by userID.
func (m Message) Entry(userID string) ThreadEntry {
	return ThreadEntry{
		ID:       m.ID,
		Content:  m.Content,
		SentAt:   m.SentAt,
		Read:     m.Read,
		IsSender: m.SenderID == userID,
		Status:   StatusConfirmed,
	}
}

// Preview returns the first n runes of the message content.
func (m Message) Preview(n int) string {
	if utf8.RuneCountInString(m.Content) <= n {
		return m.Content
	}
	return string([]rune(m.Content)[:n]) + "…"
}

func (nm *NewMessage) Validate(validate *validator.Validate) error {
	nm.ReceiverID = core.CleanString(nm.ReceiverID)
	return validate.Struct(nm)
}

func (c Conversation) ContactName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

func (e ThreadEntry) Pending() bool {
	return e.Status == StatusPending
}

type (
	// Repository is the store of messages.
	Repository interface {
		// GetConversations returns one Conversation per distinct contact of the user.
		GetConversations(ctx context.Context, userID string) ([]Conversation, error)
		// GetConversationMessages returns all the messages exchanged between user1 and user2, in any order.
		GetConversationMessages(ctx context.Context, user1ID, user2ID string) ([]Message, error)
		// InsertMessage stores a new message; the store assigns its ID and SentAt.
		InsertMessage(ctx context.Context, msg Message) (Message, error)
		// MarkRead flags every unread message senderID sent to receiverID as read.
		// It returns the number of messages updated.
		MarkRead(ctx context.Context, receiverID, senderID string) (int, error)
	}

	// Subscription is a stream of InsertEvent.
	Subscription interface {
		// Events is closed once the Subscription is closed or lost.
		Events() <-chan InsertEvent
		// Close unsubscribes; it is safe to call more than once.
		Close() error
	}

	// Broker delivers InsertEvent to subscribers.
	Broker interface {
		// Subscribe streams the messages inserted for receiverID.
		Subscribe(ctx context.Context, receiverID string) (Subscription, error)
	}

	// Publisher announces inserted messages to a Broker.
	// It is not needed when the store itself announces inserts (e.g. postgres triggers).
	Publisher interface {
		PublishInsert(ctx context.Context, msg Message) error
	}

	// Notifier is told about every Message sent.
	Notifier interface {
		MessageSent(ctx context.Context, msg Message)
	}
)

// SortConversations sorts conversations by most recent first.
func SortConversations(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if convs[i].LatestSentAt.Equal(convs[j].LatestSentAt) {
			return convs[i].ContactID < convs[j].ContactID
		}
		return convs[i].LatestSentAt.After(convs[j].LatestSentAt)
	})
}

// SortThread sorts entries by oldest first; pending entries go after confirmed ones sent at the same time.
func SortThread(entries []ThreadEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].SentAt.Equal(entries[j].SentAt) {
			if entries[i].Pending() != entries[j].Pending() {
				return !entries[i].Pending()
			}
			return entries[i].ID < entries[j].ID
		}
		return entries[i].SentAt.Before(entries[j].SentAt)
	})
}

// FilterConversations returns the conversations whose contact name or latest message contains search (case-insensitive).
func FilterConversations(convs []Conversation, search string) []Conversation {
	search = strings.ToLower(strings.TrimSpace(search))
	if search == "" {
		return convs
	}
	filtered := make([]Conversation, 0, len(convs))
	for _, c := range convs {
		if strings.Contains(strings.ToLower(c.ContactName()), search) ||
			strings.Contains(strings.ToLower(c.LatestMessage), search) {
			filtered = append(filtered, c)
		}
	}
	return filtered
}
