package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/Brhansenane/academy-control-panel/core"
	"github.com/Brhansenane/academy-control-panel/core/message"
)

// postgres error codes of a schema that was not migrated
const (
	pqUndefinedTable    = "42P01"
	pqUndefinedFunction = "42883"
)

type (
	conversationRow struct {
		ContactID     string         `db:"contact_id"`
		FirstName     sql.NullString `db:"first_name"`
		LastName      sql.NullString `db:"last_name"`
		AvatarURL     sql.NullString `db:"avatar_url"`
		LatestMessage sql.NullString `db:"latest_message"`
		LatestSentAt  sql.NullTime   `db:"latest_sent_at"`
		UnreadCount   int            `db:"unread_count"`
	}

	threadRow struct {
		ID       string    `db:"id"`
		Content  string    `db:"content"`
		SentAt   time.Time `db:"sent_at"`
		Read     bool      `db:"read"`
		IsSender bool      `db:"is_sender"`
	}

	messageRow struct {
		ID         string    `db:"id"`
		SenderID   string    `db:"sender_id"`
		ReceiverID string    `db:"receiver_id"`
		Content    string    `db:"content"`
		SentAt     time.Time `db:"sent_at"`
		Read       bool      `db:"read"`
	}
)

func (r messageRow) toMessage() message.Message {
	return message.Message{
		ID:         r.ID,
		SenderID:   r.SenderID,
		ReceiverID: r.ReceiverID,
		Content:    r.Content,
		SentAt:     r.SentAt.UTC(),
		Read:       r.Read,
	}
}

type messageRepository struct {
	db *sqlx.DB
}

var _ message.Repository = (*messageRepository)(nil) // interface compliance check

func NewMessageRepository(db *sqlx.DB) *messageRepository {
	return &messageRepository{db: db}
}

// trapSchemaErr turns the errors of a missing messages schema into a core shutdown error:
// no request can be served until the migrations are run.
func trapSchemaErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUndefinedTable, pqUndefinedFunction:
			return core.NewShutdownError("messages schema missing, run the migrations: " + pqErr.Message)
		}
	}
	return err
}

// validIDs reports whether every id is a UUID; the store rejects anything else.
func validIDs(ids ...string) bool {
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return false
		}
	}
	return true
}

func (repo *messageRepository) GetConversations(ctx context.Context, userID string) ([]message.Conversation, error) {
	if !validIDs(userID) {
		return []message.Conversation{}, nil
	}

	var rows []conversationRow
	if err := repo.db.SelectContext(ctx, &rows, `SELECT * FROM get_user_conversations($1)`, userID); err != nil {
		return nil, errors.Wrap(trapSchemaErr(err), "selecting conversations")
	}

	convs := make([]message.Conversation, 0, len(rows))
	for _, r := range rows {
		convs = append(convs, message.Conversation{
			ContactID:     r.ContactID,
			FirstName:     r.FirstName.String,
			LastName:      r.LastName.String,
			AvatarURL:     r.AvatarURL.String,
			LatestMessage: r.LatestMessage.String,
			LatestSentAt:  r.LatestSentAt.Time.UTC(),
			UnreadCount:   r.UnreadCount,
		})
	}
	return convs, nil
}

func (repo *messageRepository) GetConversationMessages(ctx context.Context, user1ID, user2ID string) ([]message.Message, error) {
	if !validIDs(user1ID, user2ID) {
		return []message.Message{}, nil
	}

	var rows []threadRow
	if err := repo.db.SelectContext(ctx, &rows, `SELECT * FROM get_conversation_messages($1, $2)`, user1ID, user2ID); err != nil {
		return nil, errors.Wrap(trapSchemaErr(err), "selecting conversation messages")
	}

	msgs := make([]message.Message, 0, len(rows))
	for _, r := range rows {
		m := message.Message{
			ID:         r.ID,
			SenderID:   user2ID,
			ReceiverID: user1ID,
			Content:    r.Content,
			SentAt:     r.SentAt.UTC(),
			Read:       r.Read,
		}
		// is_sender is relative to user1
		if r.IsSender {
			m.SenderID, m.ReceiverID = user1ID, user2ID
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (repo *messageRepository) InsertMessage(ctx context.Context, msg message.Message) (message.Message, error) {
	if !validIDs(msg.SenderID, msg.ReceiverID) {
		return message.Message{}, errors.Errorf("invalid participants %q -> %q", msg.SenderID, msg.ReceiverID)
	}

	q := `INSERT INTO messages (sender_id, receiver_id, content)
		VALUES (:sender_id, :receiver_id, :content)
		RETURNING id, sender_id, receiver_id, content, sent_at, read`
	q, args, err := sqlx.Named(q, messageRow{SenderID: msg.SenderID, ReceiverID: msg.ReceiverID, Content: msg.Content})
	if err != nil {
		return message.Message{}, errors.Wrap(err, "binding message")
	}

	var row messageRow
	if err = repo.db.GetContext(ctx, &row, repo.db.Rebind(q), args...); err != nil {
		return message.Message{}, errors.Wrap(trapSchemaErr(err), "inserting message")
	}
	return row.toMessage(), nil
}

func (repo *messageRepository) MarkRead(ctx context.Context, receiverID, senderID string) (int, error) {
	if !validIDs(receiverID, senderID) {
		return 0, nil
	}

	res, err := repo.db.ExecContext(
		ctx,
		`UPDATE messages SET read = TRUE WHERE receiver_id = $1 AND sender_id = $2 AND NOT read`,
		receiverID, senderID,
	)
	if err != nil {
		return 0, errors.Wrap(trapSchemaErr(err), "marking messages as read")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "counting messages marked as read")
	}
	return int(n), nil
}
