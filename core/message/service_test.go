package message_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brhansenane/academy-control-panel/core/message"
	"github.com/Brhansenane/academy-control-panel/core/user"
	logsvc "github.com/Brhansenane/academy-control-panel/services/logger"
	"github.com/Brhansenane/academy-control-panel/services/realtime"
	inmemdb "github.com/Brhansenane/academy-control-panel/storage/database/inmem"
	testutil "github.com/Brhansenane/academy-control-panel/tests"
)

var errStore = errors.New("connection refused")

// stub repo ops
const (
	opConversations = "conversations"
	opThread        = "thread"
	opInsert        = "insert"
	opMarkRead      = "markread"
)

// gate holds a repo call until released.
type gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) wait(ctx context.Context) error {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stubRepo is an in-memory Repository whose calls can fail or be held.
type stubRepo struct {
	message.Repository

	mu    sync.Mutex
	errs  map[string]error
	gates map[string]*gate // by op, or op:contactID
	calls map[string]int
}

func newStubRepo(db *inmemdb.DB) *stubRepo {
	return &stubRepo{
		Repository: inmemdb.NewMessageRepository(db),
		errs:       make(map[string]error),
		gates:      make(map[string]*gate),
		calls:      make(map[string]int),
	}
}

func (r *stubRepo) fail(op string, err error) {
	r.mu.Lock()
	r.errs[op] = err
	r.mu.Unlock()
}

func (r *stubRepo) hold(key string) *gate {
	g := newGate()
	r.mu.Lock()
	r.gates[key] = g
	r.mu.Unlock()
	return g
}

func (r *stubRepo) count(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

func (r *stubRepo) enter(ctx context.Context, op, contactID string) error {
	r.mu.Lock()
	r.calls[op]++
	g, ok := r.gates[op+":"+contactID]
	if !ok {
		g = r.gates[op]
	}
	err := r.errs[op]
	r.mu.Unlock()

	if g != nil {
		if werr := g.wait(ctx); werr != nil {
			return werr
		}
	}
	return err
}

func (r *stubRepo) GetConversations(ctx context.Context, userID string) ([]message.Conversation, error) {
	if err := r.enter(ctx, opConversations, ""); err != nil {
		return nil, err
	}
	return r.Repository.GetConversations(ctx, userID)
}

func (r *stubRepo) GetConversationMessages(ctx context.Context, user1ID, user2ID string) ([]message.Message, error) {
	if err := r.enter(ctx, opThread, user2ID); err != nil {
		return nil, err
	}
	return r.Repository.GetConversationMessages(ctx, user1ID, user2ID)
}

func (r *stubRepo) InsertMessage(ctx context.Context, msg message.Message) (message.Message, error) {
	if err := r.enter(ctx, opInsert, msg.ReceiverID); err != nil {
		return message.Message{}, err
	}
	return r.Repository.InsertMessage(ctx, msg)
}

func (r *stubRepo) MarkRead(ctx context.Context, receiverID, senderID string) (int, error) {
	if err := r.enter(ctx, opMarkRead, senderID); err != nil {
		return 0, err
	}
	return r.Repository.MarkRead(ctx, receiverID, senderID)
}

type notifierMock struct {
	mu   sync.Mutex
	sent []message.Message
}

func (n *notifierMock) MessageSent(_ context.Context, msg message.Message) {
	n.mu.Lock()
	n.sent = append(n.sent, msg)
	n.mu.Unlock()
}

type fixture struct {
	db       *inmemdb.DB
	repo     *stubRepo
	users    user.Service
	hub      *realtime.Hub
	notifier *notifierMock
	svc      *message.Service

	alice, bob, carol string
	dave              string // deactivated
	t0                time.Time
}

// alice <-> bob: 3 messages, the last 2 unread by alice
// alice <-> carol: 1 message, unread by carol
func newFixture(t *testing.T) *fixture {
	logger := logsvc.NewLoggerMock()
	f := &fixture{
		db:       inmemdb.Open(),
		hub:      realtime.NewHub(8, logger),
		notifier: new(notifierMock),
		t0:       time.Date(2021, 3, 4, 10, 0, 0, 0, time.UTC),
	}
	usrRepo := inmemdb.NewUserRepository(f.db)
	f.users = user.NewService(nil, usrRepo)
	f.alice = testutil.CreateUser(t, usrRepo, "Alice", "Teacher", "alice@test.cd", "", []string{user.RoleTeacher}, true).ID
	f.bob = testutil.CreateUser(t, usrRepo, "Bob", "Student", "bob@test.cd", "", []string{user.RoleStudent}, true).ID
	f.carol = testutil.CreateUser(t, usrRepo, "Carol", "Parent", "carol@test.cd", "", nil, true).ID
	f.dave = testutil.CreateUser(t, usrRepo, "Dave", "Student", "dave@test.cd", "", []string{user.RoleStudent}, false).ID

	f.repo = newStubRepo(f.db)
	f.svc = message.NewService(f.repo, f.users, f.hub, f.notifier, logger)
	t.Cleanup(func() { _ = f.hub.Close() })

	f.db.SeedMessages(
		message.Message{SenderID: f.alice, ReceiverID: f.bob, Content: "Hi Bob", SentAt: f.t0, Read: true},
		message.Message{SenderID: f.bob, ReceiverID: f.alice, Content: "Hi Alice", SentAt: f.t0.Add(time.Minute)},
		message.Message{SenderID: f.bob, ReceiverID: f.alice, Content: "How are you?", SentAt: f.t0.Add(2 * time.Minute)},
		message.Message{SenderID: f.alice, ReceiverID: f.carol, Content: "Meeting at 3", SentAt: f.t0.Add(time.Hour)},
	)
	return f
}

type failingDirectory struct{}

func (failingDirectory) GetByID(context.Context, string) (user.User, error) {
	return user.User{}, errStore
}

type dupRepo struct {
	message.Repository
	convs []message.Conversation
}

func (r dupRepo) GetConversations(context.Context, string) ([]message.Conversation, error) {
	return r.convs, nil
}

func TestService_Conversations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("not authenticated", func(t *testing.T) {
		convs, err := f.svc.Conversations(ctx, "")
		assert.NoError(t, err)
		assert.Empty(t, convs)
		assert.Zero(t, f.repo.count(opConversations), "no store call")
	})

	t.Run("most recent first", func(t *testing.T) {
		convs, err := f.svc.Conversations(ctx, f.alice)
		require.NoError(t, err)
		require.Len(t, convs, 2)
		assert.Equal(t, f.carol, convs[0].ContactID)
		assert.Equal(t, "Meeting at 3", convs[0].LatestMessage)
		assert.Zero(t, convs[0].UnreadCount)
		assert.Equal(t, f.bob, convs[1].ContactID)
		assert.Equal(t, "How are you?", convs[1].LatestMessage)
		assert.Equal(t, 2, convs[1].UnreadCount)
	})

	t.Run("fetch failure", func(t *testing.T) {
		f.repo.fail(opConversations, errStore)
		defer f.repo.fail(opConversations, nil)

		_, err := f.svc.Conversations(ctx, f.alice)
		assert.True(t, errors.Is(err, message.ErrFetchFailed))
		assert.True(t, errors.Is(err, errStore))
		assert.True(t, message.IsRetryable(err))
	})

	t.Run("one entry per contact", func(t *testing.T) {
		svc := message.NewService(dupRepo{convs: []message.Conversation{
			{ContactID: f.bob, LatestMessage: "old", LatestSentAt: f.t0, UnreadCount: 1},
			{ContactID: f.alice, LatestMessage: "self", LatestSentAt: f.t0.Add(3 * time.Hour)},
			{ContactID: f.carol, LatestMessage: "carol", LatestSentAt: f.t0.Add(time.Hour)},
			{ContactID: "", LatestMessage: "ghost", LatestSentAt: f.t0.Add(4 * time.Hour)},
			{ContactID: f.bob, LatestMessage: "new", LatestSentAt: f.t0.Add(2 * time.Hour), UnreadCount: 2},
		}}, f.users, nil, nil, logsvc.NewLoggerMock())

		convs, err := svc.Conversations(ctx, f.alice)
		require.NoError(t, err)
		require.Len(t, convs, 2)
		assert.Equal(t, message.Conversation{ContactID: f.bob, LatestMessage: "new", LatestSentAt: f.t0.Add(2 * time.Hour), UnreadCount: 3}, convs[0])
		assert.Equal(t, f.carol, convs[1].ContactID)
	})
}

func TestService_Thread(t *testing.T) {
	ctx := context.Background()

	t.Run("preconditions", func(t *testing.T) {
		f := newFixture(t)
		tests := []struct {
			name      string
			userID    string
			contactID string
			wantErr   error
		}{
			{name: "not authenticated", contactID: f.bob, wantErr: message.ErrNotAuthenticated},
			{name: "no correspondent", userID: f.alice, wantErr: message.ErrNoCorrespondent},
			{name: "self", userID: f.alice, contactID: f.alice, wantErr: message.ErrSelfCorrespondent},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := f.svc.Thread(ctx, tt.userID, tt.contactID)
				assert.Equal(t, tt.wantErr, err)
				assert.True(t, message.IsPrecondition(err))
			})
		}
		assert.Zero(t, f.repo.count(opThread), "no store call")
	})

	t.Run("oldest first; marked as read", func(t *testing.T) {
		f := newFixture(t)
		entries, err := f.svc.Thread(ctx, f.alice, f.bob)
		require.NoError(t, err)
		require.Len(t, entries, 3)

		contents := []string{entries[0].Content, entries[1].Content, entries[2].Content}
		assert.Equal(t, []string{"Hi Bob", "Hi Alice", "How are you?"}, contents)
		assert.True(t, entries[0].IsSender)
		assert.False(t, entries[1].IsSender)
		for _, e := range entries {
			assert.True(t, e.Read)
			assert.Equal(t, message.StatusConfirmed, e.Status)
		}
		assert.Equal(t, 1, f.repo.count(opMarkRead))

		convs, err := f.svc.Conversations(ctx, f.alice)
		require.NoError(t, err)
		assert.Zero(t, convs[1].UnreadCount)

		// nothing left to mark
		_, err = f.svc.Thread(ctx, f.alice, f.bob)
		require.NoError(t, err)
		assert.Equal(t, 1, f.repo.count(opMarkRead))
	})

	t.Run("the sender's view does not mark", func(t *testing.T) {
		f := newFixture(t)
		entries, err := f.svc.Thread(ctx, f.alice, f.carol)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.False(t, entries[0].Read)
		assert.Zero(t, f.repo.count(opMarkRead))
	})

	t.Run("fetch failure", func(t *testing.T) {
		f := newFixture(t)
		f.repo.fail(opThread, errStore)

		entries, err := f.svc.Thread(ctx, f.alice, f.bob)
		assert.Nil(t, entries)
		assert.True(t, errors.Is(err, message.ErrFetchFailed))
	})

	t.Run("mark read failure keeps the thread", func(t *testing.T) {
		f := newFixture(t)
		f.repo.fail(opMarkRead, errStore)

		entries, err := f.svc.Thread(ctx, f.alice, f.bob)
		assert.True(t, errors.Is(err, message.ErrMarkReadFailed))
		require.Len(t, entries, 3)
		assert.False(t, entries[2].Read)
	})
}

func TestService_MarkRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	n, err := f.svc.MarkRead(ctx, f.alice, f.bob)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.svc.MarkRead(ctx, f.alice, f.bob)
	require.NoError(t, err)
	assert.Zero(t, n, "idempotent")

	_, err = f.svc.MarkRead(ctx, f.alice, f.alice)
	assert.Equal(t, message.ErrSelfCorrespondent, err)
}

func TestService_Send(t *testing.T) {
	ctx := context.Background()

	t.Run("preconditions", func(t *testing.T) {
		f := newFixture(t)
		tests := []struct {
			name    string
			nm      message.NewMessage
			wantErr error
		}{
			{name: "not authenticated", nm: message.NewMessage{ReceiverID: f.bob, Content: "hi"}, wantErr: message.ErrNotAuthenticated},
			{name: "no receiver", nm: message.NewMessage{SenderID: f.alice, Content: "hi"}, wantErr: message.ErrNoCorrespondent},
			{name: "self", nm: message.NewMessage{SenderID: f.alice, ReceiverID: f.alice, Content: "hi"}, wantErr: message.ErrSelfCorrespondent},
			{name: "empty content", nm: message.NewMessage{SenderID: f.alice, ReceiverID: f.bob, Content: " \n "}, wantErr: message.ErrEmptyContent},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := f.svc.Send(ctx, tt.nm)
				assert.Equal(t, tt.wantErr, err)
			})
		}
		assert.Zero(t, f.repo.count(opInsert), "no store call")
		assert.Empty(t, f.notifier.sent)
	})

	t.Run("stored, announced and notified", func(t *testing.T) {
		f := newFixture(t)
		sub, err := f.hub.Subscribe(ctx, f.bob)
		require.NoError(t, err)
		defer sub.Close()

		msg, err := f.svc.Send(ctx, message.NewMessage{SenderID: f.alice, ReceiverID: f.bob, Content: "  Fine, thanks  "})
		require.NoError(t, err)
		assert.NotEmpty(t, msg.ID)
		assert.Equal(t, "Fine, thanks", msg.Content)
		assert.False(t, msg.Read)
		assert.False(t, msg.SentAt.IsZero())

		select {
		case ev := <-sub.Events():
			assert.Equal(t, msg, ev.Message)
		case <-time.After(time.Second):
			t.Fatal("insert not announced")
		}
		assert.Equal(t, []message.Message{msg}, f.notifier.sent)
	})

	t.Run("receiver must be an active user", func(t *testing.T) {
		f := newFixture(t)
		tests := []struct {
			name       string
			receiverID string
		}{
			{name: "unknown", receiverID: uuid.NewString()},
			{name: "deactivated", receiverID: f.dave},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := f.svc.Send(ctx, message.NewMessage{SenderID: f.alice, ReceiverID: tt.receiverID, Content: "hi"})
				assert.Equal(t, message.ErrReceiverNotFound, err)
				assert.True(t, message.IsPrecondition(err))
			})
		}
		assert.Zero(t, f.repo.count(opInsert), "no store call")
		assert.Empty(t, f.notifier.sent)
	})

	t.Run("directory failure", func(t *testing.T) {
		f := newFixture(t)
		svc := message.NewService(f.repo, failingDirectory{}, f.hub, f.notifier, logsvc.NewLoggerMock())

		_, err := svc.Send(ctx, message.NewMessage{SenderID: f.alice, ReceiverID: f.bob, Content: "hi"})
		assert.True(t, errors.Is(err, message.ErrSendFailed))
		assert.True(t, errors.Is(err, errStore))
		assert.Zero(t, f.repo.count(opInsert))
	})

	t.Run("store failure", func(t *testing.T) {
		f := newFixture(t)
		f.repo.fail(opInsert, errStore)

		_, err := f.svc.Send(ctx, message.NewMessage{SenderID: f.alice, ReceiverID: f.bob, Content: "hi"})
		assert.True(t, errors.Is(err, message.ErrSendFailed))
		assert.False(t, message.IsRetryable(err), "the insert might have gone through")
		assert.Empty(t, f.notifier.sent)
	})
}
