package message

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Brhansenane/academy-control-panel/core"
)

var nowFunc = time.Now // mockable

const maxNotices = 20

// Notice kinds
const (
	NoticeFetchFailed        = "fetch_failed"
	NoticeSendFailed         = "send_failed"
	NoticeMarkReadFailed     = "mark_read_failed"
	NoticeSubscriptionFailed = "subscription_failed"
)

type (
	// Notice is a non fatal failure to show the user.
	Notice struct {
		Kind    string    `json:"kind"`
		Message string    `json:"message"`
		At      time.Time `json:"at"`
	}

	// State is a snapshot of a View.
	State struct {
		UserID     string         `json:"user_id"`
		Contacts   []Conversation `json:"contacts"`
		SelectedID string         `json:"selected_id,omitempty"`
		Thread     []ThreadEntry  `json:"thread"`
		Sending    bool           `json:"sending"`
		Live       bool           `json:"live"`
		Notices    []Notice       `json:"notices,omitempty"`
	}

	pendingSend struct {
		contactID string
		entry     ThreadEntry
	}
)

// View is the messaging screen of one authenticated user: the contact list, the selected thread
// and the live subscription keeping them fresh. Only the most recently requested load of each
// is ever applied; nothing changes once the View is closed.
type View struct {
	svc    *Service
	broker Broker
	userID string
	logger core.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc
	changes    chan struct{}
	wg         sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	sub      Subscription
	contacts []Conversation
	selected string
	thread   []ThreadEntry // confirmed entries of the selected thread
	pending  *pendingSend
	notices  []Notice

	contactsGen    uint64
	contactsCancel context.CancelFunc
	threadGen      uint64
	threadCancel   context.CancelFunc
	// contactsGen at the time the unread count of a contact was reset locally
	unreadResetAt map[string]uint64
}

// NewView returns the View of userID. broker may be nil, in which case the View is never live.
func NewView(svc *Service, broker Broker, userID string, logger core.Logger) (*View, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrNotAuthenticated
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &View{
		svc:           svc,
		broker:        broker,
		userID:        userID,
		logger:        logger,
		baseCtx:       ctx,
		cancelBase:    cancel,
		changes:       make(chan struct{}, 1),
		unreadResetAt: make(map[string]uint64),
	}, nil
}

func (v *View) UserID() string { return v.userID }

// Changes receives a value whenever the State changed since the last receive. It is closed by Close.
func (v *View) Changes() <-chan struct{} { return v.changes }

// must hold v.mu
func (v *View) notify() {
	if v.closed {
		return
	}
	select {
	case v.changes <- struct{}{}:
	default: // a change is already signaled
	}
}

// must hold v.mu
func (v *View) addNotice(kind string, err error) {
	v.notices = append(v.notices, Notice{Kind: kind, Message: err.Error(), At: nowFunc().UTC()})
	if len(v.notices) > maxNotices {
		v.notices = v.notices[len(v.notices)-maxNotices:]
	}
}

// Open subscribes to the user's incoming messages and loads the contact list.
func (v *View) Open(ctx context.Context) error {
	return v.Activate(ctx)
}

// Activate (re)subscribes if the View is not live, then refreshes the contact list and the selected thread.
// A failed subscription is reported as a Notice: the View keeps working without live updates.
func (v *View) Activate(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrViewClosed
	}
	needSub := v.sub == nil && v.broker != nil
	v.mu.Unlock()

	if needSub {
		v.subscribe()
	}

	err := v.RefreshContacts(ctx)
	if selected := v.Selected(); selected != "" {
		if tErr := v.loadThread(ctx, selected); err == nil {
			err = tErr
		}
	}
	return err
}

func (v *View) subscribe() {
	sub, err := v.broker.Subscribe(v.baseCtx, v.userID)

	v.mu.Lock()
	defer v.mu.Unlock()

	if err != nil {
		if !v.closed {
			v.logger.Warn(fmt.Sprintf("subscribing to messages of %s: %v", v.userID, err), err)
			v.addNotice(NoticeSubscriptionFailed, newStoreError("subscribing", ErrSubscriptionFailed, err))
			v.notify()
		}
		return
	}
	if v.closed || v.sub != nil { // closed or subscribed concurrently
		_ = sub.Close()
		return
	}
	v.sub = sub
	v.wg.Add(1)
	go v.listen(sub)
	v.notify()
}

func (v *View) listen(sub Subscription) {
	defer v.wg.Done()

	for ev := range sub.Events() {
		v.handleInsert(ev)
	}

	// the subscription was closed or lost
	v.mu.Lock()
	if v.sub == sub {
		v.sub = nil
		v.notify()
	}
	v.mu.Unlock()
}

func (v *View) handleInsert(ev InsertEvent) {
	if ev.Message.ReceiverID != v.userID {
		return
	}
	_ = v.RefreshContacts(v.baseCtx)

	// whatever is selected now, not when the message was sent
	if selected := v.Selected(); selected != "" && selected == ev.Message.Counterpart(v.userID) {
		_ = v.loadThread(v.baseCtx, selected)
	}
}

// RefreshContacts reloads the contact list. On failure the previous list is kept and a Notice is added.
func (v *View) RefreshContacts(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrViewClosed
	}
	v.contactsGen++
	gen := v.contactsGen
	if v.contactsCancel != nil {
		v.contactsCancel()
	}
	lctx, cancel := context.WithCancel(ctx)
	v.contactsCancel = cancel
	v.mu.Unlock()
	defer cancel()

	convs, err := v.svc.Conversations(lctx, v.userID)

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed || gen != v.contactsGen { // superseded
		return nil
	}
	v.contactsCancel = nil
	if err != nil {
		v.addNotice(NoticeFetchFailed, err)
		v.notify()
		return err
	}

	// loaded before a local unread reset: the reset still holds
	for i := range convs {
		if resetAt, ok := v.unreadResetAt[convs[i].ContactID]; ok {
			if gen <= resetAt {
				convs[i].UnreadCount = 0
			} else {
				delete(v.unreadResetAt, convs[i].ContactID)
			}
		}
	}
	v.contacts = convs
	v.notify()
	return nil
}

// Select opens the thread with contactID. Loads of previously selected threads are cancelled and ignored.
func (v *View) Select(ctx context.Context, contactID string) error {
	contactID = strings.TrimSpace(contactID)
	if err := checkPair(v.userID, contactID); err != nil {
		return err
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrViewClosed
	}
	if v.selected != contactID {
		v.selected = contactID
		v.thread = nil
		v.notify()
	}
	v.mu.Unlock()

	return v.loadThread(ctx, contactID)
}

// Reload reloads the selected thread, if any.
func (v *View) Reload(ctx context.Context) error {
	selected := v.Selected()
	if selected == "" {
		return ErrNoCorrespondent
	}
	return v.loadThread(ctx, selected)
}

func (v *View) loadThread(ctx context.Context, contactID string) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrViewClosed
	}
	v.threadGen++
	gen := v.threadGen
	if v.threadCancel != nil {
		v.threadCancel()
	}
	lctx, cancel := context.WithCancel(ctx)
	v.threadCancel = cancel
	v.mu.Unlock()
	defer cancel()

	entries, err := v.svc.Thread(lctx, v.userID, contactID)

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed || gen != v.threadGen || v.selected != contactID { // superseded
		return nil
	}
	v.threadCancel = nil
	if err != nil && !errors.Is(err, ErrMarkReadFailed) {
		// keep the stale thread
		v.addNotice(NoticeFetchFailed, err)
		v.notify()
		return err
	}

	v.thread = entries
	if err != nil {
		v.addNotice(NoticeMarkReadFailed, err)
	} else {
		v.resetUnread(contactID)
	}
	v.notify()
	return err
}

// must hold v.mu
func (v *View) resetUnread(contactID string) {
	for i := range v.contacts {
		if v.contacts[i].ContactID == contactID {
			v.contacts[i].UnreadCount = 0
		}
	}
	v.unreadResetAt[contactID] = v.contactsGen
}

// Send sends content to the selected contact. The message shows in the thread as pending right away;
// it is replaced by the stored message once confirmed or dropped if the store rejects it.
// Only one message can be sent at a time.
func (v *View) Send(ctx context.Context, content string) (Message, error) {
	content = strings.TrimSpace(content)

	v.mu.Lock()
	switch {
	case v.closed:
		v.mu.Unlock()
		return Message{}, ErrViewClosed
	case v.selected == "":
		v.mu.Unlock()
		return Message{}, ErrNoCorrespondent
	case content == "":
		v.mu.Unlock()
		return Message{}, ErrEmptyContent
	case v.pending != nil:
		v.mu.Unlock()
		return Message{}, ErrSendInFlight
	}
	contactID := v.selected
	v.pending = &pendingSend{
		contactID: contactID,
		entry: ThreadEntry{
			ID:       pendingIDPrefix + uuid.NewString(),
			Content:  content,
			SentAt:   nowFunc().UTC(),
			IsSender: true,
			Status:   StatusPending,
		},
	}
	v.notify()
	v.mu.Unlock()

	msg, err := v.svc.Send(ctx, NewMessage{SenderID: v.userID, ReceiverID: contactID, Content: content})

	v.mu.Lock()
	if !v.closed {
		v.pending = nil
	}
	if err != nil {
		if !v.closed && !IsPrecondition(err) {
			v.addNotice(NoticeSendFailed, err)
		}
		v.notify()
		v.mu.Unlock()
		return Message{}, err
	}
	if !v.closed && v.selected == contactID && !v.hasEntry(msg.ID) {
		v.thread = append(v.thread, msg.Entry(v.userID))
		SortThread(v.thread)
	}
	v.notify()
	v.mu.Unlock()

	// reconcile with the store
	if v.Selected() == contactID {
		_ = v.loadThread(ctx, contactID)
	}
	_ = v.RefreshContacts(ctx)
	return msg, nil
}

// must hold v.mu
func (v *View) hasEntry(id string) bool {
	for _, e := range v.thread {
		if e.ID == id {
			return true
		}
	}
	return false
}

func (v *View) Selected() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.selected
}

// State returns a snapshot of the View. The selected thread includes the pending message, if any.
func (v *View) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state()
}

// must hold v.mu
func (v *View) state() State {
	contacts := make([]Conversation, len(v.contacts))
	copy(contacts, v.contacts)

	thread := make([]ThreadEntry, 0, len(v.thread)+1)
	thread = append(thread, v.thread...)
	if v.pending != nil && v.pending.contactID == v.selected {
		thread = append(thread, v.pending.entry)
		SortThread(thread)
	}

	var notices []Notice
	if len(v.notices) > 0 {
		notices = make([]Notice, len(v.notices))
		copy(notices, v.notices)
	}

	return State{
		UserID:     v.userID,
		Contacts:   contacts,
		SelectedID: v.selected,
		Thread:     thread,
		Sending:    v.pending != nil,
		Live:       v.sub != nil,
		Notices:    notices,
	}
}

// Flush returns a snapshot of the View like State, then forgets its notices: each Notice is flushed once.
func (v *View) Flush() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := v.state()
	v.notices = nil
	return st
}

// TakeNotices returns the notices added since the last call.
func (v *View) TakeNotices() []Notice {
	v.mu.Lock()
	defer v.mu.Unlock()
	notices := v.notices
	v.notices = nil
	return notices
}

// Close unsubscribes and stops every load in flight. It is safe to call more than once.
func (v *View) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	if v.contactsCancel != nil {
		v.contactsCancel()
	}
	if v.threadCancel != nil {
		v.threadCancel()
	}
	sub := v.sub
	v.sub = nil
	v.cancelBase()
	v.mu.Unlock()

	var err error
	if sub != nil {
		err = errors.Wrap(sub.Close(), "closing subscription")
	}
	v.wg.Wait()
	close(v.changes)
	return err
}
