package echoapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/Brhansenane/academy-control-panel/core"
	"github.com/Brhansenane/academy-control-panel/core/message"
	"github.com/Brhansenane/academy-control-panel/core/user"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxCommandSize = 8 << 10
	commandTimeout = 30 * time.Second
)

// live commands
const (
	cmdSelect  = "select"
	cmdSend    = "send"
	cmdRefresh = "refresh"
	cmdReload  = "reload"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // authenticated by token
}

type (
	// liveCommand is a frame sent by the client.
	liveCommand struct {
		Type      string `json:"type"`
		ContactID string `json:"contact_id,omitempty"`
		Content   string `json:"content,omitempty"`
	}

	// liveFrame is a frame sent to the client.
	liveFrame struct {
		Type    string         `json:"type"` // state | error
		State   *message.State `json:"state,omitempty"`
		Command string         `json:"command,omitempty"`
		Error   string         `json:"error,omitempty"`
	}
)

type liveApi struct {
	svc      *message.Service
	broker   message.Broker
	logger   core.Logger
	sessions *sessionRegistry
}

func registerLiveAPI(
	g *echo.Group,
	auth *authenticator,
	svc *message.Service,
	usrSvc user.Service,
	broker message.Broker,
	logger core.Logger,
	sessions *sessionRegistry,
) {
	api := liveApi{
		svc:      svc,
		broker:   broker,
		logger:   logger,
		sessions: sessions,
	}
	g.GET("/messages/live", api.serve, auth.queryJWT(), activeUserMiddleware(usrSvc))
}

// serve upgrades the request to a websocket streaming the messaging View of the authenticated user.
func (api *liveApi) serve(ctx echo.Context) error {
	usr, err := ctxUser(ctx)
	if err != nil {
		return err
	}
	view, err := message.NewView(api.svc, api.broker, usr.ID, api.logger)
	if err != nil {
		return errors.Wrap(err, "creating view")
	}

	conn, err := upgrader.Upgrade(ctx.Response(), ctx.Request(), nil)
	if err != nil {
		_ = view.Close()
		return nil // the upgrader already replied
	}

	sess := &session{
		conn:   conn,
		view:   view,
		logger: api.logger,
		out:    make(chan liveFrame, 8),
		done:   make(chan struct{}),
	}
	api.sessions.add(sess)
	defer api.sessions.remove(sess)

	sess.run()
	return nil
}

// session is one live connection; it owns its View.
type session struct {
	conn   *websocket.Conn
	view   *message.View
	logger core.Logger
	out    chan liveFrame // command errors
	done   chan struct{}
	once   sync.Once
}

func (s *session) run() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if err := s.view.Open(ctx); err != nil && !message.IsPrecondition(err) {
			s.logger.Warn(fmt.Sprintf("opening messaging view of %s: %v", s.view.UserID(), err), err)
		}
	}()

	go s.writePump()
	s.readPump()
	s.close()
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		if err := s.view.Close(); err != nil {
			s.logger.Warn(fmt.Sprintf("closing messaging view of %s: %v", s.view.UserID(), err), err)
		}
		_ = s.conn.Close()
	})
}

func (s *session) readPump() {
	s.conn.SetReadLimit(maxCommandSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error { return s.conn.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		var cmd liveCommand
		if err := s.conn.ReadJSON(&cmd); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				s.reply(liveFrame{Type: "error", Error: "invalid command"})
				continue
			}
			return // closed or unreadable connection
		}
		// commands are handled one at a time, in order
		s.handle(cmd)
	}
}

func (s *session) handle(cmd liveCommand) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	switch cmd.Type {
	case cmdSelect:
		err = s.view.Select(ctx, cmd.ContactID)
	case cmdSend:
		_, err = s.view.Send(ctx, cmd.Content)
	case cmdRefresh:
		err = s.view.Activate(ctx)
	case cmdReload:
		err = s.view.Reload(ctx)
	default:
		err = errors.Errorf("unsupported command %q", cmd.Type)
	}
	// store failures reach the client as notices
	if err != nil && !isNoticed(err) {
		s.reply(liveFrame{Type: "error", Command: cmd.Type, Error: err.Error()})
	}
}

func isNoticed(err error) bool {
	var serr *message.StoreError
	return errors.As(err, &serr)
}

func (s *session) reply(f liveFrame) {
	select {
	case s.out <- f:
	case <-s.done:
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	write := func(f liveFrame) bool {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return s.conn.WriteJSON(f) == nil
	}

	for {
		select {
		case _, ok := <-s.view.Changes():
			if !ok { // view closed
				_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			st := s.view.Flush()
			if !write(liveFrame{Type: "state", State: &st}) {
				return
			}
		case f := <-s.out:
			if !write(f) {
				return
			}
		case <-s.done:
			return
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sessionRegistry tracks the open sessions so that they can be closed on shutdown.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[*session]struct{}
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[*session]struct{})}
}

func (r *sessionRegistry) add(s *session) {
	r.mu.Lock()
	r.sessions[s] = struct{}{}
	r.mu.Unlock()
}

func (r *sessionRegistry) remove(s *session) {
	r.mu.Lock()
	delete(r.sessions, s)
	r.mu.Unlock()
}

func (r *sessionRegistry) closeAll() {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}
