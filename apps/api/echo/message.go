package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/Brhansenane/academy-control-panel/core"
	"github.com/Brhansenane/academy-control-panel/core/message"
	"github.com/Brhansenane/academy-control-panel/core/user"
)

type messageApi struct {
	svc      *message.Service
	validate *validator.Validate
}

func registerMessageAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	svc *message.Service,
	usrSvc user.Service,
	validate *validator.Validate,
) {
	api := messageApi{
		svc:      svc,
		validate: validate,
	}

	mg := g.Group("/messages", jwt, activeUserMiddleware(usrSvc))
	mg.POST("", api.send)
	mg.GET("/conversations", api.conversations)
	mg.GET("/conversations/:contactID", api.thread)
	mg.POST("/conversations/:contactID/read", api.markRead)
}

// Handlers

func (api *messageApi) conversations(ctx echo.Context) error {
	usr, err := ctxUser(ctx)
	if err != nil {
		return err
	}

	convs, err := api.svc.Conversations(ctx.Request().Context(), usr.ID)
	if err != nil {
		return errors.Wrap(err, "fetching conversations")
	}
	convs = message.FilterConversations(convs, ctx.QueryParam("search"))
	if convs == nil {
		convs = []message.Conversation{}
	}
	return ctx.JSON(http.StatusOK, convs)
}

func (api *messageApi) thread(ctx echo.Context) error {
	usr, err := ctxUser(ctx)
	if err != nil {
		return err
	}

	entries, err := api.svc.Thread(ctx.Request().Context(), usr.ID, ctx.Param("contactID"))
	resp := ThreadResponse{ContactID: ctx.Param("contactID"), Messages: entries}
	if err != nil {
		if !errors.Is(err, message.ErrMarkReadFailed) {
			return errors.Wrap(err, "fetching thread")
		}
		// the thread is still shown
		resp.MarkReadError = err.Error()
	}
	if resp.Messages == nil {
		resp.Messages = []message.ThreadEntry{}
	}
	return ctx.JSON(http.StatusOK, resp)
}

func (api *messageApi) markRead(ctx echo.Context) error {
	usr, err := ctxUser(ctx)
	if err != nil {
		return err
	}

	n, err := api.svc.MarkRead(ctx.Request().Context(), usr.ID, ctx.Param("contactID"))
	if err != nil {
		return errors.Wrap(err, "marking thread as read")
	}
	return ctx.JSON(http.StatusOK, MarkReadResponse{Updated: n})
}

func (api *messageApi) send(ctx echo.Context) error {
	usr, err := ctxUser(ctx)
	if err != nil {
		return err
	}

	var data message.NewMessage
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewMessage")
	}
	data.SenderID = usr.ID
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	msg, err := api.svc.Send(ctx.Request().Context(), data)
	if err != nil {
		if errors.Is(err, message.ErrReceiverNotFound) {
			return core.NewValidationError(nil, core.FieldError{Field: "receiver_id", Error: err.Error()})
		}
		return errors.Wrap(err, "sending message")
	}
	return ctx.JSON(http.StatusCreated, msg)
}

type (
	ThreadResponse struct {
		ContactID     string                `json:"contact_id"`
		Messages      []message.ThreadEntry `json:"messages"`
		MarkReadError string                `json:"mark_read_error,omitempty"`
	}

	MarkReadResponse struct {
		Updated int `json:"updated"`
	}
)
