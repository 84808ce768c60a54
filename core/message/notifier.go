package message

import (
	"context"
	"fmt"
	"net/mail"

	"github.com/Brhansenane/academy-control-panel/core"
	"github.com/Brhansenane/academy-control-panel/core/user"
)

const previewLen = 140

type newMessageData struct {
	ReceiverName string
	SenderName   string
	SenderID     string
	Preview      string
}

// EmailNotifier emails receivers about the messages they get.
type EmailNotifier struct {
	users   user.Service
	mailSvc core.EmailService
	logger  core.Logger
}

var _ Notifier = (*EmailNotifier)(nil)

func NewEmailNotifier(users user.Service, mailSvc core.EmailService, logger core.Logger) *EmailNotifier {
	return &EmailNotifier{users: users, mailSvc: mailSvc, logger: logger}
}

func (n *EmailNotifier) MessageSent(ctx context.Context, msg Message) {
	sender, err := n.users.GetByID(ctx, msg.SenderID)
	if err != nil {
		n.logger.Error(fmt.Sprintf("finding sender of message %s: %v", msg.ID, err), err)
		return
	}
	receiver, err := n.users.GetByID(ctx, msg.ReceiverID)
	if err != nil {
		n.logger.Error(fmt.Sprintf("finding receiver of message %s: %v", msg.ID, err), err)
		return
	}
	if receiver.Email == "" || !receiver.Active() {
		return
	}

	n.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: receiver.FullName(), Address: receiver.Email}},
		Subject:      "New message from " + sender.FullName(),
		TemplateName: "new_message",
		TemplateData: newMessageData{
			ReceiverName: receiver.FirstName,
			SenderName:   sender.FullName(),
			SenderID:     sender.ID,
			Preview:      msg.Preview(previewLen),
		},
	})
}
