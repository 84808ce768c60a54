package core_test

import (
	"io/fs"
	"net/mail"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brhansenane/academy-control-panel/core"
	appfs "github.com/Brhansenane/academy-control-panel/fs"
	logsvc "github.com/Brhansenane/academy-control-panel/services/logger"
	testutil "github.com/Brhansenane/academy-control-panel/tests"
)

func TestEmbeddedEmailTemplates(t *testing.T) {
	for _, name := range []string{"_base.txt", "_base.gohtml", "new_message.txt", "new_message.gohtml"} {
		t.Run(name, func(t *testing.T) {
			_, err := fs.Stat(appfs.FS, "assets/templates/email/"+name)
			assert.NoError(t, err)
		})
	}
}

func TestEmailMessage_Render(t *testing.T) {
	conf := testutil.Config()
	conf.FrontendBaseURL = "https://academy.test"
	core.ParseEmailTemplates(conf, logsvc.NewLoggerMock())

	data := struct {
		ReceiverName string
		SenderName   string
		SenderID     string
		Preview      string
	}{
		ReceiverName: "Jane",
		SenderName:   "Hero Student",
		SenderID:     "b0c8a6a4-58a9-4f0e-9d5a-0e5d35c2c001",
		Preview:      "Can I hand in my homework <tomorrow>?",
	}

	t.Run("new_message", func(t *testing.T) {
		msg := &core.EmailMessage{
			To:           []mail.Address{{Name: "Jane Teacher", Address: "jane@test.cd"}},
			Subject:      "New message from Hero Student",
			TemplateName: "new_message",
			TemplateData: data,
		}
		require.NoError(t, msg.Render())
		require.True(t, msg.HasContent())

		assert.Contains(t, msg.TextContent, "Hello Jane,")
		assert.Contains(t, msg.TextContent, "Hero Student sent you a new message")
		assert.Contains(t, msg.TextContent, "Can I hand in my homework <tomorrow>?")
		assert.Contains(t, msg.TextContent, "https://academy.test/messages?contact="+data.SenderID)

		assert.Contains(t, msg.HTMLContent, "<strong>Hero Student</strong>")
		assert.Contains(t, msg.HTMLContent, "homework &lt;tomorrow&gt;?")
	})

	t.Run("body string", func(t *testing.T) {
		msg := &core.EmailMessage{BodyStr: "plain", TemplateName: "new_message", TemplateData: data}
		require.NoError(t, msg.Render())
		assert.Equal(t, "plain", msg.TextContent)
		assert.NotEmpty(t, msg.HTMLContent)
	})

	t.Run("unknown template", func(t *testing.T) {
		msg := &core.EmailMessage{TemplateName: "lol"}
		require.NoError(t, msg.Render())
		assert.False(t, msg.HasContent())
	})
}
