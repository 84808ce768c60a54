package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brhansenane/academy-control-panel/core/message"
)

func TestDecodeInsert(t *testing.T) {
	sentAt := time.Date(2021, 3, 4, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		payload string
		want    message.Message
		wantErr bool
	}{
		{
			name:    "notified row",
			payload: `{"id": "m1", "sender_id": "a", "receiver_id": "b", "sent_at": "2021-03-04T12:00:00+02:00", "read": false}`,
			want:    message.Message{ID: "m1", SenderID: "a", ReceiverID: "b", SentAt: sentAt},
		},
		{
			name:    "content is never decoded",
			payload: `{"id": "m1", "sender_id": "a", "receiver_id": "b", "sent_at": "2021-03-04T10:00:00Z", "content": "hi"}`,
			want:    message.Message{ID: "m1", SenderID: "a", ReceiverID: "b", SentAt: sentAt},
		},
		{name: "invalid json", payload: `lol`, wantErr: true},
		{name: "missing id", payload: `{"receiver_id": "b"}`, wantErr: true},
		{name: "missing receiver", payload: `{"id": "m1"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeInsert([]byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
