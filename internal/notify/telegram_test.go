package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTelegramNotifier_Disabled(t *testing.T) {
	n, err := NewTelegramNotifier("", 0, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, n)
	assert.NoError(t, n.NotifyEscalation(context.Background(), Escalation{RemoteID: "p1"}))
}

func TestTelegramNotifier_SendsAlert(t *testing.T) {
	var sent []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"desk","username":"desk_bot"}}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			require.NoError(t, r.ParseForm())
			sent = append(sent, r.PostForm.Get("text"))
			assert.Equal(t, "42", r.PostForm.Get("chat_id"))
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	n, err := newTelegramNotifier("123:abc", 42, srv.URL+"/bot%s/%s", srv.Client(), zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, n)

	err = n.NotifyEscalation(context.Background(), Escalation{
		AccountID: "acct", RemoteID: "p1", Text: "I want a refund", Reason: "sensitive topic", Signals: []string{"risk:refund"},
	})
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "I want a refund")
	assert.Contains(t, sent[0], "risk:refund")
}
