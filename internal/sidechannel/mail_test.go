package sidechannel

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaynode-project/relaynode/internal/config"
)

func TestSendPostsToWebhook(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewWebhookMailer(config.MailConfig{
		Enabled:    true,
		WebhookURL: srv.URL,
		Recipient:  "ops@example.com",
	})

	require.NoError(t, m.Send("bug report", "it broke"))
	require.Equal(t, "ops@example.com", got["to"])
	require.Equal(t, "bug report", got["subject"])
	require.Equal(t, "it broke", got["body"])
}

func TestSendReportsWebhookFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := NewWebhookMailer(config.MailConfig{Enabled: true, WebhookURL: srv.URL})
	require.Error(t, m.Send("bug report", "it broke"))
}

func TestSendDisabledIsNoop(t *testing.T) {
	m := NewWebhookMailer(config.MailConfig{})
	require.NoError(t, m.Send("ignored", "ignored"))
}
