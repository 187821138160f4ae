package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snatchd/snatchd/pkg/types"
)

func newTestSettings(t *testing.T) *Settings {
	t.Helper()
	dir := t.TempDir()
	return NewSettings(filepath.Join(dir, "tg.json"), filepath.Join(dir, "cf.json"))
}

func TestTelegramPostsMarkdownMessage(t *testing.T) {
	var gotPath string
	var gotPayload map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	settings := newTestSettings(t)
	require.NoError(t, settings.SaveTelegram(types.TelegramConfig{BotToken: "123:abc", ChatID: "42"}))

	sink := NewTelegramSink(settings)
	sink.baseURL = ts.URL
	sink.Telegram("🎉 snatched demo-vm")

	assert.Equal(t, "/bot123:abc/sendMessage", gotPath)
	assert.Equal(t, "42", gotPayload["chat_id"])
	assert.Equal(t, "🎉 snatched demo-vm", gotPayload["text"])
	assert.Equal(t, "Markdown", gotPayload["parse_mode"])
}

func TestTelegramSkipsWhenUnconfigured(t *testing.T) {
	called := false
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer ts.Close()

	sink := NewTelegramSink(newTestSettings(t))
	sink.baseURL = ts.URL
	sink.Telegram("should not send")
	assert.False(t, called)
}

func TestTelegramSendFailureDoesNotPanic(t *testing.T) {
	settings := newTestSettings(t)
	require.NoError(t, settings.SaveTelegram(types.TelegramConfig{BotToken: "123:abc", ChatID: "42"}))

	sink := NewTelegramSink(settings)
	sink.baseURL = "http://127.0.0.1:1" // nothing listens here
	sink.Telegram("best effort only")
}

func TestSettingsRoundTrip(t *testing.T) {
	settings := newTestSettings(t)

	// Missing files read as empty configs.
	tg, err := settings.Telegram()
	require.NoError(t, err)
	assert.Empty(t, tg.BotToken)

	require.NoError(t, settings.SaveCloudflare(types.CloudflareConfig{
		APIToken: "cf-token", ZoneID: "zone-1", Domain: "example.com",
	}))
	cf, err := settings.Cloudflare()
	require.NoError(t, err)
	assert.Equal(t, "example.com", cf.Domain)
}

func TestCloudflareUnconfiguredReturnsSkipLine(t *testing.T) {
	binder := NewCloudflareBinder(newTestSettings(t))
	line := binder.UpsertA("demo-vm", "203.0.113.7")
	assert.Contains(t, line, "not configured")
}
