package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const callerID = "WSP-AAAA-BBBB-CCCC"

// recorder captures dispatcher sends; implements Sender and VoIPSender.
type recorder struct {
	mu    sync.Mutex
	sends []recordedSend
	voips []map[string]any
	done  chan struct{}
}

type recordedSend struct {
	token, title, body, channel string
	data                        map[string]string
}

func newRecorder(expected int) *recorder {
	return &recorder{done: make(chan struct{}, expected)}
}

func (r *recorder) Send(_ context.Context, token, title, body, channel string, data map[string]string) error {
	r.mu.Lock()
	r.sends = append(r.sends, recordedSend{token, title, body, channel, data})
	r.mu.Unlock()
	r.done <- struct{}{}
	return nil
}

func (r *recorder) SendVoIP(_ context.Context, _ string, payload map[string]any) error {
	r.mu.Lock()
	r.voips = append(r.voips, payload)
	r.mu.Unlock()
	r.done <- struct{}{}
	return nil
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("expected %d dispatches, got %d", n, i)
		}
	}
}

func TestMessagePushIsContentFree(t *testing.T) {
	rec := newRecorder(1)
	d := NewDispatcher(rec, nil)

	d.SendMessagePush(context.Background(), "tok", callerID)
	rec.wait(t, 1)

	send := rec.sends[0]
	assert.Equal(t, "New message", send.title)
	// Only the ID prefix, never content, appears in the body.
	assert.Contains(t, send.body, "WSP-AAAA")
	assert.NotContains(t, send.body, "CCCC")
	assert.Equal(t, "default", send.channel)
}

func TestCallPushUsesCallsChannel(t *testing.T) {
	rec := newRecorder(1)
	d := NewDispatcher(rec, nil)

	d.SendCallPush(context.Background(), "tok", callerID, "call-1", true)
	rec.wait(t, 1)

	send := rec.sends[0]
	assert.Equal(t, "Incoming video call", send.title)
	assert.Equal(t, "calls", send.channel)
	assert.Equal(t, "call-1", send.data["callId"])
}

func TestVoIPPushPayload(t *testing.T) {
	rec := newRecorder(1)
	d := NewDispatcher(newRecorder(0), rec)
	require.True(t, d.VoIPCapable())

	d.SendVoIPPush(context.Background(), "ab12", callerID, "call-1", false, "Alice")
	rec.wait(t, 1)

	payload := rec.voips[0]
	assert.Equal(t, "call", payload["type"])
	assert.Equal(t, callerID, payload["fromWhisperId"])
	assert.Equal(t, "Alice", payload["callerName"])
}

func TestVoIPPushWithoutProviderIsNoop(t *testing.T) {
	d := NewDispatcher(newRecorder(0), nil)
	assert.False(t, d.VoIPCapable())
	// Must not panic or block.
	d.SendVoIPPush(context.Background(), "ab12", callerID, "call-1", false, "")
}

func TestValidExpoToken(t *testing.T) {
	assert.True(t, ValidExpoToken("ExponentPushToken[abc123]"))
	assert.False(t, ValidExpoToken("ExponentPushToken[]"))
	assert.False(t, ValidExpoToken("abc123"))
	assert.False(t, ValidExpoToken(""))
}

func TestValidVoIPToken(t *testing.T) {
	assert.True(t, ValidVoIPToken(strings.Repeat("ab", 32)))
	assert.False(t, ValidVoIPToken("zz"))                    // too short
	assert.False(t, ValidVoIPToken(strings.Repeat("g", 64))) // not hex
	assert.False(t, ValidVoIPToken(strings.Repeat("a", 63))) // odd length
}

func TestExpoClientSend(t *testing.T) {
	var got expoMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewExpoClient(srv.URL)
	err := client.Send(context.Background(), "ExponentPushToken[abc]", "Title", "Body", "calls",
		map[string]string{"type": "call"})
	require.NoError(t, err)

	assert.Equal(t, "ExponentPushToken[abc]", got.To)
	assert.Equal(t, "high", got.Priority)
	assert.Equal(t, "calls", got.ChannelID)
	assert.Equal(t, "call", got.Data["type"])
}

func TestExpoClientRejectsBadToken(t *testing.T) {
	client := NewExpoClient("http://localhost:0")
	err := client.Send(context.Background(), "bogus", "T", "B", "default", nil)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpoClientNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad device token", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewExpoClient(srv.URL)
	err := client.Send(context.Background(), "ExponentPushToken[abc]", "T", "B", "default", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}
