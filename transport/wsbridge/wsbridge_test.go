package wsbridge_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rbaliyan/secmsg"
	"github.com/rbaliyan/secmsg/agent"
	"github.com/rbaliyan/secmsg/clock"
	"github.com/rbaliyan/secmsg/session"
	"github.com/rbaliyan/secmsg/transport/wsbridge"
)

const (
	pageOrigin   = "https://chat.example"
	editorOrigin = "chrome-extension://abcdefghijklmnop"
)

type hub struct {
	server *wsbridge.Server
	url    string
}

func newHub(t *testing.T) *hub {
	t.Helper()
	s := wsbridge.NewServer([]string{pageOrigin, editorOrigin})
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return &hub{server: s, url: "ws" + strings.TrimPrefix(ts.URL, "http")}
}

func (h *hub) dial(t *testing.T, name, origin string) *wsbridge.Client {
	t.Helper()
	c, err := wsbridge.Dial(context.Background(), h.url, name, origin)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (h *hub) waitWindows(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.server.Windows()) == n }, 2*time.Second, 5*time.Millisecond)
}

func echo(seen chan<- agent.Inbound) agent.RawListener {
	return func(_ context.Context, in agent.Inbound) (*secmsg.Envelope, error) {
		seen <- in
		return &secmsg.Envelope{Token: "reply", MessageData: in.Envelope.MessageData}, nil
	}
}

func TestSendReceive(t *testing.T) {
	h := newHub(t)
	page := h.dial(t, "page", pageOrigin)
	editor := h.dial(t, "editor", editorOrigin)
	h.waitWindows(t, 2)

	seen := make(chan agent.Inbound, 1)
	_, err := editor.Listen(echo(seen))
	require.NoError(t, err)

	resp, err := page.Send(context.Background(),
		agent.Destination{Window: "editor", TargetOrigin: editorOrigin},
		secmsg.Envelope{Token: "t", MessageData: "d"})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, secmsg.Envelope{Token: "reply", MessageData: "d"}, resp.Envelope)
	assert.Equal(t, editorOrigin, resp.Source.Origin, "hub stamps the responder's origin")

	in := <-seen
	assert.Equal(t, secmsg.WindowSource(pageOrigin), in.Source)
}

func TestHubStampsSenderOrigin(t *testing.T) {
	h := newHub(t)
	editor := h.dial(t, "editor", editorOrigin)

	header := map[string][]string{"Origin": {pageOrigin}}
	raw, _, err := websocket.DefaultDialer.Dial(h.url+"?window=page", header)
	require.NoError(t, err)
	defer raw.Close()
	h.waitWindows(t, 2)

	seen := make(chan agent.Inbound, 1)
	_, err = editor.Listen(echo(seen))
	require.NoError(t, err)

	require.NoError(t, raw.WriteJSON(map[string]any{
		"type":         "post",
		"id":           "1",
		"window":       "editor",
		"targetOrigin": editorOrigin,
		"from":         editorOrigin,
		"envelope":     map[string]string{"token": "t", "messageData": "d"},
	}))

	select {
	case in := <-seen:
		assert.Equal(t, pageOrigin, in.Source.Origin)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestGarbageFramesIgnored(t *testing.T) {
	h := newHub(t)
	page := h.dial(t, "page", pageOrigin)
	editor := h.dial(t, "editor", editorOrigin)

	header := map[string][]string{"Origin": {pageOrigin}}
	raw, _, err := websocket.DefaultDialer.Dial(h.url+"?window=noise", header)
	require.NoError(t, err)
	defer raw.Close()
	h.waitWindows(t, 3)

	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte(`{"type":"reply","id":"missing"}`)))

	seen := make(chan agent.Inbound, 1)
	_, err = editor.Listen(echo(seen))
	require.NoError(t, err)
	_, err = page.Send(context.Background(),
		agent.Destination{Window: "editor", TargetOrigin: editorOrigin}, secmsg.Envelope{})
	require.NoError(t, err)
}

func TestNoReceiver(t *testing.T) {
	h := newHub(t)
	page := h.dial(t, "page", pageOrigin)
	editor := h.dial(t, "editor", editorOrigin)
	h.waitWindows(t, 2)
	ctx := context.Background()

	_, err := page.Send(ctx, agent.Destination{Window: "editor", TargetOrigin: editorOrigin}, secmsg.Envelope{})
	assert.ErrorIs(t, err, agent.ErrNoReceiver, "no listener")

	_, err = editor.Listen(echo(make(chan agent.Inbound, 4)))
	require.NoError(t, err)

	_, err = page.Send(ctx, agent.Destination{Window: "editor", TargetOrigin: pageOrigin}, secmsg.Envelope{})
	assert.ErrorIs(t, err, agent.ErrNoReceiver, "origin mismatch")

	_, err = page.Send(ctx, agent.Destination{Window: "missing", TargetOrigin: editorOrigin}, secmsg.Envelope{})
	assert.ErrorIs(t, err, agent.ErrNoReceiver, "unknown window")

	_, err = page.Send(ctx, agent.Destination{Window: "editor", TargetOrigin: "*"}, secmsg.Envelope{})
	assert.ErrorIs(t, err, agent.ErrTargetOriginRequired)
}

func TestListenerError(t *testing.T) {
	h := newHub(t)
	page := h.dial(t, "page", pageOrigin)
	editor := h.dial(t, "editor", editorOrigin)
	h.waitWindows(t, 2)

	_, err := editor.Listen(func(context.Context, agent.Inbound) (*secmsg.Envelope, error) {
		return nil, errors.New("clipboard unavailable")
	})
	require.NoError(t, err)

	_, err = page.Send(context.Background(),
		agent.Destination{Window: "editor", TargetOrigin: editorOrigin}, secmsg.Envelope{})
	assert.ErrorIs(t, err, wsbridge.ErrRemote)
	assert.ErrorContains(t, err, "clipboard unavailable")
}

func TestDialRejectsOrigin(t *testing.T) {
	h := newHub(t)
	for _, origin := range []string{"https://evil.example", ""} {
		_, err := wsbridge.Dial(context.Background(), h.url, "page", origin)
		assert.Error(t, err, "origin %q", origin)
	}
	_, err := wsbridge.Dial(context.Background(), h.url, "", pageOrigin)
	assert.Error(t, err)
}

func TestDuplicateWindowName(t *testing.T) {
	h := newHub(t)
	h.dial(t, "page", pageOrigin)
	h.waitWindows(t, 1)

	dup, err := wsbridge.Dial(context.Background(), h.url, "page", pageOrigin)
	require.NoError(t, err)
	defer dup.Close()

	select {
	case <-dup.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("duplicate window not disconnected")
	}
	_, err = dup.Send(context.Background(), agent.Destination{Window: "x", TargetOrigin: pageOrigin}, secmsg.Envelope{})
	assert.ErrorIs(t, err, wsbridge.ErrClosed)
}

func TestTargetDisconnectsWhilePending(t *testing.T) {
	h := newHub(t)
	page := h.dial(t, "page", pageOrigin)
	editor, err := wsbridge.Dial(context.Background(), h.url, "editor", editorOrigin)
	require.NoError(t, err)
	h.waitWindows(t, 2)

	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	_, err = editor.Listen(func(context.Context, agent.Inbound) (*secmsg.Envelope, error) {
		close(entered)
		<-release
		return nil, nil
	})
	require.NoError(t, err)

	go func() {
		<-entered
		_ = editor.Close()
	}()

	_, err = page.Send(context.Background(),
		agent.Destination{Window: "editor", TargetOrigin: editorOrigin}, secmsg.Envelope{})
	assert.ErrorIs(t, err, agent.ErrNoReceiver)
}

func TestWindowAgentsOverBridge(t *testing.T) {
	ctx := context.Background()
	storage, err := session.NewMemoryStorage()
	require.NoError(t, err)
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	manager := func() *secmsg.Manager {
		m, err := secmsg.NewManager(ctx, secmsg.Config{
			RuntimeID:                "X",
			AllowedOrigins:           []string{pageOrigin, editorOrigin},
			MaxMessageValidators:     3,
			ValidatorRefreshInterval: time.Minute,
		}, storage, secmsg.WithClock(clk))
		require.NoError(t, err)
		return m
	}

	h := newHub(t)
	page, err := agent.NewWindow(manager(), h.dial(t, "page", pageOrigin))
	require.NoError(t, err)
	editor, err := agent.NewWindow(manager(), h.dial(t, "editor", editorOrigin))
	require.NoError(t, err)
	h.waitWindows(t, 2)

	require.NoError(t, page.AddListener(func(_ context.Context, msg agent.Message) (*secmsg.MessageData, error) {
		assert.Equal(t, editorOrigin, msg.Origin)
		return &secmsg.MessageData{Message: "ack:" + msg.Data.Message}, nil
	}))

	resp, err := editor.SendMessage(ctx, secmsg.MessageData{Message: "SaveDataRequest"},
		agent.Destination{Window: "page", TargetOrigin: pageOrigin})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "ack:SaveDataRequest", resp.Message)
	assert.Equal(t, "X", resp.RuntimeID)
}

func TestHubStampsResponderOrigin(t *testing.T) {
	h := newHub(t)
	page := h.dial(t, "page", pageOrigin)

	header := map[string][]string{"Origin": {editorOrigin}}
	raw, _, err := websocket.DefaultDialer.Dial(h.url+"?window=editor", header)
	require.NoError(t, err)
	defer raw.Close()
	h.waitWindows(t, 2)

	go func() {
		var post map[string]any
		if err := raw.ReadJSON(&post); err != nil {
			return
		}
		_ = raw.WriteJSON(map[string]any{
			"type":     "reply",
			"id":       post["id"],
			"from":     pageOrigin,
			"envelope": map[string]string{"token": "t", "messageData": "r"},
		})
	}()

	resp, err := page.Send(context.Background(),
		agent.Destination{Window: "editor", TargetOrigin: editorOrigin}, secmsg.Envelope{})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "r", resp.Envelope.MessageData)
	assert.Equal(t, editorOrigin, resp.Source.Origin)
}

func TestInflightLimit(t *testing.T) {
	h := newHub(t)
	page := h.dial(t, "page", pageOrigin)
	editor, err := wsbridge.Dial(context.Background(), h.url, "editor", editorOrigin, wsbridge.WithMaxInflight(1))
	require.NoError(t, err)
	t.Cleanup(func() { _ = editor.Close() })
	h.waitWindows(t, 2)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	_, err = editor.Listen(func(context.Context, agent.Inbound) (*secmsg.Envelope, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return &secmsg.Envelope{Token: "done"}, nil
	})
	require.NoError(t, err)

	dest := agent.Destination{Window: "editor", TargetOrigin: editorOrigin}
	first := make(chan error, 1)
	go func() {
		_, err := page.Send(context.Background(), dest, secmsg.Envelope{})
		first <- err
	}()
	<-started

	_, err = page.Send(context.Background(), dest, secmsg.Envelope{})
	assert.ErrorIs(t, err, wsbridge.ErrBusy)

	close(release)
	require.NoError(t, <-first)

	// The slot is free again once the first message is answered.
	require.Eventually(t, func() bool {
		_, err := page.Send(context.Background(), dest, secmsg.Envelope{})
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}
