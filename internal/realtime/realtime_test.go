package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgflow/internal/api/models"
)

func TestResultSubject(t *testing.T) {
	assert.Equal(t, "imgflow.flow.4.node.12.result", ResultSubject("imgflow", 4, "12"))
	assert.Equal(t, "imgflow.flow.4.node.a_b_.result", ResultSubject("imgflow", 4, "a.b*"))
	assert.Equal(t, "tenant.acme.flow.*.node.*.result", ResultWildcard("tenant.acme"))
}

func TestParseFlowIDFromSubject(t *testing.T) {
	id, err := parseFlowIDFromSubject("imgflow.flow.42.node.3.result")
	require.NoError(t, err)
	assert.Equal(t, uint(42), id)

	id, err = parseFlowIDFromSubject("tenant.acme.flow.9.node.1.result")
	require.NoError(t, err)
	assert.Equal(t, uint(9), id)

	for _, bad := range []string{
		"imgflow.flow.x.node.3.result",
		"imgflow.job.1.progress",
		"imgflow.flow.1.node.3.done",
	} {
		_, err = parseFlowIDFromSubject(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewResultEvent(t *testing.T) {
	entry := models.ResultEntry{Handle: "h", Digest: "d", Metadata: json.RawMessage(`{"count":2}`)}

	ev := NewResultEvent(3, "5", entry, false)
	assert.Equal(t, "h", ev.Handle)
	assert.JSONEq(t, `{"count":2}`, string(ev.Metadata))

	cleared := NewResultEvent(3, "5", entry, true)
	assert.True(t, cleared.Cleared)
	assert.Empty(t, cleared.Handle)
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.done
	})
	return hub
}

func receive(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case msg, ok := <-c.send:
		require.True(t, ok, "send channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return nil
	}
}

func TestHub_RoutesByFlow(t *testing.T) {
	hub := startHub(t)
	bridge := &NATSBridge{hub: hub, prefix: "imgflow", logger: zerolog.Nop()}

	a := NewClient(hub, nil)
	b := NewClient(hub, nil)
	hub.register <- a
	hub.register <- b
	a.handle([]byte(`{"action":"subscribe","flowId":1}`))
	b.handle([]byte(`{"action":"subscribe","flowId":2}`))

	bridge.deliver("imgflow.flow.1.node.3.result", []byte(`{"nodeId":"3"}`))

	var env outgoingMsg
	require.NoError(t, json.Unmarshal(receive(t, a), &env))
	assert.Equal(t, "node.result", env.Type)
	assert.Equal(t, uint(1), env.FlowID)
	assert.JSONEq(t, `{"nodeId":"3"}`, string(env.Payload))

	select {
	case <-b.send:
		t.Fatal("client of another flow received the event")
	case <-time.After(50 * time.Millisecond):
	}

	a.handle([]byte(`{"action":"unsubscribe","flowId":1}`))
	b.handle([]byte(`{"action":"subscribe","flowId":1}`))
	hub.Publish(1, []byte("next"))
	assert.Equal(t, "next", string(receive(t, b)))
}

func TestHub_UnregisterClosesSend(t *testing.T) {
	hub := startHub(t)
	c := NewClient(hub, nil)
	hub.register <- c
	hub.unregister <- c

	select {
	case _, ok := <-c.send:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("send channel not closed")
	}
}

func TestServeWS_RequiresToken(t *testing.T) {
	hub := startHub(t)

	rec := httptest.NewRecorder()
	ServeWS(hub, "secret", rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	ServeWS(hub, "secret", rec, httptest.NewRequest(http.MethodGet, "/ws?token=garbage", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
