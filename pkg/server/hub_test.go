package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/chazu/brickforge/pkg/brick"
	"github.com/chazu/brickforge/pkg/regen"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func dialEvents(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) EventMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg EventMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventsHello(t *testing.T) {
	f := newFixture(t)
	conn := dialEvents(t, f)

	hello := readEvent(t, conn)
	assert.Equal(t, "hello", hello.Type)
	assert.Equal(t, "empty", hello.State)
	assert.Nil(t, hello.Params)
	waitFor(t, func() bool { return f.srv.hub.count() == 1 })
	assert.Equal(t, 1.0, testutil.ToFloat64(f.met.WebsocketClients))
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t)
	conn := dialEvents(t, f)
	readEvent(t, conn)
	waitFor(t, func() bool { return f.srv.hub.count() == 1 })

	f.do(t, "PUT", "/api/candidate", `{"length":2}`)
	ev := readEvent(t, conn)
	assert.Equal(t, "edited", ev.Type)
	require.NotNil(t, ev.Params)
	assert.Equal(t, 2, ev.Params.Length)

	f.do(t, "POST", "/api/generate/candidate", "")
	ev = readEvent(t, conn)
	assert.Equal(t, "built", ev.Type)
	assert.Equal(t, uint64(1), ev.Generation)
	assert.NotEmpty(t, ev.BuildID)

	f.do(t, "POST", "/api/generate", `{"height":0}`)
	ev = readEvent(t, conn)
	assert.Equal(t, "failed", ev.Type)
	assert.Equal(t, "invalid_parameters", ev.Kind)
	assert.Contains(t, ev.Error, "height")
	assert.Equal(t, uint64(0), ev.Generation)
}

func TestEventsHelloAfterBuild(t *testing.T) {
	f := newFixture(t)
	f.do(t, "POST", "/api/generate", `{"length":1,"width":1,"height":1}`)

	conn := dialEvents(t, f)
	hello := readEvent(t, conn)
	assert.Equal(t, "ready", hello.State)
	assert.Equal(t, uint64(1), hello.Generation)
	require.NotNil(t, hello.Params)
	assert.Equal(t, 1, hello.Params.Length)
}

func TestSlowClientIsDropped(t *testing.T) {
	log := zaptest.NewLogger(t)
	h := newHub(log, nil, 2, func() EventMessage { return EventMessage{Type: "hello"} })

	c := &client{id: 1, out: make(chan []byte, 2), done: make(chan struct{})}
	require.True(t, h.add(c))

	ev := regen.Event{Type: regen.EventEdited, Params: brick.DefaultParameters()}
	h.broadcast(ev)
	h.broadcast(ev)
	assert.Equal(t, 1, h.count())

	h.broadcast(ev)
	assert.Equal(t, 0, h.count())
	select {
	case <-c.done:
	default:
		t.Fatal("dropped client should be stopped")
	}
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	f := newFixture(t)
	conn := dialEvents(t, f)
	readEvent(t, conn)
	waitFor(t, func() bool { return f.srv.hub.count() == 1 })

	f.srv.hub.close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	}
	assert.Equal(t, 0, f.srv.hub.count())

	// Closed hubs refuse new clients.
	assert.False(t, f.srv.hub.add(&client{done: make(chan struct{})}))
}

func TestEventMessageFromFailure(t *testing.T) {
	err := brick.KernelFailure("stud_union", errors.New("boom"))
	msg := eventMessage(regen.Event{Type: regen.EventFailed, Params: brick.DefaultParameters(), Err: err})
	assert.Equal(t, "failed", msg.Type)
	assert.Equal(t, "kernel_failure", msg.Kind)
	assert.Contains(t, msg.Error, "boom")
	assert.Empty(t, msg.BuildID)
}
