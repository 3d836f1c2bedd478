package ui

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"go-anywhere/bus"
	"go-anywhere/message"
)

type bridgeFixture struct {
	bridge *Bridge
	engine *bus.Bus[message.Event]
	gate   *bus.Bus[message.Event]
	server *httptest.Server
	reg    *prometheus.Registry
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()
	f := &bridgeFixture{
		engine: bus.New[message.Event](),
		gate:   bus.New[message.Event](),
		reg:    prometheus.NewRegistry(),
	}
	f.bridge = NewBridge(f.engine, f.gate, nil)
	for _, c := range f.bridge.Collectors() {
		require.NoError(t, f.reg.Register(c))
	}
	f.server = httptest.NewServer(f.bridge.Handler(f.reg))
	t.Cleanup(func() {
		f.bridge.Close()
		f.server.Close()
	})
	return f
}

func (f *bridgeFixture) dial(t *testing.T, protocol string) *websocket.Conn {
	t.Helper()
	d := websocket.Dialer{}
	if protocol != "" {
		d.Subprotocols = []string{protocol}
	}
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	conn, resp, err := d.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn, codec message.Codec) message.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, err := codec.Unmarshal(data)
	require.NoError(t, err)
	return ev
}

func writeEvent(t *testing.T, conn *websocket.Conn, codec message.Codec, ev message.Event) {
	t.Helper()
	data, err := codec.Marshal(ev)
	require.NoError(t, err)
	frame := websocket.TextMessage
	if codec == message.MsgPack {
		frame = websocket.BinaryMessage
	}
	require.NoError(t, conn.WriteMessage(frame, data))
}

func receive(t *testing.T, b *bus.Bus[message.Event]) message.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := b.Receive(ctx)
	require.NoError(t, err)
	return ev
}

func TestBridgeReplaysSnapshot(t *testing.T) {
	f := newBridgeFixture(t)
	history := []message.Event{
		message.New(message.ModuleAdded, 0, message.String("A")),
		message.New(message.InputDeviceAdded, 0, message.String("mic")),
		message.New(message.OutputDeviceAdded, 1, message.String("speakers")),
		message.New(message.ModuleAdded, 1, message.String("B")),
		confirm(1),
		message.Param(3, message.Float(0.25)),
		message.Param(1, message.Int(7)),
		message.Param(3, message.Float(0.5)),
		message.New(message.Failure, message.FailureLoad, message.String("not found")),
	}
	for _, ev := range history {
		require.NoError(t, f.bridge.Deliver(ev))
	}

	conn := f.dial(t, "")
	var got []message.Event
	for range 5 {
		got = append(got, readEvent(t, conn, message.JSON))
	}
	assert.Equal(t, []message.Event{history[0], history[3], history[1], history[2], history[4]}, got)

	writeEvent(t, conn, message.JSON, loaded(1))
	assert.Equal(t, loaded(1), receive(t, f.gate))

	assert.Equal(t, message.Param(1, message.Int(7)), readEvent(t, conn, message.JSON))
	assert.Equal(t, message.Param(3, message.Float(0.5)), readEvent(t, conn, message.JSON))
}

func TestBridgeHoldsParamsUntilLateClientLoads(t *testing.T) {
	f := newBridgeFixture(t)
	require.NoError(t, f.bridge.Deliver(confirm(1)))
	require.NoError(t, f.bridge.Deliver(message.Param(3, message.Float(0.25))))

	conn := f.dial(t, "")
	require.Eventually(t, func() bool { return f.bridge.Clients() == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, confirm(1), readEvent(t, conn, message.JSON))

	cc := message.New(message.ControllerChange, 7, message.Int(64))
	require.NoError(t, f.bridge.Deliver(message.Param(3, message.Float(0.75))))
	require.NoError(t, f.bridge.Deliver(cc))
	assert.Equal(t, cc, readEvent(t, conn, message.JSON), "live parameter held back")

	writeEvent(t, conn, message.JSON, loaded(1))
	assert.Equal(t, loaded(1), receive(t, f.gate))
	assert.Equal(t, message.Param(3, message.Float(0.75)), readEvent(t, conn, message.JSON))

	// Loaded clients get parameters live again.
	require.NoError(t, f.bridge.Deliver(message.Param(3, message.Float(1))))
	assert.Equal(t, message.Param(3, message.Float(1)), readEvent(t, conn, message.JSON))
}

func TestBridgeFansOut(t *testing.T) {
	f := newBridgeFixture(t)
	a := f.dial(t, "")
	b := f.dial(t, message.MsgPack.Name())
	assert.Equal(t, message.MsgPack.Name(), b.Subprotocol())
	require.Eventually(t, func() bool { return f.bridge.Clients() == 2 }, 2*time.Second, time.Millisecond)

	ev := message.New(message.ControllerChange, 7, message.Int(64))
	require.NoError(t, f.bridge.Deliver(ev))
	assert.Equal(t, ev, readEvent(t, a, message.JSON))

	require.NoError(t, b.SetReadDeadline(time.Now().Add(2*time.Second)))
	frame, data, err := b.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, frame)
	got, err := message.MsgPack.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestBridgeRoutesInbound(t *testing.T) {
	f := newBridgeFixture(t)
	conn := f.dial(t, "")

	param := message.Param(2, message.Float(0.75))
	writeEvent(t, conn, message.JSON, param)
	assert.Equal(t, param, receive(t, f.engine))

	sel := message.New(message.OutputDeviceSelected, 0, message.Int(1))
	writeEvent(t, conn, message.JSON, sel)
	assert.Equal(t, sel, receive(t, f.engine))

	// Not accepted from a UI, and not decodable.
	writeEvent(t, conn, message.JSON, message.New(message.ModuleAdded, 0, message.String("x")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"msg":99,"index":0,"value":1}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))

	writeEvent(t, conn, message.JSON, loaded(0))
	assert.Equal(t, loaded(0), receive(t, f.gate))
	assert.Equal(t, 0, f.engine.Len())
}

func TestBridgeRoutingFailure(t *testing.T) {
	f := newBridgeFixture(t)
	conn := f.dial(t, "")
	f.engine.Close()

	writeEvent(t, conn, message.JSON, message.ExitEvent())
	select {
	case err := <-f.bridge.Errors():
		assert.ErrorIs(t, err, bus.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("no routing error reported")
	}
	require.Eventually(t, func() bool { return f.bridge.Clients() == 0 }, 2*time.Second, time.Millisecond)
}

func TestBridgeDisconnect(t *testing.T) {
	f := newBridgeFixture(t)
	conn := f.dial(t, "")
	require.Eventually(t, func() bool { return f.bridge.Clients() == 1 }, 2*time.Second, time.Millisecond)
	conn.Close()
	require.Eventually(t, func() bool { return f.bridge.Clients() == 0 }, 2*time.Second, time.Millisecond)
	require.NoError(t, f.bridge.Deliver(message.Param(0, message.Int(1))))
}

func TestBridgeMetrics(t *testing.T) {
	f := newBridgeFixture(t)
	f.dial(t, "")
	require.Eventually(t, func() bool { return f.bridge.Clients() == 1 }, 2*time.Second, time.Millisecond)

	resp, err := http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "anywhere_ws_clients 1")
}

func TestServe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0", http.NotFoundHandler(), zap.NewNop()) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
}
