package ui

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"go-anywhere/bus"
	"go-anywhere/debug"
	"go-anywhere/message"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxFrame   = 64 << 10
)

// Protocols lists the websocket sub-protocols, one per codec. A client that
// asks for none speaks JSON.
var Protocols = []string{message.JSON.Name(), message.MsgPack.Name()}

// Bridge is a Surface that speaks the UI protocol to websocket clients.
// Each client has its own unbounded outbox, so a slow client never holds up
// the gate or other clients.
type Bridge struct {
	engine   bus.Sender[message.Event]
	gate     bus.Sender[message.Event]
	log      *zap.Logger
	upgrader websocket.Upgrader
	errs     chan error

	mu      sync.Mutex
	clients map[uuid.UUID]*client
	snap    snapshot

	framesIn  atomic.Uint64
	framesOut atomic.Uint64
	rejected  atomic.Uint64
}

// snapshot is what a client needs to catch up after connecting late.
type snapshot struct {
	modules []message.Event
	inputs  []message.Event
	outputs []message.Event
	confirm *message.Event
	params  map[uint32]message.Event
}

type client struct {
	id    uuid.UUID
	conn  *websocket.Conn
	codec message.Codec
	out   *bus.Bus[message.Event]
	log   *zap.Logger

	// set while the client's first view has not reported loaded
	awaiting bool
}

// NewBridge creates a bridge. Inbound events go to engine or gate by kind.
func NewBridge(engine, gate bus.Sender[message.Event], log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		engine: engine,
		gate:   gate,
		log:    log.Named("ws"),
		upgrader: websocket.Upgrader{
			Subprotocols:    Protocols,
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		errs:    make(chan error, 1),
		clients: make(map[uuid.UUID]*client),
		snap:    snapshot{params: make(map[uint32]message.Event)},
	}
}

// Errors reports inbound routing failures. A failure means the engine or
// gate is gone and the process should stop.
func (b *Bridge) Errors() <-chan error { return b.errs }

// Clients returns the number of connected clients.
func (b *Bridge) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Deliver records ev in the snapshot and queues it for every client.
func (b *Bridge) Deliver(ev message.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snap.record(ev)
	for _, c := range b.clients {
		// release replays the latest values once the view has loaded.
		if c.awaiting && ev.Kind == message.ParameterChange {
			continue
		}
		// A closed outbox means the client is going away.
		_ = c.out.Send(ev)
	}
	return nil
}

func (s *snapshot) record(ev message.Event) {
	switch ev.Kind {
	case message.ModuleAdded:
		s.modules = append(s.modules, ev)
	case message.InputDeviceAdded:
		s.inputs = append(s.inputs, ev)
	case message.OutputDeviceAdded:
		s.outputs = append(s.outputs, ev)
	case message.ModuleChange:
		s.confirm = &ev
		clear(s.params)
	case message.ParameterChange:
		s.params[ev.Index] = ev
	case message.ControllerChange, message.UILoaded, message.Exit,
		message.InputDeviceSelected, message.OutputDeviceSelected,
		message.NoteOn, message.NoteOff, message.Failure:
	}
}

// replay queues the catalogue, devices and current view for a new client.
// It reports whether a view was sent; its parameters wait for the client's
// UILoaded.
func (s *snapshot) replay(out *bus.Bus[message.Event]) bool {
	for _, group := range [][]message.Event{s.modules, s.inputs, s.outputs} {
		for _, ev := range group {
			_ = out.Send(ev)
		}
	}
	if s.confirm == nil {
		return false
	}
	_ = out.Send(*s.confirm)
	return true
}

func (s *snapshot) replayParams(out *bus.Bus[message.Event]) {
	for _, i := range slices.Sorted(maps.Keys(s.params)) {
		_ = out.Send(s.params[i])
	}
}

// Handler serves the websocket endpoint on /ws and metrics from g on
// /metrics.
func (b *Bridge) Handler(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", b)
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return mux
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	c := b.attach(conn)
	go b.writeLoop(c)
	b.readLoop(c)
}

func (b *Bridge) attach(conn *websocket.Conn) *client {
	c := &client{
		id:    uuid.New(),
		conn:  conn,
		codec: message.CodecFor(conn.Subprotocol()),
		out:   bus.New[message.Event](),
	}
	c.log = b.log.With(zap.Stringer("client", c.id), zap.String("codec", c.codec.Name()))

	b.mu.Lock()
	c.awaiting = b.snap.replay(c.out)
	b.clients[c.id] = c
	n := len(b.clients)
	b.mu.Unlock()

	c.log.Info("client connected", zap.String("remote", conn.RemoteAddr().String()), zap.Int("clients", n))
	return c
}

func (b *Bridge) detach(c *client) {
	b.mu.Lock()
	delete(b.clients, c.id)
	n := len(b.clients)
	b.mu.Unlock()
	c.out.Close()
	c.log.Info("client disconnected", zap.Int("clients", n))
}

func (b *Bridge) readLoop(c *client) {
	defer b.detach(c)
	c.conn.SetReadLimit(maxFrame)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("read failed", zap.Error(err))
			}
			return
		}
		b.framesIn.Add(1)

		ev, err := c.codec.Unmarshal(data)
		if err != nil {
			b.rejected.Add(1)
			c.log.Debug("undecodable frame", zap.Error(err))
			continue
		}
		if ev.Kind == message.UILoaded {
			b.release(c, ev)
		}
		routed, err := Route(ev, b.engine, b.gate)
		if err != nil {
			b.fail(err)
			return
		}
		if !routed {
			b.rejected.Add(1)
			c.log.Debug("event not accepted from a UI", zap.Stringer("kind", ev.Kind))
		}
	}
}

// release sends a late client the current parameter values once it
// reports the replayed view loaded. Deliver holds live parameter changes
// back until then, so these are the only values it sees for the view.
func (b *Bridge) release(c *client, ev message.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !c.awaiting || b.snap.confirm == nil {
		return
	}
	if ev.Index != 0 && ev.Index != b.snap.confirm.Index {
		return
	}
	b.snap.replayParams(c.out)
	c.awaiting = false
}

func (b *Bridge) writeLoop(c *client) {
	defer c.conn.Close()
	for {
		ctx, cancel := context.WithTimeout(context.Background(), pingPeriod)
		ev, err := c.out.Receive(ctx)
		cancel()

		switch {
		case errors.Is(err, context.DeadlineExceeded):
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		case err != nil:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}

		data, err := c.codec.Marshal(ev)
		if err != nil {
			c.log.Warn("encode failed", zap.Stringer("event", ev), zap.Error(err))
			continue
		}
		frame := websocket.TextMessage
		if c.codec == message.MsgPack {
			frame = websocket.BinaryMessage
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(frame, data); err != nil {
			c.log.Debug("write failed", zap.Error(err))
			return
		}
		debug.LogEvery(256, "ws", "client %s: %d frames out", c.id, b.framesOut.Add(1))
	}
}

func (b *Bridge) fail(err error) {
	select {
	case b.errs <- err:
	default:
	}
}

// Close ends every client session. Queued events are flushed first.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.clients {
		c.out.Close()
	}
}

// Collectors exposes bridge counters.
func (b *Bridge) Collectors() []prometheus.Collector {
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: "anywhere", Subsystem: "ws", Name: name, Help: help}
	}
	return []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "anywhere", Subsystem: "ws", Name: "clients", Help: "Connected websocket clients.",
		}, func() float64 { return float64(b.Clients()) }),
		prometheus.NewCounterFunc(opts("frames_in_total", "Frames read from clients."),
			func() float64 { return float64(b.framesIn.Load()) }),
		prometheus.NewCounterFunc(opts("frames_out_total", "Frames written to clients."),
			func() float64 { return float64(b.framesOut.Load()) }),
		prometheus.NewCounterFunc(opts("rejected_total", "Inbound frames dropped as undecodable or not accepted from a UI."),
			func() float64 { return float64(b.rejected.Load()) }),
	}
}

// Serve runs an HTTP server for h on addr until ctx is done.
func Serve(ctx context.Context, addr string, h http.Handler, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info("ui server listening", zap.String("addr", addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
