package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-anywhere/audio"
	"go-anywhere/bus"
	"go-anywhere/message"
	"go-anywhere/midi"
	"go-anywhere/module"
)

// recorder collects unit calls from every fake unit in call order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) count(call string) int {
	n := 0
	for _, c := range r.snapshot() {
		if c == call {
			n++
		}
	}
	return n
}

func (r *recorder) index(call string) int {
	for i, c := range r.snapshot() {
		if c == call {
			return i
		}
	}
	return -1
}

type fakeUnit struct {
	name       string
	rec        *recorder
	computeErr error
	panics     bool
}

func (u *fakeUnit) Init(rate int) error {
	u.rec.add("%s:init:%d", u.name, rate)
	return nil
}
func (u *fakeUnit) SetParamFloat(i uint32, v float32) error {
	u.rec.add("%s:float:%d:%g", u.name, i, v)
	return nil
}
func (u *fakeUnit) SetParamInt(i uint32, v int32) error {
	u.rec.add("%s:int:%d:%d", u.name, i, v)
	return nil
}
func (u *fakeUnit) compute(path string, frames int, in, out []float32) error {
	if u.panics {
		panic("unit exploded")
	}
	u.rec.add("%s:compute", u.name)
	u.rec.add("%s:%s:%d:%d:%d", u.name, path, frames, len(in), len(out))
	for i := range out {
		out[i] = 0.5
	}
	return u.computeErr
}
func (u *fakeUnit) ComputeZeroOne(f int, out []float32) error { return u.compute("01", f, nil, out) }
func (u *fakeUnit) ComputeZeroTwo(f int, out []float32) error { return u.compute("02", f, nil, out) }
func (u *fakeUnit) ComputeOneOne(f int, in, out []float32) error {
	return u.compute("11", f, in, out)
}
func (u *fakeUnit) ComputeOneTwo(f int, in, out []float32) error {
	return u.compute("12", f, in, out)
}
func (u *fakeUnit) ComputeTwoOne(f int, in, out []float32) error {
	return u.compute("21", f, in, out)
}
func (u *fakeUnit) ComputeTwoTwo(f int, in, out []float32) error {
	return u.compute("22", f, in, out)
}
func (u *fakeUnit) Close(context.Context) error {
	u.rec.add("%s:close", u.name)
	return nil
}

type noteUnit struct{ *fakeUnit }

func (u noteUnit) NoteOn(n int32, v float32) error {
	u.rec.add("%s:noteon:%d:%.2f", u.name, n, v)
	return nil
}
func (u noteUnit) NoteOff(n int32, v float32) error {
	u.rec.add("%s:noteoff:%d:%.2f", u.name, n, v)
	return nil
}

type fakeModule struct {
	desc       *module.Descriptor
	notes      bool
	computeErr error
	panics     bool
	loadErr    error
}

type fakeLoader struct {
	rec     *recorder
	reg     *module.Registry
	modules map[string]fakeModule
}

func (l *fakeLoader) Registry(context.Context, string) (*module.Registry, error) { return l.reg, nil }

func (l *fakeLoader) Load(_ context.Context, locator string) (module.Unit, *module.Descriptor, error) {
	s, ok := l.modules[locator]
	if !ok {
		return nil, nil, &module.LoadError{Op: module.OpFetchDescriptor, Locator: locator, Err: errors.New("404")}
	}
	if s.loadErr != nil {
		return nil, nil, &module.LoadError{Op: module.OpInstantiate, Locator: locator, Err: s.loadErr}
	}
	u := &fakeUnit{name: strings.TrimSuffix(locator, ".json"), rec: l.rec, computeErr: s.computeErr, panics: s.panics}
	if s.notes {
		return noteUnit{u}, s.desc, nil
	}
	return u, s.desc, nil
}

func desc(in, out int32, params ...message.Value) *module.Descriptor {
	return &module.Descriptor{
		WasmURL: "/m.wasm",
		GUI:     module.GUI{URL: "/page.html", Name: "m", Params: params, Width: 320, Height: 200},
		Info:    module.Info{Name: "m", Inputs: in, Outputs: out},
	}
}

type fakeStream struct {
	b   *fakeBackend
	cfg audio.StreamConfig
	cb  audio.Callback

	mu      sync.Mutex
	running bool
	closed  bool
}

// pump runs one callback if the stream is running.
func (s *fakeStream) pump() (audio.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return audio.Complete, false
	}
	var in []float32
	if s.cfg.InputChannels > 0 {
		in = make([]float32, s.cfg.BufferFrames*s.cfg.InputChannels)
	}
	out := make([]float32, s.cfg.BufferFrames*s.cfg.OutputChannels)
	return s.cb(in, out), true
}

func (s *fakeStream) Start() error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	s.b.started <- s
	return nil
}

func (s *fakeStream) Stop() error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.running, s.closed = false, true
	s.mu.Unlock()
	return nil
}

type fakeBackend struct {
	devices  []audio.Device
	failOpen func(audio.StreamConfig) error
	started  chan *fakeStream
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		devices: []audio.Device{
			{Index: 0, Name: "built-in", MaxInputs: 2, MaxOutputs: 2},
			{Index: 1, Name: "usb", MaxOutputs: 2},
			{Index: 2, Name: "mic", MaxInputs: 1},
		},
		started: make(chan *fakeStream, 16),
	}
}

func (b *fakeBackend) Name() string                      { return "fake" }
func (b *fakeBackend) Devices() ([]audio.Device, error)  { return b.devices, nil }
func (b *fakeBackend) DefaultDevices() (int, int, error) { return 0, 0, nil }
func (b *fakeBackend) Terminate() error                  { return nil }

func (b *fakeBackend) Open(cfg audio.StreamConfig, cb audio.Callback) (audio.Stream, error) {
	if b.failOpen != nil {
		if err := b.failOpen(cfg); err != nil {
			return nil, &audio.OpenError{Backend: "fake", Config: cfg, Err: err}
		}
	}
	return &fakeStream{b: b, cfg: cfg, cb: cb}, nil
}

func (b *fakeBackend) next(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case s := <-b.started:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no stream started")
		return nil
	}
}

type harness struct {
	t       *testing.T
	rec     *recorder
	backend *fakeBackend
	loader  *fakeLoader
	inbox   *bus.Bus[message.Event]
	notes   *bus.Bus[midi.Message]
	ui      *bus.Bus[message.Event]
	engine  *Engine
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

func newHarness(t *testing.T, modules map[string]fakeModule, tweak ...func(*Config)) *harness {
	t.Helper()
	rec := &recorder{}
	h := &harness{
		t:       t,
		rec:     rec,
		backend: newFakeBackend(),
		loader: &fakeLoader{
			rec:     rec,
			modules: modules,
			reg: &module.Registry{Default: "a.json", Modules: []module.Entry{
				{Name: "A", JSONURL: "a.json"}, {Name: "B", JSONURL: "b.json"},
			}},
		},
		inbox: bus.New[message.Event](),
		notes: bus.New[midi.Message](),
		ui:    bus.New[message.Event](),
	}
	cfg := DefaultConfig()
	cfg.FaultBackoff = time.Millisecond
	cfg.FaultErrors = 2
	for _, f := range tweak {
		f(&cfg)
	}
	h.engine = New(cfg, h.backend, h.loader, h.inbox, h.notes, h.ui, nil)
	return h
}

func (h *harness) run() {
	require.NoError(h.t, h.engine.Start(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go func() {
		h.err = h.engine.Run(ctx)
		close(h.done)
	}()
	h.t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
		}
	})
}

func (h *harness) send(ev message.Event) {
	require.NoError(h.t, h.inbox.Send(ev))
}

func (h *harness) wait() error {
	select {
	case <-h.done:
		return h.err
	case <-time.After(2 * time.Second):
		h.t.Fatal("engine did not return")
		return nil
	}
}

// uiEvents drains what the engine published so far.
func (h *harness) uiEvents() []message.Event {
	var out []message.Event
	for {
		ev, ok := h.ui.TryReceive()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func kinds(evs []message.Event, k message.Kind) []message.Event {
	var out []message.Event
	for _, ev := range evs {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

func TestTopologyFor(t *testing.T) {
	tests := []struct {
		in, out int32
		want    Topology
	}{
		{0, 1, ZeroOne}, {0, 2, ZeroTwo}, {1, 1, OneOne}, {1, 2, OneTwo}, {2, 1, TwoOne}, {2, 2, TwoTwo},
	}
	for _, tt := range tests {
		got, err := TopologyFor(tt.in, tt.out)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, int(tt.in), got.Inputs())
		assert.Equal(t, int(tt.out), got.Outputs())
	}
	for _, bad := range [][2]int32{{0, 0}, {2, 0}, {1, 3}, {3, 1}, {-1, 1}} {
		_, err := TopologyFor(bad[0], bad[1])
		var cerr *ConfigurationError
		assert.ErrorAs(t, err, &cerr, "%v", bad)
	}
}

func TestEveryTopologyUsesItsPath(t *testing.T) {
	for _, tt := range []struct {
		in, out int32
		path    string
	}{
		{0, 1, "01"}, {0, 2, "02"}, {1, 1, "11"}, {1, 2, "12"}, {2, 1, "21"}, {2, 2, "22"},
	} {
		t.Run(tt.path, func(t *testing.T) {
			h := newHarness(t, map[string]fakeModule{"a.json": {desc: desc(tt.in, tt.out)}})
			h.run()
			s := h.backend.next(t)
			assert.Equal(t, int(tt.in), s.cfg.InputChannels)
			assert.Equal(t, int(tt.out), s.cfg.OutputChannels)
			if tt.in == 0 {
				assert.Equal(t, audio.NoDevice, s.cfg.InputDevice)
			}
			res, ok := s.pump()
			require.True(t, ok)
			assert.Equal(t, audio.Continue, res)

			frames := s.cfg.BufferFrames
			want := fmt.Sprintf("a:%s:%d:%d:%d", tt.path, frames, frames*int(tt.in), frames*int(tt.out))
			assert.Equal(t, 1, h.rec.count(want), "calls: %v", h.rec.snapshot())
			for _, other := range []string{"01", "02", "11", "12", "21", "22"} {
				if other == tt.path {
					continue
				}
				for _, c := range h.rec.snapshot() {
					assert.False(t, strings.HasPrefix(c, "a:"+other+":"), "wrong path %s", c)
				}
			}
			assert.Equal(t, State{Kind: Streaming, Topology: mustTopo(t, tt.in, tt.out)}, h.engine.State())
		})
	}
}

func mustTopo(t *testing.T, in, out int32) Topology {
	topo, err := TopologyFor(in, out)
	require.NoError(t, err)
	return topo
}

func TestStartAdvertises(t *testing.T) {
	h := newHarness(t, map[string]fakeModule{"a.json": {desc: desc(0, 2, message.Float(0.5), message.Int(3))}},
		func(c *Config) { c.BaseURL = "http://127.0.0.1:8000" })
	require.NoError(t, h.engine.Start(context.Background()))
	evs := h.uiEvents()

	added := kinds(evs, message.ModuleAdded)
	require.Len(t, added, 2)
	assert.Equal(t, "B", added[1].Value.String())

	ins := kinds(evs, message.InputDeviceAdded)
	outs := kinds(evs, message.OutputDeviceAdded)
	require.Len(t, ins, 2)
	require.Len(t, outs, 2)
	assert.Equal(t, "mic", ins[1].Value.String())
	assert.EqualValues(t, 2, ins[1].Index)
	assert.Equal(t, "usb", outs[1].Value.String())

	confirm := kinds(evs, message.ModuleChange)
	require.Len(t, confirm, 1)
	view, ok := confirm[0].Value.AsView()
	require.True(t, ok)
	assert.Equal(t, "http://127.0.0.1:8000/page.html", view.URL)
	assert.EqualValues(t, 320, view.Width)
	assert.EqualValues(t, 1, confirm[0].Index)

	params := kinds(evs, message.ParameterChange)
	require.Len(t, params, 2)
	assert.Equal(t, []string{"a:float:0:0.5", "a:int:1:3"}, h.rec.snapshot())
}

func TestStartRejectsZeroOutputs(t *testing.T) {
	h := newHarness(t, map[string]fakeModule{"a.json": {desc: desc(1, 0)}})
	err := h.engine.Start(context.Background())
	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "a.json", cerr.Module)
	assert.Equal(t, 1, h.rec.count("a:close"))
	assert.ErrorContains(t, h.engine.Run(context.Background()), "Run before Start")
}

func TestParametersAndNotesInCallback(t *testing.T) {
	h := newHarness(t, map[string]fakeModule{"a.json": {desc: desc(0, 2), notes: true}})
	h.run()
	s := h.backend.next(t)

	h.send(message.Param(4, message.Float(0.25)))
	h.send(message.Param(5, message.Int(9)))
	h.send(message.Param(6, message.String("ignored")))
	h.send(message.New(message.NoteOn, 0, message.Pair(64, 127)))
	h.send(message.New(message.NoteOff, 0, message.Int(64)))
	require.NoError(t, h.notes.Send(midi.Message{Type: midi.NoteOn, Data1: 60, Data2: 127}))
	require.NoError(t, h.notes.Send(midi.Message{Type: midi.NoteOff, Data1: 60}))
	require.NoError(t, h.notes.Send(midi.Message{Type: midi.PitchBend, Data2: 64}))

	res, ok := s.pump()
	require.True(t, ok)
	assert.Equal(t, audio.Continue, res)

	calls := h.rec.snapshot()
	for _, want := range []string{
		"a:float:4:0.25", "a:int:5:9", "a:noteon:64:1.00", "a:noteoff:64:0.00",
		"a:noteon:60:1.00", "a:noteoff:60:0.00",
	} {
		assert.Contains(t, calls, want)
	}
	// Notes are drained before UI events, and all of it before compute.
	assert.Less(t, h.rec.index("a:noteon:60:1.00"), h.rec.index("a:float:4:0.25"))
	assert.Less(t, h.rec.index("a:noteoff:64:0.00"), h.rec.index("a:compute"))
	assert.EqualValues(t, 1, h.engine.Stats().DroppedNotes)
	assert.EqualValues(t, 1, h.engine.Stats().Buffers)
}

func TestNotesDroppedWithoutHandler(t *testing.T) {
	h := newHarness(t, map[string]fakeModule{"a.json": {desc: desc(0, 1)}})
	h.run()
	s := h.backend.next(t)
	require.NoError(t, h.notes.Send(midi.Message{Type: midi.NoteOn, Data1: 60, Data2: 1}))
	h.send(message.New(message.NoteOn, 0, message.Int(61)))
	s.pump()
	assert.EqualValues(t, 2, h.engine.Stats().DroppedNotes)
}

func TestModuleChangeSwapsBetweenSessions(t *testing.T) {
	h := newHarness(t, map[string]fakeModule{
		"a.json": {desc: desc(0, 2, message.Float(0.1))},
		"b.json": {desc: desc(1, 1, message.Float(0.7), message.Int(2))},
	})
	h.run()
	first := h.backend.next(t)
	first.pump()
	first.pump()
	h.uiEvents()

	h.send(message.New(message.ModuleChange, 0, message.String("b.json")))
	h.send(message.Param(0, message.Float(0.9)))
	res, ok := first.pump()
	require.True(t, ok)
	assert.Equal(t, audio.Complete, res)
	aComputes := h.rec.count("a:compute")
	assert.Equal(t, 2, aComputes)

	second := h.backend.next(t)
	_, ran := first.pump()
	assert.False(t, ran, "old stream still running")
	assert.True(t, first.closed)
	assert.Equal(t, 1, second.cfg.InputChannels)
	assert.Equal(t, 0, second.cfg.InputDevice)

	second.pump()
	calls := h.rec.snapshot()
	closeA := h.rec.index("a:close")
	initB := h.rec.index("b:init:44100")
	computeB := h.rec.index("b:compute")
	require.NotEqual(t, -1, closeA)
	require.NotEqual(t, -1, initB)
	require.NotEqual(t, -1, computeB)
	assert.Less(t, initB, computeB)
	assert.Less(t, h.rec.index("b:float:0:0.7"), initB, "defaults applied before init")
	for _, c := range calls[closeA:] {
		assert.NotEqual(t, "a:compute", c)
	}
	assert.Equal(t, aComputes, h.rec.count("a:compute"))
	// The parameter queued behind the swap lands on the new unit.
	assert.Contains(t, calls, "b:float:0:0.9")

	evs := h.uiEvents()
	require.GreaterOrEqual(t, len(evs), 3)
	assert.Equal(t, message.ModuleChange, evs[0].Kind)
	assert.EqualValues(t, 2, evs[0].Index)
	assert.EqualValues(t, 0, evs[1].Index)
	assert.True(t, evs[1].Value.Equal(message.Float(0.7)))
	assert.True(t, evs[2].Value.Equal(message.Int(2)))
	assert.EqualValues(t, 1, h.engine.Stats().Swaps)
	assert.Equal(t, State{Kind: Streaming, Topology: OneOne}, h.engine.State())
}

func TestModuleChangeByCatalogueIndex(t *testing.T) {
	h := newHarness(t, map[string]fakeModule{"a.json": {desc: desc(0, 2)}, "b.json": {desc: desc(0, 1)}})
	h.run()
	h.backend.next(t)
	s := h.backend.next(t)
	h.uiEvents()

	h.send(message.New(message.ModuleChange, 0, message.Int(1)))
	s.pump()
	s = h.backend.next(t)
	s.pump()
	assert.Equal(t, 1, h.rec.count("b:compute"))
	assert.Equal(t, State{Kind: Streaming, Topology: ZeroOne}, h.engine.State())

	h.send(message.New(message.ModuleChange, 0, message.Int(9)))
	s.pump()
	s = h.backend.next(t)
	s.pump()
	assert.Equal(t, 2, h.rec.count("b:compute"))

	fails := kinds(h.uiEvents(), message.Failure)
	require.Len(t, fails, 1)
	assert.Equal(t, message.FailureLoad, fails[0].Index)
	assert.Contains(t, fails[0].Value.String(), "not in catalogue")
}

func TestFailedLoadKeepsModule(t *testing.T) {
	h := newHarness(t, map[string]fakeModule{
		"a.json":    {desc: desc(0, 2)},
		"bad.json":  {desc: desc(0, 2), loadErr: errors.New("not wasm")},
		"mute.json": {desc: desc(2, 0)},
	})
	h.run()
	s := h.backend.next(t)
	h.uiEvents()

	for _, loc := range []string{"bad.json", "missing.json", "mute.json"} {
		h.send(message.New(message.ModuleChange, 0, message.String(loc)))
		res, _ := s.pump()
		assert.Equal(t, audio.Complete, res)
		s = h.backend.next(t)
		s.pump()
	}

	fails := kinds(h.uiEvents(), message.Failure)
	require.Len(t, fails, 3)
	assert.Equal(t, message.FailureLoad, fails[0].Index)
	assert.Contains(t, fails[0].Value.String(), "not wasm")
	assert.Equal(t, message.FailureLoad, fails[1].Index)
	assert.Equal(t, message.FailureConfiguration, fails[2].Index)
	assert.Equal(t, 1, h.rec.count("mute:close"))
	assert.Equal(t, 0, h.rec.count("a:close"))
	assert.Equal(t, 4, h.rec.count("a:init:44100"))
	assert.EqualValues(t, 0, h.engine.Stats().Swaps)
	assert.EqualValues(t, 1, h.engine.Generation())
}

func TestDeviceSelection(t *testing.T) {
	h := newHarness(t, map[string]fakeModule{"a.json": {desc: desc(0, 2)}})
	h.run()
	s := h.backend.next(t)
	h.uiEvents()

	h.send(message.New(message.OutputDeviceSelected, 0, message.Int(1)))
	s.pump()
	s = h.backend.next(t)
	assert.Equal(t, 1, s.cfg.OutputDevice)

	// Device 2 has no outputs: rejected without touching the selection.
	h.send(message.New(message.OutputDeviceSelected, 0, message.Int(2)))
	s.pump()
	s = h.backend.next(t)
	assert.Equal(t, 1, s.cfg.OutputDevice)

	fails := kinds(h.uiEvents(), message.Failure)
	require.Len(t, fails, 1)
	assert.Equal(t, message.FailureOpen, fails[0].Index)
}

func TestDeviceOpenFailureReverts(t *testing.T) {
	h := newHarness(t, map[string]fakeModule{"a.json": {desc: desc(0, 2)}})
	h.backend.failOpen = func(cfg audio.StreamConfig) error {
		if cfg.OutputDevice == 1 {
			return errors.New("device busy")
		}
		return nil
	}
	h.run()
	s := h.backend.next(t)
	h.uiEvents()

	h.send(message.New(message.OutputDeviceSelected, 0, message.Int(1)))
	s.pump()
	s = h.backend.next(t)
	assert.Equal(t, 0, s.cfg.OutputDevice)

	fails := kinds(h.uiEvents(), message.Failure)
	require.Len(t, fails, 1)
	assert.Equal(t, message.FailureOpen, fails[0].Index)
	assert.Contains(t, fails[0].Value.String(), "device busy")
}

func TestExitEndsRun(t *testing.T) {
	h := newHarness(t, map[string]fakeModule{"a.json": {desc: desc(0, 2)}})
	h.run()
	s := h.backend.next(t)
	s.pump()
	h.uiEvents()

	h.send(message.ExitEvent())
	h.send(message.Param(0, message.Float(1)))
	res, ok := s.pump()
	require.True(t, ok)
	assert.Equal(t, audio.Complete, res)
	computes := h.rec.count("a:compute")

	require.NoError(t, h.wait())
	s.pump()
	assert.Equal(t, computes, h.rec.count("a:compute"))
	assert.Equal(t, 1, h.rec.count("a:close"))
	assert.Equal(t, Idle, h.engine.State().Kind)
	assert.True(t, s.closed)

	evs := h.uiEvents()
	require.Len(t, evs, 1)
	assert.Equal(t, message.Exit, evs[0].Kind)
}

func TestCompleteIsSticky(t *testing.T) {
	h := newHarness(t, map[string]fakeModule{"a.json": {desc: desc(0, 2)}})
	unit := &fakeUnit{name: "x", rec: h.rec}
	state := &h.engine.state
	sess := newSession(unit, ZeroTwo, h.inbox, h.notes, &h.engine.stats, state, 2)

	require.NoError(t, h.inbox.Send(message.ExitEvent()))
	out := make([]float32, 8)
	assert.Equal(t, audio.Complete, sess.process(nil, out))
	assert.Equal(t, audio.Complete, sess.process(nil, out))
	assert.Equal(t, 0, h.rec.count("x:compute"))
	assert.Equal(t, SwapPending, unpack(state.Load()).Kind)

	sig := <-sess.handoff
	assert.Equal(t, sigExit, sig.kind)
	select {
	case <-sess.handoff:
		t.Fatal("second handoff")
	default:
	}
}

func TestComputeErrorsBecomeFault(t *testing.T) {
	h := newHarness(t, map[string]fakeModule{"a.json": {desc: desc(0, 2), computeErr: errors.New("nan")}})
	h.run()
	s := h.backend.next(t)

	res, _ := s.pump()
	assert.Equal(t, audio.Continue, res, "one error is tolerated")
	res, _ = s.pump()
	assert.Equal(t, audio.Complete, res)

	h.backend.next(t)
	assert.EqualValues(t, 1, h.engine.Stats().Faults)
	assert.Equal(t, 2, h.rec.count("a:init:44100"))
}

func TestPanicBecomesFault(t *testing.T) {
	h := newHarness(t, map[string]fakeModule{"a.json": {desc: desc(0, 2), panics: true}})
	h.run()
	s := h.backend.next(t)

	var res audio.Result
	require.NotPanics(t, func() { res, _ = s.pump() })
	assert.Equal(t, audio.Complete, res)
	h.backend.next(t)
	assert.EqualValues(t, 1, h.engine.Stats().Faults)
}

func TestFaultBudgetExhausted(t *testing.T) {
	h := newHarness(t, map[string]fakeModule{
		"a.json": {desc: desc(0, 2), panics: true},
		"b.json": {desc: desc(0, 1)},
	}, func(c *Config) { c.FaultRetries = 1 })
	h.run()

	s := h.backend.next(t)
	s.pump()
	s = h.backend.next(t)
	s.pump()

	require.Eventually(t, func() bool {
		return h.engine.State().Kind == Idle
	}, 2*time.Second, time.Millisecond)

	var fail message.Event
	require.Eventually(t, func() bool {
		for _, ev := range h.uiEvents() {
			if ev.Kind == message.Failure {
				fail = ev
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, message.FailureStream, fail.Index)

	// Parameter changes still reach the unit without a stream.
	h.send(message.Param(1, message.Int(5)))
	require.Eventually(t, func() bool { return h.rec.count("a:int:1:5") == 1 }, time.Second, time.Millisecond)

	// A module change brings the engine back.
	h.send(message.New(message.ModuleChange, 0, message.String("b.json")))
	s = h.backend.next(t)
	s.pump()
	assert.Equal(t, 1, h.rec.count("b:compute"))
	assert.Equal(t, 1, h.rec.count("a:close"))
}

func TestCancelStopsRun(t *testing.T) {
	h := newHarness(t, map[string]fakeModule{"a.json": {desc: desc(0, 2)}})
	h.run()
	s := h.backend.next(t)
	h.cancel()
	assert.ErrorIs(t, h.wait(), context.Canceled)
	assert.True(t, s.closed)
	assert.Equal(t, 1, h.rec.count("a:close"))
}

func TestUIBusGoneIsFatal(t *testing.T) {
	h := newHarness(t, map[string]fakeModule{"a.json": {desc: desc(0, 2)}, "b.json": {desc: desc(0, 2)}})
	h.run()
	s := h.backend.next(t)
	h.ui.Close()
	h.send(message.New(message.ModuleChange, 0, message.String("b.json")))
	s.pump()
	assert.ErrorIs(t, h.wait(), bus.ErrClosed)
}

func TestCollectors(t *testing.T) {
	h := newHarness(t, map[string]fakeModule{"a.json": {desc: desc(0, 2)}})
	h.run()
	s := h.backend.next(t)
	s.pump()
	s.pump()

	reg := prometheus.NewRegistry()
	for _, c := range h.engine.Collectors() {
		require.NoError(t, reg.Register(c))
	}
	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, f := range families {
		m := f.GetMetric()[0]
		if m.GetCounter() != nil {
			values[f.GetName()] = m.GetCounter().GetValue()
		} else {
			values[f.GetName()] = m.GetGauge().GetValue()
		}
	}
	assert.EqualValues(t, 2, values["anywhere_engine_buffers_total"])
	assert.EqualValues(t, 1, values["anywhere_engine_generation"])
}

func TestUINoteFromFrontEndJSON(t *testing.T) {
	rec := &recorder{}
	u := noteUnit{&fakeUnit{name: "a", rec: rec}}
	for _, raw := range []string{
		`{"msg":10,"index":0,"value":[60,100]}`,
		`{"msg":11,"index":0,"value":[60,0]}`,
		`{"msg":10,"index":0,"value":62}`,
	} {
		ev, err := message.JSON.Unmarshal([]byte(raw))
		require.NoError(t, err, raw)
		require.NoError(t, uiNote(u, ev), raw)
	}
	assert.Equal(t, []string{"a:noteon:60:0.79", "a:noteoff:60:0.00", "a:noteon:62:1.00"}, rec.snapshot())
}

func TestIdleDiscardsNotes(t *testing.T) {
	h := newHarness(t, map[string]fakeModule{
		"a.json": {desc: desc(0, 2), panics: true},
		"b.json": {desc: desc(0, 2), notes: true},
	}, func(c *Config) { c.FaultRetries = 1 })
	h.run()
	h.backend.next(t).pump()
	h.backend.next(t).pump()
	require.Eventually(t, func() bool {
		return h.engine.State().Kind == Idle
	}, 2*time.Second, time.Millisecond)

	for n := 60; n < 63; n++ {
		require.NoError(t, h.notes.Send(midi.Message{Type: midi.NoteOn, Data1: uint8(n), Data2: 100}))
	}
	h.send(message.New(message.NoteOn, 0, message.Pair(64, 100)))
	require.Eventually(t, func() bool {
		return h.engine.Stats().DroppedNotes == 4 && h.notes.Len() == 0
	}, 2*time.Second, time.Millisecond)

	h.send(message.New(message.ModuleChange, 0, message.String("b.json")))
	s := h.backend.next(t)
	s.pump()
	assert.Equal(t, 1, h.rec.count("b:compute"))
	for _, call := range h.rec.snapshot() {
		assert.NotContains(t, call, "b:noteon")
	}
}

func TestFailedInstallClosesNewUnit(t *testing.T) {
	h := newHarness(t, map[string]fakeModule{
		"a.json": {desc: desc(0, 2)},
		"b.json": {desc: desc(0, 1)},
	})
	h.run()
	s := h.backend.next(t)
	h.ui.Close()

	h.send(message.New(message.ModuleChange, 0, message.String("b.json")))
	s.pump()
	assert.ErrorIs(t, h.wait(), bus.ErrClosed)
	assert.Equal(t, 1, h.rec.count("b:close"))
	assert.Equal(t, 1, h.rec.count("a:close"))
}
