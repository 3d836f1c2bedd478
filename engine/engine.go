// Package engine owns the live processing unit and the audio stream. The
// stream callback drains control events and computes buffers; swap-class
// events are handed to the outer loop, which stops the stream, swaps the
// unit or device and opens a new stream.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"go-anywhere/audio"
	"go-anywhere/bus"
	"go-anywhere/message"
	"go-anywhere/midi"
	"go-anywhere/module"
)

// Loader builds units. *module.Loader implements it.
type Loader interface {
	Load(ctx context.Context, locator string) (module.Unit, *module.Descriptor, error)
	Registry(ctx context.Context, locator string) (*module.Registry, error)
}

// Config holds the engine settings.
type Config struct {
	SampleRate   int
	BufferFrames int
	// InputDevice and OutputDevice select devices by index; audio.NoDevice
	// picks the backend default.
	InputDevice  int
	OutputDevice int
	// Registry is the locator of the module index document.
	Registry string
	// Module overrides the registry's default module at startup.
	Module string
	// BaseURL is prefixed to relative UI page locators in ModuleChange
	// confirmations.
	BaseURL string
	// FaultErrors is the number of consecutive compute errors that end a
	// session as a fault.
	FaultErrors int
	// FaultRetries bounds the reopen attempts after faults.
	FaultRetries uint64
	// FaultBackoff is the initial reopen delay after a fault.
	FaultBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		SampleRate:   44100,
		BufferFrames: 64,
		InputDevice:  audio.NoDevice,
		OutputDevice: audio.NoDevice,
		Registry:     "modules.json",
		FaultErrors:  8,
		FaultRetries: 5,
		FaultBackoff: 50 * time.Millisecond,
	}
}

type deviceRevert struct {
	slot     *int
	previous int
}

type counters struct {
	buffers      atomic.Uint64
	swaps        atomic.Uint64
	faults       atomic.Uint64
	droppedNotes atomic.Uint64
	unitErrors   atomic.Uint64
}

// Stats is a snapshot of the engine counters.
type Stats struct {
	Buffers      uint64
	Swaps        uint64
	Faults       uint64
	DroppedNotes uint64
	UnitErrors   uint64
}

// Engine is the audio engine. Start and Run are called from one goroutine;
// State and Stats may be called from anywhere.
type Engine struct {
	cfg     Config
	backend audio.Backend
	loader  Loader
	inbox   bus.Receiver[message.Event]
	notes   bus.Receiver[midi.Message]
	ui      bus.Sender[message.Event]
	log     *zap.Logger

	// owned by the Run goroutine
	registry   *module.Registry
	unit       module.Unit
	desc       *module.Descriptor
	locator    string
	topo       Topology
	generation uint32
	devices    []audio.Device
	inDev      int
	outDev     int
	retry      backoff.BackOff
	revert     *deviceRevert

	state atomic.Uint32
	stats counters
}

// New creates an engine. inbox carries UI events for the engine, notes the
// MIDI router's note messages, and ui is where confirmations and failures
// are published.
func New(cfg Config, backend audio.Backend, loader Loader, inbox bus.Receiver[message.Event], notes bus.Receiver[midi.Message], ui bus.Sender[message.Event], log *zap.Logger) *Engine {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.BufferFrames <= 0 {
		cfg.BufferFrames = def.BufferFrames
	}
	if cfg.Registry == "" {
		cfg.Registry = def.Registry
	}
	if cfg.FaultErrors <= 0 {
		cfg.FaultErrors = def.FaultErrors
	}
	if cfg.FaultBackoff <= 0 {
		cfg.FaultBackoff = def.FaultBackoff
	}
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		cfg:     cfg,
		backend: backend,
		loader:  loader,
		inbox:   inbox,
		notes:   notes,
		ui:      ui,
		log:     log.Named("engine"),
		inDev:   cfg.InputDevice,
		outDev:  cfg.OutputDevice,
	}
	e.retry = e.newRetry()
	return e
}

func (e *Engine) newRetry() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.FaultBackoff
	bo.MaxElapsedTime = 0
	return backoff.WithMaxRetries(bo, e.cfg.FaultRetries)
}

// State returns the current lifecycle state.
func (e *Engine) State() State { return unpack(e.state.Load()) }

func (e *Engine) setState(kind StateKind) {
	e.state.Store(State{Kind: kind, Topology: e.topo}.pack())
}

func (e *Engine) Stats() Stats {
	return Stats{
		Buffers:      e.stats.buffers.Load(),
		Swaps:        e.stats.swaps.Load(),
		Faults:       e.stats.faults.Load(),
		DroppedNotes: e.stats.droppedNotes.Load(),
		UnitErrors:   e.stats.unitErrors.Load(),
	}
}

// Generation is the number of modules installed so far.
func (e *Engine) Generation() uint32 { return atomic.LoadUint32(&e.generation) }

// Start loads the catalogue and the startup module and advertises
// catalogue, devices and the first module to the UI. Failures here are
// fatal to the caller.
func (e *Engine) Start(ctx context.Context) error {
	reg, err := e.loader.Registry(ctx, e.cfg.Registry)
	if err != nil {
		return err
	}
	e.registry = reg
	if err := e.publish(reg.Events()...); err != nil {
		return err
	}

	devs, err := e.backend.Devices()
	if err != nil {
		return fmt.Errorf("list audio devices: %w", err)
	}
	e.devices = devs
	defIn, defOut, err := e.backend.DefaultDevices()
	if err != nil {
		return fmt.Errorf("default audio devices: %w", err)
	}
	if e.inDev == audio.NoDevice {
		e.inDev = defIn
	}
	if e.outDev == audio.NoDevice {
		e.outDev = defOut
	}
	for _, d := range audio.Inputs(devs) {
		if err := e.publish(message.New(message.InputDeviceAdded, uint32(d.Index), message.String(d.Name))); err != nil {
			return err
		}
	}
	for _, d := range audio.Outputs(devs) {
		if err := e.publish(message.New(message.OutputDeviceAdded, uint32(d.Index), message.String(d.Name))); err != nil {
			return err
		}
	}

	locator := e.cfg.Module
	if locator == "" {
		locator = reg.Default
	}
	u, d, err := e.loader.Load(ctx, locator)
	if err != nil {
		return err
	}
	if err := e.install(u, d, locator); err != nil {
		u.Close(ctx)
		return err
	}
	return nil
}

// Run streams until Exit is received or ctx is done. It returns nil after
// Exit, ctx.Err() on cancellation, and an error when the UI bus is gone.
func (e *Engine) Run(ctx context.Context) error {
	if e.unit == nil {
		return errors.New("engine: Run before Start")
	}
	defer func() {
		e.setState(Idle)
		if e.unit != nil {
			if err := e.unit.Close(context.Background()); err != nil {
				e.log.Warn("close unit", zap.Error(err))
			}
			e.unit = nil
		}
	}()

	streaming := true
	for {
		var sig signal
		var err error
		if streaming {
			sig, err = e.session(ctx)
			if errors.Is(err, errNoStream) {
				streaming = false
				continue
			}
		} else {
			sig, err = e.waitIdle(ctx)
		}
		if err != nil {
			return err
		}

		next, err := e.handle(ctx, sig)
		if err != nil {
			return err
		}
		if sig.kind == sigExit {
			e.log.Info("exit")
			return nil
		}
		streaming = next
	}
}

var errNoStream = errors.New("engine: no stream")

// session opens a stream for the live unit and blocks until the callback
// hands off. The stream is stopped and closed before it returns.
func (e *Engine) session(ctx context.Context) (signal, error) {
	cfg := e.streamConfig()
	if err := e.unit.Init(cfg.SampleRate); err != nil {
		e.log.Warn("unit init failed", zap.Error(err))
		return signal{kind: sigFault, err: err}, nil
	}

	s := newSession(e.unit, e.topo, e.inbox, e.notes, &e.stats, &e.state, e.cfg.FaultErrors)
	stream, err := e.backend.Open(cfg, s.process)
	if err != nil && e.revert != nil {
		e.log.Warn("open on selected device failed, reverting", zap.Error(err))
		if perr := e.publish(message.Fail(message.FailureOpen, err)); perr != nil {
			return signal{}, perr
		}
		*e.revert.slot = e.revert.previous
		e.revert = nil
		cfg = e.streamConfig()
		stream, err = e.backend.Open(cfg, s.process)
	}
	e.revert = nil
	if err != nil {
		e.log.Warn("open stream failed", zap.Error(err))
		if perr := e.publish(message.Fail(message.FailureOpen, err)); perr != nil {
			return signal{}, perr
		}
		return signal{}, errNoStream
	}
	e.setState(Streaming)
	if err := stream.Start(); err != nil {
		stream.Close()
		e.log.Warn("start stream failed", zap.Error(err))
		if perr := e.publish(message.Fail(message.FailureStream, err)); perr != nil {
			return signal{}, perr
		}
		return signal{}, errNoStream
	}
	e.log.Debug("stream started",
		zap.Stringer("topology", e.topo),
		zap.Int("in_device", cfg.InputDevice),
		zap.Int("out_device", cfg.OutputDevice))

	var sig signal
	var cerr error
	select {
	case sig = <-s.handoff:
	case <-ctx.Done():
		s.done.Store(true)
		cerr = ctx.Err()
	}

	if err := stream.Stop(); err != nil {
		e.log.Warn("stop stream", zap.Error(err))
	}
	if err := stream.Close(); err != nil {
		e.log.Warn("close stream", zap.Error(err))
	}
	e.setState(SwapPending)
	return sig, cerr
}

func (e *Engine) streamConfig() audio.StreamConfig {
	cfg := audio.StreamConfig{
		InputDevice:    audio.NoDevice,
		OutputDevice:   e.outDev,
		SampleRate:     e.cfg.SampleRate,
		BufferFrames:   e.cfg.BufferFrames,
		InputChannels:  e.topo.Inputs(),
		OutputChannels: e.topo.Outputs(),
	}
	if cfg.InputChannels > 0 {
		cfg.InputDevice = e.inDev
	}
	return cfg
}

// idleDrain bounds how long MIDI notes queue up while no stream is open.
const idleDrain = 50 * time.Millisecond

// waitIdle serves the inbox while no stream is open. Parameter changes are
// applied directly; swap-class events are returned. Notes are dropped so
// the next session does not replay them.
func (e *Engine) waitIdle(ctx context.Context) (signal, error) {
	e.setState(Idle)
	defer e.discardNotes()
	for {
		e.discardNotes()
		rctx, cancel := context.WithTimeout(ctx, idleDrain)
		ev, err := e.inbox.Receive(rctx)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			continue
		}
		if err != nil {
			return signal{}, err
		}
		if sig, ok := swapSignal(ev); ok {
			return sig, nil
		}
		if ev.Kind == message.ParameterChange {
			if err := setParam(e.unit, ev); err != nil {
				e.stats.unitErrors.Add(1)
			}
		} else if ev.Kind == message.NoteOn || ev.Kind == message.NoteOff {
			e.stats.droppedNotes.Add(1)
		}
	}
}

func (e *Engine) discardNotes() {
	for {
		if _, ok := e.notes.TryReceive(); !ok {
			return
		}
		e.stats.droppedNotes.Add(1)
	}
}

// handle acts on a handoff with no stream open. It reports whether the
// next iteration should open a stream.
func (e *Engine) handle(ctx context.Context, sig signal) (bool, error) {
	switch sig.kind {
	case sigExit:
		e.setState(Idle)
		return false, e.publish(message.ExitEvent())

	case sigInputDevice, sigOutputDevice:
		e.retry.Reset()
		return true, e.selectDevice(sig)

	case sigModule:
		e.retry.Reset()
		return true, e.changeModule(ctx, sig.value)

	case sigFault:
		e.log.Warn("stream fault", zap.Error(sig.err))
		wait := e.retry.NextBackOff()
		if wait == backoff.Stop {
			e.log.Error("giving up on stream after repeated faults", zap.Error(sig.err))
			return false, e.publish(message.Fail(message.FailureStream, fmt.Errorf("audio stopped: %w", sig.err)))
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return false, ctx.Err()
		}
		return true, nil
	}
	return true, nil
}

// selectDevice switches a device. The next session reverts it if no
// stream opens on it. Topology is not rechecked against the new device's
// channel counts.
func (e *Engine) selectDevice(sig signal) error {
	index := int(sig.value.Int32())
	slot, candidates := &e.outDev, audio.Outputs(e.devices)
	if sig.kind == sigInputDevice {
		slot, candidates = &e.inDev, audio.Inputs(e.devices)
	}
	if _, ok := audio.Lookup(candidates, index); !ok {
		return e.publish(message.Fail(message.FailureOpen, fmt.Errorf("no %s %d", sig.kind, index)))
	}
	e.revert = &deviceRevert{slot: slot, previous: *slot}
	*slot = index
	e.log.Info("device selected", zap.Stringer("signal", sig.kind), zap.Int("device", index))
	return nil
}

// changeModule loads the requested module and installs it. On any failure
// the live module stays in place and a Failure is published.
func (e *Engine) changeModule(ctx context.Context, req message.Value) error {
	locator, err := e.registry.Resolve(req)
	if err != nil {
		return e.publish(message.Fail(message.FailureLoad, err))
	}
	u, d, err := e.loader.Load(ctx, locator)
	if err != nil {
		e.log.Warn("module load failed", zap.String("locator", locator), zap.Error(err))
		return e.publish(message.Fail(message.FailureLoad, err))
	}
	if _, err := TopologyFor(d.Info.Inputs, d.Info.Outputs); err != nil {
		var cerr *ConfigurationError
		if errors.As(err, &cerr) {
			cerr.Module = locator
		}
		u.Close(ctx)
		e.log.Warn("module rejected", zap.String("locator", locator), zap.Error(err))
		return e.publish(message.Fail(message.FailureConfiguration, err))
	}

	old := e.unit
	if err := e.install(u, d, locator); err != nil {
		u.Close(ctx)
		return err
	}
	if old != nil {
		if err := old.Close(ctx); err != nil {
			e.log.Warn("close previous unit", zap.Error(err))
		}
	}
	e.stats.swaps.Add(1)
	return nil
}

// install makes u the live unit: publish the confirmation and the default
// parameters, apply the defaults, then swap the slot. No stream is open.
func (e *Engine) install(u module.Unit, d *module.Descriptor, locator string) error {
	topo, err := TopologyFor(d.Info.Inputs, d.Info.Outputs)
	if err != nil {
		var cerr *ConfigurationError
		if errors.As(err, &cerr) {
			cerr.Module = locator
		}
		return err
	}
	gen := atomic.AddUint32(&e.generation, 1)
	confirm := message.New(message.ModuleChange, gen, message.ViewOf(e.pageURL(d.GUI.URL), d.GUI.Width, d.GUI.Height))
	defaults := d.Defaults()
	if err := e.publish(confirm); err != nil {
		return err
	}
	if err := e.publish(defaults...); err != nil {
		return err
	}
	for _, ev := range defaults {
		if err := setParam(u, ev); err != nil {
			e.log.Warn("apply default", zap.Uint32("index", ev.Index), zap.Error(err))
		}
	}
	e.unit, e.desc, e.locator, e.topo = u, d, locator, topo
	e.log.Info("module installed",
		zap.String("locator", locator),
		zap.Uint32("generation", gen),
		zap.Stringer("topology", topo))
	return nil
}

func (e *Engine) pageURL(page string) string {
	if e.cfg.BaseURL == "" || strings.Contains(page, "://") {
		return page
	}
	return strings.TrimRight(e.cfg.BaseURL, "/") + "/" + strings.TrimLeft(page, "/")
}

// Descriptor returns the live module's descriptor. Only valid on the Run
// goroutine or before Run.
func (e *Engine) Descriptor() *module.Descriptor { return e.desc }

func (e *Engine) publish(evs ...message.Event) error {
	for _, ev := range evs {
		if err := e.ui.Send(ev); err != nil {
			return fmt.Errorf("publish %s: %w", ev.Kind, err)
		}
	}
	return nil
}
