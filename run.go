package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go-anywhere/audio"
	"go-anywhere/bus"
	"go-anywhere/config"
	"go-anywhere/debug"
	"go-anywhere/engine"
	"go-anywhere/message"
	"go-anywhere/midi"
	"go-anywhere/module"
	"go-anywhere/theme"
	"go-anywhere/tui"
	"go-anywhere/ui"
)

// buses are the three transports between the actors.
type buses struct {
	engine *bus.Bus[message.Event] // UI to engine
	ui     *bus.Bus[message.Event] // engine, MIDI and acks to the gate
	notes  *bus.Bus[midi.Message]  // MIDI router to engine
}

func newBuses() buses {
	return buses{
		engine: bus.New[message.Event](),
		ui:     bus.New[message.Event](),
		notes:  bus.New[midi.Message](),
	}
}

// send routes an event the way a UI-originated event is routed.
func (b buses) send(ev message.Event) error {
	routed, err := ui.Route(ev, b.engine, b.ui)
	if err != nil {
		return err
	}
	if !routed {
		return fmt.Errorf("%s is not a UI event", ev.Kind)
	}
	return nil
}

// closing wraps a consumer so its buses are torn down when it returns.
// Later sends fail with bus.ErrClosed and surface to the sender.
func closing(consume func() error, in ...interface{ Close() }) func() error {
	return func() error {
		defer func() {
			for _, c := range in {
				c.Close()
			}
		}()
		return consume()
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	opts := debug.Options{Level: cfg.Log.Level, File: cfg.Log.File, JSON: cfg.Log.JSON}
	if opts.File == "" && cfg.UI.Surface == "tui" {
		dir, err := config.ConfigDir()
		if err != nil {
			return nil, err
		}
		opts.File = filepath.Join(dir, "go-anywhere.log")
	}
	return debug.New(opts)
}

func newFetcher(cfg *config.Config, base string, log *zap.Logger) (module.Fetcher, func(), error) {
	fetch, err := module.NewFetcher(base, log)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Cache.Enabled {
		return fetch, func() {}, nil
	}

	dir := cfg.Cache.Dir
	if dir == "" && !cfg.Cache.InMemory {
		cfgDir, err := config.ConfigDir()
		if err != nil {
			return nil, nil, err
		}
		dir = filepath.Join(cfgDir, "cache")
	}
	cache, err := module.NewCacheFetcher(fetch, module.CacheOptions{Dir: dir, InMemory: cfg.Cache.InMemory}, log)
	if err != nil {
		log.Warn("module cache disabled", zap.String("dir", dir), zap.Error(err))
		return fetch, func() {}, nil
	}
	return cache, func() {
		if err := cache.Close(); err != nil {
			log.Warn("close module cache", zap.Error(err))
		}
	}, nil
}

// run wires the actors and blocks until Exit, a signal or a fatal error.
func run(ctx context.Context, cfg *config.Config) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	base, err := cfg.Modules.URL()
	if err != nil {
		return fmt.Errorf("modules url: %w", err)
	}
	backend, err := audio.New(cfg.Audio.Backend)
	if err != nil {
		return err
	}
	defer backend.Terminate()

	fetch, closeCache, err := newFetcher(cfg, base, log)
	if err != nil {
		return err
	}
	defer closeCache()
	wasm, err := module.NewWasmRuntime(ctx, log)
	if err != nil {
		return err
	}
	defer wasm.Close(context.Background())
	loader := module.NewLoader(fetch, wasm, log)

	b := newBuses()
	router := midi.NewRouter(midi.GomidiDriver{}, log)
	defer router.Close()
	if cfg.MIDI.Input != "" {
		if err := router.OpenInput(cfg.MIDI.Input, b.notes, b.ui); err != nil {
			log.Warn("midi input not opened", zap.Error(err))
			if err := b.ui.Send(message.Fail(message.FailureOpen, err)); err != nil {
				return err
			}
		}
	}
	watcher := midi.NewWatcher(router, cfg.MIDI.AutoConnect, b.notes, b.ui, log)

	eng := engine.New(engine.Config{
		SampleRate:   cfg.Audio.SampleRate,
		BufferFrames: cfg.Audio.BufferFrames,
		InputDevice:  cfg.Audio.InputDevice,
		OutputDevice: cfg.Audio.OutputDevice,
		Registry:     cfg.Modules.Registry,
		Module:       cfg.Modules.Module,
		BaseURL:      base,
		FaultRetries: cfg.Audio.FaultRetries,
	}, backend, loader, b.engine, b.notes, b.ui, log)
	if err := eng.Start(ctx); err != nil {
		return err
	}
	log.Info("engine started",
		zap.String("modules", base),
		zap.String("backend", cfg.Audio.Backend),
		zap.Stringer("state", eng.State()))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(eng.Collectors()...)

	var (
		surface    ui.Surface
		bridgeErrs <-chan error
	)
	switch cfg.UI.Surface {
	case "tui":
		th, err := loadTheme(cfg.UI.Palette)
		if err != nil {
			return err
		}
		model := tui.NewModel(th, b.send, func() string { return eng.State().String() })
		p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(gctx))
		surface = ui.AutoAck(tui.NewSurface(p), b.ui)
		g.Go(func() error {
			defer cancel()
			final, err := p.Run()
			if errors.Is(err, tea.ErrProgramKilled) {
				return nil
			}
			if err != nil {
				return err
			}
			if m, ok := final.(tui.Model); ok && m.Err() != nil {
				return m.Err()
			}
			return nil
		})

	case "ws":
		bridge := ui.NewBridge(b.engine, b.ui, log)
		defer bridge.Close()
		reg.MustRegister(bridge.Collectors()...)
		surface = bridge
		bridgeErrs = bridge.Errors()
		g.Go(func() error { return ui.Serve(gctx, cfg.UI.Listen, bridge.Handler(reg), log) })
		log.Info("websocket surface", zap.String("listen", cfg.UI.Listen))

	case "none":
		surface = ui.AutoAck(ui.Discard, b.ui)
	}

	// Surfaces without a page to load open the gate at once.
	if cfg.UI.Surface != "ws" {
		if err := b.ui.Send(message.New(message.UILoaded, 0, message.Int(0))); err != nil {
			return err
		}
	}
	gate := ui.NewGate(b.ui, surface, log)

	g.Go(closing(func() error { return eng.Run(gctx) }, b.engine, b.notes))
	g.Go(closing(func() error {
		defer cancel()
		return gate.Run(gctx)
	}, b.ui))
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error {
		for ev := range watcher.Events() {
			log.Info("midi port", zap.String("name", ev.Name),
				zap.Bool("connected", ev.Type == midi.PortConnected), zap.Bool("opened", ev.Opened))
		}
		return nil
	})
	g.Go(func() error {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigs)
		select {
		case <-sigs:
			log.Info("interrupted, exiting")
			if err := b.engine.Send(message.ExitEvent()); !errors.Is(err, bus.ErrClosed) {
				return err
			}
			return nil
		case err := <-router.Errors():
			return fmt.Errorf("midi: %w", err)
		case err := <-bridgeErrs:
			return fmt.Errorf("websocket: %w", err)
		case <-gctx.Done():
			return nil
		}
	})

	err = g.Wait()
	st := eng.Stats()
	log.Info("stopped",
		zap.Uint64("buffers", st.Buffers),
		zap.Uint64("swaps", st.Swaps),
		zap.Uint64("faults", st.Faults),
		zap.Uint64("midi_routed", router.Routed()),
		zap.Uint64("ui_delivered", gate.Delivered()))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		log.Error("fatal", zap.Error(err))
	}
	return err
}

func loadTheme(path string) (*theme.Theme, error) {
	if path == "" {
		return theme.New(nil), nil
	}
	p, err := theme.LoadGPL(path)
	if err != nil {
		return nil, err
	}
	return theme.New(p), nil
}
