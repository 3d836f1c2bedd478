package midi

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"go-anywhere/bus"
	"go-anywhere/message"
)

// PortEvent is emitted when an input port appears or disappears
type PortEvent struct {
	Type PortEventType
	Name string
	// Opened is set when the router started routing the port.
	Opened bool
}

type PortEventType int

const (
	PortConnected PortEventType = iota
	PortDisconnected
)

// Watcher handles hot-plug detection of MIDI inputs and opens the ones
// matching an auto-connect pattern.
type Watcher struct {
	router   *Router
	notes    bus.Sender[Message]
	ui       bus.Sender[message.Event]
	patterns []string
	log      *zap.Logger

	mu     sync.RWMutex
	known  map[string]bool
	events chan PortEvent

	PollRate    time.Duration
	ScanTimeout time.Duration
}

// NewWatcher creates a watcher. A port is auto-opened when its lower-cased
// name contains one of patterns (also lower-cased).
func NewWatcher(router *Router, patterns []string, notes bus.Sender[Message], ui bus.Sender[message.Event], log *zap.Logger) *Watcher {
	lower := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			lower = append(lower, p)
		}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		router:      router,
		notes:       notes,
		ui:          ui,
		patterns:    lower,
		log:         log.Named("midi-watch"),
		known:       make(map[string]bool),
		events:      make(chan PortEvent, 16),
		PollRate:    time.Second,
		ScanTimeout: 3 * time.Second,
	}
}

// Events returns a channel of connect/disconnect events. It is closed when
// Run returns.
func (w *Watcher) Events() <-chan PortEvent {
	return w.events
}

// Ports returns a snapshot of the ports seen in the last scan.
func (w *Watcher) Ports() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.known))
	for name := range w.known {
		out = append(out, name)
	}
	return out
}

// Run polls until ctx is done (blocking - run in goroutine).
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.PollRate)
	defer ticker.Stop()
	defer close(w.events)

	w.scan()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.scan()
		}
	}
}

func (w *Watcher) scan() {
	// Port enumeration can hang on some platforms; skip the scan if so.
	type result struct {
		names []string
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		names, err := w.router.ListInputPorts()
		ch <- result{names, err}
	}()

	var names []string
	select {
	case res := <-ch:
		if res.err != nil {
			w.log.Warn("port scan failed", zap.Error(res.err))
			return
		}
		names = res.names
	case <-time.After(w.ScanTimeout):
		w.log.Warn("port scan timed out", zap.Duration("timeout", w.ScanTimeout))
		return
	}

	seen := make(map[string]bool, len(names))
	for _, name := range names {
		seen[name] = true

		w.mu.RLock()
		exists := w.known[name]
		w.mu.RUnlock()
		if exists {
			continue
		}

		ev := PortEvent{Type: PortConnected, Name: name}
		if w.wants(name) {
			if err := w.router.OpenInput(name, w.notes, w.ui); err != nil {
				w.log.Warn("auto-connect failed", zap.String("port", name), zap.Error(err))
			} else {
				ev.Opened = true
			}
		}

		w.mu.Lock()
		w.known[name] = true
		w.mu.Unlock()
		w.emit(ev)
	}

	w.mu.Lock()
	var gone []string
	for name := range w.known {
		if !seen[name] {
			gone = append(gone, name)
		}
	}
	for _, name := range gone {
		delete(w.known, name)
	}
	w.mu.Unlock()

	for _, name := range gone {
		for _, open := range w.router.OpenPorts() {
			if open == name {
				w.router.CloseInput(name)
				break
			}
		}
		w.emit(PortEvent{Type: PortDisconnected, Name: name})
	}
}

func (w *Watcher) wants(name string) bool {
	name = strings.ToLower(name)
	for _, p := range w.patterns {
		if strings.Contains(name, p) {
			return true
		}
	}
	return false
}

func (w *Watcher) emit(ev PortEvent) {
	select {
	case w.events <- ev:
	default:
	}
}
