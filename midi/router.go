package midi

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	gomidi "gitlab.com/gomidi/midi/v2"
	"go.uber.org/zap"

	"go-anywhere/bus"
	"go-anywhere/message"
)

// ErrNotFound is wrapped by OpenError when no input port has the name.
var ErrNotFound = errors.New("midi: port not found")

// OpenError reports a failure to open an input port.
type OpenError struct {
	Port string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("midi: open %q: %v", e.Port, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// Router owns the open input connections. Control changes go straight to
// the UI sink; every other channel message goes to the note sink.
type Router struct {
	driver Driver
	log    *zap.Logger

	mu    sync.Mutex
	open  map[string]func()
	errs  chan error
	count atomic.Uint64
}

func NewRouter(driver Driver, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		driver: driver,
		log:    log.Named("midi"),
		open:   make(map[string]func()),
		errs:   make(chan error, 1),
	}
}

// ListInputPorts returns the names of the available input ports.
func (r *Router) ListInputPorts() ([]string, error) {
	ports, err := r.driver.InPorts()
	if err != nil {
		return nil, fmt.Errorf("list input ports: %w", err)
	}
	names := make([]string, len(ports))
	for i, p := range ports {
		names[i] = p.Name()
	}
	return names, nil
}

// OpenInput starts routing messages from the named port. Opening a port
// that is already open is a no-op.
func (r *Router) OpenInput(name string, notes bus.Sender[Message], ui bus.Sender[message.Event]) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.open[name]; ok {
		return nil
	}

	ports, err := r.driver.InPorts()
	if err != nil {
		return &OpenError{Port: name, Err: err}
	}
	var port Port
	for _, p := range ports {
		if p.Name() == name {
			port = p
			break
		}
	}
	if port == nil {
		return &OpenError{Port: name, Err: ErrNotFound}
	}

	stop, err := port.Listen(func(msg gomidi.Message) {
		r.route(msg, notes, ui)
	})
	if err != nil {
		return &OpenError{Port: name, Err: err}
	}
	r.open[name] = stop
	r.log.Info("input opened", zap.String("port", name))
	return nil
}

// CloseInput stops routing from the named port.
func (r *Router) CloseInput(name string) error {
	r.mu.Lock()
	stop, ok := r.open[name]
	delete(r.open, name)
	r.mu.Unlock()

	if !ok {
		return &OpenError{Port: name, Err: ErrNotFound}
	}
	stop()
	r.log.Info("input closed", zap.String("port", name))
	return nil
}

// OpenPorts returns the names of the open ports, sorted.
func (r *Router) OpenPorts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.open))
	for name := range r.open {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close stops every open port.
func (r *Router) Close() error {
	r.mu.Lock()
	open := r.open
	r.open = make(map[string]func())
	r.mu.Unlock()

	for _, stop := range open {
		stop()
	}
	return nil
}

// Errors reports sink failures from driver callbacks. A sink only fails
// once its bus is closed, so any error here means shutdown raced the
// driver and is fatal.
func (r *Router) Errors() <-chan error {
	return r.errs
}

// Routed is the number of messages forwarded to either sink.
func (r *Router) Routed() uint64 {
	return r.count.Load()
}

func (r *Router) route(msg gomidi.Message, notes bus.Sender[Message], ui bus.Sender[message.Event]) {
	m, ok := Decode(msg)
	if !ok {
		return
	}
	var err error
	if m.Type == CC {
		err = ui.Send(message.New(message.ControllerChange, uint32(m.Data1), message.Int(int32(m.Data2))))
	} else {
		err = notes.Send(m)
	}
	if err != nil {
		select {
		case r.errs <- fmt.Errorf("midi route %s: %w", m, err):
		default:
		}
		return
	}
	r.count.Add(1)
}
