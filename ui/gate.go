// Package ui adapts the event bus to user-interface surfaces.
//
// The Gate is the only consumer of the UI bus. It holds engine output back
// until the surface reports that the current module view has loaded, so
// parameter indices of a previous module never reach a new view.
package ui

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"go-anywhere/bus"
	"go-anywhere/debug"
	"go-anywhere/message"
)

// Gate delivers UI bus traffic to a Surface in send order.
//
// It starts closed. A UILoaded for the current generation opens it and
// flushes the queue; delivering a ModuleChange confirmation closes it again
// and moves to that confirmation's generation. A UILoaded with Index 0
// matches any generation.
type Gate struct {
	in  bus.Receiver[message.Event]
	out Surface
	log *zap.Logger

	pending    []message.Event
	open       bool
	generation atomic.Uint32
	delivered  atomic.Uint64
}

func NewGate(in bus.Receiver[message.Event], out Surface, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{in: in, out: out, log: log.Named("gate")}
}

// Generation is the generation of the last confirmation delivered.
func (g *Gate) Generation() uint32 { return g.generation.Load() }

// Delivered counts events handed to the surface.
func (g *Gate) Delivered() uint64 { return g.delivered.Load() }

// Run consumes the bus until Exit, ctx cancellation or bus close. Exit is
// delivered after everything queued before it and ends Run with nil.
func (g *Gate) Run(ctx context.Context) error {
	for {
		ev, err := g.in.Receive(ctx)
		if errors.Is(err, bus.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}

		switch ev.Kind {
		case message.UILoaded:
			gen := g.generation.Load()
			if ev.Index != 0 && ev.Index != gen {
				g.log.Debug("stale UILoaded", zap.Uint32("got", ev.Index), zap.Uint32("want", gen))
				continue
			}
			g.open = true
			if err := g.flush(); err != nil {
				return err
			}

		case message.Exit:
			g.pending = append(g.pending, ev)
			for _, q := range g.pending {
				if err := g.deliver(q); err != nil {
					return err
				}
			}
			g.pending = nil
			return nil

		case message.ParameterChange, message.ControllerChange, message.ModuleChange,
			message.InputDeviceAdded, message.OutputDeviceAdded, message.ModuleAdded,
			message.InputDeviceSelected, message.OutputDeviceSelected,
			message.NoteOn, message.NoteOff, message.Failure:
			g.pending = append(g.pending, ev)
			if g.open {
				if err := g.flush(); err != nil {
					return err
				}
			}
		}
	}
}

// flush delivers queued events until the queue empties or a confirmation
// closes the gate.
func (g *Gate) flush() error {
	n := 0
	for n < len(g.pending) && g.open {
		ev := g.pending[n]
		n++
		if err := g.deliver(ev); err != nil {
			g.pending = g.pending[n:]
			return err
		}
		if ev.Kind == message.ModuleChange {
			g.open = false
			g.generation.Store(ev.Index)
		}
	}
	g.pending = append(g.pending[:0], g.pending[n:]...)
	return nil
}

func (g *Gate) deliver(ev message.Event) error {
	if err := g.out.Deliver(ev); err != nil {
		return err
	}
	n := g.delivered.Add(1)
	debug.LogEvery(256, "gate", "delivered %d (generation %d)", n, g.generation.Load())
	return nil
}
