package ui

import (
	"errors"

	"go-anywhere/bus"
	"go-anywhere/message"
)

// Surface is a user interface that receives engine output.
type Surface interface {
	Deliver(ev message.Event) error
}

// SurfaceFunc adapts a function to Surface.
type SurfaceFunc func(ev message.Event) error

func (f SurfaceFunc) Deliver(ev message.Event) error { return f(ev) }

// Discard accepts and drops every event.
var Discard Surface = SurfaceFunc(func(message.Event) error { return nil })

// Multi delivers each event to every surface, in order. Every surface sees
// the event even when an earlier one fails.
func Multi(surfaces ...Surface) Surface {
	return SurfaceFunc(func(ev message.Event) error {
		var errs []error
		for _, s := range surfaces {
			if err := s.Deliver(ev); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// AutoAck wraps a surface that has no page to load: every delivered
// confirmation is acknowledged at once with a UILoaded for its generation.
func AutoAck(s Surface, gate bus.Sender[message.Event]) Surface {
	return SurfaceFunc(func(ev message.Event) error {
		if err := s.Deliver(ev); err != nil {
			return err
		}
		if ev.Kind == message.ModuleChange {
			return gate.Send(message.New(message.UILoaded, ev.Index, message.Int(0)))
		}
		return nil
	})
}

// Route sends a UI-originated event to the actor that owns its kind. Kinds
// a UI may not originate are reported as not routed.
func Route(ev message.Event, engine, gate bus.Sender[message.Event]) (routed bool, err error) {
	switch message.RouteFromUI(ev.Kind) {
	case message.ToEngine:
		return true, engine.Send(ev)
	case message.ToGate:
		return true, gate.Send(ev)
	case message.ToNowhere:
	}
	return false, nil
}
