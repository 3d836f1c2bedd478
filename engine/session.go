package engine

import (
	"fmt"
	"sync/atomic"

	"go-anywhere/audio"
	"go-anywhere/bus"
	"go-anywhere/message"
	"go-anywhere/midi"
	"go-anywhere/module"
)

type signalKind uint8

const (
	sigModule signalKind = iota
	sigInputDevice
	sigOutputDevice
	sigExit
	sigFault
)

func (k signalKind) String() string {
	switch k {
	case sigModule:
		return "module"
	case sigInputDevice:
		return "input device"
	case sigOutputDevice:
		return "output device"
	case sigExit:
		return "exit"
	case sigFault:
		return "fault"
	}
	return fmt.Sprintf("signal(%d)", uint8(k))
}

// signal is the one-shot handoff from the callback to the outer loop.
type signal struct {
	kind  signalKind
	value message.Value
	err   error
}

// swapSignal maps a swap-class event to its handoff. ok is false for kinds
// the callback applies in place or ignores.
func swapSignal(ev message.Event) (signal, bool) {
	switch ev.Kind {
	case message.ModuleChange:
		return signal{kind: sigModule, value: ev.Value}, true
	case message.InputDeviceSelected:
		return signal{kind: sigInputDevice, value: ev.Value}, true
	case message.OutputDeviceSelected:
		return signal{kind: sigOutputDevice, value: ev.Value}, true
	case message.Exit:
		return signal{kind: sigExit}, true
	case message.ParameterChange, message.NoteOn, message.NoteOff,
		message.ControllerChange, message.InputDeviceAdded, message.OutputDeviceAdded,
		message.UILoaded, message.ModuleAdded, message.Failure:
		return signal{}, false
	}
	return signal{}, false
}

// PanicError is the fault raised when the unit panics inside the callback.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic in audio callback: %v", e.Value) }

// session is one open stream. The callback borrows unit for one buffer at
// a time; once done is set it never touches the unit again.
type session struct {
	unit    module.Unit
	notes   module.NoteHandler
	topo    Topology
	inbox   bus.Receiver[message.Event]
	midiIn  bus.Receiver[midi.Message]
	stats   *counters
	state   *atomic.Uint32
	streak  int
	maxErrs int

	handoff chan signal
	done    atomic.Bool
}

func newSession(unit module.Unit, topo Topology, inbox bus.Receiver[message.Event], notes bus.Receiver[midi.Message], stats *counters, state *atomic.Uint32, maxErrs int) *session {
	s := &session{
		unit:    unit,
		topo:    topo,
		inbox:   inbox,
		midiIn:  notes,
		stats:   stats,
		state:   state,
		maxErrs: maxErrs,
		handoff: make(chan signal, 1),
	}
	s.notes, _ = unit.(module.NoteHandler)
	return s
}

// finish hands sig to the outer loop. Only the first call has any effect.
func (s *session) finish(sig signal) {
	if !s.done.CompareAndSwap(false, true) {
		return
	}
	s.state.Store(State{Kind: SwapPending, Topology: s.topo}.pack())
	select {
	case s.handoff <- sig:
	default:
	}
}

// process is the real-time callback: drain notes, drain the inbox, then
// compute one buffer. It does not block, log or allocate on the common path.
func (s *session) process(in, out []float32) (res audio.Result) {
	if s.done.Load() {
		clear(out)
		return audio.Complete
	}
	defer func() {
		if r := recover(); r != nil {
			clear(out)
			s.stats.faults.Add(1)
			s.finish(signal{kind: sigFault, err: &PanicError{Value: r}})
			res = audio.Complete
		}
	}()

	s.drainNotes()

	for {
		ev, ok := s.inbox.TryReceive()
		if !ok {
			break
		}
		if sig, swap := swapSignal(ev); swap {
			clear(out)
			s.finish(sig)
			return audio.Complete
		}
		s.apply(ev)
	}

	if err := s.compute(in, out); err != nil {
		clear(out)
		s.streak++
		if s.streak >= s.maxErrs {
			s.stats.faults.Add(1)
			s.finish(signal{kind: sigFault, err: err})
			return audio.Complete
		}
		return audio.Continue
	}
	s.streak = 0
	s.stats.buffers.Add(1)
	return audio.Continue
}

func (s *session) drainNotes() {
	for {
		m, ok := s.midiIn.TryReceive()
		if !ok {
			return
		}
		if s.notes == nil || !m.IsNote() {
			s.stats.droppedNotes.Add(1)
			continue
		}
		velocity := float32(m.Data2) / 127
		var err error
		if m.Type == midi.NoteOn {
			err = s.notes.NoteOn(int32(m.Data1), velocity)
		} else {
			err = s.notes.NoteOff(int32(m.Data1), velocity)
		}
		if err != nil {
			s.stats.unitErrors.Add(1)
		}
	}
}

// apply handles an in-place event from the inbox.
func (s *session) apply(ev message.Event) {
	switch ev.Kind {
	case message.ParameterChange:
		if err := setParam(s.unit, ev); err != nil {
			s.stats.unitErrors.Add(1)
		}
	case message.NoteOn, message.NoteOff:
		if s.notes == nil {
			s.stats.droppedNotes.Add(1)
			return
		}
		if err := uiNote(s.notes, ev); err != nil {
			s.stats.unitErrors.Add(1)
		}
	case message.ModuleChange, message.InputDeviceSelected, message.OutputDeviceSelected, message.Exit:
		// handled by swapSignal
	case message.ControllerChange, message.InputDeviceAdded, message.OutputDeviceAdded,
		message.UILoaded, message.ModuleAdded, message.Failure:
	}
}

func (s *session) compute(in, out []float32) error {
	oc := s.topo.Outputs()
	frames := len(out) / oc
	if ic := s.topo.Inputs(); ic > 0 && len(in) < frames*ic {
		return module.ErrShortBuffer
	}
	switch s.topo {
	case ZeroOne:
		return s.unit.ComputeZeroOne(frames, out)
	case ZeroTwo:
		return s.unit.ComputeZeroTwo(frames, out)
	case OneOne:
		return s.unit.ComputeOneOne(frames, in, out)
	case OneTwo:
		return s.unit.ComputeOneTwo(frames, in, out)
	case TwoOne:
		return s.unit.ComputeTwoOne(frames, in, out)
	case TwoTwo:
		return s.unit.ComputeTwoTwo(frames, in, out)
	}
	return module.ErrArity
}

// setParam applies a ParameterChange. Only numeric values are applied.
func setParam(u module.Unit, ev message.Event) error {
	switch ev.Value.Type() {
	case message.TypeFloat:
		f, _ := ev.Value.AsFloat()
		return u.SetParamFloat(ev.Index, f)
	case message.TypeInt:
		i, _ := ev.Value.AsInt()
		return u.SetParamInt(ev.Index, i)
	case message.TypeString, message.TypePair, message.TypeBytes, message.TypeView:
	}
	return nil
}

// uiNote plays a note from the UI keyboard: Pair(note, velocity) or Int(note).
func uiNote(h module.NoteHandler, ev message.Event) error {
	var note int32
	velocity := float32(1)
	if n, v, ok := ev.Value.AsPair(); ok {
		note, velocity = int32(n), float32(v)/127
	} else {
		note = ev.Value.Int32()
		if ev.Kind == message.NoteOff {
			velocity = 0
		}
	}
	if ev.Kind == message.NoteOn && velocity > 0 {
		return h.NoteOn(note, velocity)
	}
	return h.NoteOff(note, velocity)
}
