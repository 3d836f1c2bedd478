package module

import "context"

// Unit is a loaded processing unit. It is owned by one goroutine at a time:
// the engine between stream sessions, and the audio callback for the
// duration of one buffer. Sample spans are interleaved float32 frames.
//
// Compute methods must not allocate or block.
type Unit interface {
	Init(sampleRate int) error
	SetParamFloat(index uint32, value float32) error
	SetParamInt(index uint32, value int32) error

	ComputeZeroOne(frames int, out []float32) error
	ComputeZeroTwo(frames int, out []float32) error
	ComputeOneOne(frames int, in, out []float32) error
	ComputeOneTwo(frames int, in, out []float32) error
	ComputeTwoOne(frames int, in, out []float32) error
	ComputeTwoTwo(frames int, in, out []float32) error

	Close(ctx context.Context) error
}

// NoteHandler is implemented by units that accept notes.
type NoteHandler interface {
	NoteOn(note int32, velocity float32) error
	NoteOff(note int32, velocity float32) error
}

// Instantiator builds a Unit from a payload and its descriptor.
type Instantiator interface {
	Instantiate(ctx context.Context, d *Descriptor, payload []byte) (Unit, error)
}

// InstantiatorFunc adapts a function to Instantiator.
type InstantiatorFunc func(ctx context.Context, d *Descriptor, payload []byte) (Unit, error)

func (f InstantiatorFunc) Instantiate(ctx context.Context, d *Descriptor, payload []byte) (Unit, error) {
	return f(ctx, d, payload)
}
