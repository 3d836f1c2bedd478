// Package audio opens platform audio streams. A Backend enumerates devices
// and opens callback-driven streams carrying interleaved float32 samples.
package audio

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned when a backend cannot provide the requested
// configuration.
var ErrUnsupported = errors.New("audio: unsupported configuration")

// NoDevice marks a direction without a device.
const NoDevice = -1

// Device is one platform audio device.
type Device struct {
	Index             int
	Name              string
	MaxInputs         int
	MaxOutputs        int
	DefaultSampleRate float64
}

// StreamConfig describes one stream session.
type StreamConfig struct {
	InputDevice    int
	OutputDevice   int
	SampleRate     int
	BufferFrames   int
	InputChannels  int
	OutputChannels int
}

func (c StreamConfig) Validate() error {
	if c.SampleRate <= 0 || c.BufferFrames <= 0 {
		return fmt.Errorf("%w: rate %d frames %d", ErrUnsupported, c.SampleRate, c.BufferFrames)
	}
	if c.OutputChannels < 1 || c.OutputChannels > 2 || c.InputChannels < 0 || c.InputChannels > 2 {
		return fmt.Errorf("%w: %d in / %d out", ErrUnsupported, c.InputChannels, c.OutputChannels)
	}
	return nil
}

// Result tells the backend whether to keep calling the callback.
type Result int

const (
	Continue Result = iota
	// Complete ends the stream session: the backend outputs silence and
	// stops invoking the callback until the stream is stopped.
	Complete
)

// Callback computes one buffer. in is nil when the stream has no input
// channels. It runs on the platform's real-time thread.
type Callback func(in, out []float32) Result

// Stream is an open stream. Stop returns only after any in-flight callback
// has returned.
type Stream interface {
	Start() error
	Stop() error
	Close() error
}

// Backend is a platform audio API.
type Backend interface {
	Name() string
	Devices() ([]Device, error)
	// DefaultDevices returns the default input and output device indexes,
	// NoDevice when there is none.
	DefaultDevices() (in, out int, err error)
	Open(cfg StreamConfig, cb Callback) (Stream, error)
	Terminate() error
}

// OpenError reports a failure to open a stream on a device.
type OpenError struct {
	Backend string
	Config  StreamConfig
	Err     error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("audio: %s open in=%d(%dch) out=%d(%dch) @%d: %v", e.Backend,
		e.Config.InputDevice, e.Config.InputChannels,
		e.Config.OutputDevice, e.Config.OutputChannels, e.Config.SampleRate, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// StreamError reports a failure to start, stop or close a stream.
type StreamError struct {
	Op  string
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("audio: stream %s: %v", e.Op, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Inputs returns the devices with at least one input channel.
func Inputs(devs []Device) []Device {
	var out []Device
	for _, d := range devs {
		if d.MaxInputs > 0 {
			out = append(out, d)
		}
	}
	return out
}

// Outputs returns the devices with at least one output channel.
func Outputs(devs []Device) []Device {
	var out []Device
	for _, d := range devs {
		if d.MaxOutputs > 0 {
			out = append(out, d)
		}
	}
	return out
}

// Lookup returns the device with the given index.
func Lookup(devs []Device, index int) (Device, bool) {
	for _, d := range devs {
		if d.Index == index {
			return d, true
		}
	}
	return Device{}, false
}

type factory func() (Backend, error)

var backends = map[string]factory{
	"null": func() (Backend, error) { return NewNull(), nil },
}

// New opens the named backend; an empty name selects DefaultBackend.
func New(name string) (Backend, error) {
	if name == "" {
		name = DefaultBackend
	}
	f, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("audio: unknown backend %q (have %v)", name, Names())
	}
	return f()
}

// Names lists the backends compiled into this build.
func Names() []string {
	names := make([]string, 0, len(backends))
	for _, n := range []string{"portaudio", "oto", "null"} {
		if _, ok := backends[n]; ok {
			names = append(names, n)
		}
	}
	return names
}
