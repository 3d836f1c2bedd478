//go:build !headless

package audio

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
)

// DefaultBackend is used when no backend is configured.
const DefaultBackend = "portaudio"

func init() {
	backends["portaudio"] = func() (Backend, error) { return NewPortAudio() }
	backends["oto"] = func() (Backend, error) { return NewOto(), nil }
}

// PortAudio opens duplex or output-only callback streams.
type PortAudio struct {
	mu         sync.Mutex
	terminated bool
}

func NewPortAudio() (*PortAudio, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}
	return &PortAudio{}, nil
}

func (*PortAudio) Name() string { return "portaudio" }

func (p *PortAudio) Devices() ([]Device, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio devices: %w", err)
	}
	devs := make([]Device, len(infos))
	for i, info := range infos {
		devs[i] = Device{
			Index:             i,
			Name:              info.Name,
			MaxInputs:         info.MaxInputChannels,
			MaxOutputs:        info.MaxOutputChannels,
			DefaultSampleRate: info.DefaultSampleRate,
		}
	}
	return devs, nil
}

func (p *PortAudio) DefaultDevices() (int, int, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return NoDevice, NoDevice, fmt.Errorf("portaudio devices: %w", err)
	}
	in, out := NoDevice, NoDevice
	if def, err := portaudio.DefaultInputDevice(); err == nil {
		in = indexOf(infos, def)
	}
	if def, err := portaudio.DefaultOutputDevice(); err == nil {
		out = indexOf(infos, def)
	}
	return in, out, nil
}

func indexOf(infos []*portaudio.DeviceInfo, want *portaudio.DeviceInfo) int {
	for i, info := range infos {
		if info == want {
			return i
		}
	}
	for i, info := range infos {
		if info.Name == want.Name && info.HostApi == want.HostApi {
			return i
		}
	}
	return NoDevice
}

func (p *PortAudio) Open(cfg StreamConfig, cb Callback) (Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &OpenError{Backend: p.Name(), Config: cfg, Err: err}
	}
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, &OpenError{Backend: p.Name(), Config: cfg, Err: err}
	}
	device := func(i int) (*portaudio.DeviceInfo, error) {
		if i < 0 || i >= len(infos) {
			return nil, fmt.Errorf("no device %d", i)
		}
		return infos[i], nil
	}

	params := portaudio.StreamParameters{
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: cfg.BufferFrames,
	}
	out, err := device(cfg.OutputDevice)
	if err != nil {
		return nil, &OpenError{Backend: p.Name(), Config: cfg, Err: err}
	}
	params.Output = portaudio.StreamDeviceParameters{
		Device:   out,
		Channels: cfg.OutputChannels,
		Latency:  out.DefaultLowOutputLatency,
	}

	s := &paStream{cb: cb}
	var stream *portaudio.Stream
	if cfg.InputChannels > 0 {
		in, err := device(cfg.InputDevice)
		if err != nil {
			return nil, &OpenError{Backend: p.Name(), Config: cfg, Err: err}
		}
		params.Input = portaudio.StreamDeviceParameters{
			Device:   in,
			Channels: cfg.InputChannels,
			Latency:  in.DefaultLowInputLatency,
		}
		stream, err = portaudio.OpenStream(params, s.duplex)
	} else {
		stream, err = portaudio.OpenStream(params, s.output)
	}
	if err != nil {
		return nil, &OpenError{Backend: p.Name(), Config: cfg, Err: err}
	}
	s.stream = stream
	return s, nil
}

func (p *PortAudio) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated {
		return nil
	}
	p.terminated = true
	return portaudio.Terminate()
}

type paStream struct {
	stream   *portaudio.Stream
	cb       Callback
	complete atomic.Bool
}

func (s *paStream) duplex(in, out []float32) {
	if s.complete.Load() {
		clear(out)
		return
	}
	if s.cb(in, out) == Complete {
		s.complete.Store(true)
	}
}

func (s *paStream) output(out []float32) {
	s.duplex(nil, out)
}

func (s *paStream) Start() error {
	s.complete.Store(false)
	if err := s.stream.Start(); err != nil {
		return &StreamError{Op: "start", Err: err}
	}
	return nil
}

// Stop waits for pending buffers, so no callback is running once it returns.
func (s *paStream) Stop() error {
	if err := s.stream.Stop(); err != nil {
		return &StreamError{Op: "stop", Err: err}
	}
	return nil
}

func (s *paStream) Close() error {
	if err := s.stream.Close(); err != nil {
		return &StreamError{Op: "close", Err: err}
	}
	return nil
}
