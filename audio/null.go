package audio

import (
	"sync"
	"time"
)

// Null is a clock-driven backend that discards its output. It serves
// headless runs and tests.
type Null struct {
	devices []Device
}

func NewNull() *Null {
	return &Null{devices: []Device{{
		Index:             0,
		Name:              "null",
		MaxInputs:         2,
		MaxOutputs:        2,
		DefaultSampleRate: 44100,
	}}}
}

func (*Null) Name() string { return "null" }

func (n *Null) Devices() ([]Device, error) {
	return append([]Device(nil), n.devices...), nil
}

func (*Null) DefaultDevices() (int, int, error) { return 0, 0, nil }

func (n *Null) Open(cfg StreamConfig, cb Callback) (Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &OpenError{Backend: n.Name(), Config: cfg, Err: err}
	}
	for _, dev := range []struct{ index, ch int }{{cfg.OutputDevice, cfg.OutputChannels}, {cfg.InputDevice, cfg.InputChannels}} {
		if dev.ch == 0 {
			continue
		}
		if _, ok := Lookup(n.devices, dev.index); !ok {
			return nil, &OpenError{Backend: n.Name(), Config: cfg, Err: ErrUnsupported}
		}
	}
	s := &nullStream{
		cb:     cb,
		period: time.Duration(cfg.BufferFrames) * time.Second / time.Duration(cfg.SampleRate),
		out:    make([]float32, cfg.BufferFrames*cfg.OutputChannels),
	}
	if cfg.InputChannels > 0 {
		s.in = make([]float32, cfg.BufferFrames*cfg.InputChannels)
	}
	return s, nil
}

func (*Null) Terminate() error { return nil }

type nullStream struct {
	cb     Callback
	period time.Duration
	in     []float32
	out    []float32

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func (s *nullStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return nil
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done)
	return nil
}

func (s *nullStream) run(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	complete := false
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if complete {
				continue
			}
			clear(s.out)
			complete = s.cb(s.in, s.out) == Complete
		}
	}
}

func (s *nullStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return nil
	}
	close(s.stop)
	<-s.done
	s.stop, s.done = nil, nil
	return nil
}

func (s *nullStream) Close() error {
	return s.Stop()
}
