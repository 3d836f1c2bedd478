//go:build !headless

package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

// Oto is an output-only backend. oto allows one context per process, so
// the first stream fixes the sample rate; the context is always stereo and
// mono output is duplicated to both channels.
type Oto struct {
	mu         sync.Mutex
	ctx        *oto.Context
	sampleRate int
}

func NewOto() *Oto { return &Oto{} }

func (*Oto) Name() string { return "oto" }

func (*Oto) Devices() ([]Device, error) {
	return []Device{{Index: 0, Name: "default output", MaxOutputs: 2, DefaultSampleRate: 44100}}, nil
}

func (*Oto) DefaultDevices() (int, int, error) { return NoDevice, 0, nil }

func (o *Oto) context(sampleRate, frames int) (*oto.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ctx != nil {
		if o.sampleRate != sampleRate {
			return nil, fmt.Errorf("%w: oto context fixed at %d Hz", ErrUnsupported, o.sampleRate)
		}
		return o.ctx, nil
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 2,
		Format:       oto.FormatFloat32LE,
		BufferSize:   time.Duration(frames) * time.Second / time.Duration(sampleRate),
	})
	if err != nil {
		return nil, err
	}
	<-ready
	o.ctx, o.sampleRate = ctx, sampleRate
	return ctx, nil
}

func (o *Oto) Open(cfg StreamConfig, cb Callback) (Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &OpenError{Backend: o.Name(), Config: cfg, Err: err}
	}
	if cfg.InputChannels > 0 {
		return nil, &OpenError{Backend: o.Name(), Config: cfg, Err: ErrUnsupported}
	}
	ctx, err := o.context(cfg.SampleRate, cfg.BufferFrames)
	if err != nil {
		return nil, &OpenError{Backend: o.Name(), Config: cfg, Err: err}
	}
	r := &otoReader{
		cb:       cb,
		channels: cfg.OutputChannels,
		frames:   cfg.BufferFrames,
		buf:      make([]float32, cfg.BufferFrames*cfg.OutputChannels),
	}
	r.player = ctx.NewPlayer(r)
	return r, nil
}

func (*Oto) Terminate() error { return nil }

// otoReader pulls buffers from the callback as oto reads PCM bytes.
type otoReader struct {
	player   *oto.Player
	cb       Callback
	channels int
	frames   int

	mu       sync.Mutex // held while the callback runs
	buf      []float32
	pending  []float32
	running  bool
	complete bool
}

func (r *otoReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for n+8 <= len(p) {
		if len(r.pending) == 0 {
			if !r.running || r.complete {
				clear(r.buf)
			} else {
				clear(r.buf)
				r.complete = r.cb(nil, r.buf) == Complete
			}
			r.pending = r.buf
		}
		var left, right float32
		if r.channels == 1 {
			left, right = r.pending[0], r.pending[0]
			r.pending = r.pending[1:]
		} else {
			left, right = r.pending[0], r.pending[1]
			r.pending = r.pending[2:]
		}
		binary.LittleEndian.PutUint32(p[n:], math.Float32bits(left))
		binary.LittleEndian.PutUint32(p[n+4:], math.Float32bits(right))
		n += 8
	}
	return n, nil
}

func (r *otoReader) Start() error {
	r.mu.Lock()
	r.running, r.complete, r.pending = true, false, nil
	r.mu.Unlock()
	r.player.Play()
	return nil
}

// Stop pauses the player. Taking the lock waits out a Read in progress.
func (r *otoReader) Stop() error {
	r.player.Pause()
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	return nil
}

func (r *otoReader) Close() error {
	r.Stop()
	if err := r.player.Close(); err != nil {
		return &StreamError{Op: "close", Err: err}
	}
	return nil
}
