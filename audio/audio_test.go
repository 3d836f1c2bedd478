package audio

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceFilters(t *testing.T) {
	devs := []Device{
		{Index: 0, Name: "mic", MaxInputs: 1},
		{Index: 1, Name: "speakers", MaxOutputs: 2},
		{Index: 2, Name: "interface", MaxInputs: 2, MaxOutputs: 2},
	}
	var names []string
	for _, d := range Inputs(devs) {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"mic", "interface"}, names)
	names = nil
	for _, d := range Outputs(devs) {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"speakers", "interface"}, names)

	d, ok := Lookup(devs, 2)
	assert.True(t, ok)
	assert.Equal(t, "interface", d.Name)
	_, ok = Lookup(devs, 7)
	assert.False(t, ok)
}

func TestStreamConfigValidate(t *testing.T) {
	ok := StreamConfig{SampleRate: 44100, BufferFrames: 64, OutputChannels: 2}
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.OutputChannels = 0
	assert.ErrorIs(t, bad.Validate(), ErrUnsupported)
	bad = ok
	bad.InputChannels = 3
	assert.ErrorIs(t, bad.Validate(), ErrUnsupported)
	bad = ok
	bad.BufferFrames = 0
	assert.ErrorIs(t, bad.Validate(), ErrUnsupported)
}

func TestNewBackend(t *testing.T) {
	b, err := New("null")
	require.NoError(t, err)
	assert.Equal(t, "null", b.Name())
	assert.Contains(t, Names(), "null")

	_, err = New("jack")
	assert.Error(t, err)
}

func TestNullStream(t *testing.T) {
	b := NewNull()
	var calls atomic.Int32
	var sawInput atomic.Bool
	s, err := b.Open(StreamConfig{
		InputDevice: 0, OutputDevice: 0,
		SampleRate: 48000, BufferFrames: 48,
		InputChannels: 1, OutputChannels: 2,
	}, func(in, out []float32) Result {
		if len(in) == 48 && len(out) == 96 {
			sawInput.Store(true)
		}
		if calls.Add(1) == 3 {
			return Complete
		}
		return Continue
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Stop())
	assert.EqualValues(t, 3, calls.Load(), "callback ran after Complete")
	assert.True(t, sawInput.Load())

	// Stop returned, so the callback must stay quiet.
	n := calls.Load()
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, n, calls.Load())
	require.NoError(t, s.Close())
}

func TestNullOpenErrors(t *testing.T) {
	b := NewNull()
	_, err := b.Open(StreamConfig{OutputDevice: 3, SampleRate: 44100, BufferFrames: 64, OutputChannels: 1}, nil)
	var oe *OpenError
	require.ErrorAs(t, err, &oe)
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = b.Open(StreamConfig{OutputDevice: 0, SampleRate: 44100, BufferFrames: 64}, nil)
	assert.ErrorAs(t, err, &oe)
}
