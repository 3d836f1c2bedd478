package midi

import (
	"fmt"

	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
)

// Port is one MIDI input port.
type Port interface {
	Name() string
	// Listen delivers messages to fn until stop is called. fn runs on a
	// driver thread and must not block.
	Listen(fn func(msg gomidi.Message)) (stop func(), err error)
}

// Driver enumerates the platform's MIDI input ports.
type Driver interface {
	InPorts() ([]Port, error)
}

// GomidiDriver uses whichever gomidi driver is registered (rtmididrv in
// regular builds).
type GomidiDriver struct{}

func (GomidiDriver) InPorts() ([]Port, error) {
	ins := gomidi.GetInPorts()
	ports := make([]Port, 0, len(ins))
	for _, in := range ins {
		ports = append(ports, gomidiPort{in: in})
	}
	return ports, nil
}

type gomidiPort struct {
	in drivers.In
}

func (p gomidiPort) Name() string { return p.in.String() }

func (p gomidiPort) Listen(fn func(msg gomidi.Message)) (func(), error) {
	stop, err := gomidi.ListenTo(p.in, func(msg gomidi.Message, timestampms int32) {
		fn(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", p.in.String(), err)
	}
	return func() {
		stop()
		p.in.Close()
	}, nil
}
