package engine

import "fmt"

// Topology is the channel pairing that selects the compute path.
type Topology uint8

const (
	ZeroOne Topology = iota
	ZeroTwo
	OneOne
	OneTwo
	TwoOne
	TwoTwo
)

var topologies = [...]struct {
	name    string
	in, out int
}{
	ZeroOne: {"ZeroOne", 0, 1},
	ZeroTwo: {"ZeroTwo", 0, 2},
	OneOne:  {"OneOne", 1, 1},
	OneTwo:  {"OneTwo", 1, 2},
	TwoOne:  {"TwoOne", 2, 1},
	TwoTwo:  {"TwoTwo", 2, 2},
}

func (t Topology) Inputs() int  { return topologies[t].in }
func (t Topology) Outputs() int { return topologies[t].out }
func (t Topology) String() string {
	if int(t) < len(topologies) {
		return topologies[t].name
	}
	return fmt.Sprintf("Topology(%d)", uint8(t))
}

// ConfigurationError means a module declares no usable output.
type ConfigurationError struct {
	Module  string
	Inputs  int32
	Outputs int32
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("module %q has %d inputs and %d outputs: no usable output", e.Module, e.Inputs, e.Outputs)
}

// TopologyFor picks the compute path from descriptor channel counts.
func TopologyFor(inputs, outputs int32) (Topology, error) {
	if outputs < 1 || outputs > 2 || inputs < 0 || inputs > 2 {
		return 0, &ConfigurationError{Inputs: inputs, Outputs: outputs}
	}
	for t, p := range topologies {
		if p.in == int(inputs) && p.out == int(outputs) {
			return Topology(t), nil
		}
	}
	return 0, &ConfigurationError{Inputs: inputs, Outputs: outputs}
}

// StateKind is the engine's lifecycle phase.
type StateKind uint8

const (
	Idle StateKind = iota
	Streaming
	SwapPending
)

// State is a snapshot of the engine's lifecycle. Topology is meaningful
// while Streaming or SwapPending.
type State struct {
	Kind     StateKind
	Topology Topology
}

func (s State) String() string {
	switch s.Kind {
	case Idle:
		return "Idle"
	case Streaming:
		return "Streaming(" + s.Topology.String() + ")"
	case SwapPending:
		return "SwapPending(" + s.Topology.String() + ")"
	}
	return fmt.Sprintf("State(%d)", s.Kind)
}

func (s State) pack() uint32 { return uint32(s.Kind)<<8 | uint32(s.Topology) }

func unpack(v uint32) State {
	return State{Kind: StateKind(v >> 8), Topology: Topology(v & 0xFF)}
}
