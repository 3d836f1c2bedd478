// Package module loads processing units: it fetches and parses module
// descriptors and the module catalogue, fetches the binary payload and
// instantiates it behind the Unit contract.
package module

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"go-anywhere/message"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// GUI describes the module's user interface page.
type GUI struct {
	URL    string          `json:"url"`
	Name   string          `json:"name"`
	Params []message.Value `json:"params"` // default value per parameter index
	Width  int32           `json:"width"`
	Height int32           `json:"height"`
}

// Info is the module's static metadata.
type Info struct {
	Name              string `json:"name"`
	Vendor            string `json:"vendor"`
	Presets           uint32 `json:"presets"`
	Parameters        uint32 `json:"parameters"`
	Inputs            int32  `json:"inputs"`
	Outputs           int32  `json:"outputs"`
	MIDIInputs        uint32 `json:"midi_inputs"`
	MIDIOutputs       uint32 `json:"midi_outputs"`
	ID                uint32 `json:"id"`
	Version           uint32 `json:"version"`
	Category          string `json:"category"`
	InitialDelay      uint32 `json:"initial_delay"`
	PresetChunks      bool   `json:"preset_chunks"`
	F64Precision      bool   `json:"f64_precision"`
	SilentWhenStopped bool   `json:"silent_when_stopped"`
}

// Descriptor is the parsed module descriptor document.
type Descriptor struct {
	WasmURL string `json:"wasm_url"`
	GUI     GUI    `json:"gui"`
	Info    Info   `json:"info"`
}

var requiredFields = [][]any{
	{"wasm_url"},
	{"gui", "url"}, {"gui", "name"}, {"gui", "params"}, {"gui", "width"}, {"gui", "height"},
	{"info", "name"}, {"info", "vendor"}, {"info", "presets"}, {"info", "parameters"},
	{"info", "inputs"}, {"info", "outputs"}, {"info", "midi_inputs"}, {"info", "midi_outputs"},
	{"info", "id"}, {"info", "version"}, {"info", "category"}, {"info", "initial_delay"},
	{"info", "preset_chunks"}, {"info", "f64_precision"}, {"info", "silent_when_stopped"},
}

// ParseDescriptor decodes a descriptor document. Every field is required.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	for _, path := range requiredFields {
		if json.Get(data, path...).ValueType() == jsoniter.InvalidValue {
			return nil, fmt.Errorf("missing field %s", fieldName(path))
		}
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks the channel counts. Zero outputs passes here; the engine
// refuses such a module when it tries to stream it.
func (d *Descriptor) Validate() error {
	if d.Info.Inputs < 0 || d.Info.Inputs > 2 {
		return fmt.Errorf("inputs %d not in 0..2", d.Info.Inputs)
	}
	if d.Info.Outputs < 0 || d.Info.Outputs > 2 {
		return fmt.Errorf("outputs %d not in 0..2", d.Info.Outputs)
	}
	if d.WasmURL == "" {
		return fmt.Errorf("empty wasm_url")
	}
	return nil
}

// Defaults returns the default parameter set as ParameterChange events.
func (d *Descriptor) Defaults() []message.Event {
	out := make([]message.Event, len(d.GUI.Params))
	for i, v := range d.GUI.Params {
		out[i] = message.Param(uint32(i), v)
	}
	return out
}

func fieldName(path []any) string {
	s := ""
	for i, p := range path {
		if i > 0 {
			s += "."
		}
		s += fmt.Sprint(p)
	}
	return s
}
