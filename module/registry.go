package module

import (
	"fmt"

	"go-anywhere/message"
)

// Entry is one selectable module of the catalogue.
type Entry struct {
	Name    string `json:"name"`
	JSONURL string `json:"json_url"`
}

// Registry is the module index document. It is read-only once parsed.
type Registry struct {
	Default string  `json:"default"`
	Modules []Entry `json:"modules"`
}

func ParseRegistry(data []byte) (*Registry, error) {
	var r Registry
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	if r.Default == "" {
		return nil, fmt.Errorf("registry has no default module")
	}
	return &r, nil
}

// Events returns one ModuleAdded event per entry, in catalogue order.
func (r *Registry) Events() []message.Event {
	out := make([]message.Event, len(r.Modules))
	for i, m := range r.Modules {
		out[i] = message.New(message.ModuleAdded, uint32(i), message.String(m.Name))
	}
	return out
}

// Resolve turns a ModuleChange request payload into a descriptor locator.
// A string is used as is; an integer selects a catalogue position.
func (r *Registry) Resolve(v message.Value) (string, error) {
	if s, ok := v.AsString(); ok {
		if s == "" {
			return "", fmt.Errorf("empty module locator")
		}
		return s, nil
	}
	if i, ok := v.AsInt(); ok {
		if i < 0 || int(i) >= len(r.Modules) {
			return "", fmt.Errorf("module %d not in catalogue of %d", i, len(r.Modules))
		}
		return r.Modules[i].JSONURL, nil
	}
	return "", fmt.Errorf("module request %s is neither a locator nor a catalogue position", v)
}
