package module

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Op names the loader step that failed.
type Op string

const (
	OpFetchDescriptor Op = "fetch descriptor"
	OpParse           Op = "parse descriptor"
	OpInvalid         Op = "validate descriptor"
	OpFetchPayload    Op = "fetch payload"
	OpInstantiate     Op = "instantiate"
)

// LoadError is returned by Load. It is recoverable: the caller keeps
// whatever unit it had before.
type LoadError struct {
	Op      Op
	Locator string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %s: %v", e.Locator, e.Op, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Loader fetches descriptors and payloads and instantiates units. It keeps
// no state between calls.
type Loader struct {
	fetch Fetcher
	inst  Instantiator
	log   *zap.Logger
}

func NewLoader(fetch Fetcher, inst Instantiator, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{fetch: fetch, inst: inst, log: log.Named("loader")}
}

// Load builds a new, independent unit from the descriptor at locator.
func (l *Loader) Load(ctx context.Context, locator string) (Unit, *Descriptor, error) {
	doc, err := l.fetch.Fetch(ctx, locator)
	if err != nil {
		return nil, nil, &LoadError{Op: OpFetchDescriptor, Locator: locator, Err: err}
	}
	d, err := ParseDescriptor(doc)
	if err != nil {
		return nil, nil, &LoadError{Op: OpParse, Locator: locator, Err: err}
	}
	if err := d.Validate(); err != nil {
		return nil, nil, &LoadError{Op: OpInvalid, Locator: locator, Err: err}
	}
	payload, err := l.fetch.Fetch(ctx, d.WasmURL)
	if err != nil {
		return nil, nil, &LoadError{Op: OpFetchPayload, Locator: locator, Err: err}
	}
	u, err := l.instantiate(ctx, d, payload)
	if err != nil {
		return nil, nil, &LoadError{Op: OpInstantiate, Locator: locator, Err: err}
	}
	l.log.Info("module loaded",
		zap.String("locator", locator),
		zap.String("name", d.Info.Name),
		zap.Int32("inputs", d.Info.Inputs),
		zap.Int32("outputs", d.Info.Outputs),
		zap.Int("params", len(d.GUI.Params)))
	return u, d, nil
}

// Registry fetches and parses the module index document.
func (l *Loader) Registry(ctx context.Context, locator string) (*Registry, error) {
	doc, err := l.fetch.Fetch(ctx, locator)
	if err != nil {
		return nil, fmt.Errorf("fetch registry %s: %w", locator, err)
	}
	r, err := ParseRegistry(doc)
	if err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", locator, err)
	}
	return r, nil
}

func (l *Loader) instantiate(ctx context.Context, d *Descriptor, payload []byte) (u Unit, err error) {
	defer func() {
		if r := recover(); r != nil {
			u, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	u, err = l.inst.Instantiate(ctx, d, payload)
	if err == nil && u == nil {
		err = fmt.Errorf("instantiator returned no unit")
	}
	return u, err
}
