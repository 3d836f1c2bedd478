package module

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
)

// Errors returned from the compute path. They are preallocated so that a
// failing buffer does not allocate.
var (
	ErrShortBuffer = errors.New("module: sample buffer too short")
	ErrArity       = errors.New("module: channel count not supported by unit")
)

// defaultMaxFrames is the guest buffer size assumed when the module does not
// export max_frames.
const defaultMaxFrames = 128

// WasmRuntime instantiates WebAssembly units. Guests may import WASI and an
// "env" module of float math functions.
type WasmRuntime struct {
	rt  wazero.Runtime
	log *zap.Logger
	seq atomic.Uint64
}

func NewWasmRuntime(ctx context.Context, log *zap.Logger) (*WasmRuntime, error) {
	if log == nil {
		log = zap.NewNop()
	}
	rt := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}
	if err := instantiateMathEnv(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate env: %w", err)
	}
	return &WasmRuntime{rt: rt, log: log.Named("wasm")}, nil
}

func (w *WasmRuntime) Close(ctx context.Context) error {
	return w.rt.Close(ctx)
}

func (w *WasmRuntime) Instantiate(ctx context.Context, d *Descriptor, payload []byte) (Unit, error) {
	compiled, err := w.rt.CompileModule(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	name := fmt.Sprintf("unit-%d", w.seq.Add(1))
	cfg := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions("_initialize")
	mod, err := w.rt.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		compiled.Close(ctx)
		return nil, fmt.Errorf("instantiate: %w", err)
	}

	u, err := bindUnit(mod, int(d.Info.Inputs), int(d.Info.Outputs))
	if err != nil {
		mod.Close(ctx)
		compiled.Close(ctx)
		return nil, err
	}
	u.compiled = compiled
	w.log.Debug("unit instantiated",
		zap.String("module", name),
		zap.String("name", d.Info.Name),
		zap.Int("max_frames", u.maxFrames))
	if u.noteOn != nil && u.noteOff != nil {
		return &wasmNoteUnit{u}, nil
	}
	return u, nil
}

type wasmUnit struct {
	mod      api.Module
	compiled wazero.CompiledModule
	mem      api.Memory
	ctx      context.Context

	init, setFloat, setInt, getInput, getOutput, compute api.Function
	noteOn, noteOff                                      api.Function

	stack     []uint64
	inputs    int
	outputs   int
	maxFrames int
	inPtr     [2]uint32
	outPtr    [2]uint32
}

func bindUnit(mod api.Module, inputs, outputs int) (*wasmUnit, error) {
	u := &wasmUnit{
		mod:       mod,
		mem:       mod.Memory(),
		ctx:       context.Background(),
		stack:     make([]uint64, 2),
		inputs:    inputs,
		outputs:   outputs,
		maxFrames: defaultMaxFrames,
	}
	if u.mem == nil {
		return nil, errors.New("module exports no memory")
	}
	required := []struct {
		name string
		fn   *api.Function
	}{
		{"init", &u.init},
		{"set_param_float", &u.setFloat},
		{"set_param_int", &u.setInt},
		{"get_input", &u.getInput},
		{"get_output", &u.getOutput},
		{"compute", &u.compute},
	}
	for _, r := range required {
		if *r.fn = mod.ExportedFunction(r.name); *r.fn == nil {
			return nil, fmt.Errorf("missing export %s", r.name)
		}
	}
	u.noteOn = mod.ExportedFunction("handle_note_on")
	u.noteOff = mod.ExportedFunction("handle_note_off")

	if mf := mod.ExportedFunction("max_frames"); mf != nil {
		res, err := mf.Call(u.ctx)
		if err != nil {
			return nil, fmt.Errorf("max_frames: %w", err)
		}
		if n := int(api.DecodeI32(res[0])); n > 0 {
			u.maxFrames = n
		}
	}
	return u, nil
}

func (u *wasmUnit) Init(sampleRate int) error {
	u.stack[0] = api.EncodeF32(float32(sampleRate))
	if err := u.init.CallWithStack(u.ctx, u.stack); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	for ch := 0; ch < u.inputs; ch++ {
		u.stack[0] = api.EncodeI32(int32(ch))
		if err := u.getInput.CallWithStack(u.ctx, u.stack); err != nil {
			return fmt.Errorf("get_input(%d): %w", ch, err)
		}
		u.inPtr[ch] = uint32(api.DecodeI32(u.stack[0]))
	}
	for ch := 0; ch < u.outputs; ch++ {
		u.stack[0] = api.EncodeI32(int32(ch))
		if err := u.getOutput.CallWithStack(u.ctx, u.stack); err != nil {
			return fmt.Errorf("get_output(%d): %w", ch, err)
		}
		u.outPtr[ch] = uint32(api.DecodeI32(u.stack[0]))
	}
	return nil
}

func (u *wasmUnit) SetParamFloat(index uint32, value float32) error {
	u.stack[0] = api.EncodeI32(int32(index))
	u.stack[1] = api.EncodeF32(value)
	return u.setFloat.CallWithStack(u.ctx, u.stack)
}

func (u *wasmUnit) SetParamInt(index uint32, value int32) error {
	u.stack[0] = api.EncodeI32(int32(index))
	u.stack[1] = api.EncodeI32(value)
	return u.setInt.CallWithStack(u.ctx, u.stack)
}

func (u *wasmUnit) ComputeZeroOne(frames int, out []float32) error {
	return u.run(frames, 0, 1, nil, out)
}

func (u *wasmUnit) ComputeZeroTwo(frames int, out []float32) error {
	return u.run(frames, 0, 2, nil, out)
}

func (u *wasmUnit) ComputeOneOne(frames int, in, out []float32) error {
	return u.run(frames, 1, 1, in, out)
}

func (u *wasmUnit) ComputeOneTwo(frames int, in, out []float32) error {
	return u.run(frames, 1, 2, in, out)
}

func (u *wasmUnit) ComputeTwoOne(frames int, in, out []float32) error {
	return u.run(frames, 2, 1, in, out)
}

func (u *wasmUnit) ComputeTwoTwo(frames int, in, out []float32) error {
	return u.run(frames, 2, 2, in, out)
}

// run deinterleaves in into the guest input buffers, computes in chunks of
// at most maxFrames and interleaves the guest outputs into out.
func (u *wasmUnit) run(frames, inCh, outCh int, in, out []float32) error {
	if inCh > u.inputs || outCh > u.outputs {
		return ErrArity
	}
	if len(in) < frames*inCh || len(out) < frames*outCh {
		return ErrShortBuffer
	}
	for done := 0; done < frames; {
		n := frames - done
		if n > u.maxFrames {
			n = u.maxFrames
		}
		for ch := 0; ch < inCh; ch++ {
			base := u.inPtr[ch]
			for i := 0; i < n; i++ {
				u.mem.WriteFloat32Le(base+uint32(i*4), in[(done+i)*inCh+ch])
			}
		}
		u.stack[0] = api.EncodeI32(int32(n))
		if err := u.compute.CallWithStack(u.ctx, u.stack); err != nil {
			return err
		}
		for ch := 0; ch < outCh; ch++ {
			base := u.outPtr[ch]
			for i := 0; i < n; i++ {
				v, _ := u.mem.ReadFloat32Le(base + uint32(i*4))
				out[(done+i)*outCh+ch] = v
			}
		}
		done += n
	}
	return nil
}

func (u *wasmUnit) Close(ctx context.Context) error {
	err := u.mod.Close(ctx)
	if u.compiled != nil {
		if cerr := u.compiled.Close(ctx); err == nil {
			err = cerr
		}
	}
	return err
}

// wasmNoteUnit is a wasmUnit whose module exports the note handlers.
type wasmNoteUnit struct {
	*wasmUnit
}

func (u *wasmNoteUnit) NoteOn(note int32, velocity float32) error {
	u.stack[0] = api.EncodeI32(note)
	u.stack[1] = api.EncodeF32(velocity)
	return u.noteOn.CallWithStack(u.ctx, u.stack)
}

func (u *wasmNoteUnit) NoteOff(note int32, velocity float32) error {
	u.stack[0] = api.EncodeI32(note)
	u.stack[1] = api.EncodeF32(velocity)
	return u.noteOff.CallWithStack(u.ctx, u.stack)
}

func instantiateMathEnv(ctx context.Context, rt wazero.Runtime) error {
	f32 := map[string]func(float32) float32{
		"sinf": wrap32(math.Sin), "cosf": wrap32(math.Cos), "tanf": wrap32(math.Tan),
		"asinf": wrap32(math.Asin), "acosf": wrap32(math.Acos), "atanf": wrap32(math.Atan),
		"sinhf": wrap32(math.Sinh), "coshf": wrap32(math.Cosh), "tanhf": wrap32(math.Tanh),
		"expf": wrap32(math.Exp), "logf": wrap32(math.Log), "log10f": wrap32(math.Log10),
		"sqrtf": wrap32(math.Sqrt), "fabsf": wrap32(math.Abs), "floorf": wrap32(math.Floor),
		"ceilf": wrap32(math.Ceil), "roundf": wrap32(math.Round), "rintf": wrap32(math.RoundToEven),
	}
	f32x2 := map[string]func(float32, float32) float32{
		"powf":       wrap32x2(math.Pow),
		"fmodf":      wrap32x2(math.Mod),
		"atan2f":     wrap32x2(math.Atan2),
		"remainderf": wrap32x2(math.Remainder),
	}
	f64 := map[string]func(float64) float64{
		"sin": math.Sin, "cos": math.Cos, "tan": math.Tan, "exp": math.Exp,
		"log": math.Log, "log10": math.Log10, "sqrt": math.Sqrt, "fabs": math.Abs,
		"floor": math.Floor, "ceil": math.Ceil, "round": math.Round, "tanh": math.Tanh,
	}
	f64x2 := map[string]func(float64, float64) float64{
		"pow": math.Pow, "fmod": math.Mod, "atan2": math.Atan2,
	}

	b := rt.NewHostModuleBuilder("env")
	for name, fn := range f32 {
		b.NewFunctionBuilder().WithFunc(fn).Export(name)
		b.NewFunctionBuilder().WithFunc(fn).Export("_" + name)
	}
	for name, fn := range f32x2 {
		b.NewFunctionBuilder().WithFunc(fn).Export(name)
		b.NewFunctionBuilder().WithFunc(fn).Export("_" + name)
	}
	for name, fn := range f64 {
		b.NewFunctionBuilder().WithFunc(fn).Export(name)
		b.NewFunctionBuilder().WithFunc(fn).Export("_" + name)
	}
	for name, fn := range f64x2 {
		b.NewFunctionBuilder().WithFunc(fn).Export(name)
		b.NewFunctionBuilder().WithFunc(fn).Export("_" + name)
	}
	_, err := b.Instantiate(ctx)
	return err
}

func wrap32(fn func(float64) float64) func(float32) float32 {
	return func(x float32) float32 { return float32(fn(float64(x))) }
}

func wrap32x2(fn func(float64, float64) float64) func(float32, float32) float32 {
	return func(x, y float32) float32 { return float32(fn(float64(x), float64(y))) }
}
