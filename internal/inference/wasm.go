package inference

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Guest ABI. A model module exports linear memory plus:
//
//	malloc(size i32) -> ptr i32
//	free(ptr i32, size i32)
//	forward(ptr i32, len i32) -> (ptr i32, len i32)
//
// forward receives little-endian tensor data (int64 or float32) and returns
// little-endian float32 data that the host frees once copied. An optional
// output_shape() -> (ptr i32, len i32) export describes the result as int64
// dims; without it the output is treated as [1, n]. An optional _init is
// called once after instantiation.
var requiredExports = []string{"malloc", "free", "forward"}

// WASMModule is a model compiled to WebAssembly and instantiated in a Runtime.
// A call that hits the timeout makes wazero close the instance; the next
// Forward instantiates a fresh one from the compiled module.
type WASMModule struct {
	name     string
	digest   string
	rt       *Runtime
	compiled wazero.CompiledModule
	timeout  time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	module api.Module
}

var _ Module = (*WASMModule)(nil)

// Load compiles and instantiates the model at path.
func Load(ctx context.Context, rt *Runtime, path string) (*WASMModule, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrLoad, path, err)
	}
	name := filepath.Base(path)
	return LoadBytes(ctx, rt, name, wasmBytes)
}

// LoadBytes compiles and instantiates a model from an in-memory binary.
func LoadBytes(ctx context.Context, rt *Runtime, name string, wasmBytes []byte) (*WASMModule, error) {
	compiled, err := rt.inner.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: compile %s: %v", ErrLoad, name, err)
	}

	var missing []string
	exports := compiled.ExportedFunctions()
	for _, fn := range requiredExports {
		if _, ok := exports[fn]; !ok {
			missing = append(missing, fn)
		}
	}
	if len(missing) > 0 {
		_ = compiled.Close(ctx)
		return nil, fmt.Errorf("%w: %s does not export %v", ErrLoad, name, missing)
	}

	m := &WASMModule{
		name:     name,
		digest:   digest(wasmBytes),
		rt:       rt,
		compiled: compiled,
		timeout:  rt.config.CallTimeout,
		logger:   rt.logger.With("module", name),
	}
	if err := m.instantiate(ctx); err != nil {
		_ = compiled.Close(ctx)
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}

	m.logger.Info("model module loaded",
		"bytes", len(wasmBytes),
		"has_output_shape", m.module.ExportedFunction("output_shape") != nil,
	)
	return m, nil
}

// instantiate creates a new instance of the compiled module and runs _init.
// Instances are anonymous so a replacement never collides with the old name.
func (m *WASMModule) instantiate(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	mod, err := m.rt.inner.InstantiateModule(ctx, m.compiled, wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions())
	if err != nil {
		return fmt.Errorf("instantiate %s: %v", m.name, err)
	}
	if mod.Memory() == nil {
		_ = mod.Close(ctx)
		return fmt.Errorf("%s does not export memory", m.name)
	}

	if initFn := mod.ExportedFunction("_init"); initFn != nil {
		initCtx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()
		if _, err := initFn.Call(initCtx); err != nil {
			_ = mod.Close(ctx)
			return fmt.Errorf("%s _init: %v", m.name, err)
		}
	}
	m.module = mod
	return nil
}

// Name is the module name, derived from the file it was loaded from.
func (m *WASMModule) Name() string {
	return m.name
}

// Digest is the hex sha256 of the module binary. It changes whenever the
// weights do, even if the file name does not.
func (m *WASMModule) Digest() string {
	return m.digest
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Forward copies in into guest memory, runs forward and decodes the result.
func (m *WASMModule) Forward(ctx context.Context, in Tensor) (Tensor, error) {
	if err := in.Validate(); err != nil {
		return Tensor{}, err
	}
	if err := ctx.Err(); err != nil {
		return Tensor{}, fmt.Errorf("%w: %s: %w", ErrForward, m.name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.module.IsClosed() {
		m.logger.Warn("module instance closed, re-instantiating")
		if err := m.instantiate(ctx); err != nil {
			return Tensor{}, fmt.Errorf("%w: %v", ErrForward, err)
		}
	}

	// The caller's cancellation must not reach the instance: wazero closes a
	// module whose call context ends. Only the call timeout bounds execution.
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	ptr, size, err := writeBytes(execCtx, m.module, encodeTensor(in))
	if err != nil {
		return Tensor{}, m.callError(execCtx, "write input", err)
	}
	defer freeBytes(execCtx, m.module, ptr, size)

	results, err := m.module.ExportedFunction("forward").Call(execCtx, uint64(ptr), uint64(size))
	if err != nil {
		return Tensor{}, m.callError(execCtx, "forward", err)
	}
	if len(results) < 2 {
		return Tensor{}, fmt.Errorf("%w: %s forward returned %d values, want 2", ErrForward, m.name, len(results))
	}

	outPtr, outLen := uint32(results[0]), uint32(results[1])
	raw, err := readBytes(m.module, outPtr, outLen)
	if err != nil {
		return Tensor{}, err
	}
	if outPtr != ptr {
		defer freeBytes(execCtx, m.module, outPtr, outLen)
	}

	data, err := decodeFloat32(raw)
	if err != nil {
		return Tensor{}, err
	}
	if len(data) == 0 {
		return Tensor{}, fmt.Errorf("%w: %s returned empty output", ErrForward, m.name)
	}

	shape := []int64{1, int64(len(data))}
	if fn := m.module.ExportedFunction("output_shape"); fn != nil {
		res, err := fn.Call(execCtx)
		if err != nil {
			return Tensor{}, m.callError(execCtx, "output_shape", err)
		}
		if len(res) >= 2 {
			b, err := readBytes(m.module, uint32(res[0]), uint32(res[1]))
			if err != nil {
				return Tensor{}, err
			}
			if shape, err = decodeShape(b); err != nil {
				return Tensor{}, err
			}
		}
	}

	out := Tensor{Shape: shape, Float32: data}
	if err := out.Validate(); err != nil {
		return Tensor{}, fmt.Errorf("%w: %s output: %v", ErrForward, m.name, err)
	}
	m.logger.Debug("forward", "in_shape", in.Shape, "out_shape", out.Shape)
	return out, nil
}

func (m *WASMModule) callError(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s %s", ErrTimeout, m.name, op)
	}
	if errors.Is(err, ErrForward) {
		return err
	}
	return fmt.Errorf("%w: %s %s: %v", ErrForward, m.name, op, err)
}

// Close releases the module instance and its compiled code.
func (m *WASMModule) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if closeFn := m.module.ExportedFunction("_close"); closeFn != nil && !m.module.IsClosed() {
		if _, err := closeFn.Call(ctx); err != nil {
			m.logger.Warn("wasm _close failed", "err", err)
		}
	}
	return errors.Join(m.module.Close(ctx), m.compiled.Close(ctx))
}
