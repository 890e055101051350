package inference

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Helpers for hand-assembling tiny modules. Every section and body used here
// is shorter than 128 bytes, so sizes fit in a single LEB128 byte.
func section(id byte, content ...byte) []byte {
	return append([]byte{id, byte(len(content))}, content...)
}

func body(code ...byte) []byte {
	return append([]byte{byte(len(code))}, code...)
}

func export(name string, kind, index byte) []byte {
	out := append([]byte{byte(len(name))}, name...)
	return append(out, kind, index)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

type testModule struct {
	forward     []byte // nil drops the forward export
	outputShape []int64
}

var (
	identityForward = []byte{0x00, 0x20, 0x00, 0x20, 0x01, 0x0b}
	// loop { br 0 }; i32.const 0; i32.const 0
	spinForward = []byte{0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x41, 0x00, 0x41, 0x00, 0x0b}
	// if len == 4 { loop { br 0 } }; echo the input
	spinOnSingleFloat = []byte{
		0x00,
		0x20, 0x01, 0x41, 0x04, 0x46, // local.get 1; i32.const 4; i32.eq
		0x04, 0x40, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b, // if { loop { br 0 } }
		0x20, 0x00, 0x20, 0x01, 0x0b,
	}
)

// build assembles a module exporting memory (16 pages), malloc (always 1024),
// a no-op free, forward and optionally output_shape backed by a data segment at 8.
func (tm testModule) build() []byte {
	types := []byte{
		0x60, 0x01, 0x7f, 0x01, 0x7f, // 0: (i32) -> i32          malloc
		0x60, 0x02, 0x7f, 0x7f, 0x00, // 1: (i32, i32) -> ()      free
		0x60, 0x02, 0x7f, 0x7f, 0x02, 0x7f, 0x7f, // 2: (i32, i32) -> (i32, i32) forward
		0x60, 0x00, 0x02, 0x7f, 0x7f, // 3: () -> (i32, i32)      output_shape
	}
	funcs := []byte{0x00, 0x01}
	bodies := [][]byte{
		body(0x00, 0x41, 0x80, 0x08, 0x0b),
		body(0x00, 0x0b),
	}
	exports := [][]byte{
		export("memory", 0x02, 0x00),
		export("malloc", 0x00, 0x00),
		export("free", 0x00, 0x01),
	}
	var data []byte

	if tm.forward != nil {
		exports = append(exports, export("forward", 0x00, byte(len(funcs))))
		funcs = append(funcs, 0x02)
		bodies = append(bodies, body(tm.forward...))
	}
	if tm.outputShape != nil {
		size := byte(8 * len(tm.outputShape))
		exports = append(exports, export("output_shape", 0x00, byte(len(funcs))))
		funcs = append(funcs, 0x03)
		bodies = append(bodies, body(0x00, 0x41, 0x08, 0x41, size, 0x0b))

		raw := make([]byte, 0, size)
		for _, d := range tm.outputShape {
			for i := 0; i < 8; i++ {
				raw = append(raw, byte(uint64(d)>>(8*i)))
			}
		}
		data = section(0x0b, concat([]byte{0x01, 0x00, 0x41, 0x08, 0x0b, size}, raw)...)
	}

	code := []byte{byte(len(bodies))}
	for _, b := range bodies {
		code = append(code, b...)
	}
	exportSec := []byte{byte(len(exports))}
	for _, e := range exports {
		exportSec = append(exportSec, e...)
	}

	return concat(
		[]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00},
		section(0x01, append([]byte{0x04}, types...)...),
		section(0x03, append([]byte{byte(len(funcs))}, funcs...)...),
		section(0x05, 0x01, 0x00, 0x10),
		section(0x07, exportSec...),
		section(0x0a, code...),
		data,
	)
}

func newTestRuntime(t *testing.T, timeout time.Duration) *Runtime {
	t.Helper()
	ctx := context.Background()
	rt := NewRuntime(ctx, RuntimeConfig{CallTimeout: timeout}, newTestLogger())
	t.Cleanup(func() { _ = rt.Close(ctx) })
	return rt
}

func TestLoad_FromFile(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t, time.Second)

	path := filepath.Join(t.TempDir(), "identity.wasm")
	require.NoError(t, os.WriteFile(path, testModule{forward: identityForward}.build(), 0o644))

	mod, err := Load(ctx, rt, path)
	require.NoError(t, err)
	assert.Equal(t, "identity.wasm", mod.Name())
	require.NoError(t, mod.Close(ctx))
}

func TestLoad_MissingFile(t *testing.T) {
	rt := newTestRuntime(t, time.Second)
	_, err := Load(context.Background(), rt, filepath.Join(t.TempDir(), "nope.wasm"))
	require.ErrorIs(t, err, ErrLoad)
}

func TestLoad_CorruptBinary(t *testing.T) {
	rt := newTestRuntime(t, time.Second)
	_, err := LoadBytes(context.Background(), rt, "corrupt.wasm", []byte("not a wasm binary"))
	require.ErrorIs(t, err, ErrLoad)
}

func TestLoad_MissingForwardExport(t *testing.T) {
	rt := newTestRuntime(t, time.Second)
	_, err := LoadBytes(context.Background(), rt, "noforward.wasm", testModule{}.build())
	require.ErrorIs(t, err, ErrLoad)
	assert.Contains(t, err.Error(), "forward")
}

func TestForward_Float32RoundTrip(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t, time.Second)
	mod, err := LoadBytes(ctx, rt, "identity.wasm", testModule{forward: identityForward}.build())
	require.NoError(t, err)

	in, err := NewFloat32([]int64{1, 4}, []float32{0.5, -1.25, 3, 0})
	require.NoError(t, err)

	out, err := mod.Forward(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 4}, out.Shape)
	assert.Equal(t, in.Float32, out.Float32)
}

func TestForward_ImageSizedInput(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t, 5*time.Second)
	mod, err := LoadBytes(ctx, rt, "identity.wasm", testModule{forward: identityForward}.build())
	require.NoError(t, err)

	data := make([]float32, 3*224*224)
	for i := range data {
		data[i] = float32(i % 7)
	}
	in, err := NewFloat32([]int64{1, 3, 224, 224}, data)
	require.NoError(t, err)

	out, err := mod.Forward(ctx, in)
	require.NoError(t, err)
	assert.Len(t, out.Float32, len(data))
	assert.Equal(t, float32(6), out.Float32[6])
}

func TestForward_OutputShapeExport(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t, time.Second)
	tm := testModule{forward: identityForward, outputShape: []int64{1, 2, 2}}
	mod, err := LoadBytes(ctx, rt, "shaped.wasm", tm.build())
	require.NoError(t, err)

	in, err := NewFloat32([]int64{4}, []float32{1, 2, 3, 4})
	require.NoError(t, err)

	out, err := mod.Forward(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 2}, out.Shape)
}

func TestForward_OutputShapeMismatch(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t, time.Second)
	tm := testModule{forward: identityForward, outputShape: []int64{1, 8}}
	mod, err := LoadBytes(ctx, rt, "badshape.wasm", tm.build())
	require.NoError(t, err)

	in, err := NewFloat32([]int64{1, 4}, []float32{1, 2, 3, 4})
	require.NoError(t, err)

	_, err = mod.Forward(ctx, in)
	require.ErrorIs(t, err, ErrForward)
}

func TestForward_RejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t, time.Second)
	mod, err := LoadBytes(ctx, rt, "identity.wasm", testModule{forward: identityForward}.build())
	require.NoError(t, err)

	_, err = mod.Forward(ctx, Tensor{Shape: []int64{1, 3}, Float32: []float32{1}})
	require.ErrorIs(t, err, ErrShape)
}

func TestForward_Timeout(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t, 50*time.Millisecond)
	mod, err := LoadBytes(ctx, rt, "spin.wasm", testModule{forward: spinForward}.build())
	require.NoError(t, err)

	in, err := NewFloat32([]int64{1, 1}, []float32{1})
	require.NoError(t, err)

	_, err = mod.Forward(ctx, in)
	require.ErrorIs(t, err, ErrTimeout)

	// the closed instance is replaced, and the replacement is bounded the same way
	_, err = mod.Forward(ctx, in)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestForward_RecoversAfterTimeout(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t, 50*time.Millisecond)
	mod, err := LoadBytes(ctx, rt, "flaky.wasm", testModule{forward: spinOnSingleFloat}.build())
	require.NoError(t, err)

	stuck, err := NewFloat32([]int64{1, 1}, []float32{1})
	require.NoError(t, err)
	_, err = mod.Forward(ctx, stuck)
	require.ErrorIs(t, err, ErrTimeout)

	in, err := NewFloat32([]int64{1, 2}, []float32{0.25, -2})
	require.NoError(t, err)
	out, err := mod.Forward(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, -2}, out.Float32)
}

func TestForward_CancelledCallerLeavesModuleUsable(t *testing.T) {
	rt := newTestRuntime(t, time.Second)
	mod, err := LoadBytes(context.Background(), rt, "identity.wasm", testModule{forward: identityForward}.build())
	require.NoError(t, err)

	in, err := NewFloat32([]int64{1, 2}, []float32{1, 2})
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = mod.Forward(cancelled, in)
	require.ErrorIs(t, err, context.Canceled)

	out, err := mod.Forward(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, out.Float32)
}

func TestForward_CancelDuringCallDoesNotCloseModule(t *testing.T) {
	rt := newTestRuntime(t, 100*time.Millisecond)
	mod, err := LoadBytes(context.Background(), rt, "flaky.wasm", testModule{forward: spinOnSingleFloat}.build())
	require.NoError(t, err)

	stuck, err := NewFloat32([]int64{1, 1}, []float32{1})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = mod.Forward(ctx, stuck)
	// the caller's deadline does not cut the call short; the call timeout does
	require.ErrorIs(t, err, ErrTimeout)

	in, err := NewFloat32([]int64{1, 2}, []float32{3, 4})
	require.NoError(t, err)
	out, err := mod.Forward(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4}, out.Float32)
}

func TestEncodeTensor_Int64(t *testing.T) {
	b := encodeTensor(Tensor{Shape: []int64{2}, Int64: []int64{49406, -1}})
	require.Len(t, b, 16)
	assert.Equal(t, []byte{0xfe, 0xc0, 0, 0, 0, 0, 0, 0}, b[:8])
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, b[8:])
}

func TestTensorValidate(t *testing.T) {
	tests := []struct {
		name    string
		tensor  Tensor
		wantErr bool
	}{
		{"float matches shape", Tensor{Shape: []int64{2, 2}, Float32: make([]float32, 4)}, false},
		{"int matches shape", Tensor{Shape: []int64{1, 77}, Int64: make([]int64, 77)}, false},
		{"too few values", Tensor{Shape: []int64{2, 2}, Float32: make([]float32, 3)}, true},
		{"zero dimension", Tensor{Shape: []int64{0, 2}, Float32: nil}, true},
		{"both dtypes", Tensor{Shape: []int64{1}, Float32: []float32{1}, Int64: []int64{1}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tensor.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrShape)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDigestTracksModuleBytes(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t, time.Second)

	a, err := LoadBytes(ctx, rt, "model.wasm", testModule{forward: identityForward}.build())
	require.NoError(t, err)
	b, err := LoadBytes(ctx, rt, "model.wasm", testModule{forward: identityForward}.build())
	require.NoError(t, err)
	c, err := LoadBytes(ctx, rt, "model.wasm", testModule{forward: identityForward, outputShape: []int64{1, 1}}.build())
	require.NoError(t, err)

	assert.Len(t, a.Digest(), 64)
	assert.Equal(t, a.Digest(), b.Digest())
	assert.NotEqual(t, a.Digest(), c.Digest(), "same name, different weights")
}
