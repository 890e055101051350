package inference

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tetratelabs/wazero/api"
)

// readBytes copies size bytes out of the guest's linear memory.
func readBytes(mod api.Module, ptr, size uint32) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	buf, ok := mod.Memory().Read(ptr, size)
	if !ok {
		return nil, fmt.Errorf("%w: memory read out of bounds at ptr=%d len=%d", ErrForward, ptr, size)
	}
	out := make([]byte, size)
	copy(out, buf)
	return out, nil
}

// writeBytes allocates guest memory with the exported malloc and copies data in.
func writeBytes(ctx context.Context, mod api.Module, data []byte) (uint32, uint32, error) {
	size := uint32(len(data))
	if size == 0 {
		return 0, 0, nil
	}

	results, err := mod.ExportedFunction("malloc").Call(ctx, uint64(size))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: malloc(%d): %v", ErrForward, size, err)
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return 0, 0, fmt.Errorf("%w: malloc(%d) returned null", ErrForward, size)
	}

	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, data) {
		return 0, 0, fmt.Errorf("%w: memory write out of bounds at ptr=%d len=%d", ErrForward, ptr, size)
	}
	return ptr, size, nil
}

func freeBytes(ctx context.Context, mod api.Module, ptr, size uint32) {
	if ptr == 0 || size == 0 {
		return
	}
	_, _ = mod.ExportedFunction("free").Call(ctx, uint64(ptr), uint64(size))
}

// encodeTensor serializes tensor data as little-endian values.
func encodeTensor(t Tensor) []byte {
	if t.Int64 != nil {
		buf := make([]byte, 8*len(t.Int64))
		for i, v := range t.Int64 {
			binary.LittleEndian.PutUint64(buf[8*i:], uint64(v))
		}
		return buf
	}
	buf := make([]byte, 4*len(t.Float32))
	for i, v := range t.Float32 {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeFloat32(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: output length %d is not a multiple of 4", ErrForward, len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}

func decodeShape(b []byte) ([]int64, error) {
	if len(b) == 0 || len(b)%8 != 0 {
		return nil, fmt.Errorf("%w: output shape length %d is not a multiple of 8", ErrForward, len(b))
	}
	shape := make([]int64, len(b)/8)
	for i := range shape {
		shape[i] = int64(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return shape, nil
}
