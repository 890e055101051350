package embeddings

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"clip-query/internal/imaging"
	"clip-query/internal/inference"
	"clip-query/internal/tokens"
)

// ImageEncoder runs an image module on a resized, normalized picture.
type ImageEncoder struct {
	module inference.Module
	size   int
}

func NewImageEncoder(module inference.Module, size int) *ImageEncoder {
	if size <= 0 {
		size = imaging.CLIPSize
	}
	return &ImageEncoder{module: module, size: size}
}

// Encode returns the unit-norm embedding of img.
func (e *ImageEncoder) Encode(ctx context.Context, img image.Image) (Vector, error) {
	out, err := e.module.Forward(ctx, imaging.ToTensor(img, e.size))
	if err != nil {
		return nil, fmt.Errorf("image encoder: %w", err)
	}
	vec, err := Normalize(out.Float32)
	if err != nil {
		return nil, fmt.Errorf("image embedding: %w", err)
	}
	return vec, nil
}

// TextEncoder runs a text module on a fixed-length token sequence.
type TextEncoder struct {
	module inference.Module
}

func NewTextEncoder(module inference.Module) *TextEncoder {
	return &TextEncoder{module: module}
}

// Encode returns the unit-norm embedding of word.
func (e *TextEncoder) Encode(ctx context.Context, word string) (Vector, error) {
	seq, err := tokens.Encode(word)
	if err != nil {
		return nil, err
	}
	in, err := inference.NewInt64([]int64{1, tokens.ContextLength}, seq)
	if err != nil {
		return nil, err
	}
	out, err := e.module.Forward(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("text encoder: %w", err)
	}
	raw, err := pool(out, tokens.EndIndex(seq))
	if err != nil {
		return nil, fmt.Errorf("text encoder: %w", err)
	}
	vec, err := Normalize(raw)
	if err != nil {
		return nil, fmt.Errorf("text embedding: %w", err)
	}
	return vec, nil
}

// pool picks the end-of-text features out of per-token output shaped
// [1, ContextLength, D] or [ContextLength, D]; other shapes are flattened.
func pool(out inference.Tensor, end int) (Vector, error) {
	shape := out.Shape
	if len(shape) == 3 && shape[0] == 1 {
		shape = shape[1:]
	}
	if len(shape) != 2 || shape[0] != tokens.ContextLength {
		return out.Float32, nil
	}
	if end < 0 {
		return nil, fmt.Errorf("%w: no end-of-text token to pool", inference.ErrShape)
	}
	dim := int(shape[1])
	return out.Float32[end*dim : (end+1)*dim], nil
}

// CLIPEmbedder pairs an image and a text encoder sharing one embedding space.
type CLIPEmbedder struct {
	image *ImageEncoder
	text  *TextEncoder
}

var _ Embedder = (*CLIPEmbedder)(nil)

func NewCLIPEmbedder(image *ImageEncoder, text *TextEncoder) *CLIPEmbedder {
	return &CLIPEmbedder{image: image, text: text}
}

// EmbedImage decodes data and embeds the picture.
func (c *CLIPEmbedder) EmbedImage(ctx context.Context, data []byte) (Vector, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return c.image.Encode(ctx, img)
}

func (c *CLIPEmbedder) EmbedText(ctx context.Context, word string) (Vector, error) {
	return c.text.Encode(ctx, word)
}
