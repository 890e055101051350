package imaging

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"clip-query/internal/inference"
)

// CLIPSize is the square input resolution of the CLIP ViT image encoder.
const CLIPSize = 224

// Torchvision ImageNet normalization constants, RGB order.
var (
	Mean = [3]float32{0.485, 0.456, 0.406}
	Std  = [3]float32{0.229, 0.224, 0.225}
)

var ErrDecode = errors.New("image decode failed")

// Decode reads a JPEG, PNG, GIF or WebP image.
func Decode(r io.Reader) (image.Image, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: empty %s image", ErrDecode, format)
	}
	return img, nil
}

// Resize scales img to size x size with bilinear filtering, ignoring aspect ratio.
// The result is not alpha-premultiplied, so translucent pixels keep their colour.
func Resize(img image.Image, size int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// ToTensor resizes img and lays it out as a normalized [1, 3, size, size]
// float32 tensor, one channel plane after another.
func ToTensor(img image.Image, size int) inference.Tensor {
	px := Resize(img, size)
	plane := size * size
	data := make([]float32, 3*plane)

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := px.PixOffset(x, y)
			rgb := px.Pix[off : off+3 : off+3]
			i := y*size + x
			for c := 0; c < 3; c++ {
				v := float32(rgb[c]) / 255
				data[c*plane+i] = (v - Mean[c]) / Std[c]
			}
		}
	}

	return inference.Tensor{
		Shape:   []int64{1, 3, int64(size), int64(size)},
		Float32: data,
	}
}
