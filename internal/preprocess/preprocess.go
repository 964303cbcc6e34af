// Package preprocess turns uploaded image bytes into the normalized NCHW
// tensor the classifier was trained on.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"mime"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/Brownie44l1/mri-api/internal/model"
)

var (
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	ErrDecode               = errors.New("image could not be decoded")
)

// AcceptedMediaTypes lists the declared content types an upload may carry.
var AcceptedMediaTypes = []string{
	"image/jpeg",
	"image/jpg",
	"image/png",
	"image/bmp",
	"image/gif",
	"image/tiff",
	"image/webp",
}

var accepted = func() map[string]struct{} {
	m := make(map[string]struct{}, len(AcceptedMediaTypes))
	for _, t := range AcceptedMediaTypes {
		m[t] = struct{}{}
	}
	return m
}()

// CheckMediaType validates the declared type only; it never looks at content.
func CheckMediaType(declared string) error {
	mediaType, _, err := mime.ParseMediaType(declared)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrUnsupportedMediaType, declared)
	}
	if _, ok := accepted[mediaType]; !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedMediaType, mediaType)
	}
	return nil
}

// Options holds the fixed preprocessing constants.
type Options struct {
	Size int
	Mean [3]float32
	Std  [3]float32
	// MaxPixels bounds width*height before full decode.
	MaxPixels int64
}

// DefaultOptions matches the ImageNet statistics used at training time.
func DefaultOptions() Options {
	return Options{
		Size:      224,
		Mean:      [3]float32{0.485, 0.456, 0.406},
		Std:       [3]float32{0.229, 0.224, 0.225},
		MaxPixels: 89_478_485,
	}
}

type Normalizer struct {
	opts Options
}

func NewNormalizer(opts Options) (*Normalizer, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", opts.Size)
	}
	for i, s := range opts.Std {
		if s == 0 || math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
			return nil, fmt.Errorf("std[%d] must be finite and non-zero, got %v", i, s)
		}
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = DefaultOptions().MaxPixels
	}
	return &Normalizer{opts: opts}, nil
}

// Normalize decodes data, stretches it to Size×Size, normalizes each channel
// and returns a batch of one.
func (n *Normalizer) Normalize(data []byte, declared string) (*model.Tensor, error) {
	if err := CheckMediaType(declared); err != nil {
		return nil, err
	}
	img, err := n.decode(data)
	if err != nil {
		return nil, err
	}

	size := uint(n.opts.Size)
	resized := resize.Resize(size, size, opaqueRGB(img), resize.Bilinear)

	return n.tensor(asRGBA(resized)), nil
}

func (n *Normalizer) decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: %s has empty bounds %dx%d", ErrDecode, format, cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > n.opts.MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, n.opts.MaxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, format, err)
	}
	return img, nil
}

// opaqueRGB drops alpha without premultiplying, so transparent pixels keep
// their stored color. Grayscale sources end up with R=G=B.
func opaqueRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := dst.PixOffset(0, y-b.Min.Y)
		for x := b.Min.X; x < b.Max.X; x++ {
			var r, g, bl uint8
			switch c := img.At(x, y).(type) {
			case color.NRGBA:
				r, g, bl = c.R, c.G, c.B
			case color.NRGBA64:
				r, g, bl = uint8(c.R>>8), uint8(c.G>>8), uint8(c.B>>8)
			default:
				nc := color.NRGBAModel.Convert(c).(color.NRGBA)
				r, g, bl = nc.R, nc.G, nc.B
			}
			dst.Pix[off] = r
			dst.Pix[off+1] = g
			dst.Pix[off+2] = bl
			dst.Pix[off+3] = 0xff
			off += 4
		}
	}
	return dst
}

func asRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

func (n *Normalizer) tensor(img *image.RGBA) *model.Tensor {
	size := n.opts.Size
	plane := size * size
	data := make([]float32, 3*plane)
	b := img.Bounds()

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			off := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			i := y*size + x
			for c := 0; c < 3; c++ {
				v := float32(img.Pix[off+c]) / 255.0
				data[c*plane+i] = (v - n.opts.Mean[c]) / n.opts.Std[c]
			}
		}
	}

	return &model.Tensor{
		Shape: [4]int64{1, 3, int64(size), int64(size)},
		Data:  data,
	}
}
