// Package mask converts a painted selection overlay into the alpha mask
// expected by the image edit API. Painted pixels become transparent
// (editable); everything else stays opaque.
package mask

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	// Registered decoders for uploaded sources and selections.
	_ "image/gif"
	_ "image/jpeg"

	"github.com/ashureev/carat-studio/internal/apperr"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Channel selects which selection channel carries the paint.
type Channel int

const (
	ChannelAlpha Channel = iota
	ChannelRed
	ChannelLuma
)

// ParseChannel maps a config value to a Channel.
func ParseChannel(s string) (Channel, error) {
	switch s {
	case "", "alpha":
		return ChannelAlpha, nil
	case "red":
		return ChannelRed, nil
	case "luma":
		return ChannelLuma, nil
	}
	return 0, fmt.Errorf("unknown mask channel %q", s)
}

// Options tunes the conversion.
type Options struct {
	Channel Channel
	// Threshold is the 8-bit intensity above which a pixel counts as painted.
	Threshold uint8
	// AspectTolerance is the largest relative aspect-ratio difference
	// that resampling may absorb.
	AspectTolerance float64
}

// DefaultOptions returns alpha-channel painting with a midpoint threshold.
func DefaultOptions() Options {
	return Options{Channel: ChannelAlpha, Threshold: 127, AspectTolerance: 0.05}
}

var (
	// ErrEmptySelection is returned when no pixel of the selection is painted.
	ErrEmptySelection = errors.New("selection has no painted pixels")
	// ErrUnreadableSource is returned when the source image does not decode.
	ErrUnreadableSource = errors.New("source image cannot be decoded")
)

const (
	editable = 0
	keep     = 255
)

// ToAlphaMask resamples sel to size and binarizes it. The result always
// has exactly size's dimensions.
func ToAlphaMask(sel image.Image, size image.Point, opts Options) (*image.Alpha, error) {
	if sel == nil {
		return nil, apperr.New(apperr.CodeMaskDimensionMismatch, "nil selection", nil)
	}
	sb := sel.Bounds()
	if size.X <= 0 || size.Y <= 0 || sb.Empty() {
		return nil, apperr.New(apperr.CodeMaskDimensionMismatch,
			fmt.Sprintf("empty dimensions: selection %v, source %v", sb.Size(), size), nil)
	}
	if !aspectCompatible(sb.Size(), size, opts.AspectTolerance) {
		return nil, apperr.New(apperr.CodeMaskDimensionMismatch,
			fmt.Sprintf("selection %v cannot be resampled to %v", sb.Size(), size), nil)
	}

	rect := image.Rect(0, 0, size.X, size.Y)
	scaled := image.NewNRGBA(rect)
	if sb.Size() == size {
		draw.Draw(scaled, rect, sel, sb.Min, draw.Src)
	} else {
		draw.NearestNeighbor.Scale(scaled, rect, sel, sb, draw.Src, nil)
	}

	out := image.NewAlpha(rect)
	for y := 0; y < size.Y; y++ {
		for x := 0; x < size.X; x++ {
			c := scaled.NRGBAAt(x, y)
			a := uint8(keep)
			if intensity(c, opts.Channel) > opts.Threshold {
				a = editable
			}
			out.SetAlpha(x, y, color.Alpha{A: a})
		}
	}
	return out, nil
}

func aspectCompatible(a, b image.Point, tolerance float64) bool {
	ra := float64(a.X) / float64(a.Y)
	rb := float64(b.X) / float64(b.Y)
	return math.Abs(ra-rb)/rb <= tolerance+1e-9
}

func intensity(c color.NRGBA, ch Channel) uint8 {
	switch ch {
	case ChannelRed:
		return c.R
	case ChannelLuma:
		// Paint on a transparent overlay has no luminance.
		if c.A == 0 {
			return 0
		}
		y := (299*uint32(c.R) + 587*uint32(c.G) + 114*uint32(c.B)) / 1000
		return uint8(y)
	default:
		return c.A
	}
}

// Coverage returns the fraction of editable pixels in m.
func Coverage(m *image.Alpha) float64 {
	b := m.Bounds()
	total := b.Dx() * b.Dy()
	if total == 0 {
		return 0
	}
	n := 0
	for _, a := range m.Pix {
		if a == editable {
			n++
		}
	}
	return float64(n) / float64(total)
}

// Encode writes m as an 8-bit RGBA PNG with black color channels. A mask
// without editable pixels is rejected as an empty selection.
func Encode(m *image.Alpha) ([]byte, error) {
	if Coverage(m) == 0 {
		return nil, ErrEmptySelection
	}
	b := m.Bounds()
	rgba := image.NewNRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			rgba.SetNRGBA(x, y, color.NRGBA{A: m.AlphaAt(x, y).A})
		}
	}
	return encodePNG(rgba)
}

// ApplyToSource returns src as NRGBA with the editable region of m
// punched out, so the source and mask share one pixel format.
func ApplyToSource(src image.Image, m *image.Alpha) (*image.NRGBA, error) {
	sb := src.Bounds()
	if sb.Size() != m.Bounds().Size() {
		return nil, apperr.New(apperr.CodeMaskDimensionMismatch,
			fmt.Sprintf("mask %v does not match source %v", m.Bounds().Size(), sb.Size()), nil)
	}
	out := image.NewNRGBA(image.Rect(0, 0, sb.Dx(), sb.Dy()))
	draw.Draw(out, out.Bounds(), src, sb.Min, draw.Src)
	mb := m.Bounds()
	for y := 0; y < sb.Dy(); y++ {
		for x := 0; x < sb.Dx(); x++ {
			if m.AlphaAt(mb.Min.X+x, mb.Min.Y+y).A == editable {
				i := out.PixOffset(x, y)
				out.Pix[i+3] = 0
			}
		}
	}
	return out, nil
}

// Result is the byte-level conversion output.
type Result struct {
	Mask     []byte
	Source   []byte
	Size     image.Point
	Coverage float64
}

// Convert decodes a selection overlay and a source image and produces the
// PNG pair for an edit call. Identical inputs yield identical bytes.
func Convert(selection, source []byte, opts Options) (*Result, error) {
	sel, _, err := image.Decode(bytes.NewReader(selection))
	if err != nil {
		return nil, fmt.Errorf("decode selection: %w", err)
	}
	src, err := decodeSource(source)
	if err != nil {
		return nil, err
	}

	size := src.Bounds().Size()
	m, err := ToAlphaMask(sel, size, opts)
	if err != nil {
		return nil, err
	}
	maskPNG, err := Encode(m)
	if err != nil {
		return nil, err
	}
	punched, err := ApplyToSource(src, m)
	if err != nil {
		return nil, err
	}
	srcPNG, err := encodePNG(punched)
	if err != nil {
		return nil, err
	}
	return &Result{Mask: maskPNG, Source: srcPNG, Size: size, Coverage: Coverage(m)}, nil
}

// forcedRGBA forces the PNG encoder to write colour type 6. image/png writes an
// opaque image as RGB, which the edit API rejects.
type forcedRGBA struct{ *image.NRGBA }

func (forcedRGBA) Opaque() bool { return false }

func encodePNG(img *image.NRGBA) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := enc.Encode(&buf, forcedRGBA{img}); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeSource(data []byte) (image.Image, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableSource, err)
	}
	return src, nil
}

// NormalizeSource prepares an instruction-only edit: the source re-encoded
// as 8-bit RGBA PNG and a mask marking the whole image editable.
func NormalizeSource(data []byte) (*Result, error) {
	src, err := decodeSource(data)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), src, b.Min, draw.Src)
	srcPNG, err := encodePNG(out)
	if err != nil {
		return nil, err
	}
	// The zero Alpha is fully editable.
	maskPNG, err := Encode(image.NewAlpha(out.Bounds()))
	if err != nil {
		return nil, err
	}
	return &Result{Mask: maskPNG, Source: srcPNG, Size: b.Size(), Coverage: 1}, nil
}
