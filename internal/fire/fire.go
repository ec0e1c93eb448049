// Package fire renders the flicker effect: every pixel of a lit lamp gets an
// independently drawn red/orange colour, everything else is black.
package fire

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/lucasb-eyer/go-colorful"

	"hanukia-controller/internal/lamp"
)

// Color is one 8-bit RGB pixel.
type Color struct {
	R, G, B uint8
}

// Hex returns the colour as #rrggbb.
func (c Color) Hex() string {
	return colorful.Color{R: float64(c.R) / 255, G: float64(c.G) / 255, B: float64(c.B) / 255}.Hex()
}

// Black reports whether all channels are zero.
func (c Color) Black() bool {
	return c.R == 0 && c.G == 0 && c.B == 0
}

// Frame holds one colour per strip pixel.
type Frame []Color

// Bytes packs the frame as consecutive R, G, B bytes.
func (f Frame) Bytes() []byte {
	out := make([]byte, 0, 3*len(f))
	for _, c := range f {
		out = append(out, c.R, c.G, c.B)
	}
	return out
}

// Sink accepts exactly one full-strip frame per call.
type Sink interface {
	Transmit(Frame) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Frame) error

func (f SinkFunc) Transmit(fr Frame) error { return f(fr) }

// Source is the random source the renderer draws from. *rand.Rand satisfies it.
type Source interface {
	Intn(n int) int
}

// NewSource returns a seeded pseudo-random source.
func NewSource(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// Range is a half-open channel interval [Min, Max).
type Range struct {
	Min int `json:"min" yaml:"min"`
	Max int `json:"max" yaml:"max"`
}

// Contains reports whether v lies in the range.
func (r Range) Contains(v uint8) bool {
	return int(v) >= r.Min && int(v) < r.Max
}

func (r Range) validate() error {
	if r.Min < 0 || r.Max > 256 || r.Min >= r.Max {
		return fmt.Errorf("invalid channel range [%d,%d)", r.Min, r.Max)
	}
	return nil
}

func (r Range) draw(src Source) uint8 {
	return uint8(r.Min + src.Intn(r.Max-r.Min))
}

// Palette bounds the red and green channels of a flame pixel. Blue is always 0.
type Palette struct {
	Red   Range `json:"red" yaml:"red"`
	Green Range `json:"green" yaml:"green"`
}

// DefaultPalette is the warm orange of the reference fixture.
func DefaultPalette() Palette {
	return Palette{
		Red:   Range{Min: 75, Max: 85},
		Green: Range{Min: 15, Max: 30},
	}
}

// Validate checks both channel ranges.
func (p Palette) Validate() error {
	if err := p.Red.validate(); err != nil {
		return fmt.Errorf("red: %w", err)
	}
	if err := p.Green.validate(); err != nil {
		return fmt.Errorf("green: %w", err)
	}
	return nil
}

// Renderer computes one frame per call and hands it to the sink.
type Renderer struct {
	mapping lamp.Mapping
	pixels  int
	palette Palette
	src     Source
	sink    Sink
}

// NewRenderer builds a renderer for a strip of pixels pixels.
func NewRenderer(m lamp.Mapping, pixels int, p Palette, src Source, sink Sink) (*Renderer, error) {
	if err := m.Validate(pixels); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if src == nil || sink == nil {
		return nil, errors.New("fire: random source and sink are required")
	}
	return &Renderer{mapping: m, pixels: pixels, palette: p, src: src, sink: sink}, nil
}

// Render draws a fresh frame for the lit lamps in s and transmits it once.
// The frame is returned even when the sink fails.
func (r *Renderer) Render(s *lamp.State) (Frame, error) {
	frame := make(Frame, r.pixels)
	for id := lamp.ID(0); id < lamp.Count; id++ {
		if !s.IsOn(id) {
			continue
		}
		for _, px := range r.mapping.Pixels(id) {
			frame[px] = Color{
				R: r.palette.Red.draw(r.src),
				G: r.palette.Green.draw(r.src),
			}
		}
	}
	if err := r.sink.Transmit(frame); err != nil {
		return frame, fmt.Errorf("transmit frame: %w", err)
	}
	return frame, nil
}
