package fire

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hanukia-controller/internal/lamp"
)

// captureSink records every frame transmitted.
type captureSink struct {
	frames []Frame
	err    error
}

func (c *captureSink) Transmit(f Frame) error {
	c.frames = append(c.frames, f)
	return c.err
}

func newRenderer(t *testing.T, sink Sink) *Renderer {
	t.Helper()
	r, err := NewRenderer(lamp.DefaultMapping(), lamp.DefaultPixelCount, DefaultPalette(), NewSource(7), sink)
	require.NoError(t, err)
	return r
}

func TestRenderLitAndUnlitPixels(t *testing.T) {
	sink := &captureSink{}
	r := newRenderer(t, sink)
	m := lamp.DefaultMapping()
	p := DefaultPalette()

	var s lamp.State
	s.TurnOn(lamp.Base)
	s.TurnOn(2)
	s.TurnOn(7)

	for i := 0; i < 200; i++ {
		frame, err := r.Render(&s)
		require.NoError(t, err)
		require.Len(t, frame, lamp.DefaultPixelCount)

		lit := map[int]bool{}
		for _, id := range s.Lit() {
			for _, px := range m.Pixels(id) {
				lit[px] = true
				c := frame[px]
				assert.True(t, p.Red.Contains(c.R), "red %d", c.R)
				assert.True(t, p.Green.Contains(c.G), "green %d", c.G)
				assert.Zero(t, c.B)
			}
		}
		for px, c := range frame {
			if !lit[px] {
				assert.True(t, c.Black(), "pixel %d should be black, got %+v", px, c)
			}
		}
	}
	assert.Len(t, sink.frames, 200, "exactly one transmit per render")
}

func TestRenderAllOffIsBlack(t *testing.T) {
	sink := &captureSink{}
	r := newRenderer(t, sink)

	frame, err := r.Render(&lamp.State{})
	require.NoError(t, err)
	for _, c := range frame {
		assert.True(t, c.Black())
	}
	// pixel 19 is not mapped to any lamp
	var s lamp.State
	for id := lamp.ID(0); id < lamp.Count; id++ {
		s.TurnOn(id)
	}
	frame, err = r.Render(&s)
	require.NoError(t, err)
	assert.True(t, frame[19].Black())
}

func TestRenderFlickers(t *testing.T) {
	r := newRenderer(t, &captureSink{})
	var s lamp.State
	s.TurnOn(lamp.Base)

	seen := map[Color]bool{}
	for i := 0; i < 50; i++ {
		frame, err := r.Render(&s)
		require.NoError(t, err)
		seen[frame[8]] = true
	}
	assert.Greater(t, len(seen), 1, "consecutive frames should not be identical")
}

func TestRenderReturnsSinkError(t *testing.T) {
	boom := errors.New("strip unplugged")
	r := newRenderer(t, &captureSink{err: boom})
	var s lamp.State
	s.TurnOn(1)

	frame, err := r.Render(&s)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, frame, lamp.DefaultPixelCount)
}

func TestNewRendererValidates(t *testing.T) {
	m := lamp.DefaultMapping()
	m[5] = []int{}
	_, err := NewRenderer(m, lamp.DefaultPixelCount, DefaultPalette(), NewSource(1), &captureSink{})
	assert.ErrorIs(t, err, lamp.ErrEmptyLamp)

	bad := DefaultPalette()
	bad.Green = Range{Min: 30, Max: 15}
	_, err = NewRenderer(lamp.DefaultMapping(), lamp.DefaultPixelCount, bad, NewSource(1), &captureSink{})
	assert.Error(t, err)

	_, err = NewRenderer(lamp.DefaultMapping(), lamp.DefaultPixelCount, DefaultPalette(), nil, &captureSink{})
	assert.Error(t, err)
}

func TestColorHexAndBytes(t *testing.T) {
	assert.Equal(t, "#4b0f00", Color{R: 75, G: 15}.Hex())
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, Frame{{1, 2, 3}, {4, 5, 6}}.Bytes())
}
