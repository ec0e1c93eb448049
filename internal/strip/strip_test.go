package strip

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi/spitest"

	"hanukia-controller/internal/core"
	"hanukia-controller/internal/fire"
)

type countingSink struct {
	n   int
	err error
}

func (c *countingSink) Transmit(fire.Frame) error {
	c.n++
	return c.err
}

func (c *countingSink) Close() error { return c.err }

func TestMultiDeliversToEverySink(t *testing.T) {
	boom := errors.New("boom")
	a, b, c := &countingSink{}, &countingSink{err: boom}, &countingSink{}
	m := Multi{a, b, c}

	err := m.Transmit(fire.Frame{{R: 1}})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, a.n)
	assert.Equal(t, 1, b.n)
	assert.Equal(t, 1, c.n, "a failing sink must not starve the next one")
	assert.ErrorIs(t, m.Close(), boom)
}

func TestNRZWritesFrames(t *testing.T) {
	var buf bytes.Buffer
	n, err := NewNRZ(spitest.NewRecordRaw(&buf), 4, 2500*physic.KiloHertz)
	require.NoError(t, err)
	assert.Equal(t, "nrzled{recordraw}", n.String())

	require.NoError(t, n.Transmit(fire.Frame{{R: 80, G: 20}, {}, {R: 76, G: 16}, {}}))
	assert.NotZero(t, buf.Len())

	assert.Error(t, n.Transmit(fire.Frame{{R: 1}}), "short frames are rejected")
	_, err = NewNRZ(spitest.NewRecordRaw(&buf), 0, 2500*physic.KiloHertz)
	assert.Error(t, err)
}

func TestSimCountsFrames(t *testing.T) {
	s := NewSim(zerolog.Nop())
	for i := 0; i < 45; i++ {
		require.NoError(t, s.Transmit(fire.Frame{{R: 80, G: 20}, {}}))
	}
	assert.Equal(t, uint64(45), s.Count)
	assert.Equal(t, fire.Frame{{R: 80, G: 20}, {}}, s.Last)
}

func TestPreviewThrottles(t *testing.T) {
	bus := core.NewEventBus()
	sub := bus.Subscribe(core.FrameEvent)
	p := NewPreview(bus, 1)

	for i := 0; i < 10; i++ {
		require.NoError(t, p.Transmit(fire.Frame{{R: 75, G: 15}, {}}))
	}
	require.Len(t, sub, 1)
	ev := <-sub
	assert.Equal(t, []string{"#4b0f00", "#000000"}, ev.Payload)
}

type fakeLight struct {
	power  []bool
	colors [][3]int
}

func (l *fakeLight) SetPower(on bool)     { l.power = append(l.power, on) }
func (l *fakeLight) SetColor(r, g, b int) { l.colors = append(l.colors, [3]int{r, g, b}) }

func TestMirror(t *testing.T) {
	light := &fakeLight{}
	m := NewMirror(light, 1000)

	require.NoError(t, m.Transmit(fire.Frame{{}, {}}))
	assert.Equal(t, []bool{false}, light.power)

	frame := fire.Frame{{R: 80, G: 20}, {R: 80, G: 20}, {}}
	require.NoError(t, m.Transmit(frame))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, m.Transmit(frame))

	assert.Equal(t, []bool{false, true}, light.power)
	assert.Equal(t, [][3]int{{80, 20, 0}}, light.colors, "unchanged colour is not resent")
}

func TestAverage(t *testing.T) {
	_, ok := Average(fire.Frame{{}, {}})
	assert.False(t, ok)

	c, ok := Average(fire.Frame{{R: 80, G: 20}, {}, {R: 76, G: 16}})
	require.True(t, ok)
	assert.Equal(t, fire.Color{R: 78, G: 18}, c)
}
