package loop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hanukia-controller/internal/fire"
	"hanukia-controller/internal/lamp"
	"hanukia-controller/internal/sequencer"
)

var epoch = time.Date(2026, 12, 14, 17, 0, 0, 0, time.UTC)

// fakeClock advances only when the loop sleeps.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time        { return c.now }
func (c *fakeClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }

// selection is a plain Source the test mutates through the service hook.
type selection struct{ v int }

func (s *selection) Selection() int { return s.v }

type event struct {
	kind string
	at   time.Time
}

// harness wires a loop with recording hooks.
type harness struct {
	clock   *fakeClock
	sel     *selection
	lamps   *lamp.State
	seq     *sequencer.Sequencer
	loop    *Loop
	events  []event
	changes []Snapshot
	script  map[time.Duration]int
	sinkErr error
}

func newHarness(t *testing.T, policy sequencer.Policy) *harness {
	t.Helper()
	h := &harness{
		clock:  &fakeClock{now: epoch},
		sel:    &selection{},
		lamps:  &lamp.State{},
		script: map[time.Duration]int{},
	}
	h.seq = sequencer.New(h.lamps, time.Second, policy)

	sink := fire.SinkFunc(func(fire.Frame) error {
		h.events = append(h.events, event{"render", h.clock.now})
		return h.sinkErr
	})
	r, err := fire.NewRenderer(lamp.DefaultMapping(), lamp.DefaultPixelCount, fire.DefaultPalette(), fire.NewSource(1), sink)
	require.NoError(t, err)

	h.loop, err = New(Options{
		Quantum: DefaultQuantum,
		Clock:   h.clock,
		Source:  h.sel,
		Servicer: ServicerFunc(func() error {
			h.events = append(h.events, event{"service", h.clock.now})
			if v, ok := h.script[h.clock.now.Sub(epoch)]; ok {
				h.sel.v = v
			}
			return nil
		}),
		Sequencer: h.seq,
		Lamps:     h.lamps,
		Renderer:  r,
		Logger:    zerolog.Nop(),
		OnChange:  func(s Snapshot) { h.changes = append(h.changes, s) },
	})
	require.NoError(t, err)
	return h
}

// runUntilIdle ticks until the sequencer leaves its busy phases and returns the
// offset of the tick that finished the sequence.
func (h *harness) runUntilIdle(t *testing.T, limit time.Duration) time.Duration {
	t.Helper()
	ctx := context.Background()
	for {
		at := h.clock.now
		require.NoError(t, h.loop.Wait(ctx, 0))
		if !h.seq.Busy() {
			return at.Sub(epoch)
		}
		require.Less(t, h.clock.now.Sub(epoch), limit, "sequence did not finish")
	}
}

func litUpTo(n int) []lamp.ID {
	out := []lamp.ID{}
	for i := 0; i <= n; i++ {
		out = append(out, lamp.ID(i))
	}
	return out
}

func TestSequenceElapsedTime(t *testing.T) {
	for x := 1; x <= lamp.MaxSelection; x++ {
		h := newHarness(t, sequencer.Deferred)
		h.sel.v = x

		h.loop.Tick()
		require.True(t, h.seq.Busy())
		start := h.clock.now

		var done time.Time
		for h.seq.Busy() {
			h.clock.Sleep(h.loop.Quantum())
			h.loop.Tick()
			done = h.clock.now
		}
		elapsed := done.Sub(start)
		want := sequencer.Duration(x, time.Second)
		assert.InDelta(t, float64(want), float64(elapsed), float64(DefaultQuantum), "day %d", x)
		assert.Equal(t, litUpTo(x), h.lamps.Lit(), "day %d", x)
	}
}

func TestSelectionZeroIsImmediate(t *testing.T) {
	h := newHarness(t, sequencer.Deferred)
	h.sel.v = 2
	h.runUntilIdle(t, time.Minute)
	require.Equal(t, litUpTo(2), h.lamps.Lit())

	h.sel.v = 0
	h.loop.Tick()
	assert.Empty(t, h.lamps.Lit())
	assert.Equal(t, sequencer.Off, h.seq.Phase())
}

func TestRepeatedSelectionLeavesLampsAlone(t *testing.T) {
	h := newHarness(t, sequencer.Deferred)
	h.sel.v = 3
	h.runUntilIdle(t, time.Minute)
	changes := len(h.changes)

	require.NoError(t, h.loop.Wait(context.Background(), 5*time.Second))
	assert.Equal(t, litUpTo(3), h.lamps.Lit())
	assert.Len(t, h.changes, changes, "no transition without an edge")
}

func TestServiceAndRenderEveryQuantum(t *testing.T) {
	h := newHarness(t, sequencer.Deferred)
	h.sel.v = 4
	require.NoError(t, h.loop.Wait(context.Background(), 3*time.Second))

	var services, renders []time.Time
	for i, e := range h.events {
		switch e.kind {
		case "service":
			services = append(services, e.at)
			require.Less(t, i+1, len(h.events))
			next := h.events[i+1]
			assert.Equal(t, "render", next.kind, "service must be followed by a render in the same quantum")
			assert.Equal(t, e.at, next.at)
		case "render":
			renders = append(renders, e.at)
		}
	}
	assert.Len(t, services, 60)
	assert.Len(t, renders, 60)
	for i := 1; i < len(renders); i++ {
		assert.Equal(t, DefaultQuantum, renders[i].Sub(renders[i-1]))
	}
	assert.True(t, h.seq.Busy(), "a day-4 sequence is still running after 3s")
}

// The first selection runs to completion before a newer one is honoured.
func TestNewSelectionWaitsForRunningSequence(t *testing.T) {
	h := newHarness(t, sequencer.Deferred)
	h.sel.v = 5
	h.script[2*time.Second] = 3

	finished := h.runUntilIdle(t, time.Minute)
	assert.Equal(t, 9*time.Second, finished)
	assert.Equal(t, litUpTo(5), h.lamps.Lit())
	assert.Equal(t, 3, h.sel.v)

	h.loop.Tick()
	assert.Equal(t, []lamp.ID{0}, h.lamps.Lit(), "edge to 3 resets after completion")
	assert.Equal(t, 3, h.seq.Selection())

	h.runUntilIdle(t, time.Minute)
	assert.Equal(t, litUpTo(3), h.lamps.Lit())
}

func TestOffDuringSequenceAlsoWaits(t *testing.T) {
	h := newHarness(t, sequencer.Deferred)
	h.sel.v = 3
	h.script[time.Second] = 0

	finished := h.runUntilIdle(t, time.Minute)
	assert.Equal(t, 5*time.Second, finished)
	assert.Equal(t, litUpTo(3), h.lamps.Lit())

	h.loop.Tick()
	assert.Empty(t, h.lamps.Lit())
	assert.Equal(t, sequencer.Off, h.seq.Phase())
}

// Under the deferred policy nothing can abort a sequence; the interrupt policy can.
func TestInterruptPolicyCutsSequenceShort(t *testing.T) {
	h := newHarness(t, sequencer.Interrupt)
	h.sel.v = 5
	h.script[2*time.Second] = 3

	finished := h.runUntilIdle(t, time.Minute)
	assert.Equal(t, 7*time.Second, finished)
	assert.Equal(t, litUpTo(3), h.lamps.Lit())
}

func TestSinkFailureDoesNotStopSequencing(t *testing.T) {
	h := newHarness(t, sequencer.Deferred)
	h.sinkErr = errors.New("spi write failed")
	h.sel.v = 2

	h.runUntilIdle(t, time.Minute)
	assert.Equal(t, litUpTo(2), h.lamps.Lit())
	assert.Greater(t, h.loop.Frames(), uint64(50))
}

func TestServiceFailureIsIsolated(t *testing.T) {
	h := newHarness(t, sequencer.Deferred)
	calls := 0
	h.loop.opts.Servicer = ServicerFunc(func() error {
		calls++
		if calls%2 == 0 {
			panic("handler bug")
		}
		return errors.New("bad request")
	})
	h.sel.v = 2

	h.runUntilIdle(t, time.Minute)
	assert.Equal(t, litUpTo(2), h.lamps.Lit())
	assert.Greater(t, calls, 10)
}

func TestOnChangeSnapshots(t *testing.T) {
	h := newHarness(t, sequencer.Deferred)
	h.sel.v = 2
	h.runUntilIdle(t, time.Minute)

	require.Len(t, h.changes, 3)
	assert.Equal(t, Snapshot{Selection: 2, Phase: "ascending", Busy: true, Lit: []lamp.ID{0}}, h.changes[0])
	assert.Equal(t, Snapshot{Selection: 2, Phase: "descending", Busy: true, Lit: []lamp.ID{0, 2}}, h.changes[1])
	assert.Equal(t, Snapshot{Selection: 2, Phase: "idle", Busy: false, Lit: []lamp.ID{0, 1, 2}}, h.changes[2])
}

func TestInvalidSelectionIgnored(t *testing.T) {
	h := newHarness(t, sequencer.Deferred)
	h.sel.v = 12
	h.loop.Tick()
	assert.Equal(t, -1, h.seq.Selection())
	assert.Empty(t, h.lamps.Lit())
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, sequencer.Deferred)
	ctx, cancel := context.WithCancel(context.Background())
	h.loop.opts.Servicer = ServicerFunc(func() error {
		if h.loop.Frames() == 10 {
			cancel()
		}
		return nil
	})
	require.NoError(t, h.loop.Run(ctx))
	assert.Equal(t, uint64(11), h.loop.Frames())
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
