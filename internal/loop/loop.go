// Package loop is the single-threaded cooperative scheduler. Every quantum
// it services at most one external request, feeds the current selection to
// the sequencer, advances any pending lamp waits and renders one fire frame.
// Sequencer waits never block the loop, so the flicker keeps running and
// requests keep being serviced while a sequence counts down.
package loop

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"hanukia-controller/internal/fire"
	"hanukia-controller/internal/lamp"
	"hanukia-controller/internal/sequencer"
)

// DefaultQuantum is the frame interval of the reference fixture.
const DefaultQuantum = 50 * time.Millisecond

// Clock is the time source of the loop.
type Clock interface {
	Now() time.Time
	Sleep(time.Duration)
}

// SystemClock uses the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time        { return time.Now() }
func (SystemClock) Sleep(d time.Duration) { time.Sleep(d) }

// Source supplies the latest validated selection.
type Source interface {
	Selection() int
}

// Servicer handles at most one pending external request per call and must
// return promptly.
type Servicer interface {
	ServiceOnce() error
}

// ServicerFunc adapts a function to Servicer.
type ServicerFunc func() error

func (f ServicerFunc) ServiceOnce() error { return f() }

// Renderer draws the lit lamps. *fire.Renderer satisfies it.
type Renderer interface {
	Render(*lamp.State) (fire.Frame, error)
}

// Snapshot is what the loop reports after a lamp or phase change.
type Snapshot struct {
	Selection int       `json:"selection"`
	Phase     string    `json:"phase"`
	Busy      bool      `json:"busy"`
	Lit       []lamp.ID `json:"lit"`
}

// Options configures a Loop. Source, Renderer and Sequencer are required.
type Options struct {
	Quantum   time.Duration
	Clock     Clock
	Source    Source
	Servicer  Servicer
	Sequencer *sequencer.Sequencer
	Lamps     *lamp.State
	Renderer  Renderer
	Logger    zerolog.Logger
	// OnChange runs on the loop goroutine after lamps or phase changed.
	OnChange func(Snapshot)
	// OnFrame runs on the loop goroutine after every rendered frame.
	OnFrame func(fire.Frame)
}

// Loop owns the lamp state and the pixel sink; nothing else may touch them.
type Loop struct {
	opts Options
	log  zerolog.Logger

	lastPhase sequencer.Phase
	frames    uint64
}

// New validates the options and returns a loop.
func New(opts Options) (*Loop, error) {
	if opts.Source == nil || opts.Renderer == nil || opts.Sequencer == nil || opts.Lamps == nil {
		return nil, fmt.Errorf("loop: source, renderer, sequencer and lamps are required")
	}
	if opts.Quantum <= 0 {
		opts.Quantum = DefaultQuantum
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Servicer == nil {
		opts.Servicer = ServicerFunc(func() error { return nil })
	}
	return &Loop{opts: opts, log: opts.Logger, lastPhase: opts.Sequencer.Phase()}, nil
}

// Quantum returns the tick interval.
func (l *Loop) Quantum() time.Duration { return l.opts.Quantum }

// Frames returns the number of frames rendered so far.
func (l *Loop) Frames() uint64 { return l.frames }

// Tick runs one quantum without the trailing pause.
func (l *Loop) Tick() {
	if err := l.service(); err != nil {
		l.log.Warn().Err(err).Msg("request service failed")
	}

	now := l.opts.Clock.Now()
	seq := l.opts.Sequencer
	changed := false

	sel := l.opts.Source.Selection()
	if lamp.ValidSelection(sel) {
		if seq.Observe(sel, now) {
			changed = true
			l.log.Info().Int("selection", sel).Str("phase", seq.Phase().String()).Msg("selection applied")
		}
	} else {
		l.log.Error().Int("selection", sel).Msg("selection outside 0..8 reached the loop; ignored")
	}
	if seq.Advance(now) {
		changed = true
	}
	if changed || seq.Phase() != l.lastPhase {
		l.lastPhase = seq.Phase()
		l.notify()
	}

	frame, err := l.opts.Renderer.Render(l.opts.Lamps)
	l.frames++
	if err != nil {
		l.log.Warn().Err(err).Uint64("frame", l.frames).Msg("frame not transmitted")
	}
	if l.opts.OnFrame != nil && frame != nil {
		l.opts.OnFrame(frame)
	}
}

// Wait spins ticks, pausing one quantum after each, until d has elapsed or
// ctx is done. At least one tick always runs.
func (l *Loop) Wait(ctx context.Context, d time.Duration) error {
	start := l.opts.Clock.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.Tick()
		l.opts.Clock.Sleep(l.opts.Quantum)
		if l.opts.Clock.Now().Sub(start) >= d {
			return nil
		}
	}
}

// Run ticks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info().Dur("quantum", l.opts.Quantum).Msg("render loop started")
	for {
		if err := ctx.Err(); err != nil {
			l.log.Info().Uint64("frames", l.frames).Msg("render loop stopped")
			return nil
		}
		l.Tick()
		l.opts.Clock.Sleep(l.opts.Quantum)
	}
}

// Snapshot reports the current lamp and sequencer state.
func (l *Loop) Snapshot() Snapshot {
	seq := l.opts.Sequencer
	return Snapshot{
		Selection: seq.Selection(),
		Phase:     seq.Phase().String(),
		Busy:      seq.Busy(),
		Lit:       l.opts.Lamps.Lit(),
	}
}

func (l *Loop) notify() {
	if l.opts.OnChange != nil {
		l.opts.OnChange(l.Snapshot())
	}
}

// service isolates the hook: a panic becomes an error and never unwinds into the sequencer.
func (l *Loop) service() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("service hook panicked: %v", r)
		}
	}()
	return l.opts.Servicer.ServiceOnce()
}
