// Package sequencer turns a day selection into the timed lamp lighting
// sequence. It is a step function: Observe starts transitions on a new
// selection and Advance lights whatever lamps have come due. Neither call
// blocks; the caller drives both once per scheduler quantum.
package sequencer

import (
	"fmt"
	"strings"
	"time"

	"hanukia-controller/internal/lamp"
)

// Phase is the state of the sequencer.
type Phase int

const (
	Idle Phase = iota
	Off
	Ascending
	Descending
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Off:
		return "off"
	case Ascending:
		return "ascending"
	case Descending:
		return "descending"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Policy decides what happens to a new selection that arrives while a
// sequence is still running.
type Policy int

const (
	// Deferred finishes the running sequence before the newer selection is
	// honoured. Intermediate selections that are overwritten before the
	// sequence ends are never seen.
	Deferred Policy = iota
	// Interrupt resets the lamps and starts the new selection immediately.
	Interrupt
)

func (p Policy) String() string {
	if p == Interrupt {
		return "interrupt"
	}
	return "deferred"
}

// ParsePolicy maps a config string to a Policy. Empty means Deferred.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "deferred", "defer":
		return Deferred, nil
	case "interrupt":
		return Interrupt, nil
	default:
		return Deferred, fmt.Errorf("unknown sequence policy %q", s)
	}
}

// DefaultStep is the unit of every wait in a sequence.
const DefaultStep = time.Second

// Sequencer owns the transitions of a lamp.State.
type Sequencer struct {
	lamps  *lamp.State
	step   time.Duration
	policy Policy

	phase    Phase
	observed int
	target   int
	next     lamp.ID
	deadline time.Time
}

// New returns an idle sequencer driving lamps. A non-positive step uses DefaultStep.
func New(lamps *lamp.State, step time.Duration, policy Policy) *Sequencer {
	if step <= 0 {
		step = DefaultStep
	}
	return &Sequencer{
		lamps:    lamps,
		step:     step,
		policy:   policy,
		observed: -1,
	}
}

// Phase returns the current phase.
func (s *Sequencer) Phase() Phase { return s.phase }

// Busy reports whether a sequence is still lighting lamps.
func (s *Sequencer) Busy() bool {
	return s.phase == Ascending || s.phase == Descending
}

// Selection returns the selection the last transition started from, or -1 before the first.
func (s *Sequencer) Selection() int { return s.observed }

// Next returns the lamp the descend step will light next. Only meaningful while Descending.
func (s *Sequencer) Next() lamp.ID { return s.next }

// Step returns the wait unit.
func (s *Sequencer) Step() time.Duration { return s.step }

// Observe compares selection with the value recorded at the start of the
// previous transition and starts a new transition on a change. It returns
// true when lamp state changed. Selection must already be validated.
func (s *Sequencer) Observe(selection int, now time.Time) bool {
	if selection == s.observed {
		return false
	}
	if s.Busy() && s.policy == Deferred {
		return false
	}
	s.observed = selection
	s.lamps.AllOff()

	if selection == 0 {
		s.phase = Off
		return true
	}

	s.lamps.TurnOn(lamp.Base)
	s.target = selection
	s.phase = Ascending
	s.deadline = now.Add(time.Duration(selection) * s.step)
	return true
}

// Advance lights every lamp whose wait has elapsed at now and returns true
// if any lamp was turned on.
func (s *Sequencer) Advance(now time.Time) bool {
	changed := false
	for s.Busy() && !now.Before(s.deadline) {
		switch s.phase {
		case Ascending:
			s.lamps.TurnOn(lamp.ID(s.target))
			s.next = lamp.ID(s.target - 1)
		case Descending:
			s.lamps.TurnOn(s.next)
			s.next--
		}
		changed = true

		if s.next >= 1 {
			s.phase = Descending
			s.deadline = s.deadline.Add(s.step)
		} else {
			s.phase = Idle
		}
	}
	return changed
}

// Duration returns how long the full sequence for selection takes.
func Duration(selection int, step time.Duration) time.Duration {
	if selection <= 0 {
		return 0
	}
	return time.Duration(2*selection-1) * step
}
