// Command seqsim runs the lamp sequencer headless against the simulated
// strip and prints every lamp change. Selections are scripted on the
// command line as offset=value pairs, for example
//
//	seqsim -at 0s=5 -at 2s=3 -for 20s
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"hanukia-controller/internal/core"
	"hanukia-controller/internal/fire"
	"hanukia-controller/internal/lamp"
	"hanukia-controller/internal/logging"
	"hanukia-controller/internal/loop"
	"hanukia-controller/internal/sequencer"
	"hanukia-controller/internal/strip"
)

type cue struct {
	at    time.Duration
	value int
}

type cues []cue

func (c *cues) String() string { return fmt.Sprint(*c) }

func (c *cues) Set(s string) error {
	at, val, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("want offset=value, got %q", s)
	}
	d, err := time.ParseDuration(at)
	if err != nil {
		return err
	}
	v, err := strconv.Atoi(val)
	if err != nil || !lamp.ValidSelection(v) {
		return fmt.Errorf("%w: got %q", core.ErrInvalidSelection, val)
	}
	*c = append(*c, cue{at: d, value: v})
	return nil
}

func main() {
	var script cues
	flag.Var(&script, "at", "selection cue as offset=value; repeatable")
	total := flag.Duration("for", 20*time.Second, "simulated run time")
	step := flag.Duration("step", sequencer.DefaultStep, "sequence step")
	policyName := flag.String("policy", "deferred", "deferred or interrupt")
	realtime := flag.Bool("realtime", false, "sleep on the wall clock instead of simulating time")
	seed := flag.Int64("seed", 1, "flicker random seed")
	flag.Parse()

	logging.Setup(os.Stderr, "info")
	log := logging.For("seqsim")

	policy, err := sequencer.ParsePolicy(*policyName)
	if err != nil {
		log.Fatal().Err(err).Msg("bad policy")
	}
	if len(script) == 0 {
		script = cues{{at: 0, value: lamp.MaxSelection}}
	}
	sort.Slice(script, func(i, j int) bool { return script[i].at < script[j].at })

	var clock loop.Clock = loop.SystemClock{}
	if !*realtime {
		clock = &simClock{now: time.Now()}
	}
	start := clock.Now()

	sel := &core.Selection{}
	lamps := &lamp.State{}
	seq := sequencer.New(lamps, *step, policy)
	renderer, err := fire.NewRenderer(lamp.DefaultMapping(), lamp.DefaultPixelCount, fire.DefaultPalette(), fire.NewSource(*seed), strip.NewSim(logging.For("strip")))
	if err != nil {
		log.Fatal().Err(err).Msg("renderer")
	}

	next := 0
	l, err := loop.New(loop.Options{
		Clock:  clock,
		Source: sel,
		Servicer: loop.ServicerFunc(func() error {
			if next < len(script) && clock.Now().Sub(start) >= script[next].at {
				c := script[next]
				next++
				fmt.Printf("%8s  select %d\n", c.at, c.value)
				return sel.Set(c.value)
			}
			return nil
		}),
		Sequencer: seq,
		Lamps:     lamps,
		Renderer:  renderer,
		Logger:    logging.For("loop"),
		OnChange: func(s loop.Snapshot) {
			fmt.Printf("%8s  %-10s lit=%v\n", clock.Now().Sub(start).Truncate(time.Millisecond), s.Phase, s.Lit)
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("loop")
	}

	if err := l.Wait(context.Background(), *total); err != nil {
		log.Fatal().Err(err).Msg("simulation aborted")
	}
	log.Info().Uint64("frames", l.Frames()).Msg("simulation finished")
}

// simClock advances only when the loop pauses.
type simClock struct{ now time.Time }

func (c *simClock) Now() time.Time        { return c.now }
func (c *simClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }
