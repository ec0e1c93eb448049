package core

import (
	"errors"
	"fmt"
	"sync"

	"hanukia-controller/internal/lamp"
)

var (
	ErrInvalidSelection = errors.New("selection must be between 0 and 8")
	ErrBusy             = errors.New("command queue full")
)

// Selection is the most recently confirmed user choice. It is written by
// the command handler and read by the render loop once per quantum.
type Selection struct {
	mu sync.RWMutex
	v  int
}

// Get returns the current selection.
func (s *Selection) Get() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v
}

// Selection satisfies loop.Source.
func (s *Selection) Selection() int { return s.Get() }

// Set stores v. Values outside 0..8 are rejected and leave the selection unchanged.
func (s *Selection) Set(v int) error {
	if !lamp.ValidSelection(v) {
		return fmt.Errorf("%w: got %d", ErrInvalidSelection, v)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v = v
	return nil
}

// State holds the snapshot readers outside the render loop may look at.
type State struct {
	mu             sync.RWMutex
	Selection      int
	Applied        int
	Phase          string
	Busy           bool
	Lit            []int
	RunningPattern string
	MirrorOnline   bool
}

// NewState creates a State with every lamp off.
func NewState() *State {
	return &State{Applied: -1, Phase: "idle", Lit: []int{}}
}

// Clone returns a snapshot of the current state for safe reading.
func (s *State) Clone() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lit := make([]int, len(s.Lit))
	copy(lit, s.Lit)
	return State{
		Selection:      s.Selection,
		Applied:        s.Applied,
		Phase:          s.Phase,
		Busy:           s.Busy,
		Lit:            lit,
		RunningPattern: s.RunningPattern,
		MirrorOnline:   s.MirrorOnline,
	}
}

// SetSelection records the requested selection.
func (s *State) SetSelection(v int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Selection = v
}

// SetLamps records what the sequencer is doing.
func (s *State) SetLamps(applied int, phase string, busy bool, lit []lamp.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Applied = applied
	s.Phase = phase
	s.Busy = busy
	s.Lit = make([]int, len(lit))
	for i, id := range lit {
		s.Lit[i] = int(id)
	}
}

// SetRunningPattern updates the running pattern state.
func (s *State) SetRunningPattern(pattern string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RunningPattern = pattern
}

// SetMirrorOnline updates the BLE mirror connection flag.
func (s *State) SetMirrorOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MirrorOnline = online
}

// View is the JSON form of the state served to clients.
type View struct {
	Selection      int    `json:"selection"`
	Applied        int    `json:"applied"`
	Phase          string `json:"phase"`
	Busy           bool   `json:"busy"`
	Lit            []int  `json:"lit"`
	RunningPattern string `json:"runningPattern"`
	MirrorOnline   bool   `json:"mirrorOnline"`
}

// View returns a JSON-friendly snapshot.
func (s *State) View() View {
	c := s.Clone()
	return View{
		Selection:      c.Selection,
		Applied:        c.Applied,
		Phase:          c.Phase,
		Busy:           c.Busy,
		Lit:            c.Lit,
		RunningPattern: c.RunningPattern,
		MirrorOnline:   c.MirrorOnline,
	}
}
