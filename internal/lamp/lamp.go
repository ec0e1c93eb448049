// Package lamp holds the logical lamp model: lamp ids, the static lamp to
// pixel mapping and the per-lamp on/off state.
package lamp

import (
	"errors"
	"fmt"
)

// ID addresses a logical lamp. Lamp 0 is the base lamp, lamps 1..8 are days.
type ID int

const (
	// Base is lit first in every active sequence.
	Base ID = 0
	// Count is the number of logical lamps.
	Count = 9
	// MaxSelection is the highest day a user may pick.
	MaxSelection = Count - 1
	// DefaultPixelCount is the strip length of the reference fixture.
	DefaultPixelCount = 20
)

var (
	ErrEmptyLamp       = errors.New("lamp has no pixels")
	ErrPixelOutOfRange = errors.New("pixel index out of range")
	ErrLampCount       = errors.New("wrong number of lamps")
)

// ValidSelection reports whether v is an acceptable user selection.
func ValidSelection(v int) bool {
	return v >= 0 && v <= MaxSelection
}

// Mapping associates every lamp with the ordered pixel indices it drives.
type Mapping [Count][]int

// DefaultMapping returns the mapping of the reference 20-pixel fixture.
func DefaultMapping() Mapping {
	return Mapping{
		{8, 9, 10},
		{0, 1},
		{2, 3},
		{4, 5},
		{6, 7},
		{11, 12},
		{13, 14},
		{15, 16},
		{17, 18},
	}
}

// MappingFrom converts a configured slice of pixel lists into a Mapping.
func MappingFrom(lamps [][]int) (Mapping, error) {
	var m Mapping
	if len(lamps) != Count {
		return m, fmt.Errorf("%w: got %d, want %d", ErrLampCount, len(lamps), Count)
	}
	for i, px := range lamps {
		m[i] = append([]int(nil), px...)
	}
	return m, nil
}

// Validate checks that every lamp has at least one pixel and that every
// pixel index fits on a strip of pixelCount pixels.
func (m Mapping) Validate(pixelCount int) error {
	for id, px := range m {
		if len(px) == 0 {
			return fmt.Errorf("lamp %d: %w", id, ErrEmptyLamp)
		}
		for _, p := range px {
			if p < 0 || p >= pixelCount {
				return fmt.Errorf("lamp %d pixel %d (strip has %d): %w", id, p, pixelCount, ErrPixelOutOfRange)
			}
		}
	}
	return nil
}

// Pixels returns the pixel indices of lamp id.
func (m Mapping) Pixels(id ID) []int {
	if id < 0 || int(id) >= Count {
		return nil
	}
	return m[id]
}

// State is the on/off flag of every lamp. The zero value has all lamps off.
type State struct {
	on [Count]bool
}

// TurnOn marks lamp id as lit. Ids outside [0,8] are ignored.
func (s *State) TurnOn(id ID) {
	if id < 0 || int(id) >= Count {
		return
	}
	s.on[id] = true
}

// AllOff clears every lamp.
func (s *State) AllOff() {
	s.on = [Count]bool{}
}

// IsOn reports whether lamp id is lit.
func (s *State) IsOn(id ID) bool {
	if id < 0 || int(id) >= Count {
		return false
	}
	return s.on[id]
}

// Lit returns the lit lamps in ascending order.
func (s *State) Lit() []ID {
	lit := make([]ID, 0, Count)
	for id, on := range s.on {
		if on {
			lit = append(lit, ID(id))
		}
	}
	return lit
}
