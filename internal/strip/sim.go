package strip

import (
	"github.com/rs/zerolog"

	"hanukia-controller/internal/fire"
)

// Sim stands in for the strip when no hardware is attached. It logs a
// compact summary of every Nth frame at debug level.
type Sim struct {
	Every uint64
	Log   zerolog.Logger
	Count uint64
	Last  fire.Frame
}

// NewSim returns a simulator that summarises every 20th frame.
func NewSim(log zerolog.Logger) *Sim {
	return &Sim{Every: 20, Log: log}
}

func (s *Sim) Transmit(f fire.Frame) error {
	s.Count++
	s.Last = f
	if s.Every == 0 || s.Count%s.Every != 0 {
		return nil
	}
	var r, g, b, lit int
	for _, c := range f {
		if c.Black() {
			continue
		}
		lit++
		r += int(c.R)
		g += int(c.G)
		b += int(c.B)
	}
	ev := s.Log.Debug().Uint64("frame", s.Count).Int("lit_pixels", lit)
	if lit > 0 {
		ev = ev.Str("avg", fire.Color{R: uint8(r / lit), G: uint8(g / lit), B: uint8(b / lit)}.Hex())
	}
	ev.Msg("sim frame")
	return nil
}

func (s *Sim) Close() error { return nil }
