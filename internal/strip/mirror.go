package strip

import (
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/time/rate"

	"hanukia-controller/internal/fire"
)

// Light is a single-colour light, such as a BLEDOM strip.
type Light interface {
	SetPower(isOn bool)
	SetColor(r, g, b int)
}

// Mirror shows the average flame colour on a single-colour light. Updates
// are throttled and only sent when the colour or power changes.
type Mirror struct {
	light   Light
	limiter *rate.Limiter

	on    bool
	color fire.Color
	init  bool
}

// NewMirror sends at most perSecond updates to light.
func NewMirror(light Light, perSecond float64) *Mirror {
	return &Mirror{light: light, limiter: rate.NewLimiter(rate.Limit(perSecond), 1)}
}

func (m *Mirror) Transmit(f fire.Frame) error {
	c, lit := Average(f)
	if m.init && lit == m.on && (!lit || c == m.color) {
		return nil
	}
	if !m.limiter.Allow() {
		return nil
	}
	if !m.init || lit != m.on {
		m.light.SetPower(lit)
	}
	if lit {
		m.light.SetColor(int(c.R), int(c.G), int(c.B))
	}
	m.init, m.on, m.color = true, lit, c
	return nil
}

// Average returns the mean colour of the non-black pixels and whether there were any.
func Average(f fire.Frame) (fire.Color, bool) {
	var sum colorful.Color
	n := 0
	for _, c := range f {
		if c.Black() {
			continue
		}
		sum.R += float64(c.R) / 255
		sum.G += float64(c.G) / 255
		sum.B += float64(c.B) / 255
		n++
	}
	if n == 0 {
		return fire.Color{}, false
	}
	avg := colorful.Color{R: sum.R / float64(n), G: sum.G / float64(n), B: sum.B / float64(n)}
	r, g, b := avg.RGB255()
	return fire.Color{R: r, G: g, B: b}, true
}
