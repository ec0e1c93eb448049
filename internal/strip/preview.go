package strip

import (
	"golang.org/x/time/rate"

	"hanukia-controller/internal/core"
	"hanukia-controller/internal/fire"
)

// Preview publishes a throttled copy of the frames on the event bus so web
// clients can watch the flame without receiving every frame.
type Preview struct {
	bus     *core.EventBus
	limiter *rate.Limiter
}

// NewPreview publishes at most fps frames per second.
func NewPreview(bus *core.EventBus, fps float64) *Preview {
	return &Preview{bus: bus, limiter: rate.NewLimiter(rate.Limit(fps), 1)}
}

func (p *Preview) Transmit(f fire.Frame) error {
	if !p.limiter.Allow() {
		return nil
	}
	hex := make([]string, len(f))
	for i, c := range f {
		hex[i] = c.Hex()
	}
	p.bus.Publish(core.Event{Type: core.FrameEvent, Payload: hex})
	return nil
}
