// Package strip holds the pixel sinks the render loop can transmit to.
package strip

import (
	"errors"
	"io"

	"hanukia-controller/internal/fire"
)

// Multi fans a frame out to several sinks. Every sink receives the frame even when an earlier one fails.
type Multi []fire.Sink

func (m Multi) Transmit(f fire.Frame) error {
	var errs []error
	for _, s := range m {
		if err := s.Transmit(f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every member that owns a device.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
