package strip

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/devices/v3/nrzled"
	"periph.io/x/host/v3"

	"hanukia-controller/internal/fire"
)

// NRZ drives a WS281x strip through an SPI port.
type NRZ struct {
	dev    *nrzled.Dev
	port   spi.PortCloser
	pixels int
}

// OpenSPI initialises the host drivers and opens the named SPI port ("" picks the first one).
func OpenSPI(name string, pixels int, freqKHz int) (*NRZ, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	port, err := spireg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open spi port '%s': %w", name, err)
	}
	n, err := NewNRZ(port, pixels, physic.Frequency(freqKHz)*physic.KiloHertz)
	if err != nil {
		port.Close()
		return nil, err
	}
	n.port = port
	return n, nil
}

// NewNRZ wraps an already opened port.
func NewNRZ(port spi.Port, pixels int, freq physic.Frequency) (*NRZ, error) {
	if pixels <= 0 {
		return nil, errors.New("nrz: pixel count must be positive")
	}
	dev, err := nrzled.NewSPI(port, &nrzled.Opts{NumPixels: pixels, Channels: 3, Freq: freq})
	if err != nil {
		return nil, fmt.Errorf("nrzled: %w", err)
	}
	return &NRZ{dev: dev, pixels: pixels}, nil
}

func (n *NRZ) String() string { return n.dev.String() }

// Transmit writes one frame. The frame must cover the whole strip.
func (n *NRZ) Transmit(f fire.Frame) error {
	if len(f) != n.pixels {
		return fmt.Errorf("nrz: frame has %d pixels, strip has %d", len(f), n.pixels)
	}
	_, err := n.dev.Write(f.Bytes())
	return err
}

// Close blanks the strip and releases the port.
func (n *NRZ) Close() error {
	err := n.dev.Halt()
	if n.port != nil {
		err = errors.Join(err, n.port.Close())
	}
	return err
}
