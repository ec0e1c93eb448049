// Package ble talks to a BLEDOM single-colour LED strip, used to mirror the
// flame colour onto ambient lighting.
package ble

import (
	"context"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"tinygo.org/x/bluetooth"
)

var (
	adapter = bluetooth.DefaultAdapter

	defaultServiceUUIDStr        = "0000fff0-0000-1000-8000-00805f9b34fb"
	defaultCharacteristicUUIDStr = "0000fff3-0000-1000-8000-00805f9b34fb"
	genericAccessUUIDStr         = "00001800-0000-1000-8000-00805f9b34fb"
	deviceNameUUIDStr            = "00002a00-0000-1000-8000-00805f9b34fb"
)

// Options configures a Controller.
type Options struct {
	DeviceNames       []string
	ScanTimeout       time.Duration
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	RetryDelay        time.Duration
	RateLimit         float64
	RateBurst         int
}

// Controller manages the BLE connection and commands.
type Controller struct {
	characteristic bluetooth.DeviceCharacteristic
	heartbeatChar  bluetooth.DeviceCharacteristic

	// disconnectChan is buffered so a failing writer never blocks.
	disconnectChan chan struct{}
	commandChan    chan []byte

	opts                  Options
	bleServiceUUID        bluetooth.UUID
	bleCharacteristicUUID bluetooth.UUID
	limiter               *rate.Limiter
	log                   zerolog.Logger
}

// NewController creates a controller and starts its command writer.
func NewController(ctx context.Context, opts Options, log zerolog.Logger) *Controller {
	serviceUUID, _ := bluetooth.ParseUUID(defaultServiceUUIDStr)
	characteristicUUID, _ := bluetooth.ParseUUID(defaultCharacteristicUUIDStr)

	c := &Controller{
		opts:                  opts,
		bleServiceUUID:        serviceUUID,
		bleCharacteristicUUID: characteristicUUID,
		commandChan:           make(chan []byte, opts.RateBurst*2),
		disconnectChan:        make(chan struct{}, 1),
		limiter:               rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst),
		log:                   log,
	}

	go c.commandWriterLoop(ctx)
	return c
}

// Write queues a raw command. Commands are dropped when the queue is full.
func (c *Controller) Write(payload []byte) {
	select {
	case c.commandChan <- payload:
	default:
		c.log.Debug().Hex("payload", payload).Msg("BLE command queue full, dropping command")
	}
}

func (c *Controller) commandWriterLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-c.commandChan:
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
			if c.characteristic.UUID() == (bluetooth.UUID{}) {
				// not connected yet
				continue
			}
			if _, err := c.characteristic.WriteWithoutResponse(payload); err != nil {
				c.log.Warn().Err(err).Msg("BLE write failed, assuming disconnected")
				c.signalDisconnect()
			}
		}
	}
}

func (c *Controller) signalDisconnect() {
	select {
	case c.disconnectChan <- struct{}{}:
	default:
	}
}

// Run keeps scanning, connecting and heartbeating until ctx is done.
// onStatusChange is called on every connect and disconnect.
func (c *Controller) Run(ctx context.Context, onStatusChange func(connected bool, rssi int16)) {
	onStatusChange(false, 0)

	for {
		if ctx.Err() != nil {
			c.log.Info().Msg("BLE controller shutting down")
			return
		}
		if !c.session(ctx, onStatusChange) {
			return
		}
		if !sleepCtx(ctx, c.opts.RetryDelay) {
			return
		}
	}
}

// session runs one scan/connect/heartbeat cycle. It returns false when ctx ended.
func (c *Controller) session(ctx context.Context, onStatusChange func(bool, int16)) bool {
	if err := adapter.Enable(); err != nil {
		c.log.Warn().Err(err).Msg("failed to enable BLE adapter")
		return true
	}

	select {
	case <-c.disconnectChan:
	default:
	}
	c.characteristic = bluetooth.DeviceCharacteristic{}
	c.heartbeatChar = bluetooth.DeviceCharacteristic{}

	c.log.Info().Strs("names", c.opts.DeviceNames).Msg("scanning for BLEDOM device")
	adapter.StopScan()

	found := make(chan bluetooth.ScanResult, 1)
	go func() {
		err := adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
			if slices.Contains(c.opts.DeviceNames, result.LocalName()) {
				a.StopScan()
				select {
				case found <- result:
				default:
				}
			}
		})
		if err != nil {
			c.log.Warn().Err(err).Msg("scan error")
		}
	}()

	var result bluetooth.ScanResult
	select {
	case result = <-found:
		c.log.Info().Str("name", result.LocalName()).Int16("rssi", result.RSSI).Msg("found device")
	case <-time.After(c.opts.ScanTimeout):
		adapter.StopScan()
		c.log.Info().Msg("scan timed out")
		return true
	case <-ctx.Done():
		adapter.StopScan()
		return false
	}

	var device bluetooth.Device
	connectErr := make(chan error, 1)
	go func() {
		d, err := adapter.Connect(result.Address, bluetooth.ConnectionParams{})
		if err == nil {
			device = d
		}
		connectErr <- err
	}()

	select {
	case err := <-connectErr:
		if err != nil {
			c.log.Warn().Err(err).Msg("failed to connect")
			return true
		}
	case <-time.After(c.opts.ConnectTimeout):
		c.log.Warn().Msg("connection attempt timed out")
		return true
	case <-ctx.Done():
		return false
	}

	discoverErr := make(chan error, 1)
	go func() { discoverErr <- c.discover(device) }()

	select {
	case err := <-discoverErr:
		if err != nil {
			c.log.Warn().Err(err).Msg("service discovery failed")
			device.Disconnect()
			return true
		}
	case <-time.After(c.opts.ConnectTimeout):
		c.log.Warn().Msg("service discovery timed out")
		device.Disconnect()
		return true
	case <-ctx.Done():
		device.Disconnect()
		return false
	}

	c.log.Info().Str("name", result.LocalName()).Msg("BLEDOM device ready")
	onStatusChange(true, result.RSSI)

	alive := c.heartbeat(ctx)

	onStatusChange(false, 0)
	c.characteristic = bluetooth.DeviceCharacteristic{}
	c.heartbeatChar = bluetooth.DeviceCharacteristic{}
	if err := device.Disconnect(); err != nil {
		c.log.Debug().Err(err).Msg("disconnect")
	}
	return alive
}

func (c *Controller) discover(device bluetooth.Device) error {
	services, err := device.DiscoverServices([]bluetooth.UUID{c.bleServiceUUID})
	if err != nil {
		return err
	}
	if len(services) == 0 {
		return errNoService
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{c.bleCharacteristicUUID})
	if err != nil {
		return err
	}
	if len(chars) == 0 {
		return errNoService
	}
	c.characteristic = chars[0]

	// The device name characteristic doubles as a cheap heartbeat read. It is optional.
	gaUUID, _ := bluetooth.ParseUUID(genericAccessUUIDStr)
	nameUUID, _ := bluetooth.ParseUUID(deviceNameUUIDStr)
	if ga, _ := device.DiscoverServices([]bluetooth.UUID{gaUUID}); len(ga) > 0 {
		if gaChars, _ := ga[0].DiscoverCharacteristics([]bluetooth.UUID{nameUUID}); len(gaChars) > 0 {
			c.heartbeatChar = gaChars[0]
		}
	}
	return nil
}

// heartbeat blocks until the link drops (true) or ctx ends (false).
func (c *Controller) heartbeat(ctx context.Context) bool {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	buf := make([]byte, 20)

	for {
		select {
		case <-ticker.C:
			if c.heartbeatChar.UUID() != (bluetooth.UUID{}) {
				if _, err := c.heartbeatChar.Read(buf); err != nil {
					c.log.Warn().Err(err).Msg("heartbeat failed")
					c.signalDisconnect()
				}
			}
		case <-c.disconnectChan:
			c.log.Info().Msg("disconnected, resetting connection")
			return true
		case <-ctx.Done():
			return false
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
