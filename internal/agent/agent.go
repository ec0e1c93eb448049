// Package agent wires the controller together: configuration, the render
// loop and its sinks, and every way a selection can arrive (web form,
// websocket, MQTT, cron schedules and Lua patterns).
package agent

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hanukia-controller/internal/ble"
	"hanukia-controller/internal/config"
	"hanukia-controller/internal/core"
	"hanukia-controller/internal/fire"
	"hanukia-controller/internal/lamp"
	"hanukia-controller/internal/logging"
	"hanukia-controller/internal/loop"
	"hanukia-controller/internal/lua"
	"hanukia-controller/internal/mqtt"
	"hanukia-controller/internal/scheduler"
	"hanukia-controller/internal/sequencer"
	"hanukia-controller/internal/server"
	"hanukia-controller/internal/strip"
)

type Agent struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config
	wg     sync.WaitGroup
	log    zerolog.Logger

	selection      *core.Selection
	state          *core.State
	eventBus       *core.EventBus
	commandChannel core.CommandChannel

	lamps     *lamp.State
	sequencer *sequencer.Sequencer
	sink      strip.Multi
	loop      *loop.Loop

	bleController *ble.Controller
	luaEngine     *lua.Engine
	scheduler     *scheduler.Scheduler
	server        *server.Server
	mqttClient    *mqtt.Client
}

func NewAgent(cfg *config.Config) (*Agent, error) {
	mapping, err := cfg.Mapping()
	if err != nil {
		return nil, fmt.Errorf("lamp mapping: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		ctx:            ctx,
		cancel:         cancel,
		config:         cfg,
		log:            logging.For("agent"),
		selection:      &core.Selection{},
		state:          core.NewState(),
		eventBus:       core.NewEventBus(),
		commandChannel: make(core.CommandChannel, 20),
		lamps:          &lamp.State{},
	}

	if err := a.buildSink(); err != nil {
		cancel()
		return nil, err
	}

	renderer, err := fire.NewRenderer(mapping, cfg.Strip.PixelCount, cfg.Fire.Palette, fire.NewSource(cfg.Fire.Seed), a.sink)
	if err != nil {
		cancel()
		return nil, err
	}

	a.sequencer = sequencer.New(a.lamps, cfg.Step(), cfg.Policy())
	a.loop, err = loop.New(loop.Options{
		Quantum:   cfg.Quantum(),
		Source:    a.selection,
		Servicer:  a,
		Sequencer: a.sequencer,
		Lamps:     a.lamps,
		Renderer:  renderer,
		Logger:    logging.For("loop"),
		OnChange:  a.onLampsChanged,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	a.luaEngine = lua.NewEngine(a.commandChannel, a.state, cfg.PatternsDir, a.eventBus, logging.For("lua"))
	a.scheduler = scheduler.New(a.commandChannel, cfg.SchedulesFile, a.eventBus, logging.For("scheduler"))
	a.server = server.NewServer(server.Options{
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		State:          a.state,
		Commands:       a.commandChannel,
		EventBus:       a.eventBus,
		Patterns:       a.luaEngine,
		Schedules:      a.scheduler,
		Logger:         logging.For("server"),
	})
	a.mqttClient = mqtt.NewClient(cfg.MQTT, a.eventBus, a.commandChannel, logging.For("mqtt"))

	return a, nil
}

// buildSink assembles the strip driver with the preview and the optional BLE mirror.
func (a *Agent) buildSink() error {
	cfg := a.config
	switch cfg.Strip.Driver {
	case "spi":
		nrz, err := strip.OpenSPI(cfg.Strip.SPIDev, cfg.Strip.PixelCount, cfg.Strip.SPIFreqKHz)
		if err != nil {
			return err
		}
		a.log.Info().Str("device", nrz.String()).Msg("strip opened")
		a.sink = append(a.sink, nrz)
	default:
		a.sink = append(a.sink, strip.NewSim(logging.For("strip")))
	}

	a.sink = append(a.sink, strip.NewPreview(a.eventBus, cfg.Server.PreviewFPS))

	if cfg.BLE.Enabled {
		a.bleController = ble.NewController(a.ctx, ble.Options{
			DeviceNames:       cfg.BLE.DeviceNames,
			ScanTimeout:       config.Duration(cfg.BLE.ScanTimeout),
			ConnectTimeout:    config.Duration(cfg.BLE.ConnectTimeout),
			HeartbeatInterval: config.Duration(cfg.BLE.HeartbeatInterval),
			RetryDelay:        config.Duration(cfg.BLE.RetryDelay),
			RateLimit:         cfg.BLE.RateLimit,
			RateBurst:         cfg.BLE.RateBurst,
		}, logging.For("ble"))
		// a colour change costs up to two BLE writes
		a.sink = append(a.sink, strip.NewMirror(a.bleController, cfg.BLE.RateLimit/2))
	}
	return nil
}

// Run starts every component and drives the render loop until Shutdown.
func (a *Agent) Run() {
	a.wg.Add(1)
	defer a.wg.Done()

	a.server.Start(a.ctx)
	go a.listenEvents()

	if a.mqttClient != nil {
		go func() {
			if err := a.mqttClient.Connect(); err != nil {
				a.log.Error().Err(err).Msg("mqtt setup failed")
				return
			}
			a.mqttClient.Run(a.ctx)
		}()
	}

	if a.bleController != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.bleController.Run(a.ctx, a.onMirrorStatus)
		}()
	}

	a.scheduler.Start()

	go func() {
		a.log.Info().Str("url", "http://localhost:"+a.config.Server.Port).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil {
			a.log.Error().Err(err).Msg("http server failed")
		}
	}()

	if err := a.loop.Run(a.ctx); err != nil {
		a.log.Error().Err(err).Msg("render loop failed")
	}
}

// ServiceOnce handles at most one queued command. It runs on the render loop goroutine.
func (a *Agent) ServiceOnce() error {
	cmd, ok := a.commandChannel.TryReceive()
	if !ok {
		return nil
	}
	return a.handleCommand(cmd)
}

func (a *Agent) handleCommand(cmd core.Command) error {
	a.log.Debug().Str("type", string(cmd.Type)).Interface("payload", cmd.Payload).Msg("handling command")

	switch cmd.Type {
	case core.CmdSelect:
		v, ok := intPayload(cmd.Payload, "value")
		if !ok {
			return fmt.Errorf("%w: missing value", core.ErrInvalidSelection)
		}
		if err := a.selection.Set(v); err != nil {
			return err
		}
		a.state.SetSelection(v)
		a.eventBus.Publish(core.Event{Type: core.SelectionChangedEvent, Payload: v})

	case core.CmdRunPattern:
		name, _ := cmd.Payload["name"].(string)
		return a.luaEngine.RunPattern(name)

	case core.CmdStopPattern:
		a.luaEngine.StopCurrentPattern()

	case core.CmdAddSchedule:
		spec, _ := cmd.Payload["spec"].(string)
		command, _ := cmd.Payload["command"].(string)
		_, err := a.scheduler.Add(spec, command)
		return err

	case core.CmdRemoveSchedule:
		id, ok := intPayload(cmd.Payload, "id")
		if !ok {
			return fmt.Errorf("removeSchedule: bad id %v", cmd.Payload["id"])
		}
		a.scheduler.Remove(id)

	case core.CmdGetPatternCode:
		name, _ := cmd.Payload["name"].(string)
		code, err := a.luaEngine.GetPatternCode(name)
		if err != nil {
			return fmt.Errorf("get pattern '%s': %w", name, err)
		}
		a.server.Hub.Broadcast(server.NewMessage(server.MsgPatternCode, map[string]string{"name": name, "code": code}))

	case core.CmdSavePatternCode:
		name, _ := cmd.Payload["name"].(string)
		code, _ := cmd.Payload["code"].(string)
		if err := a.luaEngine.SavePatternCode(name, code); err != nil {
			return err
		}
		a.broadcastPatterns()

	case core.CmdDeletePattern:
		name, _ := cmd.Payload["name"].(string)
		if err := a.luaEngine.DeletePattern(name); err != nil {
			return fmt.Errorf("delete pattern '%s': %w", name, err)
		}
		a.broadcastPatterns()

	default:
		return fmt.Errorf("unknown command type: %s", cmd.Type)
	}
	return nil
}

func (a *Agent) broadcastPatterns() {
	patterns, err := a.luaEngine.GetPatternList()
	if err != nil {
		a.log.Warn().Err(err).Msg("list patterns")
		return
	}
	a.server.Hub.Broadcast(server.NewMessage(server.MsgPatternList, patterns))
}

// intPayload reads an integer that may have arrived as int, JSON number or string.
func intPayload(p map[string]interface{}, key string) (int, bool) {
	switch v := p[key].(type) {
	case int:
		return v, true
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

// onLampsChanged runs on the render loop goroutine.
func (a *Agent) onLampsChanged(s loop.Snapshot) {
	a.state.SetLamps(s.Selection, s.Phase, s.Busy, s.Lit)
	a.eventBus.Publish(core.Event{Type: core.LampsChangedEvent, Payload: a.state.View()})
}

func (a *Agent) onMirrorStatus(connected bool, rssi int16) {
	a.eventBus.Publish(core.Event{
		Type:    core.DeviceConnectedEvent,
		Payload: map[string]interface{}{"connected": connected, "rssi": rssi},
	})
}

func (a *Agent) listenEvents() {
	sub := a.eventBus.Subscribe(core.DeviceConnectedEvent, core.PatternChangedEvent)
	defer a.eventBus.Unsubscribe(sub, core.DeviceConnectedEvent, core.PatternChangedEvent)

	for {
		select {
		case <-a.ctx.Done():
			return
		case event := <-sub:
			payload, ok := event.Payload.(map[string]interface{})
			if !ok {
				continue
			}
			switch event.Type {
			case core.DeviceConnectedEvent:
				if connected, ok := payload["connected"].(bool); ok {
					a.state.SetMirrorOnline(connected)
					a.log.Info().Bool("connected", connected).Msg("BLE mirror status")
				}
			case core.PatternChangedEvent:
				if pattern, ok := payload["running"].(string); ok {
					a.state.SetRunningPattern(pattern)
				}
			}
		}
	}
}

func (a *Agent) Shutdown() {
	a.scheduler.Stop()
	a.luaEngine.StopCurrentPattern()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		a.log.Warn().Err(err).Msg("http shutdown")
	}
	if a.mqttClient != nil {
		a.mqttClient.Disconnect()
	}

	a.cancel()
	a.wg.Wait()

	if err := a.sink.Close(); err != nil {
		a.log.Warn().Err(err).Msg("closing strip")
	}
}
