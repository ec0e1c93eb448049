// Package mqtt bridges the controller to an MQTT broker: selections arrive
// on <prefix>/selection/set and state is published back as retained topics.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"hanukia-controller/internal/config"
	"hanukia-controller/internal/core"
	"hanukia-controller/internal/lamp"
)

type Client struct {
	client   mqtt.Client
	cfg      config.MQTTConfig
	eventBus *core.EventBus
	commands core.CommandChannel
	log      zerolog.Logger
	prefix   string
}

// NewClient returns nil when MQTT is disabled.
func NewClient(cfg config.MQTTConfig, eb *core.EventBus, commands core.CommandChannel, log zerolog.Logger) *Client {
	if !cfg.Enabled {
		return nil
	}

	c := &Client{
		cfg:      cfg,
		eventBus: eb,
		commands: commands,
		log:      log,
		prefix:   strings.TrimSuffix(cfg.TopicPrefix, "/"),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetKeepAlive(10 * time.Second)
	opts.SetPingTimeout(5 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	// keep retrying at startup; the broker container may come up after us
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetOrderMatters(false)
	opts.SetWill(c.topic("availability"), "offline", 1, true)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		c.log.Warn().Err(err).Msg("connection lost, retrying in background")
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, options *mqtt.ClientOptions) {
		c.log.Info().Msg("attempting to reconnect")
	})

	c.client = mqtt.NewClient(opts)
	return c
}

func (c *Client) topic(sub string) string {
	return c.prefix + "/" + sub
}

// Connect starts the connection loop and waits for the first handshake.
func (c *Client) Connect() error {
	c.log.Info().Str("broker", c.cfg.Broker).Msg("connecting")
	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect %s: %w", c.cfg.Broker, token.Error())
	}
	return nil
}

// Disconnect publishes the offline status, then closes the socket.
func (c *Client) Disconnect() {
	if !c.client.IsConnected() {
		return
	}
	token := c.client.Publish(c.topic("availability"), 0, true, "offline")
	if !token.WaitTimeout(2 * time.Second) {
		c.log.Warn().Msg("timed out publishing offline status")
	} else if token.Error() != nil {
		c.log.Warn().Err(token.Error()).Msg("failed to publish offline status")
	}
	c.client.Disconnect(250)
	c.log.Info().Msg("disconnected")
}

// Publish sends payload to <prefix>/<subtopic> without blocking the caller.
func (c *Client) Publish(subtopic string, payload interface{}, retained bool) {
	if !c.client.IsConnected() {
		return
	}
	topic := c.topic(subtopic)
	token := c.client.Publish(topic, 0, retained, fmt.Sprintf("%v", payload))
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			c.log.Warn().Str("topic", topic).Msg("publish timed out")
		} else if token.Error() != nil {
			c.log.Warn().Err(token.Error()).Str("topic", topic).Msg("publish failed")
		}
	}()
}

// Run republishes controller events as MQTT state until ctx is done.
func (c *Client) Run(ctx context.Context) {
	types := []core.EventType{core.SelectionChangedEvent, core.LampsChangedEvent, core.PatternChangedEvent}
	sub := c.eventBus.Subscribe(types...)
	defer c.eventBus.Unsubscribe(sub, types...)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub:
			for _, p := range statePublications(ev) {
				c.Publish(p.subtopic, p.payload, true)
			}
		}
	}
}

type publication struct {
	subtopic string
	payload  string
}

// statePublications maps an event to the retained state topics it updates.
func statePublications(ev core.Event) []publication {
	switch ev.Type {
	case core.SelectionChangedEvent:
		if v, ok := ev.Payload.(int); ok {
			return []publication{{"selection/state", strconv.Itoa(v)}}
		}
	case core.LampsChangedEvent:
		if v, ok := ev.Payload.(core.View); ok {
			lit, _ := json.Marshal(v.Lit)
			return []publication{
				{"lamps/state", string(lit)},
				{"sequence/state", v.Phase},
			}
		}
	case core.PatternChangedEvent:
		if m, ok := ev.Payload.(map[string]interface{}); ok {
			name, _ := m["running"].(string)
			return []publication{{"pattern/state", name}}
		}
	}
	return nil
}

// onConnect runs on a paho goroutine.
func (c *Client) onConnect(client mqtt.Client) {
	c.log.Info().Msg("connected to broker")

	topics := map[string]mqtt.MessageHandler{
		"selection/set": c.handleSelection,
		"pattern/run":   c.handlePatternRun,
		"pattern/stop":  c.handlePatternStop,
	}
	for sub, handler := range topics {
		topic := c.topic(sub)
		if token := client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
			c.log.Error().Err(token.Error()).Str("topic", topic).Msg("subscribe failed")
		} else {
			c.log.Debug().Str("topic", topic).Msg("subscribed")
		}
	}

	go func() {
		c.Publish("availability", "online", true)
		if c.cfg.HADiscoveryEnabled {
			c.PublishHADiscovery()
		}
	}()
}

// PublishHADiscovery announces the controller as a Home Assistant select entity.
func (c *Client) PublishHADiscovery() {
	safeID := sanitizeID(c.cfg.ClientID)
	topic := fmt.Sprintf("%s/select/%s/day/config", c.cfg.HADiscoveryPrefix, safeID)
	payload, err := json.Marshal(discoveryPayload(safeID, c.prefix))
	if err != nil {
		c.log.Error().Err(err).Msg("marshal discovery payload")
		return
	}
	c.client.Publish(topic, 0, true, payload)
	c.log.Info().Str("topic", topic).Msg("home assistant discovery sent")
}

func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		case r == ' ':
			return '_'
		}
		return -1
	}, id)
}

func discoveryPayload(safeID, prefix string) map[string]interface{} {
	options := make([]string, 0, lamp.MaxSelection+1)
	for v := 0; v <= lamp.MaxSelection; v++ {
		options = append(options, strconv.Itoa(v))
	}
	return map[string]interface{}{
		"name":               "Hanukkah day",
		"unique_id":          safeID + "_day",
		"object_id":          safeID + "_day",
		"icon":               "mdi:candelabra-fire",
		"command_topic":      prefix + "/selection/set",
		"state_topic":        prefix + "/selection/state",
		"options":            options,
		"availability_topic": prefix + "/availability",
		"device": map[string]interface{}{
			"identifiers":  []string{safeID},
			"name":         "Hanukia",
			"manufacturer": "hanukia-controller",
			"model":        "Nine lamp menorah",
		},
	}
}

// ParseSelection accepts "0".."8" and "off".
func ParseSelection(payload []byte) (int, error) {
	s := strings.ToLower(strings.TrimSpace(string(payload)))
	if s == "off" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || !lamp.ValidSelection(v) {
		return 0, fmt.Errorf("%w: got %q", core.ErrInvalidSelection, s)
	}
	return v, nil
}

func (c *Client) enqueue(cmd core.Command) {
	if err := c.commands.TrySend(cmd); err != nil {
		c.log.Warn().Err(err).Str("type", string(cmd.Type)).Msg("command dropped")
	}
}

func (c *Client) handleSelection(client mqtt.Client, msg mqtt.Message) {
	v, err := ParseSelection(msg.Payload())
	if err != nil {
		c.log.Warn().Err(err).Str("topic", msg.Topic()).Msg("selection rejected")
		return
	}
	c.enqueue(core.SelectCommand(v))
}

func (c *Client) handlePatternRun(client mqtt.Client, msg mqtt.Message) {
	c.enqueue(core.Command{Type: core.CmdRunPattern, Payload: map[string]interface{}{"name": strings.TrimSpace(string(msg.Payload()))}})
}

func (c *Client) handlePatternStop(client mqtt.Client, msg mqtt.Message) {
	c.enqueue(core.Command{Type: core.CmdStopPattern})
}
