// Package network connects the farm to its MQTT broker: configuration and
// commands come in, sensor data and logs go out.
package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/dottedmag/farm"
	"github.com/dottedmag/farm/internal/config"
	"github.com/dottedmag/farm/internal/logger"
	"github.com/dottedmag/farm/internal/sensor"
)

var ErrNotConnected = errors.New("not connected to MQTT broker")

var (
	messagesReceived = metrics.NewCounter("farm_mqtt_messages_received_total")
	messagesSent     = metrics.NewCounter("farm_mqtt_messages_sent_total")
	publishErrors    = metrics.NewCounter("farm_mqtt_publish_errors_total")
)

// Controller executes what arrives on the config and command topics.
type Controller interface {
	Initialized() bool
	UpdateStrategies() error
	HandleCommand(c farm.Command) error
}

// SensorRouter takes readings published by other devices.
type SensorRouter interface {
	Topics() []string
	Route(topic string, payload []byte) bool
}

type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Topics    farm.Topics
	Store     *config.Store
	Control   Controller
	Sensors   SensorRouter
	Log       logger.Logger
}

type Manager struct {
	topics  farm.Topics
	store   *config.Store
	control Controller
	sensors SensorRouter
	log     logger.Logger
	cfg     autopaho.ClientConfig

	mu        sync.Mutex
	cm        *autopaho.ConnectionManager
	connected bool
}

func New(o Options) (*Manager, error) {
	m := &Manager{
		topics:  o.Topics,
		store:   o.Store,
		control: o.Control,
		sensors: o.Sensors,
		log:     o.Log,
	}

	router := paho.NewStandardRouter()
	subscriptions := []string{o.Topics.Config, o.Topics.Command}
	if o.Sensors != nil {
		subscriptions = append(subscriptions, o.Sensors.Topics()...)
	}
	for _, topic := range subscriptions {
		router.RegisterHandler(topic, func(p *paho.Publish) {
			m.Handle(p.Topic, p.Payload)
		})
	}

	cfg, err := farm.ClientConfig(o.BrokerURL, farm.MQTTOptions{
		ClientID:      o.ClientID,
		Username:      o.Username,
		Password:      o.Password,
		Subscriptions: subscriptions,
		Router:        router,
		Logf: func(format string, args ...any) {
			m.log.Warning("MQTT: "+format, args...)
		},
		OnUp:   m.up,
		OnDown: m.down,
	})
	if err != nil {
		return nil, err
	}
	m.cfg = cfg
	return m, nil
}

func (m *Manager) up(cm *autopaho.ConnectionManager) {
	m.mu.Lock()
	m.cm = cm
	m.connected = true
	m.mu.Unlock()
	m.log.Info("Connected to MQTT broker, subscribed to %s and %s", m.topics.Config, m.topics.Command)
}

func (m *Manager) down() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

// Run keeps the broker connection up until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	cm, err := autopaho.NewConnection(ctx, m.cfg)
	if err != nil {
		return fmt.Errorf("failed to start MQTT connection: %w", err)
	}
	m.mu.Lock()
	m.cm = cm
	m.mu.Unlock()

	<-cm.Done()
	m.down()
	return nil
}

func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Manager) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	cm, connected := m.cm, m.connected
	m.mu.Unlock()
	if !connected || cm == nil {
		return ErrNotConnected
	}
	if _, err := cm.Publish(ctx, &paho.Publish{Topic: topic, QoS: 0, Payload: payload}); err != nil {
		publishErrors.Inc()
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	messagesSent.Inc()
	return nil
}

// PublishData sends the Data section as one JSON object.
func (m *Manager) PublishData(ctx context.Context) error {
	if !m.Connected() {
		return ErrNotConnected
	}
	payload, err := m.store.JSON(config.Data)
	if err != nil {
		return err
	}
	return m.Publish(ctx, m.topics.Data, payload)
}

// Handle dispatches an incoming message by topic.
func (m *Manager) Handle(topic string, payload []byte) {
	messagesReceived.Inc()
	var err error
	switch topic {
	case m.topics.Config:
		err = m.handleConfig(payload)
	case m.topics.Command:
		err = m.handleCommand(payload)
	default:
		if m.sensors == nil || !m.sensors.Route(topic, payload) {
			m.log.Warning("Message on unexpected topic %s", topic)
		}
		return
	}
	if err != nil {
		m.log.Error("%s: %v", topic, err)
	}
}

// handleConfig merges an update into the System section, saves it and
// reschedules the strategies.
func (m *Manager) handleConfig(payload []byte) error {
	m.log.Info("Received configuration update")
	if err := m.store.Merge(config.System, payload); err != nil {
		return err
	}
	if err := m.store.Save(config.System); err != nil {
		m.log.Warning("%v", err)
	}
	if m.control == nil || !m.control.Initialized() {
		m.log.Debug("Farm is not initialized, configuration will be used on start")
		return nil
	}
	return m.control.UpdateStrategies()
}

// handleCommand takes {"command": n}.
func (m *Manager) handleCommand(payload []byte) error {
	var msg struct {
		Command *int `json:"command"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("failed to parse command: %w", err)
	}
	if msg.Command == nil {
		return fmt.Errorf("command message has no %q", config.KeyCommand)
	}
	if err := m.store.Merge(config.Command, payload); err != nil {
		return err
	}
	if err := m.store.Save(config.Command); err != nil {
		m.log.Warning("%v", err)
	}
	c := farm.Command(*msg.Command)
	if !c.Valid() {
		return fmt.Errorf("unknown command code %d", *msg.Command)
	}
	m.log.Info("Received command %s", c)
	if m.control == nil {
		return errors.New("no controller")
	}
	if err := m.control.HandleCommand(c); err != nil {
		return err
	}
	m.log.Info("Command %s executed", c)
	return nil
}

var (
	_ logger.Publisher     = (*Manager)(nil)
	_ sensor.DataPublisher = (*Manager)(nil)
)
