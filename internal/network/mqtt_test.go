package network

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dottedmag/farm"
	"github.com/dottedmag/farm/internal/config"
	"github.com/dottedmag/farm/internal/logger"
	"github.com/dottedmag/farm/internal/sensor"
)

type fakeController struct {
	initialized bool
	updates     int
	commands    []farm.Command
}

func (c *fakeController) Initialized() bool { return c.initialized }

func (c *fakeController) UpdateStrategies() error {
	c.updates++
	return nil
}

func (c *fakeController) HandleCommand(cmd farm.Command) error {
	c.commands = append(c.commands, cmd)
	return nil
}

func newManager(t *testing.T, ctl *fakeController, sensors SensorRouter) (*Manager, *config.Store, *logger.Mock) {
	t.Helper()
	log := logger.NewMock()
	store := config.NewStore(t.TempDir(), log)
	m, err := New(Options{
		BrokerURL: "mqtt://localhost:1883",
		ClientID:  farm.UniqueClientID("farm-test"),
		Topics:    farm.TopicsFor("farm042"),
		Store:     store,
		Control:   ctl,
		Sensors:   sensors,
		Log:       log,
	})
	require.NoError(t, err)
	return m, store, log
}

func TestConfigUpdate(t *testing.T) {
	ctl := &fakeController{}
	m, store, _ := newManager(t, ctl, nil)

	m.Handle("/farm042/config", []byte(`{"pump_start": "07:30", "pump_volume_ml": 250}`))
	start, _ := store.String(config.System, config.KeyPumpStart)
	require.Equal(t, "07:30", start)
	volume, _ := store.Float(config.System, config.KeyPumpVolumeML)
	require.Equal(t, float32(250), volume)
	require.Zero(t, ctl.updates, "nothing to reschedule before bring-up")

	ctl.initialized = true
	m.Handle("/farm042/config", []byte(`{"growlight_on": "07:00"}`))
	require.Equal(t, 1, ctl.updates)

	reloaded := config.NewStore(store.Dir(), logger.Nop{})
	require.NoError(t, reloaded.Load())
	start, _ = reloaded.String(config.System, config.KeyPumpStart)
	require.Equal(t, "07:30", start, "updates are saved")
}

func TestConfigUpdateRejectsGarbage(t *testing.T) {
	ctl := &fakeController{initialized: true}
	m, _, log := newManager(t, ctl, nil)

	m.Handle("/farm042/config", []byte(`[1, 2]`))
	require.Zero(t, ctl.updates)
	require.NotEmpty(t, log.Lines(logger.LevelError))
}

func TestCommands(t *testing.T) {
	ctl := &fakeController{}
	m, store, log := newManager(t, ctl, nil)

	m.Handle("/farm042/command", []byte(`{"command": 7}`))
	m.Handle("/farm042/command", []byte(`{"command": 1}`))
	require.Equal(t, []farm.Command{farm.FarmOn, farm.PumpOn}, ctl.commands)
	code, _ := store.Int(config.Command, config.KeyCommand)
	require.Equal(t, 1, code)

	for _, payload := range []string{`{"command": 9}`, `{"cmd": 1}`, `not json`} {
		m.Handle("/farm042/command", []byte(payload))
	}
	require.Len(t, ctl.commands, 2)
	require.Len(t, log.Lines(logger.LevelError), 3)
}

func TestSensorTopics(t *testing.T) {
	sensors := sensor.NewManager(config.NewStore("", logger.Nop{}), logger.Nop{})
	air := sensor.NewTopicSensor(sensor.TopicOptions{Name: sensor.AirTemperature, Topic: "zigbee2mqtt/greenhouse", Field: "temperature"})
	require.NoError(t, sensors.Add(air))

	m, _, log := newManager(t, &fakeController{}, sensors)
	m.Handle("zigbee2mqtt/greenhouse", []byte(`{"temperature": 21.5, "humidity": 60}`))
	require.Equal(t, float32(21.5), air.Read())

	m.Handle("zigbee2mqtt/elsewhere", []byte(`{}`))
	require.True(t, log.Contains(logger.LevelWarning, "unexpected topic"))
}

func TestPublishWhileDisconnected(t *testing.T) {
	m, _, _ := newManager(t, &fakeController{}, nil)
	require.False(t, m.Connected())
	require.ErrorIs(t, m.PublishData(context.Background()), ErrNotConnected)
	require.ErrorIs(t, m.Publish(context.Background(), "/farm042/log", []byte(`{}`)), ErrNotConnected)
}

func TestBadBrokerURL(t *testing.T) {
	_, err := New(Options{BrokerURL: "://", Topics: farm.TopicsFor("x"), Log: logger.Nop{}})
	require.Error(t, err)
}
