package control

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dottedmag/farm"
	"github.com/dottedmag/farm/internal/actuator"
	"github.com/dottedmag/farm/internal/clock"
	"github.com/dottedmag/farm/internal/config"
	"github.com/dottedmag/farm/internal/gpio"
	"github.com/dottedmag/farm/internal/logger"
	"github.com/dottedmag/farm/internal/scheduler"
	"github.com/dottedmag/farm/internal/sensor"
)

var defaultPins = Pins{PumpForward: 18, PumpBackward: 19, HeatLamp: 21, GrowLight: 17}

type fixture struct {
	clk     *clock.Manual
	sched   *scheduler.Scheduler
	store   *config.Store
	sensors *sensor.Manager
	chip    *gpio.Fake
	level   *sensor.TopicSensor
	log     *logger.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clk:  clock.NewManual(time.Date(2024, time.May, 1, 7, 0, 0, 0, time.FixedZone("GMT+3", 3*3600))),
		chip: gpio.NewFake(),
		log:  logger.NewMock(),
	}
	f.store = config.NewStore("", f.log)
	f.sched = scheduler.New(f.clk, f.log)
	require.NoError(t, f.sched.Initialize(3))

	reg := gpio.NewRegistry(f.chip)
	f.sensors = sensor.NewManager(f.store, f.log)
	f.level = sensor.NewTopicSensor(sensor.TopicOptions{Name: sensor.WaterLevel, Topic: "tank", Field: "level"})
	require.NoError(t, f.sensors.Add(f.level))
	require.NoError(t, f.sensors.Add(sensor.NewFlowMeter(reg, 16, sensor.DefaultPulsesPerLiter)))
	require.NoError(t, f.sensors.Initialize())
	return f
}

func (f *fixture) manager(o Options) *Manager {
	o.Scheduler = f.sched
	o.Store = f.store
	o.Sensors = f.sensors
	if o.Registry == nil {
		o.Registry = gpio.NewRegistry(f.chip)
	}
	if o.Pins == (Pins{}) {
		o.Pins = defaultPins
	}
	o.Log = f.log
	m := New(o)
	m.sleep = func(time.Duration) {}
	return m
}

func (f *fixture) tick(d time.Duration) {
	f.clk.Advance(d)
	f.sched.CheckSchedule()
}

func TestInitialize(t *testing.T) {
	f := newFixture(t)
	m := f.manager(Options{})

	require.NoError(t, m.Initialize())
	require.True(t, m.Initialized())
	for _, pin := range []int{17, 18, 19, 21} {
		require.True(t, f.chip.Open(pin), "pin %d", pin)
	}
	// Irrigation, heating, and the two lighting edges.
	require.Equal(t, 4, f.sched.Len())

	st := m.Status()
	require.True(t, st.Initialized)
	require.Len(t, st.Actuators, 3)
	require.Equal(t, actuator.GrowLight, st.Actuators[0].Name)
	require.Equal(t, actuator.KindLight, st.Actuators[0].Kind)
	require.False(t, st.Actuators[0].On, "07:00 is outside 08:00-20:00")

	require.NoError(t, m.Initialize())
	require.True(t, f.log.Contains(logger.LevelWarning, "already initialized"))
	require.Equal(t, 4, f.sched.Len())
}

func TestInitializeRequiresClock(t *testing.T) {
	f := newFixture(t)
	f.clk.SetOnline(false)
	m := f.manager(Options{})

	require.ErrorIs(t, m.Initialize(), ErrClockOffline)
	require.False(t, m.Initialized())
	require.False(t, f.chip.Open(18))

	m.Loop()
	require.False(t, m.Initialized())

	f.clk.SetOnline(true)
	m.Loop()
	require.True(t, m.Initialized())
}

func TestInitializeIsAllOrNothing(t *testing.T) {
	t.Run("actuator", func(t *testing.T) {
		f := newFixture(t)
		f.chip.Fail(21, true)
		m := f.manager(Options{})

		require.Error(t, m.Initialize())
		require.False(t, m.Initialized())
		require.False(t, f.chip.Open(18))
		require.False(t, f.chip.Open(19))
		require.Zero(t, f.sched.Len())
		require.Empty(t, m.Status().Actuators)
	})
	t.Run("strategy", func(t *testing.T) {
		f := newFixture(t)
		f.store.Set(config.System, config.KeyGrowLightOn, "sunrise")
		m := f.manager(Options{})

		require.Error(t, m.Initialize())
		require.False(t, m.Initialized())
		require.Zero(t, f.sched.Len(), "strategies that were applied are cancelled")
		for _, pin := range []int{17, 18, 19, 21} {
			require.False(t, f.chip.Open(pin), "pin %d", pin)
		}
	})
	t.Run("nothing wired", func(t *testing.T) {
		f := newFixture(t)
		none := Pins{PumpForward: config.NoPin, PumpBackward: config.NoPin, HeatLamp: config.NoPin, GrowLight: config.NoPin}
		m := f.manager(Options{Pins: none})
		require.ErrorIs(t, m.Initialize(), ErrNoActuators)
	})
}

func TestPartialWiring(t *testing.T) {
	f := newFixture(t)
	m := f.manager(Options{Pins: Pins{PumpForward: 18, PumpBackward: 19, HeatLamp: config.NoPin, GrowLight: config.NoPin}})

	require.NoError(t, m.Initialize())
	require.Len(t, m.Status().Actuators, 1)
	require.ErrorIs(t, m.HandleCommand(farm.HeatLampOn), ErrUnknownActuator)
}

func TestCommandGating(t *testing.T) {
	f := newFixture(t)
	f.clk.SetOnline(false)
	m := f.manager(Options{})
	require.Error(t, m.Initialize())
	f.clk.SetOnline(true)

	for _, c := range []farm.Command{farm.PumpOn, farm.GrowLightOn, farm.HeatLampOff} {
		require.ErrorIs(t, m.HandleCommand(c), ErrNotInitialized, "%s", c)
	}

	require.NoError(t, m.HandleCommand(farm.FarmOn))
	require.True(t, m.Initialized())

	require.NoError(t, m.HandleCommand(farm.GrowLightOn))
	require.Equal(t, 1, f.chip.Value(17))
	require.NoError(t, m.HandleCommand(farm.GrowLightOff))
	require.Equal(t, 0, f.chip.Value(17))
	require.NoError(t, m.HandleCommand(farm.HeatLampOn))
	require.Equal(t, 1, f.chip.Value(21))

	require.ErrorIs(t, m.HandleCommand(farm.Command(42)), ErrUnknownCommand)
}

func TestFarmOffAndOn(t *testing.T) {
	f := newFixture(t)
	m := f.manager(Options{})
	require.NoError(t, m.Initialize())
	require.NoError(t, m.HandleCommand(farm.HeatLampOn))

	require.NoError(t, m.HandleCommand(farm.FarmOff))
	require.False(t, m.Initialized())
	require.False(t, m.FarmEnabled())
	require.False(t, f.sensors.Enabled())
	require.Equal(t, 0, f.chip.Value(21))
	require.False(t, f.chip.Open(21))
	require.Zero(t, f.sched.Len())

	m.Loop()
	require.False(t, m.Initialized(), "a farm switched off stays off")

	require.NoError(t, m.HandleCommand(farm.FarmOn))
	require.True(t, m.Initialized())
	require.True(t, m.FarmEnabled())
	require.True(t, f.sensors.Enabled())
	require.Equal(t, 4, f.sched.Len())

	require.NoError(t, m.SyncFarmState(true))
	require.True(t, f.log.Contains(logger.LevelDebug, "already enabled"))
}

func TestFarmOffBeforeInitialize(t *testing.T) {
	f := newFixture(t)
	f.clk.SetOnline(false)
	m := f.manager(Options{})
	require.Error(t, m.Initialize())

	require.NoError(t, m.HandleCommand(farm.FarmOff))
	require.False(t, m.FarmEnabled())
	require.False(t, f.sensors.Enabled())

	f.clk.SetOnline(true)
	m.Loop()
	require.False(t, m.Initialized(), "a farm switched off before bring-up stays off")
	require.False(t, f.chip.Open(17))

	require.NoError(t, m.HandleCommand(farm.FarmOn))
	require.True(t, m.Initialized())
}

func TestRestart(t *testing.T) {
	f := newFixture(t)
	var restarted bool
	m := f.manager(Options{Restart: func() {
		restarted = true
	}})
	var slept time.Duration
	m.sleep = func(d time.Duration) { slept += d }

	require.NoError(t, m.Initialize())
	require.NoError(t, m.HandleCommand(farm.HeatLampOn))
	require.Equal(t, 1, f.chip.Value(21))

	require.NoError(t, m.HandleCommand(farm.Restart))
	require.True(t, restarted)
	require.Equal(t, 700*time.Millisecond, slept)
	require.Zero(t, f.sched.Len())
	require.False(t, m.Initialized())
	require.Equal(t, 0, f.chip.Value(21))
	require.False(t, f.chip.Open(21))
	require.Empty(t, m.Status().Actuators)

	m.Loop()
	require.True(t, m.Initialized(), "bring-up resumes if the restart hook returns")
	require.Equal(t, 4, f.sched.Len())
}

func TestRestartBeforeInitialize(t *testing.T) {
	f := newFixture(t)
	f.clk.SetOnline(false)
	var restarted bool
	m := f.manager(Options{Restart: func() { restarted = true }})
	m.sleep = func(time.Duration) {}
	require.Error(t, m.Initialize())

	require.NoError(t, m.HandleCommand(farm.Restart))
	require.True(t, restarted)
	require.False(t, m.Initialized())
}

func TestDeleteAllStrategies(t *testing.T) {
	f := newFixture(t)
	m := f.manager(Options{})
	require.NoError(t, m.Initialize())
	require.Equal(t, 4, f.sched.Len())

	m.DeleteAllStrategies()
	require.Zero(t, f.sched.Len())
	require.True(t, m.Initialized())
}

func TestUpdateStrategies(t *testing.T) {
	f := newFixture(t)
	m := f.manager(Options{})
	require.NoError(t, m.Initialize())
	require.Equal(t, 0, f.chip.Value(17))

	f.store.Set(config.System, config.KeyGrowLightOn, "06:00")
	require.NoError(t, m.UpdateStrategies())
	require.Equal(t, 1, f.chip.Value(17))
	require.Equal(t, 4, f.sched.Len())

	f.store.Set(config.System, config.KeyHeatLampCheckInterval, -1.0)
	require.Error(t, m.UpdateStrategies())
}

func TestScheduledIrrigation(t *testing.T) {
	f := newFixture(t)
	f.store.Set(config.System, config.KeyPumpIntervalDays, 1.0)
	f.store.Set(config.System, config.KeyPumpStart, "08:00")
	f.store.Set(config.System, config.KeyPumpVolumeML, 500.0)
	f.store.Set(config.System, config.KeyPumpMinWaterLevel, 5.0)
	require.NoError(t, f.level.Update([]byte(`{"level": 50}`)))

	m := f.manager(Options{})
	require.NoError(t, m.Initialize())

	f.tick(time.Hour)
	require.Equal(t, 1, f.chip.Value(18))
	require.Equal(t, 0, f.chip.Value(19))

	f.chip.Pulse(16, 500)
	f.tick(scheduler.DefaultCheckInterval)
	require.Equal(t, 0, f.chip.Value(18))
}

type fakeSwitch struct {
	mu     sync.Mutex
	states map[int]bool
}

func (s *fakeSwitch) SetBinarySwitch(node int, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[node] = on
	return nil
}

func (s *fakeSwitch) BinarySwitch(node int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[node], nil
}

func TestZWaveBackedActuator(t *testing.T) {
	f := newFixture(t)
	sw := &fakeSwitch{states: map[int]bool{7: true}}
	m := f.manager(Options{
		Pins:       Pins{PumpForward: 18, PumpBackward: 19, HeatLamp: 21, GrowLight: config.NoPin},
		ZWave:      sw,
		ZWaveNodes: map[string]int{actuator.GrowLight: 7},
	})

	require.NoError(t, m.Initialize())
	on, _ := sw.BinarySwitch(7)
	require.False(t, on, "initialization switches the plug off")
	require.False(t, f.chip.Open(17))

	require.NoError(t, m.HandleCommand(farm.GrowLightOn))
	on, _ = sw.BinarySwitch(7)
	require.True(t, on)
}

func TestPinsFrom(t *testing.T) {
	f, err := config.Parse(strings.NewReader(`
[gpio]
heatlamp_pin = -1

[zwave]
endpoint = "ws://localhost:3000"

[[zwave.switch]]
actuator = "HeatLamp"
node = 4
`))
	require.NoError(t, err)
	require.Equal(t, Pins{PumpForward: 18, PumpBackward: 19, HeatLamp: config.NoPin, GrowLight: 17}, PinsFrom(f))
	require.Equal(t, map[string]int{actuator.HeatLamp: 4}, ZWaveNodesFrom(f))
}
