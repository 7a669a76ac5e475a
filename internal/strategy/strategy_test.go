package strategy

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dottedmag/farm/internal/actuator"
	"github.com/dottedmag/farm/internal/clock"
	"github.com/dottedmag/farm/internal/config"
	"github.com/dottedmag/farm/internal/gpio"
	"github.com/dottedmag/farm/internal/logger"
	"github.com/dottedmag/farm/internal/scheduler"
	"github.com/dottedmag/farm/internal/sensor"
)

var gmt3 = time.FixedZone("GMT+3", 3*3600)

type rig struct {
	clk     *clock.Manual
	sched   *scheduler.Scheduler
	store   *config.Store
	sensors *sensor.Manager
	chip    *gpio.Fake
	reg     *gpio.Registry
	log     *logger.Mock

	level *sensor.TopicSensor
	temp  *sensor.TopicSensor
	flow  *sensor.FlowMeter
}

func newRig(t *testing.T, now time.Time) *rig {
	t.Helper()
	r := &rig{
		clk:   clock.NewManual(now),
		store: config.NewStore("", logger.Nop{}),
		chip:  gpio.NewFake(),
		log:   logger.NewMock(),
	}
	r.reg = gpio.NewRegistry(r.chip)
	r.sched = scheduler.New(r.clk, r.log)
	require.NoError(t, r.sched.Initialize(3))

	r.sensors = sensor.NewManager(r.store, r.log)
	r.level = sensor.NewTopicSensor(sensor.TopicOptions{Name: sensor.WaterLevel, Topic: "tank", Field: "level"})
	r.temp = sensor.NewTopicSensor(sensor.TopicOptions{Name: sensor.AirTemperature, Topic: "air", Field: "temperature"})
	r.flow = sensor.NewFlowMeter(r.reg, 16, 450)
	for _, s := range []sensor.Sensor{r.level, r.temp, r.flow} {
		require.NoError(t, r.sensors.Add(s))
	}
	require.NoError(t, r.sensors.Initialize())
	return r
}

func (r *rig) deps() Deps {
	return Deps{Scheduler: r.sched, Config: r.store, Sensors: r.sensors, Log: r.log}
}

func (r *rig) tick(d time.Duration) {
	r.clk.Advance(d)
	r.sched.CheckSchedule()
}

func (r *rig) setLevel(t *testing.T, pct float64) {
	require.NoError(t, r.level.Update([]byte(fmt.Sprintf(`{"level": %v}`, pct))))
}

func (r *rig) setTemp(t *testing.T, c float64) {
	require.NoError(t, r.temp.Update([]byte(fmt.Sprintf(`{"temperature": %v}`, c))))
}

func (r *rig) pump(t *testing.T) *actuator.PumpMotor {
	p := actuator.NewPump(r.reg, 18, 19, r.log)
	require.NoError(t, p.Initialize())
	return p
}

func (r *rig) relay(t *testing.T, name, kind string, pin int) *actuator.Relay {
	a := actuator.NewRelay(name, kind, r.reg, pin, r.log)
	require.NoError(t, a.Initialize())
	return a
}

func TestIrrigationEndToEnd(t *testing.T) {
	r := newRig(t, time.Date(2024, time.May, 1, 7, 0, 0, 0, gmt3))
	r.store.Set(config.System, config.KeyPumpIntervalDays, 1.0)
	r.store.Set(config.System, config.KeyPumpStart, "08:00")
	r.store.Set(config.System, config.KeyPumpVolumeML, 500.0)
	r.store.Set(config.System, config.KeyPumpMinWaterLevel, 5.0)
	r.setLevel(t, 50)

	pump := r.pump(t)
	s := NewIrrigation(pump, r.deps())
	require.NoError(t, s.Apply())
	require.Len(t, s.ScheduledIDs(), 1)

	r.tick(59*time.Minute + 59*time.Second)
	require.False(t, pump.State())

	r.tick(time.Second) // 08:00:00
	require.True(t, pump.State())
	require.True(t, s.Irrigating())
	require.Equal(t, 1, r.chip.Value(18))

	r.chip.Pulse(16, 500) // 1.11 l

	r.tick(scheduler.DefaultCheckInterval)
	require.False(t, pump.State())
	require.False(t, s.Irrigating())
	require.False(t, r.flow.Enabled())
	require.Len(t, s.ScheduledIDs(), 1, "run events are removed")
	require.Equal(t, 1, r.sched.Len())

	// Next run is a day later.
	r.setLevel(t, 50)
	r.tick(24*time.Hour - scheduler.DefaultCheckInterval)
	require.True(t, pump.State())
}

func TestIrrigationLowWater(t *testing.T) {
	r := newRig(t, time.Date(2024, time.May, 1, 7, 0, 0, 0, gmt3))
	pump := r.pump(t)
	s := NewIrrigation(pump, r.deps())

	for _, level := range []float64{3, 5} {
		r.setLevel(t, level)
		require.ErrorIs(t, s.ForceTurnOn(), ErrLowWater)
		require.False(t, pump.State())
		require.False(t, r.flow.Enabled())
	}
}

func TestIrrigationNoWaterReading(t *testing.T) {
	r := newRig(t, time.Date(2024, time.May, 1, 7, 0, 0, 0, gmt3))
	pump := r.pump(t)
	s := NewIrrigation(pump, r.deps())

	require.Error(t, s.ForceTurnOn())
	require.False(t, pump.State())
}

func TestIrrigationTimeout(t *testing.T) {
	r := newRig(t, time.Date(2024, time.May, 1, 7, 0, 0, 0, gmt3))
	r.setLevel(t, 80)
	pump := r.pump(t)
	s := NewIrrigation(pump, r.deps())

	require.NoError(t, s.ForceTurnOn())
	require.ErrorIs(t, s.ForceTurnOn(), ErrAlreadyIrrigating)

	for elapsed := time.Second; elapsed < IrrigationTimeout; elapsed += time.Second {
		r.tick(time.Second)
		require.True(t, pump.State(), "still running at %v", elapsed)
	}
	r.tick(time.Second)
	require.False(t, pump.State())
	require.False(t, s.Irrigating())
	require.True(t, r.log.Contains(logger.LevelWarning, "timed out"))
	require.Empty(t, s.ScheduledIDs())
	require.Zero(t, r.sched.Len())
}

func TestIrrigationMissingFlowMeter(t *testing.T) {
	r := newRig(t, time.Date(2024, time.May, 1, 7, 0, 0, 0, gmt3))
	r.setLevel(t, 80)
	sensors := sensor.NewManager(r.store, logger.Nop{})
	require.NoError(t, sensors.Add(r.level))

	d := r.deps()
	d.Sensors = sensors
	pump := r.pump(t)
	s := NewIrrigation(pump, d)
	require.ErrorIs(t, s.ForceTurnOn(), ErrNoFlowMeter)
	require.False(t, pump.State())
}

func TestIrrigationCancelIsIdempotent(t *testing.T) {
	r := newRig(t, time.Date(2024, time.May, 1, 7, 0, 0, 0, gmt3))
	r.setLevel(t, 80)
	pump := r.pump(t)
	s := NewIrrigation(pump, r.deps())
	require.NoError(t, s.Apply())
	require.NoError(t, s.ForceTurnOn())
	require.Len(t, s.ScheduledIDs(), 3)

	s.CancelScheduledTasks()
	require.False(t, pump.State())
	require.Empty(t, s.ScheduledIDs())
	require.Zero(t, r.sched.Len())

	warnings := len(r.log.Lines(logger.LevelWarning))
	s.CancelScheduledTasks()
	require.False(t, pump.State())
	require.Empty(t, s.ScheduledIDs())
	require.Len(t, r.log.Lines(logger.LevelWarning), warnings)
}

func TestIrrigationReschedule(t *testing.T) {
	r := newRig(t, time.Date(2024, time.May, 1, 7, 0, 0, 0, gmt3))
	s := NewIrrigation(r.pump(t), r.deps())
	require.NoError(t, s.Apply())

	r.store.Set(config.System, config.KeyPumpStart, "06:30")
	r.store.Set(config.System, config.KeyPumpIntervalDays, 2.0)
	require.NoError(t, s.Reschedule())

	ids := s.ScheduledIDs()
	require.Len(t, ids, 1)
	require.Equal(t, 1, r.sched.Len())
	at, ok := r.sched.NextFire(ids[0])
	require.True(t, ok)
	require.True(t, time.Date(2024, time.May, 2, 6, 30, 0, 0, gmt3).Equal(at), "06:30 has passed, so tomorrow: %v", at)
}

func TestIrrigationBadConfig(t *testing.T) {
	r := newRig(t, time.Date(2024, time.May, 1, 7, 0, 0, 0, gmt3))
	r.store.Set(config.System, config.KeyPumpStart, "noon")
	s := NewIrrigation(r.pump(t), r.deps())
	require.Error(t, s.Apply())

	r.store.Set(config.System, config.KeyPumpStart, "12:00")
	r.store.Set(config.System, config.KeyPumpIntervalDays, 0.0)
	require.Error(t, s.Reschedule())
	require.Zero(t, r.sched.Len())
}

func TestApplyFailsWhileClockOffline(t *testing.T) {
	r := newRig(t, time.Date(2024, time.May, 1, 7, 0, 0, 0, gmt3))
	r.clk.SetOnline(false)
	require.ErrorIs(t, NewIrrigation(r.pump(t), r.deps()).Apply(), scheduler.ErrClockOffline)
	require.ErrorIs(t, NewHeating(r.relay(t, actuator.HeatLamp, actuator.KindHeater, 21), r.deps()).Apply(), scheduler.ErrClockOffline)
	require.ErrorIs(t, NewLighting(r.relay(t, actuator.GrowLight, actuator.KindLight, 17), r.deps()).Apply(), scheduler.ErrClockOffline)
}

func TestHeatingHysteresis(t *testing.T) {
	r := newRig(t, time.Date(2024, time.May, 1, 7, 0, 0, 0, gmt3))
	r.store.Set(config.System, config.KeyHeatLampTargetTemp, 25.0)
	lamp := r.relay(t, actuator.HeatLamp, actuator.KindHeater, 21)
	s := NewHeating(lamp, r.deps())
	require.NoError(t, s.Apply())

	steps := []struct {
		temp float64
		on   bool
	}{
		{24, false},
		{23, false},
		{22.9, true},
		{25, true},
		{27, true},
		{27.1, false},
		{25, false},
		{23, false},
		{20, true},
	}
	for _, step := range steps {
		r.setTemp(t, step.temp)
		r.tick(DefaultHeatingCheckPeriod)
		require.Equal(t, step.on, lamp.State(), "at %v°C", step.temp)
	}
}

func TestHeatingFailsSafe(t *testing.T) {
	r := newRig(t, time.Date(2024, time.May, 1, 7, 0, 0, 0, gmt3))
	lamp := r.relay(t, actuator.HeatLamp, actuator.KindHeater, 21)
	s := NewHeating(lamp, r.deps())
	require.NoError(t, s.Apply())

	r.setTemp(t, 10)
	r.tick(DefaultHeatingCheckPeriod)
	require.True(t, lamp.State())

	stale := sensor.NewTopicSensor(sensor.TopicOptions{Name: sensor.AirTemperature, Topic: "air", Field: "temperature"})
	sensors := sensor.NewManager(r.store, logger.Nop{})
	require.NoError(t, sensors.Add(stale))
	s.sensors = sensors

	r.tick(DefaultHeatingCheckPeriod)
	require.False(t, lamp.State(), "no data switches the lamp off")

	s.sensors = sensor.NewManager(r.store, logger.Nop{})
	require.NoError(t, s.ForceTurnOn())
	r.tick(DefaultHeatingCheckPeriod)
	require.False(t, lamp.State(), "a missing sensor switches the lamp off")
}

func TestHeatingStaleReading(t *testing.T) {
	r := newRig(t, time.Date(2024, time.May, 1, 7, 0, 0, 0, gmt3))
	lamp := r.relay(t, actuator.HeatLamp, actuator.KindHeater, 21)
	s := NewHeating(lamp, r.deps())
	require.NoError(t, s.Apply())

	temp := sensor.NewTopicSensor(sensor.TopicOptions{Name: sensor.AirTemperature, Topic: "air", Field: "temperature", MaxAge: 200 * time.Millisecond})
	sensors := sensor.NewManager(r.store, logger.Nop{})
	require.NoError(t, sensors.Add(temp))
	s.sensors = sensors

	require.NoError(t, temp.Update([]byte(`{"temperature": 10}`)))
	r.tick(DefaultHeatingCheckPeriod)
	require.True(t, lamp.State(), "a fresh reading is used without a sensor poll")

	time.Sleep(300 * time.Millisecond)
	r.tick(DefaultHeatingCheckPeriod)
	require.False(t, lamp.State(), "a reading past its max age switches the lamp off")
}

func TestHeatingForceDoesNotStopControl(t *testing.T) {
	r := newRig(t, time.Date(2024, time.May, 1, 7, 0, 0, 0, gmt3))
	lamp := r.relay(t, actuator.HeatLamp, actuator.KindHeater, 21)
	s := NewHeating(lamp, r.deps())
	require.NoError(t, s.Apply())

	require.NoError(t, s.ForceTurnOn())
	require.True(t, lamp.State())
	require.NoError(t, s.ForceTurnOn())
	require.True(t, r.log.Contains(logger.LevelWarning, "already on"))

	r.setTemp(t, 30)
	r.tick(DefaultHeatingCheckPeriod)
	require.False(t, lamp.State())

	s.CancelScheduledTasks()
	s.CancelScheduledTasks()
	require.Empty(t, s.ScheduledIDs())
	require.Zero(t, r.sched.Len())
}

func TestLightingAppliesCurrentState(t *testing.T) {
	tests := map[string]struct {
		now time.Time
		on  bool
	}{
		"late evening":  {time.Date(2024, time.May, 1, 23, 0, 0, 0, gmt3), true},
		"early morning": {time.Date(2024, time.May, 1, 5, 59, 0, 0, gmt3), true},
		"noon":          {time.Date(2024, time.May, 1, 12, 0, 0, 0, gmt3), false},
		"switch off":    {time.Date(2024, time.May, 1, 6, 0, 0, 0, gmt3), false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r := newRig(t, tc.now)
			r.store.Set(config.System, config.KeyGrowLightOn, "22:00")
			r.store.Set(config.System, config.KeyGrowLightOff, "06:00")
			light := r.relay(t, actuator.GrowLight, actuator.KindLight, 17)
			s := NewLighting(light, r.deps())
			require.NoError(t, s.Apply())
			require.Equal(t, tc.on, light.State())
			require.Len(t, s.ScheduledIDs(), 2)
		})
	}
}

func TestLightingDailyEdges(t *testing.T) {
	r := newRig(t, time.Date(2024, time.May, 1, 12, 0, 0, 0, gmt3))
	light := r.relay(t, actuator.GrowLight, actuator.KindLight, 17)
	s := NewLighting(light, r.deps()) // 08:00-20:00 defaults
	require.NoError(t, s.Apply())
	require.True(t, light.State())

	r.tick(8 * time.Hour) // 20:00
	require.False(t, light.State())
	r.tick(12 * time.Hour) // 08:00
	require.True(t, light.State())

	require.NoError(t, s.ForceTurnOff())
	require.False(t, light.State())
	r.tick(12 * time.Hour) // 20:00
	r.tick(12 * time.Hour) // 08:00
	require.True(t, light.State(), "the schedule resumes after a forced switch")

	s.CancelScheduledTasks()
	require.False(t, light.State())
	require.Zero(t, r.sched.Len())
}

func TestWithinWindow(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2024, time.May, 1, h, m, 0, 0, time.UTC) }
	on, off := timeOfDay(22*3600), timeOfDay(6*3600)
	tests := map[time.Time]bool{
		at(21, 59): false,
		at(22, 0):  true,
		at(0, 0):   true,
		at(5, 59):  true,
		at(6, 0):   false,
		at(12, 0):  false,
	}
	for now, want := range tests {
		if withinWindow(on, off, now) != want {
			t.Errorf("withinWindow(22:00, 06:00, %s) != %v", now.Format("15:04"), want)
		}
		if withinWindow(off, on, now) == want {
			t.Errorf("withinWindow(06:00, 22:00, %s) == %v", now.Format("15:04"), want)
		}
	}
	if withinWindow(on, on, at(22, 0)) {
		t.Fail()
	}
}

func TestSecondsOfDay(t *testing.T) {
	tests := map[int]time.Time{
		0:     time.Date(0, time.January, 1, 0, 0, 0, 0, time.UTC),
		1:     time.Date(0, time.January, 1, 0, 0, 1, 999, time.UTC),
		60:    time.Date(0, time.January, 1, 0, 1, 0, 0, time.UTC),
		3600:  time.Date(0, time.January, 1, 1, 0, 0, 0, time.UTC),
		3661:  time.Date(1999, time.December, 30, 1, 1, 1, 0, time.UTC),
		86399: time.Date(1999, time.December, 30, 23, 59, 59, 0, time.UTC),
	}
	for s, tm := range tests {
		if secondsOfDay(tm) != s {
			t.Fail()
		}
	}
}

func TestParseTimeOfDay(t *testing.T) {
	tests := map[string]timeOfDay{
		"08:00":    8 * 3600,
		"8:05":     8*3600 + 5*60,
		"23:59:30": 23*3600 + 59*60 + 30,
	}
	for s, want := range tests {
		got, err := parseTimeOfDay(s)
		if err != nil || got != want {
			t.Errorf("parseTimeOfDay(%q) = %v, %v", s, got, err)
		}
	}
	for _, s := range []string{"", "24:00", "noon", "12"} {
		if _, err := parseTimeOfDay(s); err == nil {
			t.Errorf("parseTimeOfDay(%q) succeeded", s)
		}
	}
	if timeOfDay(8*3600+5*60).String() != "08:05" {
		t.Fail()
	}
}
