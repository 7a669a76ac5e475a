package strategy

import (
	"fmt"
	"time"

	"github.com/dottedmag/farm/internal/actuator"
	"github.com/dottedmag/farm/internal/config"
	"github.com/dottedmag/farm/internal/sensor"
)

const (
	DefaultHysteresis         = 2.0
	DefaultHeatingCheckPeriod = 30 * time.Second
)

// Heating keeps the air temperature within hysteresis of the target.
// Forcing the lamp does not pause the periodic check.
type Heating struct {
	base
	sensors Sensors

	target        float32
	hysteresis    float32
	checkInterval float32 // seconds
}

func NewHeating(lamp actuator.Actuator, d Deps) *Heating {
	s := &Heating{
		sensors:       d.Sensors,
		target:        25,
		hysteresis:    DefaultHysteresis,
		checkInterval: float32(DefaultHeatingCheckPeriod / time.Second),
	}
	s.init("heating", lamp, d)
	s.UpdateFromConfig()
	return s
}

func (s *Heating) UpdateFromConfig() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateLocked()
}

func (s *Heating) updateLocked() {
	s.readFloat(config.KeyHeatLampTargetTemp, &s.target)
	s.readFloat(config.KeyHeatLampHysteresis, &s.hysteresis)
	s.readFloat(config.KeyHeatLampCheckInterval, &s.checkInterval)
}

func (s *Heating) Apply() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked()
}

func (s *Heating) applyLocked() error {
	if s.checkInterval <= 0 {
		return fmt.Errorf("heating: check interval of %vs is not positive", s.checkInterval)
	}
	interval := time.Duration(float64(s.checkInterval) * float64(time.Second))
	id, err := s.sched.SchedulePeriodicAfter(interval, interval, s.controlTemperature)
	if err != nil {
		return fmt.Errorf("failed to schedule heating: %w", err)
	}
	s.trackLocked(id)
	s.log.Info("Heating scheduled every %v, target %.1f±%.1f°C", interval, s.target, s.hysteresis)
	return nil
}

func (s *Heating) controlTemperature() {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A fresh reading, so a stale topic sensor fails safe.
	temp := sensor.ReadError
	if ts, ok := s.sensors.Sensor(sensor.AirTemperature); ok {
		temp = ts.Read()
	}
	if !sensor.Valid(temp) {
		if s.act.State() {
			s.log.Warning("No valid temperature reading, switching %s off", s.act.Name())
			s.ensureOffLocked()
		} else {
			s.log.Warning("No valid temperature reading")
		}
		return
	}

	on := s.act.State()
	switch {
	case !on && temp < s.target-s.hysteresis:
		s.log.Info("Temperature %.1f°C below %.1f°C, heating", temp, s.target-s.hysteresis)
		if err := s.act.TurnOn(); err != nil {
			s.log.Error("heating: %v", err)
		}
	case on && temp > s.target+s.hysteresis:
		s.log.Info("Temperature %.1f°C above %.1f°C, stopping heating", temp, s.target+s.hysteresis)
		if err := s.act.TurnOff(); err != nil {
			s.log.Error("heating: %v", err)
		}
	}
}

func (s *Heating) ForceTurnOn() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forceLocked(true)
}

func (s *Heating) ForceTurnOff() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forceLocked(false)
}

func (s *Heating) CancelScheduledTasks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureOffLocked()
	s.removeAllLocked()
}

func (s *Heating) Reschedule() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureOffLocked()
	s.removeAllLocked()
	s.updateLocked()
	return s.applyLocked()
}

var _ Strategy = (*Heating)(nil)
