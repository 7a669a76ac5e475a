package strategy

import (
	"errors"
	"fmt"
	"time"

	"github.com/dottedmag/farm/internal/actuator"
	"github.com/dottedmag/farm/internal/config"
	"github.com/dottedmag/farm/internal/scheduler"
	"github.com/dottedmag/farm/internal/sensor"
)

const (
	// VolumeCheckInterval is shorter than any scheduler poll interval, so
	// the volume is checked on every scheduler tick.
	VolumeCheckInterval  = 100 * time.Millisecond
	IrrigationTimeout    = 20 * time.Second
	DefaultMinWaterLevel = 5
)

var (
	ErrAlreadyIrrigating = errors.New("irrigation is already running")
	ErrNoWaterLevel      = errors.New("no water level sensor")
	ErrNoFlowMeter       = errors.New("no flow sensor")
	ErrLowWater          = errors.New("water level is too low")
)

// Irrigation waters the plants every interval_days at pump_start, stopping
// once pump_volume_ml has flowed or after IrrigationTimeout.
type Irrigation struct {
	base
	sensors Sensors

	intervalDays  float32
	start         string
	targetML      float32
	minWaterLevel float32

	irrigating    bool
	flow          sensor.PulseCounter
	startedAt     time.Time
	volumeCheckID scheduler.EventID
	timeoutID     scheduler.EventID
}

func NewIrrigation(pump actuator.Actuator, d Deps) *Irrigation {
	s := &Irrigation{
		sensors:       d.Sensors,
		intervalDays:  1,
		start:         "08:00",
		minWaterLevel: DefaultMinWaterLevel,
	}
	s.init("irrigation", pump, d)
	s.UpdateFromConfig()
	return s
}

func (s *Irrigation) UpdateFromConfig() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateLocked()
}

func (s *Irrigation) updateLocked() {
	s.readFloat(config.KeyPumpIntervalDays, &s.intervalDays)
	s.readString(config.KeyPumpStart, &s.start)
	s.readFloat(config.KeyPumpVolumeML, &s.targetML)
	s.readFloat(config.KeyPumpMinWaterLevel, &s.minWaterLevel)
}

func (s *Irrigation) Apply() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked()
}

func (s *Irrigation) applyLocked() error {
	start, err := parseTimeOfDay(s.start)
	if err != nil {
		return fmt.Errorf("irrigation: %w", err)
	}
	if s.intervalDays <= 0 {
		return fmt.Errorf("irrigation: interval of %v days is not positive", s.intervalDays)
	}
	period := time.Duration(float64(s.intervalDays) * float64(day))

	id, err := s.sched.SchedulePeriodicAt(start.on(s.sched.Now()), period, s.performIrrigation)
	if err != nil {
		return fmt.Errorf("failed to schedule irrigation: %w", err)
	}
	s.trackLocked(id)
	s.log.Info("Irrigation scheduled at %s every %v days, %.0f ml", start, s.intervalDays, s.targetML)
	return nil
}

func (s *Irrigation) performIrrigation() {
	if err := s.perform(); err != nil {
		s.log.Warning("Irrigation skipped: %v", err)
	}
}

// perform starts a run if it is safe to: water above the minimum level and
// a flow meter to measure the volume with.
func (s *Irrigation) perform() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.irrigating {
		return ErrAlreadyIrrigating
	}
	levelSensor, ok := s.sensors.Sensor(sensor.WaterLevel)
	if !ok {
		return ErrNoWaterLevel
	}
	flowSensor, ok := s.sensors.Sensor(sensor.Flow)
	if !ok {
		return ErrNoFlowMeter
	}
	flow, ok := flowSensor.(sensor.PulseCounter)
	if !ok {
		return ErrNoFlowMeter
	}
	level := levelSensor.Read()
	if !sensor.Valid(level) {
		return fmt.Errorf("water level is unavailable (%v)", level)
	}
	if level <= s.minWaterLevel {
		return fmt.Errorf("%w: %.1f%% <= %.1f%%", ErrLowWater, level, s.minWaterLevel)
	}

	if err := flow.Enable(); err != nil {
		return err
	}
	if err := s.act.TurnOn(); err != nil {
		flow.Disable()
		return err
	}
	s.irrigating = true
	s.flow = flow
	s.startedAt = s.sched.Now()
	s.log.Info("Irrigation started, water level %.1f%%, target %.0f ml", level, s.targetML)

	id, err := s.sched.SchedulePeriodicAfter(0, VolumeCheckInterval, s.checkWaterVolume)
	if err != nil {
		s.stopLocked()
		return fmt.Errorf("failed to schedule volume check: %w", err)
	}
	s.volumeCheckID = id
	s.trackLocked(id)

	var timeoutID scheduler.EventID
	timeoutID, err = s.sched.ScheduleOnceAfter(IrrigationTimeout, func() { s.onTimeout(timeoutID) })
	if err != nil {
		s.stopLocked()
		return fmt.Errorf("failed to schedule irrigation timeout: %w", err)
	}
	s.timeoutID = timeoutID
	s.trackLocked(timeoutID)
	return nil
}

func (s *Irrigation) checkWaterVolume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.irrigating {
		return
	}
	if vol := s.flow.VolumeML(); vol >= s.targetML {
		s.log.Info("Irrigation target reached: %.0f ml", vol)
		s.stopLocked()
	}
}

func (s *Irrigation) onTimeout(id scheduler.EventID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forgetLocked(id)
	if !s.irrigating || id != s.timeoutID {
		return
	}
	s.timeoutID = 0
	s.log.Warning("Irrigation timed out after %v with %.0f of %.0f ml", IrrigationTimeout, s.flow.VolumeML(), s.targetML)
	s.stopLocked()
}

// stopLocked is the only way a run ends: pump off, flow counting off, run
// events removed.
func (s *Irrigation) stopLocked() {
	if !s.irrigating {
		return
	}
	if err := s.act.TurnOff(); err != nil {
		s.log.Error("Failed to stop pump: %v", err)
	}
	vol := s.flow.Disable()
	s.removeLocked(s.volumeCheckID)
	s.removeLocked(s.timeoutID)
	s.volumeCheckID, s.timeoutID = 0, 0
	s.irrigating = false
	s.log.Info("Irrigation finished after %v, %.0f ml delivered", s.sched.Now().Sub(s.startedAt).Round(time.Millisecond), vol)
}

func (s *Irrigation) Irrigating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.irrigating
}

// ForceTurnOn starts a run now, with the same checks as a scheduled one.
func (s *Irrigation) ForceTurnOn() error {
	if err := s.perform(); err != nil {
		s.log.Warning("Forced irrigation refused: %v", err)
		return err
	}
	return nil
}

func (s *Irrigation) ForceTurnOff() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.irrigating {
		s.stopLocked()
		return nil
	}
	return s.forceLocked(false)
}

func (s *Irrigation) CancelScheduledTasks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

func (s *Irrigation) cancelLocked() {
	s.stopLocked()
	s.ensureOffLocked()
	s.removeAllLocked()
}

func (s *Irrigation) Reschedule() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.updateLocked()
	return s.applyLocked()
}

var _ Strategy = (*Irrigation)(nil)
