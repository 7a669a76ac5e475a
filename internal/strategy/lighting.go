package strategy

import (
	"fmt"

	"github.com/dottedmag/farm/internal/actuator"
	"github.com/dottedmag/farm/internal/config"
)

// Lighting switches the grow light on and off at fixed times every day.
type Lighting struct {
	base

	onAt  string
	offAt string
}

func NewLighting(light actuator.Actuator, d Deps) *Lighting {
	s := &Lighting{onAt: "08:00", offAt: "20:00"}
	s.init("lighting", light, d)
	s.UpdateFromConfig()
	return s
}

func (s *Lighting) UpdateFromConfig() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateLocked()
}

func (s *Lighting) updateLocked() {
	s.readString(config.KeyGrowLightOn, &s.onAt)
	s.readString(config.KeyGrowLightOff, &s.offAt)
}

func (s *Lighting) Apply() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked()
}

// applyLocked schedules both daily edges and then puts the light into the
// state the current time calls for.
func (s *Lighting) applyLocked() error {
	on, err := parseTimeOfDay(s.onAt)
	if err != nil {
		return fmt.Errorf("lighting: %w", err)
	}
	off, err := parseTimeOfDay(s.offAt)
	if err != nil {
		return fmt.Errorf("lighting: %w", err)
	}

	now := s.sched.Now()
	onID, err := s.sched.SchedulePeriodicAt(on.on(now), day, s.lightOn)
	if err != nil {
		return fmt.Errorf("failed to schedule grow light on: %w", err)
	}
	s.trackLocked(onID)
	offID, err := s.sched.SchedulePeriodicAt(off.on(now), day, s.lightOff)
	if err != nil {
		return fmt.Errorf("failed to schedule grow light off: %w", err)
	}
	s.trackLocked(offID)
	s.log.Info("Lighting scheduled %s-%s", on, off)

	want := withinWindow(on, off, now)
	if s.act.State() == want {
		return nil
	}
	if want {
		return s.act.TurnOn()
	}
	return s.act.TurnOff()
}

func (s *Lighting) lightOn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.act.TurnOn(); err != nil {
		s.log.Error("lighting: %v", err)
	}
}

func (s *Lighting) lightOff() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.act.TurnOff(); err != nil {
		s.log.Error("lighting: %v", err)
	}
}

func (s *Lighting) ForceTurnOn() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forceLocked(true)
}

func (s *Lighting) ForceTurnOff() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forceLocked(false)
}

func (s *Lighting) CancelScheduledTasks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureOffLocked()
	s.removeAllLocked()
}

func (s *Lighting) Reschedule() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureOffLocked()
	s.removeAllLocked()
	s.updateLocked()
	return s.applyLocked()
}

var _ Strategy = (*Lighting)(nil)
