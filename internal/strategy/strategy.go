// Package strategy holds the control policies bound to the farm's
// actuators. Each policy reads its parameters from the System section,
// schedules its own work and can be overridden by hand.
package strategy

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dottedmag/farm/internal/actuator"
	"github.com/dottedmag/farm/internal/config"
	"github.com/dottedmag/farm/internal/logger"
	"github.com/dottedmag/farm/internal/scheduler"
	"github.com/dottedmag/farm/internal/sensor"
)

type Strategy interface {
	// Apply schedules the policy's automatic behaviour.
	Apply() error
	// UpdateFromConfig re-reads parameters. Missing keys keep the previous
	// values.
	UpdateFromConfig()
	// CancelScheduledTasks switches the actuator off and removes every event
	// the strategy scheduled. Calling it again is harmless.
	CancelScheduledTasks()
	// Reschedule is CancelScheduledTasks, UpdateFromConfig and Apply in one
	// step.
	Reschedule() error
	ForceTurnOn() error
	ForceTurnOff() error
}

type Scheduler interface {
	Now() time.Time
	ScheduleOnceAfter(delay time.Duration, cb func()) (scheduler.EventID, error)
	SchedulePeriodicAfter(delay, period time.Duration, cb func()) (scheduler.EventID, error)
	SchedulePeriodicAt(t time.Time, period time.Duration, cb func()) (scheduler.EventID, error)
	Remove(id scheduler.EventID) bool
}

type Config interface {
	Float(sec config.Section, key string) (float32, bool)
	String(sec config.Section, key string) (string, bool)
}

type Sensors interface {
	Sensor(name string) (sensor.Sensor, bool)
}

// Deps are the collaborators every strategy needs.
type Deps struct {
	Scheduler Scheduler
	Config    Config
	Sensors   Sensors
	Log       logger.Logger
}

const day = 24 * time.Hour

// base is embedded by every strategy. mu guards the ids and the embedding
// strategy's state.
type base struct {
	name  string
	act   actuator.Actuator
	sched Scheduler
	cfg   Config
	log   logger.Logger

	mu  sync.Mutex
	ids []scheduler.EventID
}

func (b *base) init(name string, act actuator.Actuator, d Deps) {
	b.name = name
	b.act = act
	b.sched = d.Scheduler
	b.cfg = d.Config
	b.log = d.Log
}

func (b *base) trackLocked(id scheduler.EventID) {
	b.ids = append(b.ids, id)
}

// removeLocked cancels one event and forgets it.
func (b *base) removeLocked(id scheduler.EventID) {
	if id == 0 {
		return
	}
	b.sched.Remove(id)
	b.forgetLocked(id)
}

// forgetLocked drops an id whose event has already fired.
func (b *base) forgetLocked(id scheduler.EventID) {
	b.ids = slices.DeleteFunc(b.ids, func(x scheduler.EventID) bool { return x == id })
}

func (b *base) removeAllLocked() {
	for _, id := range b.ids {
		b.sched.Remove(id)
	}
	b.ids = nil
}

func (b *base) ensureOffLocked() {
	if !b.act.State() {
		return
	}
	if err := b.act.TurnOff(); err != nil {
		b.log.Error("%s: failed to switch %s off: %v", b.name, b.act.Name(), err)
	}
}

// ScheduledIDs returns the events the strategy currently holds.
func (b *base) ScheduledIDs() []scheduler.EventID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.ids)
}

func (b *base) Actuator() actuator.Actuator {
	return b.act
}

func (b *base) readFloat(key string, dst *float32) {
	v, ok := b.cfg.Float(config.System, key)
	if !ok {
		b.log.Warning("%s: %s is not configured, keeping %v", b.name, key, *dst)
		return
	}
	*dst = v
}

func (b *base) readString(key string, dst *string) {
	v, ok := b.cfg.String(config.System, key)
	if !ok {
		b.log.Warning("%s: %s is not configured, keeping %q", b.name, key, *dst)
		return
	}
	*dst = v
}

// forceLocked switches the actuator by hand, warning if it already is in
// that state.
func (b *base) forceLocked(on bool) error {
	if b.act.State() == on {
		if on {
			b.log.Warning("%s is already on", b.act.Name())
		} else {
			b.log.Warning("%s is already off", b.act.Name())
		}
		return nil
	}
	if on {
		return b.act.TurnOn()
	}
	return b.act.TurnOff()
}

// timeOfDay is a wall-clock time within a day, in seconds since midnight.
type timeOfDay int

// parseTimeOfDay accepts "HH:MM" and "HH:MM:SS".
func parseTimeOfDay(s string) (timeOfDay, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return timeOfDay(secondsOfDay(t)), nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q, expected HH:MM", s)
}

func secondsOfDay(t time.Time) int {
	return t.Second() + 60*(t.Minute()+60*t.Hour())
}

// on returns the time on the same calendar day as ref.
func (tod timeOfDay) on(ref time.Time) time.Time {
	y, m, d := ref.Date()
	return time.Date(y, m, d, 0, 0, int(tod), 0, ref.Location())
}

func (tod timeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(tod)/3600, int(tod)/60%60)
}

// withinWindow reports whether now falls into [start, end). A window whose
// start is later than its end spans midnight; an empty window never
// matches.
func withinWindow(start, end timeOfDay, now time.Time) bool {
	n := timeOfDay(secondsOfDay(now))
	switch {
	case start < end:
		return n >= start && n < end
	case start > end:
		return n >= start || n < end
	}
	return false
}
