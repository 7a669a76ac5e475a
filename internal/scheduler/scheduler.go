// Package scheduler fires one-shot and periodic callbacks against a
// wall-clock source.
//
// Nothing can be scheduled or fired until the scheduler is initialized and
// its clock is online: "daily at HH:MM" scheduling relies on correct date
// arithmetic. A time of day that has already passed today is rolled forward
// to the same time tomorrow.
//
// Callbacks run without the scheduler lock held, so they may schedule or
// remove events, including their own.
package scheduler

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/dottedmag/farm/internal/clock"
	"github.com/dottedmag/farm/internal/logger"
)

// EventID identifies a scheduled event. IDs are never reused; 0 is never a
// valid ID.
type EventID uint64

var (
	ErrNotInitialized = errors.New("scheduler is not initialized")
	ErrClockOffline   = errors.New("clock is not synchronised")
	ErrNilCallback    = errors.New("callback is nil")
	ErrZeroPeriod     = errors.New("period must be positive")
	ErrNegativeDelay  = errors.New("delay must not be negative")
	ErrStopTimeout    = errors.New("scheduler task did not stop")
)

const (
	DefaultCheckInterval = 100 * time.Millisecond

	maxStopAttempts   = 10
	stopCheckInterval = 100 * time.Millisecond
)

type kind int

const (
	oneShot kind = iota
	periodic
)

func (k kind) String() string {
	if k == periodic {
		return "periodic"
	}
	return "oneshot"
}

type event struct {
	id     EventID
	kind   kind
	at     time.Time
	period time.Duration // periodic only
	last   time.Time     // zero until the first fire
	// executed is set for one-shots under the lock, before the callback runs.
	executed bool
	cb       func()
}

var (
	eventsGauge = metrics.GetOrCreateGauge("farm_scheduler_events", nil)
	firedTotal  = map[kind]*metrics.Counter{
		oneShot:  metrics.GetOrCreateCounter(`farm_scheduler_fired_total{kind="oneshot"}`),
		periodic: metrics.GetOrCreateCounter(`farm_scheduler_fired_total{kind="periodic"}`),
	}
	callbackPanics = metrics.GetOrCreateCounter("farm_scheduler_callback_panics_total")
)

type task struct {
	stop chan struct{}
	done chan struct{}
}

type Scheduler struct {
	clock clock.Source
	log   logger.Logger

	mu          sync.Mutex
	initialized bool
	loc         *time.Location
	events      []*event // insertion order
	nextID      EventID

	taskMu sync.Mutex
	task   *task
}

func New(clk clock.Source, log logger.Logger) *Scheduler {
	return &Scheduler{
		clock:  clk,
		log:    log,
		loc:    time.UTC,
		nextID: 1,
	}
}

// Initialize fixes the time zone used for date arithmetic to GMT+gmtOffset
// hours and, if the clock can be synchronised on demand, tries once. A clock
// that is still offline afterwards is not an error: scheduling stays disabled
// until it comes online.
func (s *Scheduler) Initialize(gmtOffset int) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		s.log.Warning("Scheduler is already initialized")
		return nil
	}
	s.loc = time.FixedZone(fmt.Sprintf("GMT%+d", gmtOffset), gmtOffset*3600)
	s.initialized = true
	s.mu.Unlock()

	if syncer, ok := s.clock.(interface{ Sync() error }); ok && !s.clock.Online() {
		if err := syncer.Sync(); err != nil {
			s.log.Warning("Scheduler initialized without synchronised clock: %v", err)
			return nil
		}
	}
	s.log.Info("Scheduler initialized (%s)", s.loc)
	return nil
}

func (s *Scheduler) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *Scheduler) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Now returns the clock's time in the scheduler's zone.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now().In(s.Location())
}

// ClockOnline reports whether the underlying clock can be trusted.
func (s *Scheduler) ClockOnline() bool {
	return s.clock.Online()
}

func (s *Scheduler) readyLocked() (time.Time, error) {
	if !s.initialized {
		return time.Time{}, ErrNotInitialized
	}
	if !s.clock.Online() {
		return time.Time{}, ErrClockOffline
	}
	return s.clock.Now().In(s.loc), nil
}

// rollForward moves a target that is already in the past to the same time
// of day on the calendar day after now.
func (s *Scheduler) rollForward(now, target time.Time) time.Time {
	if !target.Before(now) {
		return target
	}
	target = target.In(s.loc)
	y, m, d := now.In(s.loc).Date()
	return time.Date(y, m, d+1, target.Hour(), target.Minute(), target.Second(), target.Nanosecond(), s.loc)
}

func (s *Scheduler) addLocked(now time.Time, k kind, at time.Time, period time.Duration, cb func()) EventID {
	e := &event{
		id:     s.nextID,
		kind:   k,
		at:     s.rollForward(now, at),
		period: period,
		cb:     cb,
	}
	s.nextID++
	s.events = append(s.events, e)
	eventsGauge.Set(float64(len(s.events)))

	if k == periodic {
		s.log.Debug("Scheduled %s event %d at %s every %v", k, e.id, e.at.Format(time.DateTime), period)
	} else {
		s.log.Debug("Scheduled %s event %d at %s", k, e.id, e.at.Format(time.DateTime))
	}
	return e.id
}

func (s *Scheduler) schedule(k kind, at func(now time.Time) time.Time, period time.Duration, cb func()) (EventID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := func() error {
		if cb == nil {
			return ErrNilCallback
		}
		if k == periodic && period <= 0 {
			return ErrZeroPeriod
		}
		return nil
	}()
	var now time.Time
	if err == nil {
		now, err = s.readyLocked()
	}
	if err != nil {
		s.log.Warning("Failed to schedule %s event: %v", k, err)
		return 0, err
	}
	return s.addLocked(now, k, at(now), period, cb), nil
}

// ScheduleOnceAfter fires cb once, delay from now.
func (s *Scheduler) ScheduleOnceAfter(delay time.Duration, cb func()) (EventID, error) {
	if delay < 0 {
		s.log.Warning("Failed to schedule oneshot event: %v", ErrNegativeDelay)
		return 0, ErrNegativeDelay
	}
	return s.schedule(oneShot, func(now time.Time) time.Time { return now.Add(delay) }, 0, cb)
}

// ScheduleOnceAt fires cb once at t, or at t's time of day tomorrow if t has
// passed.
func (s *Scheduler) ScheduleOnceAt(t time.Time, cb func()) (EventID, error) {
	return s.schedule(oneShot, func(time.Time) time.Time { return t }, 0, cb)
}

// SchedulePeriodicAfter fires cb every period, the first time delay from now.
func (s *Scheduler) SchedulePeriodicAfter(delay, period time.Duration, cb func()) (EventID, error) {
	if delay < 0 {
		s.log.Warning("Failed to schedule periodic event: %v", ErrNegativeDelay)
		return 0, ErrNegativeDelay
	}
	return s.schedule(periodic, func(now time.Time) time.Time { return now.Add(delay) }, period, cb)
}

// SchedulePeriodicAt fires cb every period, the first time at t (rolled
// forward if passed).
func (s *Scheduler) SchedulePeriodicAt(t time.Time, period time.Duration, cb func()) (EventID, error) {
	return s.schedule(periodic, func(time.Time) time.Time { return t }, period, cb)
}

func (s *Scheduler) indexLocked(id EventID) int {
	return slices.IndexFunc(s.events, func(e *event) bool { return e.id == id })
}

// Remove cancels an event. A callback that is already running completes.
// Removal does not depend on the clock being online.
func (s *Scheduler) Remove(id EventID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		s.log.Warning("Cannot remove event %d: %v", id, ErrNotInitialized)
		return false
	}
	i := s.indexLocked(id)
	if i < 0 {
		s.log.Warning("Cannot remove event %d: not scheduled", id)
		return false
	}
	s.events = slices.Delete(s.events, i, i+1)
	eventsGauge.Set(float64(len(s.events)))
	s.log.Debug("Removed event %d", id)
	return true
}

// Clear removes all events.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	eventsGauge.Set(0)
}

// Len returns the number of pending events.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// NextFire returns the time event id is due next.
func (s *Scheduler) NextFire(id EventID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return time.Time{}, false
	}
	e := s.events[i]
	if e.kind == periodic && !e.last.IsZero() {
		return e.last.Add(e.period), true
	}
	return e.at, true
}

// CheckSchedule fires every event due at the current time, once.
//
// A periodic event is due when its first time has come and at least one
// period has passed since it last fired; missed periods are not caught up.
func (s *Scheduler) CheckSchedule() {
	s.mu.Lock()
	now, err := s.readyLocked()
	if err != nil {
		s.mu.Unlock()
		return
	}
	ids := make([]EventID, len(s.events))
	for i, e := range s.events {
		ids[i] = e.id
	}
	s.mu.Unlock()

	for _, id := range ids {
		cb, k := s.takeDue(id, now)
		if cb == nil {
			continue
		}
		firedTotal[k].Inc()
		s.invoke(id, cb)
	}
}

// takeDue marks event id as fired if it is due at now and returns its
// callback. Events removed since the scan started are skipped.
func (s *Scheduler) takeDue(id EventID, now time.Time) (func(), kind) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return nil, 0
	}
	e := s.events[i]
	if now.Before(e.at) {
		return nil, 0
	}

	switch e.kind {
	case oneShot:
		if e.executed {
			return nil, 0
		}
		e.executed = true
		s.events = slices.Delete(s.events, i, i+1)
		eventsGauge.Set(float64(len(s.events)))
	case periodic:
		if !e.last.IsZero() && now.Sub(e.last) < e.period {
			return nil, 0
		}
		e.last = now
	}
	return e.cb, e.kind
}

func (s *Scheduler) invoke(id EventID, cb func()) {
	defer func() {
		if r := recover(); r != nil {
			callbackPanics.Inc()
			s.log.Error("Callback of event %d panicked: %v", id, r)
		}
	}()
	cb()
}

// StartTask runs CheckSchedule every interval on a background goroutine.
// Starting a running task only logs a warning.
func (s *Scheduler) StartTask(interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}

	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	if s.task != nil {
		s.log.Warning("Scheduler task is already running")
		return nil
	}

	t := &task{stop: make(chan struct{}), done: make(chan struct{})}
	s.task = t
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				s.CheckSchedule()
			}
		}
	}()
	s.log.Info("Scheduler task started, checking every %v", interval)
	return nil
}

// StopTask stops the background goroutine and waits for it to confirm exit.
// If it does not exit in time it is abandoned; it returns as soon as its
// current callback does.
func (s *Scheduler) StopTask() error {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	t := s.task
	if t == nil {
		s.log.Warning("Scheduler task is not running")
		return nil
	}
	s.task = nil
	close(t.stop)

	for attempt := 1; attempt <= maxStopAttempts; attempt++ {
		select {
		case <-t.done:
			s.log.Info("Scheduler task stopped")
			return nil
		case <-time.After(stopCheckInterval):
			s.log.Debug("Waiting for scheduler task to stop (attempt %d/%d)", attempt, maxStopAttempts)
		}
	}
	s.log.Error("Scheduler task did not stop after %d attempts, abandoning it", maxStopAttempts)
	return ErrStopTimeout
}

// TaskRunning reports whether the background goroutine is active.
func (s *Scheduler) TaskRunning() bool {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	return s.task != nil
}

// Close stops the background task and drops all events.
func (s *Scheduler) Close() error {
	var err error
	if s.TaskRunning() {
		err = s.StopTask()
	}
	s.mu.Lock()
	s.events = nil
	s.initialized = false
	eventsGauge.Set(0)
	s.mu.Unlock()
	return err
}
