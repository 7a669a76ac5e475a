// Package control owns the farm's actuators and the strategies bound to
// them, and turns commands into actions.
package control

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/dottedmag/farm"
	"github.com/dottedmag/farm/internal/actuator"
	"github.com/dottedmag/farm/internal/config"
	"github.com/dottedmag/farm/internal/gpio"
	"github.com/dottedmag/farm/internal/logger"
	"github.com/dottedmag/farm/internal/scheduler"
	"github.com/dottedmag/farm/internal/sensor"
	"github.com/dottedmag/farm/internal/strategy"
)

// DefaultCheckInterval is how often Run retries bring-up.
const DefaultCheckInterval = 10 * time.Second

var (
	ErrClockOffline    = errors.New("clock is not synchronised")
	ErrNotInitialized  = errors.New("farm is not initialized")
	ErrNoActuators     = errors.New("no actuators are configured")
	ErrUnknownActuator = errors.New("unknown actuator")
	ErrUnknownCommand  = errors.New("unknown command")
)

var (
	initAttempts  = metrics.NewCounter("farm_init_attempts_total")
	initFailures  = metrics.NewCounter("farm_init_failures_total")
	commandsTotal = metrics.NewCounter("farm_commands_total")
)

// Pins are the GPIO lines actuators are wired to. config.NoPin marks an
// actuator that is not wired.
type Pins struct {
	PumpForward  int
	PumpBackward int
	HeatLamp     int
	GrowLight    int
}

func PinsFrom(f *config.File) Pins {
	return Pins{
		PumpForward:  *f.GPIO.PumpForwardPin,
		PumpBackward: *f.GPIO.PumpBackwardPin,
		HeatLamp:     *f.GPIO.HeatLampPin,
		GrowLight:    *f.GPIO.GrowLightPin,
	}
}

// ZWaveNodesFrom maps actuator names to the z-wave nodes backing them.
func ZWaveNodesFrom(f *config.File) map[string]int {
	out := map[string]int{}
	for _, sw := range f.ZWave.Switches {
		out[sw.Actuator] = sw.Node
	}
	return out
}

type Options struct {
	Scheduler *scheduler.Scheduler
	Store     *config.Store
	Sensors   *sensor.Manager
	Registry  *gpio.Registry
	Pins      Pins
	// ZWave backs the actuators named in ZWaveNodes. May be nil.
	ZWave      actuator.BinarySwitcher
	ZWaveNodes map[string]int
	Log        logger.Logger
	// Restart is called by the restart command once strategies are torn
	// down.
	Restart func()
}

type Manager struct {
	sched    *scheduler.Scheduler
	store    *config.Store
	sensors  *sensor.Manager
	registry *gpio.Registry
	pins     Pins
	zwave    actuator.BinarySwitcher
	nodes    map[string]int
	log      logger.Logger
	restart  func()
	sleep    func(time.Duration)

	mu          sync.Mutex
	actuators   map[string]actuator.Actuator
	strategies  map[string]strategy.Strategy
	initialized bool
	farmEnabled bool
}

func New(o Options) *Manager {
	return &Manager{
		sched:       o.Scheduler,
		store:       o.Store,
		sensors:     o.Sensors,
		registry:    o.Registry,
		pins:        o.Pins,
		zwave:       o.ZWave,
		nodes:       o.ZWaveNodes,
		log:         o.Log,
		restart:     o.Restart,
		sleep:       time.Sleep,
		actuators:   map[string]actuator.Actuator{},
		strategies:  map[string]strategy.Strategy{},
		farmEnabled: true,
	}
}

// Initialize brings the farm up: actuators, then strategies. Either all of
// it comes up or nothing is left behind.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		m.log.Warning("Farm is already initialized")
		return nil
	}
	return m.initializeLocked()
}

func (m *Manager) initializeLocked() error {
	initAttempts.Inc()
	if !m.sched.ClockOnline() {
		initFailures.Inc()
		m.log.Warning("Cannot initialize the farm without a synchronised clock")
		return ErrClockOffline
	}
	if err := m.bringUpLocked(); err != nil {
		initFailures.Inc()
		m.teardownLocked()
		return err
	}
	m.initialized = true
	m.log.Info("Farm initialized: %d actuators, %d strategies", len(m.actuators), len(m.strategies))
	return nil
}

func (m *Manager) bringUpLocked() error {
	acts := m.buildActuators()
	if len(acts) == 0 {
		return ErrNoActuators
	}
	for _, a := range acts {
		m.actuators[a.Name()] = a
		if err := a.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", a.Name(), err)
		}
	}
	return m.createStrategiesLocked()
}

func (m *Manager) buildActuators() []actuator.Actuator {
	var out []actuator.Actuator
	add := func(name, kind string, wired bool, viaGPIO func() actuator.Actuator) {
		if node, ok := m.nodes[name]; ok && m.zwave != nil {
			out = append(out, actuator.NewZWaveSwitch(name, kind, m.zwave, node, m.log))
			return
		}
		if !wired {
			m.log.Info("%s is not wired, skipping", name)
			return
		}
		out = append(out, viaGPIO())
	}

	p := m.pins
	add(actuator.Pump, actuator.KindPump, p.PumpForward != config.NoPin && p.PumpBackward != config.NoPin, func() actuator.Actuator {
		return actuator.NewPump(m.registry, p.PumpForward, p.PumpBackward, m.log)
	})
	add(actuator.HeatLamp, actuator.KindHeater, p.HeatLamp != config.NoPin, func() actuator.Actuator {
		return actuator.NewRelay(actuator.HeatLamp, actuator.KindHeater, m.registry, p.HeatLamp, m.log)
	})
	add(actuator.GrowLight, actuator.KindLight, p.GrowLight != config.NoPin, func() actuator.Actuator {
		return actuator.NewRelay(actuator.GrowLight, actuator.KindLight, m.registry, p.GrowLight, m.log)
	})
	return out
}

var strategyFor = map[string]func(actuator.Actuator, strategy.Deps) strategy.Strategy{
	actuator.Pump: func(a actuator.Actuator, d strategy.Deps) strategy.Strategy {
		return strategy.NewIrrigation(a, d)
	},
	actuator.HeatLamp: func(a actuator.Actuator, d strategy.Deps) strategy.Strategy {
		return strategy.NewHeating(a, d)
	},
	actuator.GrowLight: func(a actuator.Actuator, d strategy.Deps) strategy.Strategy {
		return strategy.NewLighting(a, d)
	},
}

// createStrategiesLocked binds a strategy to every actuator and applies it.
// All of them are attempted before the errors are reported.
func (m *Manager) createStrategiesLocked() error {
	deps := strategy.Deps{
		Scheduler: m.sched,
		Config:    m.store,
		Sensors:   m.sensors,
		Log:       m.log,
	}
	var errs []error
	for _, name := range m.actuatorNamesLocked() {
		newStrategy, ok := strategyFor[name]
		if !ok {
			errs = append(errs, fmt.Errorf("no strategy for %s", name))
			continue
		}
		s := newStrategy(m.actuators[name], deps)
		m.strategies[name] = s
		if err := s.Apply(); err != nil {
			m.log.Error("Failed to apply strategy for %s: %v", name, err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) actuatorNamesLocked() []string {
	names := make([]string, 0, len(m.actuators))
	for name := range m.actuators {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (m *Manager) deleteAllStrategiesLocked() {
	for name, s := range m.strategies {
		m.log.Debug("Cancelling strategy for %s", name)
		s.CancelScheduledTasks()
	}
	clear(m.strategies)
}

// teardownLocked leaves the farm de-energized with no strategies.
func (m *Manager) teardownLocked() {
	m.deleteAllStrategiesLocked()
	for name, a := range m.actuators {
		if err := a.Close(); err != nil {
			m.log.Error("Failed to release %s: %v", name, err)
		}
	}
	clear(m.actuators)
	m.initialized = false
}

func (m *Manager) DeleteAllStrategies() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteAllStrategiesLocked()
}

func (m *Manager) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

func (m *Manager) FarmEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.farmEnabled
}

func (m *Manager) strategy(name string) (strategy.Strategy, error) {
	s, ok := m.strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownActuator, name)
	}
	return s, nil
}

// ForceTurnOn switches an actuator on through its strategy.
func (m *Manager) ForceTurnOn(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.strategy(name)
	if err != nil {
		return err
	}
	m.log.Info("Forcing %s on", name)
	return s.ForceTurnOn()
}

func (m *Manager) ForceTurnOff(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.strategy(name)
	if err != nil {
		return err
	}
	m.log.Info("Forcing %s off", name)
	return s.ForceTurnOff()
}

// UpdateStrategies reschedules every strategy from the current
// configuration.
func (m *Manager) UpdateStrategies() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for name, s := range m.strategies {
		if err := s.Reschedule(); err != nil {
			m.log.Error("Failed to update strategy for %s: %v", name, err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// SyncFarmState switches the whole farm on or off: actuators with their
// strategies, and sensor polling.
func (m *Manager) SyncFarmState(enable bool) error {
	err := m.setActuatorsEnabled(enable)
	if m.sensors != nil {
		m.sensors.Enable(enable)
	}
	return err
}

func (m *Manager) setActuatorsEnabled(enable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.farmEnabled = enable
	switch {
	case enable && m.initialized:
		m.log.Debug("Actuators are already enabled")
	case !enable && !m.initialized:
		m.log.Debug("Actuators are already disabled")
	case enable:
		m.log.Info("Enabling actuators")
		return m.initializeLocked()
	default:
		m.log.Info("Disabling actuators")
		m.teardownLocked()
	}
	return nil
}

// HandleCommand executes a command code. Farm on/off and restart are always
// accepted; the per-actuator codes need an initialized farm.
func (m *Manager) HandleCommand(c farm.Command) error {
	commandsTotal.Inc()
	m.log.Debug("Received command %d (%s)", int(c), c)
	switch c {
	case farm.FarmOn:
		return m.SyncFarmState(true)
	case farm.FarmOff:
		return m.SyncFarmState(false)
	case farm.Restart:
		m.Restart()
		return nil
	}
	if !c.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownCommand, int(c))
	}
	if !m.Initialized() {
		return fmt.Errorf("cannot execute %s: %w", c, ErrNotInitialized)
	}

	switch c {
	case farm.PumpOn:
		return m.ForceTurnOn(actuator.Pump)
	case farm.PumpOff:
		return m.ForceTurnOff(actuator.Pump)
	case farm.GrowLightOn:
		return m.ForceTurnOn(actuator.GrowLight)
	case farm.GrowLightOff:
		return m.ForceTurnOff(actuator.GrowLight)
	case farm.HeatLampOn:
		return m.ForceTurnOn(actuator.HeatLamp)
	case farm.HeatLampOff:
		return m.ForceTurnOff(actuator.HeatLamp)
	}
	return fmt.Errorf("%w: %d", ErrUnknownCommand, int(c))
}

// Restart tears the farm down, gives the log sink time to flush and hands
// over to the restart hook. Without a hook, or if it returns, Loop brings
// the farm back up.
func (m *Manager) Restart() {
	m.log.Warning("Restarting")
	m.mu.Lock()
	m.teardownLocked()
	m.mu.Unlock()
	m.sleep(500 * time.Millisecond)
	m.log.Warning("Restarting now")
	m.sleep(200 * time.Millisecond)
	if m.restart != nil {
		m.restart()
	}
}

// Loop retries bring-up once the clock is synchronised, unless the farm was
// switched off.
func (m *Manager) Loop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized || !m.farmEnabled || !m.sched.ClockOnline() {
		return
	}
	m.log.Debug("Clock is synchronised, initializing the farm")
	if err := m.initializeLocked(); err != nil {
		m.log.Error("Failed to initialize the farm: %v", err)
	}
}

func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		m.Loop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Close switches everything off and releases the actuators.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
	return nil
}

type ActuatorState struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	On   bool   `json:"on"`
}

type Status struct {
	Initialized bool            `json:"initialized"`
	FarmEnabled bool            `json:"farm_enabled"`
	ClockOnline bool            `json:"clock_online"`
	Time        time.Time       `json:"time"`
	Actuators   []ActuatorState `json:"actuators"`
}

// Status is a snapshot for the status plane.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		Initialized: m.initialized,
		FarmEnabled: m.farmEnabled,
		ClockOnline: m.sched.ClockOnline(),
		Time:        m.sched.Now(),
		Actuators:   []ActuatorState{},
	}
	for _, name := range m.actuatorNamesLocked() {
		a := m.actuators[name]
		st.Actuators = append(st.Actuators, ActuatorState{Name: name, Kind: a.Kind(), On: a.State()})
	}
	return st
}
