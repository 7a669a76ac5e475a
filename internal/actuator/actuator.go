// Package actuator drives the farm's pump, heat lamp and grow light.
package actuator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/VictoriaMetrics/metrics"

	"github.com/dottedmag/farm/internal/gpio"
	"github.com/dottedmag/farm/internal/logger"
)

// Actuator names as used in commands, status and config.
const (
	Pump      = "R385"
	HeatLamp  = "HeatLamp"
	GrowLight = "GrowLight"
)

// Kinds.
const (
	KindPump   = "Pump"
	KindHeater = "Heater"
	KindLight  = "Light"
)

var ErrNotInitialized = errors.New("actuator is not initialized")

type Actuator interface {
	Name() string
	Kind() string
	Initialize() error
	TurnOn() error
	TurnOff() error
	State() bool
	Initialized() bool
	Close() error
}

// Toggle flips a to the opposite state. The error of the switch is returned.
func Toggle(a Actuator) error {
	if a.State() {
		return a.TurnOff()
	}
	return a.TurnOn()
}

// base holds the state shared by all actuators. set is called with mu held.
type base struct {
	name string
	kind string
	log  logger.Logger

	mu          sync.Mutex
	on          bool
	initialized bool

	switches *metrics.Counter
	state    *metrics.Gauge
}

func (b *base) init(name, kind string, log logger.Logger) {
	b.name = name
	b.kind = kind
	b.log = log
	b.switches = metrics.GetOrCreateCounter(fmt.Sprintf(`farm_actuator_switches_total{actuator=%q}`, name))
	b.state = metrics.GetOrCreateGauge(fmt.Sprintf(`farm_actuator_on{actuator=%q}`, name), nil)
}

func (b *base) Name() string { return b.name }
func (b *base) Kind() string { return b.kind }

func (b *base) State() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.on
}

func (b *base) Initialized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized
}

// set runs drive and records the new state if it succeeds.
func (b *base) set(on bool, drive func(on bool) error) error {
	if !b.initialized {
		return fmt.Errorf("%s: %w", b.name, ErrNotInitialized)
	}
	if err := drive(on); err != nil {
		b.log.Error("Failed to turn %s %s: %v", b.name, onOff(on), err)
		return fmt.Errorf("failed to turn %s %s: %w", b.name, onOff(on), err)
	}
	if b.on != on {
		b.switches.Inc()
	}
	b.on = on
	if on {
		b.state.Set(1)
	} else {
		b.state.Set(0)
	}
	b.log.Info("%s turned %s", b.name, onOff(on))
	return nil
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// Relay is an actuator switched by a single GPIO pin, active high.
type Relay struct {
	base
	registry *gpio.Registry
	pinNo    int
	pin      *gpio.Pin
}

func NewRelay(name, kind string, registry *gpio.Registry, pin int, log logger.Logger) *Relay {
	r := &Relay{registry: registry, pinNo: pin}
	r.init(name, kind, log)
	return r
}

func (r *Relay) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return nil
	}
	pin, err := r.registry.Output(r.pinNo)
	if err != nil {
		return fmt.Errorf("failed to initialize %s: %w", r.name, err)
	}
	if err := pin.Set(false); err != nil {
		pin.Release()
		return fmt.Errorf("failed to initialize %s: %w", r.name, err)
	}
	r.pin = pin
	r.initialized = true
	r.on = false
	r.log.Info("%s initialized on pin %d", r.name, r.pinNo)
	return nil
}

func (r *Relay) drive(on bool) error {
	return r.pin.Set(on)
}

func (r *Relay) TurnOn() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.set(true, r.drive)
}

func (r *Relay) TurnOff() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.set(false, r.drive)
}

// Close drives the pin low and releases it.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return nil
	}
	err := errors.Join(r.pin.Set(false), r.pin.Release())
	r.initialized = false
	r.on = false
	r.state.Set(0)
	return err
}

type Direction int

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// PumpMotor is a reversible pump driven through an H-bridge: one pin per
// direction, never both high.
type PumpMotor struct {
	base
	registry    *gpio.Registry
	forwardPin  int
	backwardPin int
	forward     *gpio.Pin
	backward    *gpio.Pin
	direction   Direction
}

func NewPump(registry *gpio.Registry, forwardPin, backwardPin int, log logger.Logger) *PumpMotor {
	p := &PumpMotor{registry: registry, forwardPin: forwardPin, backwardPin: backwardPin}
	p.init(Pump, KindPump, log)
	return p
}

func (p *PumpMotor) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return nil
	}
	fwd, err := p.registry.Output(p.forwardPin)
	if err != nil {
		return fmt.Errorf("failed to initialize %s: %w", p.name, err)
	}
	bwd, err := p.registry.Output(p.backwardPin)
	if err != nil {
		fwd.Release()
		return fmt.Errorf("failed to initialize %s: %w", p.name, err)
	}
	if err := errors.Join(fwd.Set(false), bwd.Set(false)); err != nil {
		fwd.Release()
		bwd.Release()
		return fmt.Errorf("failed to initialize %s: %w", p.name, err)
	}
	p.forward, p.backward = fwd, bwd
	p.initialized = true
	p.on = false
	p.log.Info("%s initialized on pins %d/%d", p.name, p.forwardPin, p.backwardPin)
	return nil
}

func (p *PumpMotor) drive(on bool) error {
	if !on {
		return errors.Join(p.forward.Set(false), p.backward.Set(false))
	}
	active, idle := p.forward, p.backward
	if p.direction == Backward {
		active, idle = idle, active
	}
	if err := idle.Set(false); err != nil {
		return err
	}
	return active.Set(true)
}

func (p *PumpMotor) TurnOn() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.set(true, p.drive)
}

func (p *PumpMotor) TurnOff() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.set(false, p.drive)
}

// SetDirection changes the direction the pump runs in. A running pump is
// switched over immediately.
func (p *PumpMotor) SetDirection(d Direction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.direction = d
	if p.initialized && p.on {
		return p.set(true, p.drive)
	}
	return nil
}

func (p *PumpMotor) Direction() Direction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.direction
}

func (p *PumpMotor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return nil
	}
	err := errors.Join(p.drive(false), p.forward.Release(), p.backward.Release())
	p.initialized = false
	p.on = false
	p.state.Set(0)
	return err
}

var (
	_ Actuator = (*Relay)(nil)
	_ Actuator = (*PumpMotor)(nil)
)
