package sensor

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/dottedmag/farm/internal/gpio"
)

// PulseCounter is a flow meter that accumulates volume while enabled.
type PulseCounter interface {
	// Enable resets the counter and starts counting.
	Enable() error
	// Disable stops counting and returns the volume counted, in ml.
	Disable() float32
	VolumeML() float32
}

// DefaultPulsesPerLiter is the YF-S401 calibration.
const DefaultPulsesPerLiter = 450

// FlowMeter is a hall-effect flow sensor on a GPIO pin. Pulses are counted
// by the edge handler goroutine.
type FlowMeter struct {
	name           string
	registry       *gpio.Registry
	pin            int
	pulsesPerLiter float64

	pulses atomic.Uint64

	mu      sync.Mutex
	watcher io.Closer
	last    float32
}

func NewFlowMeter(registry *gpio.Registry, pin int, pulsesPerLiter float64) *FlowMeter {
	if pulsesPerLiter <= 0 {
		pulsesPerLiter = DefaultPulsesPerLiter
	}
	return &FlowMeter{
		name:           Flow,
		registry:       registry,
		pin:            pin,
		pulsesPerLiter: pulsesPerLiter,
		last:           NoData,
	}
}

func (f *FlowMeter) Name() string     { return f.name }
func (f *FlowMeter) Key() string      { return f.name }
func (f *FlowMeter) ShouldRead() bool { return false }

func (f *FlowMeter) Initialize() error {
	if f.pin < 0 {
		return fmt.Errorf("%s: no pin configured", f.name)
	}
	return nil
}

func (f *FlowMeter) Enable() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulses.Store(0)
	if f.watcher != nil {
		return nil
	}
	w, err := f.registry.Watch(f.pin, func() { f.pulses.Add(1) })
	if err != nil {
		return fmt.Errorf("failed to enable %s: %w", f.name, err)
	}
	f.watcher = w
	return nil
}

func (f *FlowMeter) Disable() float32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watcher != nil {
		f.watcher.Close()
		f.watcher = nil
	}
	f.last = f.volumeML()
	return f.last
}

func (f *FlowMeter) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watcher != nil
}

func (f *FlowMeter) Pulses() uint64 {
	return f.pulses.Load()
}

func (f *FlowMeter) volumeML() float32 {
	return float32(float64(f.pulses.Load()) / f.pulsesPerLiter * 1000)
}

func (f *FlowMeter) VolumeML() float32 {
	return f.volumeML()
}

func (f *FlowMeter) Read() float32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = f.volumeML()
	return f.last
}

func (f *FlowMeter) LastMeasurement() float32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return lastMeasurement(f.last)
}

func (f *FlowMeter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watcher == nil {
		return nil
	}
	err := f.watcher.Close()
	f.watcher = nil
	return err
}

var (
	_ Sensor       = (*FlowMeter)(nil)
	_ PulseCounter = (*FlowMeter)(nil)
)
