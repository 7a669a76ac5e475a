package sensor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/dottedmag/farm/internal/config"
	"github.com/dottedmag/farm/internal/logger"
)

// Recorder keeps a history of readings.
type Recorder interface {
	Record(ctx context.Context, at time.Time, readings map[string]float32) error
}

// DataPublisher sends the Data section to the farm's data topic.
type DataPublisher interface {
	PublishData(ctx context.Context) error
}

var readErrors = metrics.NewCounter("farm_sensor_read_errors_total")

// Manager owns the farm's sensors and polls them into the Data section.
type Manager struct {
	store *config.Store
	log   logger.Logger
	now   func() time.Time

	mu        sync.RWMutex
	sensors   map[string]Sensor
	order     []string
	enabled   bool
	recorder  Recorder
	publisher DataPublisher
}

func NewManager(store *config.Store, log logger.Logger) *Manager {
	return &Manager{
		store:   store,
		log:     log,
		now:     time.Now,
		sensors: map[string]Sensor{},
		enabled: true,
	}
}

func (m *Manager) SetRecorder(r Recorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorder = r
}

func (m *Manager) SetPublisher(p DataPublisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publisher = p
}

func (m *Manager) Add(s Sensor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sensors[s.Name()]; ok {
		return fmt.Errorf("sensor %s is added twice", s.Name())
	}
	m.sensors[s.Name()] = s
	m.order = append(m.order, s.Name())
	return nil
}

// Initialize initializes every sensor. Sensors that fail are dropped; the
// rest keep working.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	kept := m.order[:0]
	for _, name := range m.order {
		if err := m.sensors[name].Initialize(); err != nil {
			m.log.Error("Failed to initialize sensor %s: %v", name, err)
			errs = append(errs, err)
			delete(m.sensors, name)
			continue
		}
		kept = append(kept, name)
	}
	m.order = kept
	m.log.Info("%d sensors initialized", len(m.order))
	return errors.Join(errs...)
}

func (m *Manager) Sensor(name string) (Sensor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sensors[name]
	return s, ok
}

func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// LastMeasurement returns ReadError for unknown sensors.
func (m *Manager) LastMeasurement(name string) float32 {
	s, ok := m.Sensor(name)
	if !ok {
		return ReadError
	}
	return s.LastMeasurement()
}

// Enable starts or stops polling. Disabling also stops flow counting.
func (m *Manager) Enable(enable bool) {
	m.mu.Lock()
	m.enabled = enable
	var counters []PulseCounter
	if !enable {
		for _, s := range m.sensors {
			if pc, ok := s.(PulseCounter); ok {
				counters = append(counters, pc)
			}
		}
	}
	m.mu.Unlock()

	for _, pc := range counters {
		pc.Disable()
	}
	if enable {
		m.log.Info("Sensors enabled")
	} else {
		m.log.Info("Sensors disabled")
	}
}

func (m *Manager) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Route hands a message to the sensors fed by topic and reports whether any
// took it.
func (m *Manager) Route(topic string, payload []byte) bool {
	m.mu.RLock()
	var targets []*TopicSensor
	for _, s := range m.sensors {
		if ts, ok := s.(*TopicSensor); ok && ts.Topic() == topic {
			targets = append(targets, ts)
		}
	}
	m.mu.RUnlock()

	for _, ts := range targets {
		if err := ts.Update(payload); err != nil {
			m.log.Warning("%v", err)
		}
	}
	return len(targets) > 0
}

// Topics lists the MQTT topics sensors are fed from.
func (m *Manager) Topics() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, name := range m.order {
		if ts, ok := m.sensors[name].(*TopicSensor); ok && !seen[ts.Topic()] {
			seen[ts.Topic()] = true
			out = append(out, ts.Topic())
		}
	}
	return out
}

// ReadAll reads every polled sensor into the Data section.
func (m *Manager) ReadAll() map[string]float32 {
	m.mu.RLock()
	var polled []Sensor
	for _, name := range m.order {
		if s := m.sensors[name]; s.ShouldRead() {
			polled = append(polled, s)
		}
	}
	m.mu.RUnlock()

	readings := map[string]float32{}
	for _, s := range polled {
		v := s.Read()
		readings[s.Key()] = v
		m.store.Set(config.Data, s.Key(), v)
		if Valid(v) {
			metrics.GetOrCreateGauge(fmt.Sprintf(`farm_sensor_value{sensor=%q}`, s.Name()), nil).Set(float64(v))
		} else {
			readErrors.Inc()
			m.log.Debug("Sensor %s has no valid reading (%v)", s.Name(), v)
		}
	}
	return readings
}

// Poll reads, saves, records and publishes once, unless sensors are
// disabled.
func (m *Manager) Poll(ctx context.Context) {
	if !m.Enabled() {
		return
	}
	readings := m.ReadAll()
	if len(readings) == 0 {
		return
	}
	if err := m.store.Save(config.Data); err != nil {
		m.log.Warning("Failed to save sensor data: %v", err)
	}

	m.mu.RLock()
	rec, pub := m.recorder, m.publisher
	m.mu.RUnlock()

	if rec != nil {
		valid := map[string]float32{}
		for k, v := range readings {
			if Valid(v) {
				valid[k] = v
			}
		}
		if len(valid) > 0 {
			if err := rec.Record(ctx, m.now(), valid); err != nil {
				m.log.Warning("Failed to record sensor data: %v", err)
			}
		}
	}
	if pub != nil {
		if err := pub.PublishData(ctx); err != nil {
			m.log.Warning("Failed to publish sensor data: %v", err)
		}
	}
}

// Run polls every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Poll(ctx)
		}
	}
}

// Close closes every sensor.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, s := range m.sensors {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
