// Package sensor reads the farm's environment sensors.
//
// Readings are float32. Two reserved values stand for "nothing read yet"
// and "read failed"; consumers must not act on either.
package sensor

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	NoData    float32 = -50
	ReadError float32 = -100
)

// Valid reports whether v is a real reading.
func Valid(v float32) bool {
	return v != NoData && v != ReadError
}

// Well-known sensor names.
const (
	AirTemperature   = "DHT22_Temp"
	AirHumidity      = "DHT22_Hum"
	WaterTemperature = "DS18B20"
	WaterLevel       = "HC-SR04"
	SoilMoisture     = "FC-28"
	Light            = "KY-018"
	Flow             = "YF-S401"
)

type Sensor interface {
	Name() string
	// Key is the Data section key readings are saved under.
	Key() string
	Initialize() error
	// Read takes a fresh reading and remembers it.
	Read() float32
	// LastMeasurement returns the remembered reading; NoData is reported as
	// ReadError.
	LastMeasurement() float32
	// ShouldRead reports whether the periodic poll reads this sensor.
	ShouldRead() bool
	Close() error
}

func lastMeasurement(v float32) float32 {
	if v == NoData {
		return ReadError
	}
	return v
}

// TopicSensor takes its readings from JSON messages published by another
// device, such as a zigbee2mqtt sensor or a microcontroller bridge.
type TopicSensor struct {
	name      string
	key       string
	topic     string
	field     []string
	maxAge    time.Duration
	transform func(float64) float32
	now       func() time.Time

	mu       sync.Mutex
	value    float32
	received time.Time
	last     float32
}

type TopicOptions struct {
	Name   string
	Key    string
	Topic  string
	Field  string // dot-separated path into the message
	MaxAge time.Duration
	// Transform converts the raw field value. Nil keeps it as is.
	Transform func(float64) float32
}

func NewTopicSensor(o TopicOptions) *TopicSensor {
	key := o.Key
	if key == "" {
		key = o.Name
	}
	transform := o.Transform
	if transform == nil {
		transform = func(v float64) float32 { return float32(v) }
	}
	return &TopicSensor{
		name:      o.Name,
		key:       key,
		topic:     o.Topic,
		field:     strings.Split(o.Field, "."),
		maxAge:    o.MaxAge,
		transform: transform,
		now:       time.Now,
		last:      NoData,
	}
}

func (s *TopicSensor) Name() string      { return s.name }
func (s *TopicSensor) Key() string       { return s.key }
func (s *TopicSensor) Topic() string     { return s.topic }
func (s *TopicSensor) Initialize() error { return nil }
func (s *TopicSensor) ShouldRead() bool  { return true }
func (s *TopicSensor) Close() error      { return nil }

// Update takes a reading from a message published on the sensor's topic.
func (s *TopicSensor) Update(payload []byte) error {
	var msg any
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%s: failed to parse message: %w", s.name, err)
	}
	for _, f := range s.field {
		obj, ok := msg.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: message has no field %s", s.name, strings.Join(s.field, "."))
		}
		msg = obj[f]
	}
	raw, ok := msg.(float64)
	if !ok {
		return fmt.Errorf("%s: field %s is not a number: %v", s.name, strings.Join(s.field, "."), msg)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = s.transform(raw)
	s.received = s.now()
	return nil
}

// Read returns the latest reading, or ReadError if it is older than the
// sensor's maximum age.
func (s *TopicSensor) Read() float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.received.IsZero():
		s.last = NoData
	case s.maxAge > 0 && s.now().Sub(s.received) > s.maxAge:
		s.last = ReadError
	default:
		s.last = s.value
	}
	return s.last
}

func (s *TopicSensor) LastMeasurement() float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lastMeasurement(s.last)
}

func clampPercent(v float64) float32 {
	return float32(min(100, max(0, v)))
}

// WaterLevelPercent converts an ultrasonic distance reading taken from the
// top of a tank of the given depth into a fill level.
func WaterLevelPercent(depthCM float64) func(float64) float32 {
	return func(distanceCM float64) float32 {
		return clampPercent((depthCM - distanceCM) / depthCM * 100)
	}
}

// ADCPercent maps a raw analog reading linearly between its dry (0%) and
// wet (100%) calibration points. Either point may be the larger one.
func ADCPercent(dry, wet float64) func(float64) float32 {
	return func(raw float64) float32 {
		return clampPercent((raw - dry) / (wet - dry) * 100)
	}
}

var _ Sensor = (*TopicSensor)(nil)
