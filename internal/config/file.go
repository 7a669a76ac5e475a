// Package config holds the daemon's static TOML configuration and the
// runtime key-value store updated over MQTT.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/dottedmag/farm"
)

// NoPin marks an actuator or sensor that is not wired.
const NoPin = -1

type File struct {
	DeviceID  string `toml:"device_id"`
	GMTOffset *int   `toml:"gmt_offset"`
	DataDir   string `toml:"data_dir"`
	LogLevel  string `toml:"log_level"`

	NTP       NTPConfig       `toml:"ntp"`
	MQTT      MQTTConfig      `toml:"mqtt"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	GPIO      GPIOConfig      `toml:"gpio"`
	ZWave     ZWaveConfig     `toml:"zwave"`
	Sensors   SensorsConfig   `toml:"sensors"`
	HTTP      HTTPConfig      `toml:"http"`
	History   HistoryConfig   `toml:"history"`
}

type NTPConfig struct {
	// "system" trusts the host clock.
	Server        string `toml:"server"`
	PeriodSeconds int    `toml:"period_seconds"`
}

type MQTTConfig struct {
	URL      string `toml:"url"`
	ClientID string `toml:"client_id"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

type SchedulerConfig struct {
	CheckIntervalMS int `toml:"check_interval_ms"`
}

type GPIOConfig struct {
	Chip            string `toml:"chip"`
	PumpForwardPin  *int   `toml:"pump_forward_pin"`
	PumpBackwardPin *int   `toml:"pump_backward_pin"`
	HeatLampPin     *int   `toml:"heatlamp_pin"`
	GrowLightPin    *int   `toml:"growlight_pin"`
}

type ZWaveConfig struct {
	Endpoint string        `toml:"endpoint"`
	Switches []ZWaveSwitch `toml:"switch"`
}

// ZWaveSwitch backs the named actuator by a Binary Switch node instead of a
// GPIO pin.
type ZWaveSwitch struct {
	Actuator string `toml:"actuator"`
	Node     int    `toml:"node"`
}

type SensorsConfig struct {
	FlowPin             *int          `toml:"flow_pin"`
	FlowPulsesPerLiter  float64       `toml:"flow_pulses_per_liter"`
	ReadIntervalSeconds int           `toml:"read_interval_seconds"`
	Topics              []TopicSensor `toml:"topic"`
}

// TopicSensor is a sensor whose readings arrive on an MQTT topic as a JSON
// object.
type TopicSensor struct {
	Name          string  `toml:"name"`
	Key           string  `toml:"key"`
	Topic         string  `toml:"topic"`
	Field         string  `toml:"field"`
	MaxAgeSeconds int     `toml:"max_age_seconds"`
	Transform     string  `toml:"transform"` // "", "water_level", "adc_percent"
	TankDepthCM   float64 `toml:"tank_depth_cm"`
	ADCDry        float64 `toml:"adc_dry"`
	ADCWet        float64 `toml:"adc_wet"`
}

type HTTPConfig struct {
	Listen string `toml:"listen"`
}

type HistoryConfig struct {
	Path          string `toml:"path"`
	RetentionDays int    `toml:"retention_days"`
}

func intPtr(v int) *int { return &v }

const (
	// SystemClock as ntp.server uses the host clock as is.
	SystemClock = "system"

	DefaultGMTOffset          = 3
	DefaultNTPServer          = "pool.ntp.org"
	DefaultNTPPeriod          = 60 * time.Second
	DefaultFlowPulsesPerLiter = 450
	DefaultSensorReadInterval = 10 * time.Second
	DefaultTopicMaxAge        = 2 * time.Minute
)

func (f *File) applyDefaults() {
	if f.DeviceID == "" {
		f.DeviceID = farm.DefaultDeviceID
	}
	if f.GMTOffset == nil {
		f.GMTOffset = intPtr(DefaultGMTOffset)
	}
	if f.NTP.Server == "" {
		f.NTP.Server = DefaultNTPServer
	}
	if f.NTP.PeriodSeconds == 0 {
		f.NTP.PeriodSeconds = int(DefaultNTPPeriod / time.Second)
	}
	if f.MQTT.ClientID == "" {
		f.MQTT.ClientID = f.DeviceID
	}
	if f.GPIO.Chip == "" {
		f.GPIO.Chip = "gpiochip0"
	}
	pins := []struct {
		p   **int
		def int
	}{
		{&f.GPIO.PumpForwardPin, 18},
		{&f.GPIO.PumpBackwardPin, 19},
		{&f.GPIO.HeatLampPin, 21},
		{&f.GPIO.GrowLightPin, 17},
		{&f.Sensors.FlowPin, NoPin},
	}
	for _, pin := range pins {
		if *pin.p == nil {
			*pin.p = intPtr(pin.def)
		}
	}
	if f.Sensors.FlowPulsesPerLiter == 0 {
		f.Sensors.FlowPulsesPerLiter = DefaultFlowPulsesPerLiter
	}
	if f.Sensors.ReadIntervalSeconds == 0 {
		f.Sensors.ReadIntervalSeconds = int(DefaultSensorReadInterval / time.Second)
	}
	for i := range f.Sensors.Topics {
		if f.Sensors.Topics[i].Key == "" {
			f.Sensors.Topics[i].Key = f.Sensors.Topics[i].Name
		}
		if f.Sensors.Topics[i].MaxAgeSeconds == 0 {
			f.Sensors.Topics[i].MaxAgeSeconds = int(DefaultTopicMaxAge / time.Second)
		}
	}
}

func (f *File) validate() error {
	if *f.GMTOffset < -12 || *f.GMTOffset > 14 {
		return fmt.Errorf("gmt_offset %d is out of range", *f.GMTOffset)
	}
	if f.Scheduler.CheckIntervalMS < 0 {
		return fmt.Errorf("scheduler.check_interval_ms must not be negative")
	}
	if f.Sensors.FlowPulsesPerLiter < 0 {
		return fmt.Errorf("sensors.flow_pulses_per_liter must be positive")
	}

	used := map[int]string{}
	for name, pin := range map[string]int{
		"gpio.pump_forward_pin":  *f.GPIO.PumpForwardPin,
		"gpio.pump_backward_pin": *f.GPIO.PumpBackwardPin,
		"gpio.heatlamp_pin":      *f.GPIO.HeatLampPin,
		"gpio.growlight_pin":     *f.GPIO.GrowLightPin,
		"sensors.flow_pin":       *f.Sensors.FlowPin,
	} {
		if pin == NoPin {
			continue
		}
		if pin < 0 {
			return fmt.Errorf("%s: invalid pin %d", name, pin)
		}
		if other, ok := used[pin]; ok {
			return fmt.Errorf("%s: pin %d is already used by %s", name, pin, other)
		}
		used[pin] = name
	}

	switches := map[string]bool{}
	for _, sw := range f.ZWave.Switches {
		if f.ZWave.Endpoint == "" {
			return fmt.Errorf("zwave.switch %s: zwave.endpoint is not set", sw.Actuator)
		}
		if switches[sw.Actuator] {
			return fmt.Errorf("zwave.switch %s is present multiple times in config", sw.Actuator)
		}
		if sw.Node <= 0 {
			return fmt.Errorf("zwave.switch %s: invalid node %d", sw.Actuator, sw.Node)
		}
		switches[sw.Actuator] = true
	}

	names := map[string]bool{}
	for _, ts := range f.Sensors.Topics {
		if ts.Name == "" || ts.Topic == "" || ts.Field == "" {
			return fmt.Errorf("sensors.topic %q: name, topic and field are required", ts.Name)
		}
		if names[ts.Name] {
			return fmt.Errorf("sensors.topic %s is present multiple times in config", ts.Name)
		}
		names[ts.Name] = true
		switch ts.Transform {
		case "":
		case "water_level":
			if ts.TankDepthCM <= 0 {
				return fmt.Errorf("sensors.topic %s: tank_depth_cm is required for water_level", ts.Name)
			}
		case "adc_percent":
			if ts.ADCDry == ts.ADCWet {
				return fmt.Errorf("sensors.topic %s: adc_dry and adc_wet must differ", ts.Name)
			}
		default:
			return fmt.Errorf("sensors.topic %s: unknown transform %q", ts.Name, ts.Transform)
		}
	}
	return nil
}

// Parse decodes a TOML daemon config, rejecting unknown keys, and fills in
// defaults.
func Parse(r io.Reader) (*File, error) {
	var f File
	dec := toml.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}
	f.applyDefaults()
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func Load(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	f, err := Parse(fh)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return f, nil
}

func (f *File) SchedulerInterval() time.Duration {
	return time.Duration(f.Scheduler.CheckIntervalMS) * time.Millisecond
}

func (f *File) NTPPeriod() time.Duration {
	return time.Duration(f.NTP.PeriodSeconds) * time.Second
}

func (f *File) SensorReadInterval() time.Duration {
	return time.Duration(f.Sensors.ReadIntervalSeconds) * time.Second
}

// BrokerURL returns the MQTT broker address. Server and port saved in the
// Mqtt section of the store take precedence over the file.
func (f *File) BrokerURL(store *Store) string {
	server, ok := store.String(Mqtt, KeyMqttServer)
	if !ok || server == "" {
		return f.MQTT.URL
	}
	port, ok := store.Int(Mqtt, KeyMqttPort)
	if !ok {
		port = 1883
	}
	return fmt.Sprintf("mqtt://%s:%d", server, port)
}

// ZWaveNode returns the z-wave node backing an actuator, if any.
func (f *File) ZWaveNode(actuator string) (int, bool) {
	for _, sw := range f.ZWave.Switches {
		if sw.Actuator == actuator {
			return sw.Node, true
		}
	}
	return 0, false
}
