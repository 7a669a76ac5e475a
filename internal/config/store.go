package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/dottedmag/farm/internal/logger"
)

// Section names a group of runtime keys. Each section is persisted to its
// own JSON file.
type Section string

const (
	Data      Section = "data"
	System    Section = "system"
	Command   Section = "command"
	Mqtt      Section = "mqtt"
	Passwords Section = "passwords"
)

var Sections = []Section{Data, System, Command, Mqtt, Passwords}

// Strategy parameters, System section.
const (
	KeyPumpIntervalDays  = "pump_interval_days"
	KeyPumpStart         = "pump_start"
	KeyPumpVolumeML      = "pump_volume_ml"
	KeyPumpMinWaterLevel = "pump_min_water_level"

	KeyHeatLampTargetTemp    = "heatlamp_target_temp"
	KeyHeatLampHysteresis    = "heatlamp_hysteresis"
	KeyHeatLampCheckInterval = "heatlamp_check_interval"

	KeyGrowLightOn  = "growlight_on"
	KeyGrowLightOff = "growlight_off"
)

// Other well-known keys.
const (
	KeyCommand = "command" // Command section

	KeyMqttServer = "server" // Mqtt section
	KeyMqttPort   = "port"

	KeyWebUser     = "web_user" // Passwords section
	KeyWebPassword = "web_password"
)

func defaults(sec Section) map[string]any {
	switch sec {
	case System:
		return map[string]any{
			KeyPumpIntervalDays:      1.0,
			KeyPumpStart:             "08:00",
			KeyPumpVolumeML:          500.0,
			KeyPumpMinWaterLevel:     5.0,
			KeyHeatLampTargetTemp:    25.0,
			KeyHeatLampHysteresis:    2.0,
			KeyHeatLampCheckInterval: 30.0,
			KeyGrowLightOn:           "08:00",
			KeyGrowLightOff:          "20:00",
		}
	}
	return map[string]any{}
}

// Store is the runtime key-value configuration. Values are JSON scalars.
type Store struct {
	dir string // "" keeps the store in memory
	log logger.Logger

	mu     sync.RWMutex
	values map[Section]map[string]any
}

func NewStore(dir string, log logger.Logger) *Store {
	s := &Store{dir: dir, log: log, values: map[Section]map[string]any{}}
	for _, sec := range Sections {
		s.values[sec] = defaults(sec)
	}
	return s
}

// Dir is where sections are saved; "" for an in-memory store.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(sec Section) string {
	return filepath.Join(s.dir, string(sec)+".json")
}

// Load reads every section from disk. Missing files leave defaults in place;
// unreadable ones are reported and replaced by defaults.
func (s *Store) Load() error {
	if s.dir == "" {
		return nil
	}
	var errs []error
	for _, sec := range Sections {
		data, err := os.ReadFile(s.path(sec))
		if errors.Is(err, fs.ErrNotExist) {
			s.log.Info("No saved %s config, using defaults", sec)
			continue
		}
		if err == nil {
			var values map[string]any
			if err = json.Unmarshal(data, &values); err == nil {
				s.mu.Lock()
				merged := defaults(sec)
				maps.Copy(merged, values)
				s.values[sec] = merged
				s.mu.Unlock()
				continue
			}
		}
		errs = append(errs, fmt.Errorf("failed to load %s config: %w", sec, err))
	}
	return errors.Join(errs...)
}

// Save writes a section to disk, replacing the previous file atomically.
func (s *Store) Save(sec Section) error {
	if s.dir == "" {
		return nil
	}
	data, err := s.JSON(sec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	perm := os.FileMode(0o644)
	if sec == Passwords {
		perm = 0o600
	}
	tmp := s.path(sec) + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("failed to save %s config: %w", sec, err)
	}
	if err := os.Rename(tmp, s.path(sec)); err != nil {
		return fmt.Errorf("failed to save %s config: %w", sec, err)
	}
	return nil
}

func (s *Store) Has(sec Section, key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[sec][key]
	return ok
}

func (s *Store) Get(sec Section, key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[sec][key]
	return v, ok
}

func (s *Store) Set(sec Section, key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values[sec] == nil {
		s.values[sec] = map[string]any{}
	}
	s.values[sec][key] = value
}

func (s *Store) Delete(sec Section, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values[sec], key)
}

// Float returns a numeric value. Numeric strings are accepted.
func (s *Store) Float(sec Section, key string) (float32, bool) {
	v, ok := s.Get(sec, key)
	if !ok {
		return 0, false
	}
	switch v := v.(type) {
	case float64:
		return float32(v), true
	case float32:
		return v, true
	case int:
		return float32(v), true
	case int64:
		return float32(v), true
	case string:
		f, err := strconv.ParseFloat(v, 32)
		return float32(f), err == nil
	}
	return 0, false
}

func (s *Store) Int(sec Section, key string) (int, bool) {
	v, ok := s.Get(sec, key)
	if !ok {
		return 0, false
	}
	switch v := v.(type) {
	case float64:
		return int(v), v == float64(int(v))
	case float32:
		return int(v), v == float32(int(v))
	case int:
		return v, true
	case int64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

func (s *Store) String(sec Section, key string) (string, bool) {
	v, ok := s.Get(sec, key)
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

func (s *Store) Bool(sec Section, key string) (bool, bool) {
	v, ok := s.Get(sec, key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Merge sets every key of a JSON object.
func (s *Store) Merge(sec Section, data []byte) error {
	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("failed to parse %s update: %w", sec, err)
	}
	if values == nil {
		return fmt.Errorf("%s update is not a JSON object", sec)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values[sec] == nil {
		s.values[sec] = map[string]any{}
	}
	maps.Copy(s.values[sec], values)
	return nil
}

// Snapshot returns a copy of a section.
func (s *Store) Snapshot(sec Section) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values[sec])
}

func (s *Store) JSON(sec Section) ([]byte, error) {
	return json.Marshal(s.Snapshot(sec))
}
