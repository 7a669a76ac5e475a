package main

import (
	"fmt"
	"time"

	"github.com/dottedmag/tj"

	farmconfig "github.com/dottedmag/farm/internal/config"
)

type config struct {
	Broker     string            `toml:"broker"`
	Device     string            `toml:"device"`
	Irrigation *configIrrigation `toml:"irrigation"`
	Heating    *configHeating    `toml:"heating"`
	Lighting   *configLighting   `toml:"lighting"`
}

type configIrrigation struct {
	IntervalDays  *int     `toml:"interval_days"`
	Start         *string  `toml:"start"`
	VolumeML      *float64 `toml:"volume_ml"`
	MinWaterLevel *float64 `toml:"min_water_level"`
}

type configHeating struct {
	TargetTemp           *float64 `toml:"target_temp"`
	Hysteresis           *float64 `toml:"hysteresis"`
	CheckIntervalSeconds *int     `toml:"check_interval_seconds"`
}

type configLighting struct {
	On  *string `toml:"on"`
	Off *string `toml:"off"`
}

func checkTimeOfDay(key, v string) error {
	if _, err := time.Parse("15:04", v); err == nil {
		return nil
	}
	if _, err := time.Parse("15:04:05", v); err == nil {
		return nil
	}
	return fmt.Errorf("%s: %q is not a time of day, expected HH:MM", key, v)
}

// parseConfig turns the strategy sections into the keys of the farm's
// System section. Only parameters present in the file are sent.
func parseConfig(c config) (tj.O, error) {
	out := tj.O{}

	if irr := c.Irrigation; irr != nil {
		if irr.IntervalDays != nil {
			if *irr.IntervalDays < 1 {
				return nil, fmt.Errorf("irrigation.interval_days must be at least 1, got %d", *irr.IntervalDays)
			}
			out[farmconfig.KeyPumpIntervalDays] = *irr.IntervalDays
		}
		if irr.Start != nil {
			if err := checkTimeOfDay("irrigation.start", *irr.Start); err != nil {
				return nil, err
			}
			out[farmconfig.KeyPumpStart] = *irr.Start
		}
		if irr.VolumeML != nil {
			if *irr.VolumeML <= 0 {
				return nil, fmt.Errorf("irrigation.volume_ml must be positive, got %v", *irr.VolumeML)
			}
			out[farmconfig.KeyPumpVolumeML] = *irr.VolumeML
		}
		if irr.MinWaterLevel != nil {
			if *irr.MinWaterLevel < 0 || *irr.MinWaterLevel > 100 {
				return nil, fmt.Errorf("irrigation.min_water_level must be a percentage, got %v", *irr.MinWaterLevel)
			}
			out[farmconfig.KeyPumpMinWaterLevel] = *irr.MinWaterLevel
		}
	}

	if h := c.Heating; h != nil {
		if h.TargetTemp != nil {
			out[farmconfig.KeyHeatLampTargetTemp] = *h.TargetTemp
		}
		if h.Hysteresis != nil {
			if *h.Hysteresis < 0 {
				return nil, fmt.Errorf("heating.hysteresis must not be negative, got %v", *h.Hysteresis)
			}
			out[farmconfig.KeyHeatLampHysteresis] = *h.Hysteresis
		}
		if h.CheckIntervalSeconds != nil {
			if *h.CheckIntervalSeconds < 1 {
				return nil, fmt.Errorf("heating.check_interval_seconds must be at least 1, got %d", *h.CheckIntervalSeconds)
			}
			out[farmconfig.KeyHeatLampCheckInterval] = *h.CheckIntervalSeconds
		}
	}

	if l := c.Lighting; l != nil {
		if l.On != nil {
			if err := checkTimeOfDay("lighting.on", *l.On); err != nil {
				return nil, err
			}
			out[farmconfig.KeyGrowLightOn] = *l.On
		}
		if l.Off != nil {
			if err := checkTimeOfDay("lighting.off", *l.Off); err != nil {
				return nil, err
			}
			out[farmconfig.KeyGrowLightOff] = *l.Off
		}
		if l.On != nil && l.Off != nil && *l.On == *l.Off {
			return nil, fmt.Errorf("lighting.on and lighting.off are both %s", *l.On)
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no strategy parameters in config")
	}
	return out, nil
}
