package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dottedmag/farm"
	"github.com/dottedmag/farm/internal/clock"
	"github.com/dottedmag/farm/internal/config"
	"github.com/dottedmag/farm/internal/control"
	"github.com/dottedmag/farm/internal/gpio"
	"github.com/dottedmag/farm/internal/history"
	"github.com/dottedmag/farm/internal/logger"
	"github.com/dottedmag/farm/internal/network"
	"github.com/dottedmag/farm/internal/scheduler"
	"github.com/dottedmag/farm/internal/sensor"
	"github.com/dottedmag/farm/internal/web"
)

// errRestart asks main to re-execute the binary once everything is shut
// down.
var errRestart = errors.New("restart requested")

const (
	defaultRetention = 30 * 24 * time.Hour
	logFlushInterval = 500 * time.Millisecond
)

func clockFor(cfg *config.File, log logger.Logger) (clock.Source, func(context.Context)) {
	if cfg.NTP.Server == config.SystemClock {
		return clock.System{}, nil
	}
	ntp := clock.NewNTP(cfg.NTP.Server, cfg.NTPPeriod(), log)
	return ntp, ntp.Run
}

func transformFor(ts config.TopicSensor) func(float64) float32 {
	switch ts.Transform {
	case "water_level":
		return sensor.WaterLevelPercent(ts.TankDepthCM)
	case "adc_percent":
		return sensor.ADCPercent(ts.ADCDry, ts.ADCWet)
	}
	return nil
}

func buildSensors(cfg *config.File, registry *gpio.Registry, store *config.Store, log logger.Logger) (*sensor.Manager, error) {
	m := sensor.NewManager(store, log)
	if *cfg.Sensors.FlowPin != config.NoPin {
		if err := m.Add(sensor.NewFlowMeter(registry, *cfg.Sensors.FlowPin, cfg.Sensors.FlowPulsesPerLiter)); err != nil {
			return nil, err
		}
	}
	for _, ts := range cfg.Sensors.Topics {
		s := sensor.NewTopicSensor(sensor.TopicOptions{
			Name:      ts.Name,
			Key:       ts.Key,
			Topic:     ts.Topic,
			Field:     ts.Field,
			MaxAge:    time.Duration(ts.MaxAgeSeconds) * time.Second,
			Transform: transformFor(ts),
		})
		if err := m.Add(s); err != nil {
			return nil, err
		}
	}
	if err := m.Initialize(); err != nil {
		log.Warning("Running without the sensors that failed to initialize")
	}
	return m, nil
}

func openChip(cfg *config.File, fake bool) (gpio.Chip, error) {
	if fake {
		return gpio.NewFake(), nil
	}
	return gpio.OpenChip(cfg.GPIO.Chip)
}

func run(ctx context.Context, path string, fakeGPIO bool) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	topics := farm.TopicsFor(cfg.DeviceID)

	log.SetFlags(log.LstdFlags | log.LUTC)
	sink := logger.NewMQTTSink(topics.Log, level)
	lg := logger.Multi{logger.NewStd(log.Default(), level), sink}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	goRun := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}

	store := config.NewStore(cfg.DataDir, lg)
	if err := store.Load(); err != nil {
		return err
	}

	clk, syncClock := clockFor(cfg, lg)
	if syncClock != nil {
		goRun(syncClock)
	}

	sched := scheduler.New(clk, lg)
	if err := sched.Initialize(*cfg.GMTOffset); err != nil {
		return err
	}
	if err := sched.StartTask(cfg.SchedulerInterval()); err != nil {
		return err
	}
	defer sched.Close()

	chip, err := openChip(cfg, fakeGPIO)
	if err != nil {
		return err
	}
	registry := gpio.NewRegistry(chip)
	defer registry.Close()

	sensors, err := buildSensors(cfg, registry, store, lg)
	if err != nil {
		return fmt.Errorf("failed to set up sensors: %w", err)
	}
	defer sensors.Close()

	var hist *history.DB
	if cfg.History.Path != "" {
		hist, err = history.Open(cfg.History.Path)
		if err != nil {
			return err
		}
		defer hist.Close()
		sensors.SetRecorder(hist)
		retention := defaultRetention
		if cfg.History.RetentionDays > 0 {
			retention = time.Duration(cfg.History.RetentionDays) * 24 * time.Hour
		}
		goRun(func(ctx context.Context) { hist.Run(ctx, retention, lg) })
	}

	opts := control.Options{
		Scheduler:  sched,
		Store:      store,
		Sensors:    sensors,
		Registry:   registry,
		Pins:       control.PinsFrom(cfg),
		ZWaveNodes: control.ZWaveNodesFrom(cfg),
		Log:        lg,
	}
	if cfg.ZWave.Endpoint != "" {
		zw, err := farm.DialZWave(cfg.ZWave.Endpoint, func(event map[string]any) {
			lg.Debug("Z-Wave event: %v", event)
		})
		if err != nil {
			return err
		}
		defer zw.Close()
		opts.ZWave = zw
	}

	var restart atomic.Bool
	opts.Restart = func() {
		restart.Store(true)
		cancel()
	}
	ctl := control.New(opts)
	defer ctl.Close()
	goRun(func(ctx context.Context) { ctl.Run(ctx, control.DefaultCheckInterval) })

	if broker := cfg.BrokerURL(store); broker != "" {
		mq, err := network.New(network.Options{
			BrokerURL: broker,
			ClientID:  cfg.MQTT.ClientID,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
			Topics:    topics,
			Store:     store,
			Control:   ctl,
			Sensors:   sensors,
			Log:       lg,
		})
		if err != nil {
			return err
		}
		sensors.SetPublisher(mq)
		sink.Attach(mq)
		goRun(func(ctx context.Context) {
			if err := mq.Run(ctx); err != nil {
				lg.Error("%v", err)
			}
		})
		goRun(func(ctx context.Context) { sink.Run(ctx, logFlushInterval) })
	} else {
		lg.Warning("No MQTT broker configured, running without remote control")
	}

	if cfg.HTTP.Listen != "" {
		srv := web.NewServer(web.Options{
			Control: ctl,
			Store:   store,
			History: historyOrNil(hist),
			Log:     lg,
		})
		goRun(func(ctx context.Context) {
			if err := srv.Run(ctx, cfg.HTTP.Listen); err != nil {
				lg.Error("Status plane stopped: %v", err)
			}
		})
	}

	goRun(func(ctx context.Context) { sensors.Run(ctx, cfg.SensorReadInterval()) })

	lg.Info("Farm %s started", cfg.DeviceID)
	<-ctx.Done()
	lg.Info("Shutting down")
	wg.Wait()

	if restart.Load() {
		return errRestart
	}
	return nil
}

// historyOrNil keeps a nil *history.DB from turning into a non-nil
// interface.
func historyOrNil(db *history.DB) web.History {
	if db == nil {
		return nil
	}
	return db
}

func reexec() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to restart: %w", err)
	}
	return fmt.Errorf("failed to restart: %w", syscall.Exec(exe, os.Args, os.Environ()))
}
