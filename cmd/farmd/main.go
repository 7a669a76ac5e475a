// farmd runs a greenhouse farm: sensors, actuators, their strategies and
// the MQTT and HTTP surfaces.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dottedmag/farm/internal/config"
)

var version = "dev"

var (
	configFile string
	fakeGPIO   bool

	rootCmd = &cobra.Command{
		Use:           "farmd",
		Short:         "Greenhouse farm controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the controller",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configFile, fakeGPIO)
		},
	}

	checkConfigCmd = &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			printConfig(cmd, cfg)
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("farmd " + version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/farm/farmd.toml", "configuration file path")
	runCmd.Flags().BoolVar(&fakeGPIO, "fake-gpio", false, "drive an in-memory GPIO chip instead of hardware")
	rootCmd.AddCommand(runCmd, checkConfigCmd, versionCmd)
}

func printConfig(cmd *cobra.Command, cfg *config.File) {
	cmd.Printf("device:    %s (GMT%+d)\n", cfg.DeviceID, *cfg.GMTOffset)
	cmd.Printf("data dir:  %s\n", orNone(cfg.DataDir))
	cmd.Printf("ntp:       %s every %v\n", cfg.NTP.Server, cfg.NTPPeriod())
	cmd.Printf("mqtt:      %s\n", orNone(cfg.MQTT.URL))
	cmd.Printf("gpio:      %s pump %d/%d heat lamp %d grow light %d flow %d\n", cfg.GPIO.Chip,
		*cfg.GPIO.PumpForwardPin, *cfg.GPIO.PumpBackwardPin, *cfg.GPIO.HeatLampPin, *cfg.GPIO.GrowLightPin, *cfg.Sensors.FlowPin)
	for _, sw := range cfg.ZWave.Switches {
		cmd.Printf("zwave:     %s on node %d via %s\n", sw.Actuator, sw.Node, cfg.ZWave.Endpoint)
	}
	for _, ts := range cfg.Sensors.Topics {
		cmd.Printf("sensor:    %s <- %s %s\n", ts.Name, ts.Topic, ts.Field)
	}
	cmd.Printf("http:      %s\n", orNone(cfg.HTTP.Listen))
	cmd.Printf("history:   %s\n", orNone(cfg.History.Path))
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := rootCmd.ExecuteContext(ctx)
	if errors.Is(err, errRestart) {
		err = reexec()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
}
