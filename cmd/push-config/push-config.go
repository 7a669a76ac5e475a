package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/pelletier/go-toml/v2"

	"github.com/dottedmag/farm"
)

func main() {
	log.SetFlags(log.LUTC)

	if len(os.Args) != 2 {
		log.Printf("Usage: push-config <config-file>")
		os.Exit(2)
	}

	fh, err := os.Open(os.Args[1])
	if err != nil {
		log.Printf("FATAL: Failed to open config file %s: %v", os.Args[1], err)
		os.Exit(1)
	}
	defer fh.Close()

	var config config
	dec := toml.NewDecoder(fh)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&config); err != nil {
		log.Printf("FATAL: Failed to parse config file %s: %v", os.Args[1], err)
		os.Exit(1)
	}

	params, err := parseConfig(config)
	if err != nil {
		log.Printf("FATAL: Failed to parse config file %s: %v", os.Args[1], err)
		os.Exit(1)
	}
	if config.Broker == "" || config.Device == "" {
		log.Printf("FATAL: broker and device must be set in %s", os.Args[1])
		os.Exit(1)
	}

	cfg, err := farm.ClientConfig(config.Broker, farm.MQTTOptions{
		ClientID: farm.UniqueClientID("push-config"),
		Logf: func(format string, args ...any) {
			log.Printf("WARN: MQTT: "+format, args...)
		},
	})
	if err != nil {
		log.Printf("FATAL: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		log.Printf("FATAL: Failed to connect to %s: %v", config.Broker, err)
		os.Exit(1)
	}
	if err := c.AwaitConnection(ctx); err != nil {
		log.Printf("FATAL: Failed to connect to %s: %v", config.Broker, err)
		os.Exit(1)
	}
	defer c.Disconnect(context.Background())

	payload, err := json.Marshal(params)
	if err != nil {
		log.Printf("FATAL: %v", err)
		os.Exit(1)
	}
	topic := farm.TopicsFor(config.Device).Config
	if _, err := c.Publish(ctx, &paho.Publish{Topic: topic, QoS: 1, Payload: payload}); err != nil {
		log.Printf("FATAL: Failed to publish to %s: %v", topic, err)
		os.Exit(1)
	}
	for k, v := range params {
		log.Printf("INFO: %s = %v", k, v)
	}
	log.Printf("INFO: Sent %d parameters to %s", len(params), topic)
}
