package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dottedmag/must"
	"github.com/dottedmag/tj"
	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/dottedmag/farm"
)

func realMain() int {
	if len(os.Args) < 4 {
		fmt.Fprintf(os.Stderr, "Usage: farm-command <mqtt address> <device> <command> [<command>...]\n")
		fmt.Fprintf(os.Stderr, "Commands: %s\n", strings.Join(farm.CommandNames(), ", "))
		return 2
	}

	addr, device := os.Args[1], os.Args[2]
	var commands []farm.Command
	for _, arg := range os.Args[3:] {
		c, err := farm.ParseCommand(arg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 2
		}
		commands = append(commands, c)
	}

	cfg := must.OK1(farm.ClientConfig(addr, farm.MQTTOptions{
		ClientID: farm.UniqueClientID("farm-command"),
		Logf: func(format string, args ...any) {
			fmt.Fprintf(os.Stderr, format+"\n", args...)
		},
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c := must.OK1(autopaho.NewConnection(ctx, cfg))
	must.OK(c.AwaitConnection(ctx))

	topic := farm.TopicsFor(device).Command
	for _, cmd := range commands {
		payload := must.OK1(json.Marshal(tj.O{"command": int(cmd)}))
		must.OK1(c.Publish(ctx, &paho.Publish{Topic: topic, QoS: 1, Payload: payload}))
		fmt.Printf("%s -> %s\n", cmd, topic)
	}

	must.OK(c.Disconnect(ctx))
	return 0
}

func main() {
	os.Exit(realMain())
}
