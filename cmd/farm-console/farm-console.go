package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/dottedmag/tj"
	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/ridge/must/v2"
	"golang.org/x/term"

	"github.com/dottedmag/farm"
)

var keys = map[byte]farm.Command{
	'p': farm.PumpOn,
	'P': farm.PumpOff,
	'l': farm.GrowLightOn,
	'L': farm.GrowLightOff,
	'h': farm.HeatLampOn,
	'H': farm.HeatLampOff,
	'f': farm.FarmOn,
	'F': farm.FarmOff,
	'R': farm.Restart,
}

const help = "p/P pump on/off, l/L grow light on/off, h/H heat lamp on/off, f/F farm on/off, R restart, q quit"

// getKey blocks until a mapped key is pressed. ok is false on quit.
func getKey() (c farm.Command, ok bool) {
	for {
		var b [10]byte
		n, err := os.Stdin.Read(b[:])
		if err != nil {
			panic(err)
		}
		for i := 0; i < n; i++ {
			if b[i] == 0x03 || b[i] == 'q' {
				return 0, false
			}
			if c, ok := keys[b[i]]; ok {
				return c, true
			}
		}
	}
}

func printData(payload []byte) {
	var d map[string]any
	if err := json.Unmarshal(payload, &d); err != nil {
		return
	}
	names := make([]string, 0, len(d))
	for k := range d {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Printf("  %s = %v\r\n", k, d[k])
	}
}

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "Usage: farm-console <mqtt address> <device>\n")
		os.Exit(2)
	}
	topics := farm.TopicsFor(os.Args[2])

	router := paho.NewStandardRouter()
	router.RegisterHandler(topics.Data, func(p *paho.Publish) {
		fmt.Printf("<- data\r\n")
		printData(p.Payload)
	})

	cfg := must.OK1(farm.ClientConfig(os.Args[1], farm.MQTTOptions{
		ClientID:      farm.UniqueClientID("farm-console"),
		Subscriptions: []string{topics.Data},
		Router:        router,
		Logf: func(format string, args ...any) {
			fmt.Printf(format+"\r\n", args...)
		},
	}))

	ctx := context.Background()
	c := must.OK1(autopaho.NewConnection(ctx, cfg))
	must.OK(c.AwaitConnection(ctx))
	defer c.Disconnect(ctx)

	termState := must.OK1(term.MakeRaw(int(os.Stdin.Fd())))
	defer term.Restore(int(os.Stdin.Fd()), termState)

	fmt.Printf("%s\r\n", help)
	for {
		cmd, ok := getKey()
		if !ok {
			return
		}
		payload := must.OK1(json.Marshal(tj.O{"command": int(cmd)}))
		if _, err := c.Publish(ctx, &paho.Publish{Topic: topics.Command, QoS: 1, Payload: payload}); err != nil {
			fmt.Printf("failed to send %s: %v\r\n", cmd, err)
			continue
		}
		fmt.Printf("-> %s\r\n", cmd)
	}
}
