package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dottedmag/must"
	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/dottedmag/farm"
)

type logPacket struct {
	Lines []struct {
		TS    int64  `json:"ts"`
		Level string `json:"level"`
		Msg   string `json:"msg"`
	} `json:"lines"`
	Dropped int `json:"dropped"`
}

func printData(device string, payload []byte) {
	var d map[string]any
	if err := json.Unmarshal(payload, &d); err != nil {
		fmt.Printf("%s: bad data message: %v\n", device, err)
		return
	}
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s: %s = %v\n", device, k, d[k])
	}
}

func printLog(device string, payload []byte) {
	var p logPacket
	if err := json.Unmarshal(payload, &p); err != nil {
		fmt.Printf("%s: bad log message: %v\n", device, err)
		return
	}
	if p.Dropped > 0 {
		fmt.Printf("%s: (%d lines dropped)\n", device, p.Dropped)
	}
	for _, l := range p.Lines {
		ts := time.Unix(l.TS, 0).UTC().Format(time.DateTime)
		fmt.Printf("%s: %s %s: %s\n", device, ts, l.Level, l.Msg)
	}
}

func realMain() int {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Usage: watch-farm <mqtt address> <device> [<device>...]\n")
		return 2
	}

	mqttAddr := os.Args[1]
	devices := os.Args[2:]

	router := paho.NewStandardRouter()
	var subscriptions []string
	for _, device := range devices {
		topics := farm.TopicsFor(device)
		router.RegisterHandler(topics.Data, func(p *paho.Publish) {
			printData(device, p.Payload)
		})
		router.RegisterHandler(topics.Log, func(p *paho.Publish) {
			printLog(device, p.Payload)
		})
		subscriptions = append(subscriptions, topics.Data, topics.Log)
	}

	cfg := must.OK1(farm.ClientConfig(mqttAddr, farm.MQTTOptions{
		ClientID:      farm.UniqueClientID("watch-farm"),
		Subscriptions: subscriptions,
		Router:        router,
		Logf: func(format string, args ...any) {
			fmt.Printf(format+"\n", args...)
		},
	}))

	ctx := context.Background()
	c := must.OK1(autopaho.NewConnection(ctx, cfg))
	must.OK(c.AwaitConnection(ctx))

	<-c.Done()
	return 0
}

func main() {
	os.Exit(realMain())
}
