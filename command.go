package farm

import (
	"fmt"
	"strconv"
)

// Command is a code received on the command topic.
type Command int

const (
	Restart Command = iota
	PumpOn
	PumpOff
	GrowLightOn
	GrowLightOff
	HeatLampOn
	HeatLampOff
	FarmOn
	FarmOff
)

var commandNames = map[Command]string{
	Restart:      "restart",
	PumpOn:       "pump-on",
	PumpOff:      "pump-off",
	GrowLightOn:  "growlight-on",
	GrowLightOff: "growlight-off",
	HeatLampOn:   "heatlamp-on",
	HeatLampOff:  "heatlamp-off",
	FarmOn:       "farm-on",
	FarmOff:      "farm-off",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return "command(" + strconv.Itoa(int(c)) + ")"
}

// Valid reports whether c is a known command code.
func (c Command) Valid() bool {
	_, ok := commandNames[c]
	return ok
}

// ParseCommand accepts either a command name ("pump-on") or its numeric code.
func ParseCommand(s string) (Command, error) {
	for c, name := range commandNames {
		if name == s {
			return c, nil
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("unknown command %q", s)
	}
	if !Command(n).Valid() {
		return 0, fmt.Errorf("unknown command code %d", n)
	}
	return Command(n), nil
}

// CommandNames lists command names in code order.
func CommandNames() []string {
	out := make([]string, 0, len(commandNames))
	for c := Restart; c <= FarmOff; c++ {
		out = append(out, commandNames[c])
	}
	return out
}
