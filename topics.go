package farm

// DefaultDeviceID is used when the daemon config leaves device_id empty.
const DefaultDeviceID = "farm001"

// Topics is the set of MQTT topics of a single farm.
type Topics struct {
	Data    string
	Config  string
	Command string
	Log     string
}

func TopicsFor(deviceID string) Topics {
	if deviceID == "" {
		deviceID = DefaultDeviceID
	}
	base := "/" + deviceID
	return Topics{
		Data:    base + "/data",
		Config:  base + "/config",
		Command: base + "/command",
		Log:     base + "/log",
	}
}
