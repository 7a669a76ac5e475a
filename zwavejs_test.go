package farm

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeZWave speaks just enough of the zwave-js-server protocol to drive
// binary switches.
type fakeZWave struct {
	mu       sync.Mutex
	switches map[int]bool
	commands []string
}

func (f *fakeZWave) result(msg map[string]any) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd, _ := msg["command"].(string)
	f.commands = append(f.commands, cmd)
	res := map[string]any{"type": "result", "messageId": msg["messageId"], "success": true}
	node := int(msg["nodeId"].(float64))
	switch cmd {
	case "endpoint.invoke_cc_api":
		f.switches[node] = msg["args"].([]any)[0].(bool)
	case "node.get_value":
		v, ok := f.switches[node]
		if !ok {
			res["success"] = false
			break
		}
		res["result"] = map[string]any{"value": v}
	}
	return res
}

func (f *fakeZWave) serve(t *testing.T) string {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		if err := c.WriteJSON(map[string]any{"type": "version", "maxSchemaVersion": 35}); err != nil {
			return
		}
		for {
			var msg map[string]any
			if err := c.ReadJSON(&msg); err != nil {
				return
			}
			if _, ok := msg["nodeId"]; !ok {
				msg["nodeId"] = 0.0
			}
			if err := c.WriteJSON(f.result(msg)); err != nil {
				return
			}
			if msg["command"] == "start_listening" {
				event := map[string]any{"type": "event", "event": map[string]any{"source": "controller", "event": "inclusion stopped"}}
				if err := c.WriteJSON(event); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestZWaveBinarySwitch(t *testing.T) {
	fake := &fakeZWave{switches: map[int]bool{}}
	events := make(chan map[string]any, 1)
	conn, err := DialZWave(fake.serve(t), func(ev map[string]any) {
		events <- ev
	})
	require.NoError(t, err)
	defer conn.Close()

	require.Equal(t, "controller", (<-events)["source"])

	_, err = conn.BinarySwitch(4)
	require.Error(t, err)

	require.NoError(t, conn.SetBinarySwitch(4, true))
	on, err := conn.BinarySwitch(4)
	require.NoError(t, err)
	require.True(t, on)

	require.NoError(t, conn.SetBinarySwitch(4, false))
	on, err = conn.BinarySwitch(4)
	require.NoError(t, err)
	require.False(t, on)

	fake.mu.Lock()
	require.Equal(t, []string{"set_api_schema", "start_listening", "node.get_value",
		"endpoint.invoke_cc_api", "node.get_value", "endpoint.invoke_cc_api", "node.get_value"}, fake.commands)
	fake.mu.Unlock()
}

func TestZWaveClosed(t *testing.T) {
	fake := &fakeZWave{switches: map[int]bool{}}
	conn, err := DialZWave(fake.serve(t), nil)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.ErrorIs(t, conn.Err(), ErrConnClosed)
	require.ErrorIs(t, conn.SetBinarySwitch(1, true), ErrConnClosed)
}
