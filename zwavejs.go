package farm

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ridge/must/v2"
)

const (
	binarySwitchCC = 0x25
	zwaveCallLimit = 10 * time.Second
)

// ErrConnClosed is returned by calls on a zwave-js connection that has
// terminated.
var ErrConnClosed = errors.New("zwave-js connection closed")

type zwaveRequest struct {
	id      int
	command string
	params  map[string]any
}

// ZWaveConn is a client of the zwave-js-server websocket API.
type ZWaveConn struct {
	c        *websocket.Conn
	mu       sync.Mutex
	nextID   int
	handlers map[int]chan<- map[string]any
	err      error

	eventHandler func(map[string]any)

	reqs chan zwaveRequest
	done chan struct{}
}

// DialZWave connects to a zwave-js-server endpoint, negotiates the API schema
// and starts listening for events. eventHandler may be nil.
func DialZWave(url string, eventHandler func(map[string]any)) (*ZWaveConn, error) {
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}

	var handshake struct {
		MaxSchemaVersion int
	}
	_, data, err := c.ReadMessage()
	if err != nil {
		c.Close()
		return nil, err
	}
	if err := json.Unmarshal(data, &handshake); err != nil {
		c.Close()
		return nil, err
	}

	conn := &ZWaveConn{
		c:            c,
		handlers:     map[int]chan<- map[string]any{},
		reqs:         make(chan zwaveRequest, 100),
		done:         make(chan struct{}),
		eventHandler: eventHandler,
	}

	go conn.terminate(conn.runWrite)
	go conn.terminate(conn.runRead)

	if err := conn.expectSuccess("set_api_schema", map[string]any{"schemaVersion": handshake.MaxSchemaVersion}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set API schema: %w", err)
	}
	if err := conn.expectSuccess("start_listening", nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to start listening to events: %w", err)
	}

	return conn, nil
}

func (c *ZWaveConn) terminate(loop func() error) {
	err := loop()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	if err == nil {
		err = ErrConnClosed
	}
	c.err = err
	close(c.done)
	c.c.Close()
}

// Close tears down the websocket. Pending calls fail with ErrConnClosed.
func (c *ZWaveConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil
	}
	c.err = ErrConnClosed
	close(c.done)
	return c.c.Close()
}

// Err returns the reason the connection terminated, or nil while it is alive.
func (c *ZWaveConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *ZWaveConn) runWrite() error {
	for {
		var req zwaveRequest
		select {
		case req = <-c.reqs:
		case <-c.done:
			return nil
		}

		bb := map[string]any{}
		for k, v := range req.params {
			bb[k] = v
		}
		bb["command"] = req.command
		bb["messageId"] = req.id

		if err := c.c.WriteMessage(websocket.TextMessage, must.OK1(json.Marshal(bb))); err != nil {
			return err
		}
	}
}

func (c *ZWaveConn) runRead() error {
	for {
		_, data, err := c.c.ReadMessage()
		if err != nil {
			return err
		}

		var msg struct {
			Type      string
			MessageID int
			Event     map[string]any
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}

		switch msg.Type {
		case "result":
			c.mu.Lock()
			resCh := c.handlers[msg.MessageID]
			c.mu.Unlock()

			if resCh == nil {
				// Request timed out and the handler was removed
				continue
			}

			var resp map[string]any
			if err := json.Unmarshal(data, &resp); err != nil {
				return err
			}
			resCh <- resp
		case "event":
			if c.eventHandler != nil {
				c.eventHandler(msg.Event)
			}
		default:
			return fmt.Errorf("unexpected message %#v", msg)
		}
	}
}

// Call sends a command and waits for its result message.
func (c *ZWaveConn) Call(command string, params map[string]any) (map[string]any, error) {
	resCh := make(chan map[string]any, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	id := c.nextID
	c.nextID++
	c.handlers[id] = resCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}()

	select {
	case c.reqs <- zwaveRequest{id: id, command: command, params: params}:
	case <-c.done:
		return nil, ErrConnClosed
	}

	select {
	case res := <-resCh:
		return res, nil
	case <-c.done:
		return nil, ErrConnClosed
	case <-time.After(zwaveCallLimit):
		return nil, errors.New("timed out waiting for response")
	}
}

func (c *ZWaveConn) expectSuccess(command string, params map[string]any) error {
	resp, err := c.Call(command, params)
	if err != nil {
		return err
	}
	if ok, _ := resp["success"].(bool); !ok {
		return fmt.Errorf("%s failed: %#v", command, resp)
	}
	return nil
}

// SetBinarySwitch switches a Binary Switch CC node.
func (c *ZWaveConn) SetBinarySwitch(node int, on bool) error {
	return c.expectSuccess("endpoint.invoke_cc_api", map[string]any{
		"nodeId":       node,
		"commandClass": binarySwitchCC,
		"methodName":   "set",
		"args":         []bool{on},
	})
}

// BinarySwitch reads the current value of a Binary Switch CC node.
func (c *ZWaveConn) BinarySwitch(node int) (bool, error) {
	resp, err := c.Call("node.get_value", map[string]any{
		"nodeId": node,
		"valueId": map[string]any{
			"commandClass": binarySwitchCC,
			"property":     "currentValue",
		},
	})
	if err != nil {
		return false, err
	}
	if ok, _ := resp["success"].(bool); !ok {
		return false, fmt.Errorf("node.get_value failed: %#v", resp)
	}
	result, _ := resp["result"].(map[string]any)
	v, ok := result["value"].(bool)
	if !ok {
		return false, fmt.Errorf("node %d has no binary switch value: %#v", node, resp)
	}
	return v, nil
}
