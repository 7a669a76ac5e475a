package actuator

import (
	"fmt"

	"github.com/dottedmag/farm/internal/logger"
)

// BinarySwitcher is the part of a zwave-js connection used by ZWaveSwitch.
type BinarySwitcher interface {
	SetBinarySwitch(node int, on bool) error
	BinarySwitch(node int) (bool, error)
}

// ZWaveSwitch is an actuator plugged into a z-wave smart plug.
type ZWaveSwitch struct {
	base
	conn BinarySwitcher
	node int
}

func NewZWaveSwitch(name, kind string, conn BinarySwitcher, node int, log logger.Logger) *ZWaveSwitch {
	z := &ZWaveSwitch{conn: conn, node: node}
	z.init(name, kind, log)
	return z
}

// Initialize switches the plug off, so that the farm starts de-energized as
// with GPIO actuators.
func (z *ZWaveSwitch) Initialize() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.initialized {
		return nil
	}
	if _, err := z.conn.BinarySwitch(z.node); err != nil {
		return fmt.Errorf("failed to initialize %s (z-wave node %d): %w", z.name, z.node, err)
	}
	if err := z.conn.SetBinarySwitch(z.node, false); err != nil {
		return fmt.Errorf("failed to initialize %s (z-wave node %d): %w", z.name, z.node, err)
	}
	z.initialized = true
	z.on = false
	z.log.Info("%s initialized on z-wave node %d", z.name, z.node)
	return nil
}

func (z *ZWaveSwitch) drive(on bool) error {
	return z.conn.SetBinarySwitch(z.node, on)
}

func (z *ZWaveSwitch) TurnOn() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.set(true, z.drive)
}

func (z *ZWaveSwitch) TurnOff() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.set(false, z.drive)
}

func (z *ZWaveSwitch) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if !z.initialized {
		return nil
	}
	err := z.conn.SetBinarySwitch(z.node, false)
	z.initialized = false
	z.on = false
	z.state.Set(0)
	return err
}

var _ Actuator = (*ZWaveSwitch)(nil)
