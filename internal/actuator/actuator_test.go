package actuator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dottedmag/farm/internal/gpio"
	"github.com/dottedmag/farm/internal/logger"
)

func TestRelay(t *testing.T) {
	chip := gpio.NewFake()
	r := NewRelay(HeatLamp, KindHeater, gpio.NewRegistry(chip), 21, logger.Nop{})

	require.ErrorIs(t, r.TurnOn(), ErrNotInitialized)

	require.NoError(t, r.Initialize())
	require.True(t, r.Initialized())
	require.False(t, r.State())

	require.NoError(t, r.TurnOn())
	require.True(t, r.State())
	require.Equal(t, 1, chip.Value(21))

	require.NoError(t, Toggle(r))
	require.False(t, r.State())
	require.Equal(t, 0, chip.Value(21))

	require.NoError(t, r.TurnOn())
	require.NoError(t, r.Close())
	require.Equal(t, 0, chip.Value(21))
	require.False(t, chip.Open(21))
	require.False(t, r.State())
}

func TestRelayFailureKeepsState(t *testing.T) {
	chip := gpio.NewFake()
	log := logger.NewMock()
	r := NewRelay(GrowLight, KindLight, gpio.NewRegistry(chip), 17, log)
	require.NoError(t, r.Initialize())

	chip.Fail(17, true)
	require.Error(t, r.TurnOn())
	require.False(t, r.State())
	require.Error(t, Toggle(r), "toggle reports the failed switch")
	require.True(t, log.Contains(logger.LevelError, "Failed to turn GrowLight on"))
}

func TestPumpDirections(t *testing.T) {
	chip := gpio.NewFake()
	p := NewPump(gpio.NewRegistry(chip), 18, 19, logger.Nop{})
	require.NoError(t, p.Initialize())
	require.Equal(t, Pump, p.Name())
	require.Equal(t, KindPump, p.Kind())

	require.NoError(t, p.TurnOn())
	require.Equal(t, 1, chip.Value(18))
	require.Equal(t, 0, chip.Value(19))

	require.NoError(t, p.SetDirection(Backward))
	require.Equal(t, 0, chip.Value(18))
	require.Equal(t, 1, chip.Value(19))

	require.NoError(t, p.TurnOff())
	require.Equal(t, 0, chip.Value(18))
	require.Equal(t, 0, chip.Value(19))

	require.NoError(t, p.Close())
	require.False(t, chip.Open(18))
	require.False(t, chip.Open(19))
}

func TestPumpInitializeReleasesOnFailure(t *testing.T) {
	chip := gpio.NewFake()
	chip.Fail(19, true)
	p := NewPump(gpio.NewRegistry(chip), 18, 19, logger.Nop{})
	require.Error(t, p.Initialize())
	require.False(t, p.Initialized())
	require.False(t, chip.Open(18))
}

type fakePlug struct {
	on   map[int]bool
	fail error
}

func (f *fakePlug) SetBinarySwitch(node int, on bool) error {
	if f.fail != nil {
		return f.fail
	}
	f.on[node] = on
	return nil
}

func (f *fakePlug) BinarySwitch(node int) (bool, error) {
	if f.fail != nil {
		return false, f.fail
	}
	return f.on[node], nil
}

func TestZWaveSwitch(t *testing.T) {
	plug := &fakePlug{on: map[int]bool{7: true}}
	z := NewZWaveSwitch(GrowLight, KindLight, plug, 7, logger.Nop{})

	require.NoError(t, z.Initialize())
	require.False(t, plug.on[7], "initialization switches the plug off")

	require.NoError(t, z.TurnOn())
	require.True(t, plug.on[7])
	require.True(t, z.State())

	plug.fail = errors.New("node is dead")
	require.Error(t, z.TurnOff())
	require.True(t, z.State())

	plug.fail = nil
	require.NoError(t, z.Close())
	require.False(t, plug.on[7])
}
