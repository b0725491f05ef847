package catalog

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/cmdq/internal/command"
)

func newTestRegistry(t *testing.T, names ...string) (*Registry, *DeviceSet) {
	t.Helper()
	devices, err := NewDeviceSet(names...)
	require.NoError(t, err)
	r := NewRegistry()
	require.NoError(t, RegisterDeviceCommands(r, devices))
	return r, devices
}

func TestDeviceSetRejectsDuplicates(t *testing.T) {
	_, err := NewDeviceSet("lamp", "lamp")
	require.Error(t, err)

	_, err = NewDeviceSet("")
	require.Error(t, err)
}

func TestDeviceSetNamesSorted(t *testing.T) {
	s, err := NewDeviceSet("tv", "lamp", "fan")
	require.NoError(t, err)
	assert.Equal(t, []string{"fan", "lamp", "tv"}, s.Names())
	assert.Equal(t, map[string]bool{"fan": false, "lamp": false, "tv": false}, s.States())
}

func TestRegistryBuildDeviceCommands(t *testing.T) {
	r, devices := newTestRegistry(t, "lamp")
	lamp, _ := devices.Get("lamp")
	ctx := context.Background()

	assert.Equal(t, []string{DeviceOff, DeviceOn}, r.Names())

	on, err := r.Build(DeviceOn, json.RawMessage(`{"device":"lamp"}`))
	require.NoError(t, err)
	assert.Equal(t, "turn on lamp", on.Description())

	require.NoError(t, on.Execute(ctx))
	assert.True(t, lamp.IsOn())

	off, err := r.Build(DeviceOff, json.RawMessage(`{"device":"lamp"}`))
	require.NoError(t, err)
	require.NoError(t, off.Execute(ctx))
	assert.False(t, lamp.IsOn())

	require.NoError(t, off.Undo(ctx))
	assert.True(t, lamp.IsOn())
	require.NoError(t, on.Undo(ctx))
	assert.False(t, lamp.IsOn())
}

func TestSwitchUndoRestoresPriorState(t *testing.T) {
	d := NewDevice("lamp")
	d.TurnOn()

	c := NewTurnOn(d)
	require.NoError(t, c.Execute(context.Background()))
	require.NoError(t, c.Undo(context.Background()))
	assert.True(t, d.IsOn(), "undo of a no-op switch keeps the prior state")
}

func TestSwitchRecordsStateItReplaced(t *testing.T) {
	d := NewDevice("lamp")
	cmds := make([]*SwitchCommand, 200)
	for i := range cmds {
		if i%2 == 0 {
			cmds[i] = NewTurnOn(d)
		} else {
			cmds[i] = NewTurnOff(d)
		}
	}

	var wg sync.WaitGroup
	for _, c := range cmds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Execute(context.Background())
		}()
	}
	wg.Wait()

	// Each real transition belongs to exactly one command, so the net count
	// of off-to-on minus on-to-off equals the final state.
	net := 0
	for _, c := range cmds {
		switch {
		case c.target && !c.prev:
			net++
		case !c.target && c.prev:
			net--
		}
	}
	want := 0
	if d.IsOn() {
		want = 1
	}
	assert.Equal(t, want, net)
}

func TestSwitchExecuteHonorsCancelledContext(t *testing.T) {
	d := NewDevice("lamp")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, NewTurnOn(d).Execute(ctx), context.Canceled)
	assert.False(t, d.IsOn())
}

func TestRegistryBuildErrors(t *testing.T) {
	r, _ := newTestRegistry(t, "lamp")

	_, err := r.Build("device.toggle", nil)
	require.ErrorIs(t, err, ErrUnknownCommand)

	for _, args := range []string{``, `{}`, `{"device":"tv"}`, `not json`} {
		_, err := r.Build(DeviceOn, json.RawMessage(args))
		require.ErrorIs(t, err, ErrInvalidArgs, "args %q", args)
	}
}

func TestRegistryRegisterValidation(t *testing.T) {
	r := NewRegistry()
	noop := func(json.RawMessage) (command.Command, error) { return command.NewFunc("noop", nil, nil), nil }

	require.Error(t, r.Register("", noop))
	require.Error(t, r.Register("x", nil))
	require.NoError(t, r.Register("x", noop))
	require.Error(t, r.Register("x", noop))
}

func TestDeviceSetRestore(t *testing.T) {
	devices, err := NewDeviceSet("lamp", "fan")
	require.NoError(t, err)

	unknown := devices.Restore(map[string]bool{"lamp": true, "kettle": true, "heater": false})
	assert.Equal(t, []string{"heater", "kettle"}, unknown)
	assert.Equal(t, map[string]bool{"lamp": true, "fan": false}, devices.States())
}
