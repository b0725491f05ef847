package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mattjoyce/cmdq/internal/command"
)

// Names of the built-in device commands.
const (
	DeviceOn  = "device.on"
	DeviceOff = "device.off"
)

// SwitchCommand drives a device to a target state. Undo restores whatever
// state the device had before Execute, so undoing "on" for a lamp that was
// already on leaves it on.
type SwitchCommand struct {
	device *Device
	target bool
	prev   bool
}

func NewTurnOn(d *Device) *SwitchCommand  { return &SwitchCommand{device: d, target: true} }
func NewTurnOff(d *Device) *SwitchCommand { return &SwitchCommand{device: d, target: false} }

func (c *SwitchCommand) Execute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.prev = c.device.Switch(c.target)
	return nil
}

func (c *SwitchCommand) Undo(ctx context.Context) error {
	c.device.Switch(c.prev)
	return nil
}

func (c *SwitchCommand) Description() string {
	if c.target {
		return "turn on " + c.device.Name()
	}
	return "turn off " + c.device.Name()
}

type deviceArgs struct {
	Device string `json:"device"`
}

// RegisterDeviceCommands adds device.on and device.off to r. Both take
// {"device": "<name>"}.
func RegisterDeviceCommands(r *Registry, devices *DeviceSet) error {
	build := func(on bool) Factory {
		return func(args json.RawMessage) (command.Command, error) {
			var a deviceArgs
			if len(args) > 0 {
				if err := json.Unmarshal(args, &a); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
				}
			}
			if a.Device == "" {
				return nil, fmt.Errorf("%w: device is required", ErrInvalidArgs)
			}
			d, ok := devices.Get(a.Device)
			if !ok {
				return nil, fmt.Errorf("%w: unknown device %q", ErrInvalidArgs, a.Device)
			}
			if on {
				return NewTurnOn(d), nil
			}
			return NewTurnOff(d), nil
		}
	}

	if err := r.Register(DeviceOn, build(true)); err != nil {
		return err
	}
	return r.Register(DeviceOff, build(false))
}
