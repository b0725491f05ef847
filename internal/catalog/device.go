package catalog

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mattjoyce/cmdq/internal/log"
)

// Device is a named on/off switch. Commands act on devices; devices know
// nothing about commands.
type Device struct {
	name   string
	logger *slog.Logger

	mu sync.Mutex
	on bool
}

func NewDevice(name string) *Device {
	return &Device{
		name:   name,
		logger: log.WithComponent("device").With("device", name),
	}
}

func (d *Device) Name() string { return d.name }

func (d *Device) TurnOn() { d.Switch(true) }

func (d *Device) TurnOff() { d.Switch(false) }

// Switch sets the device state and returns the state it replaced.
func (d *Device) Switch(on bool) bool {
	prev := d.set(on)
	if on {
		d.logger.Info("device switched on")
	} else {
		d.logger.Info("device switched off")
	}
	return prev
}

func (d *Device) IsOn() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.on
}

// set stores on and returns the previous state.
func (d *Device) set(on bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.on
	d.on = on
	return prev
}

// DeviceSet holds the devices commands may address, by name.
type DeviceSet struct {
	devices map[string]*Device
}

// NewDeviceSet creates a set with one device per name. All devices start off.
func NewDeviceSet(names ...string) (*DeviceSet, error) {
	s := &DeviceSet{devices: make(map[string]*Device, len(names))}
	for _, n := range names {
		if n == "" {
			return nil, fmt.Errorf("device name is empty")
		}
		if _, dup := s.devices[n]; dup {
			return nil, fmt.Errorf("duplicate device %q", n)
		}
		s.devices[n] = NewDevice(n)
	}
	return s, nil
}

func (s *DeviceSet) Get(name string) (*Device, bool) {
	d, ok := s.devices[name]
	return d, ok
}

// Names returns the device names in sorted order.
func (s *DeviceSet) Names() []string {
	names := make([]string, 0, len(s.devices))
	for n := range s.devices {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// States returns the current on/off state of every device.
func (s *DeviceSet) States() map[string]bool {
	out := make(map[string]bool, len(s.devices))
	for n, d := range s.devices {
		out[n] = d.IsOn()
	}
	return out
}

// Restore sets devices to previously saved states without logging a switch.
// Names not in the set are returned so callers can report them.
func (s *DeviceSet) Restore(states map[string]bool) (unknown []string) {
	for n, on := range states {
		d, ok := s.devices[n]
		if !ok {
			unknown = append(unknown, n)
			continue
		}
		d.set(on)
	}
	sort.Strings(unknown)
	return unknown
}
