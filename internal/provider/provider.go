// Package provider discovers devices from sources other than the coprocessor
// and reports their presence.
package provider

import (
	"sync"

	"znp-host/internal/events"
)

// Device is a device seen by a provider.
type Device struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Online bool   `json:"online"`
}

// Delegate receives device notifications from a provider.
type Delegate interface {
	OnNewDevice(d Device)
	OnDeviceChanged(d Device)
}

// Provider is a source of devices.
type Provider interface {
	ListDevices() []Device
	GetDevice(id string) (Device, bool)
	// SetDelegate installs d and replays every known device to it as new.
	SetDelegate(d Delegate)
	Close() error
}

// Registry is the thread-safe device set shared by the providers.
// Delegate callbacks run outside the registry lock.
type Registry struct {
	mu       sync.Mutex
	devices  []Device
	delegate Delegate
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// ListDevices returns the devices in discovery order.
func (r *Registry) ListDevices() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Device(nil), r.devices...)
}

// GetDevice looks a device up by ID.
func (r *Registry) GetDevice(id string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.devices {
		if d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}

// Len returns the number of known devices.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// SetDelegate installs d and replays known devices as new.
func (r *Registry) SetDelegate(d Delegate) {
	r.mu.Lock()
	r.delegate = d
	known := append([]Device(nil), r.devices...)
	r.mu.Unlock()
	if d == nil {
		return
	}
	for _, dev := range known {
		d.OnNewDevice(dev)
	}
}

// Upsert records dev. An unknown ID is announced as new; a known ID whose
// online state or name changed is announced as changed. Otherwise nothing is
// reported.
func (r *Registry) Upsert(dev Device) {
	r.mu.Lock()
	delegate := r.delegate
	idx := -1
	for i, d := range r.devices {
		if d.ID == dev.ID {
			idx = i
			break
		}
	}
	switch {
	case idx < 0:
		r.devices = append(r.devices, dev)
		r.mu.Unlock()
		if delegate != nil {
			delegate.OnNewDevice(dev)
		}
	case r.devices[idx] != dev:
		r.devices[idx] = dev
		r.mu.Unlock()
		if delegate != nil {
			delegate.OnDeviceChanged(dev)
		}
	default:
		r.mu.Unlock()
	}
}

// NotifyChanged reports a provider-level status such as a lost connection
// without recording it as a device.
func (r *Registry) NotifyChanged(dev Device) {
	r.mu.Lock()
	delegate := r.delegate
	r.mu.Unlock()
	if delegate != nil {
		delegate.OnDeviceChanged(dev)
	}
}

// DeviceEvent is the payload of device events on the bus.
type DeviceEvent struct {
	Provider string `json:"provider"`
	Device   Device `json:"device"`
}

// BusDelegate publishes provider notifications as events.
type BusDelegate struct {
	Bus    *events.Bus
	Source string
}

func (b BusDelegate) OnNewDevice(d Device) {
	b.Bus.Emit(events.Event{Type: events.DeviceNew, Data: DeviceEvent{Provider: b.Source, Device: d}})
}

func (b BusDelegate) OnDeviceChanged(d Device) {
	b.Bus.Emit(events.Event{Type: events.DeviceChanged, Data: DeviceEvent{Provider: b.Source, Device: d}})
}
