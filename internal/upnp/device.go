package upnp

import (
	"fmt"
	"sync"
)

// Device is a UPnP device with its services and embedded devices.
type Device struct {
	UDN              string
	DeviceType       string
	FriendlyName     string
	Manufacturer     string
	ManufacturerURL  string
	ModelDescription string
	ModelName        string
	ModelNumber      string
	SerialNumber     string
	PresentationURL  string

	mu       sync.RWMutex
	services []*Service
	devices  []*Device
}

// AddService attaches s to d. Service IDs are unique within a device.
func (d *Device) AddService(s *Service) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, o := range d.services {
		if o.ServiceID == s.ServiceID {
			return fmt.Errorf("%w: service %s", ErrDuplicate, s.ServiceID)
		}
	}
	s.mu.Lock()
	s.device = d
	s.mu.Unlock()
	d.services = append(d.services, s)
	return nil
}

// AddDevice embeds e in d.
func (d *Device) AddDevice(e *Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices = append(d.devices, e)
}

func (d *Device) Services() []*Service {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*Service(nil), d.services...)
}

func (d *Device) Devices() []*Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*Device(nil), d.devices...)
}

// Service finds a service of d by service ID, short name or service type.
func (d *Device) Service(id string) *Service {
	for _, s := range d.Services() {
		if s.ServiceID == id || s.Name() == id || s.ServiceType == id {
			return s
		}
	}
	return nil
}

// Walk calls fn for d and every embedded device, depth first.
func (d *Device) Walk(fn func(*Device)) {
	fn(d)
	for _, e := range d.Devices() {
		e.Walk(fn)
	}
}

// AllServices returns the services of d and its embedded devices.
func (d *Device) AllServices() []*Service {
	var out []*Service
	d.Walk(func(x *Device) { out = append(out, x.Services()...) })
	return out
}

// Find returns the device with the given UDN in d's tree.
func (d *Device) Find(udn string) *Device {
	var found *Device
	d.Walk(func(x *Device) {
		if found == nil && x.UDN == udn {
			found = x
		}
	})
	return found
}
