// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dummydev

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// PlatformDevice is a named device instance together with its resource
// table.
type PlatformDevice struct {
	Name string
	ID   uint64

	resources *orderedmap.OrderedMap[string, Resource]
	drvdata   any
	driver    PlatformDriver
}

// NewPlatformDevice allocates a device with an empty resource table.
func NewPlatformDevice(name string, id uint64) *PlatformDevice {
	return &PlatformDevice{
		Name:      name,
		ID:        id,
		resources: orderedmap.New[string, Resource](),
	}
}

// DevName returns the bus-wide unique name of the device.
func (p *PlatformDevice) DevName() string {
	return fmt.Sprintf("%s.%#x", p.Name, p.ID)
}

// AddResources appends res to the table. Each resource must be non-empty,
// uniquely named and must not overlap any other resource of the device.
func (p *PlatformDevice) AddResources(res ...Resource) error {
	for _, r := range res {
		if r.Size == 0 {
			return &ResourceError{Resource: r, Err: errors.New("empty range")}
		}
		if _, dup := p.resources.Get(r.Name); dup {
			return &ResourceError{Resource: r, Err: ErrAlreadyRegistered}
		}
		for pair := p.resources.Oldest(); pair != nil; pair = pair.Next() {
			if r.overlaps(pair.Value) {
				return &ResourceError{Resource: r, Err: fmt.Errorf("overlaps %s", pair.Key)}
			}
		}
		p.resources.Set(r.Name, r)
	}
	return nil
}

// Resource returns the resource at index i, in insertion order.
func (p *PlatformDevice) Resource(i int) (Resource, bool) {
	for pair := p.resources.Oldest(); pair != nil; pair = pair.Next() {
		if i == 0 {
			return pair.Value, true
		}
		i--
	}
	return Resource{}, false
}

// ResourceByName looks a resource up by name.
func (p *PlatformDevice) ResourceByName(name string) (Resource, bool) {
	return p.resources.Get(name)
}

// NumResources returns the size of the resource table.
func (p *PlatformDevice) NumResources() int { return p.resources.Len() }

// SetDrvData stores driver private data on the device.
func (p *PlatformDevice) SetDrvData(v any) { p.drvdata = v }

// DrvData returns the value stored by SetDrvData.
func (p *PlatformDevice) DrvData() any { return p.drvdata }

// PlatformDriver binds to devices of the same name.
type PlatformDriver interface {
	Name() string
	Probe(p *PlatformDevice) error
	Remove(p *PlatformDevice) error
}

// Bus matches platform devices with drivers by name.
type Bus struct {
	mu      sync.Mutex
	drivers *hashmap.Map[string, PlatformDriver]
	devices *hashmap.Map[string, *PlatformDevice]
	log     *logrus.Entry
}

// NewBus returns an empty bus.
func NewBus(logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Bus{
		drivers: hashmap.New[string, PlatformDriver](),
		devices: hashmap.New[string, *PlatformDevice](),
		log:     logger.WithField("bus", "platform"),
	}
}

// RegisterDriver adds drv and binds every unbound device it matches. A device
// that fails to bind stays on the bus unbound and its error is returned; drv
// stays registered either way.
func (b *Bus) RegisterDriver(drv PlatformDriver) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.drivers.Insert(drv.Name(), drv) {
		return fmt.Errorf("driver %s: %w", drv.Name(), ErrAlreadyRegistered)
	}
	b.log.WithField("driver", drv.Name()).Debug("driver registered")
	var errs []error
	b.devices.Range(func(_ string, p *PlatformDevice) bool {
		if p.driver == nil && p.Name == drv.Name() {
			if err := b.probe(drv, p); err != nil {
				errs = append(errs, err)
			}
		}
		return true
	})
	return errors.Join(errs...)
}

// UnregisterDriver removes the driver, unbinding its devices first.
func (b *Bus) UnregisterDriver(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.drivers.Get(name); !ok {
		return fmt.Errorf("driver %s: %w", name, ErrNotRegistered)
	}
	b.devices.Range(func(_ string, p *PlatformDevice) bool {
		if p.driver != nil && p.driver.Name() == name {
			b.remove(p)
		}
		return true
	})
	b.drivers.Del(name)
	b.log.WithField("driver", name).Debug("driver unregistered")
	return nil
}

// AddDevice registers p and probes it against a matching driver. A failed
// probe drops p from the bus and is returned.
func (b *Bus) AddDevice(p *PlatformDevice) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.devices.Insert(p.DevName(), p) {
		return fmt.Errorf("device %s: %w", p.DevName(), ErrAlreadyRegistered)
	}
	drv, ok := b.drivers.Get(p.Name)
	if !ok {
		b.log.WithField("device", p.DevName()).Debug("device added, no driver")
		return nil
	}
	if err := b.probe(drv, p); err != nil {
		b.devices.Del(p.DevName())
		return err
	}
	return nil
}

// DeleteDevice unbinds p from its driver and removes it from the bus.
func (b *Bus) DeleteDevice(p *PlatformDevice) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.devices.Get(p.DevName()); !ok {
		return fmt.Errorf("device %s: %w", p.DevName(), ErrNotRegistered)
	}
	var err error
	if p.driver != nil {
		err = b.remove(p)
	}
	b.devices.Del(p.DevName())
	return err
}

// Device returns the registered device called devName.
func (b *Bus) Device(devName string) (*PlatformDevice, bool) {
	return b.devices.Get(devName)
}

func (b *Bus) probe(drv PlatformDriver, p *PlatformDevice) error {
	l := b.log.WithFields(logrus.Fields{"driver": drv.Name(), "device": p.DevName()})
	if err := drv.Probe(p); err != nil {
		l.WithError(err).Error("probe failed")
		return fmt.Errorf("probe %s: %w", p.DevName(), err)
	}
	p.driver = drv
	l.Info("device bound")
	return nil
}

func (b *Bus) remove(p *PlatformDevice) error {
	l := b.log.WithFields(logrus.Fields{"driver": p.driver.Name(), "device": p.DevName()})
	err := p.driver.Remove(p)
	if err != nil {
		l.WithError(err).Warn("remove reported errors")
	}
	p.driver = nil
	p.drvdata = nil
	l.Info("device unbound")
	return err
}
