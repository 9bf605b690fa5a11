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
	"fmt"

	"github.com/sirupsen/logrus"
)

// DriverName is the name the driver and its synthetic device share.
const DriverName = "plat_dummy"

// Resource indexes in the device resource table.
const (
	resRdBuf = iota
	resWrBuf
	resRegs
)

// Driver attaches a Device to every platform device it is bound to.
type Driver struct {
	name   string
	mapper Mapper
	opts   []Option
	log    *logrus.Entry
}

// NewDriver returns a driver mapping device memory through m. opts are
// passed to every Attach.
func NewDriver(name string, m Mapper, logger *logrus.Logger, opts ...Option) *Driver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Driver{
		name:   name,
		mapper: m,
		opts:   append([]Option{WithLogger(logger)}, opts...),
		log:    logger.WithField("driver", name),
	}
}

func (drv *Driver) Name() string { return drv.name }

func (drv *Driver) Probe(p *PlatformDevice) error {
	drv.log.WithField("device", p.DevName()).Debug("++probe")
	var res [3]Resource
	for i := range res {
		r, ok := p.Resource(i)
		if !ok {
			return &ResourceError{Resource: Resource{Name: fmt.Sprintf("%s[%d]", p.DevName(), i)}, Err: ErrNotRegistered}
		}
		res[i] = r
	}
	d, err := Attach(p.DevName(), Resources{
		Inbound:  res[resRdBuf],
		Outbound: res[resWrBuf],
		Regs:     res[resRegs],
	}, drv.mapper, drv.opts...)
	if err != nil {
		return err
	}
	p.SetDrvData(d)
	return nil
}

func (drv *Driver) Remove(p *PlatformDevice) error {
	drv.log.WithField("device", p.DevName()).Debug("++remove")
	d, _ := p.DrvData().(*Device)
	return d.Detach()
}

// Module is the process-wide registration of the driver and its synthetic
// device.
type Module struct {
	cfg    *Config
	bus    *Bus
	driver *Driver
	pdev   *PlatformDevice
	log    *logrus.Logger
}

// NewModule prepares a module for cfg. Nothing is registered until Register.
func NewModule(cfg *Config, bus *Bus, m Mapper, logger *logrus.Logger, opts ...Option) *Module {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	opts = append(cfg.Options(), opts...)
	return &Module{
		cfg:    cfg,
		bus:    bus,
		driver: NewDriver(cfg.Name, m, logger, opts...),
		log:    logger,
	}
}

// Register registers the driver, then creates and adds the synthetic device.
// On failure everything done so far is undone in reverse order.
func (mod *Module) Register() error {
	mod.log.Info("platform dummy module init")
	if err := mod.bus.RegisterDriver(mod.driver); err != nil {
		return err
	}
	res := mod.cfg.Resources()
	pdev := NewPlatformDevice(mod.cfg.Name, res.Inbound.Start)
	if err := pdev.AddResources(res.list()...); err != nil {
		mod.log.WithError(err).Error("device resource addition failed")
		mod.unwind()
		return err
	}
	if err := mod.bus.AddDevice(pdev); err != nil {
		mod.log.WithError(err).Error("device addition failed")
		mod.unwind()
		return err
	}
	mod.pdev = pdev
	return nil
}

func (mod *Module) unwind() {
	if err := mod.bus.UnregisterDriver(mod.driver.Name()); err != nil {
		mod.log.WithError(err).Warn("driver unregister failed")
	}
}

// Unregister removes the device, detaching it, then the driver. It is a
// no-op if Register did not succeed.
func (mod *Module) Unregister() error {
	if mod.pdev == nil {
		return nil
	}
	mod.log.Info("platform dummy module exit")
	err := mod.bus.DeleteDevice(mod.pdev)
	mod.pdev = nil
	if uerr := mod.bus.UnregisterDriver(mod.driver.Name()); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

// Device returns the attached device, or nil.
func (mod *Module) Device() *Device {
	if mod.pdev == nil {
		return nil
	}
	d, _ := mod.pdev.DrvData().(*Device)
	return d
}
