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
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultPollInterval is the period of both poll workers.
	DefaultPollInterval = 500 * time.Millisecond
	// MaxWorkers is the size of the data processing pool.
	MaxWorkers = 2

	defaultCancelAttempts = 5
	defaultCancelWait     = 200 * time.Millisecond
)

type settings struct {
	interval       time.Duration
	workers        int
	cancelAttempts int
	cancelWait     time.Duration
	sink           Sink
	log            *logrus.Entry
	now            func() time.Time
}

// Option configures a Device at attach time.
type Option func(*settings)

// WithInterval sets the poll period of both workers.
func WithInterval(d time.Duration) Option {
	return func(s *settings) { s.interval = d }
}

// WithWorkers sets the size of the device's workqueue.
func WithWorkers(n int) Option {
	return func(s *settings) { s.workers = n }
}

// WithCancelPolicy bounds how long Detach waits for an in-flight tick:
// attempts periods of wait per worker.
func WithCancelPolicy(attempts int, wait time.Duration) Option {
	return func(s *settings) {
		s.cancelAttempts = attempts
		s.cancelWait = wait
	}
}

// WithSink forwards drained inbound payloads to sink.
func WithSink(sink Sink) Option {
	return func(s *settings) { s.sink = sink }
}

// WithLogger sets the logger; a "device" field is added.
func WithLogger(l *logrus.Logger) Option {
	return func(s *settings) { s.log = logrus.NewEntry(l) }
}

// WithClock replaces the clock the outbound tick count is taken from.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// Stats are cumulative device counters.
type Stats struct {
	RdTicks      uint64 // inbound worker runs
	WrTicks      uint64 // outbound worker runs
	Drained      uint64 // inbound payloads consumed
	BytesDrained uint64
	Filled       uint64 // outbound payloads published
	Skipped      uint64 // outbound runs skipped because data was still pending
	Clamped      uint64 // inbound sizes exceeding capacity
}

type counters struct {
	rdTicks, wrTicks, drained, bytesDrained atomic.Uint64
	filled, skipped, clamped                atomic.Uint64
}

// Device is one attached dummy device. It owns its mapped regions and both
// poll workers between Attach and Detach.
type Device struct {
	name string
	settings

	mapper Mapper
	mapped [][]byte

	regs   *Registers
	rd     *Buffer // peer -> driver
	wr     *Buffer // driver -> peer
	wq     *Workqueue
	rdWork *DelayedWork
	wrWork *DelayedWork

	epoch time.Time
	stats counters

	mu       sync.Mutex
	attached bool
}

// Attach maps res through m, creates the device workqueue and starts both
// poll workers. On error every region mapped so far has been released.
func Attach(name string, res Resources, m Mapper, opts ...Option) (*Device, error) {
	d, err := newDevice(name, res, m, opts...)
	if err != nil {
		return nil, err
	}
	d.start()
	return d, nil
}

func newDevice(name string, res Resources, m Mapper, opts ...Option) (*Device, error) {
	s := settings{
		interval:       DefaultPollInterval,
		workers:        MaxWorkers,
		cancelAttempts: defaultCancelAttempts,
		cancelWait:     defaultCancelWait,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.log == nil {
		s.log = logrus.NewEntry(logrus.StandardLogger())
	}
	s.log = s.log.WithField("device", name)
	if s.interval <= 0 {
		return nil, &AllocationError{What: "device " + name, Err: fmt.Errorf("invalid poll interval %v", s.interval)}
	}
	if err := validateResources(res); err != nil {
		return nil, err
	}

	d := &Device{name: name, settings: s, mapper: m}
	mems := make([][]byte, 0, 3)
	for _, r := range res.list() {
		mem, err := m.Map(r)
		if err != nil {
			d.mapped = mems
			d.unmapAll()
			return nil, &ResourceError{Resource: r, Err: err}
		}
		d.log.Infof("%s %#x..%#x mapped", r.Name, r.Start, r.End())
		mems = append(mems, mem)
	}
	d.mapped = mems

	wq, err := NewWorkqueue(name+"_workqueue", s.workers, d.log)
	if err != nil {
		d.unmapAll()
		return nil, &AllocationError{What: "workqueue", Err: err}
	}

	d.rd = newBuffer(res.Inbound.Name, mems[0])
	d.wr = newBuffer(res.Outbound.Name, mems[1])
	d.regs = newRegisters(mems[2])
	d.wq = wq
	d.rdWork = NewDelayedWork(name+"_rd", d.rdWorkFn)
	d.wrWork = NewDelayedWork(name+"_wr", d.wrWorkFn)
	d.epoch = d.now()
	d.attached = true
	return d, nil
}

func validateResources(res Resources) error {
	list := res.list()
	for i, r := range list {
		if r.Size == 0 {
			return &ResourceError{Resource: r, Err: errors.New("empty range")}
		}
		for _, o := range list[:i] {
			if r.overlaps(o) {
				return &ResourceError{Resource: r, Err: fmt.Errorf("overlaps %s", o.Name)}
			}
		}
	}
	if res.Regs.Size < minRegsSize {
		return &ResourceError{Resource: res.Regs, Err: fmt.Errorf("register block smaller than %d bytes", minRegsSize)}
	}
	return nil
}

func (d *Device) start() {
	d.wq.QueueDelayed(d.rdWork, 0)
	d.wq.QueueDelayed(d.wrWork, 0)
	d.log.WithField("interval", d.interval).Info("device attached")
}

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// Armed reports whether each worker has a pending run.
func (d *Device) Armed() (rd, wr bool) {
	return d.rdWork.Armed(), d.wrWork.Armed()
}

// Stats returns a snapshot of the device counters.
func (d *Device) Stats() Stats {
	return Stats{
		RdTicks:      d.stats.rdTicks.Load(),
		WrTicks:      d.stats.wrTicks.Load(),
		Drained:      d.stats.drained.Load(),
		BytesDrained: d.stats.bytesDrained.Load(),
		Filled:       d.stats.filled.Load(),
		Skipped:      d.stats.skipped.Load(),
		Clamped:      d.stats.clamped.Load(),
	}
}

// Detach stops both workers and releases the device memory. Workers are
// cancelled synchronously before anything is unmapped; a worker that does
// not stop in time is reported and teardown continues. Only the first call
// has an effect, and the returned error is diagnostic only.
func (d *Device) Detach() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	if !d.attached {
		d.mu.Unlock()
		return nil
	}
	d.attached = false
	d.mu.Unlock()

	var errs []error
	stuck := false
	for _, w := range []*DelayedWork{d.rdWork, d.wrWork} {
		if err := w.CancelSync(d.cancelAttempts, d.cancelWait); err != nil {
			d.log.WithError(err).Warn("worker still running, tearing down anyway")
			errs = append(errs, err)
			stuck = true
		}
	}
	if stuck {
		d.wq.cancel()
	} else {
		d.wq.Destroy()
	}
	errs = append(errs, d.unmapAll()...)
	d.log.Info("device detached")
	return errors.Join(errs...)
}

func (d *Device) unmapAll() []error {
	var errs []error
	for i := len(d.mapped) - 1; i >= 0; i-- {
		if err := d.mapper.Unmap(d.mapped[i]); err != nil {
			d.log.WithError(err).Error("unmap failed")
			errs = append(errs, err)
		}
	}
	d.mapped = nil
	return errs
}
