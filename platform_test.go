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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDriver struct {
	name     string
	probeErr error
	probed   []string
	removed  []string
}

func (r *recordingDriver) Name() string { return r.name }

func (r *recordingDriver) Probe(p *PlatformDevice) error {
	if r.probeErr != nil {
		return r.probeErr
	}
	r.probed = append(r.probed, p.DevName())
	return nil
}

func (r *recordingDriver) Remove(p *PlatformDevice) error {
	r.removed = append(r.removed, p.DevName())
	return nil
}

func TestPlatformDevice_Resources(t *testing.T) {
	p := NewPlatformDevice("dev", 0x1000)
	res := testResources()
	require.NoError(t, p.AddResources(res.list()...))

	assert.Equal(t, "dev.0x1000", p.DevName())
	assert.Equal(t, 3, p.NumResources())
	for i, want := range res.list() {
		got, ok := p.Resource(i)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := p.Resource(3)
	assert.False(t, ok)

	r, ok := p.ResourceByName("regs")
	require.True(t, ok)
	assert.Equal(t, res.Regs, r)
}

func TestPlatformDevice_AddResourcesRejects(t *testing.T) {
	tests := []struct {
		name string
		res  Resource
	}{
		{name: "empty", res: Resource{Name: "x", Start: 0x9000, Size: 0}},
		{name: "duplicate name", res: Resource{Name: "rd", Start: 0x9000, Size: 4}},
		{name: "overlap", res: Resource{Name: "x", Start: 0x2000 + testCap - 1, Size: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPlatformDevice("dev", 0)
			require.NoError(t, p.AddResources(testResources().list()...))
			err := p.AddResources(tt.res)
			assert.ErrorIs(t, err, ErrResource)
			assert.Equal(t, 3, p.NumResources())
		})
	}
}

func TestBus_BindsByName(t *testing.T) {
	bus := NewBus(quietLogger())
	drv := &recordingDriver{name: "dev"}
	early := NewPlatformDevice("dev", 1)
	other := NewPlatformDevice("other", 1)

	require.NoError(t, bus.AddDevice(early))
	require.NoError(t, bus.AddDevice(other))
	require.NoError(t, bus.RegisterDriver(drv))
	assert.Equal(t, []string{"dev.0x1"}, drv.probed, "driver probes devices added before it")

	late := NewPlatformDevice("dev", 2)
	require.NoError(t, bus.AddDevice(late))
	assert.Equal(t, []string{"dev.0x1", "dev.0x2"}, drv.probed)

	assert.ErrorIs(t, bus.AddDevice(NewPlatformDevice("dev", 2)), ErrAlreadyRegistered)
	assert.ErrorIs(t, bus.RegisterDriver(&recordingDriver{name: "dev"}), ErrAlreadyRegistered)

	require.NoError(t, bus.DeleteDevice(late))
	assert.Equal(t, []string{"dev.0x2"}, drv.removed)
	_, ok := bus.Device("dev.0x2")
	assert.False(t, ok)

	require.NoError(t, bus.UnregisterDriver("dev"))
	assert.Equal(t, []string{"dev.0x2", "dev.0x1"}, drv.removed)
	assert.ErrorIs(t, bus.UnregisterDriver("dev"), ErrNotRegistered)
	assert.ErrorIs(t, bus.DeleteDevice(late), ErrNotRegistered)
}

func TestBus_FailedProbeDropsDevice(t *testing.T) {
	bus := NewBus(quietLogger())
	boom := errors.New("boom")
	require.NoError(t, bus.RegisterDriver(&recordingDriver{name: "dev", probeErr: boom}))

	p := NewPlatformDevice("dev", 0)
	assert.ErrorIs(t, bus.AddDevice(p), boom)
	_, ok := bus.Device(p.DevName())
	assert.False(t, ok)
}

func TestBus_RegisterDriverReportsBindFailure(t *testing.T) {
	bus := NewBus(quietLogger())
	boom := errors.New("boom")
	p := NewPlatformDevice("dev", 0)
	require.NoError(t, bus.AddDevice(p))

	err := bus.RegisterDriver(&recordingDriver{name: "dev", probeErr: boom})
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, bus.RegisterDriver(&recordingDriver{name: "dev"}), ErrAlreadyRegistered,
		"driver stays registered")
	got, ok := bus.Device(p.DevName())
	require.True(t, ok, "device stays on the bus")
	assert.Nil(t, got.driver)

	require.NoError(t, bus.UnregisterDriver("dev"))
	drv := &recordingDriver{name: "dev"}
	require.NoError(t, bus.RegisterDriver(drv))
	assert.Equal(t, []string{"dev.0x0"}, drv.probed)
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.MemSize = testCap
	cfg.PollInterval = 5 * time.Millisecond
	return cfg
}

func TestModule_RegisterUnregister(t *testing.T) {
	m := NewHeapMapper()
	bus := NewBus(quietLogger())
	mod := NewModule(testConfig(), bus, m, quietLogger())

	assert.Nil(t, mod.Device())
	require.NoError(t, mod.Register())
	d := mod.Device()
	require.NotNil(t, d)
	assert.Equal(t, "plat_dummy.0x9f200000", d.Name())
	assert.Equal(t, 3, m.Live())

	peer, err := OpenPeer(m, testConfig().Resources())
	require.NoError(t, err)
	defer peer.Close()
	require.NoError(t, peer.Send([]byte("hello")))
	require.Eventually(t, func() bool { return !peer.Busy() }, time.Second, time.Millisecond)

	require.NoError(t, mod.Unregister())
	assert.Nil(t, mod.Device())
	assert.Equal(t, 3, m.Live(), "only the peer mappings remain")
	rd, wr := d.Armed()
	assert.False(t, rd)
	assert.False(t, wr)

	require.NoError(t, mod.Unregister(), "second unregister is a no-op")
	// The driver name is free again.
	require.NoError(t, bus.RegisterDriver(&recordingDriver{name: DriverName}))
}

func TestModule_RegisterUnwinds(t *testing.T) {
	t.Run("probe failure", func(t *testing.T) {
		cfg := testConfig()
		m := &failingMapper{HeapMapper: NewHeapMapper(), failAt: cfg.RegBase}
		bus := NewBus(quietLogger())
		mod := NewModule(cfg, bus, m, quietLogger())

		err := mod.Register()
		assert.ErrorIs(t, err, ErrResource)
		assert.Nil(t, mod.Device())
		assert.Zero(t, m.Live())
		assert.ErrorIs(t, bus.UnregisterDriver(DriverName), ErrNotRegistered, "driver unregistered on failure")
	})

	t.Run("bad resource table", func(t *testing.T) {
		cfg := testConfig()
		cfg.WrBufBase = cfg.RdBufBase
		bus := NewBus(quietLogger())
		mod := NewModule(cfg, bus, NewHeapMapper(), quietLogger())

		assert.ErrorIs(t, mod.Register(), ErrResource)
		assert.ErrorIs(t, bus.UnregisterDriver(DriverName), ErrNotRegistered)
		assert.NoError(t, mod.Unregister())
	})

	t.Run("driver already registered", func(t *testing.T) {
		bus := NewBus(quietLogger())
		require.NoError(t, bus.RegisterDriver(&recordingDriver{name: DriverName}))
		mod := NewModule(testConfig(), bus, NewHeapMapper(), quietLogger())
		assert.ErrorIs(t, mod.Register(), ErrAlreadyRegistered)
	})
}
