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
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Default physical layout of the dummy device.
const (
	RdBufBase   = 0x9f200000 // inbound buffer (peer -> driver)
	WrBufBase   = 0x9f201000 // outbound buffer (driver -> peer)
	RegBase     = 0x9f202000
	MemSize     = 4096
	RegSize     = 4 * 4 * 4
	memDevice   = "/dev/mem"
	minRegsSize = 12
)

// Resource is a fixed physical memory range.
type Resource struct {
	Name  string `yaml:"name"`
	Start uint64 `yaml:"start"`
	Size  uint64 `yaml:"size"`
}

// End returns the last address covered by the resource.
func (r Resource) End() uint64 {
	if r.Size == 0 {
		return r.Start
	}
	return r.Start + r.Size - 1
}

func (r Resource) overlaps(o Resource) bool {
	return r.Start <= o.End() && o.Start <= r.End()
}

// Resources are the three regions a device is attached to.
type Resources struct {
	Inbound  Resource
	Outbound Resource
	Regs     Resource
}

func (r Resources) list() []Resource {
	return []Resource{r.Inbound, r.Outbound, r.Regs}
}

// Mapper turns a physical range into addressable memory.
type Mapper interface {
	Map(r Resource) ([]byte, error)
	Unmap(mem []byte) error
}

// MemMapper maps ranges of a memory device (/dev/mem) or of a regular
// backing file. Physical addresses are translated to file offsets by
// subtracting base.
type MemMapper struct {
	path string
	base uint64

	mu     sync.Mutex
	file   *os.File
	mapped map[*byte][]byte // slice handed out -> full page-aligned mapping
	refs   int
}

// NewMemMapper returns a mapper over /dev/mem.
func NewMemMapper() *MemMapper {
	return &MemMapper{path: memDevice}
}

// NewFileMapper returns a mapper over a regular file, used to simulate the
// device. Address base lives at offset 0 of the file. The file is created
// and grown to size bytes if needed.
func NewFileMapper(path string, base, size uint64) (*MemMapper, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0660)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if uint64(st.Size()) < size {
		if err := f.Truncate(int64(size)); err != nil {
			return nil, fmt.Errorf("grow %s: %w", path, err)
		}
	}
	return &MemMapper{path: path, base: base}, nil
}

// Map maps r read/write and shared, so stores are visible to any other
// process mapping the same range.
func (m *MemMapper) Map(r Resource) ([]byte, error) {
	if r.Start < m.base {
		return nil, fmt.Errorf("address %#x below mapper base %#x", r.Start, m.base)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		f, err := os.OpenFile(m.path, os.O_RDWR|os.O_SYNC, 0)
		if err != nil {
			return nil, err
		}
		m.file = f
		m.mapped = make(map[*byte][]byte)
	}
	page := uint64(unix.Getpagesize())
	off := r.Start - m.base
	aligned := off &^ (page - 1)
	delta := off - aligned
	full, err := unix.Mmap(int(m.file.Fd()), int64(aligned), int(delta+r.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		m.releaseLocked()
		return nil, fmt.Errorf("mmap %s@%#x: %w", m.path, r.Start, err)
	}
	mem := full[delta : delta+r.Size : delta+r.Size]
	m.mapped[unsafe.SliceData(mem)] = full
	m.refs++
	return mem, nil
}

// Unmap releases a slice previously returned by Map. The underlying file is
// closed once nothing is mapped.
func (m *MemMapper) Unmap(mem []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	full, ok := m.mapped[unsafe.SliceData(mem)]
	if !ok {
		return fmt.Errorf("unmap %s: region not mapped", m.path)
	}
	delete(m.mapped, unsafe.SliceData(mem))
	m.refs--
	err := unix.Munmap(full)
	m.releaseLocked()
	return err
}

func (m *MemMapper) releaseLocked() {
	if m.refs == 0 && m.file != nil {
		m.file.Close()
		m.file = nil
	}
}

// HeapMapper backs physical ranges with ordinary process memory. Mapping the
// same start address twice yields the same bytes, so a driver and a Peer in
// one process share state the way two mappings of /dev/mem do. The first Map
// of a start address fixes the region's size; a later Map may ask for less
// but never more.
type HeapMapper struct {
	mu      sync.Mutex
	regions map[uint64][]byte
	refs    map[*byte]int
	live    int
}

// NewHeapMapper returns an empty HeapMapper.
func NewHeapMapper() *HeapMapper {
	return &HeapMapper{
		regions: make(map[uint64][]byte),
		refs:    make(map[*byte]int),
	}
}

func (h *HeapMapper) Map(r Resource) ([]byte, error) {
	if r.Size == 0 {
		return nil, fmt.Errorf("map %s: empty range", r.Name)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	mem, ok := h.regions[r.Start]
	switch {
	case !ok:
		// Word-aligned so the register block supports atomic access.
		words := make([]uint64, (r.Size+7)/8)
		mem = unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), r.Size)
		h.regions[r.Start] = mem
	case uint64(len(mem)) < r.Size:
		return nil, fmt.Errorf("map %s: %#x already backed by %d bytes, want %d",
			r.Name, r.Start, len(mem), r.Size)
	}
	h.refs[unsafe.SliceData(mem)]++
	h.live++
	return mem[:r.Size:r.Size], nil
}

func (h *HeapMapper) Unmap(b []byte) error {
	if len(b) == 0 {
		return errors.New("unmap: empty region")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	p := unsafe.SliceData(b)
	if h.refs[p] == 0 {
		return fmt.Errorf("unmap %p: not mapped", p)
	}
	if h.refs[p]--; h.refs[p] == 0 {
		delete(h.refs, p)
	}
	h.live--
	return nil
}

// Live returns the number of outstanding mappings.
func (h *HeapMapper) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.live
}
