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
	"sync"
	"sync/atomic"
	"unsafe"
)

// Register offsets within the register block.
const (
	FlagsReg  = 0 // flags register
	RdSizeReg = 4 // inbound payload size
	WrSizeReg = 8 // outbound payload size
)

// Flags register layout:
//
//	31.........| 1 | 0 |
//	| reserved | w | r |
//
// r is set by the peer when inbound data is ready, w by the driver when
// outbound data is ready. Reserved bits are preserved on every update.
const (
	RdDataReady = 1 << 0
	WrDataReady = 1 << 1
)

// Registers is the control/status block shared with the peer. All flag
// read-modify-write sequences are made under mu, the status guard.
type Registers struct {
	mem []byte
	mu  sync.Mutex
}

func newRegisters(mem []byte) *Registers {
	return &Registers{mem: mem}
}

func (r *Registers) word(off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.mem[off]))
}

// Read32 returns the register at off.
func (r *Registers) Read32(off uint32) uint32 {
	return atomic.LoadUint32(r.word(off))
}

// Write32 stores v in the register at off.
func (r *Registers) Write32(off, v uint32) {
	atomic.StoreUint32(r.word(off), v)
}

// update sets and unsets bits of the flags register. The peer may write
// flags concurrently without the guard, so the store is a CAS.
func (r *Registers) update(set, unset uint32) {
	p := r.word(FlagsReg)
	for {
		old := atomic.LoadUint32(p)
		if atomic.CompareAndSwapUint32(p, old, (old|set)&^unset) {
			return
		}
	}
}

// RdBufReady reports whether the peer has committed inbound data, and if so
// its size as published in the read-size register.
func (r *Registers) RdBufReady() (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Read32(FlagsReg)&RdDataReady == 0 {
		return 0, false
	}
	return r.Read32(RdSizeReg), true
}

// ClearRdBufReady hands the inbound buffer back to the peer.
func (r *Registers) ClearRdBufReady() {
	r.mu.Lock()
	r.update(0, RdDataReady)
	r.mu.Unlock()
}

// WrBufReady reports whether outbound data is still waiting for the peer.
func (r *Registers) WrBufReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Read32(FlagsReg)&WrDataReady != 0
}

// PublishWrBuf fills and publishes outbound data unless the previous
// payload is still pending. The guard is held from the ready-bit test to
// the ready-bit store; fill returns the number of bytes it wrote. The size
// store precedes the flag store, so a peer observing the flag sees the size.
func (r *Registers) PublishWrBuf(fill func() uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Read32(FlagsReg)&WrDataReady != 0 {
		return false
	}
	r.Write32(WrSizeReg, fill())
	r.update(WrDataReady, 0)
	return true
}
