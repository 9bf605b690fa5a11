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
	"encoding/binary"
	"time"

	"github.com/sirupsen/logrus"
)

// DummyMessage is the fixed body of every outbound payload.
const DummyMessage = ">> Dummy message << "

// PayloadSize is the size of every outbound payload: the dummy message
// followed by a 4-byte tick count.
const PayloadSize = len(DummyMessage) + 4

func (d *Device) rdWorkFn() {
	d.drainTick()
	d.wq.QueueDelayed(d.rdWork, d.interval)
}

func (d *Device) wrWorkFn() {
	d.fillTick()
	d.wq.QueueDelayed(d.wrWork, d.interval)
}

// ticks returns milliseconds since attach, truncated to 32 bits.
func (d *Device) ticks() uint32 {
	return uint32(d.now().Sub(d.epoch) / time.Millisecond)
}

// drainTick consumes a committed inbound payload, if any, and returns the
// buffer to the peer.
func (d *Device) drainTick() {
	d.stats.rdTicks.Add(1)
	d.log.Tracef("++rd_work(%d)", d.ticks())

	size, ok := d.regs.RdBufReady()
	if !ok {
		return
	}
	d.log.WithField("size", size).Info("inbound data ready")

	n, clamped := d.rd.clamp(size)
	if clamped {
		d.stats.clamped.Add(1)
		d.log.WithError(&ProtocolViolation{
			Buffer:   d.rd.name,
			Size:     size,
			Capacity: d.rd.Cap(),
		}).Warn("clamping read size")
	}

	trace := d.log.Logger.IsLevelEnabled(logrus.TraceLevel)
	payload := make([]byte, n)
	for i := range n {
		b := d.rd.ByteAt(i)
		payload[i] = b
		if trace {
			d.log.Tracef("mem[%d] = %#x ('%c')", i, b, b)
		}
	}
	if d.sink != nil {
		d.sink.Consume(payload)
	}

	// The clear is an atomic CAS, so every read above completes first.
	d.regs.ClearRdBufReady()
	d.stats.drained.Add(1)
	d.stats.bytesDrained.Add(uint64(n))
}

// fillTick publishes a new outbound payload unless the previous one is still
// pending. The driver never clears the ready bit itself; the peer does.
func (d *Device) fillTick() {
	d.stats.wrTicks.Add(1)
	d.log.Tracef("++wr_work(%d)", d.ticks())

	published := d.regs.PublishWrBuf(func() uint32 {
		d.log.Debug("data transfer started")
		payload := d.payload()
		n, _ := d.wr.clamp(uint32(len(payload)))
		for i := range n {
			d.wr.SetByteAt(i, payload[i])
		}
		return n
	})
	if !published {
		d.stats.skipped.Add(1)
		return
	}
	d.stats.filled.Add(1)
}

func (d *Device) payload() []byte {
	p := make([]byte, PayloadSize)
	copy(p, DummyMessage)
	binary.BigEndian.PutUint32(p[len(DummyMessage):], d.ticks())
	return p
}
