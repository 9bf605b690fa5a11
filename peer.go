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
	"context"
	"errors"
	"time"
)

// Peer is the far side of the handshake: it writes the driver's inbound
// buffer and reads its outbound buffer, synchronising only through the
// register block.
type Peer struct {
	mapper Mapper
	out    []byte // driver inbound
	in     []byte // driver outbound
	regs   *Registers
}

// OpenPeer maps the device regions through m.
func OpenPeer(m Mapper, res Resources) (*Peer, error) {
	if err := validateResources(res); err != nil {
		return nil, err
	}
	var mems [][]byte
	for _, r := range res.list() {
		mem, err := m.Map(r)
		if err != nil {
			for i := len(mems) - 1; i >= 0; i-- {
				m.Unmap(mems[i])
			}
			return nil, &ResourceError{Resource: r, Err: err}
		}
		mems = append(mems, mem)
	}
	return &Peer{mapper: m, out: mems[0], in: mems[1], regs: newRegisters(mems[2])}, nil
}

// Close unmaps the peer's regions.
func (p *Peer) Close() error {
	var errs []error
	for _, mem := range [][]byte{p.regs.mem, p.in, p.out} {
		if err := p.mapper.Unmap(mem); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Busy reports whether the driver still owns the inbound buffer.
func (p *Peer) Busy() bool {
	return p.regs.Read32(FlagsReg)&RdDataReady != 0
}

// Send writes payload, then its size, then sets the inbound ready bit.
func (p *Peer) Send(payload []byte) error {
	if len(payload) > len(p.out) {
		return ErrPayloadTooLarge
	}
	if p.Busy() {
		return ErrBusy
	}
	copy(p.out, payload)
	p.regs.Write32(RdSizeReg, uint32(len(payload)))
	p.regs.update(RdDataReady, 0)
	return nil
}

// WaitSent polls every interval until the driver has consumed the last Send.
func (p *Peer) WaitSent(ctx context.Context, interval time.Duration) error {
	return poll(ctx, interval, func() bool { return !p.Busy() })
}

// Receive returns the pending outbound payload, if any. The ready bit is
// left set; call Ack to release the buffer.
func (p *Peer) Receive() ([]byte, bool) {
	if p.regs.Read32(FlagsReg)&WrDataReady == 0 {
		return nil, false
	}
	size := min(int(p.regs.Read32(WrSizeReg)), len(p.in))
	out := make([]byte, size)
	copy(out, p.in[:size])
	return out, true
}

// WaitReceive polls every interval until an outbound payload is ready.
func (p *Peer) WaitReceive(ctx context.Context, interval time.Duration) ([]byte, error) {
	var data []byte
	err := poll(ctx, interval, func() bool {
		var ok bool
		data, ok = p.Receive()
		return ok
	})
	return data, err
}

// Ack clears the outbound ready bit so the driver publishes the next payload.
func (p *Peer) Ack() {
	p.regs.update(0, WrDataReady)
}

func poll(ctx context.Context, interval time.Duration, done func() bool) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for !done() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
