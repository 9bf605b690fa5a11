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
	"sync"
	"sync/atomic"

	"github.com/smallnest/ringbuffer"
)

// Sink receives every payload drained from the inbound buffer. Consume is
// called on a workqueue goroutine and must not retain p.
type Sink interface {
	Consume(p []byte)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(p []byte)

func (f SinkFunc) Consume(p []byte) { f(p) }

// RingSink keeps the most recent drained bytes in a fixed-size ring. When a
// payload does not fit, the oldest buffered bytes are evicted to make room
// and counted as dropped.
type RingSink struct {
	mu      sync.Mutex
	buf     *ringbuffer.RingBuffer
	dropped atomic.Uint64
}

// NewRingSink returns a RingSink holding up to size bytes.
func NewRingSink(size int) *RingSink {
	return &RingSink{buf: ringbuffer.New(size)}
}

func (s *RingSink) Consume(p []byte) {
	if len(p) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if c := s.buf.Capacity(); len(p) > c {
		s.dropped.Add(uint64(len(p) - c))
		p = p[len(p)-c:]
	}
	if need := len(p) - s.buf.Free(); need > 0 {
		n, _ := s.buf.TryRead(make([]byte, need))
		s.dropped.Add(uint64(n))
	}
	n, _ := s.buf.Write(p)
	if n < len(p) {
		s.dropped.Add(uint64(len(p) - n))
	}
}

// Drain removes and returns everything buffered so far.
func (s *RingSink) Drain() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, 0, s.buf.Length())
	chunk := make([]byte, 256)
	for {
		n, err := s.buf.TryRead(chunk)
		out = append(out, chunk[:n]...)
		if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
			return out
		}
	}
}

// Len returns the number of buffered bytes.
func (s *RingSink) Len() int { return s.buf.Length() }

// Dropped returns the number of bytes evicted or discarded for lack of room.
func (s *RingSink) Dropped() uint64 { return s.dropped.Load() }
