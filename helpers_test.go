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
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const testCap = 64

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.TraceLevel)
	return l
}

func testResources() Resources {
	return Resources{
		Inbound:  Resource{Name: "rd", Start: 0x1000, Size: testCap},
		Outbound: Resource{Name: "wr", Start: 0x2000, Size: testCap},
		Regs:     Resource{Name: "regs", Start: 0x3000, Size: RegSize},
	}
}

// failingMapper fails to map the range starting at failAt.
type failingMapper struct {
	*HeapMapper
	failAt uint64
}

func (f *failingMapper) Map(r Resource) ([]byte, error) {
	if r.Start == f.failAt {
		return nil, fmt.Errorf("no such range %#x", r.Start)
	}
	return f.HeapMapper.Map(r)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// blockingSink parks the drain path inside Consume until released.
type blockingSink struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingSink() *blockingSink {
	return &blockingSink{entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *blockingSink) Consume([]byte) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
}
