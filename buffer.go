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

// Buffer is one fixed-capacity channel buffer. Only its producer writes it.
type Buffer struct {
	name string
	mem  []byte
}

func newBuffer(name string, mem []byte) *Buffer {
	return &Buffer{name: name, mem: mem}
}

// Cap returns the buffer capacity in bytes.
func (b *Buffer) Cap() uint32 { return uint32(len(b.mem)) }

// ByteAt returns the byte at off.
func (b *Buffer) ByteAt(off uint32) byte { return b.mem[off] }

// SetByteAt stores v at off.
func (b *Buffer) SetByteAt(off uint32, v byte) { b.mem[off] = v }

// clamp bounds a size published by the other side to the buffer capacity.
func (b *Buffer) clamp(size uint32) (uint32, bool) {
	if size > b.Cap() {
		return b.Cap(), true
	}
	return size, false
}
