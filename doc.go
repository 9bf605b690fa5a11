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

/*

Package dummydev drives the platform dummy device: two 4K byte buffers and a
small register block at fixed physical addresses, shared with a peer process
that maps the same memory (typically through /dev/mem).

The register block holds three 32-bit words:

	offset 0  flags       bit 0 inbound ready, bit 1 outbound ready
	offset 4  read_size   inbound payload size, valid while bit 0 is set
	offset 8  write_size  outbound payload size, valid while bit 1 is set

The peer writes a payload into the inbound buffer, stores read_size and sets
bit 0. Every poll interval the driver drains a ready inbound buffer and
clears bit 0. Independently, the driver publishes a payload into the
outbound buffer and sets bit 1 whenever bit 1 is clear. The driver never
clears bit 1; a peer wanting one delivery per payload clears it with
Peer.Ack.

Both poll workers run on a dedicated two-goroutine Workqueue. Detach cancels
them synchronously before any memory is unmapped.

Memory is obtained through a Mapper: MemMapper for /dev/mem or a backing
file, HeapMapper for in-process use.

*/
package dummydev
