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
)

var (
	// ErrResource is matched by every *ResourceError.
	ErrResource = errors.New("resource unavailable")
	// ErrAllocation is matched by every *AllocationError.
	ErrAllocation = errors.New("allocation failed")
	// ErrCancellationTimeout is matched by every *CancellationTimeout.
	ErrCancellationTimeout = errors.New("cancellation did not converge")

	ErrBusy              = errors.New("buffer busy")
	ErrPayloadTooLarge   = errors.New("payload exceeds buffer capacity")
	ErrAlreadyRegistered = errors.New("already registered")
	ErrNotRegistered     = errors.New("not registered")
	ErrNoDriver          = errors.New("no driver bound")
)

// ResourceError reports a memory region that could not be validated or mapped.
type ResourceError struct {
	Resource Resource
	Err      error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("resource %s [%#x..%#x]: %v", e.Resource.Name, e.Resource.Start, e.Resource.End(), e.Err)
}

func (e *ResourceError) Unwrap() []error { return []error{ErrResource, e.Err} }

// AllocationError reports a device or task queue that could not be created.
type AllocationError struct {
	What string
	Err  error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocate %s: %v", e.What, e.Err)
}

func (e *AllocationError) Unwrap() []error { return []error{ErrAllocation, e.Err} }

// CancellationTimeout reports a delayed work whose in-flight run did not
// finish within the configured number of wait attempts.
type CancellationTimeout struct {
	Work     string
	Attempts int
}

func (e *CancellationTimeout) Error() string {
	return fmt.Sprintf("cancel %s: still running after %d attempts", e.Work, e.Attempts)
}

func (e *CancellationTimeout) Unwrap() error { return ErrCancellationTimeout }

// ProtocolViolation describes a size register holding more than its buffer
// can contain. It is never returned: the drain path logs it and clamps.
type ProtocolViolation struct {
	Buffer   string
	Size     uint32
	Capacity uint32
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("%s: size %d exceeds capacity %d", e.Buffer, e.Size, e.Capacity)
}
