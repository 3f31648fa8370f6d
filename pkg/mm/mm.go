// Copyright 2024 The Diosix Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mm provides the virtual memory manager: per-process address
// spaces holding trees of shareable memory areas, the fault-decision
// engine, and the page-table-aware user memory primitives.
//
// Lock order:
//
//	AddressSpace.gate
//		VMA.gate
//			Heap/physical-stack gates
//
// Only Duplicate is permitted to hold two AddressSpace gates at once, and
// it always takes the child's after the parent's. Resize is the one path
// that reverses the first two: it takes each user's AddressSpace.gate
// while holding the VMA.gate.
package mm

import (
	"github.com/diodesign/diosix/pkg/kheap"
	"github.com/diodesign/diosix/pkg/memarch"
	"github.com/diodesign/diosix/pkg/physmem"
	"github.com/diodesign/diosix/pkg/platform"
)

// Flusher broadcasts a TLB shootdown to every cpu that may cache
// translations for a root. The scheduler implements it; during early boot
// it may be absent.
type Flusher interface {
	FlushTLB(root platform.PageTableRoot)
}

// Manager ties the address-space layer to its collaborators. It is
// system-wide and immutable after boot.
type Manager struct {
	Port   platform.Port
	Frames *physmem.Stacks
	Heap   *kheap.Heap

	// Flush may be nil until the scheduler is up.
	Flush Flusher
}

// New returns a manager over the given port and allocators.
func New(port platform.Port, frames *physmem.Stacks, heap *kheap.Heap) *Manager {
	return &Manager{Port: port, Frames: frames, Heap: heap}
}

func (m *Manager) flushTLB(root platform.PageTableRoot) {
	if m.Flush != nil {
		m.Flush.FlushTLB(root)
	}
}

// pageFlags derives the port mapping flags for a page inside vma,
// optionally forcing the mapping read-only for copy-on-write.
func pageFlags(flags VMAFlags, writable bool) platform.PageFlags {
	pf := platform.PagePresent | platform.PageUser
	if flags&VMAWriteable != 0 && writable {
		pf |= platform.PageWrite
	}
	if flags&VMANoCache != 0 {
		pf |= platform.PageNoCache
	}
	return pf
}

// mapPage installs one 4K mapping in a space.
func (m *Manager) mapPage(s *AddressSpace, va memarch.VirtAddr, pa memarch.PhysAddr, flags VMAFlags, writable bool) error {
	return m.Port.Map4K(s.Root, va.RoundDown(), pa, pageFlags(flags, writable))
}
