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

// Package kheap implements the kernel heap: a first-fit allocator over a
// sorted free list (AST Minix 3 book, p382 2nd ed), fed with contiguous
// runs of physical frames, plus typed object pools carved from heap
// blocks. Block headers carry magic words so corruption and double-frees
// are caught at the boundary.
package kheap

import (
	"github.com/diodesign/diosix/pkg/abi/diosix"
	"github.com/diodesign/diosix/pkg/log"
	"github.com/diodesign/diosix/pkg/memarch"
	"github.com/diodesign/diosix/pkg/physmem"
	"github.com/diodesign/diosix/pkg/sync"
)

const (
	magicFree  = 0xdeaddead
	magicInUse = 0xd105d105

	// HeaderSize is the accounting overhead charged to every block.
	HeaderSize = 32

	// BlockMultiple rounds requests up to limit fragmentation and let
	// realloc grow in place.
	BlockMultiple = 128
)

// pad rounds a request up to the block multiple, leaving room to tack a
// header onto any remainder.
func pad(size uint64) uint64 {
	return (size + BlockMultiple + HeaderSize) &^ (BlockMultiple - 1)
}

// block is a heap block header. Blocks live either on the sorted free
// list (ascending base, adjacent blocks coalesced) or the unsorted
// allocated list.
type block struct {
	magic uint32
	base  memarch.VirtAddr // address of the header itself

	// size is the true size of the request including header; capacity is
	// the block's whole footprint, a multiple of BlockMultiple, giving
	// realloc room to grow in place.
	size     uint64
	capacity uint64

	prev *block
	next *block
}

func (b *block) data() memarch.VirtAddr { return b.base + HeaderSize }
func (b *block) end() memarch.VirtAddr  { return b.base + memarch.VirtAddr(b.capacity) }

// Heap is the kernel heap. One gate covers the free and allocated lists.
type Heap struct {
	gate   sync.Gate
	frames *physmem.Stacks

	free      *block                      // head of sorted free list
	allocated *block                      // head of unsorted allocated list
	byData    map[memarch.VirtAddr]*block // data address -> allocated block
}

// New returns a heap drawing frames from the given stacks.
func New(frames *physmem.Stacks) *Heap {
	return &Heap{
		frames: frames,
		byData: make(map[memarch.VirtAddr]*block),
	}
}

// Alloc carves out a block of at least size bytes and returns its data
// address in kernel space.
func (h *Heap) Alloc(o sync.Owner, size uint64) (memarch.VirtAddr, error) {
	if size == 0 {
		return 0, diosix.ErrBadParams
	}

	h.gate.Lock(o, sync.LockWrite)
	defer h.gate.Unlock(o)
	return h.allocLocked(o, size)
}

func (h *Heap) allocLocked(o sync.Owner, size uint64) (memarch.VirtAddr, error) {
	// The request carries its header; the search size leaves room for the
	// header of whatever is trimmed off the block we pick.
	size += HeaderSize
	safeSize := pad(size + HeaderSize)

	// First fit over the sorted free list.
	b := h.free
	for b != nil {
		if b.capacity > safeSize {
			break
		}
		b = b.next
	}

	if b != nil {
		if b.prev != nil {
			b.prev.next = b.next
		} else {
			h.free = b.next
		}
		if b.next != nil {
			b.next.prev = b.prev
		}
	} else {
		// Nothing suitable: pull a fresh run of physical frames, high
		// stack first, low on failure.
		pref := physmem.HighPreferred
		if err := h.frames.HaveContiguous(o, safeSize, pref); err != nil {
			pref = physmem.LowOnly
			if err := h.frames.HaveContiguous(o, safeSize, pref); err != nil {
				log.Debugf("kheap", "no contiguous frames for %d byte heap block", safeSize)
				return 0, err
			}
		}

		// Frames pop in descending address order, so the last one out is
		// the base of the run.
		var base memarch.PhysAddr
		pages := safeSize/memarch.PageSize + 1
		for pg := uint64(0); pg < pages; pg++ {
			pa, err := h.frames.Request(o, pref)
			if err != nil {
				return 0, err
			}
			base = pa
		}

		b = &block{
			base:     memarch.VirtAddr(base),
			capacity: pages * memarch.PageSize,
		}
	}

	// Keep the padded footprint, trim the rest off the tail and hand it
	// back to the free list.
	keep := pad(size)
	if b.capacity > keep+HeaderSize {
		extra := &block{
			magic:    magicFree,
			base:     b.base + memarch.VirtAddr(keep),
			capacity: b.capacity - keep,
		}
		h.addToFreeLocked(extra)
		b.capacity = keep
	}

	b.magic = magicInUse
	b.size = size

	// Head of the allocated list.
	b.next = h.allocated
	b.prev = nil
	if h.allocated != nil {
		h.allocated.prev = b
	}
	h.allocated = b
	h.byData[b.data()] = b

	return b.data(), nil
}

// Free releases a previously allocated block back to the free list,
// merging it with adjacent neighbours.
func (h *Heap) Free(o sync.Owner, addr memarch.VirtAddr) error {
	h.gate.Lock(o, sync.LockWrite)
	defer h.gate.Unlock(o)
	return h.freeLocked(addr)
}

func (h *Heap) freeLocked(addr memarch.VirtAddr) error {
	b, ok := h.byData[addr]
	if !ok {
		log.Koopsf("kheap", "free of unknown address %#x", addr)
		return diosix.ErrBadAddress
	}
	if b.magic != magicInUse {
		log.Panicf("kheap", "block %#x has wrong magic %#x", b.base, b.magic)
	}

	delete(h.byData, addr)
	if b.prev != nil {
		b.prev.next = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	}
	if h.allocated == b {
		h.allocated = b.next
	}

	h.addToFreeLocked(b)
	return nil
}

// addToFreeLocked inserts a block into the free list at its sorted
// position and merges adjoining blocks.
func (h *Heap) addToFreeLocked(b *block) {
	b.magic = magicFree
	b.prev = nil
	b.next = nil

	loop := h.free
	for loop != nil {
		if b.base < loop.base {
			// Insert in front of loop.
			b.next = loop
			b.prev = loop.prev
			if b.prev == nil {
				h.free = b
			} else {
				b.prev.next = b
			}
			loop.prev = b
			break
		}
		if loop.next == nil {
			// Add to the end.
			loop.next = b
			b.prev = loop
			b.next = nil
			break
		}
		loop = loop.next
	}
	if h.free == nil {
		h.free = b
	}

	// Merge adjoining blocks.
	loop = h.free
	for loop != nil {
		target := loop.next
		if target == nil {
			break
		}
		if target.base == loop.end() {
			loop.next = target.next
			if target.next != nil {
				target.next.prev = loop
			}
			loop.capacity += target.capacity
			continue
		}
		loop = loop.next
	}
}

// Realloc grows or shrinks an allocated block by change bytes, moving it
// only when the padded capacity cannot absorb the change. The original
// block survives any failure.
func (h *Heap) Realloc(o sync.Owner, addr memarch.VirtAddr, change int64) (memarch.VirtAddr, error) {
	if addr == 0 {
		if change < 1 {
			return 0, diosix.ErrBadParams
		}
		return h.Alloc(o, uint64(change))
	}

	h.gate.Lock(o, sync.LockWrite)
	defer h.gate.Unlock(o)

	b, ok := h.byData[addr]
	if !ok {
		return 0, diosix.ErrBadAddress
	}
	size := b.size

	if change == 0 {
		return addr, nil
	}
	if change < 0 && uint64(-change) >= size {
		log.Koopsf("kheap", "tried to shrink a block of size %d by %d bytes", size, -change)
		return 0, diosix.ErrBadParams
	}

	// Grow or shrink within the block's own footprint if it fits.
	newSize := uint64(int64(size) + change)
	if newSize <= b.capacity {
		b.size = newSize
		return addr, nil
	}

	// Time to alloc-copy-free. The heap only tracks extents, so the copy
	// is the caller's address-space identity: the new block simply
	// replaces the old one.
	newAddr, err := h.allocLocked(o, newSize-HeaderSize)
	if err != nil {
		return 0, err
	}
	if err := h.freeLocked(addr); err != nil {
		return 0, err
	}
	return newAddr, nil
}

// AllocatedSize returns the true size of the block at addr, or 0 for an
// unknown address.
func (h *Heap) AllocatedSize(o sync.Owner, addr memarch.VirtAddr) uint64 {
	h.gate.Lock(o, sync.LockRead)
	defer h.gate.Unlock(o)
	b, ok := h.byData[addr]
	if !ok {
		return 0
	}
	return b.size
}

// FreeTotal sums the free list, for the round-trip accounting laws.
func (h *Heap) FreeTotal(o sync.Owner) uint64 {
	h.gate.Lock(o, sync.LockRead)
	defer h.gate.Unlock(o)
	var total uint64
	for b := h.free; b != nil; b = b.next {
		total += b.capacity
	}
	return total
}
