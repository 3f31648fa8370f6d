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

package kheap

import (
	"github.com/diodesign/diosix/pkg/abi/diosix"
	"github.com/diodesign/diosix/pkg/memarch"
	"github.com/diodesign/diosix/pkg/sync"
)

const (
	slotMagicFree  = 0xd33dd33d
	slotMagicInUse = 0xd106d106

	// SlotHeaderSize is charged per slot on top of the pool's block size.
	SlotHeaderSize = 16

	// MaxSlotSize bounds the small recurrent kernel objects pools are
	// meant for.
	MaxSlotSize = BlockMultiple * 2

	// MaxInitCount bounds the initial carve.
	MaxInitCount = 256
)

// Slot is one fixed-size block in a pool. Data carries the kernel object
// stored in the slot.
type Slot struct {
	magic uint32
	addr  memarch.VirtAddr
	prev  *Slot
	next  *Slot

	Data interface{}
}

// Pool is a fixed-block allocator carved from a single heap block, used
// for small recurrent kernel objects: queued signals, sleep-timer
// entries, mapping records. A spinlock covers both lists.
type Pool struct {
	lock sync.SpinLock
	heap *Heap

	slotSize uint64
	base     memarch.VirtAddr // backing heap block
	capacity uint64           // bytes carved so far

	head, tail *Slot // double-linked list of in-use slots
	free       *Slot
	inUse      uint64
}

// NewPool creates a pool of init slots, each slotSize bytes.
func (h *Heap) NewPool(o sync.Owner, slotSize, init uint64) (*Pool, error) {
	if slotSize == 0 || slotSize > MaxSlotSize || init == 0 || init > MaxInitCount {
		return nil, diosix.ErrBadParams
	}

	size := (slotSize + SlotHeaderSize) * init
	base, err := h.Alloc(o, size)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		heap:     h,
		slotSize: slotSize,
		base:     base,
		capacity: size,
	}
	p.carve(base, init)
	return p, nil
}

// carve threads count fresh slots starting at addr onto the free list.
func (p *Pool) carve(addr memarch.VirtAddr, count uint64) {
	for i := uint64(0); i < count; i++ {
		s := &Slot{
			magic: slotMagicFree,
			addr:  addr,
			next:  p.free,
		}
		p.free = s
		addr += memarch.VirtAddr(p.slotSize + SlotHeaderSize)
	}
}

// Alloc takes a slot from the free list, growing the backing block when
// the pool is dry, and links it at the head of the in-use list.
func (p *Pool) Alloc(o sync.Owner) (*Slot, error) {
	p.lock.Lock()
	if p.free == nil {
		// Grow by doubling the backing heap block. The realloc may move
		// the block, but slots already carved keep their identity; only
		// fresh slots use the new extent.
		grown, err := p.heap.Realloc(o, p.base, int64(p.capacity))
		if err != nil {
			p.lock.Unlock()
			return nil, err
		}
		fresh := grown + memarch.VirtAddr(p.capacity)
		count := p.capacity / (p.slotSize + SlotHeaderSize)
		p.base = grown
		p.capacity *= 2
		p.carve(fresh, count)
	}

	s := p.free
	p.free = s.next
	s.magic = slotMagicInUse
	s.prev = nil
	s.next = p.head
	if p.head != nil {
		p.head.prev = s
	}
	p.head = s
	if p.tail == nil {
		p.tail = s
	}
	p.inUse++
	p.lock.Unlock()
	return s, nil
}

// Free returns a slot to the free list.
func (p *Pool) Free(s *Slot) error {
	if s == nil {
		return diosix.ErrBadParams
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	if s.magic != slotMagicInUse {
		return diosix.ErrBadMagic
	}

	if s.prev != nil {
		s.prev.next = s.next
	} else {
		p.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	} else {
		p.tail = s.prev
	}

	s.magic = slotMagicFree
	s.Data = nil
	s.prev = nil
	s.next = p.free
	p.free = s
	p.inUse--
	return nil
}

// Next steps through the in-use list: nil starts at the head. Insertion
// happens at the head, so an iteration in flight never sees a stale next
// pointer.
func (p *Pool) Next(s *Slot) *Slot {
	p.lock.Lock()
	defer p.lock.Unlock()
	if s == nil {
		return p.head
	}
	return s.next
}

// InUse returns the number of allocated slots.
func (p *Pool) InUse() uint64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.inUse
}

// Destroy releases the backing heap block. The pool must not be used
// afterwards.
func (p *Pool) Destroy(o sync.Owner) error {
	p.lock.Lock()
	base := p.base
	p.head, p.tail, p.free = nil, nil, nil
	p.inUse = 0
	p.lock.Unlock()
	return p.heap.Free(o, base)
}
