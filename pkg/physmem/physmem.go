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

// Package physmem manages the free physical page frames. All free frames
// live on exactly one of two descending stacks: a low stack for frames
// below the DMA boundary, in case DMA hardware needs them, and a high
// stack for the rest. Frames holding the kernel image, the stacks
// themselves and the boot payload never reach either stack.
package physmem

import (
	"github.com/diodesign/diosix/pkg/abi/diosix"
	"github.com/diodesign/diosix/pkg/log"
	"github.com/diodesign/diosix/pkg/memarch"
	"github.com/diodesign/diosix/pkg/platform"
	"github.com/diodesign/diosix/pkg/sync"
)

// Pref selects which stack a request is served from.
type Pref int

const (
	// LowOnly insists on a DMA-capable frame.
	LowOnly Pref = iota

	// HighPreferred takes a high frame, falling back to low.
	HighPreferred

	// Any takes whatever is available, high first.
	Any
)

// Range is a half-open physical address range reserved away from the
// stacks.
type Range struct {
	Base memarch.PhysAddr
	Size uint64
}

// contains reports whether the page at pa falls inside the range.
func (r Range) contains(pa memarch.PhysAddr) bool {
	return pa >= r.Base.RoundDown() && uint64(pa) < uint64(r.Base)+r.Size
}

// Stacks is the allocator. One gate covers both stacks and the
// accounting.
type Stacks struct {
	gate sync.Gate
	mem  platform.Memory

	// dmaBoundary splits the two stacks: frames strictly below it are
	// DMA-capable.
	dmaBoundary memarch.PhysAddr

	// low and high hold free frame addresses; pushes append, pops take
	// from the end, so entries pushed during the boot scan descend.
	low  []memarch.PhysAddr
	high []memarch.PhysAddr

	// lowCap/highCap are fixed at boot; exceeding one means a frame was
	// returned that was never handed out and the stacks have collided.
	lowCap  int
	highCap int

	// totalPages is every page of RAM the boot map declared; reserved is
	// the count withheld from the stacks; requested counts frames
	// currently handed out.
	totalPages uint64
	reserved   uint64
	requested  uint64
}

// New returns an empty allocator. Populate must run before any request.
func New(mem platform.Memory, dmaBoundary memarch.PhysAddr) *Stacks {
	return &Stacks{mem: mem, dmaBoundary: dmaBoundary}
}

// Populate scans the boot memory map, classifying every page of declared
// RAM: pages inside a reserved range (kernel image, the stack region, the
// payload binaries) are withheld; everything else is pushed to the stack
// matching its address. It returns the number of frames stacked.
func (s *Stacks) Populate(o sync.Owner, regions []platform.MemoryRegion, reserved []Range) uint64 {
	s.gate.Lock(o, sync.LockWrite)
	defer s.gate.Unlock(o)

	var pushed uint64
	for _, region := range regions {
		if !region.RAM {
			continue
		}
		base := region.Base.RoundUp()
		top := uint64(region.Base) + region.Length
		for pg := uint64(base); pg+memarch.PageSize <= top; pg += memarch.PageSize {
			s.totalPages++
			pa := memarch.PhysAddr(pg)
			if reservedPage(reserved, pa) {
				s.reserved++
				continue
			}
			if pa < s.dmaBoundary {
				s.low = append(s.low, pa)
			} else {
				s.high = append(s.high, pa)
			}
			pushed++
		}
	}

	// The boot scan walks addresses upward, so each stack's top entry is
	// its highest frame and successive pops descend one page at a time.
	s.lowCap = len(s.low)
	s.highCap = len(s.high)

	log.Bootf("physmem", "stacked %d frames (%d low, %d high), %d reserved, %d total",
		pushed, s.lowCap, s.highCap, s.reserved, s.totalPages)
	return pushed
}

func reservedPage(reserved []Range, pa memarch.PhysAddr) bool {
	for _, r := range reserved {
		if r.contains(pa) {
			return true
		}
	}
	return false
}

// Request pops a zeroed frame from the stack indicated by pref, falling
// back per policy.
func (s *Stacks) Request(o sync.Owner, pref Pref) (memarch.PhysAddr, error) {
	s.gate.Lock(o, sync.LockWrite)

	var pa memarch.PhysAddr
	switch {
	case pref == LowOnly:
		if len(s.low) == 0 {
			s.gate.Unlock(o)
			return 0, diosix.ErrNoPhysPages
		}
		pa = s.popLow()

	case len(s.high) > 0:
		pa = s.popHigh()

	case len(s.low) > 0:
		pa = s.popLow()

	default:
		s.gate.Unlock(o)
		return 0, diosix.ErrNoPhysPages
	}

	s.requested++
	s.gate.Unlock(o)

	// Hand out clean frames only.
	if err := s.mem.ZeroPhys(pa, memarch.PageSize); err != nil {
		return 0, err
	}
	return pa, nil
}

func (s *Stacks) popLow() memarch.PhysAddr {
	pa := s.low[len(s.low)-1]
	s.low = s.low[:len(s.low)-1]
	return pa
}

func (s *Stacks) popHigh() memarch.PhysAddr {
	pa := s.high[len(s.high)-1]
	s.high = s.high[:len(s.high)-1]
	return pa
}

// Return pushes a frame back onto whichever stack its address belongs
// to. A stack growing past its boot-time extent means the stacks have
// collided, which is an invariant violation.
func (s *Stacks) Return(o sync.Owner, pa memarch.PhysAddr) error {
	if !pa.PageAligned() {
		log.Koopsf("physmem", "returned frame %#x not page aligned", pa)
		return diosix.ErrNotPageAligned
	}

	s.gate.Lock(o, sync.LockWrite)
	defer s.gate.Unlock(o)

	if pa < s.dmaBoundary {
		if len(s.low) >= s.lowCap {
			log.Koopsf("physmem", "low physical stack overflowed returning %#x", pa)
			return diosix.ErrPhysStkOverflow
		}
		s.low = append(s.low, pa)
	} else {
		if len(s.high) >= s.highCap {
			log.Koopsf("physmem", "high physical stack overflowed returning %#x", pa)
			return diosix.ErrPhysStkOverflow
		}
		s.high = append(s.high, pa)
	}

	s.requested--
	return nil
}

// HaveAtLeast checks that enough free frames remain to hold size bytes.
func (s *Stacks) HaveAtLeast(o sync.Owner, size uint64) error {
	if size == 0 {
		return nil // there's always room for zero bytes
	}

	s.gate.Lock(o, sync.LockRead)
	defer s.gate.Unlock(o)

	free := s.totalPages - s.reserved - s.requested
	if free < size/memarch.PageSize+1 {
		return diosix.ErrNotEnoughPages
	}
	return nil
}

// HaveContiguous checks that the top of the selected stack holds a run of
// physically contiguous frames covering size bytes: successive entries
// must differ by exactly one page in the descending direction.
func (s *Stacks) HaveContiguous(o sync.Owner, size uint64, pref Pref) error {
	s.gate.Lock(o, sync.LockRead)
	defer s.gate.Unlock(o)

	stack := s.high
	if pref == LowOnly {
		stack = s.low
	}

	want := int(size / memarch.PageSize)
	if len(stack) == 0 {
		return diosix.ErrNoPhysPages
	}
	if len(stack)-1 < want {
		return diosix.ErrNoPhysPages
	}

	top := len(stack) - 1
	for i := 0; i < want; i++ {
		if stack[top-i] != stack[top-i-1]+memarch.PageSize {
			return diosix.ErrNotContiguous
		}
	}
	return nil
}

// FreeFrames returns the current depth of the selected stack.
func (s *Stacks) FreeFrames(o sync.Owner, pref Pref) int {
	s.gate.Lock(o, sync.LockRead)
	defer s.gate.Unlock(o)
	if pref == LowOnly {
		return len(s.low)
	}
	return len(s.high)
}

// Snapshot copies the selected stack's contents, top last. Tests use it
// to check round-trip laws.
func (s *Stacks) Snapshot(o sync.Owner, pref Pref) []memarch.PhysAddr {
	s.gate.Lock(o, sync.LockRead)
	defer s.gate.Unlock(o)
	src := s.high
	if pref == LowOnly {
		src = s.low
	}
	out := make([]memarch.PhysAddr, len(src))
	copy(out, src)
	return out
}
