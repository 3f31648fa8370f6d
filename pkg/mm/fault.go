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

package mm

import (
	"github.com/diodesign/diosix/pkg/abi/diosix"
	"github.com/diodesign/diosix/pkg/log"
	"github.com/diodesign/diosix/pkg/memarch"
	"github.com/diodesign/diosix/pkg/physmem"
	"github.com/diodesign/diosix/pkg/platform"
	"github.com/diodesign/diosix/pkg/sync"
)

// Decision is the fault-decision engine's verdict on a faulting access.
type Decision int

const (
	// BadAccess: no covering area, a write to a read-only area, or a
	// kernel address touched from user mode. The caller delivers
	// SIGBUS/SIGSEGV or kills.
	BadAccess Decision = iota

	// External: the covering area is not internally backed; the fault is
	// forwarded to the userspace pager.
	External

	// NewPage: writable area, no physical page yet. Allocate a frame and
	// map it private.
	NewPage

	// NewSharedPage: shared area with no frame yet among any of its
	// users. Allocate one frame, map it into every sharing process at
	// each mapping's base, broadcast TLB flushes.
	NewSharedPage

	// ClonePage: copy-on-write completion. Another process still shares
	// the physical frame, so allocate, copy and remap private.
	ClonePage

	// MakeWriteable: sole user of a present frame; just flip the
	// writable bit and flush.
	MakeWriteable
)

// String implements fmt.Stringer.
func (d Decision) String() string {
	switch d {
	case BadAccess:
		return "badaccess"
	case External:
		return "external"
	case NewPage:
		return "newpage"
	case NewSharedPage:
		return "newsharedpage"
	case ClonePage:
		return "clonepage"
	case MakeWriteable:
		return "makewriteable"
	default:
		return "unknown"
	}
}

// Fault decides what to do about a faulting access in a space. It
// performs no mutation; Resolve acts on the verdict.
func (m *Manager) Fault(o sync.Owner, s *AddressSpace, addr memarch.VirtAddr, access memarch.Access) Decision {
	// User mode never has business above the kernel boundary.
	if access.User && addr >= m.Port.KernelSpaceBase() {
		return BadAccess
	}

	v, base, ok := s.Find(o, addr)
	if !ok {
		return BadAccess // no area means no possible access
	}

	if err := v.gate.Lock(o, sync.LockRead); err != nil {
		return BadAccess
	}
	defer v.gate.Unlock(o)

	log.Debugf("mm", "fault at %#x lies within area %#x+%#x in space %d",
		addr, base, v.size, s.PID)

	// Fail a write to a non-writeable area outright.
	if access.Write && v.flags&VMAWriteable == 0 {
		return BadAccess
	}

	// Defer to the userspace page manager if it owns this area.
	if v.flags&VMAMemSource == 0 {
		return External
	}

	pa, _, translateErr := m.Port.TranslateUser(s.Root, addr.RoundDown())
	present := translateErr == nil

	if v.flags&VMAShared != 0 {
		if !present {
			return NewSharedPage
		}
		// Shared and present: only the write bit can be missing.
		return MakeWriteable
	}

	if v.refcount > 1 {
		// A linked area: time to give this process its own copy, unless
		// nothing is mapped yet or nobody else shares the frame.
		if !present {
			return NewPage
		}
		off := uint64(addr.RoundDown() - base)
		if m.sharedWithOther(s, v, off, pa) {
			return ClonePage
		}
		return MakeWriteable
	}

	// Single-linked: a present page is a copy-on-write leftover, an
	// absent one needs memory.
	if present {
		return MakeWriteable
	}
	return NewPage
}

// sharedWithOther reports whether a second process still maps the same
// physical frame at the same offset into the area. Cloning only when a
// frame is genuinely shared avoids leaking a page of physical memory.
func (m *Manager) sharedWithOther(s *AddressSpace, v *VMA, off uint64, pa memarch.PhysAddr) bool {
	shared := false
	v.eachMapping(func(mp *Mapping) bool {
		if mp.Space == s {
			return true
		}
		if other, _, err := m.Port.TranslateUser(mp.Space.Root, mp.Base+memarch.VirtAddr(off)); err == nil && other == pa {
			shared = true
			return false
		}
		return true
	})
	return shared
}

// Resolve drives a fault to completion: it asks Fault for a verdict and
// performs the mechanical part for the resolvable decisions. BadAccess
// and External come back to the caller, which owns signal delivery and
// pager forwarding.
func (m *Manager) Resolve(o sync.Owner, s *AddressSpace, addr memarch.VirtAddr, access memarch.Access) (Decision, error) {
	decision := m.Fault(o, s, addr, access)
	if decision == BadAccess {
		return decision, diosix.ErrBadAddress
	}
	if decision == External {
		return decision, nil
	}

	v, base, ok := s.Find(o, addr)
	if !ok {
		return BadAccess, diosix.ErrBadAddress
	}

	switch decision {
	case NewPage:
		pa, err := m.Frames.Request(o, physmem.HighPreferred)
		if err != nil {
			return decision, err
		}
		return decision, m.mapPage(s, addr, pa, v.flags, true)

	case NewSharedPage:
		return decision, m.resolveShared(o, v, base, addr)

	case ClonePage:
		return decision, m.resolveClone(o, s, v, addr)

	case MakeWriteable:
		pa, _, err := m.Port.TranslateUser(s.Root, addr.RoundDown())
		if err != nil {
			return decision, err
		}
		if err := m.mapPage(s, addr, pa, v.flags, true); err != nil {
			return decision, err
		}
		m.flushTLB(s.Root)
		return decision, nil
	}

	return BadAccess, diosix.ErrFailure
}

// resolveShared finds or allocates the one frame behind a shared page and
// maps it into every sharing space at each mapping's own base, then
// broadcasts TLB flushes.
func (m *Manager) resolveShared(o sync.Owner, v *VMA, base, addr memarch.VirtAddr) error {
	off := uint64(addr.RoundDown() - base)

	if err := v.gate.Lock(o, sync.LockRead); err != nil {
		return err
	}

	var pa memarch.PhysAddr
	havePA := false
	v.eachMapping(func(mp *Mapping) bool {
		if found, _, err := m.Port.TranslateUser(mp.Space.Root, mp.Base+memarch.VirtAddr(off)); err == nil {
			pa, havePA = found, true
			return false
		}
		return true
	})

	if !havePA {
		var err error
		pa, err = m.Frames.Request(o, physmem.HighPreferred)
		if err != nil {
			v.gate.Unlock(o)
			return err
		}
	}

	var mapErr error
	roots := make([]platform.PageTableRoot, 0, 4)
	v.eachMapping(func(mp *Mapping) bool {
		va := mp.Base + memarch.VirtAddr(off)
		if err := m.mapPage(mp.Space, va, pa, v.flags, true); err != nil {
			mapErr = err
			return false
		}
		roots = append(roots, mp.Space.Root)
		return true
	})
	v.gate.Unlock(o)

	for _, root := range roots {
		m.flushTLB(root)
	}
	return mapErr
}

// resolveClone completes a copy-on-write: allocate a frame, copy the old
// page's contents, remap private and writable. The other users' mappings
// are untouched.
func (m *Manager) resolveClone(o sync.Owner, s *AddressSpace, v *VMA, addr memarch.VirtAddr) error {
	va := addr.RoundDown()
	old, _, err := m.Port.TranslateUser(s.Root, va)
	if err != nil {
		log.Koopsf("mm", "page claimed to have physical memory - but doesn't (space %d va %#x)", s.PID, va)
		return diosix.ErrBadAddress
	}

	fresh, err := m.Frames.Request(o, physmem.HighPreferred)
	if err != nil {
		return err
	}

	buf := make([]byte, memarch.PageSize)
	if err := m.Port.ReadPhys(old, buf); err != nil {
		return err
	}
	if err := m.Port.WritePhys(fresh, buf); err != nil {
		return err
	}

	if err := m.mapPage(s, va, fresh, v.flags, true); err != nil {
		return err
	}
	m.flushTLB(s.Root)
	return nil
}

// PreemptFault is invoked before the kernel dereferences a userland
// pointer: for each page in the range, an absent or read-only-violating
// translation drives the fault handler synchronously. The syscall fails
// if resolution fails.
func (m *Manager) PreemptFault(o sync.Owner, s *AddressSpace, base memarch.VirtAddr, size uint64, access memarch.Access) error {
	if size == 0 {
		return diosix.ErrBadParams
	}
	if uint64(base)+size > uint64(m.Port.KernelSpaceBase()) {
		return diosix.ErrBadAddress
	}

	for va := base.RoundDown(); va < base+memarch.VirtAddr(size); va += memarch.PageSize {
		_, flags, err := m.Port.TranslateUser(s.Root, va)
		needsFault := err != nil
		if err == nil && access.Write && flags&platform.PageWrite == 0 {
			needsFault = true
		}
		if !needsFault {
			continue
		}
		decision, err := m.Resolve(o, s, va, access)
		if err != nil {
			return err
		}
		if decision == External {
			// The pager cannot be waited on mid-syscall.
			return diosix.ErrBadAddress
		}
	}
	return nil
}
