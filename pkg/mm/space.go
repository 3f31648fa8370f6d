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
	"github.com/google/btree"

	"github.com/diodesign/diosix/pkg/abi/diosix"
	"github.com/diodesign/diosix/pkg/log"
	"github.com/diodesign/diosix/pkg/memarch"
	"github.com/diodesign/diosix/pkg/platform"
	"github.com/diodesign/diosix/pkg/sync"
)

// treeNode maps one VMA into a space at a base address. Nodes are keyed
// on base; two nodes whose ranges overlap are treated as colliding.
type treeNode struct {
	base memarch.VirtAddr
	size uint64
	vma  *VMA
}

func (n *treeNode) end() memarch.VirtAddr { return n.base + memarch.VirtAddr(n.size) }

// AddressSpace is one process's view of virtual memory: a balanced
// ordered tree of memory areas plus the port-managed page-table root.
type AddressSpace struct {
	// gate protects the tree. Read for lookups, write for structural
	// changes.
	gate sync.Gate

	// PID names the owning process, for diagnostics only.
	PID uint32

	// Root is the opaque page-table root shared by all threads of the
	// owning process.
	Root platform.PageTableRoot

	// tree is ordered by base virtual address; within one space ranges
	// never overlap.
	tree *btree.BTreeG[*treeNode]
}

// NewSpace wraps a port root in an empty address space.
func (m *Manager) NewSpace(pid uint32, root platform.PageTableRoot) *AddressSpace {
	return &AddressSpace{
		PID:  pid,
		Root: root,
		tree: btree.NewG(8, func(a, b *treeNode) bool { return a.base < b.base }),
	}
}

// overlapsLocked reports whether [base, base+size) collides with any
// existing node.
func (s *AddressSpace) overlapsLocked(base memarch.VirtAddr, size uint64) bool {
	collides := false
	// The nearest node at or below base may reach over it.
	s.tree.DescendLessOrEqual(&treeNode{base: base}, func(n *treeNode) bool {
		collides = n.end() > base
		return false
	})
	if collides {
		return true
	}
	// The nearest node above base may start before our end.
	s.tree.AscendGreaterOrEqual(&treeNode{base: base + 1}, func(n *treeNode) bool {
		collides = n.base < base+memarch.VirtAddr(size)
		return false
	})
	return collides
}

// Link maps an existing area into a space at base, bumping its refcount
// and recording the mapping. Colliding ranges fail with ErrVMAExists.
func (m *Manager) Link(o sync.Owner, s *AddressSpace, v *VMA, base memarch.VirtAddr) error {
	s.gate.Lock(o, sync.LockWrite)

	if s.overlapsLocked(base, v.size) {
		s.gate.Unlock(o)
		log.Debugf("mm", "vma collision at %#x+%#x in space %d", base, v.size, s.PID)
		return diosix.ErrVMAExists
	}
	s.tree.ReplaceOrInsert(&treeNode{base: base, size: v.size, vma: v})
	s.gate.Unlock(o)

	if err := v.gate.Lock(o, sync.LockWrite); err != nil {
		return err
	}
	err := v.addMapping(o, s, base)
	v.gate.Unlock(o)
	if err != nil {
		s.gate.Lock(o, sync.LockWrite)
		s.tree.Delete(&treeNode{base: base})
		s.gate.Unlock(o)
	}
	return err
}

// Add creates a fresh area and links it at base.
func (m *Manager) Add(o sync.Owner, s *AddressSpace, base memarch.VirtAddr, size uint64, flags VMAFlags, token uint32) error {
	v, err := m.newVMA(o, size, flags, token)
	if err != nil {
		return err
	}
	if err := m.Link(o, s, v, base); err != nil {
		v.mappings.Destroy(o)
		return err
	}
	return nil
}

// Unlink removes an area from a space. On the last unlink the area is
// destroyed: its gate self-destructs and the mapping pool is released.
func (m *Manager) Unlink(o sync.Owner, s *AddressSpace, v *VMA) error {
	base, ok := v.MappedBaseIn(o, s)
	if !ok {
		return diosix.ErrNotFound
	}

	s.gate.Lock(o, sync.LockWrite)
	s.tree.Delete(&treeNode{base: base})
	s.gate.Unlock(o)

	if err := v.gate.Lock(o, sync.LockWrite); err != nil {
		return err
	}
	if v.dropMapping(s) {
		// Nobody left: tear the area down.
		v.gate.Unlock(o)
		v.gate.Lock(o, sync.LockWrite|sync.LockSelfDestruct)
		v.gate.Unlock(o)
		return v.mappings.Destroy(o)
	}
	v.gate.Unlock(o)
	return nil
}

// Find returns the area covering addr and its base in this space.
func (s *AddressSpace) Find(o sync.Owner, addr memarch.VirtAddr) (*VMA, memarch.VirtAddr, bool) {
	s.gate.Lock(o, sync.LockRead)
	defer s.gate.Unlock(o)
	return s.findLocked(addr)
}

func (s *AddressSpace) findLocked(addr memarch.VirtAddr) (*VMA, memarch.VirtAddr, bool) {
	var found *treeNode
	s.tree.DescendLessOrEqual(&treeNode{base: addr}, func(n *treeNode) bool {
		if n.end() > addr {
			found = n
		}
		return false
	})
	if found == nil {
		return nil, 0, false
	}
	return found.vma, found.base, true
}

// Each visits every area in ascending base order.
func (s *AddressSpace) Each(o sync.Owner, fn func(base memarch.VirtAddr, v *VMA) bool) {
	s.gate.Lock(o, sync.LockRead)
	nodes := make([]*treeNode, 0, s.tree.Len())
	s.tree.Ascend(func(n *treeNode) bool {
		nodes = append(nodes, n)
		return true
	})
	s.gate.Unlock(o)

	for _, n := range nodes {
		if !fn(n.base, n.vma) {
			return
		}
	}
}

// Resize grows or shrinks an area in place. Growth fails if the new
// extent would collide with a neighbour in any space using the area.
func (m *Manager) Resize(o sync.Owner, v *VMA, newSize uint64) error {
	if newSize == 0 {
		return diosix.ErrTooSmall
	}
	if err := v.gate.Lock(o, sync.LockWrite); err != nil {
		return err
	}
	defer v.gate.Unlock(o)

	if newSize > v.size {
		grow := newSize - v.size
		collision := false
		v.eachMapping(func(mp *Mapping) bool {
			mp.Space.gate.Lock(o, sync.LockRead)
			collision = mp.Space.overlapsLocked(mp.Base+memarch.VirtAddr(v.size), grow)
			mp.Space.gate.Unlock(o)
			return !collision
		})
		if collision {
			return diosix.ErrVMAExists
		}
	}

	v.eachMapping(func(mp *Mapping) bool {
		mp.Space.gate.Lock(o, sync.LockWrite)
		mp.Space.tree.Delete(&treeNode{base: mp.Base})
		mp.Space.tree.ReplaceOrInsert(&treeNode{base: mp.Base, size: newSize, vma: v})
		mp.Space.gate.Unlock(o)
		return true
	})
	v.size = newSize
	return nil
}

// Duplicate links every area of src into dst at the same bases: fork
// shares areas rather than copying them, and the port marks writable
// pages copy-on-write on both sides.
func (m *Manager) Duplicate(o sync.Owner, dst, src *AddressSpace) error {
	var err error
	src.Each(o, func(base memarch.VirtAddr, v *VMA) bool {
		err = m.Link(o, dst, v, base)
		return err == nil
	})
	return err
}

// Destroy unlinks every area from a dying space and returns any frames
// the last user held.
func (m *Manager) Destroy(o sync.Owner, s *AddressSpace) error {
	type entry struct {
		base memarch.VirtAddr
		vma  *VMA
	}
	var areas []entry
	s.Each(o, func(base memarch.VirtAddr, v *VMA) bool {
		areas = append(areas, entry{base, v})
		return true
	})

	var err error
	for _, a := range areas {
		m.releaseFrames(o, s, a.base, a.vma)
		if e := m.Unlink(o, s, a.vma); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// releaseFrames unmaps an area's pages from a space. A frame goes back to
// the physical stacks only when no other user of the area still maps it:
// completed copy-on-write clones are private even while the area itself
// stays shared.
func (m *Manager) releaseFrames(o sync.Owner, s *AddressSpace, base memarch.VirtAddr, v *VMA) {
	for off := uint64(0); off < v.size; off += memarch.PageSize {
		va := base + memarch.VirtAddr(off)
		pa, _, err := m.Port.TranslateUser(s.Root, va)
		if err != nil {
			continue
		}
		if err := m.Port.Unmap4K(s.Root, va, false); err != nil {
			continue
		}
		if !m.frameSharedElsewhere(o, s, v, off, pa) {
			m.Frames.Return(o, pa)
		}
	}
}

// frameSharedElsewhere reports whether another user of v maps the same
// physical frame at the same offset into the area.
func (m *Manager) frameSharedElsewhere(o sync.Owner, s *AddressSpace, v *VMA, off uint64, pa memarch.PhysAddr) bool {
	if err := v.gate.Lock(o, sync.LockRead); err != nil {
		return false
	}
	defer v.gate.Unlock(o)

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
