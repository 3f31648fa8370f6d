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
	"github.com/diodesign/diosix/pkg/kheap"
	"github.com/diodesign/diosix/pkg/memarch"
	"github.com/diodesign/diosix/pkg/sync"
)

// VMAFlags describe the access semantics of a memory area.
type VMAFlags uint32

const (
	// VMAWriteable allows writes; its absence makes an area read-only.
	VMAWriteable VMAFlags = 1 << 0

	// VMAMemSource marks the area internally backed: on fault, map in a
	// physical page. Without it the userspace pager is bumped instead.
	VMAMemSource VMAFlags = 1 << 1

	// VMANoCache disables caching on pages in this area.
	VMANoCache VMAFlags = 1 << 2

	// VMAFixed pins physical pages: never swapped out.
	VMAFixed VMAFlags = 1 << 3

	// VMAExecutable allows instruction fetch.
	VMAExecutable VMAFlags = 1 << 4

	// VMAShared inhibits copy-on-write; all users share the frames.
	VMAShared VMAFlags = 1 << 5

	// Semantic tags, field at bit 8.
	VMAGeneric VMAFlags = 0 << 8
	VMAText    VMAFlags = 1 << 8
	VMAData    VMAFlags = 2 << 8
	VMAStack   VMAFlags = 3 << 8

	VMATypeMask VMAFlags = 3 << 8
)

// Mapping records one process's use of a VMA: the space and the base
// address the area is mapped at there. Different processes may place the
// same shared area at different virtual bases.
type Mapping struct {
	Space *AddressSpace
	Base  memarch.VirtAddr
}

// VMA is a shareable virtual memory area: a half-open range with uniform
// access semantics and a pool of per-process mapping records.
type VMA struct {
	// gate protects refcount and the mapping pool.
	gate sync.Gate

	// flags and size are set at creation; SetAccess rewrites the access
	// flags and resize rewrites size, both under the gate.
	flags VMAFlags
	size  uint64

	// token is a private reference set by the userspace page manager.
	token uint32

	// refcount equals the number of mapping records in mappings.
	refcount uint32

	// mappings is a pool of Mapping records, one per using process.
	mappings *kheap.Pool
}

// newVMA builds an unlinked area; the first Link gives it refcount 1.
func (m *Manager) newVMA(o sync.Owner, size uint64, flags VMAFlags, token uint32) (*VMA, error) {
	pool, err := m.Heap.NewPool(o, 16, 4)
	if err != nil {
		return nil, err
	}
	return &VMA{
		flags:    flags,
		size:     size,
		token:    token,
		mappings: pool,
	}, nil
}

// Flags returns the area's access flags.
func (v *VMA) Flags() VMAFlags { return v.flags }

// Size returns the area's extent in bytes.
func (v *VMA) Size() uint64 { return v.size }

// Token returns the pager's cookie.
func (v *VMA) Token() uint32 { return v.token }

// Refcount returns the number of linked processes.
func (v *VMA) Refcount(o sync.Owner) uint32 {
	v.gate.Lock(o, sync.LockRead)
	defer v.gate.Unlock(o)
	return v.refcount
}

// addMapping records a user under the VMA gate, already held for write.
func (v *VMA) addMapping(o sync.Owner, s *AddressSpace, base memarch.VirtAddr) error {
	slot, err := v.mappings.Alloc(o)
	if err != nil {
		return err
	}
	slot.Data = &Mapping{Space: s, Base: base}
	v.refcount++
	return nil
}

// dropMapping removes a user; reports whether the refcount reached zero.
func (v *VMA) dropMapping(s *AddressSpace) bool {
	for slot := v.mappings.Next(nil); slot != nil; slot = v.mappings.Next(slot) {
		if mapping, ok := slot.Data.(*Mapping); ok && mapping.Space == s {
			v.mappings.Free(slot)
			break
		}
	}
	v.refcount--
	return v.refcount == 0
}

// eachMapping visits every mapping record. The caller holds the gate.
func (v *VMA) eachMapping(fn func(*Mapping) bool) {
	for slot := v.mappings.Next(nil); slot != nil; slot = v.mappings.Next(slot) {
		if mapping, ok := slot.Data.(*Mapping); ok {
			if !fn(mapping) {
				return
			}
		}
	}
}

// SetAccess rewrites the area's access bits; the semantic tag and the
// backing flags stay put.
func (v *VMA) SetAccess(o sync.Owner, flags VMAFlags) error {
	const accessMask = VMAWriteable | VMAExecutable | VMANoCache | VMAShared
	if err := v.gate.Lock(o, sync.LockWrite); err != nil {
		return err
	}
	v.flags = (v.flags &^ accessMask) | (flags & accessMask)
	v.gate.Unlock(o)
	return nil
}

// MappedBaseIn returns the base address this area is mapped at in the
// given space.
func (v *VMA) MappedBaseIn(o sync.Owner, s *AddressSpace) (memarch.VirtAddr, bool) {
	v.gate.Lock(o, sync.LockRead)
	defer v.gate.Unlock(o)
	var base memarch.VirtAddr
	found := false
	v.eachMapping(func(mp *Mapping) bool {
		if mp.Space == s {
			base, found = mp.Base, true
			return false
		}
		return true
	})
	return base, found
}
