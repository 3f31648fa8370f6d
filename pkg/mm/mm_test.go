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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diodesign/diosix/pkg/abi/diosix"
	"github.com/diodesign/diosix/pkg/kheap"
	"github.com/diodesign/diosix/pkg/memarch"
	"github.com/diodesign/diosix/pkg/physmem"
	"github.com/diodesign/diosix/pkg/platform"
	"github.com/diodesign/diosix/pkg/platform/softmmu"
	"github.com/diodesign/diosix/pkg/sync"
)

type testEnv struct {
	port    *softmmu.Port
	frames  *physmem.Stacks
	manager *Manager
	o       sync.Owner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	port := softmmu.New()
	frames := physmem.New(port, 1<<20)
	o := &sync.StaticOwner{ID: 7}
	frames.Populate(o, []platform.MemoryRegion{
		{Base: 0, Length: 8 << 20, RAM: true},
	}, nil)
	heap := kheap.New(frames)
	return &testEnv{
		port:    port,
		frames:  frames,
		manager: New(port, frames, heap),
		o:       o,
	}
}

func (e *testEnv) newSpace(t *testing.T, pid uint32) *AddressSpace {
	t.Helper()
	root, err := e.port.NewAddressSpace()
	require.NoError(t, err)
	return e.manager.NewSpace(pid, root)
}

func TestLinkUnlinkRefcounting(t *testing.T) {
	e := newTestEnv(t)
	s1 := e.newSpace(t, 1)
	s2 := e.newSpace(t, 2)

	require.NoError(t, e.manager.Add(e.o, s1, 0x10000, memarch.PageSize, VMAWriteable|VMAMemSource, 0))
	v, _, ok := s1.Find(e.o, 0x10000)
	require.True(t, ok)
	assert.Equal(t, uint32(1), v.Refcount(e.o))

	// A second process maps the same area at a different base.
	require.NoError(t, e.manager.Link(e.o, s2, v, 0x40000))
	assert.Equal(t, uint32(2), v.Refcount(e.o))

	base, ok := v.MappedBaseIn(e.o, s2)
	require.True(t, ok)
	assert.Equal(t, memarch.VirtAddr(0x40000), base)

	// Unlink with users left decrements and leaves the area intact.
	require.NoError(t, e.manager.Unlink(e.o, s2, v))
	assert.Equal(t, uint32(1), v.Refcount(e.o))

	// The last unlink destroys it.
	require.NoError(t, e.manager.Unlink(e.o, s1, v))
	_, _, ok = s1.Find(e.o, 0x10000)
	assert.False(t, ok)
}

func TestOverlapRejected(t *testing.T) {
	e := newTestEnv(t)
	s := e.newSpace(t, 1)

	require.NoError(t, e.manager.Add(e.o, s, 0x10000, 4*memarch.PageSize, VMAMemSource, 0))

	tests := map[string]struct {
		base memarch.VirtAddr
		size uint64
		want error
	}{
		"identical":     {base: 0x10000, size: 4 * memarch.PageSize, want: diosix.ErrVMAExists},
		"tail_overlap":  {base: 0x13000, size: 2 * memarch.PageSize, want: diosix.ErrVMAExists},
		"head_overlap":  {base: 0xF000, size: 2 * memarch.PageSize, want: diosix.ErrVMAExists},
		"inside":        {base: 0x11000, size: memarch.PageSize, want: diosix.ErrVMAExists},
		"adjacent_low":  {base: 0xE000, size: 2 * memarch.PageSize, want: nil},
		"adjacent_high": {base: 0x14000, size: memarch.PageSize, want: nil},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := e.manager.Add(e.o, s, tc.base, tc.size, VMAMemSource, 0)
			assert.Equal(t, tc.want, err)
		})
	}
}

func TestFindCovering(t *testing.T) {
	e := newTestEnv(t)
	s := e.newSpace(t, 1)
	require.NoError(t, e.manager.Add(e.o, s, 0x10000, 2*memarch.PageSize, VMAMemSource, 0))

	_, base, ok := s.Find(e.o, 0x10000)
	assert.True(t, ok)
	assert.Equal(t, memarch.VirtAddr(0x10000), base)

	_, _, ok = s.Find(e.o, 0x11fff)
	assert.True(t, ok)

	_, _, ok = s.Find(e.o, 0x12000)
	assert.False(t, ok)

	_, _, ok = s.Find(e.o, 0xffff)
	assert.False(t, ok)
}

func TestDuplicateSharesAreas(t *testing.T) {
	e := newTestEnv(t)
	parent := e.newSpace(t, 1)
	child := e.newSpace(t, 2)

	require.NoError(t, e.manager.Add(e.o, parent, 0x10000, memarch.PageSize, VMAWriteable|VMAMemSource|VMAData, 0))
	require.NoError(t, e.manager.Add(e.o, parent, 0x20000, memarch.PageSize, VMAMemSource|VMAText, 0))

	require.NoError(t, e.manager.Duplicate(e.o, child, parent))

	v1, _, ok := child.Find(e.o, 0x10000)
	require.True(t, ok)
	assert.Equal(t, uint32(2), v1.Refcount(e.o))

	v2, _, ok := child.Find(e.o, 0x20000)
	require.True(t, ok)
	assert.Equal(t, uint32(2), v2.Refcount(e.o))
}

func TestResize(t *testing.T) {
	e := newTestEnv(t)
	s := e.newSpace(t, 1)

	require.NoError(t, e.manager.Add(e.o, s, 0x10000, memarch.PageSize, VMAMemSource|VMAWriteable, 0))
	v, _, _ := s.Find(e.o, 0x10000)

	require.NoError(t, e.manager.Resize(e.o, v, 4*memarch.PageSize))
	_, _, ok := s.Find(e.o, 0x13fff)
	assert.True(t, ok)

	// Growth into a neighbour is refused.
	require.NoError(t, e.manager.Add(e.o, s, 0x14000, memarch.PageSize, VMAMemSource, 0))
	assert.Equal(t, diosix.ErrVMAExists, e.manager.Resize(e.o, v, 8*memarch.PageSize))

	// Zero is no size at all.
	assert.Equal(t, diosix.ErrTooSmall, e.manager.Resize(e.o, v, 0))
}

func TestCopyUserToUser(t *testing.T) {
	e := newTestEnv(t)
	src := e.newSpace(t, 1)
	dst := e.newSpace(t, 2)

	require.NoError(t, e.manager.Add(e.o, src, 0x10000, 2*memarch.PageSize, VMAWriteable|VMAMemSource, 0))
	require.NoError(t, e.manager.Add(e.o, dst, 0x30000, 2*memarch.PageSize, VMAWriteable|VMAMemSource, 0))

	// Fault the pages in ahead of the copy.
	require.NoError(t, e.manager.PreemptFault(e.o, src, 0x10000, 2*memarch.PageSize, memarch.AccessUserWrite))
	require.NoError(t, e.manager.PreemptFault(e.o, dst, 0x30000, 2*memarch.PageSize, memarch.AccessUserWrite))

	// A payload crossing a page boundary.
	payload := make([]byte, memarch.PageSize+512)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, e.manager.CopyToUser(e.o, src, 0x10800, payload))

	require.NoError(t, e.manager.CopyUserToUser(e.o, dst, 0x30100, src, 0x10800, uint64(len(payload))))

	got := make([]byte, len(payload))
	require.NoError(t, e.manager.CopyFromUser(e.o, dst, 0x30100, got))
	assert.Equal(t, payload, got)
}

func TestCopyRejectsKernelRange(t *testing.T) {
	e := newTestEnv(t)
	s := e.newSpace(t, 1)
	buf := make([]byte, 64)

	err := e.manager.CopyFromUser(e.o, s, softmmu.DefaultKernelBase-32, buf)
	assert.Equal(t, diosix.ErrBadSourceAddress, err)

	err = e.manager.CopyToUser(e.o, s, softmmu.DefaultKernelBase-32, buf)
	assert.Equal(t, diosix.ErrBadTargetAddress, err)
}
