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

	"github.com/diodesign/diosix/pkg/memarch"
	"github.com/diodesign/diosix/pkg/physmem"
	"github.com/diodesign/diosix/pkg/platform/softmmu"
)

func TestFaultDecisions(t *testing.T) {
	tests := map[string]struct {
		flags   VMAFlags
		mapped  bool // area base, one page, without write permission
		access  memarch.Access
		noVMA   bool
		want    Decision
	}{
		"no_vma": {
			noVMA:  true,
			access: memarch.AccessUserRead,
			want:   BadAccess,
		},
		"write_to_readonly": {
			flags:  VMAMemSource,
			access: memarch.AccessUserWrite,
			want:   BadAccess,
		},
		"external_pager": {
			flags:  VMAWriteable,
			access: memarch.AccessUserWrite,
			want:   External,
		},
		"new_page": {
			flags:  VMAWriteable | VMAMemSource,
			access: memarch.AccessUserWrite,
			want:   NewPage,
		},
		"make_writeable_sole_user": {
			flags:  VMAWriteable | VMAMemSource,
			mapped: true,
			access: memarch.AccessUserWrite,
			want:   MakeWriteable,
		},
		"new_shared_page": {
			flags:  VMAWriteable | VMAMemSource | VMAShared,
			access: memarch.AccessUserWrite,
			want:   NewSharedPage,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			e := newTestEnv(t)
			s := e.newSpace(t, 1)
			addr := memarch.VirtAddr(0x10000)

			if !tc.noVMA {
				require.NoError(t, e.manager.Add(e.o, s, addr, memarch.PageSize, tc.flags, 0))
			}
			if tc.mapped {
				pa, err := e.frames.Request(e.o, physmem.HighPreferred)
				require.NoError(t, err)
				require.NoError(t, e.manager.mapPage(s, addr, pa, tc.flags, false))
			}

			assert.Equal(t, tc.want, e.manager.Fault(e.o, s, addr, tc.access))
		})
	}
}

func TestFaultKernelAddressFromUser(t *testing.T) {
	e := newTestEnv(t)
	s := e.newSpace(t, 1)
	got := e.manager.Fault(e.o, s, softmmu.DefaultKernelBase+0x1000, memarch.AccessUserRead)
	assert.Equal(t, BadAccess, got)
}

// TestCopyOnWrite plays out the fork story: parent and child share one
// writable data area; the child's write clones the page while the
// parent's mapping stays put and the refcount never moves.
func TestCopyOnWrite(t *testing.T) {
	e := newTestEnv(t)
	parent := e.newSpace(t, 1)

	addr := memarch.VirtAddr(0x10000)
	require.NoError(t, e.manager.Add(e.o, parent, addr, memarch.PageSize, VMAWriteable|VMAMemSource|VMAData, 0))

	// Fault the page in and fill it with something recognisable.
	_, err := e.manager.Resolve(e.o, parent, addr, memarch.AccessUserWrite)
	require.NoError(t, err)
	payload := []byte("copy me on write")
	require.NoError(t, e.manager.CopyToUser(e.o, parent, addr, payload))

	// Fork: the child shares the area; the port marks both sides
	// read-only.
	childRoot, err := e.port.CloneAddressSpace(parent.Root)
	require.NoError(t, err)
	child := e.manager.NewSpace(2, childRoot)
	require.NoError(t, e.manager.Duplicate(e.o, child, parent))

	v, _, ok := child.Find(e.o, addr)
	require.True(t, ok)
	require.Equal(t, uint32(2), v.Refcount(e.o))

	parentPA, _, err := e.port.TranslateUser(parent.Root, addr)
	require.NoError(t, err)

	// The child writes: the decision must be clonepage, and resolving it
	// gives the child a private frame with the same contents.
	assert.Equal(t, ClonePage, e.manager.Fault(e.o, child, addr, memarch.AccessUserWrite))
	decision, err := e.manager.Resolve(e.o, child, addr, memarch.AccessUserWrite)
	require.NoError(t, err)
	assert.Equal(t, ClonePage, decision)

	childPA, _, err := e.port.TranslateUser(child.Root, addr)
	require.NoError(t, err)
	assert.NotEqual(t, parentPA, childPA)

	// Refcount remains 2; both pages carry the data.
	assert.Equal(t, uint32(2), v.Refcount(e.o))
	got := make([]byte, len(payload))
	require.NoError(t, e.manager.CopyFromUser(e.o, child, addr, got))
	assert.Equal(t, payload, got)
	require.NoError(t, e.manager.CopyFromUser(e.o, parent, addr, got))
	assert.Equal(t, payload, got)
}

// TestSharedPageFansOut checks newsharedpage: one frame appears in every
// sharing space at that space's own mapping base.
func TestSharedPageFansOut(t *testing.T) {
	e := newTestEnv(t)
	s1 := e.newSpace(t, 1)
	s2 := e.newSpace(t, 2)

	require.NoError(t, e.manager.Add(e.o, s1, 0x10000, memarch.PageSize, VMAWriteable|VMAMemSource|VMAShared, 0))
	v, _, ok := s1.Find(e.o, 0x10000)
	require.True(t, ok)
	require.NoError(t, e.manager.Link(e.o, s2, v, 0x50000))

	decision, err := e.manager.Resolve(e.o, s1, 0x10000, memarch.AccessUserWrite)
	require.NoError(t, err)
	assert.Equal(t, NewSharedPage, decision)

	pa1, _, err := e.port.TranslateUser(s1.Root, 0x10000)
	require.NoError(t, err)
	pa2, _, err := e.port.TranslateUser(s2.Root, 0x50000)
	require.NoError(t, err)
	assert.Equal(t, pa1, pa2)
}

func TestPreemptFaultResolvesRange(t *testing.T) {
	e := newTestEnv(t)
	s := e.newSpace(t, 1)

	require.NoError(t, e.manager.Add(e.o, s, 0x10000, 4*memarch.PageSize, VMAWriteable|VMAMemSource, 0))
	require.NoError(t, e.manager.PreemptFault(e.o, s, 0x10000, 4*memarch.PageSize, memarch.AccessUserWrite))

	for off := memarch.VirtAddr(0); off < 4*memarch.PageSize; off += memarch.PageSize {
		_, _, err := e.port.TranslateUser(s.Root, 0x10000+off)
		assert.NoError(t, err)
	}

	// A range with no backing area fails the syscall.
	assert.Error(t, e.manager.PreemptFault(e.o, s, 0x90000, memarch.PageSize, memarch.AccessUserWrite))
}
