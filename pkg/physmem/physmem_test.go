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

package physmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diodesign/diosix/pkg/abi/diosix"
	"github.com/diodesign/diosix/pkg/memarch"
	"github.com/diodesign/diosix/pkg/platform"
	"github.com/diodesign/diosix/pkg/platform/softmmu"
	"github.com/diodesign/diosix/pkg/sync"
)

const testDMABoundary = 1 << 20 // 1MB

func testStacks(t *testing.T, regions []platform.MemoryRegion, reserved []Range) (*Stacks, sync.Owner) {
	t.Helper()
	s := New(softmmu.New(), testDMABoundary)
	o := &sync.StaticOwner{ID: 99}
	s.Populate(o, regions, reserved)
	return s, o
}

func TestPopulateClassifiesEveryPage(t *testing.T) {
	tests := map[string]struct {
		regions  []platform.MemoryRegion
		reserved []Range
		wantLow  int
		wantHigh int
	}{
		"all_low": {
			regions: []platform.MemoryRegion{{Base: 0, Length: 64 * memarch.PageSize, RAM: true}},
			wantLow: 64,
		},
		"split_at_boundary": {
			regions:  []platform.MemoryRegion{{Base: testDMABoundary - 8*memarch.PageSize, Length: 16 * memarch.PageSize, RAM: true}},
			wantLow:  8,
			wantHigh: 8,
		},
		"not_ram_skipped": {
			regions: []platform.MemoryRegion{
				{Base: 0, Length: 16 * memarch.PageSize, RAM: true},
				{Base: 16 * memarch.PageSize, Length: 16 * memarch.PageSize, RAM: false},
			},
			wantLow: 16,
		},
		"reserved_holes": {
			regions:  []platform.MemoryRegion{{Base: 0, Length: 64 * memarch.PageSize, RAM: true}},
			reserved: []Range{{Base: 0, Size: 16 * memarch.PageSize}},
			wantLow:  48,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s, o := testStacks(t, tc.regions, tc.reserved)
			assert.Equal(t, tc.wantLow, s.FreeFrames(o, LowOnly))
			assert.Equal(t, tc.wantHigh, s.FreeFrames(o, HighPreferred))
		})
	}
}

func TestRequestReturnRoundTrip(t *testing.T) {
	s, o := testStacks(t, []platform.MemoryRegion{
		{Base: 0, Length: 32 * memarch.PageSize, RAM: true},
	}, nil)

	before := s.Snapshot(o, LowOnly)

	// Drain the whole low stack, then push everything back in reverse
	// pop order: the stack contents must be restored exactly.
	var taken []memarch.PhysAddr
	for {
		pa, err := s.Request(o, LowOnly)
		if err != nil {
			assert.Equal(t, diosix.ErrNoPhysPages, err)
			break
		}
		taken = append(taken, pa)
	}
	assert.Len(t, taken, len(before))

	for i := len(taken) - 1; i >= 0; i-- {
		require.NoError(t, s.Return(o, taken[i]))
	}
	assert.Equal(t, before, s.Snapshot(o, LowOnly))
}

func TestRequestPreferences(t *testing.T) {
	s, o := testStacks(t, []platform.MemoryRegion{
		{Base: 0, Length: 4 * memarch.PageSize, RAM: true},
		{Base: testDMABoundary, Length: 4 * memarch.PageSize, RAM: true},
	}, nil)

	// High-preferred drains the high stack first, then falls back low.
	for i := 0; i < 4; i++ {
		pa, err := s.Request(o, HighPreferred)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, uint64(pa), uint64(testDMABoundary))
	}
	pa, err := s.Request(o, HighPreferred)
	require.NoError(t, err)
	assert.Less(t, uint64(pa), uint64(testDMABoundary))

	// Low-only never falls back high.
	for i := 0; i < 3; i++ {
		_, err := s.Request(o, LowOnly)
		require.NoError(t, err)
	}
	_, err = s.Request(o, LowOnly)
	assert.Equal(t, diosix.ErrNoPhysPages, err)
}

func TestReturnValidation(t *testing.T) {
	s, o := testStacks(t, []platform.MemoryRegion{
		{Base: 0, Length: 4 * memarch.PageSize, RAM: true},
	}, nil)

	assert.Equal(t, diosix.ErrNotPageAligned, s.Return(o, 0x123))

	// Returning a frame that was never handed out overflows the stack.
	assert.Equal(t, diosix.ErrPhysStkOverflow, s.Return(o, 64*memarch.PageSize))
}

func TestHaveAtLeast(t *testing.T) {
	s, o := testStacks(t, []platform.MemoryRegion{
		{Base: 0, Length: 8 * memarch.PageSize, RAM: true},
	}, nil)

	assert.NoError(t, s.HaveAtLeast(o, 0))
	assert.NoError(t, s.HaveAtLeast(o, 4*memarch.PageSize))

	// One more frame than physically present.
	assert.Equal(t, diosix.ErrNotEnoughPages, s.HaveAtLeast(o, 8*memarch.PageSize))
}

func TestHaveContiguous(t *testing.T) {
	s, o := testStacks(t, []platform.MemoryRegion{
		{Base: 0, Length: 16 * memarch.PageSize, RAM: true},
	}, nil)

	// A fresh boot scan leaves the stack fully contiguous.
	assert.NoError(t, s.HaveContiguous(o, 8*memarch.PageSize, LowOnly))

	// Punch a hole: take two frames, give back only the second.
	first, err := s.Request(o, LowOnly)
	require.NoError(t, err)
	_, err = s.Request(o, LowOnly)
	require.NoError(t, err)
	require.NoError(t, s.Return(o, first))

	assert.Equal(t, diosix.ErrNotContiguous, s.HaveContiguous(o, 8*memarch.PageSize, LowOnly))
}
