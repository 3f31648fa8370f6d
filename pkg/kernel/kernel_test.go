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

package kernel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/diodesign/diosix/pkg/abi/diosix"
	"github.com/diodesign/diosix/pkg/kheap"
	"github.com/diodesign/diosix/pkg/memarch"
	"github.com/diodesign/diosix/pkg/mm"
	"github.com/diodesign/diosix/pkg/physmem"
	"github.com/diodesign/diosix/pkg/platform"
	"github.com/diodesign/diosix/pkg/platform/softmmu"
	"github.com/diodesign/diosix/pkg/sync"
)

// testKernel builds a kernel over the softmmu port with a small RAM.
func testKernel(t *testing.T, cpus int) (*Kernel, *softmmu.Port, sync.Owner) {
	t.Helper()
	port := softmmu.New()
	frames := physmem.New(port, 1<<20)
	o := &sync.StaticOwner{ID: 1000}
	frames.Populate(o, []platform.MemoryRegion{
		{Base: 0, Length: 16 << 20, RAM: true},
	}, nil)
	heap := kheap.New(frames)
	manager := mm.New(port, frames, heap)

	k, err := New(port, manager, heap, frames, cpus, 0)
	require.NoError(t, err)
	return k, port, o
}

// newProc makes a bare boot-style process, optionally parented.
func newProc(t *testing.T, k *Kernel, o sync.Owner, parent *Process) *Process {
	t.Helper()
	p, err := k.NewProcess(o, parent, nil)
	require.NoError(t, err)
	return p
}

// newExecutive makes the system executive with full rights.
func newExecutive(t *testing.T, k *Kernel, o sync.Owner) *Process {
	t.Helper()
	exec := newProc(t, k, o, nil)
	k.GrantBootRights(o, exec)
	require.NoError(t, k.RoleAdd(o, exec, diosix.RoleSystemExecutive))
	return exec
}

// mapUserBuffer backs a user range with a fresh writable area and
// faults its pages in.
func mapUserBuffer(t *testing.T, k *Kernel, o sync.Owner, p *Process, base memarch.VirtAddr, size uint64) {
	t.Helper()
	require.NoError(t, k.MM.Add(o, p.Space, base, size, mm.VMAWriteable|mm.VMAMemSource|mm.VMAData, 0))
	require.NoError(t, k.MM.PreemptFault(o, p.Space, base, size, memarch.AccessUserWrite))
}
