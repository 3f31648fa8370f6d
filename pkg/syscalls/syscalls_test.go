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

package syscalls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diodesign/diosix/pkg/abi/diosix"
	"github.com/diodesign/diosix/pkg/kernel"
	"github.com/diodesign/diosix/pkg/kheap"
	"github.com/diodesign/diosix/pkg/memarch"
	"github.com/diodesign/diosix/pkg/mm"
	"github.com/diodesign/diosix/pkg/physmem"
	"github.com/diodesign/diosix/pkg/platform"
	"github.com/diodesign/diosix/pkg/platform/softmmu"
	"github.com/diodesign/diosix/pkg/sync"
)

// testDispatcher boots a kernel with one process whose thread is current
// on cpu 0, ready to take traps.
func testDispatcher(t *testing.T) (*Dispatcher, *kernel.Thread, sync.Owner) {
	t.Helper()
	port := softmmu.New()
	frames := physmem.New(port, 1<<20)
	o := &sync.StaticOwner{ID: 77}
	frames.Populate(o, []platform.MemoryRegion{
		{Base: 0, Length: 16 << 20, RAM: true},
	}, nil)
	heap := kheap.New(frames)
	manager := mm.New(port, frames, heap)

	k, err := kernel.New(port, manager, heap, frames, 1, 0)
	require.NoError(t, err)

	proc, err := k.NewProcess(o, nil, nil)
	require.NoError(t, err)
	k.GrantBootRights(o, proc)
	require.NoError(t, k.RoleAdd(o, proc, diosix.RoleSystemExecutive))

	thread := k.AnyThread(o, proc)
	require.NotNil(t, thread)
	// Pin the trap thread into the interrupt band so threads it spawns
	// never preempt it between traps.
	require.NoError(t, k.RegisterDriverThread(o, thread))
	k.Add(o, 0, thread)
	require.NoError(t, k.Kickstart(o, 0))

	require.NoError(t, k.MM.Add(o, proc.Space, 0x100000, 0x40000,
		mm.VMAWriteable|mm.VMAMemSource|mm.VMAData, 0))
	require.NoError(t, k.MM.PreemptFault(o, proc.Space, 0x100000, 0x40000, memarch.AccessUserWrite))

	return New(k), thread, o
}

// trap loads a frame into the current thread and fires the dispatcher.
func trap(d *Dispatcher, thread *kernel.Thread, nr uintptr, args ...uint64) int64 {
	regs := &thread.Context().Regs
	*regs = platform.Registers{SyscallNr: uint64(nr)}
	if len(args) > 0 {
		regs.Arg0 = args[0]
	}
	if len(args) > 1 {
		regs.Arg1 = args[1]
	}
	if len(args) > 2 {
		regs.Arg2 = args[2]
	}
	if len(args) > 3 {
		regs.Arg3 = args[3]
	}
	d.Trap(0)
	return int64(regs.Result)
}

func TestUnknownSyscall(t *testing.T) {
	d, thread, _ := testDispatcher(t)
	got := trap(d, thread, 99)
	assert.Equal(t, diosix.ErrNotImplemented.Errno(), got)
}

func TestForkReturnsChildPID(t *testing.T) {
	d, thread, o := testDispatcher(t)
	got := trap(d, thread, diosix.SysFork)
	require.Greater(t, got, int64(0))

	child := d.K.FindProcess(o, uint32(got))
	require.NotNil(t, child)
	assert.Equal(t, thread.Process().PID(), child.ParentPID(o))
}

func TestYieldKeepsRunning(t *testing.T) {
	d, thread, o := testDispatcher(t)
	got := trap(d, thread, diosix.SysThreadYield)
	assert.Zero(t, got)
	assert.Equal(t, thread, d.K.CPU(0).Current(o))
}

func TestThreadForkAndKill(t *testing.T) {
	d, thread, o := testDispatcher(t)

	tid := trap(d, thread, diosix.SysThreadFork)
	require.Greater(t, tid, int64(0))
	spawned := d.K.FindThread(o, thread.Process(), uint32(tid))
	require.NotNil(t, spawned)
	assert.Equal(t, kernel.InRunQueue, spawned.State(o))

	got := trap(d, thread, diosix.SysThreadKill, uint64(tid))
	assert.Zero(t, got)
	assert.Nil(t, d.K.FindThread(o, thread.Process(), uint32(tid)))
}

func TestPrivsLayerUp(t *testing.T) {
	d, thread, _ := testDispatcher(t)
	require.Zero(t, trap(d, thread, diosix.SysPrivs, diosix.PrivLayerUp))
	assert.Equal(t, uint8(1), thread.Process().Layer())
}

func TestInfoWritesBlock(t *testing.T) {
	d, thread, o := testDispatcher(t)

	got := trap(d, thread, diosix.SysInfo, diosix.ProcessInfo, 0x100000)
	assert.Equal(t, int64(processInfoSize), got)

	buf := make([]byte, processInfoSize)
	require.NoError(t, d.K.MM.CopyFromUser(o, thread.Process().Space, 0x100000, buf))
	var pid [4]byte
	copy(pid[:], buf[:4])
	assert.NotZero(t, pid)
}

func TestMemoryCreateLocateDestroy(t *testing.T) {
	d, thread, _ := testDispatcher(t)

	require.Zero(t, trap(d, thread, diosix.SysMemory, diosix.MemoryCreate,
		0x200000, 2*memarch.PageSize, uint64(mm.VMAWriteable)))

	base := trap(d, thread, diosix.SysMemory, diosix.MemoryLocate, 0x201000)
	assert.Equal(t, int64(0x200000), base)

	require.Zero(t, trap(d, thread, diosix.SysMemory, diosix.MemoryDestroy, 0x200000))
	got := trap(d, thread, diosix.SysMemory, diosix.MemoryLocate, 0x200000)
	assert.Equal(t, diosix.ErrNotFound.Errno(), got)
}

func TestDebugWriteBounds(t *testing.T) {
	d, thread, _ := testDispatcher(t)

	got := trap(d, thread, diosix.SysUsrDebug, diosix.DebugWrite, 0x100000, 0)
	assert.Equal(t, diosix.ErrBadParams.Errno(), got)

	got = trap(d, thread, diosix.SysUsrDebug, diosix.DebugWrite, 0x100000, 16)
	assert.Equal(t, int64(16), got)
}

func TestSleepSyscallParksThread(t *testing.T) {
	d, thread, o := testDispatcher(t)

	// A second runnable thread so the cpu has somewhere to go.
	other := trap(d, thread, diosix.SysThreadFork)
	require.Greater(t, other, int64(0))

	got := trap(d, thread, diosix.SysThreadSleep, 5)
	assert.Zero(t, got)
	assert.Equal(t, kernel.Sleeping, thread.State(o))
	assert.NotEqual(t, thread, d.K.CPU(0).Current(o))
}
