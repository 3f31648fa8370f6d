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

// Package kernel implements the privilege-layered process/thread model,
// the cooperative priority scheduler with per-CPU run-queues, the
// synchronous message-passing IPC with priority inheritance, and signal
// delivery.
//
// Lock order:
//
//	Kernel.procGate (process table and roles table as one)
//		Process.gate
//			Thread.gate
//				CPU.gate (run-queue heads)
//					Heap / physical-stack gates
//
// Never the reverse, with one exception: the run-queue functions (Add,
// MoveToEnd, Remove) take CPU.gate first and then Thread.gate, and no
// path takes those two gates in the order listed above. A CPU's current-thread pointer changes only under
// that CPU's spinlock, inside Pick; the gate code relies on it staying
// put across an acquire/release pair.
package kernel

import (
	"sync/atomic"

	"github.com/diodesign/diosix/pkg/abi/diosix"
	"github.com/diodesign/diosix/pkg/kheap"
	"github.com/diodesign/diosix/pkg/log"
	"github.com/diodesign/diosix/pkg/mm"
	"github.com/diodesign/diosix/pkg/physmem"
	"github.com/diodesign/diosix/pkg/platform"
	"github.com/diodesign/diosix/pkg/sync"
)

// System limits.
const (
	// ReservedPID is never handed out; pid and tid allocation starts
	// just above it.
	ReservedPID = 0
	FirstPID    = ReservedPID + 1
	FirstTID    = FirstPID

	ProcMaxNr   = 1024
	ThreadMaxNr = 1024

	// ThreadMaxStackPages is the per-thread user stack reservation.
	ThreadMaxStackPages = 4
)

// Kernel is the system-wide state: the process registry, the roles
// table, the per-CPU scheduler structures and the collaborator handles.
// It is built once at boot and never torn down.
type Kernel struct {
	Port   platform.Port
	MM     *mm.Manager
	Heap   *kheap.Heap
	Frames *physmem.Stacks

	// procGate covers the process table, the roles table and the
	// role-snoozer lists as one.
	procGate sync.Gate

	// procs is the registry, keyed by pid. procCount tracks it.
	procs     map[uint32]*Process
	procCount uint32

	// nextPID is the rolling cursor the lowest-free-pid search starts
	// at.
	nextPID uint32

	// roles holds at most one process per role; snoozers park threads
	// awaiting a role's registration.
	roles    [diosix.RolesNr]*Process
	snoozers [diosix.RolesNr][]*Thread

	// executive is the system process everything reparents to.
	executive *Process

	cpus    []*CPU
	bootCPU uint32

	// bedroom pools the sleep-timer entries the ticker counts down.
	bedroom *kheap.Pool

	// totalQueued and nextQueue drive load balancing; each is under its
	// own spinlock, matching the accounting discipline of the queues.
	totalQueuedLock sync.SpinLock
	totalQueued     uint32
	nextQueueLock   sync.SpinLock
	nextQueue       uint32

	// ticks counts scheduler ticks on the boot cpu, for uptime.
	ticks atomic.Uint64

	// caretaker counts down to the next maintenance pass.
	caretaker uint32
}

// New wires a kernel over its collaborators. cpus is the number of
// cores; bootCPU runs the ticker's housekeeping half.
func New(port platform.Port, manager *mm.Manager, heap *kheap.Heap, frames *physmem.Stacks, cpus int, bootCPU uint32) (*Kernel, error) {
	k := &Kernel{
		Port:      port,
		MM:        manager,
		Heap:      heap,
		Frames:    frames,
		procs:     make(map[uint32]*Process),
		nextPID:   FirstPID,
		bootCPU:   bootCPU,
		caretaker: CaretakerInterval,
	}

	for i := 0; i < cpus; i++ {
		k.cpus = append(k.cpus, newCPU(uint32(i)))
	}

	bedroom, err := heap.NewPool(k.BootOwner(), 24, 4)
	if err != nil {
		return nil, err
	}
	k.bedroom = bedroom

	manager.Flush = k
	port.SetFaultHandler(k)

	log.Bootf("kernel", "initialised process table: %d buckets, %d max procs, %d cpus",
		ProcMaxNr, ProcMaxNr, cpus)
	return k, nil
}

// BootOwner returns the boot cpu's pre-thread lock identity.
func (k *Kernel) BootOwner() sync.Owner {
	return &k.cpus[k.bootCPU].bootOwner
}

// CPU returns the per-cpu structure for id.
func (k *Kernel) CPU(id uint32) *CPU { return k.cpus[id] }

// NumCPUs returns the core count.
func (k *Kernel) NumCPUs() int { return len(k.cpus) }

// Executive returns the system executive process.
func (k *Kernel) Executive() *Process { return k.executive }

// Uptime returns milliseconds since boot, by tick count.
func (k *Kernel) Uptime() uint64 {
	return k.ticks.Load() * diosix.MsecPerTick
}

// FlushTLB implements mm.Flusher: broadcast to every cpu whose current
// thread might map through root.
func (k *Kernel) FlushTLB(root platform.PageTableRoot) {
	for _, c := range k.cpus {
		k.Port.IPIFlushTLB(c.ID, root)
	}
}

// FindProcess looks a process up by pid.
func (k *Kernel) FindProcess(o sync.Owner, pid uint32) *Process {
	k.procGate.Lock(o, sync.LockRead)
	defer k.procGate.Unlock(o)
	return k.procs[pid]
}

// EachProcess visits every live process. The table gate is held for read
// across the walk.
func (k *Kernel) EachProcess(o sync.Owner, fn func(*Process) bool) {
	k.procGate.Lock(o, sync.LockRead)
	defer k.procGate.Unlock(o)
	for _, p := range k.procs {
		if !fn(p) {
			return
		}
	}
}

// ProcessCount returns the number of live processes.
func (k *Kernel) ProcessCount(o sync.Owner) uint32 {
	k.procGate.Lock(o, sync.LockRead)
	defer k.procGate.Unlock(o)
	return k.procCount
}
