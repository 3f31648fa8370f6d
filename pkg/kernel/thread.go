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
	"sync/atomic"

	"github.com/mohae/deepcopy"

	"github.com/diodesign/diosix/pkg/abi/diosix"
	"github.com/diodesign/diosix/pkg/log"
	"github.com/diodesign/diosix/pkg/memarch"
	"github.com/diodesign/diosix/pkg/mm"
	"github.com/diodesign/diosix/pkg/platform"
	"github.com/diodesign/diosix/pkg/sync"
)

// ThreadState is a thread's scheduling state. The state and the thread's
// presence in a run-queue agree at every quiescent point.
type ThreadState int

const (
	// Sleeping: not in queue, not running, waiting for an event.
	Sleeping ThreadState = iota

	// InRunQueue: in queue, not running, waiting for cpu time.
	InRunQueue

	// Running: in queue, is running, not waiting.
	Running

	// WaitingForReply: not in queue, waiting for a message reply.
	WaitingForReply

	// WaitingForMsg: not in queue, waiting for a non-reply message.
	WaitingForMsg

	// WaitingAfterSig: not in queue, waiting after a signal interrupted
	// it.
	WaitingAfterSig

	// Held: not in queue, forced to wait by a senior process.
	Held

	// Dead: not in queue, soon to be destroyed.
	Dead
)

// Thread status flags.
const (
	ThreadInUserMode = 1 << 0
	ThreadIsDriver   = 1 << 1
	ThreadHasIOMap   = 1 << 2
)

// gateTokens hands out unique lock identities for threads.
var gateTokens atomic.Uint64

// Thread is one schedulable flow of control, owned by exactly one
// process.
type Thread struct {
	proc *Process

	// tid is unique within the owning process.
	tid uint32

	// cpu is the last core this thread ran on; enqueue prefers it.
	cpu uint32

	flags uint8

	// timeslice preempts the thread when it reaches zero.
	timeslice uint8

	// priority is the base level; priorityGranted is the two-slot
	// priority-inheritance record together with grantedBy, so nested
	// sends cannot double-raise.
	priority        uint8
	priorityGranted uint8
	grantedBy       *Thread

	// priorityPoints is loaded with 2^priority on a level change. A
	// preemption costs a point; blocking earns one. Zero demotes,
	// 2*(2^priority) promotes.
	priorityPoints uint64

	state ThreadState

	// replySource is the partner thread this one awaits a reply from.
	replySource *Thread

	// msgUserAddr is the user pointer to the control block submitted to
	// msg-send/recv while the thread is blocked in IPC; msg caches its
	// decoded contents.
	msgUserAddr memarch.VirtAddr
	msg         *diosix.MsgInfo

	// gate serialises access to this thread's metadata.
	gate sync.Gate

	// queue links: the run-queue the thread sits in, if any.
	queue               *threadQueue
	queuePrev, queueNext *Thread

	// waitingForRole is non-zero while parked on a role-snoozer list.
	waitingForRole diosix.Role

	// stackBase is where the user stack starts; the kernel stack is a
	// one-page heap block.
	stackBase  memarch.VirtAddr
	kstackBase memarch.VirtAddr
	kstackBlk  memarch.VirtAddr

	// context is the saved register state the port switches.
	context platform.Context

	// gateToken and gatesHeld implement sync.Owner; the scheduler
	// asserts gatesHeld is zero before descheduling.
	gateToken uint64
	gatesHeld atomic.Int64
}

// GateID implements sync.Owner.
func (t *Thread) GateID() uint64 { return t.gateToken }

// NoteGate implements sync.Owner.
func (t *Thread) NoteGate(delta int) { t.gatesHeld.Add(int64(delta)) }

// TID returns the thread id.
func (t *Thread) TID() uint32 { return t.tid }

// Process returns the owning process.
func (t *Thread) Process() *Process { return t.proc }

// Context returns the thread's saved register state for the port and the
// dispatcher.
func (t *Thread) Context() *platform.Context { return &t.context }

// State returns the scheduling state.
func (t *Thread) State(o sync.Owner) ThreadState {
	t.gate.Lock(o, sync.LockRead)
	defer t.gate.Unlock(o)
	return t.state
}

// IsDriver reports whether the thread runs in the interrupt band.
func (t *Thread) IsDriver() bool { return t.flags&ThreadIsDriver != 0 }

// Priority returns the base priority level.
func (t *Thread) Priority(o sync.Owner) uint8 {
	t.gate.Lock(o, sync.LockRead)
	defer t.gate.Unlock(o)
	return t.priority
}

// GrantedPriority returns the inherited level, PriorityInvalid for none.
func (t *Thread) GrantedPriority(o sync.Owner) uint8 {
	t.gate.Lock(o, sync.LockRead)
	defer t.gate.Unlock(o)
	return t.priorityGranted
}

// NewThread creates a fresh thread in proc: lowest free tid from the
// rolling cursor, a user-stack area at a deterministic slot below the
// kernel boundary, a one-page kernel stack, zeroed register state.
func (k *Kernel) NewThread(o sync.Owner, proc *Process) (*Thread, error) {
	if proc == nil {
		return nil, diosix.ErrBadParams
	}

	proc.gate.Lock(o, sync.LockWrite)

	if proc.threadCount > ThreadMaxNr {
		proc.gate.Unlock(o)
		return nil, diosix.ErrTooBig
	}

	t := &Thread{
		proc:            proc,
		cpu:             proc.cpu,
		state:           Sleeping,
		priorityGranted: PriorityInvalid,
		gateToken:       gateTokens.Add(1),
	}

	// Kernel stack: just one page per thread for now.
	kstack, err := k.Heap.Alloc(o, memarch.PageSize)
	if err != nil {
		proc.gate.Unlock(o)
		return nil, err
	}

	// Search for an available thread id.
	for {
		if _, taken := proc.threads[proc.nextTID]; !taken {
			break
		}
		proc.nextTID++
		if proc.nextTID >= ThreadMaxNr {
			proc.nextTID = FirstTID
		}
	}
	t.tid = proc.nextTID
	proc.nextTID++
	if proc.nextTID >= ThreadMaxNr {
		proc.nextTID = FirstTID
	}

	proc.threads[t.tid] = t
	proc.threadCount++

	t.priority = proc.priorityLow
	k.priorityCalc(o, t, priorityReset)

	// Reserve the thread's user stack slot; stacks grow down from the
	// kernel boundary, one fixed-size reservation per tid.
	stackSize := uint64(ThreadMaxStackPages * memarch.PageSize)
	stackBase := k.Port.KernelSpaceBase() - memarch.VirtAddr(stackSize*uint64(t.tid))
	err = k.MM.Add(o, proc.Space, stackBase-memarch.VirtAddr(stackSize), stackSize,
		mm.VMAWriteable|mm.VMAMemSource|mm.VMAStack, 0)
	if err != nil {
		delete(proc.threads, t.tid)
		proc.threadCount--
		k.Heap.Free(o, kstack)
		proc.gate.Unlock(o)
		return nil, err
	}

	t.stackBase = stackBase
	t.kstackBlk = kstack
	t.kstackBase = kstack + memarch.PageSize
	t.context.Regs.SP = uint64(stackBase)

	proc.gate.Unlock(o)

	log.Debugf("thread", "created tid %d (ustack %#x kstack %#x) for process %d",
		t.tid, t.stackBase, t.kstackBase, proc.pid)
	return t, nil
}

// DuplicateThread makes an exact copy of source inside proc, for fork.
// The memory mappings are taken care of elsewhere.
func (k *Kernel) DuplicateThread(o sync.Owner, proc *Process, source *Thread) (*Thread, error) {
	proc.gate.Lock(o, sync.LockWrite)
	if err := source.gate.Lock(o, sync.LockRead); err != nil {
		proc.gate.Unlock(o)
		return nil, err
	}

	t := &Thread{
		proc:  proc,
		tid:   source.tid,
		cpu:   proc.cpu,
		flags: source.flags,

		timeslice: source.timeslice,
		priority:  source.priority,
		// New threads don't inherit granted priority.
		priorityGranted: PriorityInvalid,

		stackBase: source.stackBase,
		state:     Sleeping,
		gateToken: gateTokens.Add(1),
	}

	kstack, err := k.Heap.Alloc(o, memarch.PageSize)
	if err != nil {
		source.gate.Unlock(o)
		proc.gate.Unlock(o)
		return nil, err
	}
	t.kstackBlk = kstack
	t.kstackBase = kstack + memarch.PageSize

	// Copy the saved register state wholesale.
	t.context = deepcopy.Copy(source.context).(platform.Context)

	proc.threads[t.tid] = t
	proc.threadCount++

	source.gate.Unlock(o)
	proc.gate.Unlock(o)

	k.priorityCalc(o, t, priorityReset)

	log.Debugf("thread", "cloned tid %d of process %d for process %d",
		source.tid, source.proc.pid, proc.pid)
	return t, nil
}

// FindThread returns proc's thread with the given tid.
func (k *Kernel) FindThread(o sync.Owner, proc *Process, tid uint32) *Thread {
	if proc == nil || tid == 0 {
		log.Koopsf("thread", "FindThread failed sanity check: process %p tid %d", proc, tid)
		return nil
	}
	proc.gate.Lock(o, sync.LockRead)
	defer proc.gate.Unlock(o)
	return proc.threads[tid]
}

// AnyThread returns one of proc's threads, preferring the first tid.
func (k *Kernel) AnyThread(o sync.Owner, proc *Process) *Thread {
	proc.gate.Lock(o, sync.LockRead)
	defer proc.gate.Unlock(o)
	for tid := uint32(FirstTID); tid < ThreadMaxNr; tid++ {
		if t, ok := proc.threads[tid]; ok {
			return t
		}
	}
	return nil
}

// KillThread destroys one thread of owner, or every thread when victim
// is nil (only on process shutdown). It spins until the cpu last running
// the victim has moved on before tearing anything down.
func (k *Kernel) KillThread(o sync.Owner, owner *Process, victim *Thread) error {
	if owner == nil {
		return diosix.ErrFailure
	}

	if victim == nil {
		// Destroy all threads one by one.
		owner.gate.Lock(o, sync.LockWrite)
		victims := make([]*Thread, 0, len(owner.threads))
		for _, t := range owner.threads {
			victims = append(victims, t)
		}
		owner.gate.Unlock(o)

		for _, t := range victims {
			if err := k.KillThread(o, owner, t); err != nil {
				return err
			}
		}
		return nil
	}

	if victim.proc != owner {
		return diosix.ErrFailure
	}

	// If we can't lock it out of the queues, assume it's this thread
	// that is dying and pull it straight out.
	if err := k.LockThread(o, victim); err != nil {
		k.Remove(o, victim, Dead)
	} else {
		victim.setState(o, Dead)
	}

	// Synchronise with the rest of the system: spin until the core that
	// last ran the victim has dismissed it.
	k.waitForDismissal(o, victim)

	// Stop everyone else touching the thread, permanently.
	if err := victim.gate.Lock(o, sync.LockWrite|sync.LockSelfDestruct); err != nil {
		return diosix.ErrFailure
	}

	// Drop any outstanding sleep timers and role waits.
	k.CancelSnoozer(o, victim)
	k.dropRoleSnoozer(o, victim)

	// Destroy the thread's user stack area.
	stackSize := uint64(ThreadMaxStackPages * memarch.PageSize)
	stackBase := k.Port.KernelSpaceBase() - memarch.VirtAddr(stackSize*uint64(victim.tid))
	if v, _, ok := owner.Space.Find(o, stackBase-memarch.VirtAddr(stackSize)); ok {
		k.MM.Unlink(o, owner.Space, v)
	}

	owner.gate.Lock(o, sync.LockWrite)
	delete(owner.threads, victim.tid)
	owner.threadCount--
	owner.gate.Unlock(o)

	k.Heap.Free(o, victim.kstackBlk)
	victim.gate.Unlock(o)

	log.Debugf("thread", "killed tid %d of process %d", victim.tid, owner.pid)
	return nil
}

// waitForDismissal spins until no cpu claims the victim as current.
func (k *Kernel) waitForDismissal(o sync.Owner, victim *Thread) {
	cpu := k.cpus[victim.cpu]
	for {
		cpu.gate.Spin().Lock()
		cur := cpu.current
		cpu.gate.Spin().Unlock()
		if cur != victim {
			return
		}
		// Poke the core so it observes the state change.
		k.Port.IPIReschedule(cpu.ID)
	}
}
