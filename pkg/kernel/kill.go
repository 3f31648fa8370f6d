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
	"github.com/diodesign/diosix/pkg/abi/diosix"
	"github.com/diodesign/diosix/pkg/log"
	"github.com/diodesign/diosix/pkg/sync"
)

// KillProcess destroys a process on behalf of slayer. The slayer must
// sit in a layer below the victim's or the victim must be its
// descendant; killing the system executive is a panic.
func (k *Kernel) KillProcess(o sync.Owner, victimPID uint32, slayer *Process) error {
	if victimPID > ProcMaxNr || slayer == nil {
		return diosix.ErrFailure
	}
	victim := k.FindProcess(o, victimPID)
	if victim == nil {
		return diosix.ErrFailure
	}

	// Rights check: seniority or ancestry.
	allowed := victim.layer > slayer.layer
	for p, hops := victim, uint32(0); !allowed && p != nil && hops < ProcMaxNr; hops++ {
		p = k.FindProcess(o, p.ParentPID(o))
		allowed = p == slayer
	}
	if !allowed {
		return diosix.ErrNoRights
	}

	return k.killUnchecked(o, victim)
}

// killUnchecked tears a process down with no rights check: the kill
// syscall after vetting, or the kernel punishing a fault loop.
func (k *Kernel) killUnchecked(o sync.Owner, victim *Process) error {
	if victim == k.RoleLookup(o, diosix.RoleSystemExecutive) {
		log.Panicf("proc", "system executive just died")
	}

	parent := k.FindProcess(o, victim.parentPID)

	// Stop it running, permanently. The gate is held right through the
	// teardown; the final release below makes it defunct, so stragglers
	// fail their acquisitions from then on.
	if err := victim.gate.Lock(o, sync.LockWrite|sync.LockSelfDestruct); err != nil {
		return diosix.ErrFailure
	}
	defer victim.gate.Unlock(o)
	victim.flags |= ProcRunLocked
	k.LockProc(o, victim)

	// The victim is now effectively dead to the system: unlink it from
	// the table.
	k.procGate.Lock(o, sync.LockWrite)
	delete(k.procs, victim.pid)
	k.procCount--
	k.procGate.Unlock(o)

	// Destroy the threads.
	k.KillThread(o, victim, nil)

	// Won't someone think of the children? Attach the orphans to the
	// system executive.
	executive := k.RoleLookup(o, diosix.RoleSystemExecutive)
	for _, child := range victim.children {
		if child == nil {
			continue
		}
		child.gate.Lock(o, sync.LockWrite)
		child.prevParentPID = child.parentPID
		child.gate.Unlock(o)
		if executive != nil {
			executive.gate.Lock(o, sync.LockWrite)
			k.attachChild(o, executive, child)
			executive.gate.Unlock(o)
		}
	}
	victim.children = nil

	// Remove the signal pools and wake queued senders with the bad news.
	k.drainQueuedSenders(o, victim, diosix.ErrNoReceiver)
	victim.systemSignals.Destroy(o)
	victim.userSignals.Destroy(o)
	victim.msgQueue.Destroy(o)
	victim.supplementaryGroups.Destroy(o)

	// Tear down the virtual memory structures and hand the page-table
	// frames back.
	k.MM.Destroy(o, victim.Space)
	k.Port.DestroyAddressSpace(victim.Space.Root)

	// Driver-owned contiguous physical blocks go back to the stacks.
	k.RemovePhysBlock(o, victim, 0)

	// Clear any held role.
	if role := victim.role; role != diosix.RoleNone {
		k.RoleRemove(o, victim, role)
	}

	// Strip away registered irq handlers.
	victim.interrupts = nil

	// Dispatch a signal to the parent; don't fret if it shuns its moment
	// of mourning.
	if parent != nil {
		k.SendSignal(o, parent, nil, diosix.SIGCHLD, victim.pid)
	}

	log.Debugf("proc", "killed process %d", victim.pid)
	return nil
}

// ExitCurrent ends the process running on a cpu from inside its own
// syscall: the core dismisses the thread first so teardown never spins
// on itself. The executive hears about it afterwards.
func (k *Kernel) ExitCurrent(o sync.Owner, cpuid uint32) error {
	c := k.cpus[cpuid]
	cur := c.Current(o)
	if cur == nil {
		return diosix.ErrFailure
	}
	victim := cur.proc

	k.Remove(o, cur, Dead)
	c.gate.Spin().Lock()
	c.current = nil
	c.gate.Spin().Unlock()

	err := k.killUnchecked(o, victim)
	if executive := k.RoleLookup(o, diosix.RoleSystemExecutive); executive != nil {
		k.SendSignal(o, executive, nil, diosix.SIGXPROCEXIT, victim.pid)
	}
	return err
}

// ExitCurrentThread ends just the calling thread. If it was the last
// one, the whole process goes.
func (k *Kernel) ExitCurrentThread(o sync.Owner, cpuid uint32) error {
	c := k.cpus[cpuid]
	cur := c.Current(o)
	if cur == nil {
		return diosix.ErrFailure
	}
	owner := cur.proc

	owner.gate.Lock(o, sync.LockRead)
	last := owner.threadCount <= 1
	owner.gate.Unlock(o)
	if last {
		return k.ExitCurrent(o, cpuid)
	}

	k.Remove(o, cur, Dead)
	c.gate.Spin().Lock()
	c.current = nil
	c.gate.Spin().Unlock()

	err := k.KillThread(o, owner, cur)
	if executive := k.RoleLookup(o, diosix.RoleSystemExecutive); executive != nil {
		k.SendSignal(o, executive, nil, diosix.SIGXTHREADEXIT, owner.pid)
	}
	return err
}

// Fork clones the caller's process. The child's first thread starts with
// a zero result register and goes straight onto a run queue; the parent
// gets the child pid back.
func (k *Kernel) Fork(o sync.Owner, caller *Thread) (uint32, error) {
	child, err := k.NewProcess(o, caller.proc, caller)
	if err != nil {
		return 0, err
	}

	first := k.AnyThread(o, child)
	if first == nil {
		return 0, diosix.ErrFailure
	}
	first.context.Regs.Result = 0
	k.Add(o, child.cpu, first)

	// The pager-style managers hear that a memory map was cloned.
	if executive := k.RoleLookup(o, diosix.RoleSystemExecutive); executive != nil {
		k.SendSignal(o, executive, nil, diosix.SIGXPROCCLONED, child.pid)
	}
	return child.pid, nil
}

// ThreadFork spawns a second thread inside the caller's process with a
// copy of the caller's registers; the new thread sees a zero result.
func (k *Kernel) ThreadFork(o sync.Owner, caller *Thread) (uint32, error) {
	t, err := k.NewThread(o, caller.proc)
	if err != nil {
		return 0, err
	}

	regs := caller.context.Regs
	regs.Result = 0
	sp := t.context.Regs.SP // keep the fresh thread's own stack
	t.context.Regs = regs
	t.context.Regs.SP = sp

	k.Add(o, caller.proc.cpu, t)
	return t.tid, nil
}
