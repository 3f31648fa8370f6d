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
	"github.com/mohae/deepcopy"

	"github.com/diodesign/diosix/pkg/abi/diosix"
	"github.com/diodesign/diosix/pkg/kheap"
	"github.com/diodesign/diosix/pkg/log"
	"github.com/diodesign/diosix/pkg/memarch"
	"github.com/diodesign/diosix/pkg/mm"
	"github.com/diodesign/diosix/pkg/sync"
)

// Process status flags: scheduling state plus the rights bitfield.
// Rights may only be cleared, never granted post-creation.
const (
	ProcRunLocked = 1 << 0 // held off the run queues by a senior process

	ProcCanMsgAsUser   = 1 << 1 // can send messages as a user process
	ProcCanBeDriver    = 1 << 2 // can register as a driver process
	ProcCanMapPhys     = 1 << 3 // may map physical memory into its space
	ProcCanUnixSignal  = 1 << 4 // may send POSIX-compatible signals
	ProcCanPlayARole   = 1 << 5 // can register a role within the system
	ProcHasCalledExec  = 1 << 6 // has replaced its image with exec

	ProcRightsMask = ProcCanMsgAsUser | ProcCanBeDriver | ProcCanMapPhys |
		ProcCanUnixSignal | ProcCanPlayARole
)

// Privilege layers: 0 is most privileged. Layer never decreases.
const (
	LayerExecutive = 0
	LayerDrivers   = 1
	LayerMax       = 255

	// FlagsExecutive gives the executive every right.
	FlagsExecutive = ProcRightsMask
)

// physBlock records a driver-owned contiguous run of physical memory.
type physBlock struct {
	base  memarch.PhysAddr
	pages uint16
	prev  *physBlock
	next  *physBlock
}

// irqEntry records a driver's registered interrupt line.
type irqEntry struct {
	irq  uint32
	next *irqEntry
}

// Process is the unit of ownership: an address space, a table of
// threads, credentials and signal state.
type Process struct {
	pid uint32

	// parentPID always names a live process or the system executive;
	// prevParentPID remembers the original parent across reparenting.
	parentPID     uint32
	prevParentPID uint32

	// cpu is the preferred core: threads are kept together when
	// possible.
	cpu uint32

	// flags carries ProcRunLocked plus the rights bits.
	flags uint32

	// gate serialises the process record: read for lookups, write for
	// structural changes.
	gate sync.Gate

	// Space is the address space: the page-table root and the memory
	// area tree.
	Space *mm.AddressSpace

	// children grows as needed; holes are reused.
	children   []*Process
	childCount uint32

	// threads is keyed by tid; nextTID is the rolling allocation
	// cursor.
	threads     map[uint32]*Thread
	threadCount uint32
	nextTID     uint32

	// priorityLow and priorityHigh bound every owned thread's effective
	// priority.
	priorityLow  uint8
	priorityHigh uint8

	// entry is where code execution begins.
	entry memarch.VirtAddr

	// physBlocks heads the list of driver-owned contiguous physical
	// allocations.
	physBlocks *physBlock

	// layer orders privilege: messages flow only downward (replies
	// upward); processes may only manipulate layers above their own or
	// their descendants.
	layer uint8

	// role is this process's system-wide function, if any.
	role diosix.Role

	// POSIX-conformant credentials.
	uid, gid     diosix.IDSet
	procGroupID  uint32
	sessionID    uint32

	// supplementaryGroups pools extra gids.
	supplementaryGroups *kheap.Pool

	// ioPermitted is the I/O-port permission bitmap, nil for no access.
	ioPermitted []uint64

	// interrupts heads the registered IRQ handler list.
	interrupts *irqEntry

	// Signal state: separate accept masks for the POSIX-compatible and
	// kernel ranges, in-progress bits to stop runaway re-entry, and the
	// queued pools.
	unixAccepted   uint32
	unixInProgress uint32
	kernelAccepted uint32
	systemSignals  *kheap.Pool
	userSignals    *kheap.Pool

	// userSigTID nominates the handler thread for user-defined signals.
	userSigTID uint32

	// msgQueue pools senders blocked with queue-me until this process
	// receives.
	msgQueue *kheap.Pool
}

// PID returns the process id.
func (p *Process) PID() uint32 { return p.pid }

// ParentPID returns the current parent's pid.
func (p *Process) ParentPID(o sync.Owner) uint32 {
	p.gate.Lock(o, sync.LockRead)
	defer p.gate.Unlock(o)
	return p.parentPID
}

// PrevParentPID returns the original parent's pid after reparenting.
func (p *Process) PrevParentPID(o sync.Owner) uint32 {
	p.gate.Lock(o, sync.LockRead)
	defer p.gate.Unlock(o)
	return p.prevParentPID
}

// Layer returns the privilege layer.
func (p *Process) Layer() uint8 { return p.layer }

// Role returns the held role, RoleNone for none.
func (p *Process) Role(o sync.Owner) diosix.Role {
	p.gate.Lock(o, sync.LockRead)
	defer p.gate.Unlock(o)
	return p.role
}

// HasRights reports whether every right in mask is still held.
func (p *Process) HasRights(o sync.Owner, mask uint32) bool {
	p.gate.Lock(o, sync.LockRead)
	defer p.gate.Unlock(o)
	return p.flags&mask == mask
}

// Credentials returns the uid/gid triples.
func (p *Process) Credentials(o sync.Owner) (diosix.IDSet, diosix.IDSet) {
	p.gate.Lock(o, sync.LockRead)
	defer p.gate.Unlock(o)
	return p.uid, p.gid
}

// SetEntry records where code execution begins.
func (p *Process) SetEntry(entry memarch.VirtAddr) { p.entry = entry }

// Entry returns the recorded entry point.
func (p *Process) Entry() memarch.VirtAddr { return p.entry }

// GrantBootRights puts a boot-time payload process into the executive
// layer with every right. Only the loader calls this, before the process
// first runs; rights are never granted after creation.
func (k *Kernel) GrantBootRights(o sync.Owner, p *Process) {
	p.gate.Lock(o, sync.LockWrite)
	p.layer = LayerExecutive
	p.flags |= FlagsExecutive
	// Executive processes accept the kernel's notifications by default.
	p.kernelAccepted = ^uint32(0)
	p.unixAccepted = ^uint32(0)
	p.gate.Unlock(o)
}

// newProcessPools builds the per-process signal and message pools.
func (k *Kernel) newProcessPools(o sync.Owner, p *Process) error {
	var err error
	if p.systemSignals, err = k.Heap.NewPool(o, 24, 4); err != nil {
		return err
	}
	if p.userSignals, err = k.Heap.NewPool(o, 24, 4); err != nil {
		return err
	}
	if p.msgQueue, err = k.Heap.NewPool(o, 8, 4); err != nil {
		return err
	}
	p.supplementaryGroups, err = k.Heap.NewPool(o, 4, 4)
	return err
}

// NewProcess clones current for fork, or creates a process from nothing
// during kernel-driven boot (caller nil: the kernel handles the virtual
// memory mappings itself, so nothing is duplicated).
func (k *Kernel) NewProcess(o sync.Owner, current *Process, caller *Thread) (*Process, error) {
	k.procGate.Lock(o, sync.LockWrite)

	if k.procCount >= ProcMaxNr {
		k.procGate.Unlock(o)
		return nil, diosix.ErrFailure
	}

	// Lowest free pid from the rolling cursor.
	for k.procs[k.nextPID] != nil {
		k.nextPID++
		if k.nextPID >= ProcMaxNr {
			k.nextPID = FirstPID
		}
	}
	p := &Process{
		pid:     k.nextPID,
		nextTID: FirstTID,
		threads: make(map[uint32]*Thread),
	}
	k.nextPID++
	if k.nextPID >= ProcMaxNr {
		k.nextPID = FirstPID
	}
	k.procGate.Unlock(o)

	if err := k.newProcessPools(o, p); err != nil {
		return nil, err
	}

	// Page tables: duplicate the parent's root with copy-on-write
	// marking for a fork, or start blank for boot.
	var err error
	var root interface{}
	if caller != nil && current != nil {
		root, err = k.Port.CloneAddressSpace(current.Space.Root)
	} else {
		root, err = k.Port.NewAddressSpace()
	}
	if err != nil {
		return nil, err
	}
	p.Space = k.MM.NewSpace(p.pid, root)

	if caller != nil && current != nil {
		// Every area is linked, not copied; the clone above marked
		// writable pages copy-on-write on both sides.
		if err := k.MM.Duplicate(o, p.Space, current.Space); err != nil {
			return nil, err
		}
	}

	if current != nil {
		current.gate.Lock(o, sync.LockWrite)

		p.parentPID = current.pid
		p.flags = current.flags &^ uint32(ProcRunLocked)
		p.cpu = current.cpu
		p.layer = current.layer
		p.priorityLow = current.priorityLow
		p.priorityHigh = current.priorityHigh

		if caller != nil {
			p.nextTID = current.nextTID
		}

		// Preserve POSIX-conformant credentials.
		p.procGroupID = current.procGroupID
		p.sessionID = current.sessionID
		p.uid = deepcopy.Copy(current.uid).(diosix.IDSet)
		p.gid = deepcopy.Copy(current.gid).(diosix.IDSet)

		if err := k.attachChild(o, current, p); err != nil {
			current.gate.Unlock(o)
			return nil, err
		}
		current.gate.Unlock(o)

		var first *Thread
		if caller != nil {
			first, err = k.DuplicateThread(o, p, caller)
		} else {
			first, err = k.NewThread(o, p)
		}
		if err != nil || first == nil {
			k.detachChild(o, current, p)
			return nil, diosix.ErrFailure
		}
	} else {
		// The system's first process: set some defaults.
		p.priorityLow = PriorityMin
		p.priorityHigh = PriorityMax
		if _, err := k.NewThread(o, p); err != nil {
			return nil, err
		}
	}

	k.procGate.Lock(o, sync.LockWrite)
	k.procs[p.pid] = p
	k.procCount++
	k.procGate.Unlock(o)

	log.Debugf("proc", "created new process %d (parent %d)", p.pid, p.parentPID)
	return p, nil
}

// attachChild adds child to parent's table, growing the list as needed.
// The parent gate is held by the caller.
func (k *Kernel) attachChild(o sync.Owner, parent, child *Process) error {
	for i, c := range parent.children {
		if c == nil {
			parent.children[i] = child
			parent.childCount++
			child.parentPID = parent.pid
			return nil
		}
	}
	parent.children = append(parent.children, child)
	parent.childCount++
	child.parentPID = parent.pid
	return nil
}

// detachChild takes child off parent's list.
func (k *Kernel) detachChild(o sync.Owner, parent, child *Process) {
	if parent == nil {
		return
	}
	parent.gate.Lock(o, sync.LockWrite)
	for i, c := range parent.children {
		if c == child {
			parent.children[i] = nil
			parent.childCount--
			break
		}
	}
	parent.gate.Unlock(o)
}

// IsChild confirms child descends directly from parent.
func (k *Kernel) IsChild(o sync.Owner, parent, child *Process) bool {
	if parent == nil || child == nil {
		return false
	}
	parent.gate.Lock(o, sync.LockRead)
	defer parent.gate.Unlock(o)
	for _, c := range parent.children {
		if c == child {
			return true
		}
	}
	return false
}

// LayerUp makes a process less privileged. Layer never decreases.
func (k *Kernel) LayerUp(o sync.Owner, p *Process) error {
	if p == nil {
		return diosix.ErrFailure
	}
	p.gate.Lock(o, sync.LockWrite)
	defer p.gate.Unlock(o)
	if p.layer >= LayerMax {
		return diosix.ErrMaxLayer
	}
	p.layer++
	return nil
}

// ClearRights removes rights from a process: a set bit in mask clears
// the corresponding right. Rights are never granted back.
func (k *Kernel) ClearRights(o sync.Owner, p *Process, mask uint32) error {
	if p == nil {
		return diosix.ErrFailure
	}
	p.gate.Lock(o, sync.LockWrite)
	defer p.gate.Unlock(o)
	p.flags &^= mask & ProcRightsMask
	return nil
}

// IsValidPGID confirms at least one other process carries the process
// group id, optionally within a session, excluding one process.
func (k *Kernel) IsValidPGID(o sync.Owner, pgid, sid uint32, exclude *Process) bool {
	found := false
	k.EachProcess(o, func(p *Process) bool {
		if p.procGroupID == pgid && (sid == 0 || p.sessionID == sid) && p != exclude {
			found = true
			return false
		}
		return true
	})
	return found
}

// AddPhysBlock registers a driver-owned contiguous physical allocation.
func (k *Kernel) AddPhysBlock(o sync.Owner, p *Process, base memarch.PhysAddr, pages uint16) error {
	if p == nil || pages == 0 {
		return diosix.ErrBadParams
	}
	p.gate.Lock(o, sync.LockWrite)
	defer p.gate.Unlock(o)

	blk := &physBlock{base: base, pages: pages, next: p.physBlocks}
	if p.physBlocks != nil {
		p.physBlocks.prev = blk
	}
	p.physBlocks = blk
	return nil
}

// RemovePhysBlock releases one registered block, or every block when
// base is zero, returning the pages to the stacks.
func (k *Kernel) RemovePhysBlock(o sync.Owner, p *Process, base memarch.PhysAddr) error {
	if p == nil {
		return diosix.ErrBadParams
	}
	p.gate.Lock(o, sync.LockWrite)
	defer p.gate.Unlock(o)

	if base == 0 {
		for blk := p.physBlocks; blk != nil; blk = blk.next {
			k.returnBlockPages(o, blk)
		}
		p.physBlocks = nil
		return nil
	}

	for blk := p.physBlocks; blk != nil; blk = blk.next {
		if blk.base != base {
			continue
		}
		k.returnBlockPages(o, blk)
		if blk.next != nil {
			blk.next.prev = blk.prev
		}
		if blk.prev != nil {
			blk.prev.next = blk.next
		} else {
			p.physBlocks = blk.next
		}
		return nil
	}
	return diosix.ErrNotFound
}

func (k *Kernel) returnBlockPages(o sync.Owner, blk *physBlock) {
	for pg := uint16(0); pg < blk.pages; pg++ {
		k.Frames.Return(o, blk.base+memarch.PhysAddr(uint64(pg)*memarch.PageSize))
	}
}
