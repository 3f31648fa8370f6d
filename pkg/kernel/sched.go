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
	"github.com/diodesign/diosix/pkg/platform"
	"github.com/diodesign/diosix/pkg/sync"
)

// Priority levels. Numerically lower is better. Driver threads handling
// interrupts sit in a reserved band above the normal range; a misbehaving
// driver drops one level into the punishment slot.
const (
	PriorityInterrupts = 0
	PriorityMin        = 2 // best level a normal thread can reach
	PriorityMax        = 31
	PriorityLevels     = PriorityMax + 1

	// PriorityInvalid marks an empty granted-priority slot.
	PriorityInvalid = 0xff

	// Timeslice is the tick allowance per scheduling.
	Timeslice = 5

	// CaretakerInterval spaces the maintenance passes, in ticks.
	CaretakerInterval = 100
)

// basePoints is the points score a thread is (re)loaded with at a
// priority level.
func basePoints(priority uint8) uint64 { return 1 << priority }

// maxPoints is the promotion threshold: 2 * (2 ^ priority).
func maxPoints(priority uint8) uint64 { return 2 << priority }

type priorityRequest int

const (
	priorityReset priorityRequest = iota
	priorityReward
	priorityPunish
	priorityExpiryPunish
	priorityCheck
)

// incTotalQueued bumps the global queued-thread count under its
// spinlock.
func (k *Kernel) incTotalQueued() {
	k.totalQueuedLock.Lock()
	k.totalQueued++
	k.totalQueuedLock.Unlock()
}

func (k *Kernel) decTotalQueued() {
	k.totalQueuedLock.Lock()
	k.totalQueued--
	k.totalQueuedLock.Unlock()
}

// TotalQueued returns the system-wide queued-thread count.
func (k *Kernel) TotalQueued() uint32 {
	k.totalQueuedLock.Lock()
	defer k.totalQueuedLock.Unlock()
	return k.totalQueued
}

// determinePriority returns the effective level for a thread: granted
// beats base when better, drivers are pinned to their band. Assumes the
// thread's gate is held.
func determinePriority(t *Thread) uint8 {
	if t.flags&ThreadIsDriver != 0 {
		return t.priority
	}

	priority := t.priority
	if t.priorityGranted != PriorityInvalid && t.priority > t.priorityGranted {
		priority = t.priorityGranted
	}
	if priority > PriorityMax {
		priority = PriorityMax
	}
	return priority
}

// priorityCalc recalculates a thread's priority points: reset to the
// base score, reward a voluntary block, punish a preemption, or sanity
// check the whole record. Points hitting zero demote a level (toward
// PriorityMax); reaching 2*(2^priority) promotes (toward PriorityMin).
// Priority stays inside the process's [priorityLow, priorityHigh] range.
func (k *Kernel) priorityCalc(o sync.Owner, t *Thread, request priorityRequest) {
	if t == nil {
		log.Koopsf("sched", "priorityCalc called with nonsense thread pointer")
		return
	}

	// Interrupt-handling driver threads are immune except for timeslice
	// abuse, which drops them into the slot above the well-behaved ones.
	if t.flags&ThreadIsDriver != 0 {
		t.gate.Lock(o, sync.LockWrite)
		if request == priorityExpiryPunish {
			t.priority = PriorityInterrupts + 1
		} else {
			t.priority = PriorityInterrupts
		}
		t.gate.Unlock(o)
		return
	}

	t.gate.Lock(o, sync.LockWrite)
	defer t.gate.Unlock(o)

	priority := determinePriority(t)

	low := t.proc.priorityLow
	if low < PriorityMin {
		low = PriorityMin
	}
	high := t.proc.priorityHigh
	if high > PriorityMax {
		high = PriorityMax
	}

	switch request {
	case priorityReset:
		t.priorityPoints = basePoints(priority)

	case priorityReward:
		if t.priorityPoints < maxPoints(priority) {
			t.priorityPoints++
		}
		if t.priorityPoints == maxPoints(priority) {
			if t.priority > low {
				t.priority--
				t.priorityPoints = basePoints(t.priority)
			}
		}

	case priorityPunish, priorityExpiryPunish:
		if t.priorityPoints > 0 {
			t.priorityPoints--
		}
		if t.priorityPoints == 0 {
			if t.priority < high {
				t.priority++
				t.priorityPoints = basePoints(t.priority)
			}
		}

	case priorityCheck:
		if t.priorityPoints > maxPoints(priority) {
			t.priorityPoints = maxPoints(priority)
		}
		if t.priority > high {
			t.priority = high
		}
		if t.priority < low {
			t.priority = low
		}
		if t.priorityGranted != PriorityInvalid && t.priorityGranted > PriorityMax {
			t.priorityGranted = PriorityMax
		}
	}
}

// rescanQueues recomputes a cpu's lowest-filled-priority hint. Assumes
// at least a read hold on the cpu's gate.
func (c *CPU) rescanQueues() {
	for level := 0; level < PriorityLevels; level++ {
		if c.queues[level].head != nil {
			c.lowestQueueFilled = uint8(level)
			return
		}
	}
	c.lowestQueueFilled = 0
}

// nextToRun peeks at the head of this cpu's hinted queue.
func (k *Kernel) nextToRun(o sync.Owner, cpuid uint32) *Thread {
	c := k.cpus[cpuid]
	c.gate.Lock(o, sync.LockRead)
	t := c.queues[c.lowestQueueFilled].head
	c.gate.Unlock(o)
	return t
}

// pickQueue balances load across the per-cpu queues, biased toward the
// hinted cpu: the hint keeps the thread unless it holds more than its
// fair share (total queued / cpus) and an alternative is lighter or
// empty.
func (k *Kernel) pickQueue(o sync.Owner, hint uint32) uint32 {
	if len(k.cpus) == 1 {
		return k.bootCPU
	}
	if hint >= uint32(len(k.cpus)) {
		hint = k.bootCPU
	}

	k.totalQueuedLock.Lock()
	maxFairShare := k.totalQueued / uint32(len(k.cpus))
	k.totalQueuedLock.Unlock()
	if maxFairShare == 0 {
		maxFairShare = 1
	}

	k.nextQueueLock.Lock()
	defer k.nextQueueLock.Unlock()

	if k.nextQueue >= uint32(len(k.cpus)) {
		k.nextQueue = 0
	}
	if k.nextQueue == hint {
		k.nextQueue++
		if k.nextQueue >= uint32(len(k.cpus)) {
			k.nextQueue = 0
		}
	}

	alt := k.nextQueue
	hintCPU := k.cpus[hint]
	altCPU := k.cpus[alt]

	hintCPU.gate.Lock(o, sync.LockRead)
	altCPU.gate.Lock(o, sync.LockRead)
	defer altCPU.gate.Unlock(o)
	defer hintCPU.gate.Unlock(o)

	if hintCPU.queued > maxFairShare && altCPU.queued < hintCPU.queued {
		k.nextQueue++
		return alt
	}
	return hint
}

// Add inserts a thread at the head of the priority-appropriate queue on
// a cpu chosen by load balancing.
func (k *Kernel) Add(o sync.Owner, cpuid uint32, t *Thread) {
	if t == nil || cpuid >= uint32(len(k.cpus)) {
		return
	}

	cpuid = k.pickQueue(o, cpuid)
	c := k.cpus[cpuid]

	c.gate.Lock(o, sync.LockWrite)
	t.gate.Lock(o, sync.LockWrite)

	priority := determinePriority(t)
	q := &c.queues[priority]
	if q.head != nil {
		q.head.queuePrev = t
		t.queueNext = q.head
	} else {
		t.queueNext = nil
	}
	if q.tail == nil {
		q.tail = t
	}
	q.head = t
	t.queuePrev = nil

	if t.state != Running && t.state != InRunQueue {
		c.queued++
		k.incTotalQueued()
	}

	t.state = InRunQueue
	t.timeslice = Timeslice
	t.cpu = cpuid
	t.queue = q

	if c.lowestQueueFilled > priority || c.queues[c.lowestQueueFilled].head == nil {
		c.lowestQueueFilled = priority
	}

	t.gate.Unlock(o)
	c.gate.Unlock(o)

	log.Debugf("sched", "added tid %d of process %d to cpu %d queue, priority %d",
		t.tid, t.proc.pid, cpuid, priority)
}

// MoveToEnd puts a thread at the tail of a run queue, for round-robin
// rotation at timeslice expiry.
func (k *Kernel) MoveToEnd(o sync.Owner, cpuid uint32, t *Thread) {
	if t == nil || cpuid >= uint32(len(k.cpus)) {
		return
	}

	// Pull it out of any queue it already sits in.
	t.gate.Lock(o, sync.LockRead)
	queued := t.state == Running || t.state == InRunQueue
	t.gate.Unlock(o)
	if queued {
		k.Remove(o, t, Held)
	}

	c := k.cpus[cpuid]
	c.gate.Lock(o, sync.LockWrite)
	t.gate.Lock(o, sync.LockWrite)

	priority := determinePriority(t)
	q := &c.queues[priority]
	if q.tail != nil {
		q.tail.queueNext = t
	}
	t.queuePrev = q.tail
	if q.head == nil {
		q.head = t
	}
	q.tail = t
	t.queueNext = nil

	if t.state != Running && t.state != InRunQueue {
		c.queued++
		k.incTotalQueued()
	}

	t.state = InRunQueue
	t.timeslice = Timeslice
	t.cpu = cpuid
	t.queue = q

	if c.lowestQueueFilled != priority {
		c.rescanQueues()
	}

	t.gate.Unlock(o)
	c.gate.Unlock(o)
}

// Remove unlinks a thread from its run queue and records the
// caller-supplied blocked state. A victim running on another core gets a
// reschedule IPI.
func (k *Kernel) Remove(o sync.Owner, victim *Thread, state ThreadState) {
	c := k.cpus[victim.cpu]

	c.gate.Lock(o, sync.LockWrite)
	victim.gate.Lock(o, sync.LockWrite)

	q := victim.queue
	if q == nil {
		log.Koopsf("sched", "tried to remove tid %d of process %d from non-existent queue",
			victim.tid, victim.proc.pid)
		victim.state = state
		victim.gate.Unlock(o)
		c.gate.Unlock(o)
		return
	}

	if victim.queueNext != nil {
		victim.queueNext.queuePrev = victim.queuePrev
	} else {
		q.tail = victim.queuePrev
	}
	if victim.queuePrev != nil {
		victim.queuePrev.queueNext = victim.queueNext
	} else {
		q.head = victim.queueNext
	}

	if victim.state == Running || victim.state == InRunQueue {
		c.queued--
		k.decTotalQueued()
	}

	// Warn another processor that its thread has been removed.
	if victim.state == Running && c.ID != k.currentCPUOf(victim) {
		k.Port.IPIReschedule(victim.cpu)
	}

	victim.state = state
	if c.lowestQueueFilled >= q.priority {
		c.rescanQueues()
	}
	victim.queue = nil
	victim.queuePrev = nil
	victim.queueNext = nil

	victim.gate.Unlock(o)
	c.gate.Unlock(o)
}

// currentCPUOf reports which core is actually executing t right now, or
// an out-of-range id for none.
func (k *Kernel) currentCPUOf(t *Thread) uint32 {
	for _, c := range k.cpus {
		c.gate.Spin().Lock()
		cur := c.current
		c.gate.Spin().Unlock()
		if cur == t {
			return c.ID
		}
	}
	return uint32(len(k.cpus))
}

// setState records a state change for a thread already off the queues.
func (t *Thread) setState(o sync.Owner, state ThreadState) {
	t.gate.Lock(o, sync.LockWrite)
	t.state = state
	t.gate.Unlock(o)
}

// Pick consults this cpu's hint and switches to the head of the best
// queue, if it beats the current thread. This is the only place the
// cpu's current pointer changes, and it does so under the cpu's
// spinlock.
func (k *Kernel) Pick(o sync.Owner, cpuid uint32) {
	c := k.cpus[cpuid]

	c.gate.Lock(o, sync.LockRead)
	now := c.current
	c.gate.Unlock(o)

	var next *Thread
	for next == nil {
		next = k.nextToRun(o, cpuid)

		if next == nil {
			if now != nil && now.State(o) == Running {
				return // keep running what we have
			}
			// Nothing anywhere: rescan and try again.
			c.gate.Lock(o, sync.LockWrite)
			c.rescanQueues()
			c.gate.Unlock(o)
			if c.queued == 0 {
				return // genuinely idle
			}
		}
	}

	if next == now {
		next.setState(o, Running)
		return
	}

	if now != nil {
		// Stick with the current thread while it outranks the
		// candidate.
		now.gate.Lock(o, sync.LockRead)
		nowPriority := determinePriority(now)
		nowState := now.state
		nowGates := now.gatesHeld.Load()
		now.gate.Unlock(o)

		next.gate.Lock(o, sync.LockRead)
		nextPriority := determinePriority(next)
		next.gate.Unlock(o)

		if nextPriority > nowPriority && nowState == Running {
			return
		}

		if sync.Debug && nowGates != 0 {
			log.Panicf("sched", "descheduling tid %d of process %d holding %d gates",
				now.tid, now.proc.pid, nowGates)
		}

		now.gate.Lock(o, sync.LockWrite)
		if now.state == Running {
			now.state = InRunQueue
		}
		now.gate.Unlock(o)
	}

	next.gate.Lock(o, sync.LockWrite)
	next.cpu = cpuid
	next.state = Running
	next.gate.Unlock(o)

	// The gate code relies on current not changing inside a lock-unlock
	// pair, so take the raw spinlock while we swap it.
	c.gate.Spin().Lock()
	c.current = next
	c.gate.Spin().Unlock()

	var prevCtx *platform.Context
	var prevRoot platform.PageTableRoot
	if now != nil {
		prevCtx = &now.context
		prevRoot = now.proc.Space.Root
	}
	k.Port.ContextSwitch(cpuid, prevCtx, &next.context, prevRoot, next.proc.Space.Root)

	if now != nil {
		log.Debugf("sched", "cpu %d switched tid %d of process %d for tid %d of process %d",
			cpuid, now.tid, now.proc.pid, next.tid, next.proc.pid)
	}
}

// Yield gives up the cpu voluntarily: reward the thread, rotate it to
// the back of its queue and pick again.
func (k *Kernel) Yield(o sync.Owner, cpuid uint32) {
	c := k.cpus[cpuid]
	cur := c.Current(o)
	if cur == nil {
		return
	}
	k.priorityCalc(o, cur, priorityReward)
	k.MoveToEnd(o, cpuid, cur)
	k.Pick(o, cpuid)
}

// Tick runs 100 times a second on every cpu. The boot cpu also walks the
// sleep-timer pool and, every CaretakerInterval ticks, the maintenance
// pass.
func (k *Kernel) Tick(cpuid uint32) {
	c := k.cpus[cpuid]
	o := c.owner()

	if cpuid == k.bootCPU {
		k.ticks.Add(1)

		if k.caretaker > 0 {
			k.caretaker--
		}
		if k.caretaker == 0 {
			k.caretakerPass()
			k.caretaker = CaretakerInterval
		}

		k.tickBedroom(o)
	}

	c.gate.Lock(o, sync.LockRead)
	cur := c.current
	c.gate.Unlock(o)
	if cur == nil {
		return // nothing running on this core
	}

	cur.gate.Lock(o, sync.LockWrite)
	if cur.timeslice > 0 {
		cur.timeslice--
	}
	expired := cur.timeslice == 0
	cur.gate.Unlock(o)

	if expired {
		// Punish the thread for using up its whole timeslice.
		k.priorityCalc(o, cur, priorityExpiryPunish)
		k.MoveToEnd(o, cpuid, cur)
		k.Pick(o, cpuid)
	}
}

// caretakerPass runs maintenance over the queues: sanity checks on the
// cross-cpu balance.
func (k *Kernel) caretakerPass() {
	log.Debugf("sched", "caretaker tick: %d threads queued across %d cpus",
		k.TotalQueued(), len(k.cpus))
}

// LockThread stops a thread from running: remove it from the queues,
// mark it held and leave it that way until UnlockThread. A thread must
// never lock itself.
func (k *Kernel) LockThread(o sync.Owner, victim *Thread) error {
	if victim == nil {
		return diosix.ErrFailure
	}

	c := k.cpus[victim.cpu]
	c.gate.Lock(o, sync.LockRead)
	isCurrent := c.current == victim
	c.gate.Unlock(o)
	if isCurrent {
		return diosix.ErrFailure
	}

	victim.gate.Lock(o, sync.LockRead)
	queued := victim.state == InRunQueue || victim.state == Running
	victim.gate.Unlock(o)
	if queued {
		k.Remove(o, victim, Held)
	}
	return nil
}

// UnlockThread releases a held thread back into the queues, unless its
// whole process is still runlocked.
func (k *Kernel) UnlockThread(o sync.Owner, t *Thread) error {
	if t == nil {
		return diosix.ErrFailure
	}

	t.gate.Lock(o, sync.LockRead)
	held := t.state == Held
	blocked := t.proc.flags&ProcRunLocked != 0
	cpu := t.proc.cpu
	t.gate.Unlock(o)

	if !held || blocked {
		return diosix.ErrFailure
	}
	k.Add(o, cpu, t)
	return nil
}

// LockProc is the cooperative stop-the-world for one process: every
// thread is pulled from the queues and held, and the scheduler is warned
// off running new ones.
func (k *Kernel) LockProc(o sync.Owner, p *Process) error {
	if p == nil {
		return diosix.ErrFailure
	}

	p.gate.Lock(o, sync.LockWrite)
	p.flags |= ProcRunLocked
	threads := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		threads = append(threads, t)
	}
	p.gate.Unlock(o)

	for _, t := range threads {
		k.LockThread(o, t)
	}
	return nil
}

// UnlockProc releases a runlocked process, requeueing its held threads.
func (k *Kernel) UnlockProc(o sync.Owner, p *Process) error {
	if p == nil {
		return diosix.ErrFailure
	}

	p.gate.Lock(o, sync.LockWrite)
	p.flags &^= uint32(ProcRunLocked)
	threads := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		threads = append(threads, t)
	}
	p.gate.Unlock(o)

	for _, t := range threads {
		k.UnlockThread(o, t)
	}
	return nil
}

// Kickstart hands the first runnable thread on a cpu to the port and
// marks it current: the entry to userland from kernel boot.
func (k *Kernel) Kickstart(o sync.Owner, cpuid uint32) error {
	first := k.nextToRun(o, cpuid)
	if first == nil {
		return diosix.ErrNotFound
	}

	first.setState(o, Running)
	c := k.cpus[cpuid]
	c.gate.Spin().Lock()
	c.current = first
	c.gate.Spin().Unlock()

	k.Port.Kickstart(cpuid, &first.context, first.proc.Space.Root)
	log.Bootf("sched", "cpu %d starting operating system with tid %d of process %d",
		cpuid, first.tid, first.proc.pid)
	return nil
}
