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
	"github.com/diodesign/diosix/pkg/kheap"
	"github.com/diodesign/diosix/pkg/log"
	"github.com/diodesign/diosix/pkg/sync"
)

// queuedSignal is a signal parked in a process's pool until a thread is
// willing to take it.
type queuedSignal struct {
	signal    diosix.Signal
	senderPID uint32
	senderTID uint32
	senderUID uint32
	senderGID uint32
}

// signalClass buckets a signal number.
func signalClass(num uint32) int {
	switch {
	case num >= 1 && num <= diosix.SigUnixMax:
		return 0 // POSIX-compatible
	case num >= diosix.SigKernelMin && num <= diosix.SigKernelMax:
		return 1 // kernel-originated
	case num >= diosix.SigUserMin:
		return 2 // user-defined
	default:
		return -1
	}
}

// accepts reports whether the target process is willing to take the
// signal at all.
func (p *Process) accepts(num uint32) bool {
	switch signalClass(num) {
	case 0:
		return p.unixAccepted&diosix.SigAcceptUnix(num) != 0
	case 1:
		return p.kernelAccepted&diosix.SigAcceptKernel(num) != 0
	case 2:
		return p.userSigTID != 0
	default:
		return false
	}
}

// SetSignalMask updates an accept mask; class selects the POSIX or
// kernel range.
func (k *Kernel) SetSignalMask(o sync.Owner, p *Process, kernelRange bool, mask uint32) {
	p.gate.Lock(o, sync.LockWrite)
	if kernelRange {
		p.kernelAccepted = mask
	} else {
		p.unixAccepted = mask
	}
	p.gate.Unlock(o)
}

// NominateSignalThread picks the handler thread for user-defined
// signals.
func (k *Kernel) NominateSignalThread(o sync.Owner, p *Process, tid uint32) {
	p.gate.Lock(o, sync.LockWrite)
	p.userSigTID = tid
	p.gate.Unlock(o)
}

// SendSignal queues a (number, extra) pair for a process and wakes a
// thread willing to take it. sender is nil for kernel-originated
// signals. Delivery is best-effort: with no receiver ready, the signal
// stays recorded in the pool.
func (k *Kernel) SendSignal(o sync.Owner, target *Process, sender *Thread, num, extra uint32) error {
	if target == nil || signalClass(num) < 0 {
		return diosix.ErrBadParams
	}

	// POSIX-compatible signals from userland need the right.
	if sender != nil && signalClass(num) == 0 && !sender.proc.HasRights(o, ProcCanUnixSignal) {
		return diosix.ErrNoRights
	}

	target.gate.Lock(o, sync.LockWrite)

	if !target.accepts(num) {
		target.gate.Unlock(o)
		return diosix.ErrNoHandler
	}

	// A second unrecoverable fault while the first is still in progress
	// means the handler itself is broken: kill instead of looping.
	if num == diosix.SIGSEGV || num == diosix.SIGBUS {
		if target.unixInProgress&diosix.SigAcceptUnix(num) != 0 {
			target.gate.Unlock(o)
			log.Debugf("msg", "pid %d re-faulted inside its own fault handler, killing", target.pid)
			return k.killUnchecked(o, target)
		}
	}

	qs := &queuedSignal{signal: diosix.Signal{Number: num, Extra: extra}}
	if sender != nil {
		qs.senderPID = sender.proc.pid
		qs.senderTID = sender.tid
		qs.senderUID = sender.proc.uid.Effective
		qs.senderGID = sender.proc.gid.Effective
	}

	pool := target.systemSignals
	if signalClass(num) == 2 {
		pool = target.userSignals
	}
	slot, err := pool.Alloc(o)
	if err != nil {
		target.gate.Unlock(o)
		return err
	}
	slot.Data = qs
	target.gate.Unlock(o)

	// Wake a thread blocked in receive whose type mask takes signals.
	if receiver := k.findSignalReceiver(o, target, sender, num); receiver != nil {
		k.deliverQueuedSignal(o, target, receiver, pool, slot)
	}
	return nil
}

// findSignalReceiver picks a thread of target that is waiting for a
// message and accepts the signal type.
func (k *Kernel) findSignalReceiver(o sync.Owner, target *Process, sender *Thread, num uint32) *Thread {
	target.gate.Lock(o, sync.LockRead)
	defer target.gate.Unlock(o)

	if signalClass(num) == 2 {
		// User-defined signals only reach the nominated handler thread.
		t := target.threads[target.userSigTID]
		if t != nil && t.State(o) == WaitingForMsg {
			return t
		}
		return nil
	}

	for _, t := range target.threads {
		t.gate.Lock(o, sync.LockRead)
		ready := t.state == WaitingForMsg && t.msg != nil &&
			t.msg.Flags&diosix.MsgSignal != 0 &&
			(sender == nil || t.msg.Flags&diosix.MsgKernelOnly == 0)
		t.gate.Unlock(o)
		if ready {
			return t
		}
	}
	return nil
}

// deliverQueuedSignal writes one pooled signal into a receiver's control
// block and requeues the receiver.
func (k *Kernel) deliverQueuedSignal(o sync.Owner, target *Process, receiver *Thread, pool *kheap.Pool, slot *kheap.Slot) {
	qs, _ := slot.Data.(*queuedSignal)
	if qs == nil {
		return
	}

	receiver.gate.Lock(o, sync.LockWrite)
	rmsg := receiver.msg
	if rmsg == nil {
		receiver.gate.Unlock(o)
		return
	}
	rmsg.Signal = qs.signal
	rmsg.PID = qs.senderPID
	rmsg.TID = qs.senderTID
	rmsg.UID = qs.senderUID
	rmsg.GID = qs.senderGID
	rmsg.RecvSize = 0
	rmsg.Flags = (rmsg.Flags &^ diosix.MsgTypeMask) | diosix.MsgSignal
	userAddr := receiver.msgUserAddr
	receiver.gate.Unlock(o)

	if err := k.MM.WriteMsgInfo(o, target.Space, userAddr, rmsg); err != nil {
		log.Koopsf("msg", "failed writing signal control block for pid %d tid %d",
			target.pid, receiver.tid)
		return
	}

	// Mark every delivered POSIX signal in-progress until the handler
	// comes back for more messages.
	if signalClass(qs.signal.Number) == 0 {
		target.gate.Lock(o, sync.LockWrite)
		target.unixInProgress |= diosix.SigAcceptUnix(qs.signal.Number)
		target.gate.Unlock(o)
	}

	pool.Free(slot)
	k.Add(o, receiver.cpu, receiver)
}

// takeQueuedSignal hands a pooled signal straight to a thread entering
// receive, so recorded signals don't wait for the next sender.
func (k *Kernel) takeQueuedSignal(o sync.Owner, receiver *Thread, msg *diosix.MsgInfo) bool {
	if msg.Flags&diosix.MsgSignal == 0 {
		return false
	}
	p := receiver.proc

	pools := []*kheap.Pool{p.systemSignals}
	if p.userSigTID == receiver.tid {
		pools = append(pools, p.userSignals)
	}
	for _, pool := range pools {
		slot := pool.Next(nil)
		if slot == nil {
			continue
		}
		qs, _ := slot.Data.(*queuedSignal)
		if qs == nil {
			continue
		}
		if msg.Flags&diosix.MsgKernelOnly != 0 && qs.senderPID != 0 {
			continue
		}
		msg.Signal = qs.signal
		msg.PID = qs.senderPID
		msg.TID = qs.senderTID
		msg.UID = qs.senderUID
		msg.GID = qs.senderGID
		msg.RecvSize = 0
		msg.Flags = (msg.Flags &^ diosix.MsgTypeMask) | diosix.MsgSignal
		pool.Free(slot)
		return true
	}
	return false
}

// SendGroupSignal delivers a signal to every process in a process group.
// A zero pgid means the sender's own group.
func (k *Kernel) SendGroupSignal(o sync.Owner, pgid uint32, sender *Thread, num, extra uint32) error {
	if pgid == 0 {
		if sender == nil {
			return diosix.ErrBadParams
		}
		pgid = sender.proc.procGroupID
	}

	var members []*Process
	k.EachProcess(o, func(p *Process) bool {
		if p.procGroupID == pgid {
			members = append(members, p)
		}
		return true
	})

	for _, p := range members {
		if err := k.SendSignal(o, p, sender, num, extra); err != nil && err != diosix.ErrNoHandler {
			return err
		}
	}
	return nil
}

// QueuedSignals counts signals parked in a process's pools, for tests
// and the statistics query.
func (k *Kernel) QueuedSignals(o sync.Owner, p *Process) uint64 {
	return p.systemSignals.InUse() + p.userSignals.InUse()
}
