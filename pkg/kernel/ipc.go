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
	"github.com/diodesign/diosix/pkg/memarch"
	"github.com/diodesign/diosix/pkg/sync"
)

// queuedSender records a thread blocked with queue-me until the target
// process receives.
type queuedSender struct {
	pid uint32
	tid uint32
}

// testReceiver checks whether one thread can take the message: the
// target sits in a lower privilege layer than the sender unless the
// message is a reply; the target's control block is valid user memory;
// and either the target awaits a reply from exactly this sender or it
// waits for messages whose type mask intersects ours.
func (k *Kernel) testReceiver(o sync.Owner, sender, target *Thread, msg *diosix.MsgInfo) error {
	if sender == nil || target == nil || msg == nil {
		log.Koopsf("msg", "testReceiver called with sender %p target %p msg %p", sender, target, msg)
		return diosix.ErrFailure
	}

	if err := target.gate.Lock(o, sync.LockRead); err != nil {
		return diosix.ErrFailure
	}
	defer target.gate.Unlock(o)

	// Messages flow down through layers; only replies climb back up.
	if target.proc.layer > sender.proc.layer && msg.Flags&diosix.MsgReply == 0 {
		log.Debugf("msg", "recv layer %d not below sender layer %d and message isn't a reply",
			target.proc.layer, sender.proc.layer)
		return diosix.ErrNoReceiver
	}

	if target.msgUserAddr == 0 {
		return diosix.ErrNoReceiver
	}

	// The target's declared control block has to be sane user memory.
	if err := k.MM.PreemptFault(o, target.proc.Space, target.msgUserAddr,
		diosix.MsgInfoSize, memarch.AccessUserWrite); err != nil {
		return diosix.ErrFailure
	}

	// A reply needs the target parked on exactly this sender.
	if target.state == WaitingForReply && msg.Flags&diosix.MsgReply != 0 &&
		target.replySource == sender {
		return nil
	}

	// Otherwise the target must be receiving and willing to take the
	// type.
	if target.state == WaitingForMsg && target.msg != nil &&
		msg.Flags&diosix.MsgTypeMask&target.msg.Flags != 0 {
		return nil
	}

	return diosix.ErrNoReceiver
}

// findReceiver identifies who gets the message: the named thread, or any
// thread of the target process that passes the receiver test.
func (k *Kernel) findReceiver(o sync.Owner, sender *Thread, msg *diosix.MsgInfo) *Thread {
	if msg == nil {
		return nil
	}

	// Role targeting resolves to a pid under the table gate first.
	pid := msg.PID
	if msg.Role != uint32(diosix.RoleNone) {
		target := k.RoleLookup(o, diosix.Role(msg.Role))
		if target == nil {
			return nil
		}
		pid = target.pid
	}

	proc := k.FindProcess(o, pid)
	if proc == nil {
		return nil
	}

	if msg.TID != diosix.MsgAnyThread {
		recv := k.FindThread(o, proc, msg.TID)
		if recv != nil && k.testReceiver(o, sender, recv, msg) == nil {
			return recv
		}
		return nil
	}

	proc.gate.Lock(o, sync.LockRead)
	candidates := make([]*Thread, 0, len(proc.threads))
	for _, t := range proc.threads {
		candidates = append(candidates, t)
	}
	proc.gate.Unlock(o)

	for _, recv := range candidates {
		if k.testReceiver(o, sender, recv, msg) == nil {
			return recv
		}
	}
	return nil
}

// gatherPayload validates and collects the outgoing payload before a
// single byte moves: each part's bounds plus the running total are
// checked against the receiver's declared maximum and the system-wide
// ceiling, so an oversize message fails all-or-nothing.
func (k *Kernel) gatherPayload(o sync.Owner, sender *Thread, msg *diosix.MsgInfo, recvMax uint32) ([]byte, error) {
	space := sender.proc.Space

	if msg.Flags&diosix.MsgMultipart != 0 {
		// SendSize counts descriptors here; bound the array fetch before
		// trusting it.
		if msg.SendSize == 0 || uint64(msg.SendSize)*diosix.MultipartSize > diosix.MsgMaxSize {
			return nil, diosix.ErrBadParams
		}
		parts := make([]diosix.Multipart, msg.SendSize)
		raw := make([]byte, uint64(msg.SendSize)*diosix.MultipartSize)
		if err := k.MM.CopyFromUser(o, space, memarch.VirtAddr(msg.Send), raw); err != nil {
			return nil, err
		}

		var total uint64
		for i := range parts {
			parts[i].Decode(raw[uint64(i)*diosix.MultipartSize:])
			total += uint64(parts[i].Size)
			if total > diosix.MsgMaxSize || total > uint64(recvMax) {
				return nil, diosix.ErrTooBig
			}
		}

		payload := make([]byte, 0, total)
		for _, part := range parts {
			seg := make([]byte, part.Size)
			if err := k.MM.CopyFromUser(o, space, memarch.VirtAddr(part.Data), seg); err != nil {
				return nil, err
			}
			payload = append(payload, seg...)
		}
		return payload, nil
	}

	if uint64(msg.SendSize) > diosix.MsgMaxSize || msg.SendSize > recvMax {
		return nil, diosix.ErrTooBig
	}
	payload := make([]byte, msg.SendSize)
	if err := k.MM.CopyFromUser(o, space, memarch.VirtAddr(msg.Send), payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Send delivers a synchronous message from sender to a thread of another
// process. Non-reply sends block the sender until the receiver replies;
// the receiver may inherit the sender's better priority until then.
func (k *Kernel) Send(o sync.Owner, sender *Thread, msgAddr memarch.VirtAddr) error {
	if sender == nil || msgAddr == 0 {
		return diosix.ErrBadAddress
	}

	msg, err := k.MM.ReadMsgInfo(o, sender.proc.Space, msgAddr)
	if err != nil {
		return err
	}

	// Signal-typed messages funnel into the signal path.
	if msg.Flags&diosix.MsgTypeMask == diosix.MsgSignal {
		return k.sendSignalMsg(o, sender, msg)
	}

	receiver := k.findReceiver(o, sender, msg)
	if receiver == nil {
		if msg.Flags&diosix.MsgQueueMe != 0 && msg.Flags&diosix.MsgReply == 0 {
			return k.queueSender(o, sender, msg)
		}
		return diosix.ErrNoReceiver
	}

	rproc := receiver.proc
	rproc.gate.Lock(o, sync.LockRead)
	if err := receiver.gate.Lock(o, sync.LockWrite); err != nil {
		rproc.gate.Unlock(o)
		return diosix.ErrFailure
	}

	rmsg := receiver.msg
	if rmsg == nil {
		receiver.gate.Unlock(o)
		rproc.gate.Unlock(o)
		return diosix.ErrBadTargetAddress
	}

	// Sanitise the receive buffer we're about to fill.
	if err := k.MM.PreemptFault(o, rproc.Space, memarch.VirtAddr(rmsg.Recv),
		uint64(rmsg.RecvMaxSize), memarch.AccessUserWrite); err != nil {
		receiver.gate.Unlock(o)
		rproc.gate.Unlock(o)
		log.Debugf("msg", "receiver tid %d pid %d has invalid receive buffer %#x",
			receiver.tid, rproc.pid, rmsg.Recv)
		return diosix.ErrBadTargetAddress
	}

	sender.gate.Lock(o, sync.LockWrite)

	// The receiver's declared maximum bounds the payload; for a reply
	// that is the buffer the waiter declared in its original send.
	isReply := msg.Flags&diosix.MsgReply != 0
	payload, err := k.gatherPayload(o, sender, msg, rmsg.RecvMaxSize)
	if err != nil {
		sender.gate.Unlock(o)
		receiver.gate.Unlock(o)
		rproc.gate.Unlock(o)
		return err
	}

	if err := k.MM.CopyToUser(o, rproc.Space, memarch.VirtAddr(rmsg.Recv), payload); err != nil {
		sender.gate.Unlock(o)
		receiver.gate.Unlock(o)
		rproc.gate.Unlock(o)
		return err
	}

	// Update both control blocks: each side learns who the other was.
	msg.PID = rproc.pid
	msg.TID = receiver.tid
	rmsg.RecvSize = uint32(len(payload))
	rmsg.PID = sender.proc.pid
	rmsg.TID = sender.tid
	rmsg.UID = sender.proc.uid.Effective
	rmsg.GID = sender.proc.gid.Effective

	if isReply {
		// The reply discharges the inheritance: the replier hands back
		// any priority the waiter lent it, and the waiter's stale grant
		// goes too.
		sender.priorityGranted = PriorityInvalid
		sender.grantedBy = nil
		receiver.priorityGranted = PriorityInvalid
		receiver.grantedBy = nil
		receiver.replySource = nil
	} else {
		// Block the sender awaiting the reply, and lend the receiver our
		// priority if it beats theirs.
		sender.replySource = receiver
		sender.msg = msg
		sender.msgUserAddr = msgAddr

		if sender.priority < receiver.priority {
			receiver.priorityGranted = sender.priority
			receiver.grantedBy = sender
		} else {
			receiver.priorityGranted = PriorityInvalid
			receiver.grantedBy = nil
		}
	}

	recvUserAddr := receiver.msgUserAddr
	recvCPU := receiver.cpu
	sender.gate.Unlock(o)
	receiver.gate.Unlock(o)
	rproc.gate.Unlock(o)

	if err := k.MM.WriteMsgInfo(o, rproc.Space, recvUserAddr, rmsg); err != nil {
		return err
	}
	if err := k.MM.WriteMsgInfo(o, sender.proc.Space, msgAddr, msg); err != nil {
		return err
	}

	// Priority recomputation happens before the receiver is enqueued, so
	// it queues at its effective priority.
	k.priorityCalc(o, receiver, priorityCheck)
	if isReply {
		k.priorityCalc(o, sender, priorityCheck)
	}

	if !isReply {
		k.Remove(o, sender, WaitingForReply)
		// Blocking voluntarily earns the sender a point.
		k.priorityCalc(o, sender, priorityReward)
	}

	// Wake the receiving thread.
	k.Add(o, recvCPU, receiver)

	log.Debugf("msg", "tid %d of process %d sent %d bytes to tid %d of process %d",
		sender.tid, sender.proc.pid, len(payload), receiver.tid, rproc.pid)
	return nil
}

// sendSignalMsg funnels a signal-typed message block into signal
// delivery: one internal primitive behind two surfaces.
func (k *Kernel) sendSignalMsg(o sync.Owner, sender *Thread, msg *diosix.MsgInfo) error {
	if msg.Flags&(diosix.MsgInMyProcGrp|diosix.MsgInAProcGrp) != 0 {
		pgid := uint32(0)
		if msg.Flags&diosix.MsgInAProcGrp != 0 {
			pgid = msg.PID
		}
		return k.SendGroupSignal(o, pgid, sender, msg.Signal.Number, msg.Signal.Extra)
	}

	target := k.FindProcess(o, msg.PID)
	if msg.Role != uint32(diosix.RoleNone) {
		target = k.RoleLookup(o, diosix.Role(msg.Role))
	}
	if target == nil {
		return diosix.ErrNotFound
	}
	return k.SendSignal(o, target, sender, msg.Signal.Number, msg.Signal.Extra)
}

// queueSender parks a sender on the target process's queue-me pool; it
// stays off the run-queues until the target next enters receive (or
// dies) and is then requeued. The kernel does not repeat the send.
func (k *Kernel) queueSender(o sync.Owner, sender *Thread, msg *diosix.MsgInfo) error {
	pid := msg.PID
	if msg.Role != uint32(diosix.RoleNone) {
		if target := k.RoleLookup(o, diosix.Role(msg.Role)); target != nil {
			pid = target.pid
		} else {
			return diosix.ErrNoReceiver
		}
	}
	target := k.FindProcess(o, pid)
	if target == nil {
		return diosix.ErrNoReceiver
	}

	slot, err := target.msgQueue.Alloc(o)
	if err != nil {
		return err
	}
	slot.Data = &queuedSender{pid: sender.proc.pid, tid: sender.tid}

	k.Remove(o, sender, WaitingForMsg)
	k.priorityCalc(o, sender, priorityReward)
	return nil
}

// drainQueuedSenders wakes senders parked on a process's queue-me pool
// so they can retry now that someone is receiving (or learn the process
// died).
func (k *Kernel) drainQueuedSenders(o sync.Owner, p *Process, result error) {
	for slot := p.msgQueue.Next(nil); slot != nil; {
		next := p.msgQueue.Next(slot)
		qs, _ := slot.Data.(*queuedSender)
		p.msgQueue.Free(slot)
		slot = next
		if qs == nil {
			continue
		}

		senderProc := k.FindProcess(o, qs.pid)
		if senderProc == nil {
			continue
		}
		senderThread := k.FindThread(o, senderProc, qs.tid)
		if senderThread == nil {
			continue
		}
		if result != nil {
			// It's game over: fail the send in the sleeper's result
			// register.
			senderThread.context.Regs.Result = uint64(diosix.Errno(result))
		}
		k.Add(o, senderThread.cpu, senderThread)
	}
}

// Recv blocks a thread until a message or signal comes in. The declared
// control block must be user-writable and non-trivial.
func (k *Kernel) Recv(o sync.Owner, receiver *Thread, msgAddr memarch.VirtAddr) error {
	if receiver == nil || msgAddr == 0 {
		return diosix.ErrBadAddress
	}
	if uint64(msgAddr)+diosix.MsgInfoSize > uint64(k.Port.KernelSpaceBase()) {
		return diosix.ErrBadAddress
	}

	if err := k.MM.PreemptFault(o, receiver.proc.Space, msgAddr,
		diosix.MsgInfoSize, memarch.AccessUserWrite); err != nil {
		return err
	}
	msg, err := k.MM.ReadMsgInfo(o, receiver.proc.Space, msgAddr)
	if err != nil {
		return err
	}
	if msg.Recv == 0 || msg.RecvMaxSize == 0 {
		return diosix.ErrBadAddress
	}

	receiver.gate.Lock(o, sync.LockWrite)
	receiver.msg = msg
	receiver.msgUserAddr = msgAddr
	receiver.gate.Unlock(o)

	// A receiver accepting signals clears the in-progress marks: its
	// handler has come back for more.
	if msg.Flags&diosix.MsgSignal != 0 {
		receiver.proc.gate.Lock(o, sync.LockWrite)
		receiver.proc.unixInProgress = 0
		receiver.proc.gate.Unlock(o)
	}

	// Recorded signals don't wait for the next sender.
	if k.takeQueuedSignal(o, receiver, msg) {
		return k.MM.WriteMsgInfo(o, receiver.proc.Space, msgAddr, msg)
	}

	// Remove the receiver from the queue until a message comes in, and
	// let queued senders retry.
	k.Remove(o, receiver, WaitingForMsg)
	k.priorityCalc(o, receiver, priorityReward)
	k.drainQueuedSenders(o, receiver.proc, nil)

	log.Debugf("msg", "tid %d pid %d now receiving (block %#x buffer %#x)",
		receiver.tid, receiver.proc.pid, msgAddr, msg.Recv)
	return nil
}
