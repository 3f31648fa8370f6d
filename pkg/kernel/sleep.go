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

// SnoozeAction selects what happens when a sleep timer expires.
type SnoozeAction int

const (
	// SnoozeWake puts the calling thread to sleep and requeues it on
	// expiry.
	SnoozeWake SnoozeAction = iota

	// SnoozeSignal sends SIGALRM to the thread's owner process on
	// expiry; the thread keeps running.
	SnoozeSignal
)

// snoozingThread is one sleep-timer entry in the bedroom pool.
type snoozingThread struct {
	sleeper *Thread
	timer   uint32
	action  SnoozeAction
}

// AddSnoozer queues a thread against the scheduler clock. A zero timeout
// cancels every outstanding timer for the thread instead.
func (k *Kernel) AddSnoozer(o sync.Owner, t *Thread, timeout uint32, action SnoozeAction) error {
	if t == nil {
		return diosix.ErrBadParams
	}
	if timeout == 0 {
		return k.CancelSnoozer(o, t)
	}

	slot, err := k.bedroom.Alloc(o)
	if err != nil {
		return err
	}
	slot.Data = &snoozingThread{sleeper: t, timer: timeout, action: action}

	log.Debugf("sched", "added tid %d pid %d to bedroom: timeout %d ticks action %d",
		t.tid, t.proc.pid, timeout, action)

	if action == SnoozeWake {
		k.Remove(o, t, Sleeping)
	}
	return nil
}

// CancelSnoozer removes all outstanding sleep-timer entries for a
// thread.
func (k *Kernel) CancelSnoozer(o sync.Owner, t *Thread) error {
	if t == nil {
		return diosix.ErrBadParams
	}

	err := diosix.ErrNotFound
	for slot := k.bedroom.Next(nil); slot != nil; {
		entry, _ := slot.Data.(*snoozingThread)
		next := k.bedroom.Next(slot)
		if entry != nil && entry.sleeper == t {
			k.bedroom.Free(slot)
			err = nil
		}
		slot = next
	}
	return err
}

// tickBedroom steps every sleeping thread's countdown; entries reaching
// zero perform their action and leave the pool.
func (k *Kernel) tickBedroom(o sync.Owner) {
	if k.bedroom.InUse() == 0 {
		return
	}

	for slot := k.bedroom.Next(nil); slot != nil; {
		next := k.bedroom.Next(slot)
		entry, _ := slot.Data.(*snoozingThread)
		if entry == nil {
			slot = next
			continue
		}

		entry.timer--
		if entry.timer == 0 {
			switch entry.action {
			case SnoozeWake:
				k.Add(o, entry.sleeper.cpu, entry.sleeper)
				log.Debugf("sched", "woke up snoozing tid %d pid %d",
					entry.sleeper.tid, entry.sleeper.proc.pid)

			case SnoozeSignal:
				k.SendSignal(o, entry.sleeper.proc, nil, diosix.SIGALRM, 0)
				log.Debugf("sched", "sent SIGALRM to pid %d", entry.sleeper.proc.pid)
			}
			k.bedroom.Free(slot)
		}
		slot = next
	}
}

// SleepingTimers counts outstanding bedroom entries, for tests.
func (k *Kernel) SleepingTimers() uint64 { return k.bedroom.InUse() }
