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

import "github.com/diodesign/diosix/pkg/sync"

// Test-only pokes at scheduler and registry internals.

func (t *Thread) setPriorityForTest(priority uint8) {
	t.priority = priority
	t.priorityPoints = basePoints(priority)
}

func (t *Thread) queueLevelForTest() (uint8, bool) {
	if t.queue == nil {
		return 0, false
	}
	return t.queue.priority, true
}

func (t *Thread) pointsForTest() uint64 { return t.priorityPoints }

func (c *CPU) queuedForTest() uint32 { return c.queued }

func (k *Kernel) fillProcTableForTest() {
	k.procCount = ProcMaxNr
}

func (k *Kernel) setPriorityBoundsForTest(o sync.Owner, p *Process, low, high uint8) {
	p.gate.Lock(o, sync.LockWrite)
	p.priorityLow = low
	p.priorityHigh = high
	p.gate.Unlock(o)
}

func (p *Process) procGroupForTest() uint32 { return p.procGroupID }

func (p *Process) queuedSenderCountForTest() uint64 { return p.msgQueue.InUse() }

func (k *Kernel) roleSnoozerCountForTest(o sync.Owner, r int) int {
	k.procGate.Lock(o, sync.LockRead)
	defer k.procGate.Unlock(o)
	return len(k.snoozers[r])
}
