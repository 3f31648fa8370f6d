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
	"github.com/diodesign/diosix/pkg/sync"
)

// threadQueue is one (cpu, priority-level) run-queue: a doubly linked
// list of threads.
type threadQueue struct {
	priority uint8
	head     *Thread
	tail     *Thread
}

// CPU is the per-core scheduler state. The current pointer is the unique
// authority on what is running on this core; only Pick changes it, under
// this CPU's spinlock.
type CPU struct {
	ID uint32

	// gate protects the queues, the hint and the accounting.
	gate sync.Gate

	// current is the thread executing on this core, nil before
	// kickstart.
	current *Thread

	// queues index by priority level; lowestQueueFilled hints at the
	// best-priority non-empty queue.
	queues            [PriorityLevels]threadQueue
	lowestQueueFilled uint8

	// queued counts threads in this cpu's queues.
	queued uint32

	// bootOwner is the lock identity used on this core before any
	// thread runs.
	bootOwner sync.StaticOwner
}

func newCPU(id uint32) *CPU {
	c := &CPU{ID: id}
	c.bootOwner.ID = 1<<48 | uint64(id)
	for i := range c.queues {
		c.queues[i].priority = uint8(i)
	}
	return c
}

// Current returns the thread running on this core.
func (c *CPU) Current(o sync.Owner) *Thread {
	c.gate.Lock(o, sync.LockRead)
	defer c.gate.Unlock(o)
	return c.current
}

// owner returns the lock identity for kernel paths entered on this core:
// the current thread, or the boot identity before one exists.
func (c *CPU) owner() sync.Owner {
	c.gate.Spin().Lock()
	t := c.current
	c.gate.Spin().Unlock()
	if t != nil {
		return t
	}
	return &c.bootOwner
}

// Owner exposes the core's lock identity for the dispatcher.
func (c *CPU) Owner() sync.Owner { return c.owner() }
