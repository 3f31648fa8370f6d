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

package sync

import (
	"fmt"
	"runtime"

	"github.com/diodesign/diosix/pkg/abi/diosix"
)

// GateFlags select the acquisition mode and options.
type GateFlags uint32

const (
	// LockRead admits other readers while held, unless a writer is
	// waiting.
	LockRead GateFlags = 1 << iota

	// LockWrite admits no other owner.
	LockWrite

	// LockSelfDestruct marks the gate defunct on final release; later
	// acquirers fail. Used when the protected object is being torn down.
	LockSelfDestruct
)

// Debug enables the contention-timeout diagnostic: spinning past
// GateTimeout acquisition attempts is treated as a deadlock bug and is
// fatal.
var Debug = false

// GateTimeout is the very large attempt count beyond which contention is
// considered a bug rather than load.
const GateTimeout = 1 << 26

// Gate is the reader/writer gate serialising access to a kernel object
// across cores: many readers or one writer, with per-owner re-entry and a
// self-destruct lifecycle bit. Acquisition busy-waits; a gate is never a
// suspension point.
type Gate struct {
	spin SpinLock

	// The fields below are protected by spin.

	// owner is the current exclusive owner's identity, or 0 for none.
	// Under read mode with several readers it records the first reader.
	owner uint64

	// writing is true when the gate is held in write mode.
	writing bool

	// refcount counts acquisitions not yet released; n acquisitions
	// require n releases.
	refcount uint32

	// writerWaiting blocks new readers so a spinning writer cannot
	// starve.
	writerWaiting bool

	// destruct marks the final release as terminal; defunct refuses all
	// later acquirers.
	destruct bool
	defunct  bool
}

// Lock acquires the gate with the given flags on behalf of owner o. It
// fails only if the gate has self-destructed.
func (g *Gate) Lock(o Owner, flags GateFlags) error {
	id := o.GateID()
	want := flags&LockWrite != 0
	var spins uint64

	for {
		g.spin.Lock()
		switch {
		case g.defunct:
			g.spin.Unlock()
			return diosix.ErrFailure

		case g.refcount == 0:
			// Free gate: first caller takes it in either mode.
			g.owner = id
			g.writing = want
			g.refcount = 1
			g.noteDestruct(flags)
			g.spin.Unlock()
			o.NoteGate(1)
			return nil

		case g.owner == id:
			// Re-entry by the current owner, in any mode. A write
			// request upgrades the gate.
			g.refcount++
			if want {
				g.writing = true
			}
			g.noteDestruct(flags)
			g.spin.Unlock()
			o.NoteGate(1)
			return nil

		case !g.writing && !want && !g.writerWaiting:
			// Another reader joins the party.
			g.refcount++
			g.noteDestruct(flags)
			g.spin.Unlock()
			o.NoteGate(1)
			return nil
		}

		if want && !g.writing {
			// Warn off new readers while we spin.
			g.writerWaiting = true
		}
		g.spin.Unlock()

		spins++
		if Debug && spins > GateTimeout {
			panic(fmt.Sprintf("gate %p: owner %d spun out waiting on owner %d (write=%v)\n%s",
				g, id, g.ownerSnapshot(), want, stackTrace()))
		}
		runtime.Gosched()
	}
}

func (g *Gate) noteDestruct(flags GateFlags) {
	if flags&LockSelfDestruct != 0 {
		g.destruct = true
	}
}

// Unlock releases one acquisition held by owner o. Release is symmetric
// with acquisition; the final release of a self-destructing gate marks it
// defunct.
func (g *Gate) Unlock(o Owner) {
	g.spin.Lock()
	if g.refcount == 0 {
		g.spin.Unlock()
		panic(fmt.Sprintf("gate %p: unlock of free gate by owner %d", g, o.GateID()))
	}
	g.refcount--
	if g.refcount == 0 {
		g.owner = 0
		g.writing = false
		g.writerWaiting = false
		if g.destruct {
			g.defunct = true
		}
	}
	g.spin.Unlock()
	o.NoteGate(-1)
}

// Defunct reports whether the gate has self-destructed.
func (g *Gate) Defunct() bool {
	g.spin.Lock()
	defer g.spin.Unlock()
	return g.defunct
}

// HeldBy reports whether owner o currently holds the gate.
func (g *Gate) HeldBy(o Owner) bool {
	g.spin.Lock()
	defer g.spin.Unlock()
	return g.refcount > 0 && g.owner == o.GateID()
}

// Spin exposes the gate's low-level spinlock. The scheduler takes it
// directly when flipping a CPU's current-thread pointer, which must not
// change inside anyone's lock-unlock pair.
func (g *Gate) Spin() *SpinLock { return &g.spin }

func (g *Gate) ownerSnapshot() uint64 {
	g.spin.Lock()
	defer g.spin.Unlock()
	return g.owner
}

func stackTrace() string {
	buf := make([]byte, 16384)
	return string(buf[:runtime.Stack(buf, false)])
}
