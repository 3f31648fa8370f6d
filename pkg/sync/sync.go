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

// Package sync provides the kernel's two locking primitives: the raw
// spinlock and the reader/writer gate. Gates serialise access to kernel
// objects across cores; they busy-wait and are never a suspension point,
// so a kernel path must release every gate it holds before it can be
// descheduled.
package sync

import (
	"runtime"
	"sync/atomic"
)

// Owner identifies the execution context acquiring a gate, normally a
// thread. The gate code relies on a CPU's current-thread pointer not
// changing between a lock-unlock pair, which the scheduler guarantees by
// only switching it under the CPU's spinlock.
type Owner interface {
	// GateID returns an identity unique among live owners.
	GateID() uint64

	// NoteGate is called with +1 on every successful acquisition and -1
	// on every release, letting the scheduler assert that a thread being
	// descheduled holds no gates.
	NoteGate(delta int)
}

// StaticOwner is a fixed-identity Owner for boot-time paths and tests,
// before there is a current thread to blame.
type StaticOwner struct {
	ID    uint64
	gates atomic.Int64
}

// GateID implements Owner.
func (s *StaticOwner) GateID() uint64 { return s.ID }

// NoteGate implements Owner.
func (s *StaticOwner) NoteGate(delta int) { s.gates.Add(int64(delta)) }

// GatesHeld returns the number of gate acquisitions not yet released.
func (s *StaticOwner) GatesHeld() int64 { return s.gates.Load() }

// SpinLock is a single word set atomically to 1 on acquire and 0 on
// release. Callers busy-wait with a scheduling hint on contention.
type SpinLock struct {
	word atomic.Uint32
}

// Lock spins until the lock is taken.
func (l *SpinLock) Lock() {
	for !l.word.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

// TryLock attempts a single acquisition.
func (l *SpinLock) TryLock() bool {
	return l.word.CompareAndSwap(0, 1)
}

// Unlock releases the lock.
func (l *SpinLock) Unlock() {
	l.word.Store(0)
}
