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
	"github.com/diodesign/diosix/pkg/mm"
	"github.com/diodesign/diosix/pkg/sync"
)

// HandleFault implements platform.FaultHandler: the port routes hardware
// faults here with the access descriptor it computed from the trap.
func (k *Kernel) HandleFault(cpu uint32, addr memarch.VirtAddr, access memarch.Access) error {
	c := k.cpus[cpu]
	o := c.owner()

	cur := c.Current(o)
	if cur == nil {
		// A fault with nothing running is the kernel's own doing.
		log.Panicf("fault", "unhandled fault at %#x on idle cpu %d", addr, cpu)
	}

	if !access.User {
		// An unhandled page fault in kernel mode is fatal.
		log.Panicf("fault", "kernel fault at %#x on cpu %d (pid %d tid %d)",
			addr, cpu, cur.proc.pid, cur.tid)
	}

	decision, err := k.MM.Resolve(o, cur.proc.Space, addr, access)
	switch decision {
	case mm.BadAccess:
		// Page faults read as SIGSEGV, protection trouble as SIGBUS.
		sig := uint32(diosix.SIGSEGV)
		if access.Present {
			sig = diosix.SIGBUS
		}
		if serr := k.SendSignal(o, cur.proc, nil, sig, uint32(addr)); serr == diosix.ErrNoHandler {
			// Nobody to tell: the process dies.
			return k.killUnchecked(o, cur.proc)
		}
		return err

	case mm.External:
		// Bump the userspace pager with a kernel-originated signal
		// naming the faulting process.
		pager := k.RoleLookup(o, diosix.RolePager)
		if pager == nil {
			return diosix.ErrNoHandler
		}
		return k.SendSignal(o, pager, nil, diosix.SIGXPROCCLONED, cur.proc.pid)
	}
	return err
}

// ThreadInfo answers the thread-info query for the current thread.
func (k *Kernel) ThreadInfo(o sync.Owner, t *Thread) diosix.ThreadInfoBlock {
	t.gate.Lock(o, sync.LockRead)
	defer t.gate.Unlock(o)
	return diosix.ThreadInfoBlock{
		TID:      t.tid,
		CPU:      t.cpu,
		Priority: t.priority,
	}
}

// ProcessInfo answers the process-info query.
func (k *Kernel) ProcessInfo(o sync.Owner, p *Process) diosix.ProcessInfoBlock {
	p.gate.Lock(o, sync.LockRead)
	defer p.gate.Unlock(o)
	return diosix.ProcessInfoBlock{
		PID:         p.pid,
		ParentPID:   p.parentPID,
		Flags:       p.flags,
		PrivLayer:   p.layer,
		Role:        uint32(p.role),
		UID:         p.uid,
		GID:         p.gid,
		ProcGroupID: p.procGroupID,
		SessionID:   p.sessionID,
	}
}

// KernelInfo answers the kernel-info query.
func (k *Kernel) KernelInfo() diosix.KernelInfoBlock {
	return diosix.KernelInfoBlock{
		Identifier:   "diosix",
		ReleaseMajor: 0,
		ReleaseMinor: 1,
		APIRevision:  1,
	}
}

// KernelStats answers the kernel-statistics query.
func (k *Kernel) KernelStats() diosix.KernelStatsBlock {
	return diosix.KernelStatsBlock{UptimeMsec: k.Uptime()}
}
