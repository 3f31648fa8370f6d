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
	"github.com/diodesign/diosix/pkg/memarch"
	"github.com/diodesign/diosix/pkg/mm"
	"github.com/diodesign/diosix/pkg/physmem"
	"github.com/diodesign/diosix/pkg/platform"
	"github.com/diodesign/diosix/pkg/sync"
)

// RegisterDriverThread promotes the calling thread into the interrupt
// band. The process needs the driver right.
func (k *Kernel) RegisterDriverThread(o sync.Owner, t *Thread) error {
	if t == nil {
		return diosix.ErrBadParams
	}
	if !t.proc.HasRights(o, ProcCanBeDriver) {
		return diosix.ErrNoRights
	}

	t.gate.Lock(o, sync.LockWrite)
	t.flags |= ThreadIsDriver
	t.priority = PriorityInterrupts
	t.gate.Unlock(o)
	return nil
}

// DeregisterDriverThread demotes a driver thread back to its process's
// normal band.
func (k *Kernel) DeregisterDriverThread(o sync.Owner, t *Thread) error {
	if t == nil {
		return diosix.ErrBadParams
	}
	t.gate.Lock(o, sync.LockWrite)
	t.flags &^= uint8(ThreadIsDriver)
	t.priority = t.proc.priorityLow
	t.gate.Unlock(o)
	k.priorityCalc(o, t, priorityReset)
	return nil
}

// RegisterIRQ records a driver's claim on an interrupt line; the port
// raises SIGXIRQ through the signal path when it fires.
func (k *Kernel) RegisterIRQ(o sync.Owner, p *Process, irq uint32) error {
	if p == nil {
		return diosix.ErrBadParams
	}
	if !p.HasRights(o, ProcCanBeDriver) {
		return diosix.ErrNoRights
	}

	p.gate.Lock(o, sync.LockWrite)
	defer p.gate.Unlock(o)
	for e := p.interrupts; e != nil; e = e.next {
		if e.irq == irq {
			return diosix.ErrExists
		}
	}
	p.interrupts = &irqEntry{irq: irq, next: p.interrupts}
	return nil
}

// DeregisterIRQ drops a claim on an interrupt line.
func (k *Kernel) DeregisterIRQ(o sync.Owner, p *Process, irq uint32) error {
	if p == nil {
		return diosix.ErrBadParams
	}
	p.gate.Lock(o, sync.LockWrite)
	defer p.gate.Unlock(o)

	var prev *irqEntry
	for e := p.interrupts; e != nil; e = e.next {
		if e.irq == irq {
			if prev == nil {
				p.interrupts = e.next
			} else {
				prev.next = e.next
			}
			return nil
		}
		prev = e
	}
	return diosix.ErrNotFound
}

// RaiseIRQ routes a hardware interrupt to every process claiming the
// line, as a kernel-originated signal.
func (k *Kernel) RaiseIRQ(o sync.Owner, irq uint32) {
	var claimants []*Process
	k.EachProcess(o, func(p *Process) bool {
		for e := p.interrupts; e != nil; e = e.next {
			if e.irq == irq {
				claimants = append(claimants, p)
				break
			}
		}
		return true
	})
	for _, p := range claimants {
		k.SendSignal(o, p, nil, diosix.SIGXIRQ, irq)
	}
}

// GrantIOPorts opens an I/O-port range in the process's permission
// bitmap, building the bitmap on first use.
func (k *Kernel) GrantIOPorts(o sync.Owner, p *Process, first, last uint16) error {
	if p == nil || first > last {
		return diosix.ErrBadParams
	}
	if !p.HasRights(o, ProcCanBeDriver) {
		return diosix.ErrNoRights
	}

	p.gate.Lock(o, sync.LockWrite)
	defer p.gate.Unlock(o)
	if p.ioPermitted == nil {
		p.ioPermitted = make([]uint64, 65536/64)
	}
	for port := uint32(first); port <= uint32(last); port++ {
		p.ioPermitted[port/64] |= 1 << (port % 64)
	}
	return nil
}

// RemoveIOPorts shuts an I/O-port range. Access is only ever narrowed.
func (k *Kernel) RemoveIOPorts(o sync.Owner, p *Process, first, last uint16) error {
	if p == nil || first > last {
		return diosix.ErrBadParams
	}
	p.gate.Lock(o, sync.LockWrite)
	defer p.gate.Unlock(o)
	if p.ioPermitted == nil {
		return nil
	}
	for port := uint32(first); port <= uint32(last); port++ {
		p.ioPermitted[port/64] &^= 1 << (port % 64)
	}
	return nil
}

// ClearIOPorts revokes the whole bitmap.
func (k *Kernel) ClearIOPorts(o sync.Owner, p *Process) error {
	if p == nil {
		return diosix.ErrBadParams
	}
	p.gate.Lock(o, sync.LockWrite)
	p.ioPermitted = nil
	p.gate.Unlock(o)
	return nil
}

// IOPortPermitted reports whether a process may touch a port.
func (p *Process) IOPortPermitted(o sync.Owner, port uint16) bool {
	p.gate.Lock(o, sync.LockRead)
	defer p.gate.Unlock(o)
	if p.ioPermitted == nil {
		return false
	}
	return p.ioPermitted[uint32(port)/64]&(1<<(uint32(port)%64)) != 0
}

// MapPhys maps a driver-supplied physical range into the process's
// space: a fixed, internally-unmanaged area backed by the given frames.
func (k *Kernel) MapPhys(o sync.Owner, p *Process, paddr memarch.PhysAddr, vaddr memarch.VirtAddr, size uint64, flags mm.VMAFlags) error {
	if p == nil || size == 0 {
		return diosix.ErrBadParams
	}
	if !p.HasRights(o, ProcCanMapPhys) {
		return diosix.ErrNoRights
	}
	if !paddr.PageAligned() || !vaddr.PageAligned() || size%memarch.PageSize != 0 {
		return diosix.ErrNotPageAligned
	}

	if err := k.MM.Add(o, p.Space, vaddr, size, (flags|mm.VMAFixed)&^mm.VMAMemSource, 0); err != nil {
		return err
	}
	for off := uint64(0); off < size; off += memarch.PageSize {
		writable := flags&mm.VMAWriteable != 0
		pf := platformFlags(writable, flags&mm.VMANoCache != 0)
		if err := k.Port.Map4K(p.Space.Root, vaddr+memarch.VirtAddr(off), paddr+memarch.PhysAddr(off), pf); err != nil {
			return err
		}
	}
	k.FlushTLB(p.Space.Root)
	return nil
}

// UnmapPhys removes a previously mapped physical range.
func (k *Kernel) UnmapPhys(o sync.Owner, p *Process, vaddr memarch.VirtAddr) error {
	if p == nil {
		return diosix.ErrBadParams
	}
	v, base, ok := p.Space.Find(o, vaddr)
	if !ok {
		return diosix.ErrNotFound
	}
	for off := uint64(0); off < v.Size(); off += memarch.PageSize {
		k.Port.Unmap4K(p.Space.Root, base+memarch.VirtAddr(off), false)
	}
	k.FlushTLB(p.Space.Root)
	return k.MM.Unlink(o, p.Space, v)
}

// ReqPhys hands a driver a contiguous run of frames and records the
// block against the process.
func (k *Kernel) ReqPhys(o sync.Owner, p *Process, pages uint16, low bool) (memarch.PhysAddr, error) {
	if p == nil || pages == 0 {
		return 0, diosix.ErrBadParams
	}
	if !p.HasRights(o, ProcCanMapPhys) {
		return 0, diosix.ErrNoRights
	}

	pref := physmem.HighPreferred
	if low {
		pref = physmem.LowOnly
	}
	size := uint64(pages) * memarch.PageSize
	if err := k.Frames.HaveContiguous(o, size, pref); err != nil {
		return 0, err
	}

	var base memarch.PhysAddr
	for pg := uint16(0); pg < pages; pg++ {
		pa, err := k.Frames.Request(o, pref)
		if err != nil {
			return 0, err
		}
		base = pa
	}
	if err := k.AddPhysBlock(o, p, base, pages); err != nil {
		return 0, err
	}
	return base, nil
}

// RetPhys gives a driver-owned block back.
func (k *Kernel) RetPhys(o sync.Owner, p *Process, base memarch.PhysAddr) error {
	return k.RemovePhysBlock(o, p, base)
}

func platformFlags(writable, nocache bool) (pf platform.PageFlags) {
	pf = platform.PagePresent | platform.PageUser
	if writable {
		pf |= platform.PageWrite
	}
	if nocache {
		pf |= platform.PageNoCache
	}
	return pf
}
