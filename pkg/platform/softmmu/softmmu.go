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

// Package softmmu is a reference port: page tables, RAM and cross-core
// pokes modelled in host memory. The boot simulator and the test suites
// run the portable core on it.
package softmmu

import (
	hostsync "sync"

	"github.com/diodesign/diosix/pkg/abi/diosix"
	"github.com/diodesign/diosix/pkg/memarch"
	"github.com/diodesign/diosix/pkg/platform"
)

// DefaultKernelBase splits the 32-bit-style address space: user below,
// kernel above.
const DefaultKernelBase = memarch.VirtAddr(0xC0000000)

// Root is this port's page-table hierarchy: a page-granular map from
// virtual page to frame plus flags.
type Root struct {
	mu    hostsync.Mutex
	pages map[memarch.VirtAddr]pte
}

type pte struct {
	pa    memarch.PhysAddr
	flags platform.PageFlags
}

// Port implements platform.Port.
type Port struct {
	mu         hostsync.Mutex
	ram        map[memarch.PhysAddr]*[memarch.PageSize]byte
	handler    platform.FaultHandler
	kernelBase memarch.VirtAddr

	// current tracks the loaded root per cpu.
	current map[uint32]platform.PageTableRoot

	// IPI and kickstart counters, observable by tests.
	Resched  map[uint32]uint64
	TLBFlush map[uint32]uint64
	Started  []uint32
}

// New returns a port with empty RAM.
func New() *Port {
	return &Port{
		ram:        make(map[memarch.PhysAddr]*[memarch.PageSize]byte),
		kernelBase: DefaultKernelBase,
		current:    make(map[uint32]platform.PageTableRoot),
		Resched:    make(map[uint32]uint64),
		TLBFlush:   make(map[uint32]uint64),
	}
}

func (p *Port) frame(pa memarch.PhysAddr, create bool) *[memarch.PageSize]byte {
	base := pa.RoundDown()
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.ram[base]
	if f == nil && create {
		f = new([memarch.PageSize]byte)
		p.ram[base] = f
	}
	return f
}

// ReadPhys implements platform.Memory.
func (p *Port) ReadPhys(pa memarch.PhysAddr, buf []byte) error {
	done := 0
	for done < len(buf) {
		f := p.frame(pa+memarch.PhysAddr(done), true)
		offset := (uint64(pa) + uint64(done)) & memarch.PageMask
		n := copy(buf[done:], f[offset:])
		done += n
	}
	return nil
}

// WritePhys implements platform.Memory.
func (p *Port) WritePhys(pa memarch.PhysAddr, buf []byte) error {
	done := 0
	for done < len(buf) {
		f := p.frame(pa+memarch.PhysAddr(done), true)
		offset := (uint64(pa) + uint64(done)) & memarch.PageMask
		n := copy(f[offset:], buf[done:])
		done += n
	}
	return nil
}

// ZeroPhys implements platform.Memory.
func (p *Port) ZeroPhys(pa memarch.PhysAddr, size uint64) error {
	var zero [memarch.PageSize]byte
	for off := uint64(0); off < size; off += memarch.PageSize {
		f := p.frame(pa+memarch.PhysAddr(off), true)
		copy(f[:], zero[:])
	}
	return nil
}

// NewAddressSpace implements platform.Port.
func (p *Port) NewAddressSpace() (platform.PageTableRoot, error) {
	return &Root{pages: make(map[memarch.VirtAddr]pte)}, nil
}

// CloneAddressSpace implements platform.Port: the child shares every
// user frame, and writable user pages lose their write bit on both sides
// so the first write faults into copy-on-write.
func (p *Port) CloneAddressSpace(src platform.PageTableRoot) (platform.PageTableRoot, error) {
	sr, ok := src.(*Root)
	if !ok {
		return nil, diosix.ErrBadParams
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	clone := &Root{pages: make(map[memarch.VirtAddr]pte, len(sr.pages))}
	for va, e := range sr.pages {
		if e.flags&platform.PageUser != 0 && e.flags&platform.PageWrite != 0 {
			e.flags &^= platform.PageWrite
			sr.pages[va] = e
		}
		clone.pages[va] = e
	}
	return clone, nil
}

// DestroyAddressSpace implements platform.Port.
func (p *Port) DestroyAddressSpace(root platform.PageTableRoot) {
	if r, ok := root.(*Root); ok {
		r.mu.Lock()
		r.pages = nil
		r.mu.Unlock()
	}
}

// LoadAddressSpace implements platform.Port.
func (p *Port) LoadAddressSpace(cpu uint32, root platform.PageTableRoot) {
	p.mu.Lock()
	p.current[cpu] = root
	p.mu.Unlock()
}

// Map4K implements platform.Port.
func (p *Port) Map4K(root platform.PageTableRoot, va memarch.VirtAddr, pa memarch.PhysAddr, flags platform.PageFlags) error {
	r, ok := root.(*Root)
	if !ok {
		return diosix.ErrBadParams
	}
	if !va.PageAligned() || !pa.PageAligned() {
		return diosix.ErrNotPageAligned
	}
	r.mu.Lock()
	r.pages[va] = pte{pa: pa, flags: flags | platform.PagePresent}
	r.mu.Unlock()
	return nil
}

// MapLarge implements platform.Port by splintering into 4K entries; this
// port has no large translations.
func (p *Port) MapLarge(root platform.PageTableRoot, va memarch.VirtAddr, pa memarch.PhysAddr, flags platform.PageFlags) error {
	const large = 4 * 1024 * 1024
	for off := memarch.VirtAddr(0); off < large; off += memarch.PageSize {
		if err := p.Map4K(root, va+off, pa+memarch.PhysAddr(off), flags); err != nil {
			return err
		}
	}
	return nil
}

// Unmap4K implements platform.Port. This port ignores release: it drops
// the translation only and never returns the frame to the physical stacks.
func (p *Port) Unmap4K(root platform.PageTableRoot, va memarch.VirtAddr, release bool) error {
	r, ok := root.(*Root)
	if !ok {
		return diosix.ErrBadParams
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, present := r.pages[va]; !present {
		return diosix.ErrNotFound
	}
	delete(r.pages, va)
	return nil
}

// TranslateUser implements platform.Port.
func (p *Port) TranslateUser(root platform.PageTableRoot, va memarch.VirtAddr) (memarch.PhysAddr, platform.PageFlags, error) {
	r, ok := root.(*Root)
	if !ok {
		return 0, 0, diosix.ErrBadParams
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, present := r.pages[va.RoundDown()]
	if !present {
		return 0, 0, diosix.ErrBadAddress
	}
	return e.pa + memarch.PhysAddr(uint64(va)&memarch.PageMask), e.flags, nil
}

// ContextSwitch implements platform.Port. Register state lives in the
// Context structs already; the port's share is reloading the root.
func (p *Port) ContextSwitch(cpu uint32, prev, next *platform.Context, prevRoot, nextRoot platform.PageTableRoot) {
	if prevRoot != nextRoot {
		p.LoadAddressSpace(cpu, nextRoot)
	}
}

// IPIReschedule implements platform.Port. Best-effort: the target cpu
// observes the state change in shared memory.
func (p *Port) IPIReschedule(cpu uint32) {
	p.mu.Lock()
	p.Resched[cpu]++
	p.mu.Unlock()
}

// IPIFlushTLB implements platform.Port.
func (p *Port) IPIFlushTLB(cpu uint32, root platform.PageTableRoot) {
	p.mu.Lock()
	p.TLBFlush[cpu]++
	p.mu.Unlock()
}

// Kickstart implements platform.Port.
func (p *Port) Kickstart(cpu uint32, first *platform.Context, root platform.PageTableRoot) {
	p.LoadAddressSpace(cpu, root)
	p.mu.Lock()
	p.Started = append(p.Started, cpu)
	p.mu.Unlock()
}

// SetFaultHandler implements platform.Port.
func (p *Port) SetFaultHandler(h platform.FaultHandler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// Fault routes a simulated hardware fault into the core's decision
// engine, the way a real port's exception vector would.
func (p *Port) Fault(cpu uint32, addr memarch.VirtAddr, access memarch.Access) error {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h == nil {
		return diosix.ErrNoHandler
	}
	return h.HandleFault(cpu, addr, access)
}

// KernelSpaceBase implements platform.Port.
func (p *Port) KernelSpaceBase() memarch.VirtAddr { return p.kernelBase }
