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

// Package platform defines the port interface: everything
// hardware-specific sits behind it, and the core calls into it but never
// reaches into port-private state. Ports implement page-table mutation,
// context switching, cross-core pokes and fault entry; the core supplies
// the fault-decision policy through a registered handler.
package platform

import (
	"github.com/diodesign/diosix/pkg/memarch"
)

// PageTableRoot is an opaque handle on a port-managed page-table
// hierarchy. The core stores it per process and passes it back to the
// port; it never decodes it.
type PageTableRoot interface{}

// PageFlags select the attributes of a page-table mapping.
type PageFlags uint32

const (
	PagePresent PageFlags = 1 << iota
	PageWrite
	PageUser
	PageNoCache
)

// Registers is the portable view of a trap frame: the registers the
// dispatcher decodes arguments from and writes results into. A real port
// maps its hardware frame into and out of this shape.
type Registers struct {
	SyscallNr uint64
	Arg0      uint64
	Arg1      uint64
	Arg2      uint64
	Arg3      uint64
	Result    uint64
	PC        uint64
	SP        uint64
}

// Context is a thread's saved execution state, restored on context
// switch.
type Context struct {
	Regs Registers
}

// FaultHandler is implemented by the core. The port receives a hardware
// fault and must route it here with the access descriptor it computed
// from the trap.
type FaultHandler interface {
	HandleFault(cpu uint32, addr memarch.VirtAddr, access memarch.Access) error
}

// Memory gives the kernel access to physical RAM contents: the port owns
// the mapping of physical frames into the kernel's window.
type Memory interface {
	ReadPhys(pa memarch.PhysAddr, buf []byte) error
	WritePhys(pa memarch.PhysAddr, buf []byte) error
	ZeroPhys(pa memarch.PhysAddr, size uint64) error
}

// Port is the bottom edge the core delegates to.
type Port interface {
	Memory

	// NewAddressSpace builds an empty user address space sharing the
	// kernel's mappings.
	NewAddressSpace() (PageTableRoot, error)

	// CloneAddressSpace duplicates src for a fork, marking writable user
	// pages copy-on-write on both sides.
	CloneAddressSpace(src PageTableRoot) (PageTableRoot, error)

	// DestroyAddressSpace releases the page-table frames behind root.
	DestroyAddressSpace(root PageTableRoot)

	// LoadAddressSpace makes root current on the given cpu.
	LoadAddressSpace(cpu uint32, root PageTableRoot)

	// Map4K installs or updates a 4K mapping.
	Map4K(root PageTableRoot, va memarch.VirtAddr, pa memarch.PhysAddr, flags PageFlags) error

	// Unmap4K removes a 4K mapping; release frees the frame back to the
	// physical stacks.
	Unmap4K(root PageTableRoot, va memarch.VirtAddr, release bool) error

	// MapLarge installs a large mapping where the port supports one.
	MapLarge(root PageTableRoot, va memarch.VirtAddr, pa memarch.PhysAddr, flags PageFlags) error

	// TranslateUser walks root for va, returning the physical frame and
	// the mapping's flags.
	TranslateUser(root PageTableRoot, va memarch.VirtAddr) (memarch.PhysAddr, PageFlags, error)

	// ContextSwitch saves into prev, restores from next, and reloads the
	// address-space root if it changed.
	ContextSwitch(cpu uint32, prev, next *Context, prevRoot, nextRoot PageTableRoot)

	// IPIReschedule pokes another cpu to re-examine its current thread's
	// state. Best-effort: the receiving cpu must observe the state change
	// in shared memory, not the IPI arrival order.
	IPIReschedule(cpu uint32)

	// IPIFlushTLB tells a cpu to reload its root if the currently running
	// thread maps through it.
	IPIFlushTLB(cpu uint32, root PageTableRoot)

	// Kickstart enters the first user thread from kernel boot. It does
	// not return on real hardware.
	Kickstart(cpu uint32, first *Context, root PageTableRoot)

	// SetFaultHandler registers the core's fault-decision entry point.
	SetFaultHandler(h FaultHandler)

	// KernelSpaceBase returns the first kernel virtual address; user
	// pointers must lie entirely below it.
	KernelSpaceBase() memarch.VirtAddr
}

// MemoryRegion is one entry of the boot memory map handed over by the
// loader.
type MemoryRegion struct {
	Base   memarch.PhysAddr
	Length uint64
	RAM    bool // region is present, usable RAM
}
