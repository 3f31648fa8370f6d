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

package loader

import (
	"github.com/diodesign/diosix/pkg/abi/diosix"
	"github.com/diodesign/diosix/pkg/kernel"
	"github.com/diodesign/diosix/pkg/log"
	"github.com/diodesign/diosix/pkg/memarch"
	"github.com/diodesign/diosix/pkg/mm"
	"github.com/diodesign/diosix/pkg/physmem"
	"github.com/diodesign/diosix/pkg/platform"
	"github.com/diodesign/diosix/pkg/sync"
)

// Handoff carries what the boot glue gives the portable core: the
// declared memory map, the payload blob and where it was loaded, and the
// physical footprint of the kernel image.
type Handoff struct {
	Regions []platform.MemoryRegion

	KernelBase memarch.PhysAddr
	KernelSize uint64

	PayloadBase memarch.PhysAddr
	Payload     []byte
}

// Reserved computes the holes withheld from the frame stacks: the
// kernel image, the stack bookkeeping region and the payload binaries.
func (h *Handoff) Reserved() []physmem.Range {
	var totalPages uint64
	for _, r := range h.Regions {
		if r.RAM {
			totalPages += r.Length / memarch.PageSize
		}
	}

	// The frame stacks live just above the kernel image, one word per
	// page of declared RAM.
	stackBytes := totalPages * 8

	return []physmem.Range{
		{Base: h.KernelBase, Size: h.KernelSize},
		{Base: h.KernelBase + memarch.PhysAddr(h.KernelSize), Size: uint64(memarch.VirtAddr(stackBytes).RoundUp())},
		{Base: h.PayloadBase, Size: uint64(len(h.Payload))},
	}
}

// Boot turns the payload modules into runnable processes: the first
// executable becomes the system executive (role 1, layer 0), later ones
// its siblings in the executive layer. Text and data segments become
// areas with the appropriate flags, backed directly by the payload's
// physical pages.
func Boot(k *kernel.Kernel, o sync.Owner, h *Handoff) error {
	modules, err := ParsePayload(h.Payload)
	if err != nil {
		return err
	}

	// The payload needs to be visible in RAM for the page mappings
	// below.
	if err := k.Port.WritePhys(h.PayloadBase, h.Payload); err != nil {
		return err
	}

	var first *kernel.Process
	for _, module := range modules {
		parsed, err := parseELF(module.Data(h.Payload))
		if err != nil {
			// Give up if malformed binaries are in the payload.
			log.Bootf("proc", "failed to parse payload module %q", module.Name)
			return err
		}

		proc, err := k.NewProcess(o, nil, nil)
		if err != nil {
			return diosix.ErrFailure
		}
		if first == nil {
			// The first process becomes the executive; the rest are its
			// parentless siblings.
			first = proc
		}

		log.Bootf("proc", "preparing system process '%s'...", module.Name)

		modulePhys := h.PayloadBase + memarch.PhysAddr(module.Start)
		for _, area := range parsed.areas {
			if err := mapArea(k, o, proc, modulePhys, area); err != nil {
				log.Koopsf("proc", "failed to create area %#x+%#x for process %d",
					area.virtual, area.memSize, proc.PID())
				return err
			}
		}

		// Kernel payload binaries start in the executive layer with
		// every right.
		k.GrantBootRights(o, proc)
		proc.SetEntry(parsed.entry)

		thread := k.AnyThread(o, proc)
		if thread == nil {
			log.Panicf("proc", "system process %d thread creation failed", proc.PID())
		}
		thread.Context().Regs.PC = uint64(parsed.entry)
		k.Add(o, k.CPU(0).ID, thread)
	}

	if first == nil {
		return diosix.ErrPayloadMissing
	}

	// The first module is the executive.
	if err := k.RoleAdd(o, first, diosix.RoleSystemExecutive); err != nil {
		return err
	}
	return nil
}

// mapArea installs one payload area: a VMA plus direct mappings of the
// file-backed pages. Memory past the file contents faults in as fresh
// zeroed pages.
func mapArea(k *kernel.Kernel, o sync.Owner, proc *kernel.Process, modulePhys memarch.PhysAddr, area payloadArea) error {
	flags := mm.VMAMemSource | mm.VMAFixed
	var pf platform.PageFlags = platform.PagePresent | platform.PageUser
	if area.writable {
		flags |= mm.VMAWriteable | mm.VMAData
		pf |= platform.PageWrite
	} else {
		flags |= mm.VMAText
	}
	if area.execable {
		flags |= mm.VMAExecutable
	}

	base := area.virtual.RoundDown()
	end := (area.virtual + memarch.VirtAddr(area.memSize)).RoundUp()
	size := uint64(end - base)
	if err := k.MM.Add(o, proc.Space, base, size, flags, 0); err != nil {
		return err
	}

	phys := (modulePhys + memarch.PhysAddr(area.fileOff)).RoundDown()
	virt := base
	top := area.virtual + memarch.VirtAddr(area.size)
	for virt < top {
		if err := k.Port.Map4K(proc.Space.Root, virt, phys, pf); err != nil {
			return err
		}
		virt += memarch.PageSize
		phys += memarch.PageSize
	}
	return nil
}
