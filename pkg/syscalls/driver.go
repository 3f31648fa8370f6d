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

package syscalls

import (
	"github.com/diodesign/diosix/pkg/abi/diosix"
	"github.com/diodesign/diosix/pkg/kernel"
	"github.com/diodesign/diosix/pkg/memarch"
	"github.com/diodesign/diosix/pkg/mm"
	"github.com/diodesign/diosix/pkg/platform"
	"github.com/diodesign/diosix/pkg/sync"
)

func (d *Dispatcher) sysDriver(o sync.Owner, cpu uint32, cur *kernel.Thread, regs *platform.Registers) (uint64, error) {
	p := cur.Process()
	switch regs.Arg0 {
	case diosix.DriverRegister:
		return 0, d.K.RegisterDriverThread(o, cur)

	case diosix.DriverDeregister:
		return 0, d.K.DeregisterDriverThread(o, cur)

	case diosix.DriverMapPhys:
		// arg1 = physical base, arg2 = virtual base, arg3 packs page
		// count (low 32) and VMA flags (high 32).
		pages := uint32(regs.Arg3)
		flags := mm.VMAFlags(regs.Arg3 >> 32)
		return 0, d.K.MapPhys(o, p,
			memarch.PhysAddr(regs.Arg1), memarch.VirtAddr(regs.Arg2),
			uint64(pages)*memarch.PageSize, flags)

	case diosix.DriverUnmapPhys:
		return 0, d.K.UnmapPhys(o, p, memVirt(regs.Arg1))

	case diosix.DriverRegisterIRQ:
		return 0, d.K.RegisterIRQ(o, p, uint32(regs.Arg1))

	case diosix.DriverDeregisterIRQ:
		return 0, d.K.DeregisterIRQ(o, p, uint32(regs.Arg1))

	case diosix.DriverIORequest:
		// arg1 = first port, arg2 = last port.
		return 0, d.K.GrantIOPorts(o, p, uint16(regs.Arg1), uint16(regs.Arg2))

	case diosix.DriverReqPhys:
		base, err := d.K.ReqPhys(o, p, uint16(regs.Arg1), regs.Arg2 != 0)
		if err != nil {
			return 0, err
		}
		return uint64(base), nil

	case diosix.DriverRetPhys:
		return 0, d.K.RetPhys(o, p, memarch.PhysAddr(regs.Arg1))

	default:
		return 0, diosix.ErrBadParams
	}
}

func (d *Dispatcher) sysMemory(o sync.Owner, cpu uint32, cur *kernel.Thread, regs *platform.Registers) (uint64, error) {
	p := cur.Process()
	space := p.Space
	switch regs.Arg0 {
	case diosix.MemoryCreate:
		// arg1 = base, arg2 = size, arg3 = access flags.
		if regs.Arg2 == 0 || regs.Arg1+regs.Arg2 > uint64(d.K.Port.KernelSpaceBase()) {
			return 0, diosix.ErrBadAddress
		}
		flags := mm.VMAFlags(regs.Arg3) | mm.VMAMemSource
		return 0, d.K.MM.Add(o, space, memVirt(regs.Arg1), regs.Arg2, flags, 0)

	case diosix.MemoryDestroy:
		v, _, ok := space.Find(o, memVirt(regs.Arg1))
		if !ok {
			return 0, diosix.ErrNotFound
		}
		return 0, d.K.MM.Unlink(o, space, v)

	case diosix.MemoryResize:
		v, _, ok := space.Find(o, memVirt(regs.Arg1))
		if !ok {
			return 0, diosix.ErrNotFound
		}
		return 0, d.K.MM.Resize(o, v, regs.Arg2)

	case diosix.MemoryAccess:
		v, _, ok := space.Find(o, memVirt(regs.Arg1))
		if !ok {
			return 0, diosix.ErrNotFound
		}
		return 0, v.SetAccess(o, mm.VMAFlags(regs.Arg2))

	case diosix.MemoryLocate:
		_, base, ok := space.Find(o, memVirt(regs.Arg1))
		if !ok {
			return 0, diosix.ErrNotFound
		}
		return uint64(base), nil

	default:
		return 0, diosix.ErrBadParams
	}
}

func (d *Dispatcher) sysInfo(o sync.Owner, cpu uint32, cur *kernel.Thread, regs *platform.Registers) (uint64, error) {
	p := cur.Process()
	buf := infoBuffer(regs.Arg0)
	if buf == nil {
		return 0, diosix.ErrBadParams
	}

	switch regs.Arg0 {
	case diosix.ThreadInfo:
		encodeThreadInfo(buf, d.K.ThreadInfo(o, cur))
	case diosix.ProcessInfo:
		encodeProcessInfo(buf, d.K.ProcessInfo(o, p))
	case diosix.KernelInfo:
		encodeKernelInfo(buf, d.K.KernelInfo())
	case diosix.KernelStatistics:
		encodeKernelStats(buf, d.K.KernelStats())
	}

	if err := d.K.MM.CopyToUser(o, p.Space, memVirt(regs.Arg1), buf); err != nil {
		return 0, err
	}
	return uint64(len(buf)), nil
}
