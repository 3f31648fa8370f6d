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
	"github.com/diodesign/diosix/pkg/platform"
	"github.com/diodesign/diosix/pkg/sync"
)

func (d *Dispatcher) sysExit(o sync.Owner, cpu uint32, cur *kernel.Thread, regs *platform.Registers) (uint64, error) {
	return 0, d.K.ExitCurrent(o, cpu)
}

func (d *Dispatcher) sysFork(o sync.Owner, cpu uint32, cur *kernel.Thread, regs *platform.Registers) (uint64, error) {
	pid, err := d.K.Fork(o, cur)
	if err != nil {
		return 0, err
	}
	return uint64(pid), nil
}

func (d *Dispatcher) sysKill(o sync.Owner, cpu uint32, cur *kernel.Thread, regs *platform.Registers) (uint64, error) {
	return 0, d.K.KillProcess(o, uint32(regs.Arg0), cur.Process())
}

func (d *Dispatcher) sysPrivs(o sync.Owner, cpu uint32, cur *kernel.Thread, regs *platform.Registers) (uint64, error) {
	p := cur.Process()
	switch regs.Arg0 {
	case diosix.PrivLayerUp:
		return 0, d.K.LayerUp(o, p)
	case diosix.RightsClear:
		return 0, d.K.ClearRights(o, p, uint32(regs.Arg1))
	case diosix.IORightsRemove:
		return 0, d.K.RemoveIOPorts(o, p, uint16(regs.Arg1), uint16(regs.Arg2))
	case diosix.IORightsClear:
		return 0, d.K.ClearIOPorts(o, p)
	case diosix.PrivUnixSignals:
		d.K.SetSignalMask(o, p, false, uint32(regs.Arg1))
		return 0, nil
	case diosix.PrivKernSignals:
		d.K.SetSignalMask(o, p, true, uint32(regs.Arg1))
		return 0, nil
	default:
		return 0, diosix.ErrBadParams
	}
}

func (d *Dispatcher) sysSetID(o sync.Owner, cpu uint32, cur *kernel.Thread, regs *platform.Registers) (uint64, error) {
	p := cur.Process()
	switch regs.Arg0 {
	case diosix.SetPGID:
		target := p
		if pid := uint32(regs.Arg1); pid != 0 && pid != p.PID() {
			target = d.K.FindProcess(o, pid)
			if target == nil || !d.K.IsChild(o, p, target) {
				return 0, diosix.ErrNoRights
			}
		}
		return 0, d.K.SetProcessGroupID(o, target, uint32(regs.Arg2))
	case diosix.SetSID:
		return 0, d.K.SetSessionID(o, p)
	case diosix.SetEUID, diosix.SetREUID, diosix.SetRESUID:
		return 0, d.K.SetUserID(o, p, int(regs.Arg0), uint32(regs.Arg1))
	case diosix.SetEGID, diosix.SetREGID, diosix.SetRESGID:
		return 0, d.K.SetGroupID(o, p, int(regs.Arg0), uint32(regs.Arg1))
	case diosix.SetRole:
		return 0, d.K.RoleAdd(o, p, diosix.Role(regs.Arg1))
	default:
		return 0, diosix.ErrBadParams
	}
}

func (d *Dispatcher) sysUsrDebug(o sync.Owner, cpu uint32, cur *kernel.Thread, regs *platform.Registers) (uint64, error) {
	if regs.Arg0 != diosix.DebugWrite {
		return 0, diosix.ErrBadParams
	}
	size := regs.Arg2
	if size == 0 || size > 1024 {
		return 0, diosix.ErrBadParams
	}
	buf := make([]byte, size)
	if err := d.K.MM.CopyFromUser(o, cur.Process().Space, memVirt(regs.Arg1), buf); err != nil {
		return 0, err
	}
	debugLogf("pid %d tid %d: %s", cur.Process().PID(), cur.TID(), string(buf))
	return size, nil
}
