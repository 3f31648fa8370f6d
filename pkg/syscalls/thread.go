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
	"github.com/diodesign/diosix/pkg/log"
	"github.com/diodesign/diosix/pkg/memarch"
	"github.com/diodesign/diosix/pkg/platform"
	"github.com/diodesign/diosix/pkg/sync"
)

// memVirt narrows a register to a user virtual address.
func memVirt(reg uint64) memarch.VirtAddr { return memarch.VirtAddr(reg) }

// debugLogf routes the user debug channel.
func debugLogf(format string, args ...interface{}) {
	log.Debugf("usr", format, args...)
}

func (d *Dispatcher) sysThreadYield(o sync.Owner, cpu uint32, cur *kernel.Thread, regs *platform.Registers) (uint64, error) {
	d.K.Yield(o, cpu)
	return 0, nil
}

func (d *Dispatcher) sysThreadExit(o sync.Owner, cpu uint32, cur *kernel.Thread, regs *platform.Registers) (uint64, error) {
	return 0, d.K.ExitCurrentThread(o, cpu)
}

func (d *Dispatcher) sysThreadFork(o sync.Owner, cpu uint32, cur *kernel.Thread, regs *platform.Registers) (uint64, error) {
	tid, err := d.K.ThreadFork(o, cur)
	if err != nil {
		return 0, err
	}
	return uint64(tid), nil
}

func (d *Dispatcher) sysThreadKill(o sync.Owner, cpu uint32, cur *kernel.Thread, regs *platform.Registers) (uint64, error) {
	victim := d.K.FindThread(o, cur.Process(), uint32(regs.Arg0))
	if victim == nil {
		return 0, diosix.ErrNotFound
	}
	if victim == cur {
		return 0, d.K.ExitCurrentThread(o, cpu)
	}
	return 0, d.K.KillThread(o, cur.Process(), victim)
}

func (d *Dispatcher) sysThreadSleep(o sync.Owner, cpu uint32, cur *kernel.Thread, regs *platform.Registers) (uint64, error) {
	return 0, d.K.AddSnoozer(o, cur, uint32(regs.Arg0), kernel.SnoozeWake)
}

func (d *Dispatcher) sysAlarm(o sync.Owner, cpu uint32, cur *kernel.Thread, regs *platform.Registers) (uint64, error) {
	return 0, d.K.AddSnoozer(o, cur, uint32(regs.Arg0), kernel.SnoozeSignal)
}

func (d *Dispatcher) sysMsgSend(o sync.Owner, cpu uint32, cur *kernel.Thread, regs *platform.Registers) (uint64, error) {
	return 0, d.K.Send(o, cur, memVirt(regs.Arg0))
}

func (d *Dispatcher) sysMsgRecv(o sync.Owner, cpu uint32, cur *kernel.Thread, regs *platform.Registers) (uint64, error) {
	return 0, d.K.Recv(o, cur, memVirt(regs.Arg0))
}
