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

// Package syscalls decodes trap frames and dispatches into the kernel.
// One entry point per trap: a numeric identifier in the frame selects
// the handler, arguments and results travel in registers, and errors
// surface as negative integers from the fixed enumeration.
package syscalls

import (
	"github.com/diodesign/diosix/pkg/abi/diosix"
	"github.com/diodesign/diosix/pkg/kernel"
	"github.com/diodesign/diosix/pkg/log"
	"github.com/diodesign/diosix/pkg/platform"
	"github.com/diodesign/diosix/pkg/sync"
)

// handler runs one syscall for the current thread and returns the value
// for the result register.
type handler func(d *Dispatcher, o sync.Owner, cpu uint32, cur *kernel.Thread, regs *platform.Registers) (uint64, error)

// Dispatcher is the thin top layer over the kernel.
type Dispatcher struct {
	K *kernel.Kernel

	table [diosix.MaxSyscall + 1]handler
}

// New builds the dispatch table.
func New(k *kernel.Kernel) *Dispatcher {
	d := &Dispatcher{K: k}
	d.table = [diosix.MaxSyscall + 1]handler{
		diosix.SysExit:        (*Dispatcher).sysExit,
		diosix.SysFork:        (*Dispatcher).sysFork,
		diosix.SysKill:        (*Dispatcher).sysKill,
		diosix.SysThreadYield: (*Dispatcher).sysThreadYield,
		diosix.SysThreadExit:  (*Dispatcher).sysThreadExit,
		diosix.SysThreadFork:  (*Dispatcher).sysThreadFork,
		diosix.SysThreadKill:  (*Dispatcher).sysThreadKill,
		diosix.SysMsgSend:     (*Dispatcher).sysMsgSend,
		diosix.SysMsgRecv:     (*Dispatcher).sysMsgRecv,
		diosix.SysPrivs:       (*Dispatcher).sysPrivs,
		diosix.SysInfo:        (*Dispatcher).sysInfo,
		diosix.SysDriver:      (*Dispatcher).sysDriver,
		diosix.SysMemory:      (*Dispatcher).sysMemory,
		diosix.SysThreadSleep: (*Dispatcher).sysThreadSleep,
		diosix.SysAlarm:       (*Dispatcher).sysAlarm,
		diosix.SysSetID:       (*Dispatcher).sysSetID,
		diosix.SysUsrDebug:    (*Dispatcher).sysUsrDebug,
	}
	return d
}

// Trap handles one syscall trap on a cpu: find the current thread via
// the per-cpu pointer, decode its preserved frame, invoke the handler
// and write the result register. On the way out the scheduler picks
// again so a higher-priority thread awoken as a side effect can preempt.
func (d *Dispatcher) Trap(cpu uint32) {
	c := d.K.CPU(cpu)
	o := c.Owner()

	cur := c.Current(o)
	if cur == nil {
		log.Koopsf("syscall", "trap on cpu %d with nothing running", cpu)
		return
	}

	regs := &cur.Context().Regs

	var result uint64
	var err error
	if regs.SyscallNr > uint64(diosix.MaxSyscall) || d.table[regs.SyscallNr] == nil {
		err = diosix.ErrNotImplemented
	} else {
		result, err = d.table[regs.SyscallNr](d, o, cpu, cur, regs)
	}

	if err != nil {
		regs.Result = uint64(diosix.Errno(err))
	} else {
		regs.Result = result
	}

	d.K.Pick(o, cpu)
}
