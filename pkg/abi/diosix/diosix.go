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

// Package diosix defines the constants and structures shared between the
// kernel and userspace: syscall numbers, result codes, message control
// words, signal numbers, roles and the boot payload format. The numbers
// are the contract; nothing in this package may depend on kernel
// internals.
package diosix

// Syscall numbers, dispatched on a number-in-register through the single
// trap vector.
const (
	SysExit uintptr = iota
	SysFork
	SysKill
	SysThreadYield
	SysThreadExit
	SysThreadFork
	SysThreadKill
	SysMsgSend
	SysMsgRecv
	SysPrivs
	SysInfo
	SysDriver
	SysMemory
	SysThreadSleep
	SysAlarm
	SysSetID
	SysUsrDebug

	MaxSyscall = SysUsrDebug
)

// Reason codes for SysSetID.
const (
	SetPGID   = 1 // set process group id
	SetSID    = 2 // set session id
	SetEUID   = 3
	SetREUID  = 4
	SetRESUID = 5
	SetEGID   = 6
	SetREGID  = 7
	SetRESGID = 8
	SetRole   = 9 // register a role in the system
)

// Reason codes for SysPrivs.
const (
	PrivLayerUp     = 0
	RightsClear     = 1
	IORightsRemove  = 2
	IORightsClear   = 3
	PrivUnixSignals = 4
	PrivKernSignals = 5
)

// Reason codes for SysInfo.
const (
	ThreadInfo       = 0
	ProcessInfo      = 1
	KernelInfo       = 2
	KernelStatistics = 3
)

// Reason codes for SysDriver.
const (
	DriverRegister      = 0
	DriverDeregister    = 1
	DriverMapPhys       = 2
	DriverUnmapPhys     = 3
	DriverRegisterIRQ   = 4
	DriverDeregisterIRQ = 5
	DriverIORequest     = 6
	DriverReqPhys       = 7
	DriverRetPhys       = 8
)

// Reason codes for SysMemory.
const (
	MemoryCreate  = 0
	MemoryDestroy = 1
	MemoryResize  = 2
	MemoryAccess  = 3
	MemoryLocate  = 4
)

// Reason codes for SysUsrDebug.
const (
	DebugWrite = 0
)

// The superuser uid/gid.
const SuperuserID = 0

// Scheduling tick rate, system wide: 100 ticks a second, one tick is 10ms.
const (
	SchedTick   = 100
	MsecPerTick = 1000 / SchedTick
)

// IDSet holds the POSIX-defined real, effective and saved-set ids carried
// by every process, once for users and once for groups.
type IDSet struct {
	Real      uint32
	Effective uint32
	Saved     uint32
}

// ThreadInfoBlock answers a ThreadInfo query.
type ThreadInfoBlock struct {
	TID      uint32
	CPU      uint32
	Priority uint8
}

// ProcessInfoBlock answers a ProcessInfo query.
type ProcessInfoBlock struct {
	PID           uint32
	ParentPID     uint32
	Flags         uint32
	PrivLayer     uint8
	Role          uint32
	UID           IDSet
	GID           IDSet
	ProcGroupID   uint32
	SessionID     uint32
}

// KernelInfoBlock answers a KernelInfo query.
type KernelInfoBlock struct {
	Identifier                  string
	ReleaseMajor, ReleaseMinor  uint8
	APIRevision                 uint8
}

// KernelStatsBlock answers a KernelStatistics query.
type KernelStatsBlock struct {
	UptimeMsec uint64
}
