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
	"encoding/binary"

	"github.com/diodesign/diosix/pkg/abi/diosix"
)

// Wire sizes of the info blocks written back to userland, little-endian
// throughout.
const (
	threadInfoSize  = 12
	processInfoSize = 56
	kernelInfoSize  = 67
	kernelStatsSize = 8
)

func infoBuffer(reason uint64) []byte {
	switch reason {
	case diosix.ThreadInfo:
		return make([]byte, threadInfoSize)
	case diosix.ProcessInfo:
		return make([]byte, processInfoSize)
	case diosix.KernelInfo:
		return make([]byte, kernelInfoSize)
	case diosix.KernelStatistics:
		return make([]byte, kernelStatsSize)
	default:
		return nil
	}
}

func encodeThreadInfo(buf []byte, info diosix.ThreadInfoBlock) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], info.TID)
	le.PutUint32(buf[4:], info.CPU)
	buf[8] = info.Priority
}

func encodeProcessInfo(buf []byte, info diosix.ProcessInfoBlock) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], info.PID)
	le.PutUint32(buf[4:], info.ParentPID)
	le.PutUint32(buf[8:], info.Flags)
	buf[12] = info.PrivLayer
	le.PutUint32(buf[16:], info.Role)
	le.PutUint32(buf[20:], info.UID.Real)
	le.PutUint32(buf[24:], info.UID.Effective)
	le.PutUint32(buf[28:], info.UID.Saved)
	le.PutUint32(buf[32:], info.GID.Real)
	le.PutUint32(buf[36:], info.GID.Effective)
	le.PutUint32(buf[40:], info.GID.Saved)
	le.PutUint32(buf[44:], info.ProcGroupID)
	le.PutUint32(buf[48:], info.SessionID)
}

func encodeKernelInfo(buf []byte, info diosix.KernelInfoBlock) {
	copy(buf[0:64], info.Identifier)
	buf[64] = info.ReleaseMajor
	buf[65] = info.ReleaseMinor
	buf[66] = info.APIRevision
}

func encodeKernelStats(buf []byte, stats diosix.KernelStatsBlock) {
	binary.LittleEndian.PutUint64(buf[0:], stats.UptimeMsec)
}
