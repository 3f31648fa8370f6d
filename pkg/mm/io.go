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

package mm

import (
	"github.com/diodesign/diosix/pkg/abi/diosix"
	"github.com/diodesign/diosix/pkg/memarch"
	"github.com/diodesign/diosix/pkg/sync"
)

// CopyFromUser reads len(buf) bytes from a user virtual address in the
// given space, walking the page tables for each page crossed.
func (m *Manager) CopyFromUser(o sync.Owner, s *AddressSpace, va memarch.VirtAddr, buf []byte) error {
	if uint64(va)+uint64(len(buf)) > uint64(m.Port.KernelSpaceBase()) {
		return diosix.ErrBadSourceAddress
	}

	done := 0
	for done < len(buf) {
		cur := va + memarch.VirtAddr(done)
		pa, _, err := m.Port.TranslateUser(s.Root, cur.RoundDown())
		if err != nil {
			return diosix.ErrBadSourceAddress
		}
		offset := uint64(cur) & memarch.PageMask
		chunk := int(memarch.PageSize - offset)
		if chunk > len(buf)-done {
			chunk = len(buf) - done
		}
		if err := m.Port.ReadPhys(pa+memarch.PhysAddr(offset), buf[done:done+chunk]); err != nil {
			return err
		}
		done += chunk
	}
	return nil
}

// CopyToUser writes len(buf) bytes to a user virtual address in the given
// space.
func (m *Manager) CopyToUser(o sync.Owner, s *AddressSpace, va memarch.VirtAddr, buf []byte) error {
	if uint64(va)+uint64(len(buf)) > uint64(m.Port.KernelSpaceBase()) {
		return diosix.ErrBadTargetAddress
	}

	done := 0
	for done < len(buf) {
		cur := va + memarch.VirtAddr(done)
		pa, _, err := m.Port.TranslateUser(s.Root, cur.RoundDown())
		if err != nil {
			return diosix.ErrBadTargetAddress
		}
		offset := uint64(cur) & memarch.PageMask
		chunk := int(memarch.PageSize - offset)
		if chunk > len(buf)-done {
			chunk = len(buf) - done
		}
		if err := m.Port.WritePhys(pa+memarch.PhysAddr(offset), buf[done:done+chunk]); err != nil {
			return err
		}
		done += chunk
	}
	return nil
}

// CopyUserToUser moves count bytes between two process spaces: the
// page-table-aware primitive behind message delivery.
func (m *Manager) CopyUserToUser(o sync.Owner, dst *AddressSpace, dstVA memarch.VirtAddr, src *AddressSpace, srcVA memarch.VirtAddr, count uint64) error {
	if count == 0 {
		return nil
	}
	buf := make([]byte, count)
	if err := m.CopyFromUser(o, src, srcVA, buf); err != nil {
		return err
	}
	return m.CopyToUser(o, dst, dstVA, buf)
}

// ReadMsgInfo fetches a message control block from user memory.
func (m *Manager) ReadMsgInfo(o sync.Owner, s *AddressSpace, va memarch.VirtAddr) (*diosix.MsgInfo, error) {
	var buf [diosix.MsgInfoSize]byte
	if err := m.CopyFromUser(o, s, va, buf[:]); err != nil {
		return nil, err
	}
	info := &diosix.MsgInfo{}
	info.Decode(buf[:])
	return info, nil
}

// WriteMsgInfo stores a message control block back to user memory.
func (m *Manager) WriteMsgInfo(o sync.Owner, s *AddressSpace, va memarch.VirtAddr, info *diosix.MsgInfo) error {
	var buf [diosix.MsgInfoSize]byte
	info.Encode(buf[:])
	return m.CopyToUser(o, s, va, buf[:])
}
