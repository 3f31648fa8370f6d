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

// Package memarch provides the address types and page arithmetic shared
// by the memory subsystems. It deliberately knows nothing about page
// table encodings; those belong to the port.
package memarch

// PageSize is the base translation granule. The core only deals in 4K
// pages; large mappings are a port concern.
const (
	PageSize  = 4096
	PageShift = 12
	PageMask  = PageSize - 1
)

// VirtAddr is an address in some process's virtual space, or in the
// kernel's logical window.
type VirtAddr uint64

// PhysAddr is a physical frame address.
type PhysAddr uint64

// RoundDown returns va rounded down to a page boundary.
func (va VirtAddr) RoundDown() VirtAddr { return va &^ PageMask }

// RoundUp returns va rounded up to a page boundary.
func (va VirtAddr) RoundUp() VirtAddr { return (va + PageMask) &^ PageMask }

// PageAligned reports whether va sits on a page boundary.
func (va VirtAddr) PageAligned() bool { return va&PageMask == 0 }

// RoundDown returns pa rounded down to a page boundary.
func (pa PhysAddr) RoundDown() PhysAddr { return pa &^ PageMask }

// RoundUp returns pa rounded up to a page boundary.
func (pa PhysAddr) RoundUp() PhysAddr { return (pa + PageMask) &^ PageMask }

// PageAligned reports whether pa sits on a page boundary.
func (pa PhysAddr) PageAligned() bool { return pa&PageMask == 0 }

// PagesFor returns the number of whole pages needed to hold size bytes.
func PagesFor(size uint64) uint64 { return (size + PageMask) / PageSize }

// Access describes an attempted or permitted memory access. It doubles as
// the fault descriptor computed from a trap frame.
type Access struct {
	Read    bool
	Write   bool
	Execute bool
	User    bool // access from user mode
	Present bool // a translation existed at fault time
}

// AccessRead and friends are the common access shapes.
var (
	AccessRead      = Access{Read: true}
	AccessWrite     = Access{Read: true, Write: true}
	AccessUserRead  = Access{Read: true, User: true}
	AccessUserWrite = Access{Read: true, Write: true, User: true}
)
