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

package diosix

// Role tags a process with its system-wide function. At most one process
// holds each role at any time; roles are used for name-based IPC
// targeting.
type Role uint32

const (
	RoleNone            Role = 0
	RoleSystemExecutive Role = 1 // usually init
	RoleVFS             Role = 2 // the virtual filesystem manager
	RolePager           Role = 3 // the secondary storage swapper
	RoleNetworkStack    Role = 4 // the TCP/IP networking stack
	RoleConsoleVideo    Role = 5 // default display hardware
	RoleConsoleKeyboard Role = 6 // default keyboard hardware
	RolePCIManager      Role = 7 // the PCI bus driver

	// RolesNr is the total number of roles, not including RoleNone.
	RolesNr = 7
)

// Valid reports whether r names an actual role.
func (r Role) Valid() bool { return r >= RoleSystemExecutive && r <= RolePCIManager }

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RoleNone:
		return "none"
	case RoleSystemExecutive:
		return "executive"
	case RoleVFS:
		return "vfs"
	case RolePager:
		return "pager"
	case RoleNetworkStack:
		return "network-stack"
	case RoleConsoleVideo:
		return "console-video"
	case RoleConsoleKeyboard:
		return "console-keyboard"
	case RolePCIManager:
		return "pci-manager"
	default:
		return "unknown"
	}
}
