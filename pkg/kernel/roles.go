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

package kernel

import (
	"github.com/diodesign/diosix/pkg/abi/diosix"
	"github.com/diodesign/diosix/pkg/log"
	"github.com/diodesign/diosix/pkg/sync"
)

// RoleAdd registers a role for a process. Only processes holding
// ProcCanPlayARole may register, and a role slot holds at most one
// process.
func (k *Kernel) RoleAdd(o sync.Owner, target *Process, role diosix.Role) error {
	if target == nil || target.role != diosix.RoleNone {
		return diosix.ErrBadParams
	}
	if !target.HasRights(o, ProcCanPlayARole) {
		return diosix.ErrNoRights
	}
	if !role.Valid() {
		return diosix.ErrBadParams
	}

	k.procGate.Lock(o, sync.LockWrite)
	if k.roles[role-1] != nil {
		k.procGate.Unlock(o)
		return diosix.ErrExists
	}
	k.roles[role-1] = target
	target.role = role
	if role == diosix.RoleSystemExecutive {
		k.executive = target
	}
	k.procGate.Unlock(o)

	log.Debugf("proc", "gave process %d role %v", target.pid, role)

	// Anyone sleep-waiting on this role gets up now.
	k.roleWakeup(o, role)
	return nil
}

// RoleRemove strips a role from a process.
func (k *Kernel) RoleRemove(o sync.Owner, target *Process, role diosix.Role) error {
	if target == nil || target.role == diosix.RoleNone {
		return diosix.ErrBadParams
	}
	if target.role != role {
		return diosix.ErrNotFound
	}

	k.procGate.Lock(o, sync.LockWrite)
	k.roles[role-1] = nil
	target.role = diosix.RoleNone
	k.procGate.Unlock(o)

	log.Debugf("proc", "removed role %v from process %d", role, target.pid)
	return nil
}

// RoleLookup returns the process holding a role, nil for none.
func (k *Kernel) RoleLookup(o sync.Owner, role diosix.Role) *Process {
	if !role.Valid() {
		return nil
	}
	k.procGate.Lock(o, sync.LockRead)
	defer k.procGate.Unlock(o)
	return k.roles[role-1]
}

// WaitForRole parks a thread on the per-role snoozer list until the role
// is registered. Used by early-boot handshakes.
func (k *Kernel) WaitForRole(o sync.Owner, snoozer *Thread, role diosix.Role) error {
	if snoozer == nil || !role.Valid() {
		return diosix.ErrBadParams
	}

	// Already there? Don't sleep at all.
	if k.RoleLookup(o, role) != nil {
		return nil
	}

	k.procGate.Lock(o, sync.LockWrite)
	k.snoozers[role-1] = append(k.snoozers[role-1], snoozer)
	snoozer.waitingForRole = role
	k.procGate.Unlock(o)

	k.Remove(o, snoozer, Sleeping)

	log.Debugf("proc", "put tid %d pid %d into sleep-wait on role %v",
		snoozer.tid, snoozer.proc.pid, role)
	return nil
}

// roleWakeup requeues every thread parked on a role's snoozer list.
func (k *Kernel) roleWakeup(o sync.Owner, role diosix.Role) {
	if !role.Valid() {
		return
	}

	k.procGate.Lock(o, sync.LockWrite)
	waiting := k.snoozers[role-1]
	k.snoozers[role-1] = nil
	k.procGate.Unlock(o)

	for _, t := range waiting {
		t.waitingForRole = diosix.RoleNone
		k.Add(o, t.cpu, t)
		log.Debugf("proc", "waking up tid %d pid %d on role %v", t.tid, t.proc.pid, role)
	}
}

// dropRoleSnoozer removes a dying thread from any snoozer list: the wait
// is cancelled implicitly if the waiting thread is killed.
func (k *Kernel) dropRoleSnoozer(o sync.Owner, t *Thread) {
	if t.waitingForRole == diosix.RoleNone {
		return
	}
	k.procGate.Lock(o, sync.LockWrite)
	list := k.snoozers[t.waitingForRole-1]
	for i, waiting := range list {
		if waiting == t {
			k.snoozers[t.waitingForRole-1] = append(list[:i], list[i+1:]...)
			break
		}
	}
	t.waitingForRole = diosix.RoleNone
	k.procGate.Unlock(o)
}
