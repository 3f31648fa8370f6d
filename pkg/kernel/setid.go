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
	"github.com/diodesign/diosix/pkg/sync"
)

// SetProcessGroupID moves a process into a process group. A zero pgid
// means "use the pid"; joining an existing group requires a member in
// the same session.
func (k *Kernel) SetProcessGroupID(o sync.Owner, p *Process, pgid uint32) error {
	if p == nil {
		return diosix.ErrBadParams
	}
	if pgid == 0 {
		pgid = p.pid
	}

	if pgid != p.pid && !k.IsValidPGID(o, pgid, p.sessionID, p) {
		return diosix.ErrNotFound
	}

	p.gate.Lock(o, sync.LockWrite)
	p.procGroupID = pgid
	p.gate.Unlock(o)
	return nil
}

// SetSessionID starts a new session led by this process: session and
// group ids both become the pid. A group leader cannot call it.
func (k *Kernel) SetSessionID(o sync.Owner, p *Process) error {
	if p == nil {
		return diosix.ErrBadParams
	}
	if p.procGroupID == p.pid && k.IsValidPGID(o, p.pid, 0, p) {
		return diosix.ErrFailure
	}

	p.gate.Lock(o, sync.LockWrite)
	p.sessionID = p.pid
	p.procGroupID = p.pid
	p.gate.Unlock(o)
	return nil
}

// setIDAllowed checks an id change against the POSIX swap rule: the
// superuser does what it likes; everyone else may only take on one of
// its existing real/effective/saved ids.
func setIDAllowed(set diosix.IDSet, id uint32) bool {
	if set.Effective == diosix.SuperuserID {
		return true
	}
	return id == set.Real || id == set.Effective || id == set.Saved
}

// SetUserID applies one of the set-uid reason codes.
func (k *Kernel) SetUserID(o sync.Owner, p *Process, reason int, id uint32) error {
	if p == nil {
		return diosix.ErrBadParams
	}
	p.gate.Lock(o, sync.LockWrite)
	defer p.gate.Unlock(o)

	if !setIDAllowed(p.uid, id) {
		return diosix.ErrNoRights
	}

	switch reason {
	case diosix.SetEUID:
		p.uid.Effective = id
	case diosix.SetREUID:
		p.uid.Real = id
	case diosix.SetRESUID:
		p.uid.Real, p.uid.Effective, p.uid.Saved = id, id, id
	default:
		return diosix.ErrBadParams
	}
	return nil
}

// SetGroupID applies one of the set-gid reason codes.
func (k *Kernel) SetGroupID(o sync.Owner, p *Process, reason int, id uint32) error {
	if p == nil {
		return diosix.ErrBadParams
	}
	p.gate.Lock(o, sync.LockWrite)
	defer p.gate.Unlock(o)

	if !setIDAllowed(p.gid, id) && p.uid.Effective != diosix.SuperuserID {
		return diosix.ErrNoRights
	}

	switch reason {
	case diosix.SetEGID:
		p.gid.Effective = id
	case diosix.SetREGID:
		p.gid.Real = id
	case diosix.SetRESGID:
		p.gid.Real, p.gid.Effective, p.gid.Saved = id, id, id
	default:
		return diosix.ErrBadParams
	}
	return nil
}

// AddSupplementaryGroup records an extra gid for the process.
func (k *Kernel) AddSupplementaryGroup(o sync.Owner, p *Process, gid uint32) error {
	slot, err := p.supplementaryGroups.Alloc(o)
	if err != nil {
		return err
	}
	slot.Data = gid
	return nil
}
