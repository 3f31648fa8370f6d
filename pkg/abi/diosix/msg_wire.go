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

import "encoding/binary"

// Wire sizes of the user-visible message structures. All fields are
// little-endian; addresses are 64-bit.
const (
	MsgInfoSize   = 76
	MultipartSize = 12
)

// Encode serialises the message block into buf, which must hold
// MsgInfoSize bytes.
func (m *MsgInfo) Encode(buf []byte) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], m.Role)
	le.PutUint32(buf[4:], m.PID)
	le.PutUint32(buf[8:], m.TID)
	le.PutUint32(buf[12:], m.UID)
	le.PutUint32(buf[16:], m.GID)
	le.PutUint32(buf[20:], m.Flags)
	le.PutUint32(buf[24:], m.SendSize)
	le.PutUint64(buf[28:], m.Send)
	le.PutUint32(buf[36:], m.Signal.Number)
	le.PutUint32(buf[40:], m.Signal.Extra)
	le.PutUint64(buf[44:], m.MemReq.Base)
	le.PutUint64(buf[52:], m.MemReq.Size)
	le.PutUint32(buf[60:], m.RecvMaxSize)
	le.PutUint32(buf[64:], m.RecvSize)
	le.PutUint64(buf[68:], m.Recv)
}

// Decode fills the message block from buf, which must hold MsgInfoSize
// bytes.
func (m *MsgInfo) Decode(buf []byte) {
	le := binary.LittleEndian
	m.Role = le.Uint32(buf[0:])
	m.PID = le.Uint32(buf[4:])
	m.TID = le.Uint32(buf[8:])
	m.UID = le.Uint32(buf[12:])
	m.GID = le.Uint32(buf[16:])
	m.Flags = le.Uint32(buf[20:])
	m.SendSize = le.Uint32(buf[24:])
	m.Send = le.Uint64(buf[28:])
	m.Signal.Number = le.Uint32(buf[36:])
	m.Signal.Extra = le.Uint32(buf[40:])
	m.MemReq.Base = le.Uint64(buf[44:])
	m.MemReq.Size = le.Uint64(buf[52:])
	m.RecvMaxSize = le.Uint32(buf[60:])
	m.RecvSize = le.Uint32(buf[64:])
	m.Recv = le.Uint64(buf[68:])
}

// Encode serialises one multipart descriptor.
func (p *Multipart) Encode(buf []byte) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], p.Size)
	le.PutUint64(buf[4:], p.Data)
}

// Decode fills one multipart descriptor.
func (p *Multipart) Decode(buf []byte) {
	le := binary.LittleEndian
	p.Size = le.Uint32(buf[0:])
	p.Data = le.Uint64(buf[4:])
}
