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

// The payload blob packs the userland binaries bundled with the kernel.
// Layout, all words 32-bit little-endian, offsets measured from the start
// of the blob:
//
//	+----------------------------------------+
//	| module count                           | 4 bytes
//	+----------------------------------------+
//	| per-module records                     | 16 bytes each
//	+----------------------------------------+
//	| name strings and module data           |
//	+----------------------------------------+
//
// Each record holds {mod_start, mod_end, string_offset, reserved=0}.
// mod_end points at the last byte of the module data. The name string is
// null-terminated and is the module's source filename with a prepended /
// character.
const (
	PayloadHeaderSize = 4
	PayloadRecordSize = 16
)

// PayloadRecord is one per-module record in the blob.
type PayloadRecord struct {
	ModStart     uint32
	ModEnd       uint32
	StringOffset uint32
	Reserved     uint32
}
