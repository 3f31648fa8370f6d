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

// Package loader implements the boot handoff: it parses the payload
// blob the build bundled with the kernel, extracts each module's ELF
// segments, and turns the modules into the system executive and its
// sibling processes.
package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/diodesign/diosix/pkg/abi/diosix"
	"github.com/diodesign/diosix/pkg/memarch"
)

// Module is one payload entry: a name plus the byte extent inside the
// blob.
type Module struct {
	Name  string
	Start uint32 // offset of first data byte in the blob
	End   uint32 // offset of last data byte in the blob
}

// Data returns the module's bytes out of the blob.
func (m Module) Data(blob []byte) []byte {
	return blob[m.Start : m.End+1]
}

// ParsePayload decodes the blob: a 32-bit little-endian module count,
// then 16-byte records of {mod_start, mod_end, string_offset, 0}, then
// the strings and data.
func ParsePayload(blob []byte) ([]Module, error) {
	if len(blob) < diosix.PayloadHeaderSize {
		return nil, diosix.ErrPayloadBad
	}
	le := binary.LittleEndian
	count := le.Uint32(blob)
	need := diosix.PayloadHeaderSize + int(count)*diosix.PayloadRecordSize
	if count == 0 || len(blob) < need {
		return nil, diosix.ErrPayloadBad
	}

	modules := make([]Module, 0, count)
	for i := 0; i < int(count); i++ {
		rec := blob[diosix.PayloadHeaderSize+i*diosix.PayloadRecordSize:]
		var record diosix.PayloadRecord
		record.ModStart = le.Uint32(rec[0:])
		record.ModEnd = le.Uint32(rec[4:])
		record.StringOffset = le.Uint32(rec[8:])
		record.Reserved = le.Uint32(rec[12:])

		if record.Reserved != 0 ||
			record.ModStart > record.ModEnd ||
			int(record.ModEnd) >= len(blob) ||
			int(record.StringOffset) >= len(blob) {
			return nil, diosix.ErrPayloadBad
		}

		name := blob[record.StringOffset:]
		if end := bytes.IndexByte(name, 0); end >= 0 {
			name = name[:end]
		}
		modules = append(modules, Module{
			Name:  string(name),
			Start: record.ModStart,
			End:   record.ModEnd,
		})
	}
	return modules, nil
}

// payloadArea describes how one part of a module appears in memory.
type payloadArea struct {
	virtual  memarch.VirtAddr
	fileOff  uint64 // offset of the segment's bytes within the module
	size     uint64 // bytes present in the file
	memSize  uint64 // total memory the area needs
	writable bool
	execable bool
}

// parsedModule is an executable module's memory plan.
type parsedModule struct {
	entry memarch.VirtAddr
	areas []payloadArea
}

// parseELF extracts the loadable segments of a module. Only
// little-endian 32/64-bit executables are accepted.
func parseELF(data []byte) (*parsedModule, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, diosix.ErrBadExec
	}
	defer f.Close()

	if f.Data != elf.ELFDATA2LSB {
		return nil, diosix.ErrBadArch
	}
	if f.Type != elf.ET_EXEC {
		return nil, diosix.ErrBadExec
	}

	parsed := &parsedModule{entry: memarch.VirtAddr(f.Entry)}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		parsed.areas = append(parsed.areas, payloadArea{
			virtual:  memarch.VirtAddr(prog.Vaddr),
			fileOff:  prog.Off,
			size:     prog.Filesz,
			memSize:  prog.Memsz,
			writable: prog.Flags&elf.PF_W != 0,
			execable: prog.Flags&elf.PF_X != 0,
		})
	}
	if len(parsed.areas) == 0 {
		return nil, diosix.ErrBadExec
	}
	return parsed, nil
}
