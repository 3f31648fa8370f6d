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

package loader

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diodesign/diosix/pkg/abi/diosix"
	"github.com/diodesign/diosix/pkg/kernel"
	"github.com/diodesign/diosix/pkg/kheap"
	"github.com/diodesign/diosix/pkg/memarch"
	"github.com/diodesign/diosix/pkg/mm"
	"github.com/diodesign/diosix/pkg/physmem"
	"github.com/diodesign/diosix/pkg/platform"
	"github.com/diodesign/diosix/pkg/platform/softmmu"
	"github.com/diodesign/diosix/pkg/sync"
)

// blobModule names one module for makeBlob; order matters, the first
// becomes the executive.
type blobModule struct {
	name string
	data []byte
}

// makeBlob packs modules the way the external tool does: count, 16-byte
// records, then names and data.
func makeBlob(t *testing.T, modules []blobModule) []byte {
	t.Helper()
	le := binary.LittleEndian

	size := diosix.PayloadHeaderSize + len(modules)*diosix.PayloadRecordSize
	type extent struct{ str, start, end int }
	extents := make([]extent, len(modules))
	for i, m := range modules {
		extents[i].str = size
		size += len(m.name) + 1
		extents[i].start = size
		size += len(m.data)
		extents[i].end = size - 1
	}

	blob := make([]byte, size)
	le.PutUint32(blob, uint32(len(modules)))
	for i, m := range modules {
		rec := blob[diosix.PayloadHeaderSize+i*diosix.PayloadRecordSize:]
		le.PutUint32(rec[0:], uint32(extents[i].start))
		le.PutUint32(rec[4:], uint32(extents[i].end))
		le.PutUint32(rec[8:], uint32(extents[i].str))
		copy(blob[extents[i].str:], m.name)
		copy(blob[extents[i].start:], m.data)
	}
	return blob
}

// makeELF builds a minimal static little-endian ELF64 with one
// executable text segment and one writable data segment.
func makeELF(t *testing.T, entry uint64) []byte {
	t.Helper()
	le := binary.LittleEndian

	const (
		ehsize  = 64
		phsize  = 56
		textOff = ehsize + 2*phsize
		textLen = 128
		dataOff = textOff + textLen
		dataLen = 64
	)

	elf := make([]byte, dataOff+dataLen)
	copy(elf, "\x7fELF")
	elf[4] = 2 // 64-bit
	elf[5] = 1 // little-endian
	elf[6] = 1 // version
	le.PutUint16(elf[16:], 2)  // ET_EXEC
	le.PutUint16(elf[18:], 62) // EM_X86_64
	le.PutUint32(elf[20:], 1)  // version
	le.PutUint64(elf[24:], entry)
	le.PutUint64(elf[32:], ehsize) // phoff
	le.PutUint16(elf[52:], ehsize)
	le.PutUint16(elf[54:], phsize)
	le.PutUint16(elf[56:], 2) // phnum

	writePhdr := func(off int, flags uint32, fileOff, vaddr, filesz, memsz uint64) {
		p := elf[off:]
		le.PutUint32(p[0:], 1) // PT_LOAD
		le.PutUint32(p[4:], flags)
		le.PutUint64(p[8:], fileOff)
		le.PutUint64(p[16:], vaddr)
		le.PutUint64(p[24:], vaddr)
		le.PutUint64(p[32:], filesz)
		le.PutUint64(p[40:], memsz)
		le.PutUint64(p[48:], memarch.PageSize)
	}
	writePhdr(ehsize, 5, textOff, 0x40000000, textLen, textLen)            // r-x
	writePhdr(ehsize+phsize, 6, dataOff, 0x40100000, dataLen, dataLen+256) // rw- with bss

	return elf
}

func TestParsePayloadRoundTrip(t *testing.T) {
	blob := makeBlob(t, []blobModule{
		{name: "/init", data: []byte("first module contents")},
	})

	modules, err := ParsePayload(blob)
	require.NoError(t, err)
	require.Len(t, modules, 1)
	assert.Equal(t, "/init", modules[0].Name)
	assert.Equal(t, []byte("first module contents"), modules[0].Data(blob))
}

func TestParsePayloadMalformed(t *testing.T) {
	good := makeBlob(t, []blobModule{{name: "/init", data: []byte("x")}})

	tests := map[string]func() []byte{
		"truncated_header": func() []byte { return good[:2] },
		"zero_modules": func() []byte {
			b := append([]byte(nil), good...)
			binary.LittleEndian.PutUint32(b, 0)
			return b
		},
		"record_past_end": func() []byte {
			b := append([]byte(nil), good...)
			binary.LittleEndian.PutUint32(b[diosix.PayloadHeaderSize+4:], uint32(len(b)+100))
			return b
		},
		"reserved_dirty": func() []byte {
			b := append([]byte(nil), good...)
			binary.LittleEndian.PutUint32(b[diosix.PayloadHeaderSize+12:], 1)
			return b
		},
	}

	for name, corrupt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePayload(corrupt())
			assert.Equal(t, diosix.ErrPayloadBad, err)
		})
	}
}

func TestParseELFSegments(t *testing.T) {
	parsed, err := parseELF(makeELF(t, 0x40000080))
	require.NoError(t, err)
	assert.Equal(t, memarch.VirtAddr(0x40000080), parsed.entry)
	require.Len(t, parsed.areas, 2)

	text, data := parsed.areas[0], parsed.areas[1]
	assert.True(t, text.execable)
	assert.False(t, text.writable)
	assert.True(t, data.writable)
	assert.Greater(t, data.memSize, data.size, "data segment carries bss")
}

func TestParseELFRejectsGarbage(t *testing.T) {
	_, err := parseELF([]byte("definitely not an executable"))
	assert.Equal(t, diosix.ErrBadExec, err)
}

func TestBootBringsUpExecutive(t *testing.T) {
	port := softmmu.New()
	frames := physmem.New(port, 1<<20)
	o := &sync.StaticOwner{ID: 5}
	heap := kheap.New(frames)
	manager := mm.New(port, frames, heap)

	blob := makeBlob(t, []blobModule{
		{name: "/init", data: makeELF(t, 0x40000000)},
		{name: "/console", data: makeELF(t, 0x40000000)},
	})
	h := &Handoff{
		Regions:     []platform.MemoryRegion{{Base: 0, Length: 32 << 20, RAM: true}},
		KernelBase:  4 << 20,
		KernelSize:  4 << 20,
		PayloadBase: 16 << 20,
		Payload:     blob,
	}

	declared := frames.Populate(o, h.Regions, h.Reserved())
	assert.NotZero(t, declared)

	k, err := kernel.New(port, manager, heap, frames, 1, 0)
	require.NoError(t, err)

	require.NoError(t, Boot(k, o, h))

	// The first module holds the executive role in layer 0, with a
	// runnable thread pointed at its entry.
	exec := k.RoleLookup(o, diosix.RoleSystemExecutive)
	require.NotNil(t, exec)
	assert.Equal(t, uint8(kernel.LayerExecutive), exec.Layer())
	assert.Equal(t, uint32(2), k.ProcessCount(o))

	first := k.AnyThread(o, exec)
	require.NotNil(t, first)
	assert.Equal(t, kernel.InRunQueue, first.State(o))
	assert.Equal(t, uint64(0x40000000), first.Context().Regs.PC)

	// Text pages map straight onto the payload's physical frames.
	pa, _, err := k.Port.TranslateUser(exec.Space.Root, 0x40000000)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, uint64(pa), uint64(h.PayloadBase))
}
