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

// mkpayload bundles userland binaries into the payload blob the
// bootloader hands to the kernel as modules.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/subcommands"

	"github.com/diodesign/diosix/pkg/abi/diosix"
	"github.com/diodesign/diosix/pkg/loader"
)

type packCmd struct {
	output string
}

func (*packCmd) Name() string     { return "pack" }
func (*packCmd) Synopsis() string { return "bundle module files into a payload blob" }
func (*packCmd) Usage() string {
	return `pack -o <outputfile> <inputfile1> ... <inputfileN>:
  Generate a block of boot payloads from a list of files.
`
}

func (c *packCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.output, "o", "", "output blob filename")
}

func (c *packCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.output == "" || f.NArg() == 0 {
		fmt.Fprintln(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}

	var inputs []moduleInput
	for _, path := range f.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[-] could not read input file '%s' -- bailing out\n", path)
			return subcommands.ExitFailure
		}
		if len(data) == 0 {
			fmt.Fprintf(os.Stderr, "[-] skipping empty input file '%s'\n", path)
			continue
		}
		// The comment field is always the module's filename with a
		// prepended / character.
		inputs = append(inputs, moduleInput{name: "/" + filepath.Base(path), data: data})
	}
	if len(inputs) == 0 {
		fmt.Fprintln(os.Stderr, "[-] no usable input files -- bailing out")
		return subcommands.ExitFailure
	}

	blob, err := buildBlob(inputs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[-] %v\n", err)
		return subcommands.ExitFailure
	}
	if err := os.WriteFile(c.output, blob, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "[-] could not write output file '%s' -- bailing out\n", c.output)
		return subcommands.ExitFailure
	}

	fmt.Printf("[+] wrote %d modules (%d bytes) to %s\n", len(inputs), len(blob), c.output)
	return subcommands.ExitSuccess
}

// moduleInput pairs a module's blob name with its contents.
type moduleInput struct {
	name string
	data []byte
}

func buildBlob(inputs []moduleInput) ([]byte, error) {
	le := binary.LittleEndian

	size := diosix.PayloadHeaderSize + len(inputs)*diosix.PayloadRecordSize
	offsets := make([]diosix.PayloadRecord, len(inputs))
	for i, in := range inputs {
		offsets[i].StringOffset = uint32(size)
		size += len(in.name) + 1
		offsets[i].ModStart = uint32(size)
		size += len(in.data)
		offsets[i].ModEnd = uint32(size - 1)
	}

	blob := make([]byte, size)
	le.PutUint32(blob, uint32(len(inputs)))
	for i, in := range inputs {
		rec := blob[diosix.PayloadHeaderSize+i*diosix.PayloadRecordSize:]
		le.PutUint32(rec[0:], offsets[i].ModStart)
		le.PutUint32(rec[4:], offsets[i].ModEnd)
		le.PutUint32(rec[8:], offsets[i].StringOffset)
		le.PutUint32(rec[12:], 0)

		copy(blob[offsets[i].StringOffset:], in.name)
		copy(blob[offsets[i].ModStart:], in.data)
	}
	return blob, nil
}

type listCmd struct{}

func (*listCmd) Name() string             { return "list" }
func (*listCmd) Synopsis() string         { return "show the modules inside a payload blob" }
func (*listCmd) Usage() string            { return "list <blobfile>:\n  List the modules inside a payload blob.\n" }
func (*listCmd) SetFlags(_ *flag.FlagSet) {}

func (c *listCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprintln(os.Stderr, c.Usage())
		return subcommands.ExitUsageError
	}
	blob, err := os.ReadFile(f.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "[-] could not read '%s'\n", f.Arg(0))
		return subcommands.ExitFailure
	}
	modules, err := loader.ParsePayload(blob)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[-] malformed payload: %v\n", err)
		return subcommands.ExitFailure
	}
	for i, m := range modules {
		fmt.Printf("%2d: %-24s %8d bytes at [%#x, %#x]\n",
			i, m.Name, m.End-m.Start+1, m.Start, m.End)
	}
	return subcommands.ExitSuccess
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(&packCmd{}, "")
	subcommands.Register(&listCmd{}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}
