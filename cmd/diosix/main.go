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

// diosix boots the portable kernel core on the softmmu reference port:
// a TOML machine description, a payload blob, and per-cpu tick loops
// paced at the system tick rate.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/diodesign/diosix/pkg/abi/diosix"
	"github.com/diodesign/diosix/pkg/kernel"
	"github.com/diodesign/diosix/pkg/kheap"
	"github.com/diodesign/diosix/pkg/loader"
	"github.com/diodesign/diosix/pkg/log"
	"github.com/diodesign/diosix/pkg/memarch"
	"github.com/diodesign/diosix/pkg/mm"
	"github.com/diodesign/diosix/pkg/physmem"
	"github.com/diodesign/diosix/pkg/platform"
	"github.com/diodesign/diosix/pkg/platform/softmmu"
	"github.com/diodesign/diosix/pkg/sync"
)

// machineConfig is the simulated hardware description.
type machineConfig struct {
	CPUs        int    `toml:"cpus"`
	RAMMegs     uint64 `toml:"ram_megs"`
	DMABoundary uint64 `toml:"dma_boundary"`
	KernelBase  uint64 `toml:"kernel_base"`
	KernelMegs  uint64 `toml:"kernel_megs"`
	PayloadBase uint64 `toml:"payload_base"`
	Payload     string `toml:"payload"`
	Ticks       uint64 `toml:"ticks"`
	Debug       bool   `toml:"debug"`
}

func defaults() machineConfig {
	return machineConfig{
		CPUs:        2,
		RAMMegs:     64,
		DMABoundary: 16 * 1024 * 1024,
		KernelBase:  4 * 1024 * 1024,
		KernelMegs:  4,
		PayloadBase: 32 * 1024 * 1024,
		Ticks:       500,
	}
}

func run() error {
	configPath := flag.String("config", "machine.toml", "machine description")
	flag.Parse()

	cfg := defaults()
	if _, err := toml.DecodeFile(*configPath, &cfg); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("decoding %s: %w", *configPath, err)
	}
	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	}

	payload, err := os.ReadFile(cfg.Payload)
	if err != nil {
		return fmt.Errorf("reading payload: %w", err)
	}

	port := softmmu.New()
	frames := physmem.New(port, memarch.PhysAddr(cfg.DMABoundary))
	heap := kheap.New(frames)
	manager := mm.New(port, frames, heap)

	handoff := &loader.Handoff{
		Regions: []platform.MemoryRegion{
			{Base: 0, Length: cfg.RAMMegs * 1024 * 1024, RAM: true},
		},
		KernelBase:  memarch.PhysAddr(cfg.KernelBase),
		KernelSize:  cfg.KernelMegs * 1024 * 1024,
		PayloadBase: memarch.PhysAddr(cfg.PayloadBase),
		Payload:     payload,
	}

	bootOwner := &sync.StaticOwner{ID: 1}
	frames.Populate(bootOwner, handoff.Regions, handoff.Reserved())

	k, err := kernel.New(port, manager, heap, frames, cfg.CPUs, 0)
	if err != nil {
		return fmt.Errorf("kernel init: %w", err)
	}
	boot := k.BootOwner()

	if err := loader.Boot(k, boot, handoff); err != nil {
		return fmt.Errorf("payload boot: %w", err)
	}

	// Enter the first user thread on each core.
	for cpu := 0; cpu < cfg.CPUs; cpu++ {
		k.Kickstart(k.CPU(uint32(cpu)).Owner(), uint32(cpu))
	}

	// Tick every core at the system rate until the run budget is spent.
	ctx := context.Background()
	var eg errgroup.Group
	for cpu := 0; cpu < cfg.CPUs; cpu++ {
		cpu := uint32(cpu)
		eg.Go(func() error {
			ticker := rate.NewLimiter(rate.Limit(diosix.SchedTick), 1)
			for n := uint64(0); n < cfg.Ticks; n++ {
				if err := ticker.Wait(ctx); err != nil {
					return err
				}
				k.Tick(cpu)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	stats := k.KernelStats()
	log.Bootf("sim", "halting after %d ms uptime, %d processes live",
		stats.UptimeMsec, k.ProcessCount(boot))
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "diosix: %v\n", err)
		os.Exit(1)
	}
}
