// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owmaster

import (
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/GermanBionicSystems/owdevices/mmio"
	"github.com/GermanBionicSystems/owdevices/zynqclk"
)

const (
	// DefaultBase is the AXI address of the core in the reference overlay.
	DefaultBase = 0x83C20000
	// DefaultSize is the size of the AXI window of the core.
	DefaultSize = 0x10000
)

// Instance returns the process-wide Bus, building it on first use.
//
// The first successful call maps size bytes at base, brings the PL clock
// opts.FCLK within opts.FCLKTolerance of opts.FCLKFrequency and constructs
// the bus with opts. Later calls ignore their arguments and return the same
// Bus. A failed call leaves nothing behind, so it can be retried.
//
// It normally requires root privileges since it maps /dev/mem. Call
// host.Init() first.
func Instance(base uint64, size int, opts *Opts) (*Bus, error) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance != nil {
		return instance, nil
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	if opts.FCLKFrequency > 0 {
		if err := ensureClock(opts); err != nil {
			return nil, err
		}
	}
	regs, err := mapWindow(base, size)
	if err != nil {
		return nil, err
	}
	b, err := New(regs, opts)
	if err != nil {
		if c, ok := regs.(io.Closer); ok {
			_ = c.Close()
		}
		return nil, err
	}
	instance = b
	return b, nil
}

//

var (
	instanceMu sync.Mutex
	instance   *Bus
)

// mapWindow is replaced in tests.
var mapWindow = func(base uint64, size int) (mmio.Registers, error) {
	w, err := mmio.Map(base, size)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func ensureClock(opts *Opts) error {
	slcr, err := mapWindow(zynqclk.SLCRBase, zynqclk.SLCRSize)
	if err != nil {
		return err
	}
	if c, ok := slcr.(io.Closer); ok {
		defer c.Close()
	}
	clk := zynqclk.New(slcr, nil)
	changed, err := clk.Ensure(opts.FCLK, opts.FCLKFrequency, opts.FCLKTolerance)
	if err != nil {
		return fmt.Errorf("owmaster: FCLK%d: %w", opts.FCLK, err)
	}
	if changed && opts.Verbose {
		f, _ := clk.Frequency(opts.FCLK)
		log.Printf("owmaster: FCLK%d set to %s", opts.FCLK, f)
	}
	return nil
}
