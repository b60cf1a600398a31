// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package mmio gives 32-bit register access to a window of physical memory,
// typically the AXI address range of an IP core in the programmable logic of
// a Zynq SoC.
//
// Drivers only depend on the Registers interface, which makes them testable
// with mmiotest.Mem or a behavioural model of the hardware.
package mmio

import (
	"errors"
	"fmt"

	"periph.io/x/host/v3/pmem"
)

// Registers is the capability a register mapped device needs: 32-bit reads
// and writes at a byte offset.
type Registers interface {
	Read(off uint32) uint32
	Write(off, v uint32)
}

// Window is a memory mapped view of a physical address range.
//
// It implements Registers.
type Window struct {
	base uint64
	view *pmem.View
	regs []uint32
}

// Map maps size bytes of physical memory starting at base.
//
// It normally requires root privileges since it uses /dev/mem. Both base and
// size must be multiples of 4.
func Map(base uint64, size int) (*Window, error) {
	if size <= 0 {
		return nil, errors.New("mmio: window size must be positive")
	}
	if base&3 != 0 || size&3 != 0 {
		return nil, fmt.Errorf("mmio: window %#x+%#x is not 32-bit aligned", base, size)
	}
	v, err := pmem.Map(base, size)
	if err != nil {
		return nil, fmt.Errorf("mmio: failed to map %#x+%#x: %w", base, size, err)
	}
	return &Window{base: base, view: v, regs: v.Uint32()}, nil
}

func (w *Window) String() string {
	return fmt.Sprintf("mmio{%#x+%#x}", w.base, w.Size())
}

// Base returns the physical address of the first register.
func (w *Window) Base() uint64 {
	return w.base
}

// Size returns the size of the window in bytes.
func (w *Window) Size() int {
	return len(w.regs) * 4
}

// Read implements Registers.
func (w *Window) Read(off uint32) uint32 {
	return w.regs[w.index(off)]
}

// Write implements Registers.
func (w *Window) Write(off, v uint32) {
	w.regs[w.index(off)] = v
}

// Close unmaps the window.
//
// Calling it is not required, the kernel cleans up on process exit. The
// window must not be used afterward.
func (w *Window) Close() error {
	w.regs = nil
	return w.view.Close()
}

// index converts a byte offset into an index in regs. An invalid offset is a
// programming error.
func (w *Window) index(off uint32) int {
	if off&3 != 0 {
		panic(fmt.Sprintf("mmio: unaligned register offset %#x", off))
	}
	i := int(off >> 2)
	if i >= len(w.regs) {
		panic(fmt.Sprintf("mmio: register offset %#x outside of %s", off, w))
	}
	return i
}

var _ Registers = &Window{}
