// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package zynqclk reads and programs the four clocks the Zynq-7000 processing
// system feeds into the programmable logic (FCLK0..FCLK3).
//
// The clocks are controlled through the System Level Control Registers (SLCR).
// Each FPGAn_CLK_CTRL register selects a source PLL and two cascaded 6-bit
// divisors. See UG585 (Zynq-7000 TRM), appendix B.28.
package zynqclk

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/physic"

	"github.com/GermanBionicSystems/owdevices/mmio"
)

const (
	// SLCRBase is the physical address of the SLCR block.
	SLCRBase = 0xF8000000
	// SLCRSize is the size of the SLCR block to map.
	SLCRSize = 0x1000
)

// Opts contains options to pass to the constructor.
type Opts struct {
	// RefClock is the PS_CLK input frequency. The PYNQ-Z1/Z2 boards use 50MHz.
	RefClock physic.Frequency
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	RefClock: 50 * physic.MegaHertz,
}

// Dev is a handle to the PL clock generators.
type Dev struct {
	slcr mmio.Registers
	ref  physic.Frequency
}

// New returns a handle to the PL clocks. slcr must be a register window
// starting at SLCRBase.
func New(slcr mmio.Registers, opts *Opts) *Dev {
	if opts == nil {
		opts = &DefaultOpts
	}
	ref := opts.RefClock
	if ref <= 0 {
		ref = DefaultOpts.RefClock
	}
	return &Dev{slcr: slcr, ref: ref}
}

func (d *Dev) String() string {
	return "zynqclk{" + d.ref.String() + "}"
}

// Frequency returns the current frequency of FCLK idx.
func (d *Dev) Frequency(idx int) (physic.Frequency, error) {
	if err := checkIndex(idx); err != nil {
		return 0, err
	}
	ctrl := d.slcr.Read(clkCtrl(idx))
	pll, err := d.source(ctrl)
	if err != nil {
		return 0, err
	}
	d0, d1 := divisors(ctrl)
	if d0 == 0 || d1 == 0 {
		return 0, fmt.Errorf("zynqclk: FCLK%d has a zero divisor", idx)
	}
	return pll / physic.Frequency(d0*d1), nil
}

// SetFrequency programs FCLK idx to the closest frequency to f reachable from
// its current source PLL.
func (d *Dev) SetFrequency(idx int, f physic.Frequency) error {
	if err := checkIndex(idx); err != nil {
		return err
	}
	if f <= 0 {
		return errors.New("zynqclk: frequency must be positive")
	}
	ctrl := d.slcr.Read(clkCtrl(idx))
	pll, err := d.source(ctrl)
	if err != nil {
		return err
	}
	if f > pll {
		return fmt.Errorf("zynqclk: %s is above the source PLL at %s", f, pll)
	}
	d0, d1 := bestDivisors(pll, f)
	ctrl &^= divMask<<div0Shift | divMask<<div1Shift
	ctrl |= d0<<div0Shift | d1<<div1Shift

	d.slcr.Write(regUnlock, unlockKey)
	d.slcr.Write(clkCtrl(idx), ctrl)
	d.slcr.Write(regLock, lockKey)
	return nil
}

// Ensure reprograms FCLK idx to f unless it is already within tolerance of
// it. It returns true if the clock was changed.
func (d *Dev) Ensure(idx int, f, tolerance physic.Frequency) (bool, error) {
	cur, err := d.Frequency(idx)
	if err != nil {
		return false, err
	}
	delta := cur - f
	if delta < 0 {
		delta = -delta
	}
	if delta <= tolerance {
		return false, nil
	}
	if err := d.SetFrequency(idx, f); err != nil {
		return false, err
	}
	return true, nil
}

// source returns the output frequency of the PLL selected by ctrl.
func (d *Dev) source(ctrl uint32) (physic.Frequency, error) {
	reg := uint32(regIOPLL)
	switch (ctrl >> srcShift) & 3 {
	case 2:
		reg = regARMPLL
	case 3:
		reg = regDDRPLL
	}
	fdiv := (d.slcr.Read(reg) >> fdivShift) & fdivMask
	if fdiv == 0 {
		return 0, fmt.Errorf("zynqclk: PLL at %#x has a zero feedback divisor", reg)
	}
	return d.ref * physic.Frequency(fdiv), nil
}

func divisors(ctrl uint32) (uint32, uint32) {
	return (ctrl >> div0Shift) & divMask, (ctrl >> div1Shift) & divMask
}

// bestDivisors returns the divisor pair giving the frequency closest to f.
func bestDivisors(pll, f physic.Frequency) (uint32, uint32) {
	var b0, b1 uint32 = 1, 1
	best := physic.Frequency(-1)
	for d0 := uint32(1); d0 <= divMask; d0++ {
		for d1 := uint32(1); d1 <= divMask; d1++ {
			delta := pll/physic.Frequency(d0*d1) - f
			if delta < 0 {
				delta = -delta
			}
			if best < 0 || delta < best {
				best, b0, b1 = delta, d0, d1
			}
		}
	}
	return b0, b1
}

func checkIndex(idx int) error {
	if idx < 0 || idx > 3 {
		return fmt.Errorf("zynqclk: invalid PL clock index %d, must be in [0, 3]", idx)
	}
	return nil
}

func clkCtrl(idx int) uint32 {
	return regFPGA0Clk + uint32(idx)*0x10
}

const (
	regLock     = 0x004 // SLCR_LOCK
	regUnlock   = 0x008 // SLCR_UNLOCK
	regARMPLL   = 0x100 // ARM_PLL_CTRL
	regDDRPLL   = 0x104 // DDR_PLL_CTRL
	regIOPLL    = 0x108 // IO_PLL_CTRL
	regFPGA0Clk = 0x170 // FPGA0_CLK_CTRL, FPGAn at +0x10*n

	lockKey   = 0x767B
	unlockKey = 0xDF0D

	fdivShift = 12
	fdivMask  = 0x7f
	srcShift  = 4
	div0Shift = 8
	div1Shift = 20
	divMask   = 0x3f
)
