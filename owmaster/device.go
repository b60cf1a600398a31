// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owmaster

import "fmt"

// Select resets the bus, selects the device at address a and runs fn with
// exclusive use of the bus.
//
// If the reset or the match ROM fails, fn is not run and the error is
// returned. Otherwise Select returns the error returned by fn. The Device is
// only valid for the duration of fn.
func (b *Bus) Select(a Address, fn func(d *Device) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.reset(); err != nil {
		return err
	}
	if err := b.matchROM(a); err != nil {
		return err
	}
	return b.scope(a, fn)
}

// SelectAll resets the bus and addresses every device at once with a skip
// ROM, then runs fn with exclusive use of the bus.
//
// Only commands that need no answer, like a temperature conversion, make
// sense on a broadcast. The Device address is 0.
func (b *Bus) SelectAll(fn func(d *Device) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.reset(); err != nil {
		return err
	}
	if err := b.skipROM(); err != nil {
		return err
	}
	return b.scope(0, fn)
}

func (b *Bus) scope(a Address, fn func(d *Device) error) error {
	d := &Device{b: b, addr: a}
	defer func() { d.b = nil }()
	return fn(d)
}

// Device is a device selected on the bus, as passed to the function given to
// Select.
//
// Its register accessors are the ones of Bus. Using a Device after its scope
// ended panics.
type Device struct {
	b    *Bus
	addr Address
}

func (d *Device) String() string {
	return d.addr.String()
}

// Address returns the address of the selected device.
func (d *Device) Address() Address {
	return d.addr
}

// Read returns the value of the register at offset off.
func (d *Device) Read(off uint32) uint32 {
	return d.bus().regs.Read(off)
}

// Write sets the register at offset off.
func (d *Device) Write(off, v uint32) {
	d.bus().regs.Write(off, v)
}

// WriteCommand sets the command register.
func (d *Device) WriteCommand(v uint32) {
	d.bus().regs.Write(RegCommand, v)
}

// WriteControl sets the control register, which starts a bus cycle.
func (d *Device) WriteControl(v uint32) {
	d.bus().regs.Write(RegControl, v)
}

// Status returns the status register.
func (d *Device) Status() uint32 {
	return d.bus().regs.Read(RegStatus)
}

// Wait polls the status register until one of the bits in mask is set, with
// the bounds of p. It returns the last status read and whether a bit was set.
func (d *Device) Wait(mask uint32, p Poll) (uint32, bool) {
	return d.bus().wait(p, mask)
}

// Command sends a function command without data and waits for completion
// with the bounds of p.
//
// With pullup the strong pull-up stays on after the command, which parasite
// powered devices need during conversions and EEPROM copies.
func (d *Device) Command(cmd byte, pullup bool, p Poll) error {
	return d.bus().command(cmd, pullup, p)
}

// WriteBlock sends a function command followed by up to 8 bytes of data.
func (d *Device) WriteBlock(cmd byte, data []byte) error {
	if len(data) == 0 || len(data) > maxWriteData {
		return fmt.Errorf("owmaster: write block of %d bytes, want 1 to %d", len(data), maxWriteData)
	}
	_, err := d.bus().transfer(cmd, data, 0)
	return err
}

// ReadBlock sends a function command and reads n bytes, up to 16.
func (d *Device) ReadBlock(cmd byte, n int) ([]byte, error) {
	if n <= 0 || n > maxReadData {
		return nil, fmt.Errorf("owmaster: read block of %d bytes, want 1 to %d", n, maxReadData)
	}
	return d.bus().transfer(cmd, nil, n)
}

func (b *Bus) command(cmd byte, pullup bool, p Poll) error {
	b.regs.Write(RegCommand, uint32(cmd))
	ctl := uint32(BusExecPullup)
	if !pullup {
		// An empty write block ends the cycle without the pull-up.
		b.regs.Write(RegWrSize, 0)
		ctl = BusExecNoPullup
	}
	b.regs.Write(RegControl, ctl)
	if _, ok := b.wait(p, StatusCommandDone|StatusWriteDone); !ok {
		return ErrCommandTimeout
	}
	return nil
}

func (d *Device) bus() *Bus {
	if d.b == nil {
		panic("owmaster: device " + d.addr.String() + " used outside of its Select scope")
	}
	return d.b
}
