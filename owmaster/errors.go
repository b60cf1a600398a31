// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owmaster

import "periph.io/x/conn/v3/onewire"

// Errors on the 1-wire bus. They are not fatal: the bus keeps working and the
// operation can be retried. All of them implement onewire.BusError.
var (
	// ErrNoPresence is returned when no device answered a reset pulse.
	ErrNoPresence error = noDevicesError("owmaster: no presence pulse detected, no devices on the bus")
	// ErrSearchProtocol is returned when the core flagged malformed bus
	// activity during a search.
	ErrSearchProtocol error = busError("owmaster: search incomplete due to a 1-wire protocol error")
	// ErrSearchMemory is returned when more devices answered a search than
	// the core has ROM table entries for. The FPGA design must be rebuilt
	// with a larger table.
	ErrSearchMemory error = busError("owmaster: not enough FPGA memory allocated for the number of devices found")
	// ErrSearchTimeout is returned when a search did not complete in time.
	ErrSearchTimeout error = busError("owmaster: search did not complete")
	// ErrMatchTimeout is returned when a match ROM did not complete, likely
	// a stale address or bus contention.
	ErrMatchTimeout error = busError("owmaster: ROM address not matched")
	// ErrNotReset is returned by a ROM command that does not immediately
	// follow a successful reset.
	ErrNotReset error = busError("owmaster: ROM command issued without a preceding reset")
	// ErrCommandTimeout, ErrWriteTimeout and ErrReadTimeout are returned when
	// a device command did not complete in time.
	ErrCommandTimeout error = busError("owmaster: command did not complete")
	ErrWriteTimeout   error = busError("owmaster: block write did not complete")
	ErrReadTimeout    error = busError("owmaster: block read did not complete")
	// ErrCRC is returned when ROM validation is enabled and a ROM code fails
	// its CRC.
	ErrCRC error = busError("owmaster: ROM code CRC mismatch")
)

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

// noDevicesError implements error, onewire.NoDevicesError and
// onewire.BusError.
type noDevicesError string

func (e noDevicesError) Error() string   { return string(e) }
func (e noDevicesError) NoDevices() bool { return true }
func (e noDevicesError) BusError() bool  { return true }

var _ onewire.BusError = busError("")
var _ onewire.NoDevicesError = noDevicesError("")
var _ onewire.BusError = noDevicesError("")
