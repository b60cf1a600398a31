// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package owmaster controls the ow_master 1-wire bus master, an IP core
// instantiated in the programmable logic of a Zynq SoC and driven through
// memory mapped registers.
//
// The core generates the bus timings itself. The driver writes a command, the
// data blocks and the bus cycle to start, then polls the status register for
// the matching completion bit. Every poll is bounded, see Poll.
//
// Searches run entirely in the core, which stores the ROM codes it found in a
// table starting at RegROMID0. Bus accumulates them across searches.
//
// Communication with a single device goes through Select, which resets the
// bus and matches the ROM code before handing a Device to the caller:
//
//	err := bus.Select(addr, func(d *owmaster.Device) error {
//		spad, err := d.ReadBlock(0xBE, 9)
//		...
//	})
//
// Adapter exposes the bus as a periph onewire.Bus for drivers written against
// periph.io/x/conn/v3/onewire.
package owmaster
