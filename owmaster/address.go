// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owmaster

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"periph.io/x/conn/v3/onewire"
)

// Address is the unique 64-bit ROM code of a device on the bus, in the same
// little-endian layout as onewire.Address:
//
//	 MSB       LSB MSB                  LSB MSB               LSB
//	+-------------+------------------------+---------------------+
//	|  8-bit crc  |  48-bit serial number  |  8-bit family code  |
//	+-------------+------------------------+---------------------+
//
// Addresses are values; two addresses are equal iff their ROM codes are.
type Address uint64

// FromOneWire converts a periph onewire address.
func FromOneWire(a onewire.Address) Address {
	return Address(a)
}

// ParseAddress parses either the hexadecimal ROM code ("0x5f0000060719f528")
// or the dotted form returned by String ("28.0000060719f5.5f").
func ParseAddress(s string) (Address, error) {
	if parts := strings.Split(s, "."); len(parts) == 3 {
		if len(parts[0]) != 2 || len(parts[1]) != 12 || len(parts[2]) != 2 {
			return 0, fmt.Errorf("owmaster: invalid address %q", s)
		}
		family, err1 := strconv.ParseUint(parts[0], 16, 8)
		serial, err2 := strconv.ParseUint(parts[1], 16, 48)
		crc, err3 := strconv.ParseUint(parts[2], 16, 8)
		if err := errors.Join(err1, err2, err3); err != nil {
			return 0, fmt.Errorf("owmaster: invalid address %q: %w", s, err)
		}
		return Address(crc<<56 | serial<<8 | family), nil
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("owmaster: invalid address %q: %w", s, err)
	}
	return Address(v), nil
}

// ROM returns the raw 64-bit ROM code.
func (a Address) ROM() uint64 {
	return uint64(a)
}

// Family returns the 8-bit family code.
func (a Address) Family() byte {
	return byte(a)
}

// Serial returns the 48-bit serial number.
func (a Address) Serial() uint64 {
	return (uint64(a) >> 8) & 0xFFFFFFFFFFFF
}

// CRC returns the 8-bit CRC of the family code and serial number.
func (a Address) CRC() byte {
	return byte(a >> 56)
}

// Lo returns the low 32 bits, as stored in RegROMID0 and RegWrData0.
func (a Address) Lo() uint32 {
	return uint32(a)
}

// Hi returns the high 32 bits, as stored in RegROMID1 and RegWrData1.
func (a Address) Hi() uint32 {
	return uint32(a >> 32)
}

// Bytes returns the ROM code in bus order, family code first.
func (a Address) Bytes() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(a))
	return b
}

// Valid reports whether the CRC byte matches the other seven bytes.
func (a Address) Valid() bool {
	return onewire.CheckCRC(a.Bytes())
}

// OneWire converts the address for use with periph onewire drivers.
func (a Address) OneWire() onewire.Address {
	return onewire.Address(a)
}

func (a Address) String() string {
	return fmt.Sprintf("%02x.%012x.%02x", a.Family(), a.Serial(), a.CRC())
}

func fromHalves(lo, hi uint32) Address {
	return Address(uint64(hi)<<32 | uint64(lo))
}
