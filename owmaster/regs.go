// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owmaster

// Register offsets of the ow_master core, relative to the base of its AXI
// window.
const (
	RegControl  = 0x000 // control
	RegReadSize = 0x004 // number of bits to read
	RegWrSize   = 0x008 // number of bits to write
	RegCommand  = 0x00C // 1-wire command byte
	RegReadCRC  = 0x010 // CRC of the read block
	RegCRCCount = 0x014 // number of bytes covered by RegReadCRC
	RegWriteCRC = 0x018 // CRC appended to the write block
	RegWrData0  = 0x01C // write data, low 32 bits
	RegWrData1  = 0x020 // write data, high 32 bits
	RegStatus   = 0x040 // status
	RegRdData0  = 0x044 // read data, bits 0..31
	RegRdData1  = 0x048 // read data, bits 32..63
	RegRdData2  = 0x04C // read data, bits 64..95
	RegRdData3  = 0x050 // read data, bits 96..127
	RegFound    = 0x054 // number of ROMs found by the last search
	RegROMID0   = 0x400 // low 32 bits of the first ROM found
	RegROMID1   = 0x404 // high 32 bits of the first ROM found
)

// ROMReg returns the offsets of the low and high halves of the i-th ROM code
// stored by a search.
func ROMReg(i int) (lo, hi uint32) {
	return RegROMID0 + uint32(i)<<3, RegROMID1 + uint32(i)<<3
}

// Status register bits.
const (
	StatusSearchDone  = 0x00000001
	StatusInterrupt   = 0x00000004
	StatusCommandDone = 0x00000008
	StatusWriteDone   = 0x00000010
	StatusReadDone    = 0x00000020
	StatusResetDone   = 0x00000040
	StatusPresence    = 0x00000080 // presence pulse after the last reset
	StatusCRCError    = 0x00000100
	StatusSearchError = 0x00000200 // also set when no device answers a search
	StatusSearchMem   = 0x00000400 // more devices than ROM table entries
	StatusBusy        = 0x80000000
)

// Control register bits.
const (
	ControlSearch      = 0x00000001 // search ROM/alarm
	ControlSearchAlarm = 0x00000002
	ControlAppendCRC   = 0x00000004
	ControlCommand     = 0x00000008 // send RegCommand
	ControlWrite       = 0x00000010 // send the write block
	ControlRead        = 0x00000020 // generate read time slots
)

// Values written to RegControl to start a bus cycle.
const (
	BusSerialize    = ControlSearch                 // serialize RegCommand onto the bus
	BusResetPulse   = 0x00010000                    // pull the bus low
	BusExecPullup   = ControlCommand                // execute command, strong pull-up afterward
	BusExecNoPullup = ControlCommand | ControlWrite // execute command with write block
	BusReadSlots    = ControlCommand | ControlRead  // execute command with read block
)

// ROM commands written to RegCommand.
const (
	CmdSearchROM   = 0xF0
	CmdReadROM     = 0x33
	CmdMatchROM    = 0x55
	CmdSkipROM     = 0xCC
	CmdAlarmSearch = 0xEC
)

const (
	romBits      = 64 // bits in a ROM code
	maxWriteData = 8  // bytes, RegWrData0..1
	maxReadData  = 16 // bytes, RegRdData0..3
)
