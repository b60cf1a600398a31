// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package owmastertest is meant to be used to test drivers over a simulated
// ow_master core.
package owmastertest

import (
	"sync"

	"periph.io/x/conn/v3/onewire"

	"github.com/GermanBionicSystems/owdevices/mmio"
	"github.com/GermanBionicSystems/owdevices/mmio/mmiotest"
	"github.com/GermanBionicSystems/owdevices/owmaster"
)

// MakeAddress returns a ROM code with a valid CRC.
func MakeAddress(family byte, serial uint64) owmaster.Address {
	a := uint64(family) | (serial&0xFFFFFFFFFFFF)<<8
	var b [7]byte
	for i := range b {
		b[i] = byte(a >> (8 * i))
	}
	return owmaster.Address(a | uint64(onewire.CalcCRC(b[:]))<<56)
}

// Device is a simulated DS18x20 compatible device.
type Device struct {
	ROM owmaster.Address
	// Raw is the temperature register value a conversion produces, in 1/16°C
	// (1/2°C for the DS18S20 family).
	Raw      uint16
	Alarm    bool // answers alarm searches
	Parasite bool // reports parasite power
	BadCRC   bool // corrupts the scratchpad CRC

	TH, TL, Config byte

	converted bool
	temp      uint16
	eeprom    [3]byte
}

// NewDevice returns a device in its power-up state: the temperature register
// reads 85°C and the resolution is 12 bits.
func NewDevice(rom owmaster.Address, raw uint16) *Device {
	d := &Device{ROM: rom, Raw: raw, TH: 0x4B, TL: 0x46, Config: 0x7F}
	d.eeprom = [3]byte{d.TH, d.TL, d.Config}
	return d
}

// Scratchpad returns the 9 bytes of the scratchpad, CRC included.
func (d *Device) Scratchpad() []byte {
	t := uint16(0x0550)
	if d.converted {
		t = d.temp
	}
	s := []byte{byte(t), byte(t >> 8), d.TH, d.TL, d.Config, 0xFF, 0x0C, 0x10, 0}
	if d.ROM.Family() == 0x10 {
		if !d.converted {
			s[0], s[1] = 0xAA, 0x00
		}
		s[4] = 0xFF
	}
	s[8] = onewire.CalcCRC(s[:8])
	if d.BadCRC {
		s[8] ^= 0xFF
	}
	return s
}

func (d *Device) convert() {
	t := d.Raw
	if d.ROM.Family() != 0x10 {
		// Undefined low bits read as 0 below 12 bits.
		bits := 9 + int(d.Config>>5)&3
		t &^= uint16(1)<<(12-bits) - 1
	}
	d.temp = t
	d.converted = true
}

// Sim is a behavioural model of the ow_master core. It implements
// mmio.Registers.
//
// The embedded Mem logs register accesses when Log is set. OnRead and OnWrite
// of the embedded Mem are used by Sim and must not be changed.
//
// Completion bits appear in RegStatus after Latency reads of the register. A
// match ROM that does not immediately follow a reset is never acknowledged.
type Sim struct {
	mmiotest.Mem
	Devices []*Device
	// Latency is the number of status reads before a completion bit is set.
	Latency int
	// TableSize is the number of ROM table entries of the core. A search
	// finding more devices fails with StatusSearchMem. 0 means 255.
	TableSize int
	// ForceSearchError makes searches fail with StatusSearchError.
	ForceSearchError bool
	// FailReset makes reset pulses never complete.
	FailReset bool
	// Hang lists function commands that never complete.
	Hang map[byte]bool

	once     sync.Once
	pending  uint32
	wait     int
	armed    bool
	selected []*Device
	counts   map[byte]int
	resets   int
}

func (s *Sim) String() string {
	return "owmastertest"
}

// Read implements mmio.Registers.
func (s *Sim) Read(off uint32) uint32 {
	s.once.Do(s.init)
	return s.Mem.Read(off)
}

// Write implements mmio.Registers.
func (s *Sim) Write(off, v uint32) {
	s.once.Do(s.init)
	s.Mem.Write(off, v)
}

// Count returns how many times a command byte was executed, ROM and search
// commands included.
func (s *Sim) Count(cmd byte) int {
	s.Lock()
	defer s.Unlock()
	return s.counts[cmd]
}

// Resets returns the number of reset pulses.
func (s *Sim) Resets() int {
	s.Lock()
	defer s.Unlock()
	return s.resets
}

//

func (s *Sim) init() {
	s.counts = map[byte]int{}
	s.Mem.OnRead = s.onRead
	s.Mem.OnWrite = s.onWrite
}

func (s *Sim) onRead(off, v uint32) uint32 {
	if off != owmaster.RegStatus || s.pending == 0 {
		return v
	}
	if s.wait > 0 {
		s.wait--
		return v
	}
	v |= s.pending
	s.pending = 0
	s.Poke(owmaster.RegStatus, v)
	return v
}

func (s *Sim) onWrite(off, v uint32) {
	if off != owmaster.RegControl {
		return
	}
	s.Poke(owmaster.RegStatus, 0)
	s.pending = 0
	s.wait = s.Latency
	switch {
	case v&owmaster.BusResetPulse != 0:
		s.reset()
	case v&owmaster.ControlSearch != 0:
		s.search(byte(s.Peek(owmaster.RegCommand)))
	case v&owmaster.ControlCommand != 0:
		s.command(byte(s.Peek(owmaster.RegCommand)), v)
	}
}

func (s *Sim) reset() {
	s.resets++
	s.armed = false
	s.selected = nil
	if s.FailReset || len(s.Devices) == 0 {
		return
	}
	s.armed = true
	s.pending = owmaster.StatusResetDone | owmaster.StatusPresence
}

func (s *Sim) search(cmd byte) {
	s.counts[cmd]++
	s.armed = false
	s.selected = nil
	if s.ForceSearchError || len(s.Devices) == 0 {
		s.pending = owmaster.StatusSearchError
		return
	}
	var found []*Device
	for _, d := range s.Devices {
		if cmd != owmaster.CmdAlarmSearch || d.Alarm {
			found = append(found, d)
		}
	}
	limit := s.TableSize
	if limit <= 0 {
		limit = 255
	}
	if len(found) > limit {
		s.pending = owmaster.StatusSearchMem
		return
	}
	for i, d := range found {
		lo, hi := owmaster.ROMReg(i)
		s.Poke(lo, d.ROM.Lo())
		s.Poke(hi, d.ROM.Hi())
	}
	s.Poke(owmaster.RegFound, uint32(len(found)))
	s.pending = owmaster.StatusSearchDone
}

func (s *Sim) command(cmd byte, ctl uint32) {
	s.counts[cmd]++
	done := uint32(owmaster.StatusCommandDone)
	if ctl&owmaster.ControlWrite != 0 {
		done |= owmaster.StatusWriteDone
	}
	if ctl&owmaster.ControlRead != 0 {
		done |= owmaster.StatusReadDone
	}

	switch cmd {
	case owmaster.CmdMatchROM, owmaster.CmdSkipROM, owmaster.CmdReadROM:
		if !s.armed {
			return
		}
		s.armed = false
		switch cmd {
		case owmaster.CmdMatchROM:
			w := s.writeData()
			if len(w) != 8 {
				return
			}
			a := owmaster.Address(le64(w))
			for _, d := range s.Devices {
				if d.ROM == a {
					s.selected = []*Device{d}
				}
			}
			if s.selected == nil {
				return
			}
		case owmaster.CmdSkipROM:
			s.selected = append([]*Device(nil), s.Devices...)
		case owmaster.CmdReadROM:
			r := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
			for _, d := range s.Devices {
				and(r, d.ROM.Bytes())
			}
			s.setReadData(r)
			s.selected = append([]*Device(nil), s.Devices...)
		}
		s.pending = done
		return
	}

	if len(s.selected) == 0 || s.Hang[cmd] {
		return
	}
	switch cmd {
	case 0x44: // convert T
		for _, d := range s.selected {
			d.convert()
		}
	case 0x4E: // write scratchpad
		w := s.writeData()
		for _, d := range s.selected {
			if len(w) > 0 {
				d.TH = w[0]
			}
			if len(w) > 1 {
				d.TL = w[1]
			}
			if len(w) > 2 && d.ROM.Family() != 0x10 {
				d.Config = w[2]&0x60 | 0x1F
			}
		}
	case 0x48: // copy scratchpad
		for _, d := range s.selected {
			d.eeprom = [3]byte{d.TH, d.TL, d.Config}
		}
	case 0xB8: // recall EEPROM
		for _, d := range s.selected {
			d.TH, d.TL, d.Config = d.eeprom[0], d.eeprom[1], d.eeprom[2]
		}
	case 0xBE: // read scratchpad
		r := make([]byte, 9)
		for i := range r {
			r[i] = 0xFF
		}
		for _, d := range s.selected {
			and(r, d.Scratchpad())
		}
		s.setReadData(r)
	case 0xB4: // read power supply
		v := byte(0xFF)
		for _, d := range s.selected {
			if d.Parasite {
				v = 0
			}
		}
		s.setReadData([]byte{v})
	default:
		s.setReadData(nil)
	}
	s.pending = done
}

// writeData returns the write block.
func (s *Sim) writeData() []byte {
	n := int(s.Peek(owmaster.RegWrSize)) / 8
	if n > 8 {
		n = 8
	}
	b := make([]byte, 0, 8)
	for _, off := range []uint32{owmaster.RegWrData0, owmaster.RegWrData1} {
		v := s.Peek(off)
		b = append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	}
	return b[:n]
}

// setReadData fills the read registers with d, padded with 0xFF up to
// RegReadSize.
func (s *Sim) setReadData(d []byte) {
	var b [16]byte
	for i := range b {
		b[i] = 0xFF
	}
	copy(b[:], d)
	for i, off := range []uint32{owmaster.RegRdData0, owmaster.RegRdData1, owmaster.RegRdData2, owmaster.RegRdData3} {
		x := b[4*i:]
		s.Poke(off, uint32(x[0])|uint32(x[1])<<8|uint32(x[2])<<16|uint32(x[3])<<24)
	}
}

// and models the wired-AND of several devices answering at once.
func and(dst, src []byte) {
	for i := range dst {
		if i < len(src) {
			dst[i] &= src[i]
		}
	}
}

func le64(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

var _ mmio.Registers = &Sim{}
