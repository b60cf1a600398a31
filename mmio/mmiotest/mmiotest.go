// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package mmiotest is meant to be used to test drivers using fake registers.
package mmiotest

import (
	"fmt"
	"sync"

	"github.com/GermanBionicSystems/owdevices/mmio"
)

// IO registers one register access.
type IO struct {
	Write bool
	Off   uint32
	Val   uint32
}

func (io IO) String() string {
	if io.Write {
		return fmt.Sprintf("W[%#03x]=%#x", io.Off, io.Val)
	}
	return fmt.Sprintf("R[%#03x]=%#x", io.Off, io.Val)
}

// Mem implements mmio.Registers with a map. Registers never written read as
// 0.
//
// OnRead and OnWrite can be set to model side effects of the hardware. OnRead
// receives the stored value and returns what the driver observes. OnWrite is
// called after the value is stored. Both are called with Mem locked and may
// use Peek and Poke.
//
// Every access is appended to Ops when Log is true.
type Mem struct {
	sync.Mutex
	Regs    map[uint32]uint32
	OnRead  func(off, v uint32) uint32
	OnWrite func(off, v uint32)
	Log     bool
	Ops     []IO

	reads  map[uint32]int
	writes map[uint32]int
}

func (m *Mem) String() string {
	return "mmiotest"
}

// Read implements mmio.Registers.
func (m *Mem) Read(off uint32) uint32 {
	m.Lock()
	defer m.Unlock()
	m.init()
	v := m.Regs[off]
	if m.OnRead != nil {
		v = m.OnRead(off, v)
	}
	m.reads[off]++
	if m.Log {
		m.Ops = append(m.Ops, IO{Off: off, Val: v})
	}
	return v
}

// Write implements mmio.Registers.
func (m *Mem) Write(off, v uint32) {
	m.Lock()
	defer m.Unlock()
	m.init()
	m.Regs[off] = v
	m.writes[off]++
	if m.Log {
		m.Ops = append(m.Ops, IO{Write: true, Off: off, Val: v})
	}
	if m.OnWrite != nil {
		m.OnWrite(off, v)
	}
}

// Peek returns the stored value without side effects. It must only be called
// from OnRead or OnWrite, or with Mem locked.
func (m *Mem) Peek(off uint32) uint32 {
	m.init()
	return m.Regs[off]
}

// Poke stores a value without side effects. It must only be called from
// OnRead or OnWrite, or with Mem locked.
func (m *Mem) Poke(off, v uint32) {
	m.init()
	m.Regs[off] = v
}

// Set stores a value without side effects.
func (m *Mem) Set(off, v uint32) {
	m.Lock()
	defer m.Unlock()
	m.Poke(off, v)
}

// Reads returns how many times a register was read.
func (m *Mem) Reads(off uint32) int {
	m.Lock()
	defer m.Unlock()
	return m.reads[off]
}

// Writes returns how many times a register was written.
func (m *Mem) Writes(off uint32) int {
	m.Lock()
	defer m.Unlock()
	return m.writes[off]
}

// Reset clears the access log and the counters but keeps register values.
func (m *Mem) Reset() {
	m.Lock()
	defer m.Unlock()
	m.Ops = nil
	m.reads = nil
	m.writes = nil
}

func (m *Mem) init() {
	if m.Regs == nil {
		m.Regs = map[uint32]uint32{}
	}
	if m.reads == nil {
		m.reads = map[uint32]int{}
	}
	if m.writes == nil {
		m.writes = map[uint32]int{}
	}
}

var _ mmio.Registers = &Mem{}
