// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owmaster

import "strconv"

// SearchCommand selects which devices answer a search.
type SearchCommand byte

const (
	// SearchROM enumerates every device on the bus.
	SearchROM SearchCommand = CmdSearchROM
	// AlarmSearch enumerates only the devices with their alarm flag set.
	AlarmSearch SearchCommand = CmdAlarmSearch
)

func (s SearchCommand) String() string {
	switch s {
	case SearchROM:
		return "SearchROM"
	case AlarmSearch:
		return "AlarmSearch"
	default:
		return "SearchCommand(0x" + strconv.FormatUint(uint64(s), 16) + ")"
	}
}

// Search runs the search algorithm in the core and returns every address
// known to the bus, in discovery order.
//
// Devices found by earlier searches are kept, so the result only grows while
// the bus does not lose devices. A search blocks until any search or device
// transaction in flight completes. On ErrSearchProtocol, ErrSearchMemory or
// ErrSearchTimeout no address is returned and the table is left untouched.
func (b *Bus) Search(cmd SearchCommand) ([]Address, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.searching.Store(true)
	defer b.searching.Store(false)
	if _, err := b.search(cmd); err != nil {
		return nil, err
	}
	return b.addresses(), nil
}

// SearchAlarm runs an alarm search and returns only the devices that answered
// it. Those are also added to the table of known addresses.
func (b *Bus) SearchAlarm() ([]Address, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.searching.Store(true)
	defer b.searching.Store(false)
	return b.search(AlarmSearch)
}

// Addresses returns a copy of the table of every address discovered so far.
func (b *Bus) Addresses() []Address {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addresses()
}

// Searching reports whether a search is in flight.
func (b *Bus) Searching() bool {
	return b.searching.Load()
}

//

// search runs one search and merges its result in the table. It returns the
// addresses read back by this search only.
func (b *Bus) search(cmd SearchCommand) ([]Address, error) {
	// A search leaves every device waiting for a reset.
	b.armed = false
	b.regs.Write(RegCommand, uint32(cmd))
	b.regs.Write(RegControl, BusSerialize)
	s, ok := b.wait(b.opts.SearchPoll, StatusSearchDone|StatusSearchError|StatusSearchMem)
	switch {
	case s&StatusSearchError != 0:
		b.logf("owmaster: %s aborted, status %#x", cmd, s)
		return nil, ErrSearchProtocol
	case s&StatusSearchMem != 0:
		b.logf("owmaster: %s aborted, status %#x", cmd, s)
		return nil, ErrSearchMemory
	case !ok:
		return nil, ErrSearchTimeout
	}

	n := int(b.regs.Read(RegFound))
	b.found = n
	if n > b.opts.MaxDevices {
		b.logf("owmaster: %s reported %d devices, reading %d", cmd, n, b.opts.MaxDevices)
		n = b.opts.MaxDevices
	}
	pass := make([]Address, 0, n)
	for i := 0; i < n; i++ {
		lo, hi := ROMReg(i)
		a := fromHalves(b.regs.Read(lo), b.regs.Read(hi))
		if b.opts.ValidateROM && !a.Valid() {
			b.logf("owmaster: dropping %s, invalid CRC", a)
			continue
		}
		pass = append(pass, a)
		if b.add(a) {
			b.logf("owmaster: found %s", a)
		}
	}
	return pass, nil
}

// add inserts a into the table unless it is already known. It returns true
// when a is new.
func (b *Bus) add(a Address) bool {
	for _, x := range b.table {
		if x == a {
			return false
		}
	}
	if len(b.table) == cap(b.table) {
		t := make([]Address, len(b.table), 2*cap(b.table))
		copy(t, b.table)
		b.table = t
	}
	b.table = append(b.table, a)
	return true
}

func (b *Bus) addresses() []Address {
	out := make([]Address, len(b.table))
	copy(out, b.table)
	return out
}
