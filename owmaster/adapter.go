// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owmaster

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/onewire"
)

// Adapter exposes a Bus as a periph onewire.Bus, so that onewire.Dev and
// drivers written against periph.io/x/conn/v3/onewire work over the core.
//
// The core does not expose raw time slots, so each Tx must start with one of
// the ROM commands match ROM (0x55 followed by the 8 address bytes), skip ROM
// (0xCC) or read ROM (0x33), optionally followed by a function command with
// up to 8 bytes of data and up to 16 bytes to read.
type Adapter struct {
	b *Bus
}

// Adapter returns a periph onewire.Bus view of b.
func (b *Bus) Adapter() *Adapter {
	return &Adapter{b: b}
}

func (a *Adapter) String() string {
	return a.b.String()
}

// Tx implements onewire.Bus.
//
// It resets the bus, runs the ROM command found at the start of w, then the
// function command that follows if any. A function command without data
// leaves the strong pull-up on when power is onewire.StrongPullup.
func (a *Adapter) Tx(w, r []byte, power onewire.Pullup) error {
	b := a.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(w) == 0 {
		if len(r) != 0 {
			return errors.New("owmaster: read without command")
		}
		return b.reset()
	}
	if err := b.reset(); err != nil {
		return err
	}
	switch w[0] {
	case CmdMatchROM:
		if len(w) < 9 {
			return fmt.Errorf("owmaster: match ROM needs 8 address bytes, got %d", len(w)-1)
		}
		addr := fromHalves(le32(w[1:5]), le32(w[5:9]))
		if err := b.matchROM(addr); err != nil {
			return err
		}
		w = w[9:]
	case CmdSkipROM:
		if err := b.skipROM(); err != nil {
			return err
		}
		w = w[1:]
	case CmdReadROM:
		if len(w) != 1 || len(r) != 8 {
			return errors.New("owmaster: read ROM must read exactly the 8 ROM bytes")
		}
		addr, err := b.readROM()
		if err != nil {
			return err
		}
		copy(r, addr.Bytes())
		return nil
	default:
		return fmt.Errorf("owmaster: unsupported ROM command %#02x", w[0])
	}

	if len(w) == 0 {
		if len(r) != 0 {
			return errors.New("owmaster: read without function command")
		}
		return nil
	}
	cmd, data := w[0], w[1:]
	if len(data) == 0 && len(r) == 0 {
		return b.command(cmd, bool(power), b.opts.CommandPoll)
	}
	if len(data) > maxWriteData || len(r) > maxReadData {
		return fmt.Errorf("owmaster: transaction of %d/%d bytes exceeds the %d/%d data registers", len(data), len(r), maxWriteData, maxReadData)
	}
	buf, err := b.transfer(cmd, data, len(r))
	if err != nil {
		return err
	}
	copy(r, buf)
	return nil
}

// Search implements onewire.Bus.
//
// A ROM search returns every address known to the bus, like Bus.Search. An
// alarm search only returns the devices that answered it.
func (a *Adapter) Search(alarmOnly bool) ([]onewire.Address, error) {
	var addrs []Address
	var err error
	if alarmOnly {
		addrs, err = a.b.SearchAlarm()
	} else {
		addrs, err = a.b.Search(SearchROM)
	}
	if err != nil {
		return nil, err
	}
	out := make([]onewire.Address, 0, len(addrs))
	for _, x := range addrs {
		out = append(out, x.OneWire())
	}
	return out, nil
}

var _ onewire.Bus = &Adapter{}
