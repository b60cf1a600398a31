// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owmaster

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"

	"github.com/GermanBionicSystems/owdevices/mmio"
)

// Poll is a bounded retry policy used while waiting for the core to set a
// completion bit in the status register.
//
// The status register is read at most Attempts times, sleeping Interval
// between reads. An operation whose bit never sets fails after roughly
// Attempts*Interval.
type Poll struct {
	Attempts int
	Interval time.Duration
}

// Opts contains options to pass to the constructor.
type Opts struct {
	ResetPoll   Poll // waiting for the reset pulse to complete
	SearchPoll  Poll // waiting for a search to complete
	WritePoll   Poll // waiting for a match ROM or block write
	ReadPoll    Poll // waiting for a block read, e.g. a scratchpad
	CommandPoll Poll // waiting for a command without data block

	// TableSize is the initial capacity of the table of discovered
	// addresses. It doubles whenever it is full.
	TableSize int
	// MaxDevices bounds the number of ROM codes read back after a search,
	// whatever RegFound says. The core supports up to 255.
	MaxDevices int
	// ValidateROM drops ROM codes with an invalid CRC from search results and
	// makes ReadROM fail with ErrCRC. The core itself does not check them.
	ValidateROM bool
	// Verbose logs discovered devices and aborted searches with package log.
	Verbose bool

	// The following options are only used by Instance.
	FCLK          int              // index of the PL clock feeding the core
	FCLKFrequency physic.Frequency // 0 leaves the clock untouched
	FCLKTolerance physic.Frequency // maximum deviation before reprogramming
}

// DefaultOpts is the recommended default options. The poll intervals match
// the ~10ms busy loop the core was characterized with.
var DefaultOpts = Opts{
	ResetPoll:     Poll{Attempts: 20, Interval: 10 * time.Millisecond},
	SearchPoll:    Poll{Attempts: 30, Interval: 10 * time.Millisecond},
	WritePoll:     Poll{Attempts: 20, Interval: 10 * time.Millisecond},
	ReadPoll:      Poll{Attempts: 20, Interval: 10 * time.Millisecond},
	CommandPoll:   Poll{Attempts: 20, Interval: 10 * time.Millisecond},
	TableSize:     10,
	MaxDevices:    255,
	FCLK:          3,
	FCLKFrequency: 33333330 * physic.Hertz,
	FCLKTolerance: physic.MegaHertz,
}

// New returns a bus driving the ow_master core behind regs.
//
// Bus takes exclusive ownership of regs. Use Instance to share one bus across
// a process.
func New(regs mmio.Registers, opts *Opts) (*Bus, error) {
	if regs == nil {
		return nil, errors.New("owmaster: nil register interface")
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	b := &Bus{regs: regs, opts: *opts}
	if b.opts.TableSize <= 0 {
		b.opts.TableSize = DefaultOpts.TableSize
	}
	if b.opts.MaxDevices <= 0 || b.opts.MaxDevices > 255 {
		b.opts.MaxDevices = 255
	}
	// Bound the ROM table by the register window when its size is known.
	if s, ok := regs.(interface{ Size() int }); ok {
		n := (s.Size() - RegROMID0) / 8
		if n <= 0 {
			return nil, fmt.Errorf("owmaster: register window of %#x bytes has no ROM table", s.Size())
		}
		if n < b.opts.MaxDevices {
			b.opts.MaxDevices = n
		}
	}
	b.table = make([]Address, 0, b.opts.TableSize)
	return b, nil
}

// Bus is a handle to the ow_master core.
//
// A transaction mutex serializes searches and device scopes (see Select), so
// the reset, match ROM and function command of one transaction are never
// interleaved with another goroutine's. The low level register accessors are
// not serialized.
type Bus struct {
	mu        sync.Mutex
	regs      mmio.Registers
	opts      Opts
	armed     bool        // a reset completed and no ROM command followed yet
	searching atomic.Bool // a search is in flight
	table     []Address   // every address discovered so far
	found     int         // RegFound after the last search
}

func (b *Bus) String() string {
	if s, ok := b.regs.(fmt.Stringer); ok {
		return "owmaster{" + s.String() + "}"
	}
	return "owmaster"
}

// Halt implements conn.Resource.
func (b *Bus) Halt() error {
	return nil
}

// Reset sends a reset pulse and waits for the core to report completion.
//
// It returns ErrNoPresence if the reset never completed. A successful reset
// is required before MatchROM, SkipROM or ReadROM.
func (b *Bus) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reset()
}

// MatchROM selects the device with the given address. All other devices
// ignore the bus until the next reset.
//
// It must immediately follow Reset, otherwise ErrNotReset is returned. Prefer
// Select, which performs both under the transaction lock.
func (b *Bus) MatchROM(a Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.matchROM(a)
}

// SkipROM addresses every device on the bus at once. It must immediately
// follow Reset.
func (b *Bus) SkipROM() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.skipROM()
}

// ReadROM reads the ROM code of the only device on the bus. It must
// immediately follow Reset. If more than one device is present the result is
// garbage.
func (b *Bus) ReadROM() (Address, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readROM()
}

// Read returns the value of the register at offset off.
func (b *Bus) Read(off uint32) uint32 {
	return b.regs.Read(off)
}

// Write sets the register at offset off.
func (b *Bus) Write(off, v uint32) {
	b.regs.Write(off, v)
}

// WriteCommand sets the command register.
func (b *Bus) WriteCommand(v uint32) {
	b.regs.Write(RegCommand, v)
}

// WriteControl sets the control register, which starts a bus cycle.
func (b *Bus) WriteControl(v uint32) {
	b.regs.Write(RegControl, v)
}

// Status returns the status register.
func (b *Bus) Status() uint32 {
	return b.regs.Read(RegStatus)
}

// Found returns the number of ROM codes the core reported on the last
// search.
func (b *Bus) Found() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.found
}

//

func (b *Bus) reset() error {
	b.armed = false
	b.regs.Write(RegControl, BusResetPulse)
	if _, ok := b.wait(b.opts.ResetPoll, StatusResetDone); !ok {
		return ErrNoPresence
	}
	b.armed = true
	return nil
}

// disarm consumes the reset that must precede any ROM command.
func (b *Bus) disarm() error {
	if !b.armed {
		return ErrNotReset
	}
	b.armed = false
	return nil
}

func (b *Bus) matchROM(a Address) error {
	if err := b.disarm(); err != nil {
		return err
	}
	b.regs.Write(RegCommand, CmdMatchROM)
	b.regs.Write(RegWrSize, romBits)
	b.regs.Write(RegWrData0, a.Lo())
	b.regs.Write(RegWrData1, a.Hi())
	b.regs.Write(RegControl, BusExecNoPullup)
	if _, ok := b.wait(b.opts.WritePoll, StatusWriteDone); !ok {
		return ErrMatchTimeout
	}
	return nil
}

func (b *Bus) skipROM() error {
	if err := b.disarm(); err != nil {
		return err
	}
	b.regs.Write(RegCommand, CmdSkipROM)
	b.regs.Write(RegControl, BusExecPullup)
	if _, ok := b.wait(b.opts.CommandPoll, StatusCommandDone); !ok {
		return ErrCommandTimeout
	}
	return nil
}

func (b *Bus) readROM() (Address, error) {
	if err := b.disarm(); err != nil {
		return 0, err
	}
	buf, err := b.transfer(CmdReadROM, nil, romBits/8)
	if err != nil {
		return 0, err
	}
	a := fromHalves(le32(buf[0:4]), le32(buf[4:8]))
	if b.opts.ValidateROM && !a.Valid() {
		return 0, ErrCRC
	}
	return a, nil
}

// transfer sends a function command followed by an optional write block of
// up to 8 bytes, then reads n bytes (up to 16) and waits for completion.
//
// A command without any block leaves the strong pull-up on, as needed by
// temperature conversions and EEPROM copies.
func (b *Bus) transfer(cmd byte, w []byte, n int) ([]byte, error) {
	if len(w) > maxWriteData || n > maxReadData || n < 0 {
		return nil, fmt.Errorf("owmaster: transfer of %d/%d bytes exceeds the %d/%d data registers", len(w), n, maxWriteData, maxReadData)
	}
	b.regs.Write(RegCommand, uint32(cmd))
	ctl := uint32(ControlCommand)
	if len(w) != 0 {
		var d [maxWriteData]byte
		copy(d[:], w)
		b.regs.Write(RegWrSize, uint32(len(w)*8))
		b.regs.Write(RegWrData0, le32(d[0:4]))
		b.regs.Write(RegWrData1, le32(d[4:8]))
		ctl |= ControlWrite
	}
	if n != 0 {
		b.regs.Write(RegReadSize, uint32(n*8))
		ctl |= ControlRead
	}
	b.regs.Write(RegControl, ctl)

	switch {
	case n != 0:
		if _, ok := b.wait(b.opts.ReadPoll, StatusReadDone); !ok {
			return nil, ErrReadTimeout
		}
	case len(w) != 0:
		if _, ok := b.wait(b.opts.WritePoll, StatusWriteDone); !ok {
			return nil, ErrWriteTimeout
		}
	default:
		if _, ok := b.wait(b.opts.CommandPoll, StatusCommandDone); !ok {
			return nil, ErrCommandTimeout
		}
		return nil, nil
	}
	if n == 0 {
		return nil, nil
	}
	r := make([]byte, 0, maxReadData)
	for _, off := range []uint32{RegRdData0, RegRdData1, RegRdData2, RegRdData3} {
		v := b.regs.Read(off)
		r = append(r, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
		if len(r) >= n {
			break
		}
	}
	return r[:n], nil
}

// wait polls the status register until one of the bits in mask is set. It
// returns the last status read and whether a bit was set.
func (b *Bus) wait(p Poll, mask uint32) (uint32, bool) {
	n := p.Attempts
	if n < 1 {
		n = 1
	}
	for i := 0; ; i++ {
		s := b.regs.Read(RegStatus)
		if s&mask != 0 {
			return s, true
		}
		if i+1 >= n {
			return s, false
		}
		sleep(p.Interval)
	}
}

func (b *Bus) logf(format string, v ...interface{}) {
	if b.opts.Verbose {
		log.Printf(format, v...)
	}
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

var sleep = time.Sleep

var _ conn.Resource = &Bus{}
