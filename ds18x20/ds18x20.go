// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds18x20

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"

	"github.com/GermanBionicSystems/owdevices/owmaster"
)

// Family code of the specific device type.
type Family byte

const (
	DS18S20 Family = 0x10
	DS1822  Family = 0x22
	DS18B20 Family = 0x28
)

func (f Family) String() string {
	switch f {
	case DS18S20:
		return "DS18S20"
	case DS1822:
		return "DS1822"
	case DS18B20:
		return "DS18B20"
	default:
		return "unknown"
	}
}

func (f Family) known() bool {
	return f == DS18S20 || f == DS1822 || f == DS18B20
}

// State is the conversion state of a sensor.
type State int

const (
	Idle State = iota
	ConversionInProgress
	ConversionComplete
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case ConversionInProgress:
		return "ConversionInProgress"
	case ConversionComplete:
		return "ConversionComplete"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Function commands.
const (
	cmdConvertT        = 0x44
	cmdWriteScratchpad = 0x4E
	cmdReadScratchpad  = 0xBE
	cmdCopyScratchpad  = 0x48
	cmdRecallEEPROM    = 0xB8
	cmdReadPower       = 0xB4
)

const (
	maxConversion = 750 * time.Millisecond
	eepromWrite   = 10 * time.Millisecond
)

var (
	// ErrConversion is returned when a conversion did not complete.
	ErrConversion error = busError("ds18x20: temperature conversion did not complete")
	// ErrScratchpadRead is returned when the scratchpad could not be read.
	ErrScratchpadRead error = busError("ds18x20: scratchpad read did not complete")
	// ErrScratchpadCRC is returned when CRC checking is enabled and the
	// scratchpad fails it.
	ErrScratchpadCRC error = busError("ds18x20: incorrect scratchpad CRC")
	// ErrNotConverted is returned by LastTemp when the temperature register
	// still holds its power-up value.
	ErrNotConverted error = busError("ds18x20: has not performed a temperature conversion (insufficient pull-up?)")
	// ErrResolution is returned for a resolution outside 9..12 bits.
	ErrResolution = errors.New("ds18x20: resolution must be 9 to 12 bits")
	// ErrUnsupported is returned for an operation the device family does not
	// support.
	ErrUnsupported = errors.New("ds18x20: operation not supported by this device family")
)

// Opts contains options to pass to the constructor.
type Opts struct {
	// Resolution in bits, 9 to 12. It determines the conversion time:
	// 9bits:93.75ms, 10bits:187.5ms, 11bits:375ms, 12bits:750ms. The DS18S20
	// always converts in 750ms.
	Resolution int
	// RefreshTimeout is how long a reading is served from the cache.
	RefreshTimeout time.Duration
	// CheckCRC rejects scratchpads failing their CRC.
	CheckCRC bool
	// ConvertPoll bounds the wait for the conversion done bit, after the
	// conversion delay elapsed.
	ConvertPoll owmaster.Poll
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	Resolution:     12,
	RefreshTimeout: 5 * time.Second,
	ConvertPoll:    owmaster.Poll{Attempts: 20, Interval: 10 * time.Millisecond},
}

// New returns a handle to the sensor at address a on bus b.
//
// It does not communicate with the device. The resolution in opts is the
// expected resolution of the device, use ProgramResolution to change the
// resolution of the device.
func New(b *owmaster.Bus, a owmaster.Address, opts *Opts) (*Dev, error) {
	if b == nil {
		return nil, errors.New("ds18x20: nil bus")
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	if !validResolution(opts.Resolution) {
		return nil, ErrResolution
	}
	if f := Family(a.Family()); !f.known() {
		return nil, fmt.Errorf("ds18x20: %s is not a DS18x20 family device", a)
	}
	return &Dev{bus: b, addr: a, opts: *opts}, nil
}

// Discover searches the bus and returns one Dev per DS18x20 family device
// found.
func Discover(b *owmaster.Bus, opts *Opts) ([]*Dev, error) {
	addrs, err := b.Search(owmaster.SearchROM)
	if err != nil {
		return nil, err
	}
	var out []*Dev
	for _, a := range addrs {
		if !Family(a.Family()).known() {
			continue
		}
		d, err := New(b, a, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ConvertAll performs a conversion on all the sensors on the bus at once.
//
// The bus is held with the strong pull-up on for the duration of the
// conversion, which is determined by the maximum resolution of all the
// devices on the bus and must be provided. Use 12 when a DS18S20 is present.
// The readings can then be retrieved with LastTemp. Only opts.ConvertPoll is
// used; nil means DefaultOpts.
func ConvertAll(b *owmaster.Bus, maxResolutionBits int, opts *Opts) error {
	if !validResolution(maxResolutionBits) {
		return ErrResolution
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	return b.SelectAll(func(d *owmaster.Device) error {
		return convert(d, conversionDelay(maxResolutionBits), opts.ConvertPoll)
	})
}

// Dev is a handle to a DS18x20 temperature sensor on an ow_master bus.
type Dev struct {
	bus  *owmaster.Bus
	addr owmaster.Address

	state atomic.Int32 // State

	// mu is never held across bus I/O.
	mu       sync.Mutex
	opts     Opts
	extended bool // the DS18S20 reported COUNT_PER_C
	shutdown chan struct{}

	// ioMu serializes readings and guards the cache.
	ioMu   sync.Mutex
	cached bool
	raw    int16 // last reading, in 1/16°C
	stamp  time.Time
}

func (d *Dev) String() string {
	return d.Family().String() + "{" + d.addr.String() + "}"
}

// Family returns the family of the device.
func (d *Dev) Family() Family {
	return Family(d.addr.Family())
}

// Address returns the address of the device.
func (d *Dev) Address() owmaster.Address {
	return d.addr
}

// State returns the conversion state. It does not wait for a reading in
// progress.
func (d *Dev) State() State {
	return State(d.state.Load())
}

// Temperature returns the temperature, converting it if the cached reading is
// older than Opts.RefreshTimeout.
//
// A failed reading leaves the cache untouched.
func (d *Dev) Temperature() (physic.Temperature, error) {
	raw, err := d.read()
	if err != nil {
		return 0, err
	}
	return toTemperature(raw), nil
}

// Celsius returns the temperature in °C, rounded to 3 decimals.
func (d *Dev) Celsius() (float64, error) {
	raw, err := d.read()
	if err != nil {
		return 0, err
	}
	return round3(float64(raw) / 16), nil
}

// Fahrenheit returns the temperature in °F, rounded to 3 decimals.
func (d *Dev) Fahrenheit() (float64, error) {
	c, err := d.Celsius()
	if err != nil {
		return 0, err
	}
	return FahrenheitFromCelsius(c), nil
}

// LastTemp reads the temperature resulting from the last conversion from the
// device, without starting a new one.
//
// It is useful in combination with ConvertAll.
func (d *Dev) LastTemp() (physic.Temperature, error) {
	spad, err := d.readScratchpad()
	if err != nil {
		return 0, err
	}
	raw := d.decode(spad)
	d.noteScratchpad(spad)
	// The device powers up with a value of 85°C, so if we read that odds are
	// very high that no conversion was performed.
	if raw == 85*16 {
		return 0, ErrNotConverted
	}
	return toTemperature(raw), nil
}

// Resolution returns the resolution the driver assumes, in bits.
func (d *Dev) Resolution() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opts.Resolution
}

// SetResolution changes the resolution the driver assumes, which determines
// the conversion delay. The device is not reprogrammed, see ProgramResolution.
func (d *Dev) SetResolution(bits int) error {
	if !validResolution(bits) {
		return ErrResolution
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opts.Resolution = bits
	return nil
}

// ReadResolution reads the resolution from the configuration register of the
// device. The DS18S20 always reports 9 bits.
func (d *Dev) ReadResolution() (int, error) {
	if d.Family() == DS18S20 {
		return 9, nil
	}
	spad, err := d.readScratchpad()
	if err != nil {
		return 0, err
	}
	return int(spad[4]>>5&3) + 9, nil
}

// ProgramResolution writes the resolution in the configuration register of
// the device and copies it to EEPROM, keeping the alarm thresholds.
func (d *Dev) ProgramResolution(bits int) error {
	if !validResolution(bits) {
		return ErrResolution
	}
	if d.Family() == DS18S20 {
		return ErrUnsupported
	}
	spad, err := d.readScratchpad()
	if err != nil {
		return err
	}
	cfg := byte(bits-9)<<5 | 0x1F
	if err := d.bus.Select(d.addr, func(dev *owmaster.Device) error {
		return dev.WriteBlock(cmdWriteScratchpad, []byte{spad[2], spad[3], cfg})
	}); err != nil {
		return err
	}
	if err := d.bus.Select(d.addr, func(dev *owmaster.Device) error {
		if err := dev.Command(cmdCopyScratchpad, true, d.opts.ConvertPoll); err != nil {
			return err
		}
		// Wait for the EEPROM write to complete.
		sleep(eepromWrite)
		return nil
	}); err != nil {
		return err
	}
	d.mu.Lock()
	d.opts.Resolution = bits
	d.mu.Unlock()
	return nil
}

// RecallEEPROM reloads the alarm thresholds and the configuration register
// from EEPROM.
func (d *Dev) RecallEEPROM() error {
	return d.bus.Select(d.addr, func(dev *owmaster.Device) error {
		return dev.Command(cmdRecallEEPROM, false, d.opts.ConvertPoll)
	})
}

// ParasitePowered reports whether the device draws its power from the data
// line.
func (d *Dev) ParasitePowered() (bool, error) {
	var b []byte
	err := d.bus.Select(d.addr, func(dev *owmaster.Device) error {
		var err error
		b, err = dev.ReadBlock(cmdReadPower, 1)
		return err
	})
	if err != nil {
		return false, err
	}
	return b[0]&1 == 0, nil
}

// ConversionDelay returns the duration of a conversion at the current
// resolution.
func (d *Dev) ConversionDelay() time.Duration {
	if d.Family() == DS18S20 {
		return maxConversion
	}
	return conversionDelay(d.Resolution())
}

// Halt stops a SenseContinuous in progress. Implements conn.Resource.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown != nil {
		close(d.shutdown)
		d.shutdown = nil
	}
	return nil
}

// Sense implements physic.SenseEnv.
func (d *Dev) Sense(e *physic.Env) error {
	t, err := d.Temperature()
	if err != nil {
		return err
	}
	e.Temperature = t
	return nil
}

// SenseContinuous implements physic.SenseEnv. Readings are sent on the
// returned channel every interval until Halt is called. Failed readings are
// skipped.
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan physic.Env, error) {
	if interval <= 0 {
		return nil, errors.New("ds18x20: invalid interval")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown != nil {
		return nil, errors.New("ds18x20: SenseContinuous already running")
	}
	shutdown := make(chan struct{})
	d.shutdown = shutdown
	ch := make(chan physic.Env, 16)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer close(ch)
		for {
			select {
			case <-shutdown:
				return
			case <-ticker.C:
				e := physic.Env{}
				if err := d.Sense(&e); err != nil {
					continue
				}
				select {
				case ch <- e:
				case <-shutdown:
					return
				}
			}
		}
	}()
	return ch, nil
}

// Precision implements physic.SenseEnv. It is the temperature step at the
// configured resolution. The DS18S20 reports 0.5K until a scratchpad showed
// that it supports extended resolution.
func (d *Dev) Precision(e *physic.Env) {
	d.mu.Lock()
	defer d.mu.Unlock()
	bits := d.opts.Resolution
	if d.Family() == DS18S20 {
		bits = 9
		if d.extended {
			bits = 12
		}
	}
	e.Temperature = physic.Kelvin / physic.Temperature(int64(1)<<uint(bits-8))
}

//

// read returns the cached reading or performs a new one.
func (d *Dev) read() (int16, error) {
	d.ioMu.Lock()
	defer d.ioMu.Unlock()
	if d.cached && now().Sub(d.stamp) < d.opts.RefreshTimeout {
		return d.raw, nil
	}
	raw, err := d.measure()
	d.state.Store(int32(Idle))
	if err != nil {
		return 0, err
	}
	d.raw = raw
	d.stamp = now()
	d.cached = true
	return raw, nil
}

// measure converts then reads the scratchpad. d.ioMu must be held.
func (d *Dev) measure() (int16, error) {
	delay := maxConversion
	if d.Family() != DS18S20 {
		delay = conversionDelay(d.Resolution())
	}
	d.state.Store(int32(ConversionInProgress))
	if err := d.bus.Select(d.addr, func(dev *owmaster.Device) error {
		return convert(dev, delay, d.opts.ConvertPoll)
	}); err != nil {
		return 0, err
	}
	d.state.Store(int32(ConversionComplete))
	spad, err := d.readScratchpad()
	if err != nil {
		return 0, err
	}
	d.noteScratchpad(spad)
	return d.decode(spad), nil
}

// noteScratchpad records whether a DS18S20 supports extended resolution.
func (d *Dev) noteScratchpad(spad []byte) {
	if d.Family() != DS18S20 {
		return
	}
	d.mu.Lock()
	d.extended = spad[7] != 0
	d.mu.Unlock()
}

// convert starts a conversion with the strong pull-up on and waits for it.
func convert(dev *owmaster.Device, delay time.Duration, p owmaster.Poll) error {
	dev.WriteCommand(cmdConvertT)
	dev.WriteControl(owmaster.BusExecPullup)
	sleep(delay)
	if _, ok := dev.Wait(owmaster.StatusCommandDone, p); !ok {
		return ErrConversion
	}
	return nil
}

// readScratchpad reads the 9 bytes of scratchpad.
func (d *Dev) readScratchpad() ([]byte, error) {
	var spad []byte
	err := d.bus.Select(d.addr, func(dev *owmaster.Device) error {
		var err error
		spad, err = dev.ReadBlock(cmdReadScratchpad, 9)
		return err
	})
	if errors.Is(err, owmaster.ErrReadTimeout) {
		return nil, ErrScratchpadRead
	}
	if err != nil {
		return nil, err
	}
	if d.opts.CheckCRC && !onewire.CheckCRC(spad) {
		for _, s := range spad {
			if s != 0xFF {
				return nil, ErrScratchpadCRC
			}
		}
		// Nobody pulled the bus low.
		return nil, ErrScratchpadRead
	}
	return spad, nil
}

// decode returns the temperature in 1/16°C.
func (d *Dev) decode(spad []byte) int16 {
	// spad[1] is MSB and spad[0] is LSB of the raw temperature value
	raw := int16(spad[1])<<8 | int16(spad[0])
	if d.Family() != DS18S20 {
		return raw
	}
	if spad[7] == 0 {
		// 1/2°C resolution.
		return raw << 3
	}
	// TEMPERATURE = TEMP_READ - 0.25 + (COUNT_PER_C - COUNT_REMAIN) / COUNT_PER_C
	// with COUNT_PER_C = spad[7] = 16 and COUNT_REMAIN = spad[6].
	return (raw&^1)<<3 + 12 - int16(spad[6])
}

// CelsiusFromRaw converts the value of the temperature register of a DS18B20
// or DS1822 to °C, rounded to 3 decimals.
func CelsiusFromRaw(raw uint16) float64 {
	return round3(float64(int16(raw)) / 16)
}

// FahrenheitFromCelsius converts °C to °F, rounded to 3 decimals.
func FahrenheitFromCelsius(c float64) float64 {
	return round3(c*9/5 + 32)
}

// CelsiusFromFahrenheit converts °F to °C, rounded to 3 decimals.
func CelsiusFromFahrenheit(f float64) float64 {
	return round3((f - 32) * 5 / 9)
}

func toTemperature(raw int16) physic.Temperature {
	return physic.Temperature(raw)*physic.Kelvin/16 + physic.ZeroCelsius
}

// round3 rounds half to even, so 25.0625 gives 25.062.
func round3(x float64) float64 {
	return math.RoundToEven(x*1000) / 1000
}

func validResolution(bits int) bool {
	return bits >= 9 && bits <= 12
}

// conversionDelay returns the conversion time at the given resolution:
// 9bits:93.75ms, 10bits:187.5ms, 11bits:375ms, 12bits:750ms, datasheet p.3.
func conversionDelay(bits int) time.Duration {
	return maxConversion >> uint(12-bits)
}

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

var (
	sleep = time.Sleep
	now   = time.Now
)

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
