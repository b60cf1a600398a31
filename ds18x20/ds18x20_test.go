// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds18x20

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"

	"github.com/GermanBionicSystems/owdevices/mmio/mmiotest"
	"github.com/GermanBionicSystems/owdevices/owmaster"
	"github.com/GermanBionicSystems/owdevices/owmaster/owmastertest"
)

// recorder replaces sleep and now for the duration of the test. The clock
// only moves when advanced.
type recorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
	t      time.Time
}

func stub(t *testing.T) *recorder {
	r := &recorder{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	sleep = func(d time.Duration) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.sleeps = append(r.sleeps, d)
	}
	now = func() time.Time {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.t
	}
	t.Cleanup(func() {
		sleep = time.Sleep
		now = time.Now
	})
	return r
}

func (r *recorder) advance(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.t = r.t.Add(d)
}

func (r *recorder) slept() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.sleeps...)
}

func fastBusOpts() *owmaster.Opts {
	o := owmaster.DefaultOpts
	for _, p := range []*owmaster.Poll{&o.ResetPoll, &o.SearchPoll, &o.WritePoll, &o.ReadPoll, &o.CommandPoll} {
		p.Interval = 0
	}
	return &o
}

func newTestBus(t *testing.T, devices ...*owmastertest.Device) (*owmaster.Bus, *owmastertest.Sim) {
	s := &owmastertest.Sim{Latency: 1, Devices: devices}
	b, err := owmaster.New(s, fastBusOpts())
	if err != nil {
		t.Fatal(err)
	}
	return b, s
}

func newTestDev(t *testing.T, raw uint16, opts *Opts) (*Dev, *owmastertest.Sim) {
	a := owmastertest.MakeAddress(0x28, 0x0000060719f5)
	b, s := newTestBus(t, owmastertest.NewDevice(a, raw))
	d, err := New(b, a, opts)
	if err != nil {
		t.Fatal(err)
	}
	return d, s
}

func TestCelsiusFromRaw(t *testing.T) {
	for _, test := range []struct {
		raw  uint16
		want float64
	}{
		{0x07D0, 125},
		{0x0550, 85},
		{0x0191, 25.062},
		{0x00A2, 10.125},
		{0x0008, 0.5},
		{0x0000, 0},
		{0xFFF8, -0.5},
		{0xFF5E, -10.125},
		{0xFE6F, -25.062},
		{0xFC90, -55},
	} {
		if got := CelsiusFromRaw(test.raw); got != test.want {
			t.Errorf("%#04x: want %g, got %g", test.raw, test.want, got)
		}
	}
}

func TestFahrenheit(t *testing.T) {
	for _, test := range []struct {
		c, f float64
	}{
		{100, 212},
		{0, 32},
		{-40, -40},
		{37, 98.6},
		{-10.125, 13.775},
	} {
		if got := FahrenheitFromCelsius(test.c); got != test.f {
			t.Errorf("%g°C: want %g°F, got %g°F", test.c, test.f, got)
		}
		if got := CelsiusFromFahrenheit(test.f); got != test.c {
			t.Errorf("%g°F: want %g°C, got %g°C", test.f, test.c, got)
		}
	}
}

func TestNew(t *testing.T) {
	b, s := newTestBus(t, owmastertest.NewDevice(owmastertest.MakeAddress(0x28, 1), 0))
	a := owmastertest.MakeAddress(0x28, 1)
	for _, bits := range []int{0, 8, 13} {
		if d, err := New(b, a, &Opts{Resolution: bits}); d != nil || err != ErrResolution {
			t.Fatalf("%d bits: %v", bits, err)
		}
	}
	if _, err := New(nil, a, nil); err == nil {
		t.Fatal("nil bus")
	}
	if _, err := New(b, owmastertest.MakeAddress(0x01, 1), nil); err == nil {
		t.Fatal("DS2401 is not a temperature sensor")
	}
	d, err := New(b, a, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.Resets() != 0 {
		t.Fatal("New must not touch the bus")
	}
	if d.Resolution() != 12 || d.State() != Idle || d.Family() != DS18B20 || d.Address() != a {
		t.Fatal("unexpected initial state")
	}
	if got, want := d.String(), "DS18B20{"+a.String()+"}"; got != want {
		t.Fatalf("want %q, got %q", want, got)
	}
}

func TestTemperature(t *testing.T) {
	r := stub(t)
	d, s := newTestDev(t, 0x0191, nil)
	temp, err := d.Temperature()
	if err != nil {
		t.Fatal(err)
	}
	if want := 25*physic.Celsius + 62500*physic.MicroKelvin + physic.ZeroCelsius; temp != want {
		t.Fatalf("want %s, got %s", want, temp)
	}
	if diff := cmp.Diff([]time.Duration{750 * time.Millisecond}, r.slept()); diff != "" {
		t.Fatalf("conversion delay (-want +got):\n%s", diff)
	}
	if s.Count(cmdConvertT) != 1 || s.Count(cmdReadScratchpad) != 1 {
		t.Fatal("one conversion and one scratchpad read expected")
	}
	// Convert and read are two transactions.
	if s.Resets() != 2 || s.Count(owmaster.CmdMatchROM) != 2 {
		t.Fatalf("resets %d", s.Resets())
	}
	if d.State() != Idle {
		t.Fatal(d.State())
	}
	c, err := d.Celsius()
	if err != nil || c != 25.062 {
		t.Fatalf("%g %v", c, err)
	}
	f, err := d.Fahrenheit()
	if err != nil || f != 77.112 {
		t.Fatalf("%g %v", f, err)
	}
}

func TestTemperature_cache(t *testing.T) {
	r := stub(t)
	d, s := newTestDev(t, 0xFF5E, nil)
	for i := 0; i < 3; i++ {
		c, err := d.Celsius()
		if err != nil {
			t.Fatal(err)
		}
		if c != -10.125 {
			t.Fatal(c)
		}
		r.advance(time.Second)
	}
	if n := s.Count(cmdConvertT); n != 1 {
		t.Fatalf("cached reading must not convert, %d conversions", n)
	}
	r.advance(3 * time.Second)
	s.Devices[0].Raw = 0x0550
	c, err := d.Celsius()
	if err != nil {
		t.Fatal(err)
	}
	if c != 85 {
		t.Fatal(c)
	}
	if n := s.Count(cmdConvertT); n != 2 {
		t.Fatalf("stale reading must be refreshed, %d conversions", n)
	}
}

func TestTemperature_resolution(t *testing.T) {
	r := stub(t)
	d, s := newTestDev(t, 0x0197, &Opts{Resolution: 10, RefreshTimeout: time.Second})
	s.Devices[0].Config = 0x3F
	c, err := d.Celsius()
	if err != nil {
		t.Fatal(err)
	}
	if c != 25.25 {
		t.Fatalf("10 bit reading: %g", c)
	}
	if diff := cmp.Diff([]time.Duration{187500 * time.Microsecond}, r.slept()); diff != "" {
		t.Fatalf("conversion delay (-want +got):\n%s", diff)
	}
	if d.ConversionDelay() != 187500*time.Microsecond {
		t.Fatal(d.ConversionDelay())
	}
}

func TestTemperature_conversionTimeout(t *testing.T) {
	r := stub(t)
	opts := DefaultOpts
	opts.ConvertPoll.Interval = 0
	d, s := newTestDev(t, 0x0191, &opts)
	if _, err := d.Celsius(); err != nil {
		t.Fatal(err)
	}
	r.advance(time.Minute)
	s.Hang = map[byte]bool{cmdConvertT: true}
	s.Reset()
	_, err := d.Temperature()
	if err != ErrConversion {
		t.Fatalf("want ErrConversion, got %v", err)
	}
	var be onewire.BusError
	if !errors.As(err, &be) {
		t.Fatal("must implement onewire.BusError")
	}
	// Reset and match ROM each take Latency+1 reads, then the poll is bounded.
	if n, want := s.Reads(owmaster.RegStatus), 4+opts.ConvertPoll.Attempts; n != want {
		t.Fatalf("want %d status reads, got %d", want, n)
	}
	if got := r.slept(); got[len(got)-1] != 750*time.Millisecond {
		t.Fatalf("the conversion delay must precede the poll: %v", got)
	}
	if s.Count(cmdReadScratchpad) != 1 {
		t.Fatal("the scratchpad must not be read after a failed conversion")
	}
	if d.State() != Idle {
		t.Fatal(d.State())
	}
	if !d.cached || d.raw != 0x0191 {
		t.Fatalf("cache changed: %t %#x", d.cached, d.raw)
	}
}

// A stub that never sets any status bit.
func TestTemperature_deadCore(t *testing.T) {
	stub(t)
	a := owmastertest.MakeAddress(0x28, 1)
	m := &mmiotest.Mem{}
	b, err := owmaster.New(m, fastBusOpts())
	if err != nil {
		t.Fatal(err)
	}
	d, err := New(b, a, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Temperature(); err != owmaster.ErrNoPresence {
		t.Fatalf("want ErrNoPresence, got %v", err)
	}
	if n := m.Reads(owmaster.RegStatus); n != owmaster.DefaultOpts.ResetPoll.Attempts {
		t.Fatalf("polling must be bounded, %d status reads", n)
	}
}

func TestTemperature_readTimeout(t *testing.T) {
	stub(t)
	d, s := newTestDev(t, 0x0191, nil)
	s.Hang = map[byte]bool{cmdReadScratchpad: true}
	if _, err := d.Celsius(); err != ErrScratchpadRead {
		t.Fatalf("want ErrScratchpadRead, got %v", err)
	}
	if d.cached {
		t.Fatal("failed reading cached")
	}
}

func TestTemperature_CRC(t *testing.T) {
	stub(t)
	d, s := newTestDev(t, 0x0191, &Opts{Resolution: 12, CheckCRC: true})
	s.Devices[0].BadCRC = true
	if _, err := d.Celsius(); err != ErrScratchpadCRC {
		t.Fatalf("want ErrScratchpadCRC, got %v", err)
	}
	// Without checking, the reading goes through.
	d.opts.CheckCRC = false
	if c, err := d.Celsius(); err != nil || c != 25.062 {
		t.Fatalf("%g %v", c, err)
	}
}

func TestTemperature_DS18S20(t *testing.T) {
	r := stub(t)
	a := owmastertest.MakeAddress(0x10, 0x000801b5e8c2)
	b, _ := newTestBus(t, owmastertest.NewDevice(a, 0x0032))
	d, err := New(b, a, &Opts{Resolution: 9})
	if err != nil {
		t.Fatal(err)
	}
	c, err := d.Celsius()
	if err != nil {
		t.Fatal(err)
	}
	if c != 25 {
		t.Fatal(c)
	}
	if diff := cmp.Diff([]time.Duration{750 * time.Millisecond}, r.slept()); diff != "" {
		t.Fatalf("DS18S20 always converts in 750ms (-want +got):\n%s", diff)
	}
	if bits, err := d.ReadResolution(); err != nil || bits != 9 {
		t.Fatalf("%d %v", bits, err)
	}
	if err := d.ProgramResolution(12); err != ErrUnsupported {
		t.Fatalf("want ErrUnsupported, got %v", err)
	}
}

func TestDecode(t *testing.T) {
	for _, test := range []struct {
		name   string
		family byte
		spad   []byte
		want   int16
	}{
		{"DS18B20 30°C", 0x28, []byte{0xe0, 0x1, 0x0, 0x0, 0x3f, 0xff, 0x10, 0x10, 0x3f}, 30 * 16},
		{"DS18S20 high resolution", 0x10, []byte{0x32, 0x00, 0x4B, 0x46, 0xFF, 0xFF, 0x07, 0x10, 0x00}, 25*16 + 5},
		{"DS18S20 half degrees", 0x10, []byte{0x33, 0x00, 0x4B, 0x46, 0xFF, 0xFF, 0x0C, 0x00, 0x00}, 25*16 + 8},
		{"DS18S20 negative", 0x10, []byte{0xCE, 0xFF, 0x4B, 0x46, 0xFF, 0xFF, 0x0C, 0x10, 0x00}, -25 * 16},
	} {
		t.Run(test.name, func(t *testing.T) {
			d := &Dev{addr: owmaster.Address(test.family)}
			if got := d.decode(test.spad); got != test.want {
				t.Fatalf("want %d, got %d", test.want, got)
			}
		})
	}
}

func TestLastTemp(t *testing.T) {
	stub(t)
	a1 := owmastertest.MakeAddress(0x28, 1)
	a2 := owmastertest.MakeAddress(0x22, 2)
	b, s := newTestBus(t, owmastertest.NewDevice(a1, 0x0191), owmastertest.NewDevice(a2, 0xFF5E))
	d1, err := New(b, a1, nil)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := New(b, a2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d1.LastTemp(); err != ErrNotConverted {
		t.Fatalf("want ErrNotConverted, got %v", err)
	}
	if err := ConvertAll(b, 13, nil); err != ErrResolution {
		t.Fatal(err)
	}
	if err := ConvertAll(b, 12, nil); err != nil {
		t.Fatal(err)
	}
	if s.Count(cmdConvertT) != 1 || s.Count(owmaster.CmdSkipROM) != 1 {
		t.Fatal("a single broadcast conversion expected")
	}
	t1, err := d1.LastTemp()
	if err != nil {
		t.Fatal(err)
	}
	t2, err := d2.LastTemp()
	if err != nil {
		t.Fatal(err)
	}
	if t1 != toTemperature(0x0191) || t2 != toTemperature(-162) {
		t.Fatalf("%s %s", t1, t2)
	}
}

func TestResolution(t *testing.T) {
	r := stub(t)
	d, s := newTestDev(t, 0x0191, nil)
	if err := d.SetResolution(8); err != ErrResolution {
		t.Fatal(err)
	}
	if err := d.SetResolution(11); err != nil {
		t.Fatal(err)
	}
	if d.Resolution() != 11 || d.ConversionDelay() != 375*time.Millisecond {
		t.Fatal("advisory resolution not applied")
	}
	// The device itself is unchanged.
	if bits, err := d.ReadResolution(); err != nil || bits != 12 {
		t.Fatalf("%d %v", bits, err)
	}

	if err := d.ProgramResolution(7); err != ErrResolution {
		t.Fatal(err)
	}
	s.Devices[0].TH, s.Devices[0].TL = 0x19, 0x05
	if err := d.ProgramResolution(9); err != nil {
		t.Fatal(err)
	}
	if bits, err := d.ReadResolution(); err != nil || bits != 9 {
		t.Fatalf("%d %v", bits, err)
	}
	if d.Resolution() != 9 {
		t.Fatal(d.Resolution())
	}
	x := s.Devices[0]
	if x.TH != 0x19 || x.TL != 0x05 {
		t.Fatalf("alarm thresholds lost: %x %x", x.TH, x.TL)
	}
	if s.Count(cmdCopyScratchpad) != 1 {
		t.Fatal("the configuration must be copied to EEPROM")
	}
	if got := r.slept(); len(got) == 0 || got[len(got)-1] != 10*time.Millisecond {
		t.Fatalf("EEPROM write delay: %v", got)
	}
	// The EEPROM now holds 9 bits.
	x.Config = 0x7F
	if err := d.RecallEEPROM(); err != nil {
		t.Fatal(err)
	}
	if x.Config != 0x1F {
		t.Fatalf("recalled config %#x", x.Config)
	}
}

func TestParasitePowered(t *testing.T) {
	stub(t)
	d, s := newTestDev(t, 0, nil)
	if p, err := d.ParasitePowered(); err != nil || p {
		t.Fatalf("%t %v", p, err)
	}
	s.Devices[0].Parasite = true
	if p, err := d.ParasitePowered(); err != nil || !p {
		t.Fatalf("%t %v", p, err)
	}
}

func TestDiscover(t *testing.T) {
	b, _ := newTestBus(t,
		owmastertest.NewDevice(owmastertest.MakeAddress(0x28, 1), 0),
		owmastertest.NewDevice(owmastertest.MakeAddress(0x01, 2), 0),
		owmastertest.NewDevice(owmastertest.MakeAddress(0x10, 3), 0),
		owmastertest.NewDevice(owmastertest.MakeAddress(0x22, 4), 0),
	)
	devs, err := Discover(b, nil)
	if err != nil {
		t.Fatal(err)
	}
	var got []Family
	for _, d := range devs {
		got = append(got, d.Family())
	}
	if diff := cmp.Diff([]Family{DS18B20, DS18S20, DS1822}, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	if _, err := Discover(b, &Opts{Resolution: 4}); err != ErrResolution {
		t.Fatal(err)
	}
}

func TestSenseContinuous(t *testing.T) {
	stub(t)
	d, _ := newTestDev(t, 0x0191, &Opts{Resolution: 12})
	if _, err := d.SenseContinuous(0); err == nil {
		t.Fatal("invalid interval")
	}
	ch, err := d.SenseContinuous(time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.SenseContinuous(time.Millisecond); err == nil {
		t.Fatal("already running")
	}
	want := toTemperature(0x0191)
	for i := 0; i < 2; i++ {
		if e := <-ch; e.Temperature != want {
			t.Fatalf("want %s, got %s", want, e.Temperature)
		}
	}
	if err := d.Halt(); err != nil {
		t.Fatal(err)
	}
	for range ch {
	}
	// It can be restarted.
	ch, err = d.SenseContinuous(time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	<-ch
	if err := d.Halt(); err != nil {
		t.Fatal(err)
	}
	for range ch {
	}
}

func TestSense(t *testing.T) {
	stub(t)
	d, _ := newTestDev(t, 0x0191, nil)
	e := physic.Env{}
	if err := d.Sense(&e); err != nil {
		t.Fatal(err)
	}
	if e.Temperature != toTemperature(0x0191) {
		t.Fatal(e.Temperature)
	}
	d.Precision(&e)
	if e.Temperature != physic.Kelvin/16 {
		t.Fatal(e.Temperature)
	}
}

func TestState_conversionInProgress(t *testing.T) {
	stub(t)
	d, _ := newTestDev(t, 0x0191, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	sleep = func(time.Duration) {
		close(started)
		<-release
	}
	done := make(chan error)
	go func() {
		_, err := d.Temperature()
		done <- err
	}()
	<-started

	// Neither State nor Resolution waits for the bus.
	got := make(chan State, 1)
	go func() {
		if d.Resolution() != 12 {
			t.Error("resolution changed")
		}
		got <- d.State()
	}()
	select {
	case s := <-got:
		if s != ConversionInProgress {
			t.Errorf("want ConversionInProgress, got %s", s)
		}
	case <-time.After(5 * time.Second):
		t.Error("State blocked during the conversion")
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if s := d.State(); s != Idle {
		t.Fatalf("want Idle, got %s", s)
	}
}

func TestConvertAll_poll(t *testing.T) {
	stub(t)
	b, s := newTestBus(t, owmastertest.NewDevice(owmastertest.MakeAddress(0x28, 1), 0x0191))
	s.Hang = map[byte]bool{cmdConvertT: true}
	opts := DefaultOpts
	opts.ConvertPoll = owmaster.Poll{Attempts: 3}
	if err := ConvertAll(b, 12, &opts); err != ErrConversion {
		t.Fatalf("want ErrConversion, got %v", err)
	}
	// Reset and skip ROM take Latency+1 reads each.
	if n := s.Reads(owmaster.RegStatus); n != 4+3 {
		t.Fatalf("want %d status reads, got %d", 4+3, n)
	}
}

func TestPrecision(t *testing.T) {
	stub(t)
	for _, test := range []struct {
		bits int
		want physic.Temperature
	}{
		{9, physic.Kelvin / 2},
		{10, physic.Kelvin / 4},
		{11, physic.Kelvin / 8},
		{12, physic.Kelvin / 16},
	} {
		d, _ := newTestDev(t, 0, &Opts{Resolution: test.bits})
		e := physic.Env{}
		d.Precision(&e)
		if e.Temperature != test.want {
			t.Errorf("%d bits: want %s, got %s", test.bits, test.want, e.Temperature)
		}
	}

	a := owmastertest.MakeAddress(0x10, 1)
	b, s := newTestBus(t, owmastertest.NewDevice(a, 0x0032))
	d, err := New(b, a, nil)
	if err != nil {
		t.Fatal(err)
	}
	e := physic.Env{}
	d.Precision(&e)
	if e.Temperature != physic.Kelvin/2 {
		t.Fatalf("DS18S20 before a reading: %s", e.Temperature)
	}
	if _, err := d.Temperature(); err != nil {
		t.Fatal(err)
	}
	d.Precision(&e)
	if e.Temperature != physic.Kelvin/16 {
		t.Fatalf("DS18S20 with COUNT_PER_C: %s", e.Temperature)
	}
	if s.Count(cmdReadScratchpad) != 1 {
		t.Fatal("Precision must not touch the bus")
	}
}

func TestStrings(t *testing.T) {
	for _, test := range []struct {
		got, want string
	}{
		{DS18S20.String(), "DS18S20"},
		{DS1822.String(), "DS1822"},
		{DS18B20.String(), "DS18B20"},
		{Family(0x01).String(), "unknown"},
		{Idle.String(), "Idle"},
		{ConversionInProgress.String(), "ConversionInProgress"},
		{ConversionComplete.String(), "ConversionComplete"},
		{State(7).String(), "State(7)"},
	} {
		if test.got != test.want {
			t.Errorf("want %q, got %q", test.want, test.got)
		}
	}
}
