// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds18x20 reads Maxim DS18B20, DS1822 and DS18S20 temperature sensors
// attached to an ow_master 1-wire bus.
//
// Range: -55°C - 125°C
//
// Accuracy: +/- 0.5°C (DS18B20), +/- 2°C (DS1822)
//
// Resolution: 9 to 12 bits, 0.5°C to 0.0625°C
//
// Readings are cached: a reading younger than Opts.RefreshTimeout is returned
// without touching the bus.
//
// # Datasheets
//
// https://datasheets.maximintegrated.com/en/ds/DS18B20.pdf
//
// https://datasheets.maximintegrated.com/en/ds/DS18S20.pdf
package ds18x20
