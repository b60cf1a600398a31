// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package owdevices is a container for the drivers of an FPGA hosted 1-wire
// master and the devices found on its bus.
//
// The ow_master core is reached through memory mapped registers (see package
// mmio), the bus protocol lives in package owmaster and sensors such as the
// DS18B20 are implemented on top of it.
package owdevices
