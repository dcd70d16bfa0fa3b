// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/relabs-tech/hmc58x3/internal/hmc58x3"
	"periph.io/x/conn/v3/physic"
)

// 12-bit output range. Axes outside it read as the overflow value.
const (
	fullScaleMin = -2048
	fullScaleMax = 2047
	overflow     = -4096
)

// MockBus simulates one HMC58X3 on an I2C bus. It keeps a register file,
// applies the bias strap field selected in configuration A on top of an
// ambient field, and reproduces the one-measurement lag after a gain change.
type MockBus struct {
	// Ambient returns the external field in gauss. Defaults to a field slowly
	// rotating in the XY plane.
	Ambient func() [3]float64

	mu        sync.Mutex
	layout    hmc58x3.Layout
	addr      uint16
	regs      [hmc58x3.RegIDC + 1]byte
	gain      byte // gain used by the next measurement
	gainLag   bool
	start     time.Time
	dataReads int
}

// NewMockBus creates a simulated bus holding one device of variant v at the
// default address.
func NewMockBus(v hmc58x3.Variant) (*MockBus, error) {
	layout, err := hmc58x3.LayoutFor(v)
	if err != nil {
		return nil, err
	}
	m := &MockBus{
		layout: layout,
		addr:   hmc58x3.DefaultAddr,
		start:  time.Now(),
		gain:   1,
	}
	m.Ambient = m.rotatingField
	m.regs[hmc58x3.RegConfigA] = 0x10
	m.regs[hmc58x3.RegConfigB] = 0x20
	m.regs[hmc58x3.RegMode] = 0x01
	m.regs[hmc58x3.RegStatus] = 0x01
	copy(m.regs[hmc58x3.RegIDA:], hmc58x3.ExpectedID[:])
	return m, nil
}

func (m *MockBus) String() string {
	return fmt.Sprintf("mock-%s", m.layout.Variant)
}

// SetSpeed accepts any speed.
func (m *MockBus) SetSpeed(physic.Frequency) error {
	return nil
}

// Close implements i2c.BusCloser.
func (m *MockBus) Close() error {
	return nil
}

// DataReads returns how many measurements have been read so far.
func (m *MockBus) DataReads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dataReads
}

// Tx implements i2c.Bus. Register access auto-increments like the real part.
func (m *MockBus) Tx(addr uint16, w, r []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if addr != m.addr {
		return fmt.Errorf("mock: no device at 0x%02X", addr)
	}
	if len(w) == 0 {
		return fmt.Errorf("mock: empty write")
	}
	reg := int(w[0])
	if reg >= len(m.regs) {
		return fmt.Errorf("mock: register 0x%02X out of range", reg)
	}

	for i, v := range w[1:] {
		m.write(reg+i, v)
	}
	if len(r) == 0 {
		return nil
	}

	if reg+len(r) > len(m.regs) {
		return fmt.Errorf("mock: read of %d bytes at 0x%02X overruns register file", len(r), reg)
	}
	image := m.regs
	if reg <= hmc58x3.RegData && reg+len(r) > hmc58x3.RegData {
		b := m.layout.Encode(m.measure())
		copy(image[hmc58x3.RegData:], b[:])
		m.dataReads++
	}
	copy(r, image[reg:])
	return nil
}

func (m *MockBus) write(reg int, v byte) {
	if reg >= hmc58x3.RegData {
		return
	}
	m.regs[reg] = v
	if reg == hmc58x3.RegConfigB {
		m.gainLag = true
	}
}

// measure produces one measurement with the gain currently latched in the
// part, then latches the gain last written to configuration B.
func (m *MockBus) measure() hmc58x3.Counts {
	cpg := float64(m.layout.CountsPerGauss[m.gain])
	field := m.Ambient()
	sign := 0.0
	switch m.regs[hmc58x3.RegConfigA] & 0x03 {
	case 0x01:
		sign = 1
	case 0x02:
		sign = -1
	}
	var out [3]int16
	for i := range out {
		v := math.Round((field[i] + sign*m.layout.SelfTestGauss[i]) * cpg)
		if v < fullScaleMin || v > fullScaleMax {
			out[i] = overflow
			continue
		}
		out[i] = int16(v)
	}
	if m.gainLag {
		m.gain = m.regs[hmc58x3.RegConfigB] >> 5
		m.gainLag = false
	}
	return hmc58x3.Counts{X: out[0], Y: out[1], Z: out[2]}
}

func (m *MockBus) rotatingField() [3]float64 {
	a := time.Since(m.start).Seconds() * 0.2
	return [3]float64{0.25 * math.Cos(a), 0.25 * math.Sin(a), 0.4}
}
