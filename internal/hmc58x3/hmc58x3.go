// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package hmc58x3 drives the Honeywell HMC5843 and HMC5883L three-axis
// magnetometers over I²C and implements their self-test calibration.
//
// The driver is synchronous. A Dev must not be used from more than one
// goroutine at a time; callers that share a device serialize access themselves.
package hmc58x3

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/i2c"
)

const (
	powerOnDelay = 5 * time.Millisecond
	modeSettle   = 100 * time.Millisecond
)

// Mode is the operating mode written to the mode register.
type Mode byte

const (
	ModeContinuous Mode = 0
	ModeSingle     Mode = 1
	ModeIdle       Mode = 2
)

// Gain selects the sensor amplification (0..7). See the datasheet gain table.
type Gain byte

// MaxGain is the largest accepted gain setting. The datasheet warns against
// using it but the part accepts it.
const MaxGain Gain = 7

// Bias selects the self-test strap current applied through configuration A.
type Bias byte

const (
	BiasNormal   Bias = biasNormal
	BiasPositive Bias = biasPositive
	BiasNegative Bias = biasNegative
)

func (b Bias) String() string {
	switch b {
	case BiasNormal:
		return "normal"
	case BiasPositive:
		return "positive"
	case BiasNegative:
		return "negative"
	default:
		return fmt.Sprintf("Bias(%d)", byte(b))
	}
}

// Counts is one raw measurement in signed sensor counts.
type Counts struct {
	X int16 `json:"x"`
	Y int16 `json:"y"`
	Z int16 `json:"z"`
}

func (c Counts) String() string {
	return fmt.Sprintf("X:%d Y:%d Z:%d", c.X, c.Y, c.Z)
}

func (c Counts) min() int16 {
	return min(c.X, c.Y, c.Z)
}

// Vector is a three-axis floating point value: a calibrated sample or a set
// of per-axis scale factors.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Opts holds initialization options.
type Opts struct {
	Addr    uint16
	Variant Variant

	// Logger receives self-test diagnostics. Defaults to the logrus standard logger.
	Logger logrus.FieldLogger

	// Sleep replaces time.Sleep for the power-on and mode settle delays.
	Sleep func(time.Duration)
}

// DefaultOpts is the configuration of the usual HMC5883L breakout.
var DefaultOpts = Opts{
	Addr:    DefaultAddr,
	Variant: HMC5883L,
}

// Dev is a handle to one HMC58X3 on an I²C bus.
//
// The per-axis scale factors start at 1.0 and are replaced only by a
// successful Calibrate or by CalibrateLegacy.
type Dev struct {
	d      i2c.Dev
	layout Layout
	log    logrus.FieldLogger

	scale      Vector
	maxima     Vector
	haveMaxima bool

	sleep func(time.Duration)
}

// New returns a device bound to bus. It does not touch the hardware; call
// Init to apply the power-on configuration.
func New(bus i2c.Bus, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	layout, err := LayoutFor(opts.Variant)
	if err != nil {
		return nil, err
	}
	addr := opts.Addr
	if addr == 0 {
		addr = DefaultAddr
	}
	var logger logrus.FieldLogger = logrus.StandardLogger()
	if opts.Logger != nil {
		logger = opts.Logger
	}
	sleep := time.Sleep
	if opts.Sleep != nil {
		sleep = opts.Sleep
	}
	return &Dev{
		d:      i2c.Dev{Bus: bus, Addr: addr},
		layout: layout,
		log:    logger.WithField("device", layout.Variant.String()),
		scale:  Vector{X: 1, Y: 1, Z: 1},
		sleep:  sleep,
	}, nil
}

func (d *Dev) String() string {
	return fmt.Sprintf("%s{addr:0x%02X}", d.layout.Variant, d.d.Addr)
}

// Layout returns the variant table the device was built with.
func (d *Dev) Layout() Layout {
	return d.layout
}

// Init waits out the power-on delay, optionally selects continuous mode and
// writes the default configuration (8x averaging at 75 Hz, gain 5, continuous).
func (d *Dev) Init(setMode bool) error {
	d.sleep(powerOnDelay)
	if setMode {
		if err := d.SetMode(ModeContinuous); err != nil {
			return err
		}
	}
	if err := d.writeReg(RegConfigA, initConfigA); err != nil {
		return err
	}
	if err := d.writeReg(RegConfigB, initConfigB); err != nil {
		return err
	}
	return d.writeReg(RegMode, initMode)
}

// SetMode writes the mode register and waits for the part to settle.
// Modes above ModeIdle are ignored.
func (d *Dev) SetMode(m Mode) error {
	if m > ModeIdle {
		return nil
	}
	if err := d.writeReg(RegMode, byte(m)); err != nil {
		return err
	}
	d.sleep(modeSettle)
	return nil
}

// SetGain writes the gain into configuration B bits 7..5. Gains above 7 are
// ignored.
//
// The first measurement after a gain change still uses the previous gain.
func (d *Dev) SetGain(g Gain) error {
	if g > MaxGain {
		return nil
	}
	return d.writeReg(RegConfigB, byte(g)<<5)
}

// SetOutputRate writes the data output rate (0..6) into configuration A bits
// 4..2. The rest of the register is cleared. Rates above 6 are ignored.
func (d *Dev) SetOutputRate(rate byte) error {
	if rate > 6 {
		return nil
	}
	return d.writeReg(RegConfigA, rate<<2)
}

// SetBias writes configuration A with the 15 Hz base rate and bias b.
func (d *Dev) SetBias(b Bias) error {
	if b > BiasNegative {
		return nil
	}
	return d.writeReg(RegConfigA, configABase|byte(b))
}

// ID reads the three identification registers. A failed read yields zeros,
// which never match ExpectedID.
func (d *Dev) ID() [3]byte {
	var id [3]byte
	if err := d.readRegs(RegIDA, id[:]); err != nil {
		d.log.WithError(err).Debug("identity read failed")
		return [3]byte{}
	}
	return id
}

// ReadRaw reads one measurement from the data output registers.
func (d *Dev) ReadRaw() (Counts, error) {
	var b [6]byte
	if err := d.readRegs(RegData, b[:]); err != nil {
		return Counts{}, err
	}
	return d.layout.decode(b[:]), nil
}

// ReadRegister reads one register.
func (d *Dev) ReadRegister(reg byte) (byte, error) {
	var b [1]byte
	if err := d.readRegs(reg, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// WriteRegister writes one register.
func (d *Dev) WriteRegister(reg, value byte) error {
	return d.writeReg(reg, value)
}

// ReadAllRegisters reads the whole register file, CRA through IRC.
func (d *Dev) ReadAllRegisters() (map[byte]byte, error) {
	var b [RegIDC + 1]byte
	if err := d.readRegs(RegConfigA, b[:]); err != nil {
		return nil, err
	}
	regs := make(map[byte]byte, len(b))
	for i, v := range b {
		regs[byte(i)] = v
	}
	return regs, nil
}

// Registers returns the register metadata of the device's variant.
func (d *Dev) Registers() []RegisterInfo {
	return d.layout.Registers()
}

func (d *Dev) writeReg(reg, value byte) error {
	if err := d.d.Tx([]byte{reg, value}, nil); err != nil {
		return fmt.Errorf("hmc58x3: write reg 0x%02X: %w", reg, err)
	}
	return nil
}

func (d *Dev) readRegs(reg byte, out []byte) error {
	if err := d.d.Tx([]byte{reg}, out); err != nil {
		return fmt.Errorf("hmc58x3: read reg 0x%02X (%d bytes): %w", reg, len(out), err)
	}
	return nil
}
