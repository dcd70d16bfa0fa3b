// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package hmc58x3

import "fmt"

// I2C register map shared by the HMC5843 and HMC5883L.
const (
	RegConfigA = 0x00
	RegConfigB = 0x01
	RegMode    = 0x02
	RegData    = 0x03 // 6-byte burst, axis order depends on Variant
	RegStatus  = 0x09
	RegIDA     = 0x0A
	RegIDB     = 0x0B
	RegIDC     = 0x0C
)

// DefaultAddr is the fixed 7-bit bus address of both parts.
const DefaultAddr = 0x1E

// Configuration A bias selector (bits 1..0).
const (
	biasNormal   = 0x00
	biasPositive = 0x01
	biasNegative = 0x02
)

const (
	// configABase is DOR=0x10 (15 Hz) with no averaging; bias bits are OR'ed in.
	configABase = 0x10

	// Power-on defaults written by Init: 8 samples averaged at 75 Hz, gain 5.
	initConfigA = 0x70
	initConfigB = 0xA0
	initMode    = 0x00

	// saturationLimit is the 12-bit negative full scale. A sample whose
	// smallest axis is at or below it is saturated.
	saturationLimit = -(1 << 12)

	selfTestLowLimit  = 243.0 / 390.0
	selfTestHighLimit = 575.0 / 390.0
)

// ExpectedID is what IDA..IDC report on both the HMC5843 and the HMC5883L.
var ExpectedID = [3]byte{'H', '4', '3'}

// Variant selects the compiled-in part. The identity registers are the same on
// both parts, so the variant must come from configuration.
type Variant int

const (
	HMC5883L Variant = iota
	HMC5843
)

func (v Variant) String() string {
	switch v {
	case HMC5883L:
		return "hmc5883l"
	case HMC5843:
		return "hmc5843"
	default:
		return fmt.Sprintf("Variant(%d)", int(v))
	}
}

// ParseVariant maps a configuration string to a Variant.
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "hmc5883l", "HMC5883L", "5883":
		return HMC5883L, nil
	case "hmc5843", "HMC5843", "5843":
		return HMC5843, nil
	}
	return 0, fmt.Errorf("hmc58x3: unknown variant %q", s)
}

// Layout is the immutable per-variant table the driver is built with.
type Layout struct {
	Variant Variant

	// ZBeforeY is true when the burst read returns X, Z, Y.
	ZBeforeY bool

	// CountsPerGauss is the self-test bias response per gain setting.
	CountsPerGauss [8]int

	// SelfTestGauss is the field imposed on each axis by the bias strap.
	SelfTestGauss [3]float64
}

var layouts = map[Variant]Layout{
	HMC5883L: {
		Variant:        HMC5883L,
		ZBeforeY:       true,
		CountsPerGauss: [8]int{1370, 1090, 820, 660, 440, 390, 330, 230},
		SelfTestGauss:  [3]float64{1.16, 1.16, 1.08},
	},
	HMC5843: {
		Variant:        HMC5843,
		ZBeforeY:       false,
		CountsPerGauss: [8]int{1620, 1300, 970, 780, 530, 460, 390, 280},
		SelfTestGauss:  [3]float64{0.55, 0.55, 0.55},
	},
}

// LayoutFor returns the register layout of v.
func LayoutFor(v Variant) (Layout, error) {
	l, ok := layouts[v]
	if !ok {
		return Layout{}, fmt.Errorf("hmc58x3: no layout for %s", v)
	}
	return l, nil
}

// decode rebuilds the three signed axes from a 6-byte burst.
func (l Layout) decode(b []byte) Counts {
	a := int16(uint16(b[0])<<8 | uint16(b[1]))
	m := int16(uint16(b[2])<<8 | uint16(b[3]))
	n := int16(uint16(b[4])<<8 | uint16(b[5]))
	if l.ZBeforeY {
		return Counts{X: a, Y: n, Z: m}
	}
	return Counts{X: a, Y: m, Z: n}
}

// Encode is the inverse of decode, for simulated buses.
func (l Layout) Encode(c Counts) [6]byte {
	var b [6]byte
	second, third := c.Y, c.Z
	if l.ZBeforeY {
		second, third = c.Z, c.Y
	}
	for i, v := range []int16{c.X, second, third} {
		b[2*i] = byte(uint16(v) >> 8)
		b[2*i+1] = byte(uint16(v))
	}
	return b
}

// BitField describes a bit range inside a register.
type BitField struct {
	Bits        string `json:"bits"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Values      string `json:"values,omitempty"`
}

// RegisterInfo is register metadata used by the debugging tools.
type RegisterInfo struct {
	Address     byte       `json:"address"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Access      string     `json:"access"` // "R", "RW"
	Default     string     `json:"default,omitempty"`
	BitFields   []BitField `json:"bit_fields,omitempty"`
}

// Registers returns the register map of the part.
func (l Layout) Registers() []RegisterInfo {
	dataOrder := "X MSB, X LSB, Y MSB, Y LSB, Z MSB, Z LSB"
	if l.ZBeforeY {
		dataOrder = "X MSB, X LSB, Z MSB, Z LSB, Y MSB, Y LSB"
	}
	regs := []RegisterInfo{
		{Address: RegConfigA, Name: "CRA", Description: "Configuration Register A", Access: "RW", Default: "0x10",
			BitFields: []BitField{
				{Bits: "6:5", Name: "MA", Description: "Samples averaged per output", Values: "0=1, 1=2, 2=4, 3=8"},
				{Bits: "4:2", Name: "DO", Description: "Data output rate", Values: "0..6"},
				{Bits: "1:0", Name: "MS", Description: "Measurement configuration", Values: "0=Normal, 1=Positive bias, 2=Negative bias"},
			}},
		{Address: RegConfigB, Name: "CRB", Description: "Configuration Register B", Access: "RW", Default: "0x20",
			BitFields: []BitField{
				{Bits: "7:5", Name: "GN", Description: "Gain", Values: "0..7"},
			}},
		{Address: RegMode, Name: "MR", Description: "Mode Register", Access: "RW", Default: "0x01",
			BitFields: []BitField{
				{Bits: "1:0", Name: "MD", Description: "Operating mode", Values: "0=Continuous, 1=Single, 2=Idle"},
			}},
		{Address: RegData, Name: "DATA", Description: "Data output burst: " + dataOrder, Access: "R"},
		{Address: RegStatus, Name: "SR", Description: "Status Register", Access: "R",
			BitFields: []BitField{
				{Bits: "1", Name: "LOCK", Description: "Data output register lock"},
				{Bits: "0", Name: "RDY", Description: "Data ready"},
			}},
		{Address: RegIDA, Name: "IRA", Description: "Identification Register A", Access: "R", Default: "'H'"},
		{Address: RegIDB, Name: "IRB", Description: "Identification Register B", Access: "R", Default: "'4'"},
		{Address: RegIDC, Name: "IRC", Description: "Identification Register C", Access: "R", Default: "'3'"},
	}
	return regs
}
