// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package mag

import (
	"math"
	"time"
)

// Sample represents a single magnetometer reading as published over MQTT.
type Sample struct {
	Source string `json:"source"` // variant name, e.g. "hmc5883l"

	RawX int16 `json:"raw_x"` // counts
	RawY int16 `json:"raw_y"`
	RawZ int16 `json:"raw_z"`

	X float64 `json:"x"` // counts divided by the per-axis scale
	Y float64 `json:"y"`
	Z float64 `json:"z"`

	Norm float64 `json:"norm"`
	Time string  `json:"time"` // RFC3339
}

// NewSample fills the derived fields of a sample.
func NewSample(source string, raw [3]int16, scale [3]float64, at time.Time) Sample {
	s := Sample{
		Source: source,
		RawX:   raw[0],
		RawY:   raw[1],
		RawZ:   raw[2],
		X:      float64(raw[0]) / scale[0],
		Y:      float64(raw[1]) / scale[1],
		Z:      float64(raw[2]) / scale[2],
		Time:   at.UTC().Format(time.RFC3339),
	}
	s.Norm = math.Sqrt(s.X*s.X + s.Y*s.Y + s.Z*s.Z)
	return s
}

// Calibration is the calibration report published on the calibration topic.
type Calibration struct {
	Source    string     `json:"source"`
	Method    string     `json:"method"` // "self_test" or "legacy"
	Reason    string     `json:"reason"`
	OK        bool       `json:"ok"`
	Error     string     `json:"error,omitempty"`
	Gain      int        `json:"gain"`
	Samples   int        `json:"samples"`
	Totals    [3]int32   `json:"totals"`
	LowLimit  int32      `json:"low_limit"`
	HighLimit int32      `json:"high_limit"`
	Scale     [3]float64 `json:"scale"`
	Time      string     `json:"time"`
}

// SampleSource yields magnetometer samples.
type SampleSource interface {
	Next() (Sample, error)
}
