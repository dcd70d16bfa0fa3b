// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package hmc58x3

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidScale is returned by SetScale for a factor that is not a finite
// positive number.
var ErrInvalidScale = errors.New("hmc58x3: invalid scale factor")

// Scale returns the current per-axis scale factors.
func (d *Dev) Scale() Vector {
	return d.scale
}

// SetScale replaces the scale factors, typically with the result of a
// calibration run elsewhere.
func (d *Dev) SetScale(v Vector) error {
	if !ValidScale(v) {
		return fmt.Errorf("%w: %+v", ErrInvalidScale, v)
	}
	d.scale = v
	return nil
}

// ValidScale reports whether every factor of v is finite and positive.
// CalibrateLegacy can leave factors that are not.
func ValidScale(v Vector) bool {
	for _, f := range [3]float64{v.X, v.Y, v.Z} {
		if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
			return false
		}
	}
	return true
}

// Maxima returns the per-axis maxima recorded by CalibrateLegacy.
func (d *Dev) Maxima() (Vector, bool) {
	return d.maxima, d.haveMaxima
}

// ReadCalibrated reads a raw sample and divides each axis by its scale
// factor. A failed bus read is reported, never a stale buffer.
func (d *Dev) ReadCalibrated() (Vector, error) {
	c, err := d.ReadRaw()
	if err != nil {
		return Vector{}, err
	}
	return Vector{
		X: float64(c.X) / d.scale.X,
		Y: float64(c.Y) / d.scale.Y,
		Z: float64(c.Z) / d.scale.Z,
	}, nil
}

// ReadRounded is ReadCalibrated with each axis rounded by adding 0.5 and
// truncating. Negative halves therefore round up: -49.5 becomes -49.
func (d *Dev) ReadRounded() (Counts, error) {
	v, err := d.ReadCalibrated()
	if err != nil {
		return Counts{}, err
	}
	return Counts{
		X: roundHalfUp(v.X),
		Y: roundHalfUp(v.Y),
		Z: roundHalfUp(v.Z),
	}, nil
}

func roundHalfUp(f float64) int16 {
	return int16(f + 0.5)
}
