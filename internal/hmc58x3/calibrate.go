// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package hmc58x3

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Calibration failures. The error returned by Calibrate wraps exactly one of
// these.
var (
	ErrInvalidParameters = errors.New("hmc58x3: invalid calibration parameters")
	ErrIdentityMismatch  = errors.New("hmc58x3: identity mismatch")
	ErrSaturated         = errors.New("hmc58x3: self-test saturated, increase range")
	ErrOutOfRange        = errors.New("hmc58x3: self-test response out of range")
	ErrTransport         = errors.New("hmc58x3: bus transaction failed")
)

// MaxSamples is the largest sample count Calibrate accepts. It keeps the
// int32 totals and limits from overflowing at any gain.
const MaxSamples = 1 << 16

// Reason tags the outcome of a calibration run.
type Reason int

const (
	ReasonOK Reason = iota
	ReasonInvalidParameters
	ReasonIdentityMismatch
	ReasonSaturated
	ReasonOutOfRange
	ReasonTransport
)

var reasonNames = map[Reason]string{
	ReasonOK:                "ok",
	ReasonInvalidParameters: "invalid_parameters",
	ReasonIdentityMismatch:  "identity_mismatch",
	ReasonSaturated:         "saturated",
	ReasonOutOfRange:        "out_of_range",
	ReasonTransport:         "transport",
}

func (r Reason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// MarshalText encodes the reason by name.
func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a reason name.
func (r *Reason) UnmarshalText(b []byte) error {
	for k, v := range reasonNames {
		if v == string(b) {
			*r = k
			return nil
		}
	}
	return fmt.Errorf("hmc58x3: unknown calibration reason %q", b)
}

func (r Reason) sentinel() error {
	switch r {
	case ReasonInvalidParameters:
		return ErrInvalidParameters
	case ReasonIdentityMismatch:
		return ErrIdentityMismatch
	case ReasonSaturated:
		return ErrSaturated
	case ReasonOutOfRange:
		return ErrOutOfRange
	case ReasonTransport:
		return ErrTransport
	}
	return nil
}

// CalibrationResult describes one self-test calibration run.
//
// Totals are the positive-bias sums minus the negative-bias sums. Scale is
// only set when Reason is ReasonOK.
type CalibrationResult struct {
	Reason        Reason   `json:"reason"`
	Gain          Gain     `json:"gain"`
	Samples       int      `json:"samples"`
	ID            string   `json:"id,omitempty"`
	PositiveReads int      `json:"positive_reads"`
	NegativeReads int      `json:"negative_reads"`
	Totals        [3]int32 `json:"totals"`
	LowLimit      int32    `json:"low_limit"`
	HighLimit     int32    `json:"high_limit"`
	Scale         Vector   `json:"scale"`
}

// OK reports whether the run produced new scale factors.
func (r *CalibrationResult) OK() bool {
	return r.Reason == ReasonOK
}

func (r *CalibrationResult) fail(reason Reason, cause error) (*CalibrationResult, error) {
	r.Reason = reason
	if cause != nil {
		return r, fmt.Errorf("%w: %w", reason.sentinel(), cause)
	}
	return r, reason.sentinel()
}

// Calibrate runs the self-test protocol and derives per-axis scale factors.
//
// The bias strap imposes a known field on every axis. samples measurements
// are summed under positive bias, then subtracted under negative bias, and the
// total is compared against the expected bracket for gain. On success the
// device scale factors are replaced; on any failure they are left as they
// were. Configuration A is restored to normal bias once the identity check
// has passed, whatever the outcome.
//
// A saturated positive phase does not skip the negative phase. Both phases
// run before the result is reported.
//
// samples must be in 1..MaxSamples.
func (d *Dev) Calibrate(gain Gain, samples int) (*CalibrationResult, error) {
	res := &CalibrationResult{Gain: gain, Samples: samples}
	if gain > MaxGain || samples <= 0 || samples > MaxSamples {
		d.log.WithFields(logrus.Fields{"gain": gain, "samples": samples}).Warn("self-test: bad parameters")
		return res.fail(ReasonInvalidParameters, nil)
	}

	id := d.ID()
	res.ID = string(id[:])
	if id != ExpectedID {
		d.log.WithField("id", fmt.Sprintf("%q", id[:])).Warnf("self-test: %s failed id check", d.layout.Variant)
		return res.fail(ReasonIdentityMismatch, nil)
	}

	saturated, err := d.selfTest(gain, samples, res)
	if rerr := d.SetBias(BiasNormal); rerr != nil && err == nil {
		err = rerr
	}
	if err != nil {
		d.log.WithError(err).Warn("self-test: aborted")
		return res.fail(ReasonTransport, err)
	}

	cpg := d.layout.CountsPerGauss[gain]
	res.LowLimit = int32(selfTestLowLimit * float64(cpg) * 2 * float64(samples))
	res.HighLimit = int32(selfTestHighLimit * float64(cpg) * 2 * float64(samples))
	d.log.WithFields(logrus.Fields{
		"totals": res.Totals,
		"low":    res.LowLimit,
		"high":   res.HighLimit,
	}).Debug("self-test: limits")

	if saturated {
		return res.fail(ReasonSaturated, nil)
	}
	for _, t := range res.Totals {
		if t < res.LowLimit || t > res.HighLimit {
			d.log.WithField("totals", res.Totals).Warn("self-test: out of range")
			return res.fail(ReasonOutOfRange, nil)
		}
	}

	// The factor of 2 is the positive plus the negative phase. The mean is
	// truncated to whole counts before use.
	n := int32(samples)
	g := d.layout.SelfTestGauss
	res.Scale = Vector{
		X: float64(cpg) * (g[0] * 2) / float64(res.Totals[0]/n),
		Y: float64(cpg) * (g[1] * 2) / float64(res.Totals[1]/n),
		Z: float64(cpg) * (g[2] * 2) / float64(res.Totals[2]/n),
	}
	d.scale = res.Scale
	d.log.WithField("scale", res.Scale).Info("self-test: calibrated")
	return res, nil
}

// selfTest runs both bias phases and accumulates into res. It stops only on
// a bus error; saturation of one phase still lets the other phase run.
func (d *Dev) selfTest(gain Gain, samples int, res *CalibrationResult) (bool, error) {
	if err := d.SetBias(BiasPositive); err != nil {
		return false, err
	}
	if err := d.SetGain(gain); err != nil {
		return false, err
	}
	if err := d.SetMode(ModeSingle); err != nil {
		return false, err
	}
	// This reading may still use the previous gain.
	if _, err := d.ReadRaw(); err != nil {
		return false, err
	}

	posSat, err := d.accumulate(BiasPositive, samples, res, &res.PositiveReads)
	if err != nil {
		return posSat, err
	}
	d.log.WithField("totals", res.Totals).Debug("self-test: positive bias done")

	if err := d.SetBias(BiasNegative); err != nil {
		return posSat, err
	}
	negSat, err := d.accumulate(BiasNegative, samples, res, &res.NegativeReads)
	if err != nil {
		return posSat || negSat, err
	}
	d.log.WithField("totals", res.Totals).Debug("self-test: negative bias done")
	return posSat || negSat, nil
}

// accumulate takes up to samples single measurements under bias b, adding
// them to the totals for positive bias and subtracting them for negative.
// It returns early with true on the first saturated measurement.
func (d *Dev) accumulate(b Bias, samples int, res *CalibrationResult, reads *int) (bool, error) {
	sign := int32(1)
	if b == BiasNegative {
		sign = -1
	}
	for i := 0; i < samples; i++ {
		if err := d.SetMode(ModeSingle); err != nil {
			return false, err
		}
		c, err := d.ReadRaw()
		if err != nil {
			return false, err
		}
		*reads++
		d.log.WithFields(logrus.Fields{"bias": b, "sample": c}).Debug("self-test: sample")
		res.Totals[0] += sign * int32(c.X)
		res.Totals[1] += sign * int32(c.Y)
		res.Totals[2] += sign * int32(c.Z)
		if c.min() <= saturationLimit {
			d.log.WithFields(logrus.Fields{"bias": b, "sample": c}).Warn("self-test: saturated, increase range")
			return true, nil
		}
	}
	return false, nil
}

// LegacySamples is the fixed number of readings taken by CalibrateLegacy.
const LegacySamples = 10

// CalibrateLegacy is the older max-based calibration used by earlier
// deployments. It has known flaws and is not used by Calibrate:
//
//   - the first reading is taken before the new gain is effective;
//   - axes are normalized by their maximum instead of their mean;
//   - negative bias is never applied;
//   - the scale factors are reset and overwritten even when a read fails,
//     and an axis that never reads above zero gets an infinite or NaN scale.
//
// The per-axis maxima are kept and available through Maxima.
func (d *Dev) CalibrateLegacy(gain Gain) error {
	d.scale = Vector{X: 1, Y: 1, Z: 1}
	if err := d.SetBias(BiasPositive); err != nil {
		return err
	}
	if err := d.SetGain(gain); err != nil {
		return err
	}

	var mx Vector
	for i := 0; i < LegacySamples; i++ {
		if err := d.SetMode(ModeSingle); err != nil {
			return err
		}
		v, err := d.ReadCalibrated()
		if err != nil {
			return err
		}
		if v.X > mx.X {
			mx.X = v.X
		}
		if v.Y > mx.Y {
			mx.Y = v.Y
		}
		if v.Z > mx.Z {
			mx.Z = v.Z
		}
	}

	top := max(0, mx.X, mx.Y, mx.Z)
	d.maxima = mx
	d.haveMaxima = true
	d.scale = Vector{X: top / mx.X, Y: top / mx.Y, Z: top / mx.Z}
	d.log.WithFields(logrus.Fields{"maxima": mx, "scale": d.scale}).Info("legacy calibration done")

	return d.SetBias(BiasNormal)
}
