// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package hmc58x3

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"periph.io/x/conn/v3/i2c/i2ctest"
)

// garbage is served as the reading right after the gain change. It would
// saturate the run if it were ever accumulated.
var garbage = Counts{X: -4096, Y: -4096, Z: -4096}

// scaleOf evaluates the scale expression at run time, the way the driver does.
func scaleOf(cpg int, gauss float64, mean int32) float64 {
	return float64(cpg) * (gauss * 2) / float64(mean)
}

func selfTestBus(v Variant, pos, neg []Counts) *spyBus {
	bus := newSpyBus(layouts[v])
	bus.streams[BiasPositive] = append([]Counts{garbage}, pos...)
	bus.streams[BiasNegative] = neg
	return bus
}

func TestCalibrateInvalidParameters(t *testing.T) {
	tests := []struct {
		name    string
		gain    Gain
		samples int
	}{
		{"gain 8", 8, 5},
		{"zero samples", 3, 0},
		{"negative samples", 3, -1},
		{"too many samples", 3, MaxSamples + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := newSpyBus(layouts[HMC5883L])
			d, rec := newTestDev(t, bus, HMC5883L)
			res, err := d.Calibrate(tt.gain, tt.samples)
			if !errors.Is(err, ErrInvalidParameters) {
				t.Fatalf("err = %v, want %v", err, ErrInvalidParameters)
			}
			if res.Reason != ReasonInvalidParameters {
				t.Errorf("reason = %s", res.Reason)
			}
			if len(bus.ops) != 0 {
				t.Errorf("issued %d transactions, want none", len(bus.ops))
			}
			if len(rec.calls) != 0 {
				t.Errorf("slept %v", rec.calls)
			}
		})
	}
}

func TestCalibrateIdentityMismatch(t *testing.T) {
	bus := newSpyBus(layouts[HMC5883L])
	bus.id = [3]byte{'X', 'Y', 'Z'}
	d, _ := newTestDev(t, bus, HMC5883L)

	res, err := d.Calibrate(1, 10)
	if !errors.Is(err, ErrIdentityMismatch) {
		t.Fatalf("err = %v, want %v", err, ErrIdentityMismatch)
	}
	if res.Reason != ReasonIdentityMismatch || res.ID != "XYZ" {
		t.Errorf("result = %+v", res)
	}
	if len(bus.ops) != 1 {
		t.Errorf("issued %d transactions after the id check, want only the id read", len(bus.ops)-1)
	}
	if d.Scale() != (Vector{X: 1, Y: 1, Z: 1}) {
		t.Errorf("scale changed: %v", d.Scale())
	}
}

func TestCalibrateIdentityReadFailure(t *testing.T) {
	bus := newSpyBus(layouts[HMC5883L])
	bus.failOn = func(w []byte, n int) error {
		if n == 3 && w[0] == RegIDA {
			return errBus
		}
		return nil
	}
	d, _ := newTestDev(t, bus, HMC5883L)
	res, err := d.Calibrate(1, 10)
	if !errors.Is(err, ErrIdentityMismatch) {
		t.Fatalf("err = %v, want %v", err, ErrIdentityMismatch)
	}
	if res.ID != "\x00\x00\x00" {
		t.Errorf("id = %q, want zeros", res.ID)
	}
}

func TestCalibrateIdentityMatchSamples(t *testing.T) {
	bus := selfTestBus(HMC5883L,
		[]Counts{{X: 600, Y: 600, Z: 600}},
		[]Counts{{X: -600, Y: -600, Z: -600}})
	d, _ := newTestDev(t, bus, HMC5883L)
	_, _ = d.Calibrate(4, 10)
	if n := bus.dataReads(BiasPositive); n != 11 {
		t.Errorf("positive data reads = %d, want 11", n)
	}
	if n := bus.dataReads(BiasNegative); n != 10 {
		t.Errorf("negative data reads = %d, want 10", n)
	}
}

func TestCalibrateScale(t *testing.T) {
	const (
		gain    = Gain(4)
		samples = 10
	)
	bus := selfTestBus(HMC5883L,
		repeat(Counts{X: 600, Y: 600, Z: 600}, samples),
		repeat(Counts{X: -600, Y: -600, Z: -600}, samples))
	d, _ := newTestDev(t, bus, HMC5883L)

	res, err := d.Calibrate(gain, samples)
	if err != nil {
		t.Fatalf("Calibrate: %v (%+v)", err, res)
	}
	if want := [3]int32{12000, 12000, 12000}; res.Totals != want {
		t.Errorf("totals = %v, want %v", res.Totals, want)
	}
	if res.LowLimit != 5483 || res.HighLimit != 12974 {
		t.Errorf("limits = [%d, %d], want [5483, 12974]", res.LowLimit, res.HighLimit)
	}

	cpg := layouts[HMC5883L].CountsPerGauss[gain]
	want := Vector{
		X: scaleOf(cpg, 1.16, 1200),
		Y: scaleOf(cpg, 1.16, 1200),
		Z: scaleOf(cpg, 1.08, 1200),
	}
	if res.Scale != want {
		t.Errorf("scale = %v, want %v", res.Scale, want)
	}
	if d.Scale() != want {
		t.Errorf("device scale = %v, want %v", d.Scale(), want)
	}
	if got, _ := bus.lastWrite(RegConfigA); got != configABase {
		t.Errorf("configuration A left at 0x%02X, want 0x%02X", got, configABase)
	}
	if res.PositiveReads != samples || res.NegativeReads != samples {
		t.Errorf("reads = %d/%d, want %d/%d", res.PositiveReads, res.NegativeReads, samples, samples)
	}
}

func TestCalibrateTruncatesMean(t *testing.T) {
	// Totals are 3601; the mean used is 1200, not 1200.33.
	bus := selfTestBus(HMC5883L,
		[]Counts{{X: 600, Y: 600, Z: 600}, {X: 601, Y: 601, Z: 601}, {X: 600, Y: 600, Z: 600}},
		repeat(Counts{X: -600, Y: -600, Z: -600}, 3))
	d, _ := newTestDev(t, bus, HMC5883L)

	res, err := d.Calibrate(4, 3)
	if err != nil {
		t.Fatalf("Calibrate: %v (%+v)", err, res)
	}
	if res.Totals[0] != 3601 {
		t.Fatalf("total X = %d, want 3601", res.Totals[0])
	}
	want := scaleOf(440, 1.16, 1200)
	if res.Scale.X != want {
		t.Errorf("scale X = %v, want %v", res.Scale.X, want)
	}
	gauss := 1.16
	if exact := 440 * (gauss * 2) / (3601.0 / 3); res.Scale.X == exact {
		t.Errorf("scale X used the untruncated mean")
	}
}

func TestCalibrateHMC5843(t *testing.T) {
	bus := selfTestBus(HMC5843,
		[]Counts{{X: 600, Y: 600, Z: 600}},
		[]Counts{{X: -600, Y: -600, Z: -600}})
	d, _ := newTestDev(t, bus, HMC5843)

	res, err := d.Calibrate(4, 5)
	if err != nil {
		t.Fatalf("Calibrate: %v (%+v)", err, res)
	}
	want := scaleOf(530, 0.55, 1200)
	if res.Scale.X != want || res.Scale.Z != want {
		t.Errorf("scale = %v, want %v on every axis", res.Scale, want)
	}
}

func TestCalibrateDiscardsFirstReadAfterGainChange(t *testing.T) {
	bus := selfTestBus(HMC5883L,
		[]Counts{{X: 600, Y: 600, Z: 600}},
		[]Counts{{X: -600, Y: -600, Z: -600}})
	d, _ := newTestDev(t, bus, HMC5883L)

	res, err := d.Calibrate(4, 10)
	if err != nil {
		t.Fatalf("Calibrate: %v (%+v)", err, res)
	}

	// The gain write is followed by a mode write and one data read that is
	// issued but does not count.
	gainAt := -1
	for i, op := range bus.ops {
		if op.n == 0 && op.w[0] == RegConfigB {
			gainAt = i
			break
		}
	}
	if gainAt < 0 || gainAt+2 >= len(bus.ops) {
		t.Fatalf("gain write not found in %d transactions", len(bus.ops))
	}
	if !bus.ops[gainAt+2].isDataRead() {
		t.Errorf("transaction after gain change is not a data read: %+v", bus.ops[gainAt+2])
	}
	if bus.dataReads(BiasPositive) != res.PositiveReads+1 {
		t.Errorf("positive reads issued %d, accumulated %d", bus.dataReads(BiasPositive), res.PositiveReads)
	}
}

func TestCalibrateSaturatedPositivePhase(t *testing.T) {
	pos := repeat(Counts{X: 600, Y: 600, Z: 600}, 10)
	pos[3] = Counts{X: 600, Y: -4096, Z: 600}
	bus := selfTestBus(HMC5883L, pos, repeat(Counts{X: -600, Y: -600, Z: -600}, 10))
	d, _ := newTestDev(t, bus, HMC5883L)

	res, err := d.Calibrate(4, 10)
	if !errors.Is(err, ErrSaturated) {
		t.Fatalf("err = %v, want %v", err, ErrSaturated)
	}
	if res.Reason != ReasonSaturated {
		t.Errorf("reason = %s", res.Reason)
	}
	if res.PositiveReads != 4 {
		t.Errorf("positive reads = %d, want 4", res.PositiveReads)
	}
	if n := bus.dataReads(BiasPositive); n != 5 {
		t.Errorf("positive data reads issued = %d, want 5 (discard + 4)", n)
	}
	if res.NegativeReads != 10 || bus.dataReads(BiasNegative) != 10 {
		t.Errorf("negative phase did not run to completion: %d reads", res.NegativeReads)
	}
	if got, _ := bus.lastWrite(RegConfigA); got != configABase {
		t.Errorf("configuration A left at 0x%02X", got)
	}
	if d.Scale() != (Vector{X: 1, Y: 1, Z: 1}) {
		t.Errorf("scale changed: %v", d.Scale())
	}
}

func TestCalibrateSaturatedNegativePhase(t *testing.T) {
	neg := repeat(Counts{X: -600, Y: -600, Z: -600}, 10)
	neg[1] = Counts{X: -600, Y: -600, Z: -4097}
	bus := selfTestBus(HMC5883L, repeat(Counts{X: 600, Y: 600, Z: 600}, 10), neg)
	d, _ := newTestDev(t, bus, HMC5883L)

	res, err := d.Calibrate(4, 10)
	if !errors.Is(err, ErrSaturated) {
		t.Fatalf("err = %v, want %v", err, ErrSaturated)
	}
	if res.PositiveReads != 10 || res.NegativeReads != 2 {
		t.Errorf("reads = %d/%d, want 10/2", res.PositiveReads, res.NegativeReads)
	}
}

func TestCalibrateJustAboveSaturation(t *testing.T) {
	pos := repeat(Counts{X: 600, Y: 600, Z: 600}, 10)
	pos[0] = Counts{X: -4095, Y: 600, Z: 600}
	bus := selfTestBus(HMC5883L, pos, repeat(Counts{X: -600, Y: -600, Z: -600}, 10))
	d, _ := newTestDev(t, bus, HMC5883L)

	res, err := d.Calibrate(4, 10)
	if errors.Is(err, ErrSaturated) {
		t.Fatalf("-4095 reported as saturated")
	}
	if res.PositiveReads != 10 {
		t.Errorf("positive reads = %d, want 10", res.PositiveReads)
	}
}

func TestCalibrateOutOfRangeKeepsScale(t *testing.T) {
	bus := selfTestBus(HMC5883L,
		repeat(Counts{X: 600, Y: 600, Z: 600}, 10),
		repeat(Counts{X: -600, Y: -600, Z: -600}, 10))
	d, _ := newTestDev(t, bus, HMC5883L)
	if _, err := d.Calibrate(4, 10); err != nil {
		t.Fatalf("first calibration: %v", err)
	}
	before := d.Scale()

	tests := []struct {
		name string
		pos  Counts
		neg  Counts
	}{
		// 10*274 + 10*274 = 5480, just below the 5483 floor.
		{"below", Counts{X: 274, Y: 274, Z: 274}, Counts{X: -274, Y: -274, Z: -274}},
		// Z alone above the 12974 ceiling.
		{"above", Counts{X: 600, Y: 600, Z: 700}, Counts{X: -600, Y: -600, Z: -600}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus.streams[BiasPositive] = []Counts{garbage, tt.pos}
			bus.streams[BiasNegative] = []Counts{tt.neg}
			res, err := d.Calibrate(4, 10)
			if !errors.Is(err, ErrOutOfRange) {
				t.Fatalf("err = %v, want %v (%+v)", err, ErrOutOfRange, res)
			}
			if d.Scale() != before {
				t.Errorf("scale = %v, want unchanged %v", d.Scale(), before)
			}
			if res.Scale != (Vector{}) {
				t.Errorf("failed result carries scale %v", res.Scale)
			}
			if got, _ := bus.lastWrite(RegConfigA); got != configABase {
				t.Errorf("configuration A left at 0x%02X", got)
			}
		})
	}
}

func TestCalibrateBelowBracketAtGainOne(t *testing.T) {
	// 600 counts per axis is well short of the gain 1 bias response of an
	// HMC5883L, so the run is rejected even though nothing saturates.
	bus := selfTestBus(HMC5883L,
		[]Counts{{X: 600, Y: 600, Z: 600}},
		[]Counts{{X: -600, Y: -600, Z: -600}})
	d, _ := newTestDev(t, bus, HMC5883L)

	res, err := d.Calibrate(1, 10)
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("err = %v, want %v", err, ErrOutOfRange)
	}
	if res.Totals[0] != 12000 || res.LowLimit != 13583 {
		t.Errorf("totals %d, low limit %d; want 12000 and 13583", res.Totals[0], res.LowLimit)
	}
}

func TestCalibrateTransportFailure(t *testing.T) {
	tests := []struct {
		name   string
		failOn func(w []byte, n int) error
	}{
		{"gain write", func(w []byte, n int) error {
			if n == 0 && w[0] == RegConfigB {
				return errBus
			}
			return nil
		}},
		{"negative bias write", func(w []byte, n int) error {
			if n == 0 && w[0] == RegConfigA && w[1] == configABase|biasNegative {
				return errBus
			}
			return nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := selfTestBus(HMC5883L,
				[]Counts{{X: 600, Y: 600, Z: 600}},
				[]Counts{{X: -600, Y: -600, Z: -600}})
			bus.failOn = tt.failOn
			d, _ := newTestDev(t, bus, HMC5883L)

			res, err := d.Calibrate(4, 10)
			if !errors.Is(err, ErrTransport) || !errors.Is(err, errBus) {
				t.Fatalf("err = %v, want %v wrapping %v", err, ErrTransport, errBus)
			}
			if res.Reason != ReasonTransport {
				t.Errorf("reason = %s", res.Reason)
			}
			if got, _ := bus.lastWrite(RegConfigA); got != configABase {
				t.Errorf("configuration A not restored: 0x%02X", got)
			}
			if d.Scale() != (Vector{X: 1, Y: 1, Z: 1}) {
				t.Errorf("scale changed: %v", d.Scale())
			}
		})
	}
}

func TestCalibrateDataReadFailureStopsRun(t *testing.T) {
	bus := selfTestBus(HMC5883L,
		[]Counts{{X: 600, Y: 600, Z: 600}},
		[]Counts{{X: -600, Y: -600, Z: -600}})
	reads := 0
	bus.failOn = func(w []byte, n int) error {
		if n == 6 {
			reads++
			if reads == 4 {
				return errBus
			}
		}
		return nil
	}
	d, _ := newTestDev(t, bus, HMC5883L)
	res, err := d.Calibrate(4, 10)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v, want %v", err, ErrTransport)
	}
	if res.PositiveReads != 2 || res.NegativeReads != 0 {
		t.Errorf("reads = %d/%d, want 2/0", res.PositiveReads, res.NegativeReads)
	}
}

func TestCalibrateTransactionSequence(t *testing.T) {
	l := layouts[HMC5883L]
	enc := func(c Counts) []byte {
		b := l.Encode(c)
		return b[:]
	}
	a := uint16(DefaultAddr)
	bus := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: a, W: []byte{RegIDA}, R: []byte("H43")},
			{Addr: a, W: []byte{RegConfigA, 0x11}},
			{Addr: a, W: []byte{RegConfigB, 0x80}},
			{Addr: a, W: []byte{RegMode, 0x01}},
			{Addr: a, W: []byte{RegData}, R: enc(garbage)},
			{Addr: a, W: []byte{RegMode, 0x01}},
			{Addr: a, W: []byte{RegData}, R: enc(Counts{X: 600, Y: 600, Z: 600})},
			{Addr: a, W: []byte{RegConfigA, 0x12}},
			{Addr: a, W: []byte{RegMode, 0x01}},
			{Addr: a, W: []byte{RegData}, R: enc(Counts{X: -600, Y: -600, Z: -600})},
			{Addr: a, W: []byte{RegConfigA, 0x10}},
		},
		DontPanic: true,
	}
	d, rec := newTestDev(t, bus, HMC5883L)
	res, err := d.Calibrate(4, 1)
	if err != nil {
		t.Fatalf("Calibrate: %v (%+v)", err, res)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("unconsumed ops: %v", err)
	}
	if got, want := rec.total(), 3*modeSettle; got != want {
		t.Errorf("slept %v, want %v", got, want)
	}
}

func TestCalibrationResultJSON(t *testing.T) {
	res := &CalibrationResult{Reason: ReasonOutOfRange, Gain: 4, Samples: 10}
	b, err := json.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}
	var got CalibrationResult
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if got.Reason != ReasonOutOfRange {
		t.Errorf("reason = %s, want %s", got.Reason, ReasonOutOfRange)
	}
}

func TestCalibrateLegacy(t *testing.T) {
	bus := newSpyBus(layouts[HMC5883L])
	bus.streams[BiasPositive] = []Counts{{X: 100, Y: 200, Z: 400}}
	d, _ := newTestDev(t, bus, HMC5883L)
	d.scale = Vector{X: 3, Y: 3, Z: 3}

	if err := d.CalibrateLegacy(1); err != nil {
		t.Fatalf("CalibrateLegacy: %v", err)
	}
	if want := (Vector{X: 4, Y: 2, Z: 1}); d.Scale() != want {
		t.Errorf("scale = %v, want %v", d.Scale(), want)
	}
	mx, ok := d.Maxima()
	if !ok || mx != (Vector{X: 100, Y: 200, Z: 400}) {
		t.Errorf("maxima = %v (%v)", mx, ok)
	}
	if n := bus.dataReads(BiasPositive); n != LegacySamples {
		t.Errorf("data reads = %d, want %d", n, LegacySamples)
	}
	if got, _ := bus.lastWrite(RegConfigA); got != configABase {
		t.Errorf("configuration A left at 0x%02X", got)
	}
}

func TestCalibrateLegacyOverwritesOnFailure(t *testing.T) {
	bus := newSpyBus(layouts[HMC5883L])
	bus.failOn = func(w []byte, n int) error {
		if n == 6 {
			return errBus
		}
		return nil
	}
	d, _ := newTestDev(t, bus, HMC5883L)
	d.scale = Vector{X: 3, Y: 3, Z: 3}

	if err := d.CalibrateLegacy(1); !errors.Is(err, errBus) {
		t.Fatalf("err = %v, want %v", err, errBus)
	}
	if d.Scale() != (Vector{X: 1, Y: 1, Z: 1}) {
		t.Errorf("scale = %v, want reset to 1", d.Scale())
	}
}

func TestCalibrateLegacyNonPositiveAxis(t *testing.T) {
	bus := newSpyBus(layouts[HMC5883L])
	bus.streams[BiasPositive] = []Counts{{X: 100, Y: -5, Z: 0}}
	d, _ := newTestDev(t, bus, HMC5883L)
	if err := d.CalibrateLegacy(1); err != nil {
		t.Fatal(err)
	}
	s := d.Scale()
	if s.X != 1 || !math.IsInf(s.Y, 1) || !math.IsInf(s.Z, 1) {
		t.Errorf("scale = %v, want {1 +Inf +Inf}", s)
	}
}
