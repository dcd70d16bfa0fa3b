// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package hmc58x3

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

var errBus = errors.New("bus: nack")

// txn is one recorded bus transaction.
type txn struct {
	addr uint16
	w    []byte
	n    int  // read length, 0 for writes
	bias Bias // configuration A bias at the time of a data read
}

func (t txn) isDataRead() bool {
	return t.n > 0 && len(t.w) == 1 && t.w[0] == RegData
}

// spyBus is a register-level HMC58X3 stand-in. Data reads are served from a
// per-bias stream; the last entry of a stream repeats.
type spyBus struct {
	layout  Layout
	id      [3]byte
	regs    [RegIDC + 1]byte
	streams map[Bias][]Counts
	failOn  func(w []byte, n int) error
	ops     []txn
}

func newSpyBus(l Layout) *spyBus {
	return &spyBus{
		layout:  l,
		id:      ExpectedID,
		streams: map[Bias][]Counts{},
	}
}

func (s *spyBus) String() string                  { return "spy" }
func (s *spyBus) SetSpeed(physic.Frequency) error { return nil }

func (s *spyBus) Tx(addr uint16, w, r []byte) error {
	t := txn{addr: addr, w: append([]byte(nil), w...), n: len(r)}
	if s.failOn != nil {
		if err := s.failOn(w, len(r)); err != nil {
			s.ops = append(s.ops, t)
			return err
		}
	}
	if len(r) == 0 {
		s.regs[w[0]] = w[1]
		s.ops = append(s.ops, t)
		return nil
	}
	switch w[0] {
	case RegIDA:
		copy(r, s.id[:])
	case RegData:
		t.bias = Bias(s.regs[RegConfigA] & 0x03)
		b := s.layout.Encode(s.next(t.bias))
		copy(r, b[:])
	default:
		copy(r, s.regs[w[0]:])
	}
	s.ops = append(s.ops, t)
	return nil
}

func (s *spyBus) next(b Bias) Counts {
	st := s.streams[b]
	if len(st) == 0 {
		return Counts{}
	}
	c := st[0]
	if len(st) > 1 {
		s.streams[b] = st[1:]
	}
	return c
}

func (s *spyBus) dataReads(b Bias) int {
	n := 0
	for _, t := range s.ops {
		if t.isDataRead() && t.bias == b {
			n++
		}
	}
	return n
}

func (s *spyBus) lastWrite(reg byte) (byte, bool) {
	for i := len(s.ops) - 1; i >= 0; i-- {
		t := s.ops[i]
		if t.n == 0 && len(t.w) == 2 && t.w[0] == reg {
			return t.w[1], true
		}
	}
	return 0, false
}

// repeat returns c n times.
func repeat(c Counts, n int) []Counts {
	out := make([]Counts, n)
	for i := range out {
		out[i] = c
	}
	return out
}

type sleepRecorder struct {
	calls []time.Duration
}

func (r *sleepRecorder) sleep(d time.Duration) { r.calls = append(r.calls, d) }

func (r *sleepRecorder) total() time.Duration {
	var t time.Duration
	for _, d := range r.calls {
		t += d
	}
	return t
}

func newTestDev(t *testing.T, bus i2c.Bus, v Variant) (*Dev, *sleepRecorder) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	d, err := New(bus, &Opts{Variant: v, Logger: logger})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &sleepRecorder{}
	d.sleep = rec.sleep
	return d, rec
}
