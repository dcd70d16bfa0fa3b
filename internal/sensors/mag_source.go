// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relabs-tech/hmc58x3/internal/config"
	"github.com/relabs-tech/hmc58x3/internal/hmc58x3"
	"github.com/relabs-tech/hmc58x3/internal/mag"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// Calibration methods recorded in reports.
const (
	MethodSelfTest = "self_test"
	MethodLegacy   = "legacy"
)

// ReasonUnusableScale tags a legacy calibration whose scale factors were
// not finite and positive. The previous factors stay in effect.
const ReasonUnusableScale = "unusable_scale"

// ErrUnusableScale is returned when a legacy calibration produced scale
// factors that cannot be used.
var ErrUnusableScale = errors.New("mag: legacy calibration produced an unusable scale")

// MagSource owns one magnetometer and serializes every access to it.
type MagSource struct {
	mu      sync.Mutex
	bus     i2c.BusCloser
	dev     *hmc58x3.Dev
	variant hmc58x3.Variant
	cfg     *config.Config
	log     logrus.FieldLogger

	lastCal *mag.Calibration
}

// NewMagSource opens the bus named in cfg, or a simulated bus when HMC_MOCK
// is set, initializes the device with the configured gain, output rate and
// mode, and runs the startup self-test when CAL_ON_STARTUP is set.
//
// A failed startup self-test is logged and leaves the unit scale in place.
func NewMagSource(cfg *config.Config, logger logrus.FieldLogger) (*MagSource, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("component", "mag")

	variant, err := hmc58x3.ParseVariant(cfg.HMCVariant)
	if err != nil {
		return nil, err
	}

	opts := hmc58x3.Opts{Addr: cfg.HMCI2CAddr, Variant: variant, Logger: log}
	var bus i2c.BusCloser
	if cfg.HMCMock {
		mb, err := NewMockBus(variant)
		if err != nil {
			return nil, err
		}
		bus = mb
		opts.Addr = hmc58x3.DefaultAddr
		opts.Sleep = func(time.Duration) {}
		log.Infof("using simulated %s", variant)
	} else {
		if _, err := host.Init(); err != nil {
			return nil, fmt.Errorf("mag: periph host init: %w", err)
		}
		bus, err = i2creg.Open(cfg.HMCI2CBus)
		if err != nil {
			return nil, fmt.Errorf("mag: i2c open %q: %w", cfg.HMCI2CBus, err)
		}
		log.Infof("opened I2C bus %s", bus)
	}

	s, err := newMagSource(bus, opts, cfg, log)
	if err != nil {
		bus.Close()
		return nil, err
	}
	return s, nil
}

func newMagSource(bus i2c.BusCloser, opts hmc58x3.Opts, cfg *config.Config, log logrus.FieldLogger) (*MagSource, error) {
	dev, err := hmc58x3.New(bus, &opts)
	if err != nil {
		return nil, fmt.Errorf("mag: device creation: %w", err)
	}
	if err := dev.Init(true); err != nil {
		return nil, fmt.Errorf("mag: initialization: %w", err)
	}

	id := dev.ID()
	if id != hmc58x3.ExpectedID {
		log.Warnf("identification registers read %q, expected %q", id[:], hmc58x3.ExpectedID[:])
	} else {
		log.Infof("%s ID = %q", dev, id[:])
	}

	s := &MagSource{
		bus:     bus,
		dev:     dev,
		variant: opts.Variant,
		cfg:     cfg,
		log:     log,
	}
	if err := s.applyConfig(); err != nil {
		return nil, err
	}

	if cfg.CalOnStartup {
		rep, err := s.Calibrate(hmc58x3.Gain(cfg.CalGain), cfg.CalSamples)
		if err != nil {
			log.WithError(err).Warn("startup self-test failed, using unit scale")
		} else {
			log.WithField("scale", rep.Scale).Info("startup self-test passed")
		}
	}
	return s, nil
}

// applyConfig writes the configured output rate, gain and mode. Called after
// init and after every calibration, which leaves the part in single mode at
// the calibration gain.
func (s *MagSource) applyConfig() error {
	if err := s.dev.SetOutputRate(s.cfg.HMCOutputRate); err != nil {
		return fmt.Errorf("mag: set output rate: %w", err)
	}
	if err := s.dev.SetGain(hmc58x3.Gain(s.cfg.HMCGain)); err != nil {
		return fmt.Errorf("mag: set gain: %w", err)
	}
	if err := s.dev.SetMode(s.mode()); err != nil {
		return fmt.Errorf("mag: set mode: %w", err)
	}
	// The first measurement after a gain change uses the previous gain.
	if _, err := s.dev.ReadRaw(); err != nil {
		return fmt.Errorf("mag: discard read: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"gain": s.cfg.HMCGain,
		"rate": s.cfg.HMCOutputRate,
		"mode": s.cfg.HMCMode,
	}).Debug("configuration applied")
	return nil
}

func (s *MagSource) mode() hmc58x3.Mode {
	if s.cfg.HMCMode == "single" {
		return hmc58x3.ModeSingle
	}
	return hmc58x3.ModeContinuous
}

// Variant returns the configured part.
func (s *MagSource) Variant() hmc58x3.Variant {
	return s.variant
}

// Next reads one measurement and returns it raw and scaled.
func (s *MagSource) Next() (mag.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode() == hmc58x3.ModeSingle {
		if err := s.dev.SetMode(hmc58x3.ModeSingle); err != nil {
			return mag.Sample{}, err
		}
	}
	c, err := s.dev.ReadRaw()
	if err != nil {
		return mag.Sample{}, err
	}
	sc := s.dev.Scale()
	return mag.NewSample(s.variant.String(), [3]int16{c.X, c.Y, c.Z}, [3]float64{sc.X, sc.Y, sc.Z}, time.Now()), nil
}

// ReadRaw reads one measurement in counts.
func (s *MagSource) ReadRaw() (hmc58x3.Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.ReadRaw()
}

// ReadCalibrated reads one measurement divided by the scale factors.
func (s *MagSource) ReadCalibrated() (hmc58x3.Vector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.ReadCalibrated()
}

// ReadRounded reads one scaled measurement rounded to whole counts.
func (s *MagSource) ReadRounded() (hmc58x3.Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.ReadRounded()
}

// Calibrate runs the self-test and then restores the configured gain and
// mode. The report is returned even when the run fails.
func (s *MagSource) Calibrate(gain hmc58x3.Gain, samples int) (mag.Calibration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.dev.Calibrate(gain, samples)
	rep := Report(s.variant, res, err, time.Now())
	if res.Reason != hmc58x3.ReasonInvalidParameters && res.Reason != hmc58x3.ReasonIdentityMismatch {
		if aerr := s.applyConfig(); aerr != nil {
			err = errors.Join(err, aerr)
		}
	}
	s.lastCal = &rep
	return rep, err
}

// CalibrateLegacy runs the max-based calibration and restores the configured
// gain and mode. An axis that never reads above zero leaves an infinite or
// non-positive factor; such a run fails with ErrUnusableScale. On any
// failure the previous scale factors are put back.
func (s *MagSource) CalibrateLegacy(gain hmc58x3.Gain) (mag.Calibration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.dev.Scale()
	err := s.dev.CalibrateLegacy(gain)
	reason := hmc58x3.ReasonOK.String()
	if err != nil {
		reason = hmc58x3.ReasonTransport.String()
	} else if sc := s.dev.Scale(); !hmc58x3.ValidScale(sc) {
		reason = ReasonUnusableScale
		err = fmt.Errorf("%w: %+v", ErrUnusableScale, sc)
	}
	if err != nil {
		if serr := s.dev.SetScale(prev); serr != nil {
			err = errors.Join(err, serr)
		}
		s.log.WithError(err).Warn("legacy calibration failed, previous scale kept")
	}
	if aerr := s.applyConfig(); aerr != nil {
		err = errors.Join(err, aerr)
	}
	sc := s.dev.Scale()
	rep := mag.Calibration{
		Source:  s.variant.String(),
		Method:  MethodLegacy,
		Reason:  reason,
		OK:      err == nil,
		Gain:    int(gain),
		Samples: hmc58x3.LegacySamples,
		Scale:   [3]float64{sc.X, sc.Y, sc.Z},
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		rep.Error = err.Error()
	}
	s.lastCal = &rep
	return rep, err
}

// LastCalibration returns the report of the most recent calibration run, if
// any.
func (s *MagSource) LastCalibration() (mag.Calibration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastCal == nil {
		return mag.Calibration{}, false
	}
	return *s.lastCal, true
}

// Scale returns the current scale factors.
func (s *MagSource) Scale() hmc58x3.Vector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.Scale()
}

// SetScale replaces the scale factors.
func (s *MagSource) SetScale(v hmc58x3.Vector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.SetScale(v)
}

// Maxima returns the per-axis maxima of the last legacy calibration.
func (s *MagSource) Maxima() (hmc58x3.Vector, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.Maxima()
}

// ID reads the identification registers.
func (s *MagSource) ID() [3]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.ID()
}

// Init reruns the power-on sequence and reapplies the configuration.
func (s *MagSource) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.dev.Init(true); err != nil {
		return err
	}
	return s.applyConfig()
}

// ReadRegister reads one register.
func (s *MagSource) ReadRegister(reg byte) (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.ReadRegister(reg)
}

// WriteRegister writes one register.
func (s *MagSource) WriteRegister(reg, value byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.WriteRegister(reg, value)
}

// ReadAllRegisters reads the whole register file.
func (s *MagSource) ReadAllRegisters() (map[byte]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.ReadAllRegisters()
}

// Registers returns the register metadata of the part.
func (s *MagSource) Registers() []hmc58x3.RegisterInfo {
	return s.dev.Registers()
}

// Close releases the bus.
func (s *MagSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bus.Close()
}

// Report converts a self-test result into the published calibration report.
func Report(v hmc58x3.Variant, res *hmc58x3.CalibrationResult, err error, at time.Time) mag.Calibration {
	rep := mag.Calibration{
		Source:    v.String(),
		Method:    MethodSelfTest,
		Reason:    res.Reason.String(),
		OK:        res.OK(),
		Gain:      int(res.Gain),
		Samples:   res.Samples,
		Totals:    res.Totals,
		LowLimit:  res.LowLimit,
		HighLimit: res.HighLimit,
		Scale:     [3]float64{res.Scale.X, res.Scale.Y, res.Scale.Z},
		Time:      at.UTC().Format(time.RFC3339),
	}
	if err != nil {
		rep.Error = err.Error()
	}
	return rep
}
