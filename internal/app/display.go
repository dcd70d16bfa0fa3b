// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/relabs-tech/hmc58x3/internal/config"
	"github.com/relabs-tech/hmc58x3/internal/mag"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/host/v3"
)

// ssd1306Addr is the address the ssd1306 driver always talks to.
const ssd1306Addr = 0x3C

// remapBus forwards transactions for one address to another, so a panel
// strapped to 0x3D can be driven through the ssd1306 driver.
type remapBus struct {
	i2c.Bus
	from, to uint16
}

func (b remapBus) Tx(addr uint16, w, r []byte) error {
	if addr == b.from {
		addr = b.to
	}
	return b.Bus.Tx(addr, w, r)
}

// DisplayData holds the latest data for display
type DisplayData struct {
	mu sync.RWMutex

	sample     mag.Sample
	haveSample bool
	cal        mag.Calibration
	haveCal    bool
}

func (d *DisplayData) setSample(s mag.Sample) {
	d.mu.Lock()
	d.sample, d.haveSample = s, true
	d.mu.Unlock()
}

func (d *DisplayData) setCalibration(c mag.Calibration) {
	d.mu.Lock()
	d.cal, d.haveCal = c, true
	d.mu.Unlock()
}

// drawer is the part of the OLED the update loop uses.
type drawer interface {
	Bounds() image.Rectangle
	Draw(r image.Rectangle, src image.Image, sp image.Point) error
}

// RunDisplay shows the latest calibrated sample and scale factors on an
// SSD1306 OLED until ctx is cancelled.
func RunDisplay(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) error {
	log := logger.WithField("component", "display")

	// Initialize periph
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to initialize periph: %w", err)
	}

	// Open I2C bus
	bus, err := i2creg.Open(cfg.HMCI2CBus)
	if err != nil {
		return fmt.Errorf("failed to open I2C bus: %w", err)
	}
	defer bus.Close()

	var panelBus i2c.Bus = bus
	if cfg.DisplayI2CAddr != ssd1306Addr {
		panelBus = remapBus{Bus: bus, from: ssd1306Addr, to: cfg.DisplayI2CAddr}
	}
	dev, err := ssd1306.NewI2C(panelBus, &ssd1306.DefaultOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize display: %w", err)
	}
	log.Infof("display initialized at 0x%02X", cfg.DisplayI2CAddr)

	if err := dev.Draw(dev.Bounds(), renderSplash(), image.Point{}); err != nil {
		log.WithError(err).Warn("error showing splash")
	}

	data := &DisplayData{}

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDDisplay, log)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	if err := subscribeJSON(client, cfg.TopicMag, log, data.setSample); err != nil {
		return err
	}
	if err := subscribeJSON(client, cfg.TopicMagCalibration, log, data.setCalibration); err != nil {
		return err
	}

	log.Info("starting update loop")
	return updateLoop(ctx, dev, data, time.Duration(cfg.DisplayUpdateInterval)*time.Millisecond, log)
}

func updateLoop(ctx context.Context, dev drawer, data *DisplayData, interval time.Duration, log logrus.FieldLogger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		data.mu.RLock()
		img := renderMag(data.sample, data.haveSample, data.cal, data.haveCal)
		data.mu.RUnlock()

		if err := dev.Draw(dev.Bounds(), img, image.Point{}); err != nil {
			log.WithError(err).Warn("error updating display")
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func newFrame() (*image1bit.VerticalLSB, *font.Drawer) {
	img := image1bit.NewVerticalLSB(image.Rect(0, 0, 128, 64))
	return img, &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
	}
}

func renderMag(s mag.Sample, haveSample bool, c mag.Calibration, haveCal bool) *image1bit.VerticalLSB {
	img, drawer := newFrame()

	if !haveSample {
		drawer.Dot = fixed.P(0, 26)
		drawer.DrawBytes([]byte("Magnetometer"))
		drawer.Dot = fixed.P(0, 39)
		drawer.DrawBytes([]byte("Waiting..."))
		return img
	}

	drawer.Dot = fixed.P(0, 13)
	drawer.DrawBytes([]byte(fmt.Sprintf("X:%8.1f", s.X)))
	drawer.Dot = fixed.P(0, 26)
	drawer.DrawBytes([]byte(fmt.Sprintf("Y:%8.1f", s.Y)))
	drawer.Dot = fixed.P(0, 39)
	drawer.DrawBytes([]byte(fmt.Sprintf("Z:%8.1f", s.Z)))

	drawer.Dot = fixed.P(0, 52)
	switch {
	case !haveCal:
		drawer.DrawBytes([]byte("S: none"))
	case !c.OK:
		drawer.DrawBytes([]byte("S: " + c.Reason))
	default:
		drawer.DrawBytes([]byte(fmt.Sprintf("S %.2f %.2f %.2f", c.Scale[0], c.Scale[1], c.Scale[2])))
	}
	return img
}

func renderSplash() *image1bit.VerticalLSB {
	img, drawer := newFrame()

	drawer.Dot = fixed.P(10, 26)
	drawer.DrawBytes([]byte("HMC58X3"))

	drawer.Dot = fixed.P(5, 43)
	drawer.DrawBytes([]byte("Magnetometer"))
	return img
}
