// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"

	"github.com/relabs-tech/hmc58x3/internal/config"
	"github.com/relabs-tech/hmc58x3/internal/mag"
	"github.com/sirupsen/logrus"
)

// RunConsoleMQTT prints every sample and calibration report published on the
// configured topics until ctx is cancelled.
func RunConsoleMQTT(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) error {
	log := logger.WithField("component", "console")

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDConsole, log)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	if err := subscribeJSON(client, cfg.TopicMag, log, func(s mag.Sample) {
		fmt.Println(formatSample(s))
	}); err != nil {
		return err
	}
	if err := subscribeJSON(client, cfg.TopicMagCalibration, log, func(c mag.Calibration) {
		fmt.Println(formatCalibration(c))
	}); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func formatSample(s mag.Sample) string {
	return fmt.Sprintf(
		"[MAG ] raw=%6d %6d %6d  cal=%8.2f %8.2f %8.2f  |B|=%8.2f",
		s.RawX, s.RawY, s.RawZ, s.X, s.Y, s.Z, s.Norm,
	)
}

func formatCalibration(c mag.Calibration) string {
	if !c.OK {
		return fmt.Sprintf("[CAL ] %s %s gain=%d FAILED: %s", c.Source, c.Method, c.Gain, c.Reason)
	}
	return fmt.Sprintf(
		"[CAL ] %s %s gain=%d scale=%.4f %.4f %.4f",
		c.Source, c.Method, c.Gain, c.Scale[0], c.Scale[1], c.Scale[2],
	)
}
