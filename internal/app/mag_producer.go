// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relabs-tech/hmc58x3/internal/calstore"
	"github.com/relabs-tech/hmc58x3/internal/config"
	"github.com/relabs-tech/hmc58x3/internal/hmc58x3"
	"github.com/relabs-tech/hmc58x3/internal/mag"
	"github.com/relabs-tech/hmc58x3/internal/sensors"
	"github.com/sirupsen/logrus"
)

// RunMagProducer opens the magnetometer and publishes one sample per
// HMC_SAMPLE_INTERVAL until ctx is cancelled. The startup calibration report,
// if any, is stored and published retained on the calibration topic. Without
// a successful startup calibration the latest stored one is applied, and
// every successful report later seen on the calibration topic replaces the
// scale factors.
func RunMagProducer(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) error {
	log := logger.WithField("component", "producer")

	src, err := sensors.NewMagSource(cfg, logger)
	if err != nil {
		return err
	}
	defer src.Close()

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDProducer, log)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)
	pub := mqttPublisher{client: client}

	store := calstore.Open(cfg.CalFile)
	rep, ok := src.LastCalibration()
	if ok {
		if err := store.Append(rep); err != nil {
			log.WithError(err).Warn("could not store calibration report")
		}
		if err := publishCalibration(pub, cfg.TopicMagCalibration, rep); err != nil {
			log.WithError(err).Warn("could not publish calibration report")
		}
	}
	if !ok || !rep.OK {
		if latest, found, err := store.Latest(); err != nil {
			log.WithError(err).Warn("could not load calibration history")
		} else if found {
			applyCalibration(src, latest, log)
		}
	}

	err = subscribeJSON(client, cfg.TopicMagCalibration, log, func(rep mag.Calibration) {
		applyCalibration(src, rep, log)
	})
	if err != nil {
		return err
	}

	interval := time.Duration(cfg.HMCSampleInterval) * time.Millisecond
	log.WithFields(logrus.Fields{"topic": cfg.TopicMag, "interval": interval}).Info("producer started")
	return produce(ctx, src, pub, cfg.TopicMag, interval, log)
}

// produce publishes samples from src until ctx is done. Read and publish
// errors are logged and the loop continues.
func produce(ctx context.Context, src mag.SampleSource, pub publisher, topic string, interval time.Duration, log logrus.FieldLogger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for ctx.Err() == nil {
		s, err := src.Next()
		if err != nil {
			log.WithError(err).Warn("read error")
		} else if b, err := json.Marshal(s); err != nil {
			log.WithError(err).Error("marshal error")
		} else if err := pub.Publish(topic, false, b); err != nil {
			log.WithError(err).Warn("publish error")
		}

		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
	log.Info("producer stopped")
	return nil
}

// scaleSetter is the part of a device a calibration report updates.
type scaleSetter interface {
	Variant() hmc58x3.Variant
	Scale() hmc58x3.Vector
	SetScale(v hmc58x3.Vector) error
}

// applyCalibration adopts the scale factors of a successful report for the
// same variant. It reports whether the scale changed.
func applyCalibration(dev scaleSetter, rep mag.Calibration, log logrus.FieldLogger) bool {
	if !rep.OK || rep.Source != dev.Variant().String() {
		return false
	}
	v := hmc58x3.Vector{X: rep.Scale[0], Y: rep.Scale[1], Z: rep.Scale[2]}
	if v == dev.Scale() {
		return false
	}
	if err := dev.SetScale(v); err != nil {
		log.WithError(err).Warn("ignoring calibration report")
		return false
	}
	log.WithFields(logrus.Fields{
		"method": rep.Method,
		"time":   rep.Time,
		"scale":  rep.Scale,
	}).Info("scale factors updated")
	return true
}

// PublishCalibration connects to the configured broker, publishes rep
// retained on the calibration topic and disconnects.
func PublishCalibration(cfg *config.Config, clientID string, rep mag.Calibration, logger logrus.FieldLogger) error {
	client, err := connectMQTT(cfg.MQTTBroker, clientID, logger)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)
	return publishCalibration(mqttPublisher{client: client}, cfg.TopicMagCalibration, rep)
}

func publishCalibration(pub publisher, topic string, rep mag.Calibration) error {
	b, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("marshal calibration report: %w", err)
	}
	return pub.Publish(topic, true, b)
}
