// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package cli holds the start-up plumbing shared by the commands.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/hmc58x3/internal/config"
)

// SetupLogger configures the standard logrus logger.
func SetupLogger(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{})
	if isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.StampMilli,
		})
	}
	return nil
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Main is the body of the single-service commands: it sets up logging,
// loads the configuration file and runs fn until a signal arrives.
func Main(name string, fn func(context.Context, *config.Config, logrus.FieldLogger) error) {
	level := os.Getenv("HMC_LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	if err := SetupLogger(level); err != nil {
		logrus.Fatal(err)
	}
	path := os.Getenv("HMC_CONFIG")
	if path == "" {
		path = config.DefaultPath
	}

	logrus.Infof("starting %s", name)
	if err := config.InitGlobal(path); err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := SignalContext()
	defer stop()
	if err := fn(ctx, config.Get(), logrus.StandardLogger()); err != nil {
		logrus.Fatalf("fatal: %v", err)
	}
}
