// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/relabs-tech/hmc58x3/internal/cli"
	"github.com/relabs-tech/hmc58x3/internal/config"
	"github.com/relabs-tech/hmc58x3/internal/hmc58x3"
	"github.com/relabs-tech/hmc58x3/internal/sensors"
)

var (
	logLevel   = "info"
	configPath = config.DefaultPath
	useMock    bool
	variant    string

	cfg *config.Config
)

func main() {
	if err := NewCommand().Execute(); err != nil {
		handleCmdError(err)
		os.Exit(1)
	}
}

func handleCmdError(err error) {
	switch {
	case errors.Is(err, hmc58x3.ErrIdentityMismatch):
		fmt.Fprintln(os.Stderr, "\nError: no HMC58X3 answered on the bus")
		fmt.Fprintln(os.Stderr, "  - Check HMC_I2C_BUS and the wiring")
		fmt.Fprintln(os.Stderr, "  - Or use --mock to try the tool without hardware")
	case errors.Is(err, hmc58x3.ErrSaturated):
		fmt.Fprintln(os.Stderr, "\nHint: the self-test saturated; retry with a higher --gain (lower sensitivity)")
	case errors.Is(err, sensors.ErrUnusableScale):
		fmt.Fprintln(os.Stderr, "\nHint: an axis never read above zero; use the self-test instead of --legacy")
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hmcctl",
		Short: "hmcctl inspects and calibrates HMC5843/HMC5883L magnetometers",
		Long: `hmcctl inspects and calibrates HMC5843/HMC5883L magnetometers over I2C.

Settings are read from the same configuration file as the services.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if err := cli.SetupLogger(logLevel); err != nil {
				return err
			}
			return loadConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", logLevel, "log level (trace, debug, info, warn, error, fatal, panic)")
	cmd.PersistentFlags().StringVar(&configPath, "config", configPath, "configuration file")
	cmd.PersistentFlags().BoolVar(&useMock, "mock", false, "use the simulated magnetometer")
	cmd.PersistentFlags().StringVar(&variant, "variant", "", "override HMC_VARIANT (hmc5883l or hmc5843)")

	cmd.AddCommand(
		NewIDCommand(),
		NewReadCommand(),
		NewCalibrateCommand(),
		NewRegistersCommand(),
		NewHistoryCommand(),
	)
	return cmd
}

// loadConfig reads the configuration file. A missing file falls back to the
// defaults so the tool works on a bare board.
func loadConfig() error {
	c, err := config.Load(configPath)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		logrus.WithField("path", configPath).Warn("config file not found, using defaults")
		c = config.Default()
	default:
		return err
	}
	// The tool decides itself when to calibrate.
	c.CalOnStartup = false
	if useMock {
		c.HMCMock = true
	}
	if variant != "" {
		c.HMCVariant = variant
	}
	cfg = c
	return nil
}

func openSource() (*sensors.MagSource, error) {
	return sensors.NewMagSource(cfg, logrus.StandardLogger())
}
