// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/relabs-tech/hmc58x3/internal/calstore"
	"github.com/relabs-tech/hmc58x3/internal/hmc58x3"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	cmd := NewCommand()
	cmd.SetArgs(args)
	return cmd.Execute()
}

// mockConfig writes a configuration that selects the simulated device and
// keeps the calibration history in a temporary directory.
func mockConfig(t *testing.T) (path, calFile string) {
	t.Helper()
	dir := t.TempDir()
	calFile = filepath.Join(dir, "cal.json")
	path = filepath.Join(dir, "hmc_config.txt")
	body := "MQTT_BROKER=tcp://localhost:1883\nHMC_MOCK=true\nCAL_FILE=" + calFile + "\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path, calFile
}

func TestDeviceCommands(t *testing.T) {
	path, _ := mockConfig(t)
	for _, args := range [][]string{
		{"id"},
		{"read", "-n", "2", "--interval", "0"},
		{"read", "--raw"},
		{"read", "--rounded"},
		{"registers"},
	} {
		if err := run(t, append([]string{"--config", path}, args...)...); err != nil {
			t.Errorf("%v: %v", args, err)
		}
	}
}

func TestCalibrateStoresReport(t *testing.T) {
	path, calFile := mockConfig(t)
	if err := run(t, "--config", path, "calibrate", "--no-publish", "--gain", "5", "--samples", "4"); err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	if err := run(t, "--config", path, "calibrate", "--no-publish", "--legacy"); err != nil {
		t.Fatalf("calibrate --legacy: %v", err)
	}
	recs, err := calstore.Open(calFile).History()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || !recs[0].OK || recs[0].Samples != 4 || recs[1].Method != "legacy" {
		t.Errorf("history = %+v", recs)
	}
	if err := run(t, "--config", path, "history", "--all"); err != nil {
		t.Fatal(err)
	}
}

func TestCalibrateRejectsBadGain(t *testing.T) {
	path, calFile := mockConfig(t)
	err := run(t, "--config", path, "calibrate", "--gain", "8")
	if !errors.Is(err, hmc58x3.ErrInvalidParameters) {
		t.Fatalf("err = %v, want %v", err, hmc58x3.ErrInvalidParameters)
	}
	if _, err := os.Stat(calFile); !errors.Is(err, os.ErrNotExist) {
		t.Error("rejected run was stored")
	}
}

func TestMissingConfigFallsBackToDefaults(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "none.txt")
	if err := run(t, "--config", missing, "--mock", "id"); err != nil {
		t.Fatal(err)
	}
	if !cfg.HMCMock || cfg.CalOnStartup {
		t.Errorf("config = %+v", cfg)
	}
}
