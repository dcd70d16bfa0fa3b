// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package calstore keeps the history of calibration reports in a JSON file.
package calstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/relabs-tech/hmc58x3/internal/mag"
)

// SchemaVersion is written to every file and checked on load.
const SchemaVersion = 1

// maxRecords bounds the history; the oldest reports are dropped first.
const maxRecords = 200

type file struct {
	SchemaVersion int               `json:"schema_version"`
	Records       []mag.Calibration `json:"records"`
}

// Store appends calibration reports to a JSON file.
type Store struct {
	mu   sync.Mutex
	path string
}

// Open returns a store backed by path. The file is created on first Append.
func Open(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Append adds rep to the history.
func (s *Store) Append(rep mag.Calibration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	f.Records = append(f.Records, rep)
	if n := len(f.Records); n > maxRecords {
		f.Records = f.Records[n-maxRecords:]
	}
	return s.persist(f)
}

// History returns every stored report, oldest first.
func (s *Store) History() ([]mag.Calibration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	return f.Records, nil
}

// Latest returns the most recent successful report.
func (s *Store) Latest() (mag.Calibration, bool, error) {
	recs, err := s.History()
	if err != nil {
		return mag.Calibration{}, false, err
	}
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].OK {
			return recs[i], true, nil
		}
	}
	return mag.Calibration{}, false, nil
}

func (s *Store) load() (*file, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &file{SchemaVersion: SchemaVersion}, nil
		}
		return nil, fmt.Errorf("calstore: read %s: %w", s.path, err)
	}
	var f file
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("calstore: decode %s: %w", s.path, err)
	}
	if f.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("calstore: %s has schema version %d, want %d", s.path, f.SchemaVersion, SchemaVersion)
	}
	return &f, nil
}

// persist writes through a temporary file so a crash never leaves a
// truncated history.
func (s *Store) persist(f *file) error {
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("calstore: encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".calstore-*")
	if err != nil {
		return fmt.Errorf("calstore: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("calstore: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("calstore: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("calstore: rename: %w", err)
	}
	return nil
}
