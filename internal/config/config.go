// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// DefaultPath is where the tools look for their configuration file.
const DefaultPath = "hmc_config.txt"

// Config holds all application configuration values.
type Config struct {
	// MQTT
	MQTTBroker           string
	MQTTClientIDProducer string
	MQTTClientIDConsole  string
	MQTTClientIDWeb      string
	MQTTClientIDDisplay  string

	// Topics
	TopicMag            string
	TopicMagCalibration string

	// Magnetometer hardware
	HMCI2CBus  string // periph bus name, "" for the first available bus
	HMCI2CAddr uint16
	HMCVariant string // "hmc5883l" or "hmc5843"
	HMCMock    bool   // use the simulated device instead of hardware

	// Magnetometer configuration
	// Gain: 0-7 (see datasheet gain table)
	HMCGain byte
	// Output rate: 0-6
	HMCOutputRate byte
	// Mode: "continuous" or "single"
	HMCMode string

	// Self-test calibration
	CalOnStartup bool
	CalGain      byte
	CalSamples   int
	CalFile      string

	// Timing
	HMCSampleInterval int // milliseconds

	// Web Server
	WebServerPort int

	// Display
	DisplayI2CAddr        uint16
	DisplayUpdateInterval int // milliseconds
}

// Default returns a configuration with every optional value filled in.
func Default() *Config {
	return &Config{
		MQTTClientIDProducer:  "hmc-producer",
		MQTTClientIDConsole:   "hmc-console",
		MQTTClientIDWeb:       "hmc-web",
		MQTTClientIDDisplay:   "hmc-display",
		TopicMag:              "inertial/mag/hmc",
		TopicMagCalibration:   "inertial/mag/hmc/calibration",
		HMCI2CAddr:            0x1E,
		HMCVariant:            "hmc5883l",
		HMCGain:               1,
		HMCOutputRate:         4,
		HMCMode:               "continuous",
		CalGain:               5,
		CalSamples:            10,
		CalFile:               "hmc_calibration.json",
		HMCSampleInterval:     100,
		WebServerPort:         8080,
		DisplayI2CAddr:        0x3C,
		DisplayUpdateInterval: 250,
	}
}

// Package-level unexported variables for singleton pattern:
//   - globalConfig: only reachable through Get, so nobody can modify it without the lock.
//   - configOnce: ensures InitGlobal() only runs once, even if called multiple times.
//   - configMu: write lock for initialization, read lock for Get().
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Load reads the configuration file and returns a Config struct.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	cfg := Default()
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	switch key {
	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID_PRODUCER":
		c.MQTTClientIDProducer = value
	case "MQTT_CLIENT_ID_CONSOLE":
		c.MQTTClientIDConsole = value
	case "MQTT_CLIENT_ID_WEB":
		c.MQTTClientIDWeb = value
	case "MQTT_CLIENT_ID_DISPLAY":
		c.MQTTClientIDDisplay = value

	// Topics
	case "TOPIC_MAG":
		c.TopicMag = value
	case "TOPIC_MAG_CALIBRATION":
		c.TopicMagCalibration = value

	// Magnetometer hardware
	case "HMC_I2C_BUS":
		c.HMCI2CBus = value
	case "HMC_I2C_ADDR":
		addr, err := strconv.ParseUint(value, 0, 16)
		if err != nil {
			return fmt.Errorf("invalid HMC_I2C_ADDR %q: %w", value, err)
		}
		c.HMCI2CAddr = uint16(addr)
	case "HMC_VARIANT":
		switch strings.ToLower(value) {
		case "hmc5883l", "hmc5843":
			c.HMCVariant = strings.ToLower(value)
		default:
			return fmt.Errorf("HMC_VARIANT must be hmc5883l or hmc5843, got %q", value)
		}
	case "HMC_MOCK":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid HMC_MOCK %q: %w", value, err)
		}
		c.HMCMock = b

	// Magnetometer configuration
	case "HMC_GAIN":
		val, err := parseRange(key, value, 0, 7)
		if err != nil {
			return err
		}
		c.HMCGain = byte(val)
	case "HMC_OUTPUT_RATE":
		val, err := parseRange(key, value, 0, 6)
		if err != nil {
			return err
		}
		c.HMCOutputRate = byte(val)
	case "HMC_MODE":
		switch value {
		case "continuous", "single":
			c.HMCMode = value
		default:
			return fmt.Errorf("HMC_MODE must be continuous or single, got %q", value)
		}

	// Self-test calibration
	case "CAL_ON_STARTUP":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid CAL_ON_STARTUP %q: %w", value, err)
		}
		c.CalOnStartup = b
	case "CAL_GAIN":
		val, err := parseRange(key, value, 0, 7)
		if err != nil {
			return err
		}
		c.CalGain = byte(val)
	case "CAL_SAMPLES":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid CAL_SAMPLES %q: %w", value, err)
		}
		if n <= 0 {
			return fmt.Errorf("CAL_SAMPLES must be positive, got %d", n)
		}
		c.CalSamples = n
	case "CAL_FILE":
		c.CalFile = value

	// Timing
	case "HMC_SAMPLE_INTERVAL":
		interval, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid HMC_SAMPLE_INTERVAL %q: %w", value, err)
		}
		c.HMCSampleInterval = interval

	// Web Server
	case "WEB_SERVER_PORT":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid WEB_SERVER_PORT %q: %w", value, err)
		}
		c.WebServerPort = port

	// Display
	case "DISPLAY_I2C_ADDR":
		addr, err := strconv.ParseUint(value, 0, 16)
		if err != nil {
			return fmt.Errorf("invalid DISPLAY_I2C_ADDR %q: %w", value, err)
		}
		c.DisplayI2CAddr = uint16(addr)
	case "DISPLAY_UPDATE_INTERVAL":
		interval, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid DISPLAY_UPDATE_INTERVAL %q: %w", value, err)
		}
		c.DisplayUpdateInterval = interval

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return nil
}

func parseRange(key, value string, lo, hi int) (int, error) {
	val, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if val < lo || val > hi {
		return 0, fmt.Errorf("%s must be %d-%d, got %d", key, lo, hi, val)
	}
	return val, nil
}

// validate checks that all required fields are set.
func (c *Config) validate() error {
	if c.MQTTBroker == "" {
		return fmt.Errorf("MQTT_BROKER is required")
	}
	if c.HMCSampleInterval <= 0 {
		return fmt.Errorf("HMC_SAMPLE_INTERVAL must be positive")
	}
	if c.DisplayUpdateInterval <= 0 {
		return fmt.Errorf("DISPLAY_UPDATE_INTERVAL must be positive")
	}
	return nil
}

// InitGlobal initializes the global configuration from file.
// Uses sync.Once to ensure this only runs once, even if called multiple times.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
