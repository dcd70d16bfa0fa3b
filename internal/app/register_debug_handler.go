// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/relabs-tech/hmc58x3/internal/calstore"
	"github.com/relabs-tech/hmc58x3/internal/config"
	"github.com/relabs-tech/hmc58x3/internal/hmc58x3"
	"github.com/relabs-tech/hmc58x3/internal/sensors"
	"github.com/sirupsen/logrus"
)

// RegisterCmd is a request on the register debugging WebSocket.
type RegisterCmd struct {
	Action  string `json:"action"` // get_map, read, read_all, write, init, export_config
	Address string `json:"addr,omitempty"`
	Value   string `json:"value,omitempty"`
}

// Response types
type RegisterResponse struct {
	Type        string                 `json:"type"`             // "register_data", "register_map", "status", "export_config", "error"
	Device      string                 `json:"device,omitempty"` // "hmc5883l" or "hmc5843"
	Address     string                 `json:"addr,omitempty"`
	Value       string                 `json:"value,omitempty"`
	Registers   map[string]string      `json:"registers,omitempty"` // for bulk read
	Timestamp   string                 `json:"timestamp,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Status      string                 `json:"status,omitempty"`
	RegisterMap []hmc58x3.RegisterInfo `json:"register_map,omitempty"`
	Config      string                 `json:"config,omitempty"`
	Filename    string                 `json:"filename,omitempty"`
}

// RegisterConfigFile represents the JSON structure for exported register configuration
type RegisterConfigFile struct {
	Version   int               `json:"version"`
	Device    string            `json:"device"`
	Timestamp string            `json:"timestamp"`
	Registers map[string]string `json:"registers"` // hex address -> hex value
}

// RunRegisterDebug serves the register debugging session alone, without
// MQTT, on WEB_SERVER_PORT+1. The device must be available.
func RunRegisterDebug(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) error {
	log := logger.WithField("component", "register_debug")

	src, err := sensors.NewMagSource(cfg, logger)
	if err != nil {
		return err
	}
	defer src.Close()

	ws := NewWebServer(src, calstore.Open(cfg.CalFile), log)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", ws.handleRegisterDebugWS)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, "web/register_debug.html")
	})
	return serve(ctx, fmt.Sprintf(":%d", cfg.WebServerPort+1), mux, log)
}

type registerDebugSession struct {
	dev  Magnetometer
	conn *websocket.Conn
	log  logrus.FieldLogger
}

func (s *WebServer) handleRegisterDebugWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("register_debug: websocket upgrade error")
		return
	}
	defer conn.Close()

	session := &registerDebugSession{dev: s.dev, conn: conn, log: s.log}
	if s.dev == nil {
		session.sendError("magnetometer not available")
		return
	}

	// Send register map on connection
	if err := session.sendRegisterMap(); err != nil {
		s.log.WithError(err).Warn("register_debug: error sending register map")
		return
	}

	for {
		var cmd RegisterCmd
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.WithError(err).Warn("register_debug: websocket error")
			}
			return
		}

		switch cmd.Action {
		case "get_map":
			session.sendRegisterMap()
		case "read":
			session.handleRead(cmd)
		case "read_all":
			session.handleReadAll()
		case "write":
			session.handleWrite(cmd)
		case "init":
			session.handleInit()
		case "export_config":
			session.handleExportConfig()
		default:
			session.sendError(fmt.Sprintf("unknown action: %s", cmd.Action))
		}
	}
}

func (s *registerDebugSession) handleRead(cmd RegisterCmd) {
	addr, err := parseHexByte(cmd.Address)
	if err != nil {
		s.sendError(fmt.Sprintf("invalid address format: %q", cmd.Address))
		return
	}
	value, err := s.dev.ReadRegister(addr)
	if err != nil {
		s.sendError(fmt.Sprintf("read error: %v", err))
		return
	}
	s.send(RegisterResponse{
		Type:      "register_data",
		Device:    s.dev.Variant().String(),
		Address:   fmt.Sprintf("0x%02X", addr),
		Value:     fmt.Sprintf("0x%02X", value),
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func (s *registerDebugSession) handleReadAll() {
	regMap, err := s.readAll()
	if err != nil {
		s.sendError(fmt.Sprintf("read all error: %v", err))
		return
	}
	s.send(RegisterResponse{
		Type:      "register_data",
		Device:    s.dev.Variant().String(),
		Registers: regMap,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func (s *registerDebugSession) handleWrite(cmd RegisterCmd) {
	addr, err := parseHexByte(cmd.Address)
	if err != nil {
		s.sendError(fmt.Sprintf("invalid address format: %q", cmd.Address))
		return
	}
	value, err := parseHexByte(cmd.Value)
	if err != nil {
		s.sendError(fmt.Sprintf("invalid value format: %q", cmd.Value))
		return
	}
	if !isRegisterWritable(addr, s.dev.Registers()) {
		s.sendError(fmt.Sprintf("register 0x%02X is read-only", addr))
		return
	}
	if err := s.dev.WriteRegister(addr, value); err != nil {
		s.sendError(fmt.Sprintf("write error: %v", err))
		return
	}
	s.send(RegisterResponse{
		Type:      "register_data",
		Device:    s.dev.Variant().String(),
		Address:   fmt.Sprintf("0x%02X", addr),
		Value:     fmt.Sprintf("0x%02X", value),
		Timestamp: time.Now().Format(time.RFC3339),
		Message:   "write successful",
	})
}

func (s *registerDebugSession) handleInit() {
	if err := s.dev.Init(); err != nil {
		s.sendError(fmt.Sprintf("reinit error: %v", err))
		return
	}
	s.send(RegisterResponse{
		Type:    "status",
		Device:  s.dev.Variant().String(),
		Status:  "initialized",
		Message: "magnetometer reinitialized successfully",
	})
}

func (s *registerDebugSession) handleExportConfig() {
	regMap, err := s.readAll()
	if err != nil {
		s.sendError(fmt.Sprintf("export error: %v", err))
		return
	}
	device := s.dev.Variant().String()
	configJSON, err := json.Marshal(RegisterConfigFile{
		Version:   1,
		Device:    device,
		Timestamp: time.Now().Format(time.RFC3339),
		Registers: regMap,
	})
	if err != nil {
		s.sendError(fmt.Sprintf("export error: %v", err))
		return
	}
	s.send(RegisterResponse{
		Type:     "export_config",
		Device:   device,
		Message:  "config exported",
		Config:   string(configJSON),
		Filename: fmt.Sprintf("%s_%s_registers.json", device, time.Now().Format("20060102_150405")),
	})
}

func (s *registerDebugSession) readAll() (map[string]string, error) {
	registers, err := s.dev.ReadAllRegisters()
	if err != nil {
		return nil, err
	}
	regMap := make(map[string]string, len(registers))
	for addr, value := range registers {
		regMap[fmt.Sprintf("0x%02X", addr)] = fmt.Sprintf("0x%02X", value)
	}
	return regMap, nil
}

func (s *registerDebugSession) sendRegisterMap() error {
	return s.conn.WriteJSON(RegisterResponse{
		Type:        "register_map",
		Device:      s.dev.Variant().String(),
		RegisterMap: s.dev.Registers(),
	})
}

func (s *registerDebugSession) sendError(message string) {
	s.send(RegisterResponse{
		Type:    "error",
		Message: message,
	})
}

func (s *registerDebugSession) send(resp RegisterResponse) {
	if err := s.conn.WriteJSON(resp); err != nil {
		s.log.WithError(err).WithField("type", resp.Type).Warn("register_debug: websocket write error")
	}
}

// parseHexByte parses a register address or value written in hex, with or
// without a 0x prefix.
func parseHexByte(s string) (byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, err
	}
	return byte(v), nil
}

// isRegisterWritable reports whether the register map marks addr as writable.
func isRegisterWritable(addr byte, regs []hmc58x3.RegisterInfo) bool {
	for _, r := range regs {
		if r.Address == addr {
			return r.Access == "RW"
		}
	}
	return false
}
