// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/relabs-tech/hmc58x3/internal/hmc58x3"
	"github.com/relabs-tech/hmc58x3/internal/mag"
	"github.com/relabs-tech/hmc58x3/internal/sensors"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WebSocket message types
type WSMessage struct {
	Action  string `json:"action"`           // calibrate, cancel
	Method  string `json:"method,omitempty"` // self_test (default) or legacy
	Gain    *int   `json:"gain,omitempty"`
	Samples *int   `json:"samples,omitempty"`
}

type WSResponse struct {
	Type    string           `json:"type"` // phase, result, error
	Phase   string           `json:"phase,omitempty"`
	Results *mag.Calibration `json:"results,omitempty"`
	Message string           `json:"message,omitempty"`
}

// Defaults for a calibrate request without gain or samples.
const (
	defaultCalGain    = 5
	defaultCalSamples = 10
)

// calibrationSession runs calibrations requested over one WebSocket.
type calibrationSession struct {
	srv  *WebServer
	conn *websocket.Conn
	log  logrus.FieldLogger
}

func (s *WebServer) handleCalibrationWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("calibration: websocket upgrade error")
		return
	}
	defer conn.Close()

	session := &calibrationSession{srv: s, conn: conn, log: s.log.WithField("session", "calibration")}
	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				session.log.WithError(err).Warn("websocket read error")
			}
			return
		}

		switch msg.Action {
		case "calibrate":
			session.run(msg)
		case "cancel":
			session.log.Info("cancelled by user")
			return
		default:
			session.sendError(fmt.Sprintf("unknown action: %s", msg.Action), nil)
		}
	}
}

func (s *calibrationSession) run(msg WSMessage) {
	if s.srv.dev == nil {
		s.sendError("magnetometer not available", nil)
		return
	}
	gain, samples := defaultCalGain, defaultCalSamples
	if msg.Gain != nil {
		gain = *msg.Gain
	}
	if msg.Samples != nil {
		samples = *msg.Samples
	}
	if gain < 0 || gain > int(hmc58x3.MaxGain) {
		s.sendError(fmt.Sprintf("gain must be 0-%d, got %d", hmc58x3.MaxGain, gain), nil)
		return
	}

	method := msg.Method
	if method == "" {
		method = sensors.MethodSelfTest
	}
	var (
		rep mag.Calibration
		err error
	)
	switch method {
	case sensors.MethodSelfTest:
		s.sendPhase(method, fmt.Sprintf("self-test at gain %d with %d samples per bias", gain, samples))
		rep, err = s.srv.dev.Calibrate(hmc58x3.Gain(gain), samples)
	case sensors.MethodLegacy:
		s.sendPhase(method, fmt.Sprintf("legacy calibration at gain %d", gain))
		rep, err = s.srv.dev.CalibrateLegacy(hmc58x3.Gain(gain))
	default:
		s.sendError(fmt.Sprintf("unknown method: %s", method), nil)
		return
	}

	if serr := s.srv.store.Append(rep); serr != nil {
		s.log.WithError(serr).Warn("could not store calibration report")
	}
	if s.srv.pub != nil {
		if perr := publishCalibration(s.srv.pub, s.srv.calTopic, rep); perr != nil {
			s.log.WithError(perr).Warn("could not publish calibration report")
		}
	}
	if err != nil {
		s.log.WithError(err).Warn("calibration failed")
		s.sendError(err.Error(), &rep)
		return
	}
	s.log.WithField("scale", rep.Scale).Info("calibration complete")
	s.send(WSResponse{Type: "result", Results: &rep})
}

func (s *calibrationSession) sendPhase(phase, message string) {
	s.send(WSResponse{Type: "phase", Phase: phase, Message: message})
}

func (s *calibrationSession) sendError(message string, rep *mag.Calibration) {
	s.send(WSResponse{Type: "error", Message: message, Results: rep})
}

func (s *calibrationSession) send(resp WSResponse) {
	if err := s.conn.WriteJSON(resp); err != nil {
		s.log.WithError(err).WithField("type", resp.Type).Warn("websocket write error")
	}
}
