// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/relabs-tech/hmc58x3/internal/calstore"
	"github.com/relabs-tech/hmc58x3/internal/config"
	"github.com/relabs-tech/hmc58x3/internal/hmc58x3"
	"github.com/relabs-tech/hmc58x3/internal/mag"
	"github.com/relabs-tech/hmc58x3/internal/sensors"
	"github.com/sirupsen/logrus"
)

// Magnetometer is the device access the web sessions need.
// *sensors.MagSource implements it.
type Magnetometer interface {
	Variant() hmc58x3.Variant
	Calibrate(gain hmc58x3.Gain, samples int) (mag.Calibration, error)
	CalibrateLegacy(gain hmc58x3.Gain) (mag.Calibration, error)
	Init() error
	ReadRegister(reg byte) (byte, error)
	WriteRegister(reg, value byte) error
	ReadAllRegisters() (map[byte]byte, error)
	Registers() []hmc58x3.RegisterInfo
}

// WebServer serves the latest sample, the calibration history and the
// interactive calibration and register sessions.
type WebServer struct {
	dev   Magnetometer // nil when the device could not be opened
	store *calstore.Store
	log   logrus.FieldLogger

	// Calibration reports are published retained on calTopic when pub is set.
	pub      publisher
	calTopic string

	mu         sync.RWMutex
	lastSample mag.Sample
	haveSample bool
}

// NewWebServer creates the server. dev may be nil, in which case the
// WebSocket sessions report the device as unavailable.
func NewWebServer(dev Magnetometer, store *calstore.Store, log logrus.FieldLogger) *WebServer {
	return &WebServer{dev: dev, store: store, log: log}
}

// publishCalibrations makes every calibration run from a web session be
// published on topic.
func (s *WebServer) publishCalibrations(pub publisher, topic string) {
	s.pub = pub
	s.calTopic = topic
}

// SetSample records the latest sample served by /api/mag.
func (s *WebServer) SetSample(sm mag.Sample) {
	s.mu.Lock()
	s.lastSample = sm
	s.haveSample = true
	s.mu.Unlock()
}

// Handler returns the HTTP routes.
func (s *WebServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/mag", s.handleMag)
	mux.HandleFunc("/api/calibration", s.handleCalibration)
	mux.HandleFunc("/api/calibration/history", s.handleHistory)
	mux.HandleFunc("/ws/calibration", s.handleCalibrationWS)
	mux.HandleFunc("/ws/registers", s.handleRegisterDebugWS)
	mux.Handle("/", http.FileServer(http.Dir("web")))
	return mux
}

func (s *WebServer) handleMag(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	sm, ok := s.lastSample, s.haveSample
	s.mu.RUnlock()

	if !ok {
		http.Error(w, "no data yet", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, sm)
}

func (s *WebServer) handleCalibration(w http.ResponseWriter, r *http.Request) {
	rep, ok, err := s.store.Latest()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "no successful calibration yet", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, rep)
}

func (s *WebServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.History()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, recs)
}

func (s *WebServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Warn("json encode error")
	}
}

// RunWeb serves the web interface on WEB_SERVER_PORT until ctx is cancelled.
// The magnetometer is opened for the calibration and register sessions; if
// that fails the server still runs with the MQTT-fed endpoints.
func RunWeb(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) error {
	log := logger.WithField("component", "web")

	var dev Magnetometer
	src, err := sensors.NewMagSource(cfg, logger)
	if err != nil {
		log.WithError(err).Warn("magnetometer not available, calibration and register sessions disabled")
	} else {
		defer src.Close()
		dev = src
	}

	ws := NewWebServer(dev, calstore.Open(cfg.CalFile), log)

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDWeb, log)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)
	ws.publishCalibrations(mqttPublisher{client: client}, cfg.TopicMagCalibration)
	if err := subscribeJSON(client, cfg.TopicMag, log, ws.SetSample); err != nil {
		return err
	}

	return serve(ctx, fmt.Sprintf(":%d", cfg.WebServerPort), ws.Handler(), log)
}

// serve runs an HTTP server on addr until ctx is cancelled.
func serve(ctx context.Context, addr string, h http.Handler, log logrus.FieldLogger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infof("listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
