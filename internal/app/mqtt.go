// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"encoding/json"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// publisher is the part of an MQTT client the producer needs.
type publisher interface {
	Publish(topic string, retained bool, payload []byte) error
}

type mqttPublisher struct {
	client mqtt.Client
}

func (p mqttPublisher) Publish(topic string, retained bool, payload []byte) error {
	token := p.client.Publish(topic, 0, retained, payload)
	token.Wait()
	return token.Error()
}

func connectMQTT(broker, clientID string, log logrus.FieldLogger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	log.Infof("connected to MQTT broker at %s", broker)
	return client, nil
}

// subscribeJSON subscribes to topic and decodes every payload into a fresh T
// before handing it to fn. Undecodable payloads are logged and dropped.
func subscribeJSON[T any](client mqtt.Client, topic string, log logrus.FieldLogger, fn func(T)) error {
	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var v T
		if err := json.Unmarshal(msg.Payload(), &v); err != nil {
			log.WithError(err).WithField("topic", msg.Topic()).Warn("unmarshal error")
			return
		}
		fn(v)
	})
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, token.Error())
	}
	log.Infof("subscribed to %s", topic)
	return nil
}
