// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"github.com/relabs-tech/hmc58x3/internal/app"
	"github.com/relabs-tech/hmc58x3/internal/cli"
)

func main() {
	cli.Main("console (MQTT subscriber)", app.RunConsoleMQTT)
}
