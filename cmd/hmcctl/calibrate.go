// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/relabs-tech/hmc58x3/internal/app"
	"github.com/relabs-tech/hmc58x3/internal/calstore"
	"github.com/relabs-tech/hmc58x3/internal/hmc58x3"
	"github.com/relabs-tech/hmc58x3/internal/mag"
	"github.com/relabs-tech/hmc58x3/internal/sensors"
)

func NewCalibrateCommand() *cobra.Command {
	var (
		gain    int
		samples int
		legacy  bool
		noStore   bool
		noPublish bool
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:     "calibrate",
		Aliases: []string{"cal"},
		Short:   "Run the bias self-test and derive per-axis scale factors",
		Long: `Run the bias self-test: samples measurements under positive bias, then
under negative bias, and compare the difference against the expected bracket
for the gain. With --legacy the older max-based calibration runs instead.

The report is appended to CAL_FILE and, when MQTT_BROKER is set, published
retained on TOPIC_MAG_CALIBRATION so a running producer picks up the new
scale factors.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("gain") {
				gain = int(cfg.CalGain)
			}
			if !cmd.Flags().Changed("samples") {
				samples = cfg.CalSamples
			}
			if gain < 0 || gain > int(hmc58x3.MaxGain) {
				return fmt.Errorf("%w: gain must be 0-%d", hmc58x3.ErrInvalidParameters, hmc58x3.MaxGain)
			}

			src, err := openSource()
			if err != nil {
				return err
			}
			defer src.Close()

			var rep mag.Calibration
			if legacy {
				rep, err = src.CalibrateLegacy(hmc58x3.Gain(gain))
			} else {
				rep, err = src.Calibrate(hmc58x3.Gain(gain), samples)
			}
			if !noStore {
				if serr := calstore.Open(cfg.CalFile).Append(rep); serr != nil {
					logrus.WithError(serr).Warn("could not store calibration report")
				}
			}
			if !noPublish && cfg.MQTTBroker != "" {
				if perr := app.PublishCalibration(cfg, "hmcctl", rep, logrus.StandardLogger()); perr != nil {
					logrus.WithError(perr).Warn("could not publish calibration report")
				}
			}

			if asJSON {
				b, jerr := json.MarshalIndent(rep, "", "  ")
				if jerr != nil {
					return jerr
				}
				fmt.Println(string(b))
			} else {
				printReport(rep)
			}
			return err
		},
	}
	cmd.Flags().IntVar(&gain, "gain", 5, "gain setting 0-7 (default CAL_GAIN)")
	cmd.Flags().IntVar(&samples, "samples", 10, "measurements per bias phase (default CAL_SAMPLES)")
	cmd.Flags().BoolVar(&legacy, "legacy", false, "use the max-based calibration")
	cmd.Flags().BoolVar(&noStore, "no-store", false, "do not append the report to CAL_FILE")
	cmd.Flags().BoolVar(&noPublish, "no-publish", false, "do not publish the report over MQTT")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func printReport(rep mag.Calibration) {
	fmt.Printf("%s %s %s\n", bold("Calibration:"), rep.Method, pass(rep.OK))
	fmt.Printf("  device:   %s\n", rep.Source)
	fmt.Printf("  gain:     %d\n", rep.Gain)
	fmt.Printf("  samples:  %d\n", rep.Samples)
	fmt.Printf("  result:   %s\n", rep.Reason)
	if rep.Method == sensors.MethodSelfTest {
		fmt.Printf("  totals:   X:%d Y:%d Z:%d\n", rep.Totals[0], rep.Totals[1], rep.Totals[2])
		fmt.Printf("  bracket:  [%d, %d]\n", rep.LowLimit, rep.HighLimit)
	}
	if rep.OK {
		fmt.Printf("  scale:    X:%.4f Y:%.4f Z:%.4f\n", rep.Scale[0], rep.Scale[1], rep.Scale[2])
	}
	if rep.Error != "" {
		fmt.Printf("  error:    %s\n", rep.Error)
	}
}

func NewHistoryCommand() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show stored calibration reports",
		RunE: func(_ *cobra.Command, _ []string) error {
			store := calstore.Open(cfg.CalFile)
			if !all {
				rep, ok, err := store.Latest()
				if err != nil {
					return err
				}
				if !ok {
					fmt.Printf("no successful calibration in %s\n", store.Path())
					return nil
				}
				printReport(rep)
				return nil
			}

			recs, err := store.History()
			if err != nil {
				return err
			}
			for _, r := range recs {
				fmt.Printf("%s  %-9s %-8s gain=%d %-18s %s\n", r.Time, r.Method, r.Source, r.Gain, r.Reason, pass(r.OK))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list every stored report instead of the latest successful one")
	return cmd
}
