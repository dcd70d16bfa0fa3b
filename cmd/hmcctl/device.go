// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/relabs-tech/hmc58x3/internal/hmc58x3"
)

func pass(ok bool) string {
	if ok {
		return color.New(color.Bold, color.FgGreen).Sprint("PASS")
	}
	return color.New(color.Bold, color.FgRed).Sprint("FAIL")
}

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}

func NewIDCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Read the identification registers",
		RunE: func(_ *cobra.Command, _ []string) error {
			src, err := openSource()
			if err != nil {
				return err
			}
			defer src.Close()

			id := src.ID()
			fmt.Printf("%s %q (expected %q) %s\n", bold("ID:"), id[:], hmc58x3.ExpectedID[:], pass(id == hmc58x3.ExpectedID))
			if id != hmc58x3.ExpectedID {
				return hmc58x3.ErrIdentityMismatch
			}
			return nil
		},
	}
}

func NewReadCommand() *cobra.Command {
	var (
		raw      bool
		rounded  bool
		count    int
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Print measurements",
		Long:  "Print measurements divided by the current scale factors, or raw counts with --raw.",
		RunE: func(_ *cobra.Command, _ []string) error {
			if raw && rounded {
				return fmt.Errorf("--raw and --rounded are exclusive")
			}
			src, err := openSource()
			if err != nil {
				return err
			}
			defer src.Close()

			for i := 0; i < count; i++ {
				if i > 0 {
					time.Sleep(interval)
				}
				switch {
				case raw:
					c, err := src.ReadRaw()
					if err != nil {
						return err
					}
					fmt.Printf("raw     X:%6d Y:%6d Z:%6d\n", c.X, c.Y, c.Z)
				case rounded:
					c, err := src.ReadRounded()
					if err != nil {
						return err
					}
					fmt.Printf("rounded X:%6d Y:%6d Z:%6d\n", c.X, c.Y, c.Z)
				default:
					v, err := src.ReadCalibrated()
					if err != nil {
						return err
					}
					fmt.Printf("scaled  X:%9.2f Y:%9.2f Z:%9.2f\n", v.X, v.Y, v.Z)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print raw counts")
	cmd.Flags().BoolVar(&rounded, "rounded", false, "print scaled values rounded to whole counts")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of measurements")
	cmd.Flags().DurationVar(&interval, "interval", 100*time.Millisecond, "delay between measurements")
	return cmd
}

func NewRegistersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "registers",
		Short: "Dump the register file",
		RunE: func(_ *cobra.Command, _ []string) error {
			src, err := openSource()
			if err != nil {
				return err
			}
			defer src.Close()

			regs, err := src.ReadAllRegisters()
			if err != nil {
				return err
			}
			names := make(map[byte]string)
			for _, r := range src.Registers() {
				names[r.Address] = r.Name
			}
			addrs := make([]int, 0, len(regs))
			for a := range regs {
				addrs = append(addrs, int(a))
			}
			sort.Ints(addrs)
			for _, a := range addrs {
				fmt.Printf("0x%02X %-5s 0x%02X\n", a, names[byte(a)], regs[byte(a)])
			}
			return nil
		},
	}
}
