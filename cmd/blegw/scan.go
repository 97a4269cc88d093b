package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/iotworks/blegw/internal/bleadapter"
	"github.com/iotworks/blegw/internal/bt510"
	"github.com/iotworks/blegw/internal/devicefactory"
	"github.com/iotworks/blegw/internal/sensor"
)

// scanCmd performs a one-shot advertisement survey.
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Survey nearby BLE sensors",
	Long: `Scan for advertising devices, classify them, and print a table of what
was seen: address, name, RSSI, classification, and any measurement decoded
from the advertisement payload.`,
	RunE: runScan,
}

var scanDuration time.Duration

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
}

type surveyEntry struct {
	rec            *sensor.AdvertisementRecord
	classification devicefactory.Classification
	measurement    *sensor.Measurement
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger()

	adapter := bleadapter.New(logger)
	defer func() { _ = adapter.Stop() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), scanDuration)
	defer cancel()

	seen := make(map[string]*surveyEntry)
	err = adapter.Scan(ctx, func(adv bleadapter.Advertisement) {
		rec := bleadapter.ToRecord(adv)
		if rec.Address.IsZero() {
			return
		}
		addr := rec.Address.String()
		if _, ok := seen[addr]; ok {
			return
		}
		entry := &surveyEntry{rec: rec, classification: devicefactory.Classify(rec)}
		if ms, err := bt510.ParseAdvertisement(rec); err == nil && len(ms) > 0 {
			entry.measurement = &ms[0]
		}
		seen[addr] = entry
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	printSurvey(seen)
	return nil
}

func printSurvey(seen map[string]*surveyEntry) {
	addrs := make([]string, 0, len(seen))
	for addr := range seen {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	kindColor := map[devicefactory.Kind]func(format string, a ...interface{}) string{
		devicefactory.KindBT510:   color.GreenString,
		devicefactory.KindDummy:   color.YellowString,
		devicefactory.KindUnknown: color.RedString,
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tRSSI\tKIND\tMEASUREMENT")
	for _, addr := range addrs {
		e := seen[addr]
		colorize := kindColor[e.classification.Kind]
		if colorize == nil {
			colorize = fmt.Sprintf
		}
		measurement := "-"
		if e.measurement != nil {
			measurement = fmt.Sprintf("%.2f %s", e.measurement.Value, e.measurement.Unit)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			addr, e.rec.Name, e.rec.RSSI, colorize("%s", string(e.classification.Kind)), measurement)
	}
	w.Flush()
	fmt.Printf("\n%d device(s)\n", len(seen))
}
