package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/btserial/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"
)

func newPairedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "paired",
		Short: "List devices paired with the adapter",
		Long: `Lists the devices bonded with the local Bluetooth adapter, as known to the
host stack. No radio activity takes place and no connection is opened.

Devices advertising the Serial Port Profile are marked in the SPP column.`,
		Args: cobra.NoArgs,
		RunE: runPaired,
	}

	cmd.Flags().StringP("format", "f", "", "Output format (table, json, yaml)")
	return cmd
}

func runPaired(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	registry, cleanup, err := openRegistry(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.ConnectTimeout)
	defer cancel()

	devices, err := registry.PairedDevices(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch cfg.OutputFormat {
	case "json":
		return displayDevicesJSON(out, devices)
	case "yaml":
		return displayDevicesYAML(out, devices)
	default:
		return displayDevicesTable(out, devices)
	}
}

func displayDevicesTable(out io.Writer, devices []device.DeviceInfo) error {
	if len(devices) == 0 {
		_, err := color.New(color.FgYellow).Fprintln(out, "No paired devices")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tCONNECTED\tSPP")
	fmt.Fprintln(w, "----\t-------\t---------\t---")

	for _, dev := range devices {
		name := dev.DisplayName()
		if len(name) > 24 {
			name = name[:21] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, dev.Address, yesNo(dev.Connected), yesNo(dev.SupportsSerialPort()))
	}

	return w.Flush()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

// deviceRecord returns the device fields in a fixed key order for JSON and YAML output.
func deviceRecord(dev device.DeviceInfo) *orderedmap.OrderedMap[string, any] {
	rec := orderedmap.New[string, any]()
	rec.Set("address", dev.Address)
	rec.Set("name", dev.Name)
	if dev.Alias != "" && dev.Alias != dev.Name {
		rec.Set("alias", dev.Alias)
	}
	if dev.Class != 0 {
		rec.Set("class", fmt.Sprintf("0x%06x", dev.Class))
	}
	rec.Set("paired", dev.Paired)
	rec.Set("connected", dev.Connected)
	rec.Set("serial_port", dev.SupportsSerialPort())
	if len(dev.UUIDs) > 0 {
		rec.Set("uuids", dev.UUIDs)
	}
	return rec
}

func deviceRecords(devices []device.DeviceInfo) []*orderedmap.OrderedMap[string, any] {
	records := make([]*orderedmap.OrderedMap[string, any], 0, len(devices))
	for _, dev := range devices {
		records = append(records, deviceRecord(dev))
	}
	return records
}

func displayDevicesJSON(out io.Writer, devices []device.DeviceInfo) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(deviceRecords(devices))
}

func displayDevicesYAML(out io.Writer, devices []device.DeviceInfo) error {
	encoder := yaml.NewEncoder(out)
	encoder.SetIndent(2)
	if err := encoder.Encode(deviceRecords(devices)); err != nil {
		return fmt.Errorf("failed to encode devices: %w", err)
	}
	return encoder.Close()
}
