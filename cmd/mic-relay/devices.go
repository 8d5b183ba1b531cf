package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/petems/mic-relay/internal/audio"
	"github.com/petems/mic-relay/internal/logging"
)

func newDevicesCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			log := logging.NewWithLevel(cfg.LogLevel)

			capture, err := audio.New(cfg.Audio, log)
			if err != nil {
				log.Error().Err(err).Msg("Failed to initialize audio")
				return err
			}
			defer capture.Close()

			devices, err := capture.Devices()
			if err != nil {
				log.Error().Err(err).Msg("Failed to list devices")
				return err
			}
			renderDevices(os.Stdout, devices)
			return nil
		},
	}
}

func renderDevices(w io.Writer, devices []audio.Device) {
	if len(devices) == 0 {
		fmt.Fprintln(w, "No audio devices found.")
		return
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Index", "Name", "Type", "In", "Out", "Default"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	for _, d := range devices {
		def := ""
		if d.DefaultInput {
			def = "*"
		}
		table.Append([]string{
			strconv.Itoa(d.Index),
			d.Name,
			d.Type(),
			strconv.Itoa(d.MaxInputChannels),
			strconv.Itoa(d.MaxOutputChannels),
			def,
		})
	}

	table.Render()
}
