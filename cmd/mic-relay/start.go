package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/petems/mic-relay/internal/audio"
	"github.com/petems/mic-relay/internal/config"
	"github.com/petems/mic-relay/internal/delivery"
	"github.com/petems/mic-relay/internal/inject"
	"github.com/petems/mic-relay/internal/logging"
	"github.com/petems/mic-relay/internal/metrics"
	"github.com/petems/mic-relay/internal/permissions"
	"github.com/petems/mic-relay/internal/protocol"
	"github.com/petems/mic-relay/internal/stream"
)

func newStartCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Capture audio and stream speech segments until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, v)
		},
	}

	d := config.Default()
	f := cmd.Flags()
	f.String("device", d.Audio.Device, "Capture device: \"default\", a device index or a device name")
	f.Int("sample-rate", d.Audio.SampleRate, "Sample rate in Hz")
	f.Int("chunk-size", d.Audio.ChunkSize, "Frames per read")
	f.String("ws-url", d.Delivery.URL, "Backend WebSocket URL")
	f.String("mode", d.Stream.Mode, "Delivery mode: segment or raw")
	f.String("metrics-addr", d.MetricsAddr, "Serve Prometheus metrics on this address (disabled when empty)")
	f.String("device-record", "", "Device selection file written by the device picker")
	f.Bool("copy-transcripts", d.Inject.CopyTranscripts, "Copy each received transcription to the clipboard")

	v.BindPFlag("audio.device", f.Lookup("device"))
	v.BindPFlag("audio.sample_rate", f.Lookup("sample-rate"))
	v.BindPFlag("audio.chunk_size", f.Lookup("chunk-size"))
	v.BindPFlag("delivery.url", f.Lookup("ws-url"))
	v.BindPFlag("stream.mode", f.Lookup("mode"))
	v.BindPFlag("metrics_addr", f.Lookup("metrics-addr"))
	v.BindPFlag("device_record", f.Lookup("device-record"))
	v.BindPFlag("inject.copy_transcripts", f.Lookup("copy-transcripts"))
	return cmd
}

func runStart(cmd *cobra.Command, v *viper.Viper) error {
	cfg, err := loadConfig(cmd, v)
	if err != nil {
		return err
	}

	log := logging.NewWithLevel(cfg.LogLevel)
	logging.SetGlobal(log)

	if !cmd.Flags().Changed("device") {
		applyDeviceRecord(cfg, cfg.DeviceRecord, log)
	}

	// macOS requires explicit microphone approval before capture works
	if err := permissions.EnsureMicrophone(log); err != nil {
		log.Error().Err(err).Msg("Microphone permission not granted")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, reg, log); err != nil {
				log.Error().Err(err).Msg("Metrics endpoint failed")
			}
		}()
	}

	capture, err := audio.New(cfg.Audio, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize audio")
		return err
	}
	defer capture.Close()

	var onMessage func(protocol.Inbound)
	if cfg.Inject.CopyTranscripts {
		push := inject.Queue(ctx, inject.New(cfg.Inject), logging.Component(log, "inject"))
		onMessage = func(msg protocol.Inbound) {
			if msg.Type == protocol.TypeTranscription {
				push(msg.Text)
			}
		}
	}

	channel := delivery.New(delivery.Config{
		URL:                  cfg.Delivery.URL,
		MaxReconnectAttempts: cfg.Delivery.MaxReconnectAttempts,
		MinReconnectInterval: cfg.Delivery.MinReconnectInterval,
		MaxReconnectInterval: cfg.Delivery.MaxReconnectInterval,
		HandshakeTimeout:     cfg.Delivery.HandshakeTimeout,
		WriteTimeout:         cfg.Delivery.WriteTimeout,
		QueueSize:            cfg.Delivery.SendQueueSize,
		StableSession:        cfg.Delivery.StableSession,
		Logger:               log,
		Metrics:              m,
		OnMessage:            onMessage,
	})

	ctrl, err := stream.New(stream.Config{
		Source:  capture,
		Channel: channel,
		Config:  cfg,
		Logger:  log,
		Metrics: m,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize stream")
		return err
	}

	log.Info().Str("version", Version).Str("commit", Commit).Str("url", cfg.Delivery.URL).Msg("mic-relay starting...")

	// Run logs its own fatal diagnostics; main only maps the error to the exit status
	return ctrl.Run(ctx)
}

// applyDeviceRecord selects the device saved by the picker when the user did
// not name one.
func applyDeviceRecord(cfg *config.Config, path string, log zerolog.Logger) {
	if path == "" || cfg.Audio.Device != "default" {
		return
	}

	rec, err := config.ReadDeviceRecord(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return
	case err != nil:
		log.Warn().Err(err).Msg("Ignoring device record")
		return
	case !rec.IsInput():
		log.Warn().Str("device_type", rec.DeviceType).Str("path", path).Msg("Device record is not an input device")
		return
	}

	log.Info().
		Str("device_id", rec.DeviceID).
		Str("device_name", rec.DeviceName).
		Msg("Using device from record")
	cfg.Audio.Device = rec.DeviceID
}
