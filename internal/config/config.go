package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ModeSegment = "segment"
	ModeRaw     = "raw"
)

// EnvPrefix is prepended to every environment override, e.g. MIC_RELAY_DELIVERY_URL.
const EnvPrefix = "MIC_RELAY"

type Config struct {
	LogLevel     string          `json:"log_level" mapstructure:"log_level"`
	MetricsAddr  string          `json:"metrics_addr" mapstructure:"metrics_addr"`
	DeviceRecord string          `json:"device_record" mapstructure:"device_record"`
	Audio        AudioConfig     `json:"audio" mapstructure:"audio"`
	Segmenter    SegmenterConfig `json:"segmenter" mapstructure:"segmenter"`
	Delivery     DeliveryConfig  `json:"delivery" mapstructure:"delivery"`
	Stream       StreamConfig    `json:"stream" mapstructure:"stream"`
	Inject       InjectConfig    `json:"inject" mapstructure:"inject"`
}

type AudioConfig struct {
	Device                   string        `json:"device" mapstructure:"device"` // "default", an index, or a device name
	SampleRate               int           `json:"sample_rate" mapstructure:"sample_rate"`
	ChunkSize                int           `json:"chunk_size" mapstructure:"chunk_size"` // frames per buffer
	Channels                 int           `json:"channels" mapstructure:"channels"`
	ReadTimeout              time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	MaxConsecutiveReadErrors int           `json:"max_consecutive_read_errors" mapstructure:"max_consecutive_read_errors"`
}

type SegmenterConfig struct {
	SilenceThreshold  float64       `json:"silence_threshold" mapstructure:"silence_threshold"`
	SilenceDuration   time.Duration `json:"silence_duration" mapstructure:"silence_duration"`
	MinSpeechDuration time.Duration `json:"min_speech_duration" mapstructure:"min_speech_duration"`
	MaxSpeechDuration time.Duration `json:"max_speech_duration" mapstructure:"max_speech_duration"`
}

type DeliveryConfig struct {
	URL                  string        `json:"url" mapstructure:"url"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts" mapstructure:"max_reconnect_attempts"`
	MinReconnectInterval time.Duration `json:"min_reconnect_interval" mapstructure:"min_reconnect_interval"`
	MaxReconnectInterval time.Duration `json:"max_reconnect_interval" mapstructure:"max_reconnect_interval"`
	HandshakeTimeout     time.Duration `json:"handshake_timeout" mapstructure:"handshake_timeout"`
	WriteTimeout         time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	SendQueueSize        int           `json:"send_queue_size" mapstructure:"send_queue_size"`
	StableSession        time.Duration `json:"stable_session" mapstructure:"stable_session"`
	LanguageCode         string        `json:"language_code" mapstructure:"language_code"`
	IncludeFormat        bool          `json:"include_format" mapstructure:"include_format"`
}

type StreamConfig struct {
	Mode string `json:"mode" mapstructure:"mode"` // "segment" or "raw"
}

// InjectConfig controls what happens to transcripts sent back by the backend.
type InjectConfig struct {
	CopyTranscripts bool `json:"copy_transcripts" mapstructure:"copy_transcripts"`
	AppendSpace     bool `json:"append_space" mapstructure:"append_space"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:     "info",
		MetricsAddr:  "",
		DeviceRecord: filepath.Join(configDir(), "device_config.txt"),
		Audio: AudioConfig{
			Device:                   "default",
			SampleRate:               16000,
			ChunkSize:                1024,
			Channels:                 1,
			ReadTimeout:              time.Second,
			MaxConsecutiveReadErrors: 10,
		},
		Segmenter: SegmenterConfig{
			SilenceThreshold:  100,
			SilenceDuration:   time.Second,
			MinSpeechDuration: 500 * time.Millisecond,
			MaxSpeechDuration: 15 * time.Second,
		},
		Delivery: DeliveryConfig{
			URL:                  "ws://localhost:8080/audio-stream/websocket",
			MaxReconnectAttempts: 5,
			MinReconnectInterval: 500 * time.Millisecond,
			MaxReconnectInterval: 10 * time.Second,
			HandshakeTimeout:     5 * time.Second,
			WriteTimeout:         2 * time.Second,
			SendQueueSize:        4,
			StableSession:        5 * time.Second,
			LanguageCode:         "en-US",
			IncludeFormat:        true,
		},
		Stream: StreamConfig{
			Mode: ModeSegment,
		},
		Inject: InjectConfig{
			CopyTranscripts: false,
			AppendSpace:     true,
		},
	}
}

// Load layers defaults, the JSON config file, MIC_RELAY_* environment
// variables and any flags already bound on v. An empty path selects the
// platform config location. A missing file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path == "" {
		path = configPath()
	}

	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("device_record", d.DeviceRecord)

	v.SetDefault("audio.device", d.Audio.Device)
	v.SetDefault("audio.sample_rate", d.Audio.SampleRate)
	v.SetDefault("audio.chunk_size", d.Audio.ChunkSize)
	v.SetDefault("audio.channels", d.Audio.Channels)
	v.SetDefault("audio.read_timeout", d.Audio.ReadTimeout)
	v.SetDefault("audio.max_consecutive_read_errors", d.Audio.MaxConsecutiveReadErrors)

	v.SetDefault("segmenter.silence_threshold", d.Segmenter.SilenceThreshold)
	v.SetDefault("segmenter.silence_duration", d.Segmenter.SilenceDuration)
	v.SetDefault("segmenter.min_speech_duration", d.Segmenter.MinSpeechDuration)
	v.SetDefault("segmenter.max_speech_duration", d.Segmenter.MaxSpeechDuration)

	v.SetDefault("delivery.url", d.Delivery.URL)
	v.SetDefault("delivery.max_reconnect_attempts", d.Delivery.MaxReconnectAttempts)
	v.SetDefault("delivery.min_reconnect_interval", d.Delivery.MinReconnectInterval)
	v.SetDefault("delivery.max_reconnect_interval", d.Delivery.MaxReconnectInterval)
	v.SetDefault("delivery.handshake_timeout", d.Delivery.HandshakeTimeout)
	v.SetDefault("delivery.write_timeout", d.Delivery.WriteTimeout)
	v.SetDefault("delivery.send_queue_size", d.Delivery.SendQueueSize)
	v.SetDefault("delivery.stable_session", d.Delivery.StableSession)
	v.SetDefault("delivery.language_code", d.Delivery.LanguageCode)
	v.SetDefault("delivery.include_format", d.Delivery.IncludeFormat)

	v.SetDefault("stream.mode", d.Stream.Mode)

	v.SetDefault("inject.copy_transcripts", d.Inject.CopyTranscripts)
	v.SetDefault("inject.append_space", d.Inject.AppendSpace)
}

// Validate reports the first setting that cannot drive a capture session.
func (c *Config) Validate() error {
	switch {
	case c.Audio.SampleRate <= 0:
		return fmt.Errorf("audio.sample_rate must be positive, got %d", c.Audio.SampleRate)
	case c.Audio.ChunkSize <= 0:
		return fmt.Errorf("audio.chunk_size must be positive, got %d", c.Audio.ChunkSize)
	case c.Audio.Channels <= 0:
		return fmt.Errorf("audio.channels must be positive, got %d", c.Audio.Channels)
	case c.Audio.ReadTimeout <= 0:
		return fmt.Errorf("audio.read_timeout must be positive, got %s", c.Audio.ReadTimeout)
	case c.Audio.MaxConsecutiveReadErrors <= 0:
		return fmt.Errorf("audio.max_consecutive_read_errors must be positive, got %d", c.Audio.MaxConsecutiveReadErrors)
	case c.Segmenter.SilenceThreshold < 0:
		return fmt.Errorf("segmenter.silence_threshold must not be negative, got %f", c.Segmenter.SilenceThreshold)
	case c.Segmenter.SilenceDuration <= 0:
		return fmt.Errorf("segmenter.silence_duration must be positive, got %s", c.Segmenter.SilenceDuration)
	case c.Segmenter.MinSpeechDuration >= c.Segmenter.MaxSpeechDuration:
		return fmt.Errorf("segmenter.min_speech_duration (%s) must be below max_speech_duration (%s)",
			c.Segmenter.MinSpeechDuration, c.Segmenter.MaxSpeechDuration)
	case c.Delivery.URL == "":
		return fmt.Errorf("delivery.url must not be empty")
	case c.Delivery.MaxReconnectAttempts <= 0:
		return fmt.Errorf("delivery.max_reconnect_attempts must be positive, got %d", c.Delivery.MaxReconnectAttempts)
	case c.Delivery.MinReconnectInterval <= 0:
		return fmt.Errorf("delivery.min_reconnect_interval must be positive, got %s", c.Delivery.MinReconnectInterval)
	case c.Delivery.MaxReconnectInterval < c.Delivery.MinReconnectInterval:
		return fmt.Errorf("delivery.max_reconnect_interval (%s) must not be below min_reconnect_interval (%s)",
			c.Delivery.MaxReconnectInterval, c.Delivery.MinReconnectInterval)
	case c.Delivery.SendQueueSize <= 0:
		return fmt.Errorf("delivery.send_queue_size must be positive, got %d", c.Delivery.SendQueueSize)
	case c.Delivery.StableSession <= 0:
		return fmt.Errorf("delivery.stable_session must be positive, got %s", c.Delivery.StableSession)
	}

	if c.Stream.Mode != ModeSegment && c.Stream.Mode != ModeRaw {
		return fmt.Errorf("stream.mode must be %q or %q, got %q", ModeSegment, ModeRaw, c.Stream.Mode)
	}
	return nil
}

// configPath returns the platform-specific config file path
func configPath() string {
	return filepath.Join(configDir(), "config.json")
}

func configDir() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "mic-relay")
}
