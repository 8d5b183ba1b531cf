package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/petems/mic-relay/internal/audio"
	"github.com/petems/mic-relay/internal/config"
	"github.com/petems/mic-relay/internal/delivery"
	"github.com/petems/mic-relay/internal/metrics"
	"github.com/petems/mic-relay/internal/protocol"
	"github.com/petems/mic-relay/internal/segment"
)

// ErrChannelClosed is returned when the delivery channel closes on its own
// without reporting a failure.
var ErrChannelClosed = errors.New("delivery channel closed unexpectedly")

// Channel is the part of *delivery.Channel the controller depends on.
type Channel interface {
	Start(ctx context.Context)
	Send(msg protocol.Outbound) error
	IsReady() bool
	ClientID() string
	Done() <-chan struct{}
	Err() error
	Close() error
}

type Config struct {
	Source  audio.Source
	Channel Channel
	Config  *config.Config
	Logger  zerolog.Logger
	Metrics *metrics.Metrics // Optional
}

// Controller owns one capture stream, one segmenter and one delivery channel
// for the lifetime of a session.
type Controller struct {
	source  audio.Source
	channel Channel
	cfg     *config.Config
	log     zerolog.Logger
	metrics *metrics.Metrics

	seg    *segment.Segmenter
	format *protocol.Format
}

func New(cfg Config) (*Controller, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("audio source is required")
	}
	if cfg.Channel == nil {
		return nil, fmt.Errorf("delivery channel is required")
	}
	if cfg.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewUnregistered()
	}

	c := &Controller{
		source:  cfg.Source,
		channel: cfg.Channel,
		cfg:     cfg.Config,
		log:     cfg.Logger.With().Str("component", "stream").Logger(),
		metrics: cfg.Metrics,
	}

	switch c.cfg.Stream.Mode {
	case config.ModeSegment:
		seg, err := segment.New(segment.Config{
			SilenceThreshold:  c.cfg.Segmenter.SilenceThreshold,
			SilenceDuration:   c.cfg.Segmenter.SilenceDuration,
			MinSpeechDuration: c.cfg.Segmenter.MinSpeechDuration,
			MaxSpeechDuration: c.cfg.Segmenter.MaxSpeechDuration,
			OnDiscard:         c.onDiscard,
		})
		if err != nil {
			return nil, fmt.Errorf("segmenter: %w", err)
		}
		c.seg = seg
	case config.ModeRaw:
	default:
		return nil, fmt.Errorf("unknown stream mode %q", c.cfg.Stream.Mode)
	}

	if c.cfg.Delivery.IncludeFormat {
		c.format = protocol.LinearPCM(c.cfg.Audio.SampleRate, c.cfg.Delivery.LanguageCode)
	}
	return c, nil
}

// Run captures and delivers audio until ctx is cancelled or a fatal error
// occurs. It returns nil on orderly shutdown. Capture failures wrap
// audio.ErrDeviceUnavailable, delivery failures wrap
// delivery.ErrReconnectExhausted.
func (c *Controller) Run(ctx context.Context) error {
	stream, err := c.source.Open(c.cfg.Audio.Device, c.cfg.Audio.SampleRate, c.cfg.Audio.ChunkSize)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			c.log.Warn().Err(err).Msg("Failed to close capture stream")
		}
	}()

	// The channel outlives ctx so Close can still send the stop message
	c.channel.Start(context.WithoutCancel(ctx))

	c.log.Info().
		Str("client_id", c.channel.ClientID()).
		Str("mode", c.cfg.Stream.Mode).
		Str("device", c.cfg.Audio.Device).
		Int("sample_rate", c.cfg.Audio.SampleRate).
		Int("chunk_size", c.cfg.Audio.ChunkSize).
		Msg("Streaming started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.capture(gctx, stream)
	})
	g.Go(func() error {
		return c.watchChannel(gctx)
	})
	err = g.Wait()

	if c.seg != nil && c.seg.State() == segment.Speaking {
		c.log.Debug().Msg("Discarding unfinished segment")
	}
	if c.seg != nil {
		c.seg.Reset()
	}

	if cerr := c.channel.Close(); cerr != nil {
		c.log.Warn().Err(cerr).Msg("Failed to close delivery channel")
	}

	if err != nil {
		c.log.Error().Err(err).Msg("Streaming aborted")
		return err
	}
	c.log.Info().Msg("Streaming stopped")
	return nil
}

func (c *Controller) watchChannel(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-c.channel.Done():
		if err := c.channel.Err(); err != nil {
			return fmt.Errorf("delivery: %w", err)
		}
		return ErrChannelClosed
	}
}

// capture is the frame reading loop. Overruns and read timeouts are retried
// up to MaxConsecutiveReadErrors in a row.
func (c *Controller) capture(ctx context.Context, stream audio.Stream) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		frame, err := stream.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			switch {
			case errors.Is(err, audio.ErrCaptureOverrun):
				c.metrics.CaptureOverruns.Inc()
				c.log.Warn().Err(err).Int("consecutive", failures+1).Msg("Capture overrun")
			case errors.Is(err, audio.ErrReadTimeout):
				c.metrics.ReadTimeouts.Inc()
				c.log.Warn().Err(err).Int("consecutive", failures+1).Msg("Frame read timed out")
			default:
				return fmt.Errorf("read frame: %w", err)
			}

			failures++
			if failures >= c.cfg.Audio.MaxConsecutiveReadErrors {
				return fmt.Errorf("%w: %d consecutive read failures, last: %v",
					audio.ErrDeviceUnavailable, failures, err)
			}
			continue
		}
		failures = 0
		c.metrics.FramesRead.Inc()

		if err := c.handle(frame); err != nil {
			return err
		}
	}
}

func (c *Controller) handle(frame audio.Frame) error {
	if c.seg == nil {
		if len(frame.Samples) == 0 {
			return fmt.Errorf("%w: empty frame (seq %d)", segment.ErrInvalidFrame, frame.Seq)
		}
		return c.deliver(frame.AppendPCM(nil), frame.Duration(), frame.Seq)
	}

	seg, err := c.seg.Feed(frame)
	if err != nil {
		return err
	}
	if seg == nil {
		return nil
	}

	c.metrics.SegmentsEmitted.Inc()
	c.metrics.SegmentDuration.Observe(seg.Duration.Seconds())
	c.log.Debug().
		Dur("duration", seg.Duration).
		Uint64("first_seq", seg.FirstSeq()).
		Uint64("last_seq", seg.LastSeq()).
		Bool("forced", seg.Forced).
		Msg("Segment emitted")

	return c.deliver(seg.PCM(), seg.Duration, seg.FirstSeq())
}

// deliver sends one payload. A channel that is not Ready costs the payload,
// never the session.
func (c *Controller) deliver(pcm []byte, d time.Duration, seq uint64) error {
	err := c.channel.Send(protocol.SpeechData(c.channel.ClientID(), pcm, c.format))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, delivery.ErrNotReady):
		c.metrics.SegmentsDropped.WithLabelValues("not_ready").Inc()
		c.log.Warn().
			Err(err).
			Str("reason", "not_ready").
			Dur("duration", d).
			Uint64("seq", seq).
			Msg("Dropped segment")
		return nil
	default:
		return fmt.Errorf("send segment: %w", err)
	}
}

func (c *Controller) onDiscard(speech time.Duration) {
	c.metrics.SegmentsDiscarded.Inc()
	c.log.Debug().Dur("duration", speech).Msg("Discarded short segment")
}
