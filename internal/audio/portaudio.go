package audio

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"

	"github.com/petems/mic-relay/internal/config"
)

type portAudioCapture struct {
	cfg config.AudioConfig
	log zerolog.Logger

	mu     sync.Mutex
	active *portAudioStream
}

// New creates a new PortAudio-based audio capture
func New(cfg config.AudioConfig, log zerolog.Logger) (Source, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &portAudioCapture{cfg: cfg, log: log}, nil
}

func (p *portAudioCapture) Open(selector string, sampleRate, frameSize int) (Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active != nil {
		return nil, fmt.Errorf("%w: a capture stream is already open", ErrDeviceUnavailable)
	}
	if sampleRate <= 0 || frameSize <= 0 {
		return nil, fmt.Errorf("invalid stream parameters: rate=%d frames=%d", sampleRate, frameSize)
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to enumerate devices: %v", ErrDeviceUnavailable, err)
	}
	defaultDevice, _ := portaudio.DefaultInputDevice()

	device, err := selectDevice(devices, defaultDevice, selector)
	if err != nil {
		return nil, err
	}

	channels := p.cfg.Channels
	if channels < 1 {
		channels = 1
	}
	if device.MaxInputChannels < channels {
		return nil, fmt.Errorf("%w: %q has %d input channels, need %d",
			ErrDeviceUnavailable, device.Name, device.MaxInputChannels, channels)
	}

	// Interleaved int16, downmixed to mono per read
	buffer := make([]int16, frameSize*channels)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: frameSize,
	}, buffer)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %q: %v", ErrDeviceUnavailable, device.Name, err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("%w: failed to start %q: %v", ErrDeviceUnavailable, device.Name, err)
	}

	timeout := p.cfg.ReadTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	poll := SamplesDuration(frameSize, sampleRate) / 4
	if poll < time.Millisecond {
		poll = time.Millisecond
	}

	s := &portAudioStream{
		owner:      p,
		stream:     stream,
		buffer:     buffer,
		channels:   channels,
		frameSize:  frameSize,
		sampleRate: sampleRate,
		timeout:    timeout,
		poll:       poll,
	}
	p.active = s

	p.log.Info().
		Str("device", device.Name).
		Int("index", device.Index).
		Int("sample_rate", sampleRate).
		Int("frames_per_buffer", frameSize).
		Int("channels", channels).
		Msg("Capture stream opened")

	return s, nil
}

func (p *portAudioCapture) release(s *portAudioStream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == s {
		p.active = nil
	}
}

func (p *portAudioCapture) Devices() ([]Device, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	result := make([]Device, 0, len(devices))
	defaultDevice, _ := portaudio.DefaultInputDevice()

	for _, d := range devices {
		result = append(result, Device{
			Index:             d.Index,
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultInput:      defaultDevice != nil && d.Index == defaultDevice.Index,
		})
	}

	return result, nil
}

func (p *portAudioCapture) Close() error {
	p.mu.Lock()
	active := p.active
	p.mu.Unlock()

	if active != nil {
		active.Close()
	}
	return portaudio.Terminate()
}

// selectDevice resolves "default" (or "" / "-1"), a numeric device index, or
// an exact device name to a device that can capture.
func selectDevice(devices []*portaudio.DeviceInfo, defaultDevice *portaudio.DeviceInfo, selector string) (*portaudio.DeviceInfo, error) {
	var device *portaudio.DeviceInfo

	switch selector {
	case "", "default", "-1":
		device = defaultDevice
	default:
		if idx, err := strconv.Atoi(selector); err == nil {
			for _, d := range devices {
				if d.Index == idx {
					device = d
					break
				}
			}
		} else {
			for _, d := range devices {
				if d.Name == selector {
					device = d
					break
				}
			}
		}
	}

	if device == nil {
		return nil, fmt.Errorf("%w: device not found: %q", ErrDeviceUnavailable, selector)
	}
	if device.MaxInputChannels <= 0 {
		return nil, fmt.Errorf("%w: %q is not an input device", ErrDeviceUnavailable, device.Name)
	}
	return device, nil
}

type portAudioStream struct {
	owner      *portAudioCapture
	stream     *portaudio.Stream
	buffer     []int16
	channels   int
	frameSize  int
	sampleRate int
	timeout    time.Duration
	poll       time.Duration

	seq       uint64
	closeOnce sync.Once
	closeErr  error
}

func (s *portAudioStream) ReadFrame(ctx context.Context) (Frame, error) {
	// Wait for a full buffer so Read never blocks past the deadline
	deadline := time.Now().Add(s.timeout)
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		avail, err := s.stream.AvailableToRead()
		if err != nil {
			return Frame{}, s.readError(err)
		}
		if avail >= s.frameSize {
			break
		}
		if time.Now().After(deadline) {
			return Frame{}, ErrReadTimeout
		}
		time.Sleep(s.poll)
	}

	if err := s.stream.Read(); err != nil {
		return Frame{}, s.readError(err)
	}

	s.seq++
	return Frame{
		Samples:    downmixInterleaved(s.buffer, s.channels, s.frameSize),
		SampleRate: s.sampleRate,
		Seq:        s.seq,
		Captured:   time.Now().Add(-SamplesDuration(s.frameSize, s.sampleRate)),
	}, nil
}

func (s *portAudioStream) readError(err error) error {
	if errors.Is(err, portaudio.InputOverflowed) {
		// Burn a sequence number so consumers see the gap
		s.seq++
		return fmt.Errorf("%w: %v", ErrCaptureOverrun, err)
	}
	return fmt.Errorf("%w: read failed: %v", ErrDeviceUnavailable, err)
}

func (s *portAudioStream) Close() error {
	s.closeOnce.Do(func() {
		if err := s.stream.Stop(); err != nil {
			s.closeErr = err
		}
		if err := s.stream.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
		s.owner.release(s)
		s.owner.log.Info().Msg("Capture stream closed")
	})
	return s.closeErr
}

// downmixInterleaved averages interleaved channel samples into a new mono slice.
func downmixInterleaved(input []int16, channels, frames int) []int16 {
	out := make([]int16, frames)
	if channels <= 1 {
		copy(out, input[:frames])
		return out
	}

	for i := 0; i < frames; i++ {
		var sum int32
		base := i * channels
		for c := 0; c < channels; c++ {
			sum += int32(input[base+c])
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}
