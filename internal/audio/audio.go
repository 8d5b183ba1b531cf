package audio

import (
	"context"
	"errors"
)

var (
	// ErrDeviceUnavailable means the selector did not resolve to a capturable
	// input device, or the device could not be acquired.
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	// ErrCaptureOverrun means samples were dropped by the driver. The frame is
	// lost; the next read continues with a sequence gap.
	ErrCaptureOverrun = errors.New("audio capture overrun")
	// ErrReadTimeout means no complete frame arrived within the read timeout.
	ErrReadTimeout = errors.New("audio read timed out")
)

// Source defines the interface for audio capture
type Source interface {
	// Open acquires the device named by selector ("default", a device index
	// or a device name) for exclusive capture until the Stream is closed.
	Open(selector string, sampleRate, frameSize int) (Stream, error)
	Devices() ([]Device, error)
	Close() error
}

// Stream is an open capture stream producing mono frames.
type Stream interface {
	// ReadFrame blocks until one frame is available, the read timeout
	// elapses or ctx is done.
	ReadFrame(ctx context.Context) (Frame, error)
	Close() error
}

// Device represents an audio device as reported by the host
type Device struct {
	Index             int
	Name              string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultInput      bool
}

// Type returns "Input", "Output" or "Input/Output".
func (d Device) Type() string {
	switch {
	case d.MaxInputChannels > 0 && d.MaxOutputChannels > 0:
		return "Input/Output"
	case d.MaxInputChannels > 0:
		return "Input"
	default:
		return "Output"
	}
}
