package audio

import (
	"encoding/binary"
	"time"
)

// Frame is a fixed-size run of mono 16-bit PCM samples.
type Frame struct {
	Samples    []int16
	SampleRate int
	Seq        uint64 // strictly increasing per stream; a jump marks dropped audio
	Captured   time.Time
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples), f.SampleRate)
}

// MeanAmplitude returns the mean absolute sample value.
func (f Frame) MeanAmplitude() float64 {
	if len(f.Samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range f.Samples {
		if s < 0 {
			sum -= float64(s)
		} else {
			sum += float64(s)
		}
	}
	return sum / float64(len(f.Samples))
}

// AppendPCM appends the samples as little-endian bytes to dst.
func (f Frame) AppendPCM(dst []byte) []byte {
	for _, s := range f.Samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
	}
	return dst
}

// SamplesDuration converts a sample count at rate into a duration.
func SamplesDuration(samples, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(rate)
}
