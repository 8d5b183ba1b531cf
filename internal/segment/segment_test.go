package segment

import (
	"errors"
	"testing"
	"time"

	"github.com/petems/mic-relay/internal/audio"
)

const (
	rate       = 16000
	frameLen   = 1600 // 100ms at 16 kHz
	frameDur   = 100 * time.Millisecond
	loudLevel  = 2000
	quietLevel = 20
)

// feeder produces consecutive constant-amplitude frames.
type feeder struct {
	seq   uint64
	start time.Time
}

func (f *feeder) frame(level int16) audio.Frame {
	f.seq++
	samples := make([]int16, frameLen)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = level
		} else {
			samples[i] = -level
		}
	}
	return audio.Frame{
		Samples:    samples,
		SampleRate: rate,
		Seq:        f.seq,
		Captured:   f.start.Add(time.Duration(f.seq-1) * frameDur),
	}
}

// run feeds n frames at level and collects emitted segments.
func (f *feeder) run(t *testing.T, s *Segmenter, level int16, n int) []*Segment {
	t.Helper()
	var out []*Segment
	for i := 0; i < n; i++ {
		seg, err := s.Feed(f.frame(level))
		if err != nil {
			t.Fatalf("Feed failed: %v", err)
		}
		if seg != nil {
			out = append(out, seg)
		}
	}
	return out
}

func defaultConfig() Config {
	return Config{
		SilenceThreshold:  100,
		SilenceDuration:   time.Second,
		MinSpeechDuration: 500 * time.Millisecond,
		MaxSpeechDuration: 15 * time.Second,
	}
}

func newSegmenter(t *testing.T, cfg Config) *Segmenter {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func TestSilenceOnlyEmitsNothing(t *testing.T) {
	s := newSegmenter(t, defaultConfig())
	f := &feeder{start: time.Now()}

	if segs := f.run(t, s, quietLevel, 200); len(segs) != 0 {
		t.Fatalf("expected no segments, got %d", len(segs))
	}
	if s.State() != Idle {
		t.Errorf("expected Idle, got %s", s.State())
	}
}

func TestTwoSecondBurstEmitsOneSegment(t *testing.T) {
	s := newSegmenter(t, defaultConfig())
	f := &feeder{start: time.Now()}

	segs := f.run(t, s, loudLevel, 20)
	segs = append(segs, f.run(t, s, 0, 12)...)

	if len(segs) != 1 {
		t.Fatalf("expected exactly one segment, got %d", len(segs))
	}
	seg := segs[0]
	if seg.Duration != 2*time.Second {
		t.Errorf("expected 2s segment, got %s", seg.Duration)
	}
	if len(seg.Frames) != 20 {
		t.Errorf("expected 20 frames, got %d", len(seg.Frames))
	}
	if seg.Forced {
		t.Error("segment ended by silence should not be forced")
	}
	if !seg.Start.Equal(f.start) {
		t.Errorf("expected start %s, got %s", f.start, seg.Start)
	}
	if len(seg.PCM()) != 20*frameLen*2 {
		t.Errorf("unexpected PCM length %d", len(seg.PCM()))
	}
	if s.State() != Idle {
		t.Errorf("expected Idle after silence, got %s", s.State())
	}
}

func TestShortBurstIsDiscarded(t *testing.T) {
	cfg := defaultConfig()
	var discarded []time.Duration
	cfg.OnDiscard = func(d time.Duration) { discarded = append(discarded, d) }
	s := newSegmenter(t, cfg)
	f := &feeder{start: time.Now()}

	segs := f.run(t, s, loudLevel, 2)
	segs = append(segs, f.run(t, s, 0, 15)...)

	if len(segs) != 0 {
		t.Fatalf("expected no segments, got %d", len(segs))
	}
	if len(discarded) != 1 || discarded[0] != 200*time.Millisecond {
		t.Fatalf("expected one 200ms discard, got %v", discarded)
	}
}

func TestBurstDurationsBetweenMinAndMax(t *testing.T) {
	for _, frames := range []int{5, 8, 30, 130} {
		s := newSegmenter(t, defaultConfig())
		f := &feeder{start: time.Now()}

		segs := f.run(t, s, loudLevel, frames)
		segs = append(segs, f.run(t, s, quietLevel, 10)...)

		if len(segs) != 1 {
			t.Fatalf("%d frames: expected one segment, got %d", frames, len(segs))
		}
		if want := time.Duration(frames) * frameDur; segs[0].Duration != want {
			t.Errorf("%d frames: expected %s, got %s", frames, want, segs[0].Duration)
		}
	}
}

func TestPauseShorterThanSilenceDurationKeepsSegment(t *testing.T) {
	s := newSegmenter(t, defaultConfig())
	f := &feeder{start: time.Now()}

	segs := f.run(t, s, loudLevel, 5)
	segs = append(segs, f.run(t, s, quietLevel, 9)...)
	segs = append(segs, f.run(t, s, loudLevel, 5)...)
	segs = append(segs, f.run(t, s, quietLevel, 10)...)

	if len(segs) != 1 {
		t.Fatalf("expected one segment, got %d", len(segs))
	}
	if segs[0].Duration != 1900*time.Millisecond {
		t.Errorf("expected 1.9s including the inner pause, got %s", segs[0].Duration)
	}
}

func TestMaxDurationCutoffContinuesSpeaking(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxSpeechDuration = 3 * time.Second
	s := newSegmenter(t, cfg)
	f := &feeder{start: time.Now()}

	segs := f.run(t, s, loudLevel, 30)
	if len(segs) != 1 {
		t.Fatalf("expected cutoff segment after 3s, got %d", len(segs))
	}
	if !segs[0].Forced || segs[0].Duration != 3*time.Second {
		t.Fatalf("expected forced 3s segment, got forced=%v duration=%s", segs[0].Forced, segs[0].Duration)
	}
	if s.State() != Speaking {
		t.Fatalf("expected Speaking right after cutoff, got %s", s.State())
	}

	segs = f.run(t, s, loudLevel, 20)
	segs = append(segs, f.run(t, s, quietLevel, 10)...)
	if len(segs) != 1 {
		t.Fatalf("expected continuation segment, got %d", len(segs))
	}
	if segs[0].Forced || segs[0].Duration != 2*time.Second {
		t.Errorf("expected unforced 2s segment, got forced=%v duration=%s", segs[0].Forced, segs[0].Duration)
	}
	if segs[0].FirstSeq() != 31 {
		t.Errorf("continuation should start at frame 31, got %d", segs[0].FirstSeq())
	}
}

func TestThresholdIsStrict(t *testing.T) {
	s := newSegmenter(t, defaultConfig())
	f := &feeder{start: time.Now()}

	if segs := f.run(t, s, 100, 30); len(segs) != 0 {
		t.Fatalf("amplitude equal to threshold must be silence, got %d segments", len(segs))
	}
	if s.State() != Idle {
		t.Errorf("expected Idle, got %s", s.State())
	}

	f.run(t, s, 101, 1)
	if s.State() != Speaking {
		t.Errorf("amplitude above threshold must start speech, got %s", s.State())
	}
}

func TestInvalidFrames(t *testing.T) {
	s := newSegmenter(t, defaultConfig())

	tests := []struct {
		name  string
		frame audio.Frame
	}{
		{"empty", audio.Frame{SampleRate: rate, Seq: 1}},
		{"no sample rate", audio.Frame{Samples: make([]int16, 10), Seq: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Feed(tt.frame); !errors.Is(err, ErrInvalidFrame) {
				t.Fatalf("expected ErrInvalidFrame, got %v", err)
			}
		})
	}

	f := &feeder{start: time.Now()}
	f.run(t, s, quietLevel, 3)
	stale := f.frame(quietLevel)
	stale.Seq = 2
	if _, err := s.Feed(stale); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected ErrInvalidFrame for repeated sequence, got %v", err)
	}
}

func TestSequenceGapClosesSegment(t *testing.T) {
	s := newSegmenter(t, defaultConfig())
	f := &feeder{start: time.Now()}

	f.run(t, s, loudLevel, 10)
	f.seq++ // dropped frame

	seg, err := s.Feed(f.frame(loudLevel))
	if err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	if seg == nil {
		t.Fatal("expected the gap to close the running segment")
	}
	if seg.Duration != time.Second || seg.LastSeq() != 10 {
		t.Errorf("expected 1s segment ending at seq 10, got %s ending at %d", seg.Duration, seg.LastSeq())
	}
	if s.State() != Speaking {
		t.Errorf("loud frame after the gap should start a new segment, got %s", s.State())
	}
}

func TestReset(t *testing.T) {
	s := newSegmenter(t, defaultConfig())
	f := &feeder{start: time.Now()}
	f.run(t, s, loudLevel, 10)

	s.Reset()
	if s.State() != Idle {
		t.Fatalf("expected Idle after reset, got %s", s.State())
	}

	// Sequence numbering may restart after a reset
	f2 := &feeder{start: time.Now()}
	if segs := f2.run(t, s, quietLevel, 20); len(segs) != 0 {
		t.Fatalf("expected nothing after reset, got %d segments", len(segs))
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative threshold", func(c *Config) { c.SilenceThreshold = -1 }},
		{"zero silence duration", func(c *Config) { c.SilenceDuration = 0 }},
		{"zero max duration", func(c *Config) { c.MaxSpeechDuration = 0 }},
		{"min equals max", func(c *Config) { c.MinSpeechDuration = c.MaxSpeechDuration }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestStateString(t *testing.T) {
	if Idle.String() != "idle" || Speaking.String() != "speaking" || State(9).String() != "unknown" {
		t.Error("unexpected state names")
	}
}
