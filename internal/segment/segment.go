// Package segment turns a stream of PCM frames into speech segments using a
// mean-amplitude threshold.
//
// A [Segmenter] starts Idle. The first frame whose mean absolute amplitude is
// strictly above the threshold moves it to Speaking; from then on every frame is
// buffered. The segment ends when the run of quiet frames reaches the silence
// duration, or is cut when the buffer reaches the maximum speech duration, in
// which case a fresh segment starts immediately. Segments shorter than the
// minimum speech duration are discarded.
//
// A Segmenter is not safe for concurrent use.
package segment

import (
	"errors"
	"fmt"
	"time"

	"github.com/petems/mic-relay/internal/audio"
)

// ErrInvalidFrame is returned for empty frames, frames without a sample rate and
// frames whose sequence number does not increase.
var ErrInvalidFrame = errors.New("invalid frame")

// State is the segmenter's position in the speech state machine.
type State int

const (
	Idle State = iota
	Speaking
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Speaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Config holds the thresholds for a [Segmenter].
type Config struct {
	// SilenceThreshold is the mean absolute amplitude a frame must exceed to
	// count as speech.
	SilenceThreshold float64
	// SilenceDuration of consecutive quiet frames ends a segment.
	SilenceDuration time.Duration
	// MinSpeechDuration is the shortest segment that is emitted.
	MinSpeechDuration time.Duration
	// MaxSpeechDuration forces a cut once this much audio is buffered.
	MaxSpeechDuration time.Duration

	// OnDiscard, if set, is called with the speech length of every segment
	// dropped for being shorter than MinSpeechDuration.
	OnDiscard func(speech time.Duration)
}

// Segment is a contiguous run of frames holding one utterance.
type Segment struct {
	Frames   []audio.Frame
	Start    time.Time
	Duration time.Duration
	// Forced is set when the segment was cut at MaxSpeechDuration.
	Forced bool
}

// SampleRate returns the sample rate shared by the segment's frames.
func (s *Segment) SampleRate() int {
	if len(s.Frames) == 0 {
		return 0
	}
	return s.Frames[0].SampleRate
}

// FirstSeq and LastSeq bound the frame sequence numbers in the segment.
func (s *Segment) FirstSeq() uint64 { return s.Frames[0].Seq }
func (s *Segment) LastSeq() uint64  { return s.Frames[len(s.Frames)-1].Seq }

// PCM returns the concatenated little-endian samples.
func (s *Segment) PCM() []byte {
	n := 0
	for _, f := range s.Frames {
		n += len(f.Samples)
	}
	buf := make([]byte, 0, n*2)
	for _, f := range s.Frames {
		buf = f.AppendPCM(buf)
	}
	return buf
}

// Segmenter is the speech/silence state machine.
type Segmenter struct {
	cfg   Config
	state State

	frames    []audio.Frame
	buffered  time.Duration
	speechEnd int           // frames up to and including the last loud one
	speechDur time.Duration // buffered duration at speechEnd
	silence   time.Duration

	lastSeq uint64
	haveSeq bool
}

// New validates cfg and returns an Idle segmenter.
func New(cfg Config) (*Segmenter, error) {
	if cfg.SilenceThreshold < 0 {
		return nil, fmt.Errorf("silence threshold must not be negative, got %f", cfg.SilenceThreshold)
	}
	if cfg.SilenceDuration <= 0 {
		return nil, fmt.Errorf("silence duration must be positive, got %s", cfg.SilenceDuration)
	}
	if cfg.MaxSpeechDuration <= 0 {
		return nil, fmt.Errorf("max speech duration must be positive, got %s", cfg.MaxSpeechDuration)
	}
	if cfg.MinSpeechDuration < 0 || cfg.MinSpeechDuration >= cfg.MaxSpeechDuration {
		return nil, fmt.Errorf("min speech duration %s must be in [0, %s)", cfg.MinSpeechDuration, cfg.MaxSpeechDuration)
	}
	return &Segmenter{cfg: cfg}, nil
}

// State returns the current state.
func (s *Segmenter) State() State {
	return s.state
}

// Feed consumes one frame and returns the segment it completed, if any.
//
// A sequence gap while Speaking closes the current segment at the gap, since
// the frames on either side are not contiguous.
func (s *Segmenter) Feed(f audio.Frame) (*Segment, error) {
	if len(f.Samples) == 0 {
		return nil, fmt.Errorf("%w: empty frame (seq %d)", ErrInvalidFrame, f.Seq)
	}
	if f.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d (seq %d)", ErrInvalidFrame, f.SampleRate, f.Seq)
	}
	if s.haveSeq && f.Seq <= s.lastSeq {
		return nil, fmt.Errorf("%w: sequence %d after %d", ErrInvalidFrame, f.Seq, s.lastSeq)
	}
	gap := s.haveSeq && f.Seq != s.lastSeq+1
	s.lastSeq, s.haveSeq = f.Seq, true

	var closed *Segment
	if gap && s.state == Speaking {
		closed = s.finish()
	}

	loud := f.MeanAmplitude() > s.cfg.SilenceThreshold
	if s.state == Idle {
		if !loud {
			return closed, nil
		}
		s.state = Speaking
	}
	s.push(f, loud)

	if closed != nil {
		return closed, nil
	}
	if s.silence >= s.cfg.SilenceDuration {
		return s.finish(), nil
	}
	if s.buffered >= s.cfg.MaxSpeechDuration {
		return s.cut(), nil
	}
	return nil, nil
}

// Reset drops any buffered audio and returns to Idle, forgetting the last
// sequence number.
func (s *Segmenter) Reset() {
	s.clear()
	s.state = Idle
	s.silence = 0
	s.lastSeq, s.haveSeq = 0, false
}

func (s *Segmenter) push(f audio.Frame, loud bool) {
	d := f.Duration()
	s.frames = append(s.frames, f)
	s.buffered += d
	if loud {
		s.silence = 0
		s.speechEnd = len(s.frames)
		s.speechDur = s.buffered
	} else {
		s.silence += d
	}
}

// finish ends the segment on silence, trimming the trailing quiet run.
func (s *Segmenter) finish() *Segment {
	frames, dur := s.frames[:s.speechEnd], s.speechDur
	s.clear()
	s.state = Idle
	s.silence = 0

	if len(frames) == 0 {
		return nil
	}
	if dur < s.cfg.MinSpeechDuration {
		if s.cfg.OnDiscard != nil {
			s.cfg.OnDiscard(dur)
		}
		return nil
	}
	return &Segment{Frames: frames, Start: frames[0].Captured, Duration: dur}
}

// cut emits everything buffered and keeps Speaking with an empty buffer. The
// silence clock carries over so a pause straddling the cut still ends speech.
func (s *Segmenter) cut() *Segment {
	seg := &Segment{Frames: s.frames, Start: s.frames[0].Captured, Duration: s.buffered, Forced: true}
	s.clear()
	return seg
}

func (s *Segmenter) clear() {
	s.frames = nil
	s.buffered = 0
	s.speechEnd = 0
	s.speechDur = 0
}
