package audio

import (
	"errors"
	"testing"

	"github.com/gordonklaus/portaudio"
)

func TestDownmixInterleavedMono(t *testing.T) {
	input := []int16{100, 200, 300, 400}
	got := downmixInterleaved(input, 1, len(input))

	if len(got) != len(input) {
		t.Fatalf("expected %d samples, got %d", len(input), len(got))
	}
	for i := range input {
		if got[i] != input[i] {
			t.Fatalf("expected element %d to be %d, got %d", i, input[i], got[i])
		}
	}

	if &got[0] == &input[0] {
		t.Fatal("expected mono result to be copied into a new slice")
	}
}

func TestDownmixInterleavedStereo(t *testing.T) {
	frames := 4
	input := []int16{
		0, 1000,
		500, 500,
		1000, 0,
		-500, 500,
	}

	expected := []int16{500, 500, 500, 0}

	got := downmixInterleaved(input, 2, frames)
	if len(got) != len(expected) {
		t.Fatalf("expected %d frames, got %d", len(expected), len(got))
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Fatalf("frame %d mismatch: expected %d, got %d", i, expected[i], got[i])
		}
	}
}

func TestDownmixInterleavedNoClipping(t *testing.T) {
	input := []int16{32767, 32767, -32768, -32768}
	got := downmixInterleaved(input, 2, 2)
	if got[0] != 32767 || got[1] != -32768 {
		t.Fatalf("expected full-scale samples to survive, got %v", got)
	}
}

func TestDownmixInterleavedMoreChannels(t *testing.T) {
	frames := 2
	input := []int16{
		1, 3, 5,
		2, 4, 6,
	}

	expected := []int16{3, 4}

	got := downmixInterleaved(input, 3, frames)
	for i := range expected {
		if got[i] != expected[i] {
			t.Fatalf("frame %d mismatch: expected %d, got %d", i, expected[i], got[i])
		}
	}
}

func TestSelectDevice(t *testing.T) {
	mic := &portaudio.DeviceInfo{Index: 0, Name: "Built-in Microphone", MaxInputChannels: 1}
	speakers := &portaudio.DeviceInfo{Index: 1, Name: "Speakers", MaxOutputChannels: 2}
	cable := &portaudio.DeviceInfo{Index: 2, Name: "CABLE Output", MaxInputChannels: 2, MaxOutputChannels: 0}
	devices := []*portaudio.DeviceInfo{mic, speakers, cable}

	tests := []struct {
		name     string
		selector string
		def      *portaudio.DeviceInfo
		want     *portaudio.DeviceInfo
		wantErr  bool
	}{
		{name: "default keyword", selector: "default", def: mic, want: mic},
		{name: "empty selector", selector: "", def: mic, want: mic},
		{name: "minus one", selector: "-1", def: cable, want: cable},
		{name: "index", selector: "2", def: mic, want: cable},
		{name: "name", selector: "CABLE Output", def: mic, want: cable},
		{name: "output only device", selector: "1", def: mic, wantErr: true},
		{name: "unknown index", selector: "9", def: mic, wantErr: true},
		{name: "unknown name", selector: "USB Headset", def: mic, wantErr: true},
		{name: "no default", selector: "default", def: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := selectDevice(devices, tt.def, tt.selector)
			if tt.wantErr {
				if !errors.Is(err, ErrDeviceUnavailable) {
					t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want.Name, got.Name)
			}
		})
	}
}

func TestDeviceType(t *testing.T) {
	tests := []struct {
		dev  Device
		want string
	}{
		{Device{MaxInputChannels: 2}, "Input"},
		{Device{MaxOutputChannels: 2}, "Output"},
		{Device{MaxInputChannels: 2, MaxOutputChannels: 2}, "Input/Output"},
	}
	for _, tt := range tests {
		if got := tt.dev.Type(); got != tt.want {
			t.Errorf("expected %s, got %s", tt.want, got)
		}
	}
}
