// Package protocol defines the JSON messages exchanged with the transcription
// backend over the WebSocket connection.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind discriminates outbound messages.
type Kind string

const (
	KindHello  Kind = "start"
	KindSpeech Kind = "audio"
	KindStop   Kind = "stop"
)

// EncodingLinear16 is raw little-endian signed 16-bit PCM.
const EncodingLinear16 = "LINEAR16"

var ErrMissingClientID = errors.New("message has no client id")

// Outbound is a client to server message. Every outbound message carries the
// client identifier.
type Outbound struct {
	Kind      Kind    `json:"type"`
	ClientID  string  `json:"clientId"`
	AudioData string  `json:"audioData,omitempty"` // base64 PCM
	Format    *Format `json:"format,omitempty"`
}

// Format describes the PCM carried in AudioData.
type Format struct {
	Encoding          string `json:"encoding"`
	SampleRateHertz   int    `json:"sampleRateHertz"`
	LanguageCode      string `json:"languageCode"`
	AudioChannelCount int    `json:"audioChannelCount"`
}

// LinearPCM returns the format block for mono LINEAR16 audio.
func LinearPCM(sampleRate int, languageCode string) *Format {
	return &Format{
		Encoding:          EncodingLinear16,
		SampleRateHertz:   sampleRate,
		LanguageCode:      languageCode,
		AudioChannelCount: 1,
	}
}

func Hello(clientID string) Outbound {
	return Outbound{Kind: KindHello, ClientID: clientID}
}

func Stop(clientID string) Outbound {
	return Outbound{Kind: KindStop, ClientID: clientID}
}

// SpeechData wraps PCM bytes; format may be nil.
func SpeechData(clientID string, pcm []byte, format *Format) Outbound {
	return Outbound{
		Kind:      KindSpeech,
		ClientID:  clientID,
		AudioData: base64.StdEncoding.EncodeToString(pcm),
		Format:    format,
	}
}

// Validate checks the invariants every message must satisfy before it is sent.
func (m Outbound) Validate() error {
	if m.ClientID == "" {
		return ErrMissingClientID
	}
	switch m.Kind {
	case KindHello, KindStop:
	case KindSpeech:
		if m.AudioData == "" {
			return fmt.Errorf("speech message without audio data")
		}
	default:
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	return nil
}

// Server message types.
const (
	TypeStarted       = "started"
	TypeTranscription = "transcription"
	TypeError         = "error"
	TypeStopped       = "stopped"
)

// Inbound is a server to client message.
type Inbound struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Text      string `json:"text,omitempty"`
	Message   string `json:"message,omitempty"`
}

// DecodeInbound parses a server message. Unknown types are returned as-is for
// the caller to ignore.
func DecodeInbound(data []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, fmt.Errorf("failed to decode server message: %w", err)
	}
	if msg.Type == "" {
		return Inbound{}, fmt.Errorf("server message without type")
	}
	return msg, nil
}
