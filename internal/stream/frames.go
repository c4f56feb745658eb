package stream

import (
	"encoding/json"
	"fmt"

	"github.com/lexiqai/voice-bridge/internal/platform"
)

// Control frame types
const (
	FrameSynthesize = "synthesize"
	FrameComplete   = "complete"
	FrameError      = "error"
	FrameProgress   = "progress"
)

// requestFrame is the outbound control frame for one synthesis request
type requestFrame struct {
	Type       string  `json:"type"`
	RequestID  string  `json:"request_id"`
	Text       string  `json:"text"`
	VoiceID    string  `json:"voice_id,omitempty"`
	Speed      float64 `json:"speed"`
	Pitch      float64 `json:"pitch"`
	Volume     float64 `json:"volume"`
	Emotion    string  `json:"emotion,omitempty"`
	Style      string  `json:"style,omitempty"`
	Format     string  `json:"format"`
	SampleRate int     `json:"sample_rate"`
	Quality    string  `json:"quality"`
}

// controlFrame is an inbound JSON frame
type controlFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

func encodeRequest(id string, req platform.SynthesisRequest) ([]byte, error) {
	return json.Marshal(requestFrame{
		Type:       FrameSynthesize,
		RequestID:  id,
		Text:       req.Text,
		VoiceID:    req.VoiceID,
		Speed:      req.Speed,
		Pitch:      req.Pitch,
		Volume:     req.Gain(),
		Emotion:    req.Emotion,
		Style:      req.Style,
		Format:     req.Format,
		SampleRate: req.SampleRate,
		Quality:    req.Quality,
	})
}

func decodeControl(data []byte) (controlFrame, error) {
	var frame controlFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return frame, fmt.Errorf("invalid control frame: %w", err)
	}
	return frame, nil
}

// RemoteError is an "error" control frame reported by the endpoint
type RemoteError struct {
	RequestID string
	Code      string
	Message   string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return "stream error: " + e.Message
	}
	return fmt.Sprintf("stream error %s: %s", e.Code, e.Message)
}
