package stt

import (
	"context"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer transcribes one self-contained window of mono S16 audio.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (TranscriptResult, error)
}
