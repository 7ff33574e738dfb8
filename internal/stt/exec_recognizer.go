package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execRecognizer runs a local transcription command once per window. The
// command receives a WAV file and prints {"text": "..."} on stdout.
type execRecognizer struct {
	cmd      []string
	model    string
	language string
	mu       sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// NewExecRecognizer parses command and checks that its binary exists, so a
// missing engine is reported before any audio is captured.
func NewExecRecognizer(command, model, language string) (Recognizer, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: recognizer command is empty", ErrEngineUnavailable)
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	return &execRecognizer{cmd: args, model: model, language: language}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp("", "captions_window_*.wav")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	samples, err := pcmToInts(pcm)
	if err != nil {
		return TranscriptResult{}, err
	}
	if err := writeWAV(file, samples, sampleRate); err != nil {
		return TranscriptResult{}, err
	}

	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if r.model != "" {
		args = append(args, "--model", r.model)
	}
	if r.language != "" {
		args = append(args, "--language", r.language)
	}

	command := exec.CommandContext(ctx, r.cmd[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("recognizer command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode recognizer response: %w", err)
	}
	return TranscriptResult{Text: strings.TrimSpace(resp.Text), Confidence: resp.Confidence}, nil
}
