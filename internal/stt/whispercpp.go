package stt

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/loqalabs/loqa-captions/internal/capture"
	"github.com/loqalabs/loqa-captions/internal/domain"
)

var (
	ansiSequence = regexp.MustCompile(`\x1b\[[0-9;]*[mK]`)
	eraseLine    = regexp.MustCompile(`\[2K`)
)

// CleanEngineLine strips terminal control sequences from a line printed by
// a streaming engine and reports whether what is left is transcript text
// rather than engine diagnostics or silence markers.
func CleanEngineLine(line string) (string, bool) {
	line = ansiSequence.ReplaceAllString(line, "")
	line = eraseLine.ReplaceAllString(line, "")
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}
	for _, prefix := range []string{"[", "init:", "whisper", "main:"} {
		if strings.HasPrefix(line, prefix) {
			return "", false
		}
	}
	if strings.Contains(line, "BLANK_AUDIO") || strings.Contains(line, "INAUDIBLE") {
		return "", false
	}
	return line, true
}

// LineAdapter runs an engine that captures audio itself and prints one
// transcript line at a time.
type LineAdapter struct {
	name     string
	binary   string
	model    string
	language string
	launcher capture.Launcher
}

func NewWhisperCppAdapter(binary, model, language string, launcher capture.Launcher) *LineAdapter {
	return &LineAdapter{
		name:     WhisperCpp,
		binary:   expandHome(binary),
		model:    expandHome(model),
		language: language,
		launcher: launcher,
	}
}

func (a *LineAdapter) Name() string { return a.name }

// Args returns the engine command line. The engine addresses capture
// devices by index: 0 is the phone line, 1 the room microphone.
func (a *LineAdapter) Args(phone bool) []string {
	device := "1"
	if phone {
		device = "0"
	}
	return []string{
		a.binary,
		"-m", a.model,
		"-c", device,
		"--step", "3000",
		"--length", "5000",
		"-l", a.language,
	}
}

func (a *LineAdapter) Run(ctx context.Context, s Session) error {
	for _, path := range []string{a.binary, a.model} {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("%s: %w: %v", a.name, ErrEngineUnavailable, err)
		}
	}
	s.Status(domain.Listening("whisper"))

	proc, err := a.launcher.Launch(ctx, a.Args(s.PhoneAudio()), []string{"TERM=dumb"})
	if err != nil {
		return fmt.Errorf("%s: %w", a.name, err)
	}
	s.Attach(proc)
	s.Ready()

	scanner := bufio.NewScanner(proc)
	for scanner.Scan() {
		if s.Stopped() {
			return nil
		}
		if text, ok := CleanEngineLine(scanner.Text()); ok {
			s.Transcript(text)
		}
	}
	return finish(s, a.name, scanner.Err())
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
