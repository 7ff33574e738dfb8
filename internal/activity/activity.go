// Package activity reads and writes the indicator files shared with the
// phone helper: a file holding "1" means active, anything else (including
// a missing file) means inactive.
package activity

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/loqalabs/loqa-captions/internal/config"
)

type Indicator struct {
	path string
}

func New(path string) *Indicator {
	return &Indicator{path: path}
}

func (i *Indicator) Path() string { return i.path }

func (i *Indicator) Active() bool {
	data, err := os.ReadFile(i.path)
	if err != nil {
		return false
	}
	return bytes.Equal(bytes.TrimSpace(data), []byte("1"))
}

// Set writes the indicator through a temporary file so a concurrent reader
// never sees a partial value.
func (i *Indicator) Set(on bool) error {
	value := []byte("0")
	if on {
		value = []byte("1")
	}
	tmp, err := os.CreateTemp(filepath.Dir(i.path), "."+filepath.Base(i.path)+"-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", i.path, err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write %s: %w", i.path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("write %s: %w", i.path, err)
	}
	if err := os.Chmod(name, 0o644); err != nil {
		os.Remove(name)
		return fmt.Errorf("write %s: %w", i.path, err)
	}
	if err := os.Rename(name, i.path); err != nil {
		os.Remove(name)
		return fmt.Errorf("write %s: %w", i.path, err)
	}
	return nil
}

func (i *Indicator) Clear() error {
	return i.Set(false)
}

// Set is the pair of indicators the daemon owns.
type Set struct {
	Phone *Indicator
	Mute  *Indicator
}

func FromConfig(cfg config.ActivityConfig) Set {
	return Set{Phone: New(cfg.PhoneFile), Mute: New(cfg.MuteFile)}
}

// Reset clears both indicators. The daemon calls it at startup, to discard
// state left by a previous run, and again at shutdown.
func (s Set) Reset(logger *slog.Logger) error {
	var errs []error
	for _, ind := range []*Indicator{s.Phone, s.Mute} {
		if ind == nil || ind.path == "" {
			continue
		}
		if err := ind.Clear(); err != nil {
			logger.Warn("failed to clear activity indicator", slog.String("path", ind.path), slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
