package domain

import (
	"fmt"
	"strings"
)

// Mode selects the backend family a session runs against.
type Mode string

const (
	ModeOnline  Mode = "online"
	ModeOffline Mode = "offline"
)

func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case ModeOnline:
		return ModeOnline, nil
	case ModeOffline:
		return ModeOffline, nil
	default:
		return "", fmt.Errorf("unknown mode %q", value)
	}
}

// Status is the indicator shown to the operator. While a backend is
// listening the status is the backend name itself (see Listening).
type Status string

const (
	StatusSwitching  Status = "switching"
	StatusRestarting Status = "restarting"
	StatusFallback   Status = "fallback"
	StatusNoKey      Status = "no-key"
	StatusError      Status = "error"
	StatusGaveUp     Status = "gave-up"
)

func Listening(provider string) Status {
	return Status(provider)
}

// Terminal reports whether the status needs operator action before
// captions resume.
func (s Status) Terminal() bool {
	return s == StatusGaveUp || s == StatusNoKey
}
