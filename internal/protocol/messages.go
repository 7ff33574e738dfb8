package protocol

import (
	"strings"
	"time"
)

// CaptionEvent is a transcription-core event as published on the bus.
type CaptionEvent struct {
	Kind       string    `json:"kind"`
	Text       string    `json:"text,omitempty"`
	Status     string    `json:"status,omitempty"`
	Mode       string    `json:"mode,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	Generation uint64    `json:"generation"`
	Timestamp  time.Time `json:"timestamp"`
}

// ModeRequest asks the daemon to switch backend family.
type ModeRequest struct {
	Mode string `json:"mode"`
}

type ModeReply struct {
	Accepted   bool   `json:"accepted"`
	Mode       string `json:"mode"`
	Generation uint64 `json:"generation,omitempty"`
	Error      string `json:"error,omitempty"`
}

// StatusReply describes the current session.
type StatusReply struct {
	Mode         string    `json:"mode"`
	Provider     string    `json:"provider"`
	Status       string    `json:"status"`
	PhoneAudio   bool      `json:"phone_audio"`
	Generation   uint64    `json:"generation"`
	ThreadAlive  bool      `json:"thread_alive"`
	CaptureAlive bool      `json:"capture_alive"`
	RestartCount int       `json:"restart_count"`
	MaxRestarts  int       `json:"max_restarts"`
	Restarting   bool      `json:"restarting"`
	GaveUp       bool      `json:"gave_up"`
	NeedsConfig  bool      `json:"needs_config"`
	LastText     time.Time `json:"last_text"`
}

const DefaultSubjectPrefix = "captions"

// Subjects are the NATS subjects under one prefix.
type Subjects struct {
	Text        string
	Status      string
	ModeChanged string
	ModeReady   string
	ThreadDied  string
	Heartbeat   string
	CtrlMode    string
	CtrlStatus  string
}

func NewSubjects(prefix string) Subjects {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return Subjects{
		Text:        prefix + ".text",
		Status:      prefix + ".status",
		ModeChanged: prefix + ".mode.changed",
		ModeReady:   prefix + ".mode.ready",
		ThreadDied:  prefix + ".thread.died",
		Heartbeat:   prefix + ".heartbeat",
		CtrlMode:    prefix + ".ctrl.mode",
		CtrlStatus:  prefix + ".ctrl.status",
	}
}

// Retained are the subjects kept in the caption history stream. Control
// subjects are excluded so the stream never answers requests.
func (s Subjects) Retained() []string {
	return []string{s.Text, s.Status, s.ModeChanged, s.ThreadDied}
}

// ForKind returns the subject an event kind is published on, or "" when
// the kind is not forwarded.
func (s Subjects) ForKind(kind string) string {
	switch kind {
	case "text":
		return s.Text
	case "status":
		return s.Status
	case "mode_changed":
		return s.ModeChanged
	case "mode_ready":
		return s.ModeReady
	case "thread_died":
		return s.ThreadDied
	case "heartbeat":
		return s.Heartbeat
	}
	return ""
}
