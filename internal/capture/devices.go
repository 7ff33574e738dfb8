package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/mattn/go-shellwords"
)

// CommandRunner runs a short-lived command and returns its stdout.
type CommandRunner func(ctx context.Context, argv []string) ([]byte, error)

func execRunner(ctx context.Context, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return exec.CommandContext(ctx, argv[0], argv[1:]...).Output()
}

// Card is one capture device line from the ALSA card listing.
type Card struct {
	Index int
	Line  string
}

func (c Card) HWID() string {
	return fmt.Sprintf("hw:%d,0", c.Index)
}

var cardLine = regexp.MustCompile(`card (\d+):`)

// ParseCards extracts capture cards from `arecord -l` output.
func ParseCards(listing string) []Card {
	var cards []Card
	for _, line := range strings.Split(listing, "\n") {
		m := cardLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		cards = append(cards, Card{Index: idx, Line: strings.TrimSpace(line)})
	}
	return cards
}

// Match returns the first card whose listing line contains pattern,
// case-insensitively.
func Match(cards []Card, pattern string) (Card, bool) {
	pattern = strings.ToLower(pattern)
	for _, c := range cards {
		if strings.Contains(strings.ToLower(c.Line), pattern) {
			return c, true
		}
	}
	return Card{}, false
}

// Devices resolves which capture device to open for room or phone audio.
type Devices struct {
	cfg     config.Config
	listCmd []string
	run     CommandRunner
	logger  *slog.Logger
}

func NewDevices(cfg config.Config, logger *slog.Logger) (*Devices, error) {
	args, err := shellwords.Parse(cfg.Audio.ListCommand)
	if err != nil {
		return nil, fmt.Errorf("parse list command: %w", err)
	}
	return &Devices{
		cfg:     cfg,
		listCmd: args,
		run:     execRunner,
		logger:  logger.With(slog.String("component", "devices")),
	}, nil
}

// WithRunner replaces the command runner, for tests.
func (d *Devices) WithRunner(run CommandRunner) *Devices {
	d.run = run
	return d
}

// Resolve returns the device id for the phone line or the room microphone.
// An explicitly configured id wins; otherwise the card listing is searched
// by preference and a fixed fallback is used when nothing matches.
func (d *Devices) Resolve(ctx context.Context, phone bool) string {
	configured, prefs, fallback := d.cfg.RoomDevice, d.cfg.Audio.RoomPreferences, d.cfg.Audio.RoomFallback
	if phone {
		configured, prefs, fallback = d.cfg.PhoneDevice, d.cfg.Audio.PhonePreferences, d.cfg.Audio.PhoneFallback
	}
	if configured != "" {
		return configured
	}

	cards, err := d.List(ctx)
	if err != nil {
		d.logger.Warn("device listing failed", slogError(err))
		return fallback
	}
	for _, pattern := range prefs {
		if card, ok := Match(cards, pattern); ok {
			return card.HWID()
		}
	}
	return fallback
}

// List runs the card listing command.
func (d *Devices) List(ctx context.Context) ([]Card, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := d.run(ctx, d.listCmd)
	if err != nil {
		return nil, fmt.Errorf("list capture devices: %w", err)
	}
	return ParseCards(string(out)), nil
}

// Mixer sets capture gain on the first few cards.
type Mixer struct {
	command []string
	control string
	cards   int
	run     CommandRunner
}

func NewMixer(cfg config.AudioConfig) (*Mixer, error) {
	args, err := shellwords.Parse(cfg.MixerCommand)
	if err != nil {
		return nil, fmt.Errorf("parse mixer command: %w", err)
	}
	control := cfg.MixerControl
	if control == "" {
		control = "Mic"
	}
	return &Mixer{command: args, control: control, cards: cfg.MixerCards, run: execRunner}, nil
}

func (m *Mixer) WithRunner(run CommandRunner) *Mixer {
	m.run = run
	return m
}

// Normalize sets the capture control to 100% on every card. Cards that do
// not exist or lack the control are ignored.
func (m *Mixer) Normalize(ctx context.Context) {
	m.Set(ctx, -1, "100%")
}

// Set applies level to one card, or to every card when card is negative.
func (m *Mixer) Set(ctx context.Context, card int, level string) {
	if m == nil || len(m.command) == 0 {
		return
	}
	first, last := card, card
	if card < 0 {
		first, last = 0, m.cards-1
	}
	for c := first; c <= last; c++ {
		runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		argv := append(append([]string{}, m.command...), "-c", strconv.Itoa(c), "set", m.control, level)
		_, _ = m.run(runCtx, argv)
		cancel()
	}
}
