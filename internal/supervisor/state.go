package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/loqalabs/loqa-captions/internal/capture"
	"github.com/loqalabs/loqa-captions/internal/domain"
)

const (
	// DefaultMaxRestarts bounds automatic restarts between successes.
	DefaultMaxRestarts = 5
	// successDecay is how long transcripts must keep flowing before the
	// restart budget is refilled.
	successDecay = 60 * time.Second
)

// stopSignal is a session's cancellation flag. It lives outside the State
// lock so blocked adapters can select on it.
type stopSignal struct {
	ch     chan struct{}
	once   sync.Once
	set    atomic.Bool
	cancel context.CancelFunc
}

func newStopSignal(cancel context.CancelFunc) *stopSignal {
	return &stopSignal{ch: make(chan struct{}), cancel: cancel}
}

func (s *stopSignal) fire() {
	s.once.Do(func() {
		s.set.Store(true)
		close(s.ch)
		if s.cancel != nil {
			s.cancel()
		}
	})
}

func (s *stopSignal) stopped() bool {
	return s.set.Load()
}

// State is the single shared record of the transcription session. One
// instance is built at startup and handed to the Supervisor, Monitor,
// Escalator and Router.
type State struct {
	clock       clockwork.Clock
	maxRestarts int

	mu              sync.Mutex
	mode            domain.Mode
	phone           bool
	threadAlive     bool
	lastText        time.Time
	lastPhoneSpeech time.Time
	restartCount    int
	restarting      bool
	generation      uint64
	successSince    time.Time
	startedAt       time.Time
	provider        string
	gaveUp          bool
	needsConfig     bool
	proc            capture.Process
	stop            *stopSignal
}

// NewState returns a State with no session. It reports stopped until the
// first Start.
func NewState(clk clockwork.Clock, maxRestarts int) *State {
	if maxRestarts <= 0 {
		maxRestarts = DefaultMaxRestarts
	}
	stop := newStopSignal(nil)
	stop.fire()
	return &State{
		clock:       clk,
		maxRestarts: maxRestarts,
		mode:        domain.ModeOffline,
		stop:        stop,
	}
}

// Snapshot is a point-in-time copy of State.
type Snapshot struct {
	Mode            domain.Mode `json:"mode"`
	Provider        string      `json:"provider"`
	PhoneAudio      bool        `json:"phone_audio"`
	Stopped         bool        `json:"stopped"`
	ThreadAlive     bool        `json:"thread_alive"`
	CaptureAlive    bool        `json:"capture_alive"`
	CapturePID      int         `json:"capture_pid,omitempty"`
	LastText        time.Time   `json:"last_text"`
	LastPhoneSpeech time.Time   `json:"last_phone_speech"`
	RestartCount    int         `json:"restart_count"`
	MaxRestarts     int         `json:"max_restarts"`
	Restarting      bool        `json:"restarting"`
	Generation      uint64      `json:"generation"`
	SuccessSince    time.Time   `json:"success_since"`
	StartedAt       time.Time   `json:"started_at"`
	GaveUp          bool        `json:"gave_up"`
	NeedsConfig     bool        `json:"needs_config"`
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Mode:            s.mode,
		Provider:        s.provider,
		PhoneAudio:      s.phone,
		Stopped:         s.stop.stopped(),
		ThreadAlive:     s.threadAlive,
		LastText:        s.lastText,
		LastPhoneSpeech: s.lastPhoneSpeech,
		RestartCount:    s.restartCount,
		MaxRestarts:     s.maxRestarts,
		Restarting:      s.restarting,
		Generation:      s.generation,
		SuccessSince:    s.successSince,
		StartedAt:       s.startedAt,
		GaveUp:          s.gaveUp,
		NeedsConfig:     s.needsConfig,
	}
	if s.proc != nil {
		snap.CaptureAlive = s.proc.Alive()
		snap.CapturePID = s.proc.PID()
	}
	return snap
}

func (s *State) Mode() domain.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *State) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *State) PhoneAudio() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phone
}

// SetPhoneAudio switches the audio override. Turning it on stamps the
// phone-speech and text times so the silence timeout starts fresh.
func (s *State) SetPhoneAudio(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setPhoneLocked(on)
}

func (s *State) setPhoneLocked(on bool) {
	s.phone = on
	if on {
		now := s.clock.Now()
		s.lastPhoneSpeech = now
		s.lastText = now
	}
}

// claimRoute records the audio route and claims the restart flag for the
// reroute. When another restart already holds the flag the route is still
// recorded, so that restart opens the right device, and false is returned.
func (s *State) claimRoute(phone bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phone != phone {
		s.setPhoneLocked(phone)
	}
	if s.restarting {
		return false
	}
	s.restarting = true
	return true
}

// Stopped reports whether the current session was asked to stop.
func (s *State) Stopped() bool {
	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()
	return stop.stopped()
}

func (s *State) RestartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartCount
}

// TryClaimRestart sets the restart-in-progress flag unless it is held.
func (s *State) TryClaimRestart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.restarting {
		return false
	}
	s.restarting = true
	return true
}

func (s *State) ReleaseRestart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restarting = false
}

func (s *State) Restarting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarting
}

// claimBudgetedRestart is the common entry of the automatic restart paths.
// It fails when a restart is already in flight or the session is stopped.
// Otherwise it reports whether budget remained; with budget it claims the
// restart flag and counts the attempt, without it the state gives up.
func (s *State) claimBudgetedRestart() (claimed bool, count int, gen uint64, exhausted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.restarting || s.stop.stopped() {
		return false, s.restartCount, s.generation, false
	}
	if s.restartCount >= s.maxRestarts {
		s.gaveUp = true
		return false, s.restartCount, s.generation, true
	}
	s.restarting = true
	s.restartCount++
	return true, s.restartCount, s.generation, false
}

// ResetBudget refills the restart budget and clears terminal flags.
func (s *State) ResetBudget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restartCount = 0
	s.gaveUp = false
	s.needsConfig = false
}

// markOutput records recognizer output from the session of gen. Sixty
// seconds of output since the streak began refills the restart budget and
// starts a new streak. Displayable text also counts as phone speech while
// the phone override is active. Output from a superseded or stopped
// session is ignored and reported as not current.
func (s *State) markOutput(gen uint64, transcript bool) (current, decayed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen || s.stop.stopped() {
		return false, false
	}
	now := s.clock.Now()
	s.lastText = now
	if transcript && s.phone {
		s.lastPhoneSpeech = now
	}
	if s.successSince.IsZero() {
		s.successSince = now
		return true, false
	}
	if now.Sub(s.successSince) >= successDecay {
		s.successSince = now
		if s.restartCount > 0 {
			s.restartCount = 0
			return true, true
		}
	}
	return true, false
}

// begin opens a new session: it supersedes the previous stop signal,
// resets per-session fields and bumps the generation. With release set it
// also clears the restart flag. It returns the audio route in force for the
// new session.
func (s *State) begin(mode domain.Mode, provider string, cancel context.CancelFunc, release bool) (uint64, bool, *stopSignal) {
	stop := newStopSignal(cancel)
	s.mu.Lock()
	if release {
		s.restarting = false
	}
	prev := s.stop
	s.stop = stop
	s.mode = mode
	s.provider = provider
	s.lastText = time.Time{}
	s.successSince = time.Time{}
	s.startedAt = s.clock.Now()
	s.threadAlive = true
	s.gaveUp = false
	s.needsConfig = false
	s.generation++
	gen, phone := s.generation, s.phone
	s.mu.Unlock()
	prev.fire()
	return gen, phone, stop
}

// stopCurrent fires the current session's stop signal.
func (s *State) stopCurrent() {
	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()
	stop.fire()
}

func (s *State) setProvider(gen uint64, provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation == gen {
		s.provider = provider
	}
}

// end marks the session of gen finished if it is still current.
func (s *State) end(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation == gen {
		s.threadAlive = false
	}
}

func (s *State) markNeedsConfig(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation == gen {
		s.needsConfig = true
	}
}

// SetProcess registers p as the active capture process for gen and
// terminates whatever was registered before. A process for a session that
// is no longer current is terminated instead of registered.
func (s *State) SetProcess(gen uint64, p capture.Process) bool {
	s.mu.Lock()
	if s.generation != gen || s.stop.stopped() {
		s.mu.Unlock()
		_ = p.Terminate(capture.DefaultGrace)
		return false
	}
	prev := s.proc
	s.proc = p
	s.mu.Unlock()
	if prev != nil && prev != p {
		_ = prev.Terminate(capture.DefaultGrace)
	}
	return true
}

// ReleaseProcess drops p's registration if it is still the active one.
func (s *State) ReleaseProcess(p capture.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == p {
		s.proc = nil
	}
}

// KillProcess terminates and forgets the active capture process.
func (s *State) KillProcess() {
	s.mu.Lock()
	p := s.proc
	s.proc = nil
	s.mu.Unlock()
	if p != nil {
		_ = p.Terminate(capture.DefaultGrace)
	}
}
