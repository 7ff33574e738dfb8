// Package capturetest provides in-memory capture processes for tests.
package capturetest

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/capture"
)

// Process is a fake capture process. Audio is supplied with Feed; reads
// block until data arrives or the process exits.
type Process struct {
	pid int

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	exited bool
	killed bool
	onExit func()
}

func NewProcess(pid int) *Process {
	p := &Process{pid: pid}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *Process) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.buf) == 0 && !p.exited {
		p.cond.Wait()
	}
	if len(p.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(b, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}

// Feed appends audio for the reader. Data fed after exit is dropped.
func (p *Process) Feed(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.buf = append(p.buf, data...)
	p.cond.Broadcast()
}

// Exit simulates the process dying on its own.
func (p *Process) Exit() {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	onExit := p.onExit
	p.cond.Broadcast()
	p.mu.Unlock()
	if onExit != nil {
		onExit()
	}
}

func (p *Process) PID() int { return p.pid }

func (p *Process) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

func (p *Process) Terminate(time.Duration) error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.Exit()
	return nil
}

// Terminated reports whether Terminate was called.
func (p *Process) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *Process) Stderr() string { return "" }

// Launcher hands out fake processes and tracks how many are alive at once.
// OnLaunch, if set, runs for each new process before Launch returns, for
// example to make it exit immediately.
type Launcher struct {
	OnLaunch func(n int, p *Process)

	mu       sync.Mutex
	launched []*Process
	argv     [][]string
	live     int
	maxLive  int
}

func (l *Launcher) Launch(_ context.Context, argv []string, _ []string) (capture.Process, error) {
	l.mu.Lock()
	n := len(l.launched) + 1
	p := NewProcess(1000 + n)
	p.onExit = func() {
		l.mu.Lock()
		l.live--
		l.mu.Unlock()
	}
	l.launched = append(l.launched, p)
	l.argv = append(l.argv, append([]string(nil), argv...))
	l.live++
	if l.live > l.maxLive {
		l.maxLive = l.live
	}
	hook := l.OnLaunch
	l.mu.Unlock()

	if hook != nil {
		hook(n, p)
	}
	return p, nil
}

// Live is the number of processes launched and not yet exited.
func (l *Launcher) Live() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live
}

// MaxLive is the highest number of processes ever alive together.
func (l *Launcher) MaxLive() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxLive
}

func (l *Launcher) Launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

// Last returns the most recently launched process, or nil.
func (l *Launcher) Last() *Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.launched) == 0 {
		return nil
	}
	return l.launched[len(l.launched)-1]
}

// Argv returns the command line of the nth launch, counting from 1.
func (l *Launcher) Argv(n int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n < 1 || n > len(l.argv) {
		return nil
	}
	return l.argv[n-1]
}
