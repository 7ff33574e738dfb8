package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// DefaultGrace is how long Terminate waits after SIGTERM before killing.
const DefaultGrace = 2 * time.Second

// Process is a running capture or engine subprocess whose stdout carries
// audio or transcript lines.
type Process interface {
	io.Reader
	PID() int
	Alive() bool
	// Terminate stops the process, escalating to SIGKILL after grace, and
	// reaps it. It is safe to call more than once and from any goroutine.
	Terminate(grace time.Duration) error
	// Stderr returns the tail of the process' diagnostic output.
	Stderr() string
}

// Launcher starts subprocesses. Tests substitute fakes.
type Launcher interface {
	Launch(ctx context.Context, argv []string, env []string) (Process, error)
}

// ExecLauncher starts real OS processes.
type ExecLauncher struct{}

func (ExecLauncher) Launch(_ context.Context, argv []string, env []string) (Process, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	// The process lifetime is owned by Terminate, not by a context, so a
	// cancelled start context cannot leave an unreaped child behind.
	cmd := exec.Command(argv[0], argv[1:]...)
	// Wrapped commands must not leave a grandchild holding the device, so
	// the child leads its own process group and is signalled as a group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	// A plain os.Pipe keeps stdout readable until EOF; exec's StdoutPipe
	// would be closed by Wait while a reader is still draining it.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stdout = pw
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}
	pw.Close()

	p := &execProcess{
		cmd:    cmd,
		stdout: pr,
		stderr: stderr,
		done:   make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *tailBuffer
	done   chan struct{}

	termOnce sync.Once
	termErr  error
}

func (p *execProcess) Read(b []byte) (int, error) {
	return p.stdout.Read(b)
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *execProcess) Stderr() string {
	return string(bytes.TrimSpace(p.stderr.Bytes()))
}

func (p *execProcess) Terminate(grace time.Duration) error {
	p.termOnce.Do(func() {
		if p.Alive() {
			p.signalGroup(syscall.SIGTERM)
			select {
			case <-p.done:
			case <-time.After(grace):
				p.signalGroup(syscall.SIGKILL)
				<-p.done
			}
		}
		// Descendants that ignored the group signal go too.
		p.signalGroup(syscall.SIGKILL)
		if err := p.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			p.termErr = err
		}
	})
	return p.termErr
}

// signalGroup sends sig to the process group led by the child. The group
// id is the child's pid, which stays reserved while any member lives.
func (p *execProcess) signalGroup(sig syscall.Signal) {
	if err := syscall.Kill(-p.cmd.Process.Pid, sig); err != nil {
		_ = p.cmd.Process.Signal(sig)
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(b), nil
}

func (t *tailBuffer) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.buf...)
}
