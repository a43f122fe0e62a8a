package server

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/Mafzii/mcp-filter/proxy"
)

// DefaultStopGrace is how long a backend gets to exit after SIGTERM.
const DefaultStopGrace = 3 * time.Second

// ProcessSupervisor launches backend processes and reaps them.
type ProcessSupervisor struct {
	logger *proxy.Logger
	stderr io.Writer
}

func NewProcessSupervisor(logger *proxy.Logger) *ProcessSupervisor {
	return &ProcessSupervisor{logger: logger, stderr: os.Stderr}
}

// SetStderr redirects backend stderr. Defaults to the host's stderr.
func (s *ProcessSupervisor) SetStderr(w io.Writer) {
	s.stderr = w
}

// Launch starts argv with the host environment plus env.
func (s *ProcessSupervisor) Launch(name string, argv []string, env []string) (proxy.Process, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, fmt.Errorf("%w: %s: empty command", ErrLaunch, name)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stderr = s.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: stdin pipe: %v", ErrLaunch, name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: stdout pipe: %v", ErrLaunch, name, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLaunch, name, err)
	}

	s.logger.Debug("started backend %s (pid %d): %v", name, cmd.Process.Pid, argv)

	drained := make(chan struct{})
	return &childProcess{
		name:    name,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  &drainReader{r: stdout, drained: drained},
		drained: drained,
		logger:  s.logger,
		done:    make(chan struct{}),
	}, nil
}

// drainReader closes drained once reading from r first fails.
type drainReader struct {
	r       io.Reader
	drained chan struct{}
	once    sync.Once
}

func (d *drainReader) Read(b []byte) (int, error) {
	n, err := d.r.Read(b)
	if err != nil {
		d.once.Do(func() { close(d.drained) })
	}
	return n, err
}

// childProcess is an os/exec backed proxy.Process.
type childProcess struct {
	name    string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.Reader
	drained chan struct{}
	logger  *proxy.Logger

	waitOnce sync.Once
	waitErr  error
	done     chan struct{}
}

func (p *childProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *childProcess) Stdout() io.Reader     { return p.stdout }

// Wait reaps the process. exec.Cmd.Wait closes stdout, so callers that
// still read from it should only wait after reading hit EOF.
func (p *childProcess) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		close(p.done)
		if p.waitErr != nil {
			p.logger.Debug("backend %s exited: %v", p.name, p.waitErr)
		} else {
			p.logger.Debug("backend %s exited cleanly", p.name)
		}
	})
	return p.waitErr
}

// Stop closes stdin and sends SIGTERM, killing the process when it has not
// exited within grace. The process is reaped once its stdout has been read
// to the end, or after a second grace period if nothing drains it.
func (p *childProcess) Stop(grace time.Duration) error {
	select {
	case <-p.done:
		return p.waitErr
	default:
	}

	_ = p.stdin.Close()
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Debug("backend %s: SIGTERM failed, killing: %v", p.name, err)
		_ = p.cmd.Process.Kill()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.drained:
	case <-timer.C:
		p.logger.Warn("backend %s did not exit within %s, killing", p.name, grace)
		_ = p.cmd.Process.Kill()
		timer.Reset(grace)
		select {
		case <-p.drained:
		case <-timer.C:
			p.logger.Debug("backend %s: stdout still open, reaping anyway", p.name)
		}
	}
	return p.Wait()
}
