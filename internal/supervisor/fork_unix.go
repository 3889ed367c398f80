//go:build unix

package supervisor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/buncis/solid-queue/internal/config"
)

// ForkLauncher re-executes the current binary once per child. The child sees
// EnvChild set, reads its payload from stdin and must be routed to RunChild
// before any other startup work.
type ForkLauncher struct {
	// Path defaults to os.Executable().
	Path string
	// Args are passed to the re-executed binary.
	Args   []string
	Stdout io.Writer
	Stderr io.Writer

	mu  sync.RWMutex
	cfg *config.Config
}

func NewForkLauncher(cfg *config.Config, args ...string) *ForkLauncher {
	return &ForkLauncher{Args: args, Stdout: os.Stdout, Stderr: os.Stderr, cfg: cfg}
}

func (l *ForkLauncher) SetConfig(cfg *config.Config) {
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

func (l *ForkLauncher) Launch(spec ChildSpec, supervisorID int64) (Child, error) {
	l.mu.RLock()
	cfg := l.cfg
	l.mu.RUnlock()

	payload, err := json.Marshal(childPayload{
		Config:       cfg,
		Spec:         spec,
		SupervisorID: supervisorID,
		ParentPID:    os.Getpid(),
	})
	if err != nil {
		return nil, fmt.Errorf("child %s: encode payload: %w", spec.Name, err)
	}

	path := l.Path
	if path == "" {
		if path, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("child %s: resolve executable: %w", spec.Name, err)
		}
	}

	cmd := exec.Command(path, l.Args...)
	cmd.Env = append(os.Environ(), EnvChild+"="+spec.Name)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	// Own process group: a terminal Ctrl-C reaches only the supervisor, which relays it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("child %s: start: %w", spec.Name, err)
	}
	c := &procChild{cmd: cmd, done: make(chan struct{})}
	go func() {
		c.err = cmd.Wait()
		close(c.done)
	}()
	return c, nil
}

type procChild struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (c *procChild) Pid() int              { return c.cmd.Process.Pid }
func (c *procChild) Done() <-chan struct{} { return c.done }

func (c *procChild) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *procChild) Stop(now bool) {
	sig := unix.SIGTERM
	if now {
		sig = unix.SIGQUIT
	}
	c.signal(sig)
}

func (c *procChild) Kill() { c.signal(unix.SIGKILL) }

func (c *procChild) signal(sig unix.Signal) {
	select {
	case <-c.done:
		return
	default:
	}
	_ = unix.Kill(c.cmd.Process.Pid, sig)
}
