//go:build !unix

package supervisor

import (
	"errors"
	"io"

	"github.com/buncis/solid-queue/internal/config"
)

var errForkUnsupported = errors.New("fork mode is only supported on unix; use async")

type ForkLauncher struct {
	Path   string
	Args   []string
	Stdout io.Writer
	Stderr io.Writer
}

func NewForkLauncher(cfg *config.Config, args ...string) *ForkLauncher {
	return &ForkLauncher{Args: args}
}

func (l *ForkLauncher) SetConfig(*config.Config) {}

func (l *ForkLauncher) Launch(spec ChildSpec, supervisorID int64) (Child, error) {
	return nil, errForkUnsupported
}
