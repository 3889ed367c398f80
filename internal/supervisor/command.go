package supervisor

import (
	"os"
	"syscall"
)

// Command is a lifecycle request delivered to the control loop.
type Command int

const (
	// StopGraceful stops children, letting in-flight jobs finish within the shutdown timeout.
	StopGraceful Command = iota + 1
	// StopNow aborts in-flight jobs and stops children right away.
	StopNow
	// Restart stops and respawns every child without deregistering the supervisor.
	Restart
)

func (c Command) String() string {
	switch c {
	case StopGraceful:
		return "stop"
	case StopNow:
		return "stop_now"
	case Restart:
		return "restart"
	default:
		return "unknown"
	}
}

// CommandForSignal maps TERM and INT to a graceful stop, QUIT to an
// immediate stop and HUP to a hot restart.
func CommandForSignal(sig os.Signal) (Command, bool) {
	switch sig {
	case syscall.SIGTERM, os.Interrupt:
		return StopGraceful, true
	case syscall.SIGQUIT:
		return StopNow, true
	case syscall.SIGHUP:
		return Restart, true
	}
	return 0, false
}

// Signals lists everything CommandForSignal understands.
var Signals = []os.Signal{syscall.SIGTERM, os.Interrupt, syscall.SIGQUIT, syscall.SIGHUP}

// State is the supervisor lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateRestarting
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
