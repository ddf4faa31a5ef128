package process

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/loykin/carp/internal/logger"
)

// Stdio selects where a child's standard streams are connected.
type Stdio int

const (
	StdioInherit Stdio = iota // share the supervisor's terminal
	StdioDiscard              // os.DevNull
	StdioLog                  // rotated files described by Spec.Log
)

func (s Stdio) String() string {
	switch s {
	case StdioInherit:
		return "inherit"
	case StdioDiscard:
		return "discard"
	case StdioLog:
		return "log"
	default:
		return "unknown"
	}
}

// Spec describes a program to be started by a Runner.
type Spec struct {
	Name    string        `json:"name"`     // role label used in logs, metrics and pid files
	Path    string        `json:"path"`     // executable, resolved through PATH when not absolute
	Args    []string      `json:"args"`     // arguments, never passed through a shell
	WorkDir string        `json:"work_dir"` // optional working dir
	Env     []string      `json:"env"`      // full child environment; nil inherits the parent's
	PIDFile string        `json:"pid_file"` // optional; written after a successful start
	Stdio   Stdio         `json:"-"`
	Log     logger.Config `json:"-"` // used when Stdio is StdioLog
}

// Label returns Name, falling back to the executable's base name.
func (s Spec) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return filepath.Base(s.Path)
}

// CommandLine renders the invocation for diagnostics.
func (s Spec) CommandLine() string {
	parts := make([]string, 0, len(s.Args)+1)
	parts = append(parts, s.Path)
	parts = append(parts, s.Args...)
	return strings.Join(parts, " ")
}

// BuildCommand constructs the *exec.Cmd for the spec and opens any stream
// destinations it needs. The returned closers must be closed once the command
// has exited (or failed to start).
func (s Spec) BuildCommand() (*exec.Cmd, []io.Closer, error) {
	if strings.TrimSpace(s.Path) == "" {
		return nil, nil, fmt.Errorf("process %q: empty executable path", s.Label())
	}
	// #nosec G204 -- executable and arguments come from the build-time configuration
	cmd := exec.Command(s.Path, s.Args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if s.Env != nil {
		cmd.Env = s.Env
	}
	configureSysProcAttr(cmd)

	var closers []io.Closer
	switch s.Stdio {
	case StdioInherit:
		cmd.Stdin = nil
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	case StdioDiscard:
		// exec connects nil streams to os.DevNull
		cmd.Stdout = nil
		cmd.Stderr = nil
	case StdioLog:
		if s.Log.Dir != "" {
			if err := os.MkdirAll(s.Log.Dir, 0o750); err != nil {
				return nil, nil, fmt.Errorf("process %q: create log dir: %w", s.Label(), err)
			}
		}
		outW, errW, err := s.Log.Writers(s.Label())
		if err != nil {
			return nil, nil, fmt.Errorf("process %q: open log writers: %w", s.Label(), err)
		}
		if outW != nil {
			cmd.Stdout = outW
			closers = append(closers, outW)
		}
		if errW != nil {
			cmd.Stderr = errW
			closers = append(closers, errW)
		}
	default:
		return nil, nil, fmt.Errorf("process %q: unknown stdio mode %d", s.Label(), s.Stdio)
	}
	return cmd, closers, nil
}
