// Package scan runs an external malware scanner over restored or verified
// content. The scanner is any command that reads the content on stdin and
// follows the clamdscan exit convention: 0 clean, 1 threat found, anything
// else an error.
package scan

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"recov-go/internal/config"
	"recov-go/internal/recov"
)

// DefaultTimeout bounds a single scan when the config leaves it unset.
const DefaultTimeout = 2 * time.Minute

// Deps holds the process hooks, swappable in tests.
type Deps struct {
	LookPath       func(string) (string, error)
	CommandContext func(context.Context, string, ...string) *exec.Cmd
}

func defaultDeps() Deps {
	return Deps{
		LookPath:       exec.LookPath,
		CommandContext: exec.CommandContext,
	}
}

// CommandScanner implements recov.Scanner by piping content to a command.
type CommandScanner struct {
	argv    []string
	timeout time.Duration
	deps    Deps
}

var _ recov.Scanner = (*CommandScanner)(nil)

// NewCommandScanner creates a scanner running argv. argv[0] is looked up on PATH.
func NewCommandScanner(argv []string, timeout time.Duration) (*CommandScanner, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, fmt.Errorf("scanner command is empty")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &CommandScanner{argv: argv, timeout: timeout, deps: defaultDeps()}, nil
}

// WithDeps returns a copy of s using deps.
func (s *CommandScanner) WithDeps(deps Deps) *CommandScanner {
	c := *s
	c.deps = deps
	return &c
}

// Available reports whether the scanner binary can be found.
func (s *CommandScanner) Available(ctx context.Context) bool {
	_, err := s.deps.LookPath(s.argv[0])
	return err == nil
}

// Scan streams r to the command and interprets its exit status.
func (s *CommandScanner) Scan(ctx context.Context, name string, r io.Reader) (recov.ScanVerdict, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := s.deps.CommandContext(ctx, s.argv[0], s.argv[1:]...)
	cmd.Stdin = r
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return recov.ScanVerdict{Clean: true}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return recov.ScanVerdict{Threat: threatName(stdout.String())}, nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return recov.ScanVerdict{}, fmt.Errorf("%w: %v", recov.ErrScannerUnavailable, err)
	}
	if ctx.Err() != nil {
		return recov.ScanVerdict{}, fmt.Errorf("scanning %s: %w", name, ctx.Err())
	}
	return recov.ScanVerdict{}, fmt.Errorf("scanning %s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
}

// threatName extracts the signature from clamd-style "<name>: <sig> FOUND"
// output. Falls back to the first output line.
func threatName(out string) string {
	var first string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if first == "" {
			first = line
		}
		if rest, ok := strings.CutSuffix(line, " FOUND"); ok {
			if i := strings.LastIndex(rest, ": "); i >= 0 {
				rest = rest[i+2:]
			}
			return rest
		}
	}
	if first == "" {
		return "unknown threat"
	}
	return first
}

// NewScannerFromConfig creates a Scanner based on the config type.
func NewScannerFromConfig(cfg config.ScannerConfig) (recov.Scanner, error) {
	switch cfg.Type {
	case "", "none":
		return recov.NoScanner{}, nil
	case "command":
		s, err := NewCommandScanner(cfg.Command, cfg.Timeout.Duration)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown scanner type: %s", cfg.Type)
	}
}
