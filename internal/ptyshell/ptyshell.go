// Package ptyshell spawns a shell under a pseudo-terminal and gives callers
// an expect()-style primitive to block on regex patterns in its output,
// mirroring the control a terminal-driving client has over a real tty.
package ptyshell

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ErrExpectTimeout is returned by Expect when no pattern matched before the
// deadline. Callers must treat it distinctly from other errors (spec: "a
// distinct Timeout result is returned, not a generic error").
var ErrExpectTimeout = errors.New("ptyshell: expect timed out")

// ErrClosed is returned once the child's output stream has ended.
var ErrClosed = errors.New("ptyshell: pty closed")

// Match is the result of a successful Expect call.
type Match struct {
	Index  int    // which pattern matched
	Before string // everything buffered before the match
	After  string // the matched text itself
}

// Shell drives one bash child process through a PTY.
type Shell struct {
	ptmx   *os.File
	cmd    *exec.Cmd
	logger *zap.Logger

	mu      sync.Mutex
	pending []byte // bytes read but not yet consumed by an Expect call

	chunks chan []byte
	done   chan struct{}
	once   sync.Once
}

// Spawn starts shellPath under a PTY with the given args, environment, and
// working directory.
func Spawn(shellPath string, args []string, env []string, cwd string, logger *zap.Logger) (*Shell, error) {
	cmd := exec.Command(shellPath, args...)
	cmd.Env = env
	cmd.Dir = cwd

	// pty.Start runs the child with Setsid, which also makes it the leader
	// of its own process group; adding Setpgid on top would make the
	// setpgid call fail with EPERM and the child would never start.
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("starting pty: %w", err)
	}

	s := &Shell{
		ptmx:   ptmx,
		cmd:    cmd,
		logger: logger,
		chunks: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	s.logf("pty spawned", zap.String("shell", shellPath), zap.Int("pid", cmd.Process.Pid))
	return s, nil
}

// logf logs through s.logger when one was supplied; tests spawn shells
// without a logger and must not panic.
func (s *Shell) logf(msg string, fields ...zap.Field) {
	if s.logger != nil {
		s.logger.Debug(msg, fields...)
	}
}

// readLoop feeds chunks of PTY output to Expect/ReadNonblocking as they
// arrive, and closes done once the child's side of the PTY is gone.
func (s *Shell) readLoop() {
	defer close(s.done)
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.chunks <- chunk:
			case <-s.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Sendline writes s followed by a newline to the shell.
func (s *Shell) Sendline(line string) error {
	_, err := s.ptmx.Write([]byte(line + "\n"))
	return err
}

// Sendintr delivers SIGINT via the tty (Ctrl-C).
func (s *Shell) Sendintr() error {
	_, err := s.ptmx.Write([]byte{0x03})
	return err
}

// Sendctrlz delivers SIGTSTP via the tty (Ctrl-Z).
func (s *Shell) Sendctrlz() error {
	_, err := s.ptmx.Write([]byte{0x1a})
	return err
}

// Setecho enables or disables local terminal echo on the PTY master.
func (s *Shell) Setecho(enabled bool) error {
	fd := int(s.ptmx.Fd())
	term, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("getting termios: %w", err)
	}
	if enabled {
		term.Lflag |= unix.ECHO
	} else {
		term.Lflag &^= unix.ECHO
	}
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, term); err != nil {
		return fmt.Errorf("setting termios: %w", err)
	}
	return nil
}

// echoEnabled reports whether local echo is currently on.
func (s *Shell) echoEnabled() (bool, error) {
	term, err := unix.IoctlGetTermios(int(s.ptmx.Fd()), unix.TCGETS)
	if err != nil {
		return false, fmt.Errorf("getting termios: %w", err)
	}
	return term.Lflag&unix.ECHO != 0, nil
}

// WaitNoecho blocks until local echo reads as disabled or the timeout
// elapses.
func (s *Shell) WaitNoecho(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		echo, err := s.echoEnabled()
		if err != nil {
			return err
		}
		if !echo {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrExpectTimeout
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Expect blocks until one of patterns matches the cumulative output stream
// seen since the previous Expect/ReadNonblocking call, or timeout elapses.
// It returns the index of the first pattern to match (by earliest match
// position, ties broken by patterns order), with Before/After buffers.
func (s *Shell) Expect(ctx context.Context, patterns []*regexp.Regexp, timeout time.Duration) (Match, error) {
	s.mu.Lock()
	acc := s.pending
	s.pending = nil
	s.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		if m, ok := firstMatch(acc, patterns); ok {
			s.mu.Lock()
			s.pending = append([]byte(nil), acc[m.end:]...)
			s.mu.Unlock()
			return Match{Index: m.index, Before: string(acc[:m.start]), After: string(acc[m.start:m.end])}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.stashPending(acc)
			return Match{}, ErrExpectTimeout
		}

		select {
		case <-ctx.Done():
			s.stashPending(acc)
			return Match{}, ctx.Err()
		case chunk := <-s.chunks:
			acc = append(acc, chunk...)
		case <-s.done:
			s.stashPending(acc)
			return Match{}, ErrClosed
		case <-time.After(remaining):
			s.stashPending(acc)
			return Match{}, ErrExpectTimeout
		}
	}
}

func (s *Shell) stashPending(acc []byte) {
	s.mu.Lock()
	s.pending = append(acc, s.pending...)
	s.mu.Unlock()
}

type patternMatch struct {
	index      int
	start, end int
}

// firstMatch finds the earliest-starting match across all patterns; ties go
// to the pattern with the lower index.
func firstMatch(acc []byte, patterns []*regexp.Regexp) (patternMatch, bool) {
	best := patternMatch{start: -1}
	for i, p := range patterns {
		loc := p.FindIndex(acc)
		if loc == nil {
			continue
		}
		if best.start == -1 || loc[0] < best.start {
			best = patternMatch{index: i, start: loc[0], end: loc[1]}
		}
	}
	if best.start == -1 {
		return patternMatch{}, false
	}
	return best, true
}

// ReadNonblocking drains whatever output has accumulated within timeout,
// without requiring a pattern match. Used to pick up straggler output after
// an interrupt or close.
func (s *Shell) ReadNonblocking(timeout time.Duration) string {
	s.mu.Lock()
	acc := s.pending
	s.pending = nil
	s.mu.Unlock()

	deadline := time.After(timeout)
	for {
		select {
		case chunk := <-s.chunks:
			acc = append(acc, chunk...)
		case <-s.done:
			return string(acc)
		case <-deadline:
			return string(acc)
		}
	}
}

// Close tears down the PTY and kills the child's process group.
func (s *Shell) Close() error {
	var closeErr error
	s.once.Do(func() {
		if s.cmd.Process != nil {
			if pgid, err := syscall.Getpgid(s.cmd.Process.Pid); err == nil {
				_ = syscall.Kill(-pgid, syscall.SIGKILL)
			} else {
				_ = s.cmd.Process.Kill()
			}
		}
		closeErr = s.ptmx.Close()
		_, _ = s.cmd.Process.Wait()
		s.logf("pty closed")
	})
	return closeErr
}
