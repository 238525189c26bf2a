// Package session implements the bash session state machine: the startup
// handshake, normal command execution with exit-code extraction, interactive
// REPL takeover, interactive-quit resync, and interrupt handling.
package session

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajaxzhan/swerex-go/internal/bashsplit"
	"github.com/ajaxzhan/swerex-go/internal/ptyshell"
	"github.com/ajaxzhan/swerex-go/internal/rexerr"
	"github.com/ajaxzhan/swerex-go/pkg/schema"
)

// State is the lifecycle stage of a Session.
type State int

const (
	Uninitialized State = iota
	Ready
	Closed
)

// noTimeout stands in for "no timeout" (spec.md §4.5's default for
// BashAction) wherever ptyshell.Expect needs a concrete duration.
const noTimeout = 365 * 24 * time.Hour

var ansiEscape = regexp.MustCompile("\x1B[@-_][0-?]*[ -/]*[@-~]")

// Session drives one bash child process through its full request lifecycle.
// mu serializes every operation against the shell: the registry only guards
// its name-to-session map, so without this lock two concurrent requests for
// the same session would race Sendline/Expect against the same PTY.
type Session struct {
	name   string
	logger *zap.Logger

	defaultActionTimeout time.Duration

	mu    sync.Mutex
	shell *ptyshell.Shell
	ps1   string
	state State
}

// New constructs a Session. It does not spawn a PTY; call Start for that.
func New(name string, defaultActionTimeout time.Duration, logger *zap.Logger) *Session {
	if logger != nil {
		logger = logger.With(zap.String("session", name))
	}
	return &Session{
		name:                 name,
		logger:               logger,
		defaultActionTimeout: defaultActionTimeout,
		state:                Uninitialized,
	}
}

// State reports the session's current lifecycle stage.
func (s *Session) State() State { return s.state }

// Start spawns the PTY with terminal echo disabled, sources the caller's
// startup files, and resets PS1 to a fresh opaque sentinel.
func (s *Session) Start(ctx context.Context, startupSource []string, startupTimeout time.Duration) (schema.CreateSessionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shell, err := ptyshell.Spawn("/bin/bash", []string{"--norc", "--noprofile"}, os.Environ(), "", s.logger)
	if err != nil {
		return schema.CreateSessionResponse{}, fmt.Errorf("spawning shell for session %q: %w", s.name, err)
	}
	if err := shell.Setecho(false); err != nil {
		_ = shell.Close()
		return schema.CreateSessionResponse{}, fmt.Errorf("disabling echo for session %q: %w", s.name, err)
	}
	s.shell = shell
	s.ps1 = "SWEREX_PS1_" + uuid.NewString()

	time.Sleep(100 * time.Millisecond)

	var parts []string
	for _, src := range startupSource {
		parts = append(parts, fmt.Sprintf("source %s", src))
	}
	parts = append(parts, fmt.Sprintf("export PS1='%s'", s.ps1), "export PS2=''", "export PS0=''")
	if err := s.shell.Sendline(strings.Join(parts, " ; ")); err != nil {
		return schema.CreateSessionResponse{}, fmt.Errorf("writing startup command: %w", err)
	}

	ps1Pattern := regexp.MustCompile(regexp.QuoteMeta(s.ps1))
	match, err := s.shell.Expect(ctx, []*regexp.Regexp{ps1Pattern}, startupTimeout)
	if err != nil {
		_ = s.shell.Close()
		return schema.CreateSessionResponse{}, &rexerr.CommandTimeoutError{Message: "timeout while initializing shell"}
	}

	s.state = Ready
	return schema.CreateSessionResponse{Output: stripOutput(match.Before, s.ps1), SessionType: "bash"}, nil
}

// Run dispatches a into runNormal/runInteractive or interrupt depending on
// its concrete type. It holds the session's lock for the whole call, so at
// most one action runs against the underlying PTY at a time (spec.md §5:
// "one outstanding command per session").
func (s *Session) Run(ctx context.Context, action schema.Action) (schema.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Ready {
		return schema.Observation{}, &rexerr.SessionNotInitializedError{Session: s.name}
	}
	switch a := action.(type) {
	case *schema.BashAction:
		return s.runBash(ctx, a)
	case *schema.BashInterruptAction:
		return s.interrupt(ctx, a)
	default:
		return schema.Observation{}, fmt.Errorf("session: unsupported action type %T", action)
	}
}

func (s *Session) runBash(ctx context.Context, a *schema.BashAction) (schema.Observation, error) {
	if a.IsInteractiveCommand || a.IsInteractiveQuit {
		return s.runInteractive(ctx, a)
	}
	return s.runNormal(ctx, a)
}

func (s *Session) runNormal(ctx context.Context, a *schema.BashAction) (schema.Observation, error) {
	if err := bashsplit.Validate(a.Command); err != nil {
		return schema.Observation{}, err
	}

	sendCmd := a.Command
	expectLiteral := s.ps1
	if cmds, splitErr := bashsplit.Split(a.Command); splitErr == nil {
		if len(cmds) == 0 {
			sendCmd = "true"
		} else {
			sendCmd = strings.Join(cmds, " ; ")
		}
	} else {
		unique := "SWEREX_UNIQUE_" + uuid.NewString()
		sendCmd = a.Command + fmt.Sprintf("\nTMPEXITCODE=$? ; sleep 0.1; echo '%s' ; (exit $TMPEXITCODE)", unique)
		expectLiteral = unique
	}

	patterns, err := compileExpectPatterns(a.Expect, expectLiteral)
	if err != nil {
		return schema.Observation{}, err
	}

	if err := s.shell.Sendline(sendCmd); err != nil {
		return schema.Observation{}, fmt.Errorf("sending command to session %q: %w", s.name, err)
	}

	timeout := actionTimeout(a.Timeout, s.defaultActionTimeout)
	match, err := s.shell.Expect(ctx, patterns, timeout)
	if err == ptyshell.ErrExpectTimeout {
		return schema.Observation{}, &rexerr.CommandTimeoutError{
			Message: fmt.Sprintf("timeout while running command %q in session %q", a.Command, s.name),
		}
	} else if err != nil {
		return schema.Observation{}, err
	}

	output := stripOutput(match.Before, s.ps1, expectLiteral)
	expectString := resolveExpectString(match.Index, a.Expect, expectLiteral)

	var exitCodePtr *int
	if a.Check != schema.CheckIgnore {
		code, extractErr := s.extractExitCode(ctx)
		if extractErr != nil {
			if a.Check == schema.CheckSilent {
				exitCodePtr = nil
			} else {
				return schema.Observation{}, extractErr
			}
		} else {
			exitCodePtr = &code
		}
	}

	if a.Check == schema.CheckRaise && exitCodePtr != nil && *exitCodePtr != 0 {
		return schema.Observation{}, &rexerr.NonZeroExitCodeError{
			Command:  a.Command,
			ExitCode: *exitCodePtr,
			Output:   output,
			ErrorMsg: a.ErrorMsg,
		}
	}

	obs := schema.NewObservation()
	obs.Output = output
	obs.ExitCode = exitCodePtr
	obs.ExpectString = expectString
	return obs, nil
}

// extractExitCode runs the echo PREFIX$?SUFFIX protocol of spec.md §4.3
// step 4, with up to two extra short retries on an empty capture the way
// the original SWE-ReX implementation does.
func (s *Session) extractExitCode(ctx context.Context) (int, error) {
	prefix := "SWEREX_EXIT_" + uuid.NewString()
	const suffix = "_END"
	if err := s.shell.Sendline(fmt.Sprintf("echo %s$?%s", prefix, suffix)); err != nil {
		return 0, fmt.Errorf("sending exit code probe: %w", err)
	}

	marker := regexp.MustCompile(regexp.QuoteMeta(prefix) + `(-?\d+)` + regexp.QuoteMeta(suffix))

	var match ptyshell.Match
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		timeout := time.Second
		if attempt > 0 {
			timeout = 100 * time.Millisecond
		}
		match, err = s.shell.Expect(ctx, []*regexp.Regexp{marker}, timeout)
		if err == nil {
			break
		}
		if err != ptyshell.ErrExpectTimeout {
			return 0, err
		}
	}
	if err != nil {
		return 0, &rexerr.CommandTimeoutError{Message: "timeout while extracting exit code"}
	}

	groups := marker.FindStringSubmatch(match.After)
	if len(groups) != 2 {
		return 0, &rexerr.NoExitCodeError{Message: "failed to parse exit code from shell output"}
	}
	code, convErr := strconv.Atoi(groups[1])
	if convErr != nil {
		return 0, &rexerr.NoExitCodeError{Message: fmt.Sprintf("failed to parse exit code %q", groups[1])}
	}

	ps1Pattern := regexp.MustCompile(regexp.QuoteMeta(s.ps1))
	if _, err := s.shell.Expect(ctx, []*regexp.Regexp{ps1Pattern}, time.Second); err != nil {
		return 0, &rexerr.CommandTimeoutError{Message: "timeout while resyncing prompt after exit code"}
	}

	return code, nil
}

func (s *Session) runInteractive(ctx context.Context, a *schema.BashAction) (schema.Observation, error) {
	patterns, err := compileExpectPatterns(a.Expect, s.ps1)
	if err != nil {
		return schema.Observation{}, err
	}
	if err := s.shell.Sendline(a.Command); err != nil {
		return schema.Observation{}, fmt.Errorf("sending command to session %q: %w", s.name, err)
	}

	timeout := actionTimeout(a.Timeout, s.defaultActionTimeout)
	match, err := s.shell.Expect(ctx, patterns, timeout)
	if err == ptyshell.ErrExpectTimeout {
		return schema.Observation{}, &rexerr.CommandTimeoutError{
			Message: fmt.Sprintf("timeout while running interactive command in session %q", s.name),
		}
	} else if err != nil {
		return schema.Observation{}, err
	}

	output := stripOutput(match.Before, s.ps1)
	expectString := resolveExpectString(match.Index, a.Expect, s.ps1)

	if a.IsInteractiveQuit {
		if err := s.resyncEcho(ctx); err != nil {
			return schema.Observation{}, err
		}
	} else {
		output = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(output), strings.TrimSpace(a.Command)))
	}

	zero := 0
	obs := schema.NewObservation()
	obs.Output = output
	obs.ExitCode = &zero
	obs.ExpectString = expectString
	return obs, nil
}

// resyncEcho drains the double-prompt artifact many REPLs leave behind on
// exit, per spec.md §4.3's interactive-quit procedure.
func (s *Session) resyncEcho(ctx context.Context) error {
	if err := s.shell.Setecho(false); err != nil {
		return fmt.Errorf("disabling echo: %w", err)
	}
	if err := s.shell.WaitNoecho(time.Second); err != nil {
		return &rexerr.CommandTimeoutError{Message: "timeout while waiting for echo to disable"}
	}

	unique := "SWEREX_RESYNC_" + uuid.NewString()
	if err := s.shell.Sendline(fmt.Sprintf("stty -echo; echo '%s'", unique)); err != nil {
		return fmt.Errorf("sending resync command: %w", err)
	}

	uniquePattern := regexp.MustCompile(regexp.QuoteMeta(unique))
	if _, err := s.shell.Expect(ctx, []*regexp.Regexp{uniquePattern}, time.Second); err != nil {
		return &rexerr.CommandTimeoutError{Message: "timeout while resyncing after interactive quit"}
	}
	ps1Pattern := regexp.MustCompile(regexp.QuoteMeta(s.ps1))
	if _, err := s.shell.Expect(ctx, []*regexp.Regexp{ps1Pattern}, time.Second); err != nil {
		return &rexerr.CommandTimeoutError{Message: "timeout while resyncing after interactive quit"}
	}
	return nil
}

// interrupt sends SIGINT up to NRetry times, falling back to SIGTSTP plus a
// kill -9 of the stopped foreground job if none land.
func (s *Session) interrupt(ctx context.Context, a *schema.BashInterruptAction) (schema.Observation, error) {
	patterns, err := compileExpectPatterns(a.Expect, s.ps1)
	if err != nil {
		return schema.Observation{}, err
	}
	timeout := time.Duration(a.Timeout * float64(time.Second))

	for i := 0; i < a.NRetry; i++ {
		if err := s.shell.Sendintr(); err != nil {
			return schema.Observation{}, fmt.Errorf("sending interrupt: %w", err)
		}
		match, err := s.shell.Expect(ctx, patterns, timeout)
		if err == nil {
			trailing := s.shell.ReadNonblocking(50 * time.Millisecond)
			output := stripOutput(match.Before+trailing, s.ps1)
			zero := 0
			obs := schema.NewObservation()
			obs.Output = output
			obs.ExitCode = &zero
			obs.ExpectString = resolveExpectString(match.Index, a.Expect, s.ps1)
			return obs, nil
		}
	}

	ps1Pattern := regexp.MustCompile(regexp.QuoteMeta(s.ps1))
	if err := s.shell.Sendctrlz(); err != nil {
		return schema.Observation{}, fmt.Errorf("sending suspend: %w", err)
	}
	if _, err := s.shell.Expect(ctx, []*regexp.Regexp{ps1Pattern}, 2*time.Second); err != nil {
		return schema.Observation{}, &rexerr.CommandTimeoutError{Message: "timeout while interrupting session"}
	}
	if err := s.shell.Sendline("kill -9 %1"); err != nil {
		return schema.Observation{}, fmt.Errorf("sending kill: %w", err)
	}
	if _, err := s.shell.Expect(ctx, []*regexp.Regexp{ps1Pattern}, 2*time.Second); err != nil {
		return schema.Observation{}, &rexerr.CommandTimeoutError{Message: "timeout while interrupting session"}
	}

	zero := 0
	obs := schema.NewObservation()
	obs.ExitCode = &zero
	return obs, nil
}

// Close tears down the PTY. Idempotent: closing twice is a no-op. It waits
// for any in-flight Run to finish rather than closing out from under it.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Closed {
		return nil
	}
	s.state = Closed
	if s.shell == nil {
		return nil
	}
	return s.shell.Close()
}

func actionTimeout(secs *float64, fallback time.Duration) time.Duration {
	if secs != nil {
		return time.Duration(*secs * float64(time.Second))
	}
	if fallback <= 0 {
		return noTimeout
	}
	return fallback
}

func compileExpectPatterns(extra []string, literalTerminator string) ([]*regexp.Regexp, error) {
	patterns := make([]*regexp.Regexp, 0, len(extra)+1)
	for _, e := range extra {
		p, err := regexp.Compile(e)
		if err != nil {
			p = regexp.MustCompile(regexp.QuoteMeta(e))
		}
		patterns = append(patterns, p)
	}
	patterns = append(patterns, regexp.MustCompile(regexp.QuoteMeta(literalTerminator)))
	return patterns, nil
}

func resolveExpectString(index int, extra []string, literalTerminator string) string {
	if index < len(extra) {
		return extra[index]
	}
	return literalTerminator
}

func stripOutput(s string, literals ...string) string {
	out := ansiEscape.ReplaceAllString(s, "")
	for _, l := range literals {
		out = strings.ReplaceAll(out, l, "")
	}
	return strings.TrimSpace(out)
}
