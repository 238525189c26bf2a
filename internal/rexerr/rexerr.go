// Package rexerr defines the typed error taxonomy for the runtime and the
// on-the-wire transfer form that lets a remote client reconstruct a matching
// error from an HTTP response.
package rexerr

import "fmt"

// classPathPrefix mirrors the original Python package path so the wire
// class_path strings line up with what an existing swerex client already
// knows how to reconstruct.
const classPathPrefix = "swerex.exceptions."

// SessionExistsError is raised by CreateSession for a name already in use.
type SessionExistsError struct {
	Session string
}

func (e *SessionExistsError) Error() string {
	return fmt.Sprintf("session %q already exists", e.Session)
}

func (e *SessionExistsError) ClassPath() string { return classPathPrefix + "SessionExistsError" }

// SessionDoesNotExistError is raised by run/close on an unknown session.
type SessionDoesNotExistError struct {
	Session string
}

func (e *SessionDoesNotExistError) Error() string {
	return fmt.Sprintf("session %q does not exist", e.Session)
}

func (e *SessionDoesNotExistError) ClassPath() string {
	return classPathPrefix + "SessionDoesNotExistError"
}

// SessionNotInitializedError is raised for an operation on a session whose
// PTY is gone.
type SessionNotInitializedError struct {
	Session string
}

func (e *SessionNotInitializedError) Error() string {
	return fmt.Sprintf("session %q is not initialized", e.Session)
}

func (e *SessionNotInitializedError) ClassPath() string {
	return classPathPrefix + "SessionNotInitializedError"
}

// BashIncorrectSyntaxError is raised when `bash -n` rejects a command block.
// ExtraInfo carries bash_stdout/bash_stderr captured from the no-exec run.
type BashIncorrectSyntaxError struct {
	Message   string
	ExtraInfo map[string]any
}

func (e *BashIncorrectSyntaxError) Error() string { return e.Message }

func (e *BashIncorrectSyntaxError) ClassPath() string {
	return classPathPrefix + "BashIncorrectSyntaxError"
}

// CommandTimeoutError is raised whenever an expect() call times out,
// including during exit-code extraction.
type CommandTimeoutError struct {
	Message string
}

func (e *CommandTimeoutError) Error() string { return e.Message }

func (e *CommandTimeoutError) ClassPath() string { return classPathPrefix + "CommandTimeoutError" }

// NoExitCodeError is raised when exit-code extraction found zero or more
// than one candidate match.
type NoExitCodeError struct {
	Message string
}

func (e *NoExitCodeError) Error() string { return e.Message }

func (e *NoExitCodeError) ClassPath() string { return classPathPrefix + "NoExitCodeError" }

// NonZeroExitCodeError is raised when check="raise" and the command's exit
// code is non-zero. A failed exit-code extraction surfaces as
// NoExitCodeError or CommandTimeoutError instead.
type NonZeroExitCodeError struct {
	Command  string
	ExitCode int
	Output   string
	ErrorMsg string
}

func (e *NonZeroExitCodeError) Error() string {
	msg := fmt.Sprintf("command %q failed with exit code %d. Output: %s", e.Command, e.ExitCode, e.Output)
	if e.ErrorMsg != "" {
		return e.ErrorMsg + ": " + msg
	}
	return msg
}

func (e *NonZeroExitCodeError) ClassPath() string { return classPathPrefix + "NonZeroExitCodeError" }

// DummyOutputsExhaustedError marks a test-double runtime running out of
// scripted run_in_session outputs. No such runtime exists in this module and
// nothing here raises it; the class path is kept so a client's exception
// registry stays complete.
type DummyOutputsExhaustedError struct{}

func (e *DummyOutputsExhaustedError) Error() string {
	return "dummy runtime ran out of scripted outputs"
}

func (e *DummyOutputsExhaustedError) ClassPath() string {
	return classPathPrefix + "DummyOutputsExhaustedError"
}

// DeploymentNotStartedError marks a deployment-layer error. The deployment
// layer itself lives outside this runtime (spec.md §1), but the class path
// is kept so a client's exception registry stays complete.
type DeploymentNotStartedError struct{}

func (e *DeploymentNotStartedError) Error() string { return "deployment not started" }

func (e *DeploymentNotStartedError) ClassPath() string {
	return classPathPrefix + "DeploymentNotStartedError"
}

// DockerPullError marks a deployment-layer error, see DeploymentNotStartedError.
type DockerPullError struct {
	Message string
}

func (e *DockerPullError) Error() string { return e.Message }

func (e *DockerPullError) ClassPath() string { return classPathPrefix + "DockerPullError" }

// ClassPathed is implemented by every error in this taxonomy so the HTTP
// layer can build the wire Transfer form without a parallel type switch.
type ClassPathed interface {
	error
	ClassPath() string
}

// Transfer is the on-the-wire form of an error: enough for a remote client
// to reconstruct a matching typed error (via ClassPath) and otherwise fall
// back to a generic error while preserving Message and ExtraInfo.
type Transfer struct {
	Message   string         `json:"message"`
	ClassPath string         `json:"class_path"`
	Traceback string         `json:"traceback"`
	ExtraInfo map[string]any `json:"extra_info,omitempty"`
}

// ToTransfer converts any error into its wire form. Errors implementing
// ClassPathed carry their registered class path; anything else collapses to
// a generic runtime error class path, per the closed-registry design note in
// spec.md §9.
func ToTransfer(err error) Transfer {
	if err == nil {
		return Transfer{}
	}
	t := Transfer{
		Message:   err.Error(),
		Traceback: err.Error(),
	}
	if cp, ok := err.(ClassPathed); ok {
		t.ClassPath = cp.ClassPath()
	} else {
		t.ClassPath = classPathPrefix + "SwerexException"
	}
	if be, ok := err.(*BashIncorrectSyntaxError); ok {
		t.ExtraInfo = be.ExtraInfo
	}
	return t
}
