package rexerr

import "testing"

func TestToTransferUsesClassPathForKnownErrors(t *testing.T) {
	err := &SessionDoesNotExistError{Session: "default"}
	tr := ToTransfer(err)
	if tr.ClassPath != "swerex.exceptions.SessionDoesNotExistError" {
		t.Errorf("ClassPath = %q, want %q", tr.ClassPath, "swerex.exceptions.SessionDoesNotExistError")
	}
	if tr.Message != err.Error() {
		t.Errorf("Message = %q, want %q", tr.Message, err.Error())
	}
}

func TestToTransferFallsBackForUnknownErrors(t *testing.T) {
	err := errorString("boom")
	tr := ToTransfer(err)
	if tr.ClassPath != "swerex.exceptions.SwerexException" {
		t.Errorf("ClassPath = %q, want %q", tr.ClassPath, "swerex.exceptions.SwerexException")
	}
}

func TestToTransferCarriesExtraInfoForBashSyntaxErrors(t *testing.T) {
	err := &BashIncorrectSyntaxError{
		Message:   "syntax error",
		ExtraInfo: map[string]any{"bash_stdout": "", "bash_stderr": "syntax error near unexpected token"},
	}
	tr := ToTransfer(err)
	if tr.ExtraInfo["bash_stderr"] == nil {
		t.Errorf("ExtraInfo = %#v, want a bash_stderr key", tr.ExtraInfo)
	}
}

type errorString string

func (e errorString) Error() string { return string(e) }
