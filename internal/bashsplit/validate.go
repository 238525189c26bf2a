package bashsplit

import (
	"bytes"
	"fmt"
	"os/exec"

	"github.com/google/uuid"

	"github.com/ajaxzhan/swerex-go/internal/rexerr"
)

// Validate checks command's syntax by running `bash -n` against it, fed
// through a uniquely delimited heredoc so the command's own redirections
// and quoting can't interfere with how bash reads the check itself.
func Validate(command string) error {
	delim := "BASHSPLIT_VALIDATE_" + uuid.NewString()
	script := fmt.Sprintf("bash -n <<'%s'\n%s\n%s\n", delim, command, delim)

	cmd := exec.Command("bash", "-c", script)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return &rexerr.BashIncorrectSyntaxError{
			Message: fmt.Sprintf("command failed syntax check: %v", err),
			ExtraInfo: map[string]any{
				"bash_stdout": stdout.String(),
				"bash_stderr": stderr.String(),
			},
		}
	}
	return nil
}
