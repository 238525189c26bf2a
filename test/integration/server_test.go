// Package integration drives the HTTP surface end-to-end against the
// concrete scenarios of spec.md §8, the way the teacher's own test suites
// exercise a whole server rather than a single package.
package integration

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ajaxzhan/swerex-go/internal/httpapi"
	"github.com/ajaxzhan/swerex-go/internal/registry"
	"github.com/ajaxzhan/swerex-go/pkg/schema"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	reg := registry.New(0, nil)
	t.Cleanup(func() { _ = reg.Close() })
	srv := httpapi.NewServer(reg, "", nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding %s body: %v", path, err)
		}
	}
	resp, err := http.Post(ts.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	if out != nil {
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s response: %v", path, err)
		}
	}
	return resp
}

func createSession(t *testing.T, ts *httptest.Server, name string) {
	t.Helper()
	var resp schema.CreateSessionResponse
	r := postJSON(t, ts, "/create_session", &schema.CreateSessionRequest{Session: name}, &resp)
	if r.StatusCode != http.StatusOK {
		t.Fatalf("create_session status = %d, want 200", r.StatusCode)
	}
}

func runAction(t *testing.T, ts *httptest.Server, action *schema.BashAction) (schema.Observation, int) {
	t.Helper()
	action.Normalize()
	var obs schema.Observation
	r := postJSON(t, ts, "/run_in_session", action, &obs)
	return obs, r.StatusCode
}

func TestEchoHelloWorldScenario(t *testing.T) {
	ts := newServer(t)
	createSession(t, ts, "default")

	obs, status := runAction(t, ts, &schema.BashAction{Command: "echo 'hello world'"})
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if obs.Output != "hello world" {
		t.Errorf("Output = %q, want %q", obs.Output, "hello world")
	}
	if obs.ExitCode == nil || *obs.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", obs.ExitCode)
	}
}

func TestDoesntExitSilentScenario(t *testing.T) {
	ts := newServer(t)
	createSession(t, ts, "default")

	action := &schema.BashAction{Command: "doesntexit", Check: schema.CheckSilent}
	obs, status := runAction(t, ts, action)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if obs.ExitCode == nil || *obs.ExitCode != 127 {
		t.Errorf("ExitCode = %v, want 127", obs.ExitCode)
	}
}

func TestBooleanCheckModesScenario(t *testing.T) {
	ts := newServer(t)
	createSession(t, ts, "default")

	silentAction := &schema.BashAction{Command: "false && true", Check: schema.CheckSilent}
	obs, status := runAction(t, ts, silentAction)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if obs.ExitCode == nil || *obs.ExitCode != 1 {
		t.Errorf("ExitCode = %v, want 1", obs.ExitCode)
	}

	raisingAction := &schema.BashAction{Command: "false || true"}
	obs, status = runAction(t, ts, raisingAction)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if obs.ExitCode == nil || *obs.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", obs.ExitCode)
	}
}

func TestInteractivePythonScenario(t *testing.T) {
	ts := newServer(t)
	createSession(t, ts, "default")

	start := &schema.BashAction{Command: "python3", IsInteractiveCommand: true, Expect: []string{">>> "}}
	if _, status := runAction(t, ts, start); status != http.StatusOK {
		t.Fatalf("starting python3: status = %d, want 200", status)
	}

	print := &schema.BashAction{Command: "print('hello world')", IsInteractiveCommand: true, Expect: []string{">>> "}}
	obs, status := runAction(t, ts, print)
	if status != http.StatusOK {
		t.Fatalf("print: status = %d, want 200", status)
	}
	if !strings.Contains(obs.Output, "hello world") {
		t.Errorf("Output = %q, want it to contain %q", obs.Output, "hello world")
	}

	quit := &schema.BashAction{Command: "quit()\n", IsInteractiveQuit: true}
	obs, status = runAction(t, ts, quit)
	if status != http.StatusOK {
		t.Fatalf("quit: status = %d, want 200", status)
	}
	if obs.ExitCode == nil || *obs.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", obs.ExitCode)
	}

	after, status := runAction(t, ts, &schema.BashAction{Command: "echo 'hello world'"})
	if status != http.StatusOK {
		t.Fatalf("post-quit: status = %d, want 200", status)
	}
	if after.Output != "hello world" {
		t.Errorf("Output = %q, want %q", after.Output, "hello world")
	}
}

func TestTimeoutThenInterruptScenario(t *testing.T) {
	ts := newServer(t)
	createSession(t, ts, "default")

	timeout := 0.1
	sleepAction := &schema.BashAction{Command: "sleep 10", Timeout: &timeout}
	sleepAction.Normalize()
	var errBody map[string]map[string]any
	r := postJSON(t, ts, "/run_in_session", sleepAction, &errBody)
	if r.StatusCode != 511 {
		t.Fatalf("sleep status = %d, want 511", r.StatusCode)
	}
	if cp, _ := errBody["swerexception"]["class_path"].(string); !strings.Contains(cp, "CommandTimeoutError") {
		t.Errorf("class_path = %q, want it to contain CommandTimeoutError", cp)
	}

	interrupt := &schema.BashInterruptAction{}
	interrupt.Normalize()
	var obs schema.Observation
	r = postJSON(t, ts, "/run_in_session", interrupt, &obs)
	if r.StatusCode != http.StatusOK {
		t.Fatalf("interrupt status = %d, want 200", r.StatusCode)
	}

	after, status := runAction(t, ts, &schema.BashAction{Command: "echo asdf"})
	if status != http.StatusOK {
		t.Fatalf("post-interrupt: status = %d, want 200", status)
	}
	if after.Output != "asdf" {
		t.Errorf("Output = %q, want %q", after.Output, "asdf")
	}
}

func TestBadSyntaxScenario(t *testing.T) {
	ts := newServer(t)
	createSession(t, ts, "default")

	action := &schema.BashAction{Command: "(a"}
	action.Normalize()
	var errBody map[string]map[string]any
	r := postJSON(t, ts, "/run_in_session", action, &errBody)
	if r.StatusCode != 511 {
		t.Fatalf("status = %d, want 511", r.StatusCode)
	}
	extra, _ := errBody["swerexception"]["extra_info"].(map[string]any)
	if extra["bash_stdout"] == nil || extra["bash_stderr"] == nil {
		t.Errorf("extra_info = %#v, want bash_stdout and bash_stderr keys", extra)
	}
}

func TestUploadDirectoryThenReadFileScenario(t *testing.T) {
	ts := newServer(t)

	src := t.TempDir()
	files := map[string]string{"file1.txt": "test1", "file2.txt": "test2"}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(src, name), []byte(content), 0o644); err != nil {
			t.Fatalf("seeding %s failed: %v", name, err)
		}
	}

	archive := filepath.Join(t.TempDir(), "upload.zip")
	if err := zipDirForTest(src, archive); err != nil {
		t.Fatalf("zipping source dir: %v", err)
	}

	target := filepath.Join(t.TempDir(), "uploaded")
	uploadZip(t, ts, archive, target)

	for name, want := range files {
		var resp schema.ReadFileResponse
		r := postJSON(t, ts, "/read_file", &schema.ReadFileRequest{Path: filepath.Join(target, name)}, &resp)
		if r.StatusCode != http.StatusOK {
			t.Fatalf("read_file(%s) status = %d, want 200", name, r.StatusCode)
		}
		if resp.Content != want {
			t.Errorf("Content of %s = %q, want %q", name, resp.Content, want)
		}
	}
}

func TestExecuteTimeoutScenario(t *testing.T) {
	ts := newServer(t)

	timeout := 0.1
	cmd := &schema.Command{Command: schema.StringOrArgv{Argv: []string{"sleep", "10"}}, Timeout: &timeout}
	var errBody map[string]map[string]any
	r := postJSON(t, ts, "/execute", cmd, &errBody)
	if r.StatusCode != 511 {
		t.Fatalf("status = %d, want 511", r.StatusCode)
	}
	if cp, _ := errBody["swerexception"]["class_path"].(string); !strings.Contains(cp, "CommandTimeoutError") {
		t.Errorf("class_path = %q, want it to contain CommandTimeoutError", cp)
	}
}

func TestHeredocScenario(t *testing.T) {
	ts := newServer(t)
	createSession(t, ts, "default")

	cmd := "python3 <<EOF\nprint('hello world')\nprint('hello world 2')\nEOF"
	obs, status := runAction(t, ts, &schema.BashAction{Command: cmd})
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if !strings.Contains(obs.Output, "hello world") || !strings.Contains(obs.Output, "hello world 2") {
		t.Errorf("Output = %q, want both heredoc lines", obs.Output)
	}
}

func uploadZip(t *testing.T, ts *httptest.Server, archivePath, targetPath string) {
	t.Helper()
	data, err := os.ReadFile(archivePath)
	if err != nil {
		t.Fatalf("reading archive: %v", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "upload.zip")
	if err != nil {
		t.Fatalf("creating form file: %v", err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatalf("writing form file: %v", err)
	}
	if err := mw.WriteField("target_path", targetPath); err != nil {
		t.Fatalf("writing target_path: %v", err)
	}
	if err := mw.WriteField("unzip", "true"); err != nil {
		t.Fatalf("writing unzip: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("closing multipart writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/upload", &buf)
	if err != nil {
		t.Fatalf("building upload request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d, want 200", resp.StatusCode)
	}
}
