// Package registry implements the session registry / runtime facade: a
// named map of bash sessions plus one-shot subprocess execution and
// filesystem operations, serialized per session and safe for concurrent use
// across distinct sessions.
package registry

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajaxzhan/swerex-go/internal/rexerr"
	"github.com/ajaxzhan/swerex-go/internal/session"
	"github.com/ajaxzhan/swerex-go/pkg/schema"
)

// Registry holds every active session and serves the runtime-wide
// operations (execute, read/write file, upload, close).
type Registry struct {
	logger *zap.Logger

	defaultActionTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// New constructs an empty Registry.
func New(defaultActionTimeout time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		logger:               logger,
		defaultActionTimeout: defaultActionTimeout,
		sessions:             make(map[string]*session.Session),
	}
}

// IsAlive is total: the runtime-side answer is always true once the
// registry exists. The remote wrapper, out of scope here, is the layer that
// can observe connection failure and report false.
func (r *Registry) IsAlive() schema.IsAliveResponse {
	return schema.IsAliveResponse{IsAlive: true}
}

// CreateSession creates and starts a new session under req.Session.
func (r *Registry) CreateSession(ctx context.Context, req *schema.CreateSessionRequest) (schema.CreateSessionResponse, error) {
	req.Normalize()

	r.mu.Lock()
	if _, exists := r.sessions[req.Session]; exists {
		r.mu.Unlock()
		return schema.CreateSessionResponse{}, &rexerr.SessionExistsError{Session: req.Session}
	}
	sess := session.New(req.Session, r.defaultActionTimeout, r.logger)
	r.sessions[req.Session] = sess
	r.mu.Unlock()

	resp, err := sess.Start(ctx, req.StartupSource, time.Duration(req.StartupTimeout*float64(time.Second)))
	if err != nil {
		r.mu.Lock()
		delete(r.sessions, req.Session)
		r.mu.Unlock()
		return schema.CreateSessionResponse{}, err
	}
	return resp, nil
}

// RunInSession dispatches action to its named session.
func (r *Registry) RunInSession(ctx context.Context, action schema.Action) (schema.Observation, error) {
	r.mu.Lock()
	sess, ok := r.sessions[action.SessionName()]
	r.mu.Unlock()
	if !ok {
		return schema.Observation{}, &rexerr.SessionDoesNotExistError{Session: action.SessionName()}
	}
	return sess.Run(ctx, action)
}

// CloseSession closes and removes req.Session. Closing a session twice
// fails with SessionDoesNotExistError, since the first close already
// removed it from the map.
func (r *Registry) CloseSession(req *schema.CloseSessionRequest) (schema.CloseSessionResponse, error) {
	req.Normalize()

	r.mu.Lock()
	sess, ok := r.sessions[req.Session]
	if ok {
		delete(r.sessions, req.Session)
	}
	r.mu.Unlock()

	if !ok {
		return schema.CloseSessionResponse{}, &rexerr.SessionDoesNotExistError{Session: req.Session}
	}
	if err := sess.Close(); err != nil {
		return schema.CloseSessionResponse{}, err
	}
	return schema.CloseSessionResponse{SessionType: "bash"}, nil
}

// Execute runs a one-shot subprocess, never mutating the caller's own
// environment (a fresh env is built for the child instead).
func (r *Registry) Execute(ctx context.Context, c *schema.Command) (schema.CommandResponse, error) {
	if c.Timeout != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*c.Timeout*float64(time.Second)))
		defer cancel()
	}

	var cmd *exec.Cmd
	if c.Shell {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", c.Command.Str)
	} else {
		argv := c.Command.Argv
		if len(argv) == 0 {
			return schema.CommandResponse{}, fmt.Errorf("execute: empty argv")
		}
		cmd = exec.CommandContext(ctx, argv[0], argv[1:]...)
	}
	if c.Cwd != "" {
		cmd.Dir = c.Cwd
	}
	cmd.Env = os.Environ()
	for k, v := range c.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return schema.CommandResponse{}, &rexerr.CommandTimeoutError{
			Message: fmt.Sprintf("timeout (%vs) exceeded while running command", derefFloat(c.Timeout)),
		}
	}

	exitCode := cmd.ProcessState.ExitCode()
	resp := schema.CommandResponse{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: &exitCode,
	}
	if runErr != nil && c.Check && exitCode != 0 {
		return resp, &rexerr.NonZeroExitCodeError{
			Command:  commandText(c),
			ExitCode: exitCode,
			Output:   stdout.String() + stderr.String(),
			ErrorMsg: c.ErrorMsg,
		}
	}
	return resp, nil
}

func commandText(c *schema.Command) string {
	if c.Command.IsStr {
		return c.Command.Str
	}
	return strings.Join(c.Command.Argv, " ")
}

func derefFloat(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

// ReadFile reads path as text.
func (r *Registry) ReadFile(req *schema.ReadFileRequest) (schema.ReadFileResponse, error) {
	data, err := os.ReadFile(req.Path)
	if err != nil {
		return schema.ReadFileResponse{}, fmt.Errorf("reading %s: %w", req.Path, err)
	}
	return schema.ReadFileResponse{Content: string(data)}, nil
}

// WriteFile writes content to path, creating parent directories as needed.
func (r *Registry) WriteFile(req *schema.WriteFileRequest) (schema.WriteFileResponse, error) {
	if dir := filepath.Dir(req.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return schema.WriteFileResponse{}, fmt.Errorf("creating parent directories for %s: %w", req.Path, err)
		}
	}
	if err := os.WriteFile(req.Path, []byte(req.Content), 0o644); err != nil {
		return schema.WriteFileResponse{}, fmt.Errorf("writing %s: %w", req.Path, err)
	}
	return schema.WriteFileResponse{}, nil
}

// Upload copies req.SourcePath to req.TargetPath. A directory source is
// round-tripped through a zip archive; a file source is copied directly.
func (r *Registry) Upload(req *schema.UploadRequest) (schema.UploadResponse, error) {
	info, err := os.Stat(req.SourcePath)
	if err != nil {
		return schema.UploadResponse{}, fmt.Errorf("stat %s: %w", req.SourcePath, err)
	}

	if info.IsDir() {
		return schema.UploadResponse{}, r.uploadDir(req.SourcePath, req.TargetPath)
	}
	if info.Mode().IsRegular() {
		return schema.UploadResponse{}, copyFile(req.SourcePath, req.TargetPath)
	}
	return schema.UploadResponse{}, fmt.Errorf("upload: %s is neither a regular file nor a directory", req.SourcePath)
}

// ExtractUpload finishes an HTTP multipart upload: tempPath holds the bytes
// the client sent. When unzip is true they are an archive to extract into
// targetPath; otherwise they are written verbatim at targetPath.
func (r *Registry) ExtractUpload(tempPath, targetPath string, unzip bool) error {
	if unzip {
		return unzipTo(tempPath, targetPath)
	}
	return copyFile(tempPath, targetPath)
}

func (r *Registry) uploadDir(sourcePath, targetPath string) error {
	archive, err := os.CreateTemp("", "swerex-upload-*.zip")
	if err != nil {
		return fmt.Errorf("creating temp archive: %w", err)
	}
	archivePath := archive.Name()
	defer os.Remove(archivePath)

	if err := zipDir(sourcePath, archive); err != nil {
		archive.Close()
		return fmt.Errorf("zipping %s: %w", sourcePath, err)
	}
	if err := archive.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}

	return unzipTo(archivePath, targetPath)
}

func zipDir(sourcePath string, w io.Writer) error {
	zw := zip.NewWriter(w)
	err := filepath.Walk(sourcePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(sourcePath, path)
		if err != nil {
			return err
		}
		dst, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(dst, src)
		return err
	})
	if err != nil {
		return err
	}
	return zw.Close()
}

func unzipTo(archivePath, targetPath string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(targetPath, 0o755); err != nil {
		return fmt.Errorf("creating target directory: %w", err)
	}

	for _, f := range zr.File {
		dest := filepath.Join(targetPath, f.Name)
		if !strings.HasPrefix(dest, filepath.Clean(targetPath)+string(os.PathSeparator)) {
			return fmt.Errorf("zip entry %q escapes target directory", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			rc.Close()
			return err
		}
		_, copyErr := io.Copy(out, rc)
		rc.Close()
		out.Close()
		if copyErr != nil {
			return copyErr
		}
	}
	return nil
}

func copyFile(sourcePath, targetPath string) error {
	src, err := os.Open(sourcePath)
	if err != nil {
		return err
	}
	defer src.Close()

	if dir := filepath.Dir(targetPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	dst, err := os.Create(targetPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

// Close closes every session and discards the registry's state.
func (r *Registry) Close() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*session.Session)
	r.mu.Unlock()

	var firstErr error
	for _, sess := range sessions {
		if err := sess.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

