package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"fleetrun/internal/task"
)

// Local runs commands on this machine once per target host. The host is
// exported as FLEETRUN_HOST and run arguments become $1..$n, which makes it
// the driver of choice for wrapping existing CLIs (kubectl, knife, aws) that
// take the host as a parameter.
type Local struct {
	Shell string
	Dir   string
	Env   []string
}

func (l Local) shell() string {
	if strings.TrimSpace(l.Shell) != "" {
		return l.Shell
	}
	return "/bin/sh"
}

func (l Local) Run(ctx context.Context, req Request) task.ExecOutput {
	switch req.Command.Kind {
	case task.Shell:
		return l.runShell(ctx, req)
	case task.Upload, task.Download:
		return l.copy(ctx, req)
	default:
		return task.TransportError(fmt.Errorf("local driver: unsupported command kind %s", req.Command.Kind))
	}
}

func (l Local) runShell(ctx context.Context, req Request) task.ExecOutput {
	if strings.TrimSpace(req.Command.Line) == "" {
		return task.TransportError(errors.New("local driver: empty command line"))
	}
	args := append([]string{"-c", req.Command.Line, "fleetrun"}, req.Arguments...)
	cmd := exec.CommandContext(ctx, l.shell(), args...)
	cmd.Dir = l.Dir
	cmd.Env = append(append(os.Environ(), l.Env...),
		"FLEETRUN_HOST="+req.Host,
		"FLEETRUN_ARGS="+strings.Join(req.Arguments, " "),
	)
	// Children that keep the pipes open must not hang the dispatch past cancellation.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := task.ExecOutput{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return out
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) && ctx.Err() == nil {
		out.ExitStatus = ee.ExitCode()
		return out
	}
	out.ExitStatus = task.TransportFailure
	if ctx.Err() != nil {
		err = ctx.Err()
	}
	if out.Stderr == "" {
		out.Stderr = err.Error()
	}
	return out
}

// copy handles Upload and Download locally: both are a file copy with
// {host} in either path replaced by the target host.
func (l Local) copy(ctx context.Context, req Request) task.ExecOutput {
	src := expandHost(req.Command.Source, req.Host)
	dst := expandHost(req.Command.Target, req.Host)
	if src == "" || dst == "" {
		return task.TransportError(errors.New("local driver: copy requires source and target"))
	}
	if l.Dir != "" {
		if !filepath.IsAbs(src) {
			src = filepath.Join(l.Dir, src)
		}
		if !filepath.IsAbs(dst) {
			dst = filepath.Join(l.Dir, dst)
		}
	}
	if err := ctx.Err(); err != nil {
		return task.TransportError(err)
	}
	in, err := os.Open(src)
	if err != nil {
		return task.TransportError(err)
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return task.TransportError(err)
	}
	n, err := copyFile(in, dst)
	if err != nil {
		return task.ExecOutput{ExitStatus: 1, Stderr: err.Error()}
	}
	return task.ExecOutput{Stdout: fmt.Sprintf("copied %d bytes %s -> %s", n, src, dst)}
}

func expandHost(p, host string) string {
	return strings.ReplaceAll(strings.TrimSpace(p), "{host}", host)
}

// copyFile writes in to dst through a temp file renamed into place.
func copyFile(in io.Reader, dst string) (int64, error) {
	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	return n, os.Rename(tmp, dst)
}

var _ Runner = Local{}
