package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"fleetrun/internal/task"
)

// SSHConfig configures the ssh runner.
type SSHConfig struct {
	User     string
	Port     int
	KeyFile  string
	Password string
	// KnownHosts is the known_hosts file used to verify host keys
	// (default: ~/.ssh/known_hosts).
	KnownHosts string
	// InsecureIgnoreHostKey disables host key verification.
	InsecureIgnoreHostKey bool
	ConnectTimeout        time.Duration
}

// SSH dispatches commands over a fresh ssh connection per (task, host).
//
// Shell commands run through the remote login shell with run arguments
// bound to $1..$n. Upload streams a local file into `cat > target`; Download
// streams `cat source` into a local file. In local paths {host} expands to the
// target host.
type SSH struct {
	port    int
	timeout time.Duration
	config  *ssh.ClientConfig
}

func NewSSH(cfg SSHConfig) (*SSH, error) {
	user := strings.TrimSpace(cfg.User)
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		return nil, task.Configf("driver.options.user", "ssh user is required")
	}

	var auth []ssh.AuthMethod
	if cfg.KeyFile != "" {
		pem, err := os.ReadFile(expandHome(cfg.KeyFile))
		if err != nil {
			return nil, task.Configf("driver.options.key_file", "read key: %v", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, task.Configf("driver.options.key_file", "parse key: %v", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, task.Configf("driver.options", "ssh requires key_file or password")
	}

	var hostKey ssh.HostKeyCallback
	if cfg.InsecureIgnoreHostKey {
		hostKey = ssh.InsecureIgnoreHostKey()
	} else {
		path := cfg.KnownHosts
		if path == "" {
			path = "~/.ssh/known_hosts"
		}
		cb, err := knownhosts.New(expandHome(path))
		if err != nil {
			return nil, task.Configf("driver.options.known_hosts", "%v", err)
		}
		hostKey = cb
	}

	port := cfg.Port
	if port <= 0 {
		port = 22
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SSH{
		port:    port,
		timeout: timeout,
		config: &ssh.ClientConfig{
			User:            user,
			Auth:            auth,
			HostKeyCallback: hostKey,
			Timeout:         timeout,
		},
	}, nil
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

func (s *SSH) addr(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(s.port))
}

func (s *SSH) dial(ctx context.Context, host string) (*ssh.Client, error) {
	addr := s.addr(host)
	d := net.Dialer{Timeout: s.timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, s.config)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func (s *SSH) Run(ctx context.Context, req Request) task.ExecOutput {
	var (
		remote string
		stdin  io.Reader
		sink   string
	)
	switch req.Command.Kind {
	case task.Shell:
		if strings.TrimSpace(req.Command.Line) == "" {
			return task.TransportError(errors.New("ssh driver: empty command line"))
		}
		remote = shellWithArgs(req.Command.Line, req.Arguments)
	case task.Upload:
		f, err := os.Open(expandHost(req.Command.Source, req.Host))
		if err != nil {
			return task.TransportError(err)
		}
		defer f.Close()
		stdin = f
		remote = "cat > " + shellQuote(req.Command.Target)
	case task.Download:
		sink = expandHost(req.Command.Target, req.Host)
		remote = "cat " + shellQuote(req.Command.Source)
	default:
		return task.TransportError(fmt.Errorf("ssh driver: unsupported command kind %s", req.Command.Kind))
	}

	client, err := s.dial(ctx, req.Host)
	if err != nil {
		return task.TransportError(err)
	}
	defer client.Close()
	sess, err := client.NewSession()
	if err != nil {
		return task.TransportError(err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdin = stdin
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(remote) }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = client.Close()
		<-done
		return task.ExecOutput{ExitStatus: task.TransportFailure, Stdout: stdout.String(), Stderr: ctx.Err().Error()}
	case err = <-done:
	}

	out := task.ExecOutput{Stdout: stdout.String(), Stderr: stderr.String()}
	var ee *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &ee):
		out.ExitStatus = ee.ExitStatus()
	default:
		out.ExitStatus = task.TransportFailure
		if out.Stderr == "" {
			out.Stderr = err.Error()
		}
	}
	if out.Success() && sink != "" {
		if err := writeFileAtomic(sink, stdout.Bytes()); err != nil {
			return task.ExecOutput{ExitStatus: 1, Stderr: err.Error()}
		}
		out.Stdout = fmt.Sprintf("downloaded %d bytes to %s", stdout.Len(), sink)
	}
	return out
}

// shellWithArgs binds args to the positional parameters of the remote shell.
func shellWithArgs(line string, args []string) string {
	if len(args) == 0 {
		return line
	}
	q := make([]string, len(args))
	for i, a := range args {
		q[i] = shellQuote(a)
	}
	return "set -- " + strings.Join(q, " ") + "; " + line
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func writeFileAtomic(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

var _ Runner = (*SSH)(nil)
