// Package sshrunner implements the Remote Shell (C1): the one place in
// the system that actually reaches a managed host, running commands and
// moving files over SSH/SFTP on behalf of the service manager and the
// cluster installers.
package sshrunner

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/openvstorage/fleetctl/pkg/clustererr"
	"github.com/openvstorage/fleetctl/pkg/log"
	"github.com/openvstorage/fleetctl/pkg/metrics"
)

// Config describes how to reach one host.
type Config struct {
	Host    string
	Port    int // defaults to 22
	User    string
	KeyPath string        // path to a private key file
	Timeout time.Duration // per-command timeout, defaults to 30s
}

func (c Config) addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 30 * time.Second
}

// Conn is one live connection to a host, capable of running commands and
// moving files. Production code gets one from sshDialer; tests substitute
// a fake that matches literal command strings to canned output, mirroring
// the reference test suite's SSHClient._run_returns/_run_recordings.
type Conn interface {
	Run(ctx context.Context, cmd string) (stdout string, stderr string, exitErr error)
	ReadFile(ctx context.Context, remotePath string) ([]byte, error)
	WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error
	UploadFile(ctx context.Context, remotePath, localPath string) error
	Close() error
}

// Dialer establishes a Conn to the host described by cfg.
type Dialer interface {
	Dial(ctx context.Context, cfg Config) (Conn, error)
}

// Runner is the C1 remote shell client for a single host. It lazily
// connects on first use and reconnects on demand if the connection drops;
// dial failures are retried with bounded exponential backoff since a
// transient network blip is the expected failure mode for this component.
type Runner struct {
	cfg    Config
	dialer Dialer

	mu   sync.Mutex
	conn Conn
}

// New creates a Runner for cfg using dialer to establish connections.
// Production callers pass NewSSHDialer(); tests pass a fake Dialer.
func New(cfg Config, dialer Dialer) *Runner {
	return &Runner{cfg: cfg, dialer: dialer}
}

func (r *Runner) connect(ctx context.Context) (Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		return r.conn, nil
	}

	boff := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)

	var conn Conn
	err := backoff.Retry(func() error {
		c, dialErr := r.dialer.Dial(ctx, r.cfg)
		if dialErr != nil {
			metrics.SSHRetriesTotal.Inc()
			return dialErr
		}
		conn = c
		return nil
	}, boff)
	if err != nil {
		metrics.SSHCommandsTotal.WithLabelValues("dial_failed").Inc()
		return nil, clustererr.WrapTransient(err, "failed to connect to %s", r.cfg.addr())
	}

	r.conn = conn
	return conn, nil
}

// dropConn discards the cached connection so the next call reconnects.
func (r *Runner) dropConn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
}

// Run executes cmd on the host and returns its trimmed stdout. A non-zero
// exit is returned as a plain error carrying stderr; it is not retried,
// since a command that ran and failed is a real result, not a transient
// network failure.
func (r *Runner) Run(ctx context.Context, cmd string) (string, error) {
	logger := log.WithHost(r.cfg.Host)

	ctx, cancel := context.WithTimeout(ctx, r.cfg.timeout())
	defer cancel()

	conn, err := r.connect(ctx)
	if err != nil {
		return "", err
	}

	stdout, stderr, runErr := conn.Run(ctx, cmd)
	if runErr != nil {
		if isTransportErr(runErr) {
			r.dropConn()
			metrics.SSHCommandsTotal.WithLabelValues("transport_error").Inc()
			return "", clustererr.WrapTransient(runErr, "ssh session to %s broke while running %q", r.cfg.addr(), cmd)
		}
		metrics.SSHCommandsTotal.WithLabelValues("exit_nonzero").Inc()
		logger.Debug().Str("cmd", cmd).Str("stderr", stderr).Msg("remote command failed")
		return strings.TrimSpace(stdout), fmt.Errorf("command %q failed: %w (stderr: %s)", cmd, runErr, strings.TrimSpace(stderr))
	}

	metrics.SSHCommandsTotal.WithLabelValues("ok").Inc()
	return strings.TrimSpace(stdout), nil
}

// FileRead reads the full contents of a remote file.
func (r *Runner) FileRead(ctx context.Context, remotePath string) ([]byte, error) {
	conn, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}
	data, err := conn.ReadFile(ctx, remotePath)
	if err != nil {
		return nil, clustererr.WrapTransient(err, "failed to read %s on %s", remotePath, r.cfg.addr())
	}
	return data, nil
}

// FileWrite writes data to a remote file, creating or truncating it.
func (r *Runner) FileWrite(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	conn, err := r.connect(ctx)
	if err != nil {
		return err
	}
	if err := conn.WriteFile(ctx, remotePath, data, mode); err != nil {
		return clustererr.WrapTransient(err, "failed to write %s on %s", remotePath, r.cfg.addr())
	}
	return nil
}

// FileUpload copies a local file to a remote path.
func (r *Runner) FileUpload(ctx context.Context, remotePath, localPath string) error {
	conn, err := r.connect(ctx)
	if err != nil {
		return err
	}
	if err := conn.UploadFile(ctx, remotePath, localPath); err != nil {
		return clustererr.WrapTransient(err, "failed to upload %s to %s on %s", localPath, remotePath, r.cfg.addr())
	}
	return nil
}

// FileExists reports whether remotePath exists on the host.
func (r *Runner) FileExists(ctx context.Context, remotePath string) (bool, error) {
	_, err := r.Run(ctx, fmt.Sprintf("test -e %s", shellQuote(remotePath)))
	if err == nil {
		return true, nil
	}
	if clustererr.IsTransient(err) {
		return false, err
	}
	// `test` exits non-zero when the path is absent; that is a normal
	// negative result, not a failure worth surfacing to the caller.
	return false, nil
}

// DirDelete recursively removes every path in paths.
func (r *Runner) DirDelete(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	_, err := r.Run(ctx, "rm -rf "+quoteAll(paths))
	return err
}

// DirCreate creates every path in paths, including parents.
func (r *Runner) DirCreate(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	_, err := r.Run(ctx, "mkdir -p "+quoteAll(paths))
	return err
}

// DirChmod applies mode to every path in paths.
func (r *Runner) DirChmod(ctx context.Context, mode os.FileMode, recursive bool, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	flag := ""
	if recursive {
		flag = "-R "
	}
	_, err := r.Run(ctx, fmt.Sprintf("chmod %s%04o %s", flag, mode.Perm(), quoteAll(paths)))
	return err
}

// DirChown applies owner:group to every path in paths.
func (r *Runner) DirChown(ctx context.Context, owner, group string, recursive bool, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	flag := ""
	if recursive {
		flag = "-R "
	}
	_, err := r.Run(ctx, fmt.Sprintf("chown %s%s:%s %s", flag, owner, group, quoteAll(paths)))
	return err
}

// Close releases the underlying connection, if any.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}

// isTransportErr reports whether err indicates the underlying connection
// itself died (as opposed to the remote command simply exiting non-zero).
func isTransportErr(err error) bool {
	if err == nil {
		return false
	}
	return err == io.EOF || err == io.ErrClosedPipe
}

// shellQuote wraps s in single quotes, escaping any embedded single quote,
// so paths can be interpolated into a remote command safely.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func quoteAll(paths []string) string {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = shellQuote(p)
	}
	return strings.Join(quoted, " ")
}
