package sshrunner

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// sshDialer is the production Dialer, backed by golang.org/x/crypto/ssh
// for command execution and github.com/pkg/sftp for file transfer.
type sshDialer struct {
	hostKeyCallback ssh.HostKeyCallback
}

// NewSSHDialer returns a Dialer that connects over real SSH. hostKeyCallback
// may be nil, in which case host keys are not verified; operators wiring
// this into an untrusted network should supply a knownhosts callback.
func NewSSHDialer(hostKeyCallback ssh.HostKeyCallback) Dialer {
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	return &sshDialer{hostKeyCallback: hostKeyCallback}
}

func (d *sshDialer) Dial(ctx context.Context, cfg Config) (Conn, error) {
	signer, err := loadSigner(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load key %s: %w", cfg.KeyPath, err)
	}

	clientConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: d.hostKeyCallback,
		Timeout:         cfg.timeout(),
	}

	dialer := net.Dialer{Timeout: cfg.timeout()}
	netConn, err := dialer.DialContext(ctx, "tcp", cfg.addr())
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.addr(), err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, cfg.addr(), clientConfig)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("failed to establish ssh connection to %s: %w", cfg.addr(), err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to start sftp subsystem on %s: %w", cfg.addr(), err)
	}

	return &sshConnImpl{client: client, sftp: sftpClient}, nil
}

func loadSigner(keyPath string) (ssh.Signer, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(key)
}

// sshConnImpl implements Conn over one live *ssh.Client/*sftp.Client pair.
type sshConnImpl struct {
	client *ssh.Client
	sftp   *sftp.Client
}

func (c *sshConnImpl) Run(ctx context.Context, cmd string) (string, string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", "", err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return stdout.String(), stderr.String(), ctx.Err()
	case err := <-done:
		return stdout.String(), stderr.String(), err
	}
}

func (c *sshConnImpl) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	f, err := c.sftp.Open(remotePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *sshConnImpl) WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	f, err := c.sftp.Create(remotePath)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return err
	}
	return c.sftp.Chmod(remotePath, mode)
}

func (c *sshConnImpl) UploadFile(ctx context.Context, remotePath, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	return c.WriteFile(ctx, remotePath, data, 0644)
}

func (c *sshConnImpl) Close() error {
	sftpErr := c.sftp.Close()
	clientErr := c.client.Close()
	if sftpErr != nil {
		return sftpErr
	}
	return clientErr
}
