package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config describes how to reach the remote host. The channel assumes an
// already-authorized transport: a passphrase-less key file, or a password in
// the named env var.
type Config struct {
	Host        string
	Port        int
	User        string
	KeyPath     string
	PasswordEnv string
	KnownHosts  string // path to a known_hosts file; empty skips verification
	Timeout     time.Duration
}

// SSHChannel implements Channel over SSH/SFTP. Every operation dials its own
// connection and closes it before returning; nothing is held open across the
// long poll horizons the callers run.
type SSHChannel struct {
	cfg Config
}

func NewSSH(cfg Config) (*SSHChannel, error) {
	if cfg.User == "" {
		return nil, fmt.Errorf("ssh user is empty")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SSHChannel{cfg: cfg}, nil
}

func (c *SSHChannel) auth() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if c.cfg.KeyPath != "" {
		b, err := os.ReadFile(c.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read key %s: %w", c.cfg.KeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("parse key %s: %w", c.cfg.KeyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if c.cfg.PasswordEnv != "" {
		password := os.Getenv(c.cfg.PasswordEnv)
		if password == "" {
			return nil, fmt.Errorf("empty env var: %s", c.cfg.PasswordEnv)
		}
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_user, _instruction string, questions []string, _echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no auth configured: need key_path or password_env")
	}
	return methods, nil
}

func (c *SSHChannel) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.cfg.KnownHosts == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(c.cfg.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("known_hosts %s: %w", c.cfg.KnownHosts, err)
	}
	return cb, nil
}

// dial opens a fresh client. The TCP conn gets the ctx deadline before the
// handshake so a dead host cannot hang us.
func (c *SSHChannel) dial(ctx context.Context) (*ssh.Client, error) {
	methods, err := c.auth()
	if err != nil {
		return nil, err
	}
	hk, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))
	sshCfg := &ssh.ClientConfig{
		User:            c.cfg.User,
		HostKeyCallback: hk,
		Timeout:         c.cfg.Timeout,
		Auth:            methods,
	}

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(c.cfg.Timeout))
	}

	cconn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	// Handshake done; lift the deadline so transfers longer than Timeout work.
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(cconn, chans, reqs), nil
}

// Run executes command on the remote host and captures exit status and output.
func (c *SSHChannel) Run(ctx context.Context, command string) (RunResult, error) {
	client, err := c.dial(ctx)
	if err != nil {
		return RunResult{}, err
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return RunResult{}, err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return RunResult{}, ctx.Err()
	case err := <-done:
		res := RunResult{Stdout: stdout.String(), Stderr: stderr.String()}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		if err != nil {
			return res, err
		}
		return res, nil
	}
}

// Push copies a local file to remotePath, creating remote parent directories.
func (c *SSHChannel) Push(ctx context.Context, localPath, remotePath string) error {
	client, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	ftp, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("open sftp: %w", err)
	}
	defer ftp.Close()

	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := ftp.MkdirAll(dir); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	dst, err := ftp.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create %s: %w", remotePath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("push %s: %w", remotePath, err)
	}
	return dst.Close()
}

// Pull copies a remote file to localPath, creating local parent directories.
func (c *SSHChannel) Pull(ctx context.Context, remotePath, localPath string) error {
	client, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	ftp, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("open sftp: %w", err)
	}
	defer ftp.Close()

	src, err := ftp.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open %s: %w", remotePath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("pull %s: %w", remotePath, err)
	}
	return dst.Close()
}

// Exists reports whether remotePath is present.
func (c *SSHChannel) Exists(ctx context.Context, remotePath string) (bool, error) {
	client, err := c.dial(ctx)
	if err != nil {
		return false, err
	}
	defer client.Close()

	ftp, err := sftp.NewClient(client)
	if err != nil {
		return false, fmt.Errorf("open sftp: %w", err)
	}
	defer ftp.Close()

	if _, err := ftp.Stat(remotePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
