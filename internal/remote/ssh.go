package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

const defaultDialTimeout = 10 * time.Second

// SSHConfig describes how to reach one guest.
type SSHConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	// DialTimeout bounds TCP connect plus the SSH handshake.
	DialTimeout time.Duration
}

// SSHClient is the Executor used against real guests.  Each call opens
// its own connection, so a client is safe for concurrent use.
//
// Connection policy is fixed: password (and keyboard-interactive
// password) authentication only, host keys are not verified and nothing
// is recorded as known.  Guests are freshly cloned every cycle and their
// host keys change each time.
type SSHClient struct {
	cfg    SSHConfig
	logger *slog.Logger
}

// Compile-time check.
var _ Executor = (*SSHClient)(nil)

// NewSSHClient creates an SSHClient.
func NewSSHClient(cfg SSHConfig, logger *slog.Logger) *SSHClient {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	return &SSHClient{cfg: cfg, logger: logger}
}

// NewSSHFactory returns a Factory producing SSHClients that share every
// setting in cfg except the host.
func NewSSHFactory(cfg SSHConfig, logger *slog.Logger) Factory {
	return func(host string) Executor {
		c := cfg
		c.Host = host
		return NewSSHClient(c, logger.With(slog.String("host", host)))
	}
}

func (c *SSHClient) clientConfig() *ssh.ClientConfig {
	password := c.cfg.Password
	return &ssh.ClientConfig{
		User: c.cfg.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.cfg.DialTimeout,
	}
}

func (c *SSHClient) dial(ctx context.Context) (*ssh.Client, error) {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &TransportError{Op: "dial " + addr, Err: err}
	}

	_ = conn.SetDeadline(time.Now().Add(c.cfg.DialTimeout))
	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, c.clientConfig())
	if err != nil {
		_ = conn.Close()
		return nil, &TransportError{Op: "handshake " + addr, Err: err}
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(sc, chans, reqs), nil
}

// Exec runs command and waits for it.  Cancelling ctx kills the remote
// command and tears down the connection.
func (c *SSHClient) Exec(ctx context.Context, command string) (Result, error) {
	client, err := c.dial(ctx)
	if err != nil {
		return Result{}, err
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return Result{}, &TransportError{Op: "session", Err: err}
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	errCh := make(chan error, 1)
	go func() { errCh <- sess.Run(WrapCommand(command)) }()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = client.Close()
		<-errCh
		return Result{}, ctx.Err()
	}

	return toResult(stdout.String(), stderr.String(), err)
}

// Start launches command and returns immediately.  ctx only bounds the
// connection setup; use Handle.Terminate to stop the command.
func (c *SSHClient) Start(ctx context.Context, command string) (Handle, error) {
	client, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	sess, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, &TransportError{Op: "session", Err: err}
	}

	h := &sshHandle{client: client, sess: sess, done: make(chan struct{})}
	sess.Stdout = &h.stdout
	sess.Stderr = &h.stderr

	if err := sess.Start(WrapCommand(command)); err != nil {
		_ = sess.Close()
		_ = client.Close()
		return nil, &TransportError{Op: "start", Err: err}
	}

	go h.wait()
	return h, nil
}

// CheckConnection runs `true` on the guest.
func (c *SSHClient) CheckConnection(ctx context.Context) error {
	res, err := c.Exec(ctx, "true")
	if err != nil {
		return err
	}
	return res.Err("true")
}

func toResult(stdout, stderr string, err error) (Result, error) {
	res := Result{Stdout: stdout, Stderr: stderr}
	if err == nil {
		return res, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return res, &TransportError{Op: "session", Err: fmt.Errorf("connection closed before exit status: %w", err)}
	}
	return res, &TransportError{Op: "session", Err: err}
}

type sshHandle struct {
	client *ssh.Client
	sess   *ssh.Session
	done   chan struct{}

	stdout bytes.Buffer
	stderr bytes.Buffer

	mu         sync.Mutex
	res        Result
	err        error
	terminated bool
	once       sync.Once
}

func (h *sshHandle) wait() {
	err := h.sess.Wait()
	res, err := toResult(h.stdout.String(), h.stderr.String(), err)

	h.mu.Lock()
	h.res, h.err = res, err
	h.mu.Unlock()

	_ = h.sess.Close()
	_ = h.client.Close()
	close(h.done)
}

func (h *sshHandle) Done() <-chan struct{} { return h.done }

func (h *sshHandle) Result() (Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminated && h.err == nil && h.res.ExitCode == 0 {
		return h.res, &TransportError{Op: "session", Err: errors.New("terminated")}
	}
	return h.res, h.err
}

func (h *sshHandle) Terminate() {
	h.once.Do(func() {
		select {
		case <-h.done:
			return
		default:
		}
		h.mu.Lock()
		h.terminated = true
		h.mu.Unlock()
		_ = h.sess.Signal(ssh.SIGTERM)
		_ = h.client.Close()
	})
}
