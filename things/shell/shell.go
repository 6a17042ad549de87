// Package shell provides a thing that runs commands on a remote host over SSH.
//
// The SSH connection is opened on first use and reused for later commands. A
// command's stdout and stderr lines are logged as they arrive, so they show up
// in the invocation log while the command is still running.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nomis52/thingserver/thing"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	// stopGrace bounds how long a stopped command is waited for after its
	// session has been closed.
	stopGrace = 5 * time.Second

	// maxOutputBytes is how much of each stream is kept for the output. Older
	// bytes are dropped, every line is still logged.
	maxOutputBytes = 64 << 10
	// maxLineBytes splits lines longer than this into several log records.
	maxLineBytes = 16 << 10
)

// Config configures a Shell.
type Config struct {
	Host string
	Port int
	User string
	// PrivateKey is a PEM encoded private key.
	PrivateKey string
	// PrivateKeyFile is read when PrivateKey is empty.
	PrivateKeyFile string
	Password       string
	// KnownHostsFile verifies the host key. When empty any host key is accepted.
	KnownHostsFile string
	DialTimeout    time.Duration
}

// CommandInput is the input of the run_command action.
type CommandInput struct {
	Command string `json:"command"`
}

// CommandOutput is the output of the run_command action. A non-zero exit code
// is reported here rather than as a failure. Stdout and Stderr hold the end of
// each stream and the truncated flags are set when the beginning was dropped.
type CommandOutput struct {
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	StdoutTruncated bool   `json:"stdout_truncated,omitempty"`
	StderrTruncated bool   `json:"stderr_truncated,omitempty"`
	ExitCode        int    `json:"exit_code"`
}

// Shell is a remote host reached over SSH.
type Shell struct {
	addr         string
	clientConfig *ssh.ClientConfig

	mu     sync.Mutex
	client *ssh.Client
}

// New creates a Shell. No connection is made until a command runs.
func New(cfg Config, logger *slog.Logger) (*Shell, error) {
	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		hostKeyCallback, err = knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
	} else {
		logger.Warn("host key verification disabled", "host", cfg.Host)
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}

	return &Shell{
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		clientConfig: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            auth,
			HostKeyCallback: hostKeyCallback,
			Timeout:         cfg.DialTimeout,
		},
	}, nil
}

func authMethods(cfg Config) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	keyPEM := []byte(cfg.PrivateKey)
	if len(keyPEM) == 0 && cfg.PrivateKeyFile != "" {
		data, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		keyPEM = data
	}
	if len(keyPEM) > 0 {
		signer, err := ssh.ParsePrivateKey(keyPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}

	if len(methods) == 0 {
		return nil, errors.New("no SSH credentials configured")
	}
	return methods, nil
}

// Actions implements thing.Thing.
func (s *Shell) Actions() []thing.Action {
	return []thing.Action{
		thing.NewAction("run_command", s.runCommand),
	}
}

// Close closes the SSH connection, if one is open.
func (s *Shell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// session opens a session on the shared connection, reconnecting once if the
// connection has gone away. The dial happens without holding mu.
func (s *Shell) session() (*ssh.Session, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	if client != nil {
		session, err := client.NewSession()
		if err == nil {
			return session, nil
		}
		s.drop(client)
	}

	client, err := ssh.Dial("tcp", s.addr, s.clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to dial SSH: %w", err)
	}

	s.mu.Lock()
	if s.client != nil {
		// Another command reconnected first.
		existing := s.client
		s.mu.Unlock()
		client.Close()
		client = existing
	} else {
		s.client = client
		s.mu.Unlock()
	}

	session, err := client.NewSession()
	if err != nil {
		s.drop(client)
		return nil, fmt.Errorf("failed to create SSH session: %w", err)
	}
	return session, nil
}

// drop closes client and forgets it if it is still the shared connection.
func (s *Shell) drop(client *ssh.Client) {
	s.mu.Lock()
	if s.client == client {
		s.client = nil
	}
	s.mu.Unlock()
	client.Close()
}

func (s *Shell) runCommand(ctx context.Context, req thing.Request) (any, error) {
	var in CommandInput
	if err := req.Bind(&in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Command) == "" {
		return nil, errors.New("command is required")
	}

	session, err := s.session()
	if err != nil {
		return nil, err
	}
	defer session.Close()

	stdout := newLineLogger(req.Logger, "stdout", slog.LevelInfo)
	stderr := newLineLogger(req.Logger, "stderr", slog.LevelWarn)
	session.Stdout = stdout
	session.Stderr = stderr

	req.Logger.Info("running command", "command", in.Command, "host", s.addr)
	if err := session.Start(in.Command); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		req.Logger.Info("stopping command")
		_ = session.Signal(ssh.SIGINT)
		session.Close()
		select {
		case <-done:
		case <-time.After(stopGrace):
			req.Logger.Warn("command did not exit after stop")
		}
		if thing.StopRequested(ctx) {
			return nil, thing.ErrCancelled
		}
		return nil, ctx.Err()
	}

	stdout.Flush()
	stderr.Flush()
	out := CommandOutput{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
	}

	var exitErr *ssh.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		out.ExitCode = exitErr.ExitStatus()
	default:
		return nil, fmt.Errorf("failed to run command: %w", waitErr)
	}

	req.Logger.Info("command finished", "exit_code", out.ExitCode)
	return out, nil
}

// lineLogger logs each complete line of a stream and keeps the end of the
// stream, up to limit bytes.
type lineLogger struct {
	logger *slog.Logger
	stream string
	level  slog.Level
	limit  int

	mu        sync.Mutex
	tail      []byte
	truncated bool
	pending   []byte
}

func newLineLogger(logger *slog.Logger, stream string, level slog.Level) *lineLogger {
	return &lineLogger{logger: logger, stream: stream, level: level, limit: maxOutputBytes}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.keep(p)
	l.pending = append(l.pending, p...)
	for {
		i := bytes.IndexByte(l.pending, '\n')
		if i < 0 {
			break
		}
		l.emit(string(l.pending[:i]))
		l.pending = l.pending[i+1:]
	}
	for len(l.pending) > maxLineBytes {
		l.emit(string(l.pending[:maxLineBytes]))
		l.pending = l.pending[maxLineBytes:]
	}
	// Release the consumed prefix.
	l.pending = append([]byte(nil), l.pending...)
	return len(p), nil
}

// keep appends p to the tail, dropping the oldest bytes beyond limit. Requires mu.
func (l *lineLogger) keep(p []byte) {
	if len(p) >= l.limit {
		l.truncated = l.truncated || len(l.tail) > 0 || len(p) > l.limit
		l.tail = append(l.tail[:0], p[len(p)-l.limit:]...)
		return
	}
	if over := len(l.tail) + len(p) - l.limit; over > 0 {
		l.tail = append(l.tail[:0], l.tail[over:]...)
		l.truncated = true
	}
	l.tail = append(l.tail, p...)
}

// Flush logs a trailing line that had no newline.
func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) > 0 {
		l.emit(string(l.pending))
		l.pending = nil
	}
}

func (l *lineLogger) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return string(l.tail)
}

// Truncated reports whether the beginning of the stream was dropped.
func (l *lineLogger) Truncated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.truncated
}

func (l *lineLogger) emit(line string) {
	l.logger.Log(context.Background(), l.level, strings.TrimRight(line, "\r"), "stream", l.stream)
}
