package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/ogent-io/ogent/shared/types"
)

// DefaultRemoteTimeout bounds the SSH dial when the caller does not
// configure one.
const DefaultRemoteTimeout = 10 * time.Second

// RemoteConfig describes the managed outbound shell target.
type RemoteConfig struct {
	Host     string
	Port     int
	Username string
	// Password and KeyPath are alternative auth materials; when both are
	// set the key is tried first.
	Password string
	KeyPath  string
	Timeout  time.Duration
}

// Remote runs commands over an authenticated outbound SSH session to a
// configured target, streaming output frames back the same way the local
// executor does. The SSH client connection is opened lazily and reused
// across commands; each command gets its own session.
//
// Connection setup failures never crash the Agent — they surface as a
// terminal result with a nonzero exit code and diagnostic stderr.
type Remote struct {
	cfg    RemoteConfig
	logger *zap.Logger

	// mu protects client, which is replaced whenever liveness probing
	// detects a dead connection.
	mu     sync.Mutex
	client *ssh.Client
}

// NewRemote creates a Remote executor for cfg. Port 0 defaults to 22;
// Timeout 0 defaults to DefaultRemoteTimeout.
func NewRemote(cfg RemoteConfig, logger *zap.Logger) *Remote {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRemoteTimeout
	}
	return &Remote{cfg: cfg, logger: logger.Named("executor.remote")}
}

// Kind implements Executor.
func (r *Remote) Kind() types.ExecutorKind { return types.ExecutorRemote }

// Target returns the opaque descriptor reported in results and capability
// info for this remote target.
func (r *Remote) Target() string {
	return fmt.Sprintf("%s@%s:%d", r.cfg.Username, r.cfg.Host, r.cfg.Port)
}

// Available implements Executor: the remote variant is available only when
// the target is reachable and authenticates.
func (r *Remote) Available() bool {
	_, err := r.ensureClient()
	if err != nil {
		r.logger.Debug("remote target unavailable", zap.Error(err))
	}
	return err == nil
}

// ensureClient returns a live SSH client, dialing a fresh one if none is
// open or the cached one no longer responds.
func (r *Remote) ensureClient() (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		// Liveness probe: a global request the server is free to reject —
		// only a transport error means the connection is dead.
		if _, _, err := r.client.SendRequest("keepalive@ogent", true, nil); err == nil {
			return r.client, nil
		}
		_ = r.client.Close()
		r.client = nil
	}

	auths, err := r.authMethods()
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User: r.cfg.Username,
		Auth: auths,
		// Host key pinning is the deployment's concern (known_hosts is not
		// portable across the fleet of targets an operator points agents at).
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         r.cfg.Timeout,
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.Host, r.cfg.Port)
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("executor: ssh dial %s: %w", addr, err)
	}

	r.logger.Info("ssh connection established", zap.String("target", r.Target()))
	r.client = client
	return client, nil
}

func (r *Remote) authMethods() ([]ssh.AuthMethod, error) {
	var auths []ssh.AuthMethod

	if r.cfg.KeyPath != "" {
		key, err := os.ReadFile(r.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("executor: reading ssh key %s: %w", r.cfg.KeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("executor: parsing ssh key %s: %w", r.cfg.KeyPath, err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if r.cfg.Password != "" {
		auths = append(auths, ssh.Password(r.cfg.Password))
	}
	if len(auths) == 0 {
		return nil, errors.New("executor: remote target has neither password nor key configured")
	}
	return auths, nil
}

// Run executes command on the remote target. Cancellation closes the
// session, which tears down the remote process's controlling channel.
func (r *Remote) Run(ctx context.Context, command string, onProgress ProgressFunc) types.Result {
	client, err := r.ensureClient()
	if err != nil {
		return r.failure(fmt.Errorf("connect: %w", err))
	}

	session, err := client.NewSession()
	if err != nil {
		return r.failure(fmt.Errorf("session open: %w", err))
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return r.failure(fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return r.failure(fmt.Errorf("stderr pipe: %w", err))
	}

	if err := session.Start(command); err != nil {
		return r.failure(fmt.Errorf("start: %w", err))
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.logger.Info("cancelling remote command", zap.String("target", r.Target()))
			_ = session.Signal(ssh.SIGKILL)
			_ = session.Close()
		case <-done:
		}
	}()

	var outBuf, errBuf strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamLines(stdout, &outBuf, func(line string) {
			onProgress(Progress{StdoutChunk: line})
		})
	}()
	go func() {
		defer wg.Done()
		streamLines(stderr, &errBuf, func(line string) {
			onProgress(Progress{StderrChunk: line})
		})
	}()

	wg.Wait()
	waitErr := session.Wait()
	close(done)

	cancelled := ctx.Err() != nil
	exitCode := 0
	if waitErr != nil {
		exitCode = -1
		var exitErr *ssh.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitStatus()
		}
	}

	return types.Result{
		ExitCode:      exitCode,
		Stdout:        outBuf.String(),
		Stderr:        errBuf.String(),
		ExecutionType: types.ExecutorRemote,
		Target:        r.Target(),
		Cancelled:     cancelled,
	}
}

// Close tears down the cached SSH connection, if any.
func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

func (r *Remote) failure(err error) types.Result {
	return types.Result{
		ExitCode:      -1,
		Stderr:        fmt.Sprintf("executor: remote: %v", err),
		ExecutionType: types.ExecutorRemote,
		Target:        r.Target(),
	}
}
