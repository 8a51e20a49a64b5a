package sshpool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/servereye/internal/crypto"
	"github.com/servereye/internal/models"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"gorm.io/gorm"
)

var (
	ErrConnectTimeout = errors.New("ssh connect timeout")
	ErrAuth           = errors.New("ssh authentication failed")
	ErrCommandTimeout = errors.New("ssh command timeout")
	ErrNoCredentials  = errors.New("target has no usable credentials")
)

// Result is the outcome of one remote command.
type Result struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Options bound the pool. Zero values fall back to the defaults below.
type Options struct {
	MaxSessions    int
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	IdleTimeout    time.Duration
	ReaperInterval time.Duration
}

func (o *Options) withDefaults() {
	if o.MaxSessions <= 0 {
		o.MaxSessions = 50
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 30 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.ReaperInterval <= 0 {
		o.ReaperInterval = time.Minute
	}
}

type session struct {
	client   *ssh.Client
	lastUsed time.Time
	// busy marks the one in-flight reuse-or-reconnect decision (and any
	// running command) for this target. Eviction never touches a busy
	// session.
	busy      bool
	connected bool
}

// Pool keeps at most one live SSH session per target, bounded by MaxSessions
// with LRU eviction, and reaps idle sessions in the background.
type Pool struct {
	db    *gorm.DB
	vault *crypto.Vault
	log   *zap.Logger
	opts  Options

	mu       sync.Mutex
	cond     *sync.Cond
	sessions map[uint]*session
	closed   bool

	stopReaper chan struct{}
	stopOnce   sync.Once
}

func New(db *gorm.DB, vault *crypto.Vault, log *zap.Logger, opts Options) *Pool {
	opts.withDefaults()
	p := &Pool{
		db:         db,
		vault:      vault,
		log:        log,
		opts:       opts,
		sessions:   make(map[uint]*session),
		stopReaper: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.reapLoop()
	return p
}

// Execute runs command on the target, reusing the pooled session when one is
// connected and dialing otherwise. A non-zero remote exit code is reported in
// the Result, not as an error.
func (p *Pool) Execute(ctx context.Context, targetID uint, command string) (Result, error) {
	start := time.Now()

	sess, err := p.acquire(ctx, targetID)
	if err != nil {
		return Result{}, err
	}

	res, runErr := p.runCommand(ctx, sess.client, command)
	res.Duration = time.Since(start)

	p.mu.Lock()
	sess.busy = false
	if runErr != nil && !errors.Is(runErr, ErrCommandTimeout) {
		// Transport-level failure: evict so the next call reconnects.
		p.evictLocked(targetID, sess)
	} else {
		sess.lastUsed = time.Now()
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	if runErr != nil {
		return Result{}, runErr
	}
	return res, nil
}

// ExecuteSequence runs commands in order, stopping at the first non-zero exit
// code and returning the partial results.
func (p *Pool) ExecuteSequence(ctx context.Context, targetID uint, commands []string) ([]Result, error) {
	results := make([]Result, 0, len(commands))
	for _, command := range commands {
		res, err := p.Execute(ctx, targetID, command)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		if res.ExitCode != 0 {
			break
		}
	}
	return results, nil
}

// TestConnection runs a canary command and checks for the echoed marker.
func (p *Pool) TestConnection(ctx context.Context, targetID uint) bool {
	res, err := p.Execute(ctx, targetID, `echo "connection_test"`)
	if err != nil {
		p.log.Warn("connection test failed",
			zap.Uint("target_id", targetID), zap.Error(err))
		return false
	}
	return res.ExitCode == 0 && strings.Contains(res.Stdout, "connection_test")
}

// CloseConnection evicts the target's session, waiting out any in-flight
// command. Used when credentials change or a target is deleted.
func (p *Pool) CloseConnection(targetID uint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		sess, ok := p.sessions[targetID]
		if !ok {
			return
		}
		if !sess.busy {
			p.evictLocked(targetID, sess)
			p.cond.Broadcast()
			return
		}
		p.cond.Wait()
	}
}

// CloseAll evicts every session. The pool remains usable afterwards.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		remaining := false
		for id, sess := range p.sessions {
			if sess.busy {
				remaining = true
				continue
			}
			p.evictLocked(id, sess)
		}
		if !remaining {
			p.cond.Broadcast()
			return
		}
		p.cond.Wait()
	}
}

// Close stops the idle reaper and drops all sessions.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stopReaper) })
	p.CloseAll()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// SessionInfo describes one pooled session for operational visibility.
type SessionInfo struct {
	TargetID  uint      `json:"target_id"`
	LastUsed  time.Time `json:"last_used"`
	Connected bool      `json:"connected"`
}

// Stats reports pool occupancy.
type Stats struct {
	ActiveSessions int           `json:"active_sessions"`
	MaxSessions    int           `json:"max_sessions"`
	Sessions       []SessionInfo `json:"sessions"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{MaxSessions: p.opts.MaxSessions}
	for id, sess := range p.sessions {
		st.Sessions = append(st.Sessions, SessionInfo{
			TargetID:  id,
			LastUsed:  sess.lastUsed,
			Connected: sess.connected,
		})
	}
	st.ActiveSessions = len(st.Sessions)
	return st
}

// acquire returns the target's session marked busy, dialing if necessary.
// Only one reuse-or-reconnect decision runs per target at a time.
func (p *Pool) acquire(ctx context.Context, targetID uint) (*session, error) {
	p.mu.Lock()
	for {
		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return nil, err
		}
		if p.closed {
			p.mu.Unlock()
			return nil, errors.New("session pool closed")
		}

		sess, ok := p.sessions[targetID]
		if ok && sess.busy {
			p.cond.Wait()
			continue
		}
		if ok && sess.connected {
			sess.busy = true
			sess.lastUsed = time.Now()
			p.mu.Unlock()
			return sess, nil
		}
		if ok {
			// Dead session left behind by a transport error.
			p.evictLocked(targetID, sess)
		}

		if len(p.sessions) >= p.opts.MaxSessions {
			if !p.evictLRULocked() {
				// Every session is mid-command; wait for one to free up.
				p.cond.Wait()
				continue
			}
		}

		// Reserve the slot before dialing so concurrent callers for the
		// same target wait instead of opening a duplicate connection.
		sess = &session{busy: true, lastUsed: time.Now()}
		p.sessions[targetID] = sess
		p.mu.Unlock()

		client, err := p.dial(ctx, targetID)

		p.mu.Lock()
		if err != nil {
			delete(p.sessions, targetID)
			p.cond.Broadcast()
			p.mu.Unlock()
			return nil, err
		}
		sess.client = client
		sess.connected = true
		sess.lastUsed = time.Now()
		p.mu.Unlock()

		p.log.Info("ssh session established", zap.Uint("target_id", targetID))
		return sess, nil
	}
}

func (p *Pool) dial(ctx context.Context, targetID uint) (*ssh.Client, error) {
	var target models.Target
	if err := p.db.WithContext(ctx).First(&target, targetID).Error; err != nil {
		return nil, fmt.Errorf("target %d not found: %w", targetID, err)
	}

	auth, err := p.authMethods(&target)
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         p.opts.ConnectTimeout,
	}

	addr := net.JoinHostPort(target.IPAddress, fmt.Sprintf("%d", target.SSHPort))
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, classifyDialError(err)
	}
	return client, nil
}

func (p *Pool) authMethods(target *models.Target) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if target.PrivateKey != "" {
		keyPEM, err := p.vault.Decrypt(target.PrivateKey, target.PrivateKeyIV)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey([]byte(keyPEM))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if target.Password != "" {
		password, err := p.vault.Decrypt(target.Password, target.PasswordIV)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt password: %w", err)
		}
		methods = append(methods, ssh.Password(password))
	}

	if len(methods) == 0 {
		return nil, ErrNoCredentials
	}
	return methods, nil
}

// runCommand executes command on a fresh channel of the pooled connection,
// force-closing the stream when the command timeout elapses.
func (p *Pool) runCommand(ctx context.Context, client *ssh.Client, command string) (Result, error) {
	sess, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("failed to open session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	if err := sess.Start(command); err != nil {
		return Result{}, fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	timer := time.NewTimer(p.opts.CommandTimeout)
	defer timer.Stop()

	select {
	case err = <-done:
	case <-timer.C:
		sess.Close()
		return Result{}, ErrCommandTimeout
	case <-ctx.Done():
		sess.Close()
		return Result{}, ctx.Err()
	}

	res := Result{
		Stdout: strings.TrimSpace(stdout.String()),
		Stderr: strings.TrimSpace(stderr.String()),
	}
	switch e := err.(type) {
	case nil:
	case *ssh.ExitError:
		res.ExitCode = e.ExitStatus()
	case *ssh.ExitMissingError:
		res.ExitCode = -1
	default:
		return Result{}, fmt.Errorf("command failed: %w", err)
	}
	return res, nil
}

// evictLocked closes and removes a session. Callers hold p.mu and have
// verified the session is not busy.
func (p *Pool) evictLocked(targetID uint, sess *session) {
	if sess.client != nil {
		sess.client.Close()
	}
	delete(p.sessions, targetID)
	p.log.Debug("ssh session evicted", zap.Uint("target_id", targetID))
}

// evictLRULocked removes the least-recently-used idle session. Returns false
// when every session is busy.
func (p *Pool) evictLRULocked() bool {
	var (
		oldestID uint
		oldest   *session
	)
	for id, sess := range p.sessions {
		if sess.busy {
			continue
		}
		if oldest == nil || sess.lastUsed.Before(oldest.lastUsed) {
			oldestID, oldest = id, sess
		}
	}
	if oldest == nil {
		return false
	}
	p.log.Info("evicting least-recently-used ssh session",
		zap.Uint("target_id", oldestID))
	p.evictLocked(oldestID, oldest)
	return true
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(p.opts.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stopReaper:
			return
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for id, sess := range p.sessions {
		if sess.busy {
			continue
		}
		if now.Sub(sess.lastUsed) > p.opts.IdleTimeout {
			p.log.Info("closing idle ssh session", zap.Uint("target_id", id))
			p.evictLocked(id, sess)
		}
	}
	p.cond.Broadcast()
}

func classifyDialError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
	}
	if strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "no supported methods remain") {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return fmt.Errorf("ssh dial failed: %w", err)
}
