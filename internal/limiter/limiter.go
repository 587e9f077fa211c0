// Package limiter defines interfaces and implementations for login rate limiting.
package limiter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// Limiter controls login attempts and temporary lockouts.
type Limiter interface {
	// Allow reports whether login is currently allowed and optional retry-after.
	Allow(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error)
	// Success resets counters after a successful login.
	Success(ctx context.Context, username string, ipHash []byte) error
	// Failure records a failed attempt; may place a temporary block.
	Failure(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error)
}

// Policy holds the thresholds shared by all implementations.
type Policy struct {
	MaxFailures int
	Window      time.Duration
	BlockFor    time.Duration
}

// DefaultPolicy allows five failures per fifteen minutes.
func DefaultPolicy() Policy {
	return Policy{MaxFailures: 5, Window: 15 * time.Minute, BlockFor: 15 * time.Minute}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxFailures <= 0 {
		p.MaxFailures = d.MaxFailures
	}
	if p.Window <= 0 {
		p.Window = d.Window
	}
	if p.BlockFor <= 0 {
		p.BlockFor = d.BlockFor
	}
	return p
}

// HashIP returns a stable hash for an IP string to avoid storing raw addresses.
func HashIP(ip string) []byte {
	h := sha256.Sum256([]byte(ip))
	return h[:]
}

func key(username string, ipHash []byte) string {
	return strings.ToLower(strings.TrimSpace(username)) + ":" + hex.EncodeToString(ipHash)
}

type entry struct {
	fails        int
	windowStart  time.Time
	blockedUntil time.Time
}

// Memory is a process-local limiter for single-instance deployments and tests.
type Memory struct {
	policy Policy
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

var _ Limiter = (*Memory)(nil)

// NewMemory constructs an in-memory limiter.
func NewMemory(p Policy) *Memory {
	return &Memory{policy: p.normalized(), now: time.Now, entries: make(map[string]*entry)}
}

// Allow reports whether login is currently allowed and a retry-after duration.
func (m *Memory) Allow(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key(username, ipHash)]
	if !ok {
		return true, 0, nil
	}
	now := m.now()
	if e.blockedUntil.After(now) {
		return false, e.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

// Success resets counters for (username, ip).
func (m *Memory) Success(ctx context.Context, username string, ipHash []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key(username, ipHash))
	return nil
}

// Failure records a failed attempt; may set a block until a future time.
func (m *Memory) Failure(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(username, ipHash)
	now := m.now()
	e, ok := m.entries[k]
	if !ok || now.Sub(e.windowStart) > m.policy.Window {
		e = &entry{windowStart: now}
		m.entries[k] = e
	}
	e.fails++
	if e.fails >= m.policy.MaxFailures {
		e.blockedUntil = now.Add(m.policy.BlockFor)
		e.fails = 0
		e.windowStart = now
		return true, m.policy.BlockFor, nil
	}
	return false, 0, nil
}
