// Package session tracks the pipelines of the HTTP entry, one per
// client token.
//
// A token is derived from the client's source IP and the entry's salt.
// The Directory lock covers map operations only; passes through a
// session's pipeline are serialized by the session's own lock so slow
// upstream I/O never blocks other clients.
package session

import (
	"crypto/sha256"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"time"

	"chainproxy/internal/pipeline"
)

// TokenHeader carries the session token on every request after the
// handshake.
const TokenHeader = "client_token"

// Token derives the session token for a client IP.  The same IP and
// salt always yield the same token.
func Token(ip, salt string) string {
	sum := sha256.Sum256([]byte(ip + salt))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Session binds a token to its peer and pipeline.
type Session struct {
	Token string
	Peer  string
	ID    string

	mu       sync.Mutex
	pipeline *pipeline.Pipeline
	lastSeen atomic.Int64
}

// New creates a Session last seen at now.
func New(token, peer, id string, p *pipeline.Pipeline, now time.Time) *Session {
	s := &Session{Token: token, Peer: peer, ID: id, pipeline: p}
	s.Touch(now)
	return s
}

// Touch records activity at now.
func (s *Session) Touch(now time.Time) { s.lastSeen.Store(now.UnixNano()) }

// LastSeen returns the time of the last recorded activity.
func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

// Do runs fn with exclusive access to the session's pipeline.
func (s *Session) Do(fn func(p *pipeline.Pipeline) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.pipeline)
}

// Close releases the session's pipeline.  It waits for any pass in
// progress.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipeline.Close()
}

// Directory maps tokens to live sessions.
type Directory struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewDirectory returns an empty Directory.
func NewDirectory() *Directory {
	return &Directory{sessions: make(map[string]*Session)}
}

// Put stores s under its token and returns the session it replaced, if
// any.
func (d *Directory) Put(s *Session) *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.sessions[s.Token]
	d.sessions[s.Token] = s
	return old
}

// Get looks a session up by token.
func (d *Directory) Get(token string) (*Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[token]
	return s, ok
}

// Remove deletes s if it is still the session stored under its token.
func (d *Directory) Remove(s *Session) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sessions[s.Token] != s {
		return false
	}
	delete(d.sessions, s.Token)
	return true
}

// Sweep evicts every session idle for longer than timeout and returns
// them so the caller can release them outside the lock.
func (d *Directory) Sweep(now time.Time, timeout time.Duration) []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	var expired []*Session
	for token, s := range d.sessions {
		if now.Sub(s.LastSeen()) > timeout {
			delete(d.sessions, token)
			expired = append(expired, s)
		}
	}
	return expired
}

// Drain removes and returns every session.
func (d *Directory) Drain() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Session, 0, len(d.sessions))
	for token, s := range d.sessions {
		delete(d.sessions, token)
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sessions.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}
