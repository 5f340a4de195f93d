// Package auth implements the Fleet Server's human admin-surface
// authentication: bcrypt-verified session cookies, legacy SHA-256 hash
// migration on next successful login, and CSRF tokens bound to the
// session for state-changing routes. Agent-facing routes use the
// separate static-API-key scheme in internal/fleetserver/ingest.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// BcryptCost is the work factor for newly-hashed passwords; startup
// validation enforces a floor on this.
const BcryptCost = 12

// DefaultSessionTTL bounds how long an issued session cookie is honored,
// absent an explicit TTL passed to NewSessionStore.
const DefaultSessionTTL = 8 * time.Hour

// UserRecord is one admin account as persisted by the caller (this package
// does not own storage; it only hashes, verifies, and migrates).
type UserRecord struct {
	Username        string
	BcryptHash      string // empty if only a legacy hash exists
	LegacySHA256Hex string // empty once migrated
}

// UserStore is the narrow persistence contract auth needs.
type UserStore interface {
	GetUser(username string) (UserRecord, bool)
	SetBcryptHash(username, bcryptHash string) error
}

// HashPassword bcrypt-hashes a plaintext password at BcryptCost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyAndMigrate checks password against the stored record. If only a
// legacy SHA-256 hash is present and it matches, the store is upgraded to
// a bcrypt hash in place so every surviving account ends up bcrypt-hashed
// without a forced reset.
func VerifyAndMigrate(store UserStore, username, password string) (bool, error) {
	record, ok := store.GetUser(username)
	if !ok {
		// Still spend one bcrypt hash computation at BcryptCost so a
		// nonexistent-username response takes about as long as a wrong
		// password for an existing one.
		_, _ = bcrypt.GenerateFromPassword([]byte("constant-time-filler"), BcryptCost)
		return false, nil
	}

	if record.BcryptHash != "" {
		err := bcrypt.CompareHashAndPassword([]byte(record.BcryptHash), []byte(password))
		return err == nil, nil
	}

	if record.LegacySHA256Hex != "" {
		sum := sha256.Sum256([]byte(password))
		got := hex.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(got), []byte(record.LegacySHA256Hex)) != 1 {
			return false, nil
		}
		newHash, err := HashPassword(password)
		if err != nil {
			return true, err
		}
		if err := store.SetBcryptHash(username, newHash); err != nil {
			return true, fmt.Errorf("auth: migrate legacy hash: %w", err)
		}
		return true, nil
	}

	return false, nil
}

// Session is one issued login session.
type Session struct {
	Username  string
	CSRFToken string
	ExpiresAt time.Time
}

// SessionStore tracks issued sessions by opaque id, in memory — sessions
// do not survive a Fleet Server restart, matching the registry's own
// in-memory-with-periodic-flush model but without the flush, since
// forcing re-login after a restart is an acceptable and simpler tradeoff
// than persisting credentials-adjacent state.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	ttl      time.Duration
}

// NewSessionStore returns an empty SessionStore. ttl <= 0 falls back to
// DefaultSessionTTL.
func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionStore{sessions: map[string]Session{}, ttl: ttl}
}

const (
	sessionCookieName = "fleet_session"
	sessionIDBytes    = 32
	csrfTokenBytes    = 32
)

// Issue creates a new session for username and sets its cookie on w.
// secureCookie should be true in production; dev_mode relaxes it, and the
// caller is responsible for logging the startup WARN that requires.
func (s *SessionStore) Issue(w http.ResponseWriter, username string, secureCookie bool) (Session, error) {
	sessionID, err := randomHex(sessionIDBytes)
	if err != nil {
		return Session{}, err
	}
	csrfToken, err := randomHex(csrfTokenBytes)
	if err != nil {
		return Session{}, err
	}

	sess := Session{Username: username, CSRFToken: csrfToken, ExpiresAt: time.Now().Add(s.ttl)}

	s.mu.Lock()
	s.sessions[sessionID] = sess
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		HttpOnly: true,
		Secure:   secureCookie,
		SameSite: http.SameSiteStrictMode,
		Path:     "/",
		Expires:  sess.ExpiresAt,
	})
	return sess, nil
}

// Lookup resolves the session cookie on r, returning false if absent,
// unknown, or expired.
func (s *SessionStore) Lookup(r *http.Request) (Session, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return Session{}, false
	}
	s.mu.RLock()
	sess, ok := s.sessions[cookie.Value]
	s.mu.RUnlock()
	if !ok || time.Now().After(sess.ExpiresAt) {
		return Session{}, false
	}
	return sess, true
}

// Revoke deletes the session named by r's cookie, if any, and clears the
// cookie client-side.
func (s *SessionStore) Revoke(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		s.mu.Lock()
		delete(s.sessions, cookie.Value)
		s.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookieName, Value: "", MaxAge: -1, Path: "/"})
}

// RequireSession is admin-route middleware: reject with 401 if no valid
// session, otherwise attach the session to the request context-free path
// by re-resolving it in the handler (kept simple: callers call Lookup
// again, since sessions are cheap to look up and this avoids a
// context-key footgun).
func (s *SessionStore) RequireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.Lookup(r); !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// RequireCSRF additionally enforces the session-bound CSRF token on
// state-changing routes. The token must be sent as the X-CSRF-Token
// header; a cookie-only value is not sufficient since the cookie is sent
// automatically by the browser regardless of origin.
func (s *SessionStore) RequireCSRF(next http.HandlerFunc) http.HandlerFunc {
	return s.RequireSession(func(w http.ResponseWriter, r *http.Request) {
		sess, _ := s.Lookup(r)
		got := r.Header.Get("X-CSRF-Token")
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(sess.CSRFToken)) != 1 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next(w, r)
	})
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate random token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
