package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"pkt.systems/marina/internal/logx"
	"pkt.systems/marina/internal/persist"
)

type session struct {
	id        string
	email     string
	expiresAt time.Time
}

type sessionStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]session
	path  string
	now   func() time.Time
}

func newSessionStore(ttl time.Duration, path string) *sessionStore {
	store := &sessionStore{
		ttl:   ttl,
		items: make(map[string]session),
		path:  strings.TrimSpace(path),
		now:   time.Now,
	}
	if store.path != "" {
		if err := store.load(); err != nil {
			logx.Ctx(context.Background()).Warn("session store load failed", "err", err)
		}
	}
	return store
}

func (s *sessionStore) create(email string) (string, session) {
	token := randomToken(32)
	entry := session{id: randomToken(12), email: email, expiresAt: s.now().Add(s.ttl)}
	s.mu.Lock()
	s.items[token] = entry
	s.mu.Unlock()
	s.persist()
	logx.WithUser(context.Background(), email).With("http_session", entry.id).Info("session created", "expires", entry.expiresAt.Format(time.RFC3339))
	return token, entry
}

// get returns the live session for token. Expired entries are dropped.
func (s *sessionStore) get(token string) (session, bool) {
	s.mu.Lock()
	entry, ok := s.items[token]
	expired := ok && entry.expired(s.now())
	if expired {
		delete(s.items, token)
	}
	s.mu.Unlock()
	if expired {
		logx.WithUser(context.Background(), entry.email).With("http_session", entry.id).Info("session expired")
		s.persist()
		return session{}, false
	}
	return entry, ok
}

// peek returns the session for token without expiring it.
func (s *sessionStore) peek(token string) (session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.items[token]
	return entry, ok
}

func (e session) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

func (s *sessionStore) delete(token string) {
	s.mu.Lock()
	entry, ok := s.items[token]
	if ok {
		delete(s.items, token)
	}
	s.mu.Unlock()
	if ok {
		logx.WithUser(context.Background(), entry.email).With("http_session", entry.id).Info("session deleted")
		s.persist()
	}
}

// deleteUser drops every session that belongs to email.
func (s *sessionStore) deleteUser(email string) int {
	s.mu.Lock()
	removed := 0
	for token, entry := range s.items {
		if entry.email == email {
			delete(s.items, token)
			removed++
		}
	}
	s.mu.Unlock()
	if removed > 0 {
		s.persist()
	}
	return removed
}

func randomToken(size int) string {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

type sessionRecord struct {
	Token     string    `json:"token"`
	SessionID string    `json:"session_id"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
}

type sessionFile struct {
	Version  int             `json:"version"`
	Sessions []sessionRecord `json:"sessions"`
}

func (s *sessionStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var file sessionFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	now := s.now()
	entries := make(map[string]session)
	for _, record := range file.Sessions {
		if strings.TrimSpace(record.Token) == "" || strings.TrimSpace(record.Email) == "" {
			continue
		}
		entry := session{id: record.SessionID, email: record.Email, expiresAt: record.ExpiresAt}
		if entry.expired(now) {
			continue
		}
		if entry.id == "" {
			entry.id = randomToken(12)
		}
		entries[record.Token] = entry
	}
	s.mu.Lock()
	s.items = entries
	s.mu.Unlock()
	if len(file.Sessions) != len(entries) {
		s.persist()
	}
	logx.Ctx(context.Background()).Info("session store loaded", "sessions", len(entries))
	return nil
}

func (s *sessionStore) persist() {
	if s.path == "" {
		return
	}
	payload := sessionFile{Version: 1, Sessions: s.snapshot()}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err == nil {
		err = persist.WriteFileAtomic(s.path, data)
	}
	if err != nil {
		logx.Ctx(context.Background()).Warn("session store save failed", "err", err)
	}
}

func (s *sessionStore) snapshot() []sessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]sessionRecord, 0, len(s.items))
	for token, entry := range s.items {
		records = append(records, sessionRecord{
			Token:     token,
			SessionID: entry.id,
			Email:     entry.email,
			ExpiresAt: entry.expiresAt,
		})
	}
	return records
}
