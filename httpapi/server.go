package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"pkt.systems/marina/internal/auth"
	"pkt.systems/marina/internal/logx"
	"pkt.systems/marina/schema"
)

// UserStore is the account backend used by the API server.
type UserStore interface {
	Get(email string) (auth.User, error)
	EnsureUser(email string) (auth.User, bool, error)
	IssueCode(email string, now time.Time) (string, error)
	Verify(email, code string, now time.Time) (auth.User, error)
	UpdateProfile(email, name, phone string) (auth.User, error)
}

// Server provides the development booking API: one-time code sign-in,
// profile access and logout.
type Server struct {
	cfg      Config
	users    UserStore
	sessions *sessionStore
	now      func() time.Time
}

type emailContextKey struct{}

// NewServer constructs a Server.
func NewServer(cfg Config, users UserStore) *Server {
	ttl := time.Duration(cfg.SessionTTLHours) * time.Hour
	if ttl <= 0 {
		ttl = 720 * time.Hour
	}
	if strings.TrimSpace(cfg.SessionCookie) == "" {
		cfg.SessionCookie = "marina_session"
	}
	return &Server{
		cfg:      cfg,
		users:    users,
		sessions: newSessionStore(ttl, cfg.SessionFile),
		now:      time.Now,
	}
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(withRequestLogging(s.lookupSession))

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/otp", s.handleRequestCode)
		r.Post("/auth/verify", s.handleVerify)
		r.Post("/logout", s.handleLogout)
		r.Group(func(r chi.Router) {
			r.Use(s.requireSession)
			r.Get("/profile", s.handleProfile)
			r.Put("/profile", s.handleUpdateProfile)
		})
	})
	return r
}

// RevokeUser ends every session of email.
func (s *Server) RevokeUser(email string) int {
	return s.sessions.deleteUser(email)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRequestCode(w http.ResponseWriter, r *http.Request) {
	log := logx.Ctx(r.Context()).With("remote", clientIP(r))
	var payload struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http otp decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	email, err := schema.NormalizeEmail(payload.Email)
	if err != nil {
		log.Warn("http otp rejected", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	log = log.With("user", email)
	user, created, err := s.users.EnsureUser(email)
	if err != nil {
		log.Error("http otp user failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	code, err := s.users.IssueCode(user.Email, s.now())
	if err != nil {
		log.Error("http otp issue failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	// No mail transport; the code goes to the server log.
	log.Info("http otp issued", "new_user", created)
	log.Debug("http otp code", "code", code)
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	log := logx.Ctx(r.Context()).With("remote", clientIP(r))
	var payload struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http verify decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	email, err := schema.NormalizeEmail(payload.Email)
	if err != nil {
		log.Warn("http verify rejected", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	log = log.With("user", email)
	user, err := s.users.Verify(email, payload.Code, s.now())
	if err != nil {
		log.Warn("http verify failed", "err", err)
		switch {
		case errors.Is(err, schema.ErrUserNotFound), errors.Is(err, schema.ErrInvalidCode):
			writeError(w, http.StatusUnauthorized, schema.ErrInvalidCode)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	token, sess := s.sessions.create(user.Email)
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cfg.SecureCookie,
		SameSite: http.SameSiteLaxMode,
		Expires:  sess.expiresAt,
	})
	writeJSON(w, http.StatusOK, user.Profile())
	log.Info("http verify ok", "http_session", sess.id)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := s.sessionToken(r)
	log := logx.Ctx(r.Context()).With("remote", clientIP(r))
	if token != "" {
		if entry, ok := s.sessions.get(token); ok {
			log = log.With("user", entry.email, "http_session", entry.id)
		}
		s.sessions.delete(token)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	log.Info("http logout")
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	email := sessionEmail(r)
	user, err := s.users.Get(email)
	if err != nil {
		s.writeUserError(w, r, "http profile failed", err)
		return
	}
	writeJSON(w, http.StatusOK, user.Profile())
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	log := logx.Ctx(r.Context())
	email := sessionEmail(r)
	var payload schema.Profile
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http profile decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !payload.Complete() {
		log.Warn("http profile incomplete")
		writeError(w, http.StatusBadRequest, errors.New("name and phone are required"))
		return
	}
	user, err := s.users.UpdateProfile(email, payload.Name, payload.Phone)
	if err != nil {
		s.writeUserError(w, r, "http profile update failed", err)
		return
	}
	writeJSON(w, http.StatusOK, user.Profile())
	log.Info("http profile updated")
}

func (s *Server) writeUserError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	log := logx.Ctx(r.Context())
	if errors.Is(err, schema.ErrUserNotFound) {
		// The account was removed while the session was alive.
		s.sessions.delete(s.sessionToken(r))
		log.Warn(msg, "err", err)
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	log.Error(msg, "err", err)
	writeError(w, http.StatusInternalServerError, err)
}

func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := logx.Ctx(r.Context()).With("remote", clientIP(r))
		token := s.sessionToken(r)
		if token == "" {
			log.Warn("http session missing")
			writeError(w, http.StatusUnauthorized, errors.New("missing session"))
			return
		}
		entry, ok := s.sessions.get(token)
		if !ok {
			log.Warn("http session invalid")
			writeError(w, http.StatusUnauthorized, errors.New("invalid session"))
			return
		}
		log = log.With("user", entry.email, "http_session", entry.id)
		ctx := logx.ContextWithUserLogger(r.Context(), log, entry.email)
		ctx = contextWithEmail(ctx, entry.email)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) sessionToken(r *http.Request) string {
	cookie, err := r.Cookie(s.cfg.SessionCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (s *Server) lookupSession(r *http.Request) (string, string) {
	token := s.sessionToken(r)
	if token == "" {
		return "", ""
	}
	entry, ok := s.sessions.peek(token)
	if !ok {
		return "", ""
	}
	return entry.email, entry.id
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
