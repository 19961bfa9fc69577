package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"pkt.systems/marina/internal/persist"
	"pkt.systems/marina/schema"
	"pkt.systems/pslog"
)

// Issuer labels generated TOTP secrets.
const Issuer = "marina"

// DefaultCodePeriod is how long an issued code stays valid.
const DefaultCodePeriod = 5 * time.Minute

// User represents a stored user account.
type User struct {
	ID         int64  `json:"id"`
	Email      string `json:"email"`
	Name       string `json:"name,omitempty"`
	Phone      string `json:"phone,omitempty"`
	TOTPSecret string `json:"totp_secret"`
}

// Profile returns the user's public profile.
func (u User) Profile() schema.Profile {
	return schema.Profile{ID: u.ID, Name: u.Name, Email: u.Email, Phone: u.Phone}
}

// Store manages users stored on disk.
type Store struct {
	path      string
	period    time.Duration
	mu        sync.RWMutex
	users     map[string]User
	fileState fileState
	log       pslog.Logger
}

// NewStore loads or creates the user store.
func NewStore(path string, period time.Duration) (*Store, error) {
	return NewStoreWithLogger(path, period, nil)
}

// NewStoreWithLogger loads or creates the user store with logging.
func NewStoreWithLogger(path string, period time.Duration, logger pslog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("user file path is required")
	}
	if period <= 0 {
		period = DefaultCodePeriod
	}
	if logger != nil {
		logger = logger.With("user_file", path)
	}
	store := &Store{
		path:   path,
		period: period,
		users:  make(map[string]User),
		log:    logger,
	}
	if err := store.ensureFile(); err != nil {
		return nil, err
	}
	if err := store.loadFromDisk(); err != nil {
		return nil, err
	}
	return store, nil
}

// Get returns the user with the given email.
func (s *Store) Get(email string) (User, error) {
	if err := s.refreshIfNeeded(); err != nil {
		return User{}, err
	}
	normalized, err := schema.NormalizeEmail(email)
	if err != nil {
		return User{}, err
	}
	s.mu.RLock()
	user, ok := s.users[normalized]
	s.mu.RUnlock()
	if !ok {
		return User{}, schema.ErrUserNotFound
	}
	return user, nil
}

// EnsureUser returns the user with the given email, creating it with a
// fresh TOTP secret on first contact.
func (s *Store) EnsureUser(email string) (User, bool, error) {
	user, err := s.Get(email)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, schema.ErrUserNotFound) {
		return User{}, false, err
	}
	user, err = s.AddUser(User{Email: email})
	if err != nil {
		return User{}, false, err
	}
	return user, true, nil
}

// IssueCode returns the one-time code currently valid for email.
func (s *Store) IssueCode(email string, now time.Time) (string, error) {
	user, err := s.Get(email)
	if err != nil {
		return "", err
	}
	code, err := totp.GenerateCodeCustom(user.TOTPSecret, now, s.validateOpts())
	if err != nil {
		return "", err
	}
	if s.log != nil {
		s.log.Debug("auth code issued", "user", user.Email, "code", code)
	}
	return code, nil
}

// Verify checks a one-time code. Codes from the current and previous period
// are accepted.
func (s *Store) Verify(email, code string, now time.Time) (User, error) {
	normalizedCode, err := schema.NormalizeCode(code)
	if err != nil {
		return User{}, err
	}
	user, err := s.Get(email)
	if err != nil {
		return User{}, err
	}
	ok, err := totp.ValidateCustom(normalizedCode, user.TOTPSecret, now, s.validateOpts())
	if err != nil || !ok {
		if s.log != nil {
			s.log.Warn("auth verify failed", "user", user.Email)
		}
		return User{}, schema.ErrInvalidCode
	}
	return user, nil
}

func (s *Store) validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    uint(s.period / time.Second),
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// LoadUsers returns a snapshot of users ordered by id.
func (s *Store) LoadUsers() []User {
	if err := s.refreshIfNeeded(); err != nil {
		if s.log != nil {
			s.log.Warn("auth store refresh failed", "err", err)
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]User, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

// AddUser inserts a new user and persists the store. A missing TOTP secret
// is generated.
func (s *Store) AddUser(user User) (User, error) {
	if err := s.refreshIfNeeded(); err != nil {
		return User{}, err
	}
	email, err := schema.NormalizeEmail(user.Email)
	if err != nil {
		return User{}, err
	}
	user.Email = email
	if strings.TrimSpace(user.TOTPSecret) == "" {
		key, err := totp.Generate(totp.GenerateOpts{Issuer: Issuer, AccountName: email})
		if err != nil {
			return User{}, err
		}
		user.TOTPSecret = key.Secret()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[email]; ok {
		return User{}, errors.New("user already exists")
	}
	user.ID = s.nextIDLocked()
	s.users[email] = user
	if err := s.saveLocked(); err != nil {
		delete(s.users, email)
		if s.log != nil {
			s.log.Warn("auth user add failed", "user", email, "err", err)
		}
		return User{}, err
	}
	if s.log != nil {
		s.log.Info("auth user added", "user", email, "id", user.ID)
	}
	return user, nil
}

// UpdateProfile replaces the registration fields of a user.
func (s *Store) UpdateProfile(email, name, phone string) (User, error) {
	if err := s.refreshIfNeeded(); err != nil {
		return User{}, err
	}
	normalized, err := schema.NormalizeEmail(email)
	if err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[normalized]
	if !ok {
		return User{}, schema.ErrUserNotFound
	}
	user.Name = strings.TrimSpace(name)
	user.Phone = strings.TrimSpace(phone)
	s.users[normalized] = user
	if err := s.saveLocked(); err != nil {
		if s.log != nil {
			s.log.Warn("auth profile update failed", "user", normalized, "err", err)
		}
		return User{}, err
	}
	if s.log != nil {
		s.log.Info("auth profile updated", "user", normalized)
	}
	return user, nil
}

// DeleteUser removes a user.
func (s *Store) DeleteUser(email string) error {
	if err := s.refreshIfNeeded(); err != nil {
		return err
	}
	normalized, err := schema.NormalizeEmail(email)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[normalized]; !ok {
		return schema.ErrUserNotFound
	}
	delete(s.users, normalized)
	if err := s.saveLocked(); err != nil {
		if s.log != nil {
			s.log.Warn("auth user delete failed", "user", normalized, "err", err)
		}
		return err
	}
	if s.log != nil {
		s.log.Info("auth user deleted", "user", normalized)
	}
	return nil
}

func (s *Store) nextIDLocked() int64 {
	var maxID int64
	for _, user := range s.users {
		if user.ID > maxID {
			maxID = user.ID
		}
	}
	return maxID + 1
}

func (s *Store) ensureFile() error {
	if _, statErr := os.Stat(s.path); statErr == nil {
		return nil
	} else if !os.IsNotExist(statErr) {
		if s.log != nil {
			s.log.Warn("auth store init failed", "err", statErr)
		}
		return statErr
	}
	if err := persist.WriteFileAtomic(s.path, []byte("[]\n")); err != nil {
		if s.log != nil {
			s.log.Warn("auth store init failed", "err", err)
		}
		return err
	}
	if s.log != nil {
		s.log.Info("auth store initialized")
	}
	return nil
}

func (s *Store) saveLocked() error {
	users := make([]User, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	data, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return err
	}
	if err := persist.WriteFileAtomic(s.path, data); err != nil {
		return err
	}
	if info, err := os.Stat(s.path); err == nil {
		s.fileState = fileStateFromInfo(info)
	} else if s.log != nil {
		s.log.Warn("auth store save failed to stat", "err", err)
	}
	if s.log != nil {
		s.log.Debug("auth store save ok", "users", len(users))
	}
	return nil
}

type fileState struct {
	modTime time.Time
	size    int64
	inode   uint64
	dev     uint64
}

func fileStateFromInfo(info os.FileInfo) fileState {
	state := fileState{
		modTime: info.ModTime(),
		size:    info.Size(),
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		state.inode = uint64(stat.Ino)
		state.dev = uint64(stat.Dev)
	}
	return state
}

func (s fileState) equal(other fileState) bool {
	return s.size == other.size &&
		s.modTime.Equal(other.modTime) &&
		s.inode == other.inode &&
		s.dev == other.dev
}

func (s *Store) refreshIfNeeded() error {
	info, err := os.Stat(s.path)
	if err != nil {
		if s.log != nil {
			s.log.Warn("auth store stat failed", "err", err)
		}
		return err
	}
	latest := fileStateFromInfo(info)
	s.mu.RLock()
	current := s.fileState
	s.mu.RUnlock()
	if current.equal(latest) {
		return nil
	}
	return s.loadFromDisk()
}

func (s *Store) loadFromDisk() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if s.log != nil {
			s.log.Warn("auth store load failed", "err", err)
		}
		return err
	}
	var users []User
	if err := json.Unmarshal(data, &users); err != nil {
		if s.log != nil {
			s.log.Warn("auth store load failed", "err", err)
		}
		return err
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return err
	}
	next := make(map[string]User, len(users))
	for _, user := range users {
		email, err := schema.NormalizeEmail(user.Email)
		if err != nil {
			return fmt.Errorf("user %d: %w", user.ID, err)
		}
		user.Email = email
		next[email] = user
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = next
	s.fileState = fileStateFromInfo(info)
	if s.log != nil {
		s.log.Debug("auth store load ok", "users", len(users))
	}
	return nil
}
