// Package session persists the authenticated user and bearer token between
// invocations, and watches the file so a login elsewhere triggers a drain.
package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
)

// User is the logged-in account.
type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

// UserID is an account id. The API emits it as either a JSON number or a
// string; it is always held as a string.
type UserID string

// UnmarshalJSON accepts numbers, strings and null.
func (id *UserID) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == "" {
		*id = ""
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = UserID(strings.TrimSpace(s))
		return nil
	}
	if _, err := strconv.ParseFloat(raw, 64); err != nil {
		return fmt.Errorf("user id: %w", err)
	}
	*id = UserID(raw)
	return nil
}

// Session is the persisted auth state.
type Session struct {
	Token string `json:"token,omitempty"`
	User  *User  `json:"user,omitempty"`
}

// Authenticated reports whether a bearer token is present.
func (s Session) Authenticated() bool {
	return strings.TrimSpace(s.Token) != ""
}

// UserID returns the current user's id, or "".
func (s Session) UserID() string {
	if s.User == nil {
		return ""
	}
	return string(s.User.ID)
}

// Store reads and writes the session file. Every Load reads the file fresh
// so separate processes see each other's logins.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a Store for path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the session file path.
func (s *Store) Path() string {
	return s.path
}

// Load returns the persisted session. A missing file is an empty session.
func (s *Store) Load() (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Session{}, nil
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return Session{}, nil
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, fmt.Errorf("load session %s: %w", s.path, err)
	}
	return sess, nil
}

// Save writes sess atomically (temp file + rename) with 0600 permissions.
func (s *Store) Save(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // No-op after rename

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("save session: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("save session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Clear logs out by removing the file. Clearing an absent session is fine.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
