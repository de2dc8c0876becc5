package identity

import (
	"context"
	"crypto/subtle"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// User is one accepted credential.
type User struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Realm    string `yaml:"realm,omitempty"`
}

type usersFile struct {
	Users []User `yaml:"users"`
}

// UserStore is the set of credentials the management service accepts. It is
// loaded from a YAML file and may be hot-reloaded with Watch.
//
// An empty store means authentication is disabled.
type UserStore struct {
	path   string
	logger *zap.Logger

	mu    sync.RWMutex
	users map[string]User
}

// NewUserStore creates a store backed by path. Nothing is read until Load.
func NewUserStore(path string, logger *zap.Logger) *UserStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserStore{path: path, logger: logger, users: make(map[string]User)}
}

// Load (re)reads the backing file. On error the current users are kept.
func (s *UserStore) Load() error {
	if s.path == "" {
		return nil
	}
	users, err := readUsers(s.path)
	if err != nil {
		return err
	}
	s.Set(users)
	return nil
}

func readUsers(path string) ([]User, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read users file %q: %w", path, err)
	}
	var f usersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse users file %q: %w", path, err)
	}
	seen := make(map[string]bool, len(f.Users))
	for i, u := range f.Users {
		if u.Username == "" {
			return nil, fmt.Errorf("users[%d]: username is required", i)
		}
		if seen[u.Username] {
			return nil, fmt.Errorf("users[%d]: duplicate username %q", i, u.Username)
		}
		seen[u.Username] = true
	}
	return f.Users, nil
}

// Set replaces the user set.
func (s *UserStore) Set(users []User) {
	m := make(map[string]User, len(users))
	for _, u := range users {
		m[u.Username] = u
	}
	s.mu.Lock()
	s.users = m
	s.mu.Unlock()
}

// Len returns the number of configured users.
func (s *UserStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// Enabled reports whether authentication is required.
func (s *UserStore) Enabled() bool { return s.Len() > 0 }

// Lookup returns the user named username.
func (s *UserStore) Lookup(username string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	return u, ok
}

// Verify reports whether username/password match a configured user.
func (s *UserStore) Verify(username, password string) bool {
	u, ok := s.Lookup(username)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(u.Password), []byte(password)) == 1
}

// Watch reloads the store whenever the backing file is written, until ctx is
// cancelled. A failed reload is logged and the previous users stay active.
func (s *UserStore) Watch(ctx context.Context) error {
	if s.path == "" {
		return fmt.Errorf("users store has no backing file")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close() //nolint:errcheck

	// Watch the directory so atomic saves (write temp, rename over) are seen.
	target := filepath.Clean(s.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return err
	}
	s.logger.Info("watching users file", zap.String("path", s.path))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.Load(); err != nil {
				s.logger.Error("users reload failed; keeping previous set",
					zap.String("path", s.path), zap.Error(err))
				continue
			}
			s.logger.Info("users reloaded", zap.String("path", s.path), zap.Int("count", s.Len()))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("users watcher error", zap.Error(err))
		}
	}
}
