package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jake-scott/roborock-proxy/internal/pkg/logging"
	"github.com/jake-scott/roborock-proxy/pkg/roborock"
	"github.com/pkg/errors"
)

// ErrNotAuthenticated is returned by Current before any login
var ErrNotAuthenticated = errors.New("not authenticated")

// AuthError wraps a failed login, whether rejected or unreachable
type AuthError struct {
	Username string
	Err      error
}

func (e AuthError) Error() string {
	return fmt.Sprintf("login as %s failed: %s", e.Username, e.Err)
}

func (e AuthError) Unwrap() error {
	return e.Err
}

type Authenticator interface {
	PassLogin(ctx context.Context, password string) (*roborock.UserData, error)
}

// AuthenticatorFactory returns a cloud client for one account
type AuthenticatorFactory func(username string) Authenticator

// Store holds the process-wide session
type Store struct {
	newAuth  AuthenticatorFactory
	fileName string

	mu      sync.RWMutex
	current *Session
}

func NewStore(f AuthenticatorFactory) *Store {
	return &Store{newAuth: f}
}

// WithFile persists sessions to fileName after each login
func (s *Store) WithFile(fileName string) *Store {
	s.fileName = fileName
	return s
}

// Login performs exactly one password login and replaces the current session
func (s *Store) Login(ctx context.Context, username, password string) (*Session, error) {
	user, err := s.newAuth(username).PassLogin(ctx, password)
	if err != nil {
		return nil, AuthError{Username: username, Err: err}
	}

	sess := &Session{
		Username: username,
		User:     *user,
		Obtained: time.Now(),
	}

	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()

	logging.Logger(ctx).Infof("logged in to Roborock cloud as %s", username)
	logging.Logger(ctx).Debugf("session: %s", sess)

	if s.fileName != "" {
		if err := sess.Save(s.fileName); err != nil {
			logging.Logger(ctx).WithError(err).Warn("could not persist session")
		}
	}

	return sess, nil
}

// Restore adopts the session saved in the session file, if it belongs to username
func (s *Store) Restore(ctx context.Context, username string) (*Session, error) {
	if s.fileName == "" {
		return nil, ErrNotAuthenticated
	}

	sess, err := Load(s.fileName)
	if err != nil {
		return nil, err
	}
	if sess.Username != username {
		return nil, fmt.Errorf("session file belongs to %s, not %s", sess.Username, username)
	}

	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()

	logging.Logger(ctx).Debugf("restored session: %s", sess)

	return sess, nil
}

func (s *Store) Current() (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return nil, ErrNotAuthenticated
	}
	return s.current, nil
}
