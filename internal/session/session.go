// Package session keeps authenticated sessions and their smart account handles.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/scroll-tech/go-ethereum/common"
	"github.com/scroll-tech/go-ethereum/log"

	"github.com/scroll-tech/aa-orchestrator/internal/account"
	"github.com/scroll-tech/aa-orchestrator/internal/identity"
	"github.com/scroll-tech/aa-orchestrator/internal/types"
)

// Authenticator turns login credentials into a signer.
type Authenticator interface {
	Authenticate(ctx context.Context, method string, creds identity.Credentials) (identity.Signer, error)
}

// AccountOpener opens the smart account of a signer.
type AccountOpener interface {
	Open(ctx context.Context, signer identity.Signer) (*account.Handle, error)
}

// UserInfo describes a logged-in user.
type UserInfo struct {
	SessionID    string         `json:"sessionId"`
	Method       string         `json:"method"`
	Owner        common.Address `json:"owner"`
	SmartAccount common.Address `json:"smartAccount"`
	ChainID      int64          `json:"chainId"`
	LoginAt      time.Time      `json:"loginAt"`
}

// Session is one login. It stays usable until logout.
type Session struct {
	id      string
	method  string
	loginAt time.Time
	handle  *account.Handle
	closed  atomic.Bool
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Handle returns the session's smart account, or *types.SessionClosedError after logout.
func (s *Session) Handle() (*account.Handle, error) {
	if s.closed.Load() {
		return nil, &types.SessionClosedError{SessionID: s.id}
	}
	return s.handle, nil
}

// UserInfo returns the session's user information.
func (s *Session) UserInfo() (*UserInfo, error) {
	h, err := s.Handle()
	if err != nil {
		return nil, err
	}
	return &UserInfo{
		SessionID:    s.id,
		Method:       s.method,
		Owner:        h.Owner(),
		SmartAccount: h.Address(),
		ChainID:      h.ChainID().Int64(),
		LoginAt:      s.loginAt,
	}, nil
}

// Manager owns every open session.
type Manager struct {
	auth     Authenticator
	accounts AccountOpener

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager returns a new Manager.
func NewManager(auth Authenticator, accounts AccountOpener) *Manager {
	return &Manager{
		auth:     auth,
		accounts: accounts,
		sessions: make(map[string]*Session),
	}
}

// Login authenticates and opens the caller's smart account. Failures are
// *types.AuthenticationError or *types.AccountInitError.
func (m *Manager) Login(ctx context.Context, method string, creds identity.Credentials) (*Session, error) {
	signer, err := m.auth.Authenticate(ctx, method, creds)
	if err != nil {
		return nil, err
	}
	h, err := m.accounts.Open(ctx, signer)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:      ulid.Make().String(),
		method:  method,
		loginAt: time.Now().UTC(),
		handle:  h,
	}
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	log.Info("Session opened", "session", s.id, "method", method, "owner", h.Owner().Hex(), "account", h.Address().Hex())
	return s, nil
}

// Get returns an open session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, &types.SessionClosedError{SessionID: id}
	}
	return s, nil
}

// Logout closes a session. Holders of the session see *types.SessionClosedError from then on.
func (m *Manager) Logout(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return &types.SessionClosedError{SessionID: id}
	}

	s.closed.Store(true)
	log.Info("Session closed", "session", id)
	return nil
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
