// Package session ties the REST client, the realtime connection and the
// conversation views to one authenticated identity.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aussiebroadwan/carelink/pkg/apiclient"
	"github.com/aussiebroadwan/carelink/pkg/chatsync"
	"github.com/aussiebroadwan/carelink/pkg/credstore"
	"github.com/aussiebroadwan/carelink/pkg/domain"
	"github.com/aussiebroadwan/carelink/pkg/jwtx"
	"github.com/aussiebroadwan/carelink/pkg/realtime"
	"github.com/aussiebroadwan/carelink/pkg/slogx"
	"github.com/google/uuid"
)

// AuthState is what the UI shell routes on.
type AuthState int

const (
	Unauthenticated AuthState = iota
	Authenticated
)

func (s AuthState) String() string {
	if s == Authenticated {
		return "authenticated"
	}
	return "unauthenticated"
}

type Config struct {
	API    apiclient.Config
	Socket realtime.Config
	Chat   chatsync.Config
}

// Session owns the network layer of one client instance.
type Session struct {
	store  credstore.Store
	api    *apiclient.Client
	socket *realtime.Session
	chat   *chatsync.Sync
	logger *slog.Logger

	mu    sync.Mutex
	state AuthState
	subs  map[string]func(AuthState)
}

// New wires the components around store. It does not touch the network.
func New(cfg Config, store credstore.Store, logger *slog.Logger) (*Session, error) {
	s := &Session{
		store:  store,
		logger: slogx.Component(logger, "session"),
		subs:   make(map[string]func(AuthState)),
	}

	apiCfg := cfg.API
	userExpired := apiCfg.OnSessionExpired
	apiCfg.OnSessionExpired = func(err error) {
		s.expired(err)
		if userExpired != nil {
			userExpired(err)
		}
	}

	api, err := apiclient.New(apiCfg, store, logger)
	if err != nil {
		return nil, err
	}

	s.api = api
	s.socket = realtime.New(cfg.Socket, store, logger)
	s.chat = chatsync.New(api, s.socket, cfg.Chat, logger)
	return s, nil
}

func (s *Session) API() *apiclient.Client { return s.api }
func (s *Session) Socket() *realtime.Session { return s.socket }
func (s *Session) Chat() *chatsync.Sync { return s.chat }
func (s *Session) Store() credstore.Store { return s.store }

// Start derives the initial state from the stored tokens. Either token is
// enough: an expired access token is refreshed on first use.
func (s *Session) Start(ctx context.Context) AuthState {
	creds := credstore.ReadCredentials(ctx, s.store, s.logger)
	state := Unauthenticated
	if !creds.IsZero() {
		state = Authenticated
	}
	s.setState(state)
	return state
}

// Login exchanges credentials and persists the tokens. A failed write fails
// the login.
func (s *Session) Login(ctx context.Context, email, password string) error {
	creds, err := s.api.Login(ctx, email, password)
	if err != nil {
		return err
	}
	if err := s.store.SetCredentials(ctx, creds); err != nil {
		return fmt.Errorf("login: persist tokens: %w", err)
	}

	s.logger.Info("logged in", "user_id", jwtx.Subject(creds.AccessToken))
	s.setState(Authenticated)
	return nil
}

// Logout tears the session down. Cancelling the refresh and clearing the
// store happen atomically, so no refresh result can be written back; every
// caller waiting on one fails with domain.ErrUnauthenticated.
func (s *Session) Logout(ctx context.Context) error {
	clearErr := s.api.Coordinator().Revoke(ctx, domain.ErrUnauthenticated)
	s.chat.CloseAll()
	s.socket.Disconnect()
	s.setState(Unauthenticated)

	if clearErr != nil {
		return fmt.Errorf("logout: clear credentials: %w", clearErr)
	}
	s.logger.Info("logged out")
	return nil
}

// State returns the current authentication state.
func (s *Session) State() AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnAuthStateChange registers fn for state changes and returns its
// unsubscribe func.
func (s *Session) OnAuthStateChange(fn func(AuthState)) func() {
	id := uuid.NewString()

	s.mu.Lock()
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// UserID is the sub claim of the stored access token, or "" when there is
// none or it is opaque.
func (s *Session) UserID(ctx context.Context) string {
	return jwtx.Subject(credstore.ReadToken(ctx, s.store, credstore.KeyAccessToken, s.logger))
}

// Close releases every component. The stored credentials are kept.
func (s *Session) Close() error {
	s.chat.CloseAll()
	s.socket.Close()
	s.api.Close()
	return nil
}

// expired runs after the coordinator cleared the store.
func (s *Session) expired(err error) {
	if !errors.Is(err, domain.ErrUnauthenticated) {
		s.logger.Warn("unexpected session expiry cause", "error", err)
	}
	s.socket.Disconnect()
	s.setState(Unauthenticated)
}

func (s *Session) setState(state AuthState) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	fns := make([]func(AuthState), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	s.logger.Debug("auth state changed", "state", state)
	for _, fn := range fns {
		fn(state)
	}
}
