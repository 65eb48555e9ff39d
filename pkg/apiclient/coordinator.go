package apiclient

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/aussiebroadwan/carelink/pkg/credstore"
	"github.com/aussiebroadwan/carelink/pkg/cryptox"
	"github.com/aussiebroadwan/carelink/pkg/domain"
	"github.com/aussiebroadwan/carelink/pkg/slogx"
)

// State of the refresh coordinator.
type State int

const (
	StateIdle State = iota
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRefreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// RefreshFunc exchanges a refresh token for a new credential pair.
type RefreshFunc func(ctx context.Context, refreshToken string) (domain.Credentials, error)

type refreshResult struct {
	token string
	err   error
}

// Coordinator makes sure at most one token refresh is in flight. Callers
// that arrive while a refresh is running wait for its result instead of
// issuing their own call.
//
// The network call runs on a goroutine owned by the coordinator with its own
// timeout, so a caller giving up does not fail the others.
type Coordinator struct {
	store     credstore.Store
	refreshFn RefreshFunc
	timeout   time.Duration
	onExpired func(error)
	logger    *slog.Logger

	mu         sync.Mutex
	state      State
	waiters    []chan refreshResult
	generation uint64
	cancelRun  context.CancelFunc
	closed     bool

	wg sync.WaitGroup
}

// NewCoordinator creates an idle coordinator. onExpired, when set, is called
// once per failed refresh after credentials have been cleared.
func NewCoordinator(
	store credstore.Store,
	refreshFn RefreshFunc,
	timeout time.Duration,
	onExpired func(error),
	logger *slog.Logger,
) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultRefreshTimeout
	}
	return &Coordinator{
		store:     store,
		refreshFn: refreshFn,
		timeout:   timeout,
		onExpired: onExpired,
		logger:    slogx.Component(logger, "refresh"),
	}
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Refresh returns a valid access token, starting a refresh or joining the one
// in flight. staleToken is the token the caller was rejected with; when the
// store already holds a different one and nothing is in flight, that token is
// returned without a network call.
//
// Failures are *RefreshError (credentials are cleared), the error passed to
// Cancel, or ctx.Err() when the caller stops waiting.
func (c *Coordinator) Refresh(ctx context.Context, staleToken string) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrCoordinatorClosed
	}

	if c.state == StateIdle {
		current := credstore.ReadToken(ctx, c.store, credstore.KeyAccessToken, c.logger)
		if staleToken != "" && current != "" && current != staleToken {
			c.mu.Unlock()
			return current, nil
		}
	}

	ch := make(chan refreshResult, 1)
	c.waiters = append(c.waiters, ch)
	if c.state == StateIdle {
		c.startLocked()
	}
	c.mu.Unlock()

	select {
	case res := <-ch:
		return res.token, res.err
	case <-ctx.Done():
		c.dropWaiter(ch)
		return "", ctx.Err()
	}
}

// Cancel forces the coordinator back to Idle. The in-flight call is aborted,
// every waiter is rejected with err (domain.ErrUnauthenticated when nil) and
// the eventual result of the aborted call is discarded without touching the
// store.
func (c *Coordinator) Cancel(err error) {
	if err == nil {
		err = domain.ErrUnauthenticated
	}

	c.mu.Lock()
	waiters := c.preemptLocked()
	c.mu.Unlock()

	c.reject(waiters, err)
}

// Revoke cancels like Cancel and clears the stored credentials in the same
// critical section. A refresh requested after Revoke finds no refresh token,
// and one started before it is discarded, so neither can write tokens back.
func (c *Coordinator) Revoke(ctx context.Context, err error) error {
	if err == nil {
		err = domain.ErrUnauthenticated
	}

	c.mu.Lock()
	waiters := c.preemptLocked()
	clearErr := c.store.Clear(ctx)
	c.mu.Unlock()

	c.reject(waiters, err)
	return clearErr
}

// preemptLocked invalidates the current generation and returns the waiters
// to reject.
func (c *Coordinator) preemptLocked() []chan refreshResult {
	c.generation++
	if c.cancelRun != nil {
		c.cancelRun()
		c.cancelRun = nil
	}
	waiters := c.waiters
	c.waiters = nil
	c.state = StateIdle
	return waiters
}

func (c *Coordinator) reject(waiters []chan refreshResult, err error) {
	if len(waiters) > 0 {
		c.logger.Info("refresh cancelled", "waiters", len(waiters), "reason", err)
	}
	for _, w := range waiters {
		w <- refreshResult{err: err}
	}
}

// Close cancels any refresh and waits for its goroutine to exit.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.Cancel(ErrCoordinatorClosed)
	c.wg.Wait()
}

func (c *Coordinator) startLocked() {
	c.state = StateRefreshing
	gen := c.generation

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	c.cancelRun = cancel

	c.wg.Add(1)
	go c.run(ctx, cancel, gen)
}

func (c *Coordinator) run(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer c.wg.Done()
	defer cancel()

	var (
		creds domain.Credentials
		err   error
	)

	refreshToken := credstore.ReadToken(ctx, c.store, credstore.KeyRefreshToken, c.logger)
	if refreshToken == "" {
		err = &RefreshError{Reason: "no refresh token", Err: ErrNoRefreshToken}
	} else {
		c.logger.Debug("refreshing access token", "refresh_fp", cryptox.FingerprintToken(refreshToken))
		creds, err = c.refreshFn(ctx, refreshToken)
		if err != nil {
			err = &RefreshError{Reason: "refresh rejected", Err: err}
		}
	}

	c.settle(gen, creds, err)
}

// settle publishes the result of the run started at generation gen. Results
// from a cancelled generation are dropped.
func (c *Coordinator) settle(gen uint64, creds domain.Credentials, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		c.logger.Debug("discarding result of cancelled refresh", "error", err)
		return
	}

	if err == nil {
		if perr := c.store.SetCredentials(ctx, creds); perr != nil {
			err = &RefreshError{Reason: "persist refreshed tokens", Err: perr}
		}
	}
	if err != nil {
		if cerr := c.store.Clear(ctx); cerr != nil {
			c.logger.Error("failed to clear credentials after refresh failure", "error", cerr)
		}
	}

	waiters := c.waiters
	c.waiters = nil
	c.state = StateIdle
	c.cancelRun = nil
	c.mu.Unlock()

	res := refreshResult{token: creds.AccessToken, err: err}
	if err != nil {
		res.token = ""
		c.logger.Warn("token refresh failed, session expired", "waiters", len(waiters), "error", err)
	} else {
		c.logger.Info("access token refreshed", "waiters", len(waiters), "access_fp", cryptox.FingerprintToken(creds.AccessToken))
	}

	for _, w := range waiters {
		w <- res
	}

	if err != nil && c.onExpired != nil {
		c.onExpired(err)
	}
}

func (c *Coordinator) dropWaiter(ch chan refreshResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waiters = slices.DeleteFunc(c.waiters, func(w chan refreshResult) bool { return w == ch })
}
