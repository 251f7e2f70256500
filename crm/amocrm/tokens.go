package amocrm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"crmpulse/crm"
	"crmpulse/locker"
)

// TokenState is the lifecycle position of the token cell.
type TokenState int32

const (
	StateFresh TokenState = iota
	StateNearExpiry
	StateRefreshing
	StateRefreshFailed
)

func (s TokenState) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateNearExpiry:
		return "near-expiry"
	case StateRefreshing:
		return "refreshing"
	case StateRefreshFailed:
		return "refresh-failed"
	}
	return fmt.Sprintf("TokenState(%d)", int32(s))
}

// DefaultLookahead is how long before expiry a token is refreshed proactively.
const DefaultLookahead = time.Hour

// Refresher performs the refresh-token grant.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

type TokenManagerOptions struct {
	Lookahead time.Duration
	// Store receives every rotated token before the manager releases its lock.
	Store crm.CredentialStore
	// Locker single-flights refreshes of the same credential across processes.
	Locker  locker.Locker
	LockKey string
	LockTTL time.Duration
	Logger  *logrus.Entry
	Now     func() time.Time
}

// TokenManager owns the token of one credential for one sync run. All reads
// and the whole refresh transaction happen under mu, so no request can start
// with a token that has been rotated but not yet persisted.
type TokenManager struct {
	mu      sync.Mutex
	token   *oauth2.Token
	failure error
	state   atomic.Int32

	refresher Refresher
	store     crm.CredentialStore
	locker    locker.Locker
	lockKey   string
	lockTTL   time.Duration
	lookahead time.Duration
	log       *logrus.Entry
	now       func() time.Time
}

func NewTokenManager(initial *oauth2.Token, refresher Refresher, opts TokenManagerOptions) *TokenManager {
	if initial == nil {
		initial = &oauth2.Token{}
	}
	m := &TokenManager{
		token:     initial,
		refresher: refresher,
		store:     opts.Store,
		locker:    opts.Locker,
		lockKey:   opts.LockKey,
		lockTTL:   opts.LockTTL,
		lookahead: opts.Lookahead,
		log:       opts.Logger,
		now:       opts.Now,
	}
	if m.lookahead <= 0 {
		m.lookahead = DefaultLookahead
	}
	if m.lockTTL <= 0 {
		m.lockTTL = 30 * time.Second
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.log == nil {
		m.log = logrus.NewEntry(logrus.StandardLogger())
	}
	m.state.Store(int32(m.classify(initial)))
	return m
}

// State reports the current lifecycle state without blocking on a refresh.
func (m *TokenManager) State() TokenState {
	return TokenState(m.state.Load())
}

// Token returns a copy of the current token.
func (m *TokenManager) Token() oauth2.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.token
}

// AccessToken returns a usable access token, refreshing first when the token
// is inside the lookahead window.
func (m *TokenManager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return "", m.failure
	}
	if m.classify(m.token) == StateNearExpiry {
		m.log.WithField("expiry", m.token.Expiry).Info("amocrm token near expiry, refreshing")
		if err := m.refreshLocked(ctx, m.token.AccessToken); err != nil {
			return "", err
		}
	}
	if m.token.AccessToken == "" {
		return "", crm.ErrMissingCredentials
	}
	return m.token.AccessToken, nil
}

// ForceRefresh handles a 401 for a request made with stale. If another caller
// already replaced stale, the current token is returned without a new grant.
func (m *TokenManager) ForceRefresh(ctx context.Context, stale string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return "", m.failure
	}
	if m.token.AccessToken != "" && m.token.AccessToken != stale {
		return m.token.AccessToken, nil
	}
	m.log.Info("amocrm token rejected, refreshing")
	if err := m.refreshLocked(ctx, stale); err != nil {
		return "", err
	}
	return m.token.AccessToken, nil
}

func (m *TokenManager) classify(tok *oauth2.Token) TokenState {
	if tok.Expiry.IsZero() || tok.RefreshToken == "" {
		return StateFresh
	}
	if m.now().Add(m.lookahead).After(tok.Expiry) {
		return StateNearExpiry
	}
	return StateFresh
}

func (m *TokenManager) refreshLocked(ctx context.Context, stale string) error {
	m.state.Store(int32(StateRefreshing))
	if m.refresher == nil || m.token.RefreshToken == "" {
		return m.fail(crm.ErrMissingCredentials)
	}

	if m.locker != nil && m.lockKey != "" {
		release, err := m.locker.Obtain(ctx, m.lockKey, m.lockTTL)
		if err != nil {
			return m.fail(err)
		}
		defer release()
		if m.adoptPersisted(ctx, stale) {
			return nil
		}
	}

	tok, err := m.refresher.Refresh(ctx, m.token.RefreshToken)
	if err != nil {
		return m.fail(err)
	}
	// The old refresh token is dead from here on: install the new pair first,
	// then persist it while still holding the lock.
	m.token = tok
	if m.store != nil {
		if err := m.store.SaveTokens(ctx, tok); err != nil {
			return m.fail(fmt.Errorf("persist rotated tokens: %w", err))
		}
	}
	m.state.Store(int32(m.classify(tok)))
	m.log.WithField("expiry", tok.Expiry).Info("amocrm token refreshed")
	return nil
}

// adoptPersisted picks up a pair rotated by a concurrent run of the same
// integration. It reports whether the stored token made a refresh unnecessary.
func (m *TokenManager) adoptPersisted(ctx context.Context, stale string) bool {
	if m.store == nil {
		return false
	}
	stored, err := m.store.LoadTokens(ctx)
	if err != nil || stored == nil || stored.AccessToken == "" {
		return false
	}
	if stored.RefreshToken == m.token.RefreshToken || stored.AccessToken == stale {
		return false
	}
	if m.classify(stored) != StateFresh {
		m.token = stored
		return false
	}
	m.token = stored
	m.state.Store(int32(StateFresh))
	m.log.Info("amocrm token already rotated by another run, adopted")
	return true
}

func (m *TokenManager) fail(err error) error {
	m.failure = fmt.Errorf("%w: %w", crm.ErrRefreshFailed, err)
	m.state.Store(int32(StateRefreshFailed))
	m.log.WithError(err).Error("amocrm token refresh failed")
	return m.failure
}
