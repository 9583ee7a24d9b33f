package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/florianilch/claudine-gateway/internal/apierror"
)

// DefaultRefreshMargin is how long before expiry an access token is refreshed.
const DefaultRefreshMargin = 5 * time.Minute

// refreshTimeout bounds a shared refresh, which outlives the request that triggered it.
const refreshTimeout = 30 * time.Second

// Broker hands out valid tokens per provider. Concurrent callers needing a refresh for the same
// provider share one refresh call.
type Broker struct {
	margin time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry

	group singleflight.Group
}

type entry struct {
	store     Store
	refresher Refresher

	mu   sync.RWMutex
	cred *Credential
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithRefreshMargin sets the expiry safety margin.
func WithRefreshMargin(d time.Duration) BrokerOption {
	return func(b *Broker) { b.margin = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) BrokerOption {
	return func(b *Broker) { b.now = now }
}

// NewBroker creates an empty broker. Providers are added with Register during startup.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		margin:  DefaultRefreshMargin,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register sets the credential source of a provider. The refresher may be nil for providers
// that only use API keys.
func (b *Broker) Register(provider string, store Store, refresher Refresher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[provider] = &entry{store: store, refresher: refresher}
}

// Kind reports the kind of the provider's configured credential without refreshing it.
func (b *Broker) Kind(ctx context.Context, provider string) (Kind, error) {
	e, err := b.entry(provider)
	if err != nil {
		return "", err
	}
	cred, err := b.load(ctx, provider, e)
	if err != nil {
		return "", err
	}
	return cred.Kind, nil
}

// ValidToken returns a token for the provider that will not expire within the refresh margin,
// refreshing it first when needed.
func (b *Broker) ValidToken(ctx context.Context, provider string) (Token, error) {
	e, err := b.entry(provider)
	if err != nil {
		return Token{}, err
	}
	cred, err := b.load(ctx, provider, e)
	if err != nil {
		return Token{}, err
	}
	if !cred.NeedsRefresh(b.now(), b.margin) {
		return Token{Value: cred.AccessToken, Kind: cred.Kind}, nil
	}

	ch := b.group.DoChan("refresh:"+provider, func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return b.refresh(refreshCtx, provider, e)
	})
	select {
	case <-ctx.Done():
		return Token{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		fresh := res.Val.(*Credential)
		return Token{Value: fresh.AccessToken, Kind: fresh.Kind}, nil
	}
}

// Forget drops the cached credential so the next call reloads it from the store.
func (b *Broker) Forget(provider string) {
	if e, err := b.entry(provider); err == nil {
		e.mu.Lock()
		e.cred = nil
		e.mu.Unlock()
	}
}

func (b *Broker) entry(provider string) (*entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[provider]
	if !ok {
		return nil, &apierror.AuthError{Provider: provider, Kind: apierror.AuthNeedsLogin, Err: errors.New("no credential source configured")}
	}
	return e, nil
}

func (b *Broker) load(ctx context.Context, provider string, e *entry) (*Credential, error) {
	e.mu.RLock()
	cred := e.cred
	e.mu.RUnlock()
	if cred != nil {
		return cred, nil
	}

	v, err, _ := b.group.Do("load:"+provider, func() (any, error) {
		loaded, err := e.store.Load(ctx)
		if errors.Is(err, ErrNotFound) {
			return nil, &apierror.AuthError{Provider: provider, Kind: apierror.AuthNeedsLogin, Err: err}
		}
		if err != nil {
			return nil, &apierror.AuthError{Provider: provider, Kind: apierror.AuthTransient, Err: err}
		}
		e.mu.Lock()
		e.cred = loaded
		e.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Credential), nil
}

func (b *Broker) refresh(ctx context.Context, provider string, e *entry) (*Credential, error) {
	// a refresh that completed while this call was queued already did the work
	e.mu.RLock()
	current := e.cred
	e.mu.RUnlock()
	if current != nil && !current.NeedsRefresh(b.now(), b.margin) {
		return current, nil
	}

	if current == nil || current.RefreshToken == "" {
		return nil, &apierror.AuthError{Provider: provider, Kind: apierror.AuthNeedsLogin, Err: errors.New("no refresh token")}
	}
	if e.refresher == nil {
		return nil, &apierror.AuthError{Provider: provider, Kind: apierror.AuthNeedsLogin, Err: errors.New("provider does not support token refresh")}
	}

	slog.DebugContext(ctx, "refreshing access token", "provider", provider)
	fresh, err := e.refresher.Refresh(ctx, current.RefreshToken)
	if err != nil {
		return nil, &apierror.AuthError{Provider: provider, Kind: classifyRefreshError(err), Err: err}
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = current.RefreshToken
	}
	if fresh.Kind == "" {
		fresh.Kind = KindOAuth
	}
	if fresh.AccountID == "" {
		fresh.AccountID = current.AccountID
	}

	e.mu.Lock()
	e.cred = fresh
	e.mu.Unlock()

	if err := e.store.Save(ctx, *fresh); err != nil && !errors.Is(err, ErrReadOnly) {
		slog.WarnContext(ctx, "failed to persist refreshed credential", "provider", provider, "error", err)
	}
	slog.InfoContext(ctx, "access token refreshed", "provider", provider, "expiry", fresh.Expiry)
	return fresh, nil
}

// classifyRefreshError separates revoked grants from failures worth retrying.
func classifyRefreshError(err error) apierror.AuthKind {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode == "invalid_grant" {
			return apierror.AuthNeedsLogin
		}
		if retrieveErr.Response != nil {
			switch retrieveErr.Response.StatusCode {
			case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
				return apierror.AuthNeedsLogin
			}
		}
	}
	return apierror.AuthTransient
}

// String is used in logs and status output.
func (t Token) String() string {
	if len(t.Value) <= 12 {
		return fmt.Sprintf("%s(…)", t.Kind)
	}
	return fmt.Sprintf("%s(%s…)", t.Kind, t.Value[:12])
}
