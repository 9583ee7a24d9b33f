// Package session tracks provider sessions. A session groups the turns of one client
// conversation so full mode can present a stable identity to the upstream.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Header lets clients pin requests to a session explicitly.
const Header = "X-Claudine-Session"

// DefaultInactivityTimeout is how long an unused session survives.
const DefaultInactivityTimeout = 30 * time.Minute

// Session is one client conversation.
type Session struct {
	ID string
	// UpstreamID is the identity presented upstream, stable for the session's lifetime.
	UpstreamID string
	CreatedAt  time.Time
	LastUsed   time.Time
	Turns      int
}

func (s Session) expired(now time.Time, timeout time.Duration) bool {
	return timeout > 0 && now.Sub(s.LastUsed) >= timeout
}

// KeyFrom picks the session key for a request: the explicit header first, then the client's
// metadata user id. An empty result means the request gets a fresh session.
func KeyFrom(header http.Header, userID string) string {
	if key := strings.TrimSpace(header.Get(Header)); key != "" {
		return key
	}
	return strings.TrimSpace(userID)
}

// Registry hands out sessions by key. Concurrent first requests for the same key share a
// single creation.
type Registry struct {
	store   Store
	timeout time.Duration
	now     func() time.Time

	group singleflight.Group
}

// Option configures a Registry.
type Option func(*Registry)

// WithInactivityTimeout sets how long an unused session survives. Zero disables expiry.
func WithInactivityTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry backed by store.
func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:   store,
		timeout: DefaultInactivityTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire returns the live session for key, creating it when it is missing or expired, and
// records the use. An empty key always yields a new session.
func (r *Registry) Acquire(ctx context.Context, key string) (Session, error) {
	if key == "" {
		key = uuid.NewString()
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		s, err := r.store.Get(ctx, key)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return Session{}, fmt.Errorf("load session: %w", err)
		case !s.expired(r.now(), r.timeout):
			return s, nil
		default:
			slog.DebugContext(ctx, "session expired, starting a new one", "session_id", key)
		}

		now := r.now()
		s = Session{ID: key, UpstreamID: upstreamID(key), CreatedAt: now, LastUsed: now}
		if err := r.store.Put(ctx, s); err != nil {
			return Session{}, fmt.Errorf("save session: %w", err)
		}
		return s, nil
	})
	if err != nil {
		return Session{}, err
	}
	return r.Touch(ctx, v.(Session).ID)
}

// Touch marks a session as used and counts the turn.
func (r *Registry) Touch(ctx context.Context, key string) (Session, error) {
	s, err := r.store.Get(ctx, key)
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	s.LastUsed = r.now()
	s.Turns++
	if err := r.store.Put(ctx, s); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}
	return s, nil
}

// Sweep evicts expired sessions every interval until ctx is done.
func (r *Registry) Sweep(ctx context.Context, interval time.Duration) error {
	if r.timeout <= 0 || interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := r.evict(ctx)
			if err != nil {
				slog.WarnContext(ctx, "session sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.DebugContext(ctx, "evicted expired sessions", "count", n)
			}
		}
	}
}

func (r *Registry) evict(ctx context.Context) (int, error) {
	sessions, err := r.store.List(ctx)
	if err != nil {
		return 0, err
	}
	now := r.now()
	evicted := 0
	for _, s := range sessions {
		if !s.expired(now, r.timeout) {
			continue
		}
		if err := r.store.Delete(ctx, s.ID); err != nil {
			return evicted, err
		}
		evicted++
	}
	return evicted, nil
}

// upstreamID derives the identity sent as metadata.user_id. The hashed key keeps client
// supplied identifiers from leaking upstream.
func upstreamID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "user_" + hex.EncodeToString(sum[:]) + "_account__session_" + uuid.NewString()
}
