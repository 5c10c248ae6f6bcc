package pesapal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// refreshSkew is the most a cached token is refreshed ahead of its expiry.
// Short-lived tokens refresh after four fifths of their lifetime instead.
const refreshSkew = 5 * time.Minute

// tokenRequestTimeout bounds a shared refresh independently of whichever caller started it.
const tokenRequestTimeout = 30 * time.Second

type tokenRequester interface {
	RequestAccessToken(ctx context.Context) (string, time.Time, error)
}

// TokenSource caches the provider bearer token and refreshes it once for all concurrent callers.
type TokenSource struct {
	requester tokenRequester
	now       func() time.Time

	mu        sync.Mutex
	token     string
	refreshAt time.Time

	group singleflight.Group
}

// NewTokenSource wraps a client with a shared token cache. now may be nil.
func NewTokenSource(requester tokenRequester, now func() time.Time) *TokenSource {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &TokenSource{requester: requester, now: now}
}

// refreshPoint returns when a token fetched at issuedAt and expiring at expiresAt goes stale.
func refreshPoint(issuedAt, expiresAt time.Time) time.Time {
	skew := refreshSkew
	if lifetime := expiresAt.Sub(issuedAt); lifetime/5 < skew {
		skew = lifetime / 5
	}
	if skew < 0 {
		skew = 0
	}
	return expiresAt.Add(-skew)
}

func (s *TokenSource) cached() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && s.now().Before(s.refreshAt) {
		return s.token, true
	}
	return "", false
}

// Token returns a cached token, refreshing it shortly before it expires.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	if token, ok := s.cached(); ok {
		return token, nil
	}

	ch := s.group.DoChan("token", func() (any, error) {
		// A concurrent caller may have refreshed while we waited.
		if token, ok := s.cached(); ok {
			return token, nil
		}

		// The refresh is shared, so one caller cancelling must not fail the rest.
		reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tokenRequestTimeout)
		defer cancel()

		issuedAt := s.now()
		fresh, exp, err := s.requester.RequestAccessToken(reqCtx)
		if err != nil {
			return "", err
		}
		s.mu.Lock()
		s.token, s.refreshAt = fresh, refreshPoint(issuedAt, exp)
		s.mu.Unlock()
		return fresh, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops the cached token so the next call fetches a new one.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.refreshAt = time.Time{}
	s.mu.Unlock()
}

// Gateway pairs a Client with a TokenSource and retries once when the token is rejected.
type Gateway struct {
	client *Client
	tokens *TokenSource
}

// NewGateway builds the authenticated provider gateway used by the reconciler.
func NewGateway(client *Client) *Gateway {
	return &Gateway{client: client, tokens: NewTokenSource(client, nil)}
}

// CreateOrder submits a checkout order.
func (g *Gateway) CreateOrder(ctx context.Context, order OrderRequest) (*OrderResponse, error) {
	var resp *OrderResponse
	err := g.withToken(ctx, func(token string) error {
		var callErr error
		resp, callErr = g.client.CreateOrder(ctx, token, order)
		return callErr
	})
	return resp, err
}

// GetStatus looks up an order by tracking id.
func (g *Gateway) GetStatus(ctx context.Context, trackingID string) (*TransactionStatus, error) {
	var resp *TransactionStatus
	err := g.withToken(ctx, func(token string) error {
		var callErr error
		resp, callErr = g.client.GetStatus(ctx, token, trackingID)
		return callErr
	})
	return resp, err
}

func (g *Gateway) withToken(ctx context.Context, call func(token string) error) error {
	token, err := g.tokens.Token(ctx)
	if err != nil {
		return err
	}
	err = call(token)
	if !isUnauthorized(err) {
		return err
	}

	g.tokens.Invalidate()
	token, err = g.tokens.Token(ctx)
	if err != nil {
		return err
	}
	err = call(token)
	if isUnauthorized(err) {
		var pErr *ProviderError
		errors.As(err, &pErr)
		return &AuthError{StatusCode: http.StatusUnauthorized, Message: pErr.Message}
	}
	return err
}

func isUnauthorized(err error) bool {
	var pErr *ProviderError
	return errors.As(err, &pErr) && pErr.StatusCode == http.StatusUnauthorized
}
