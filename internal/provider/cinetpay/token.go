package cinetpay

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// tokenTTL is how long CinetPay transfer tokens stay valid. The provider
// documents roughly five minutes; the margin keeps us from sending a token
// that expires mid-request.
const (
	tokenTTL    = 5 * time.Minute
	tokenMargin = 30 * time.Second
)

// tokenCache holds the short-lived bearer token shared by the scheduler and
// ad-hoc approval dispatch calls. Concurrent callers needing a refresh share
// a single in-flight login via singleflight instead of each hitting the
// provider.
type tokenCache struct {
	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	group singleflight.Group
	login func(ctx context.Context) (string, error)
}

func newTokenCache(login func(ctx context.Context) (string, error)) *tokenCache {
	return &tokenCache{login: login}
}

// Token returns a cached token, refreshing through a shared single flight
// when it is missing or about to expire.
func (c *tokenCache) Token(ctx context.Context) (string, error) {
	c.mu.RLock()
	token, expiresAt := c.token, c.expiresAt
	c.mu.RUnlock()

	if token != "" && time.Until(expiresAt) > tokenMargin {
		return token, nil
	}

	v, err, _ := c.group.Do("login", func() (interface{}, error) {
		// Another caller may have refreshed while we waited on the flight.
		c.mu.RLock()
		token, expiresAt := c.token, c.expiresAt
		c.mu.RUnlock()
		if token != "" && time.Until(expiresAt) > tokenMargin {
			return token, nil
		}

		fresh, err := c.login(ctx)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.token = fresh
		c.expiresAt = time.Now().Add(tokenTTL)
		c.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token, forcing the next caller to log in again.
func (c *tokenCache) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}
