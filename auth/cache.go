package auth

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachingAuthorizer wraps another Authorizer with an LRU over
// (session, uri, action) decisions. Only decisions the inner authorizer
// marks Cache are stored. Errors are never cached.
//
// Cache keys include the session ID, so entries become unreachable when a
// session detaches and age out of the LRU naturally.
type CachingAuthorizer struct {
	inner Authorizer
	cache *lru.Cache[string, Authorization]
}

// NewCachingAuthorizer builds a caching wrapper holding up to size
// decisions.
func NewCachingAuthorizer(inner Authorizer, size int) (*CachingAuthorizer, error) {
	c, err := lru.New[string, Authorization](size)
	if err != nil {
		return nil, fmt.Errorf("create authorization cache: %w", err)
	}
	return &CachingAuthorizer{inner: inner, cache: c}, nil
}

func cacheKey(subject Subject, uri string, action Action) string {
	return fmt.Sprintf("%d|%s|%s|%s", subject.SessionID, action, subject.AuthRole, uri)
}

// Authorize implements Authorizer.
func (c *CachingAuthorizer) Authorize(ctx context.Context, subject Subject, uri string, action Action) (Authorization, error) {
	key := cacheKey(subject, uri, action)
	if dec, ok := c.cache.Get(key); ok {
		return dec, nil
	}
	dec, err := c.inner.Authorize(ctx, subject, uri, action)
	if err != nil {
		return Authorization{}, err
	}
	if dec.Cache {
		c.cache.Add(key, dec)
	}
	return dec, nil
}
