package apierr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	assert := assert.New(t)

	retryAt := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	auth := fmt.Errorf("authenticate: %w", &AuthError{Status: 401})
	transport := &TransportError{Op: "GET tunes/", Err: errors.New("connection reset")}
	limited := fmt.Errorf("fetch: %w", &RateLimitedError{Op: "GET tunes/", RetryAt: retryAt})
	parse := &ParseError{Op: "GET tunes/", Err: errors.New("unexpected token")}
	missing := &NotFoundError{Resource: "measurement"}

	assert.True(IsAuth(auth))
	assert.False(IsTransient(auth))

	assert.True(IsTransient(transport))
	assert.False(IsRateLimited(transport))

	assert.True(IsRateLimited(limited))
	assert.True(IsTransient(limited))
	assert.Equal(retryAt, RetryAt(limited))

	assert.True(IsParse(parse))
	assert.True(IsTransient(parse))

	assert.True(IsNotFound(missing))
	assert.False(IsTransient(missing))
	assert.True(RetryAt(missing).IsZero())
}

func TestErrorText(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("authentication rejected (status 403): token revoked", (&AuthError{Status: 403, Message: "token revoked"}).Error())
	assert.Equal("GET nodes: status 502: bad gateway", (&TransportError{Op: "GET nodes", Status: 502, Err: errors.New("bad gateway")}).Error())
	assert.Equal("node abc not found", (&NotFoundError{Resource: "node abc"}).Error())
}
