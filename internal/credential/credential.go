package credential

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

var ErrEmptyToken = errors.New("credential: empty token")

// Credential is an opaque bearer token. It never prints its value.
type Credential struct {
	token string
}

func New(token string) (Credential, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Credential{}, ErrEmptyToken
	}
	return Credential{token: token}, nil
}

func (c Credential) Valid() bool {
	return c.token != ""
}

func (c Credential) String() string {
	if c.token == "" {
		return "<none>"
	}
	return "<redacted>"
}

func (c Credential) GoString() string {
	return c.String()
}

// Session is the result of a successful authentication. A session is never
// reused after the coordinator that created it stops.
type Session struct {
	ID          string
	Established time.Time
	tokens      oauth2.TokenSource
}

// NewSession binds a fresh session id to cred.
func NewSession(cred Credential, now time.Time) Session {
	return Session{
		ID:          newSessionID(),
		Established: now,
		tokens:      oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred.token, TokenType: "Bearer"}),
	}
}

func (s Session) Valid() bool {
	return s.ID != "" && s.tokens != nil
}

// TokenSource yields the bearer token for requests made under this session.
func (s Session) TokenSource() oauth2.TokenSource {
	return s.tokens
}

func newSessionID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return time.Now().Format("20060102150405.000000000")
	}
	return hex.EncodeToString(buf[:])
}
