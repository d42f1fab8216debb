package security

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/odin-rt/core/rterr"
)

// Session is what a successful Authenticate call returns, per §4.2.
type Session struct {
	UserID      string
	ExpiresAt   time.Time
	Permissions []string
}

// Authenticator validates an opaque token into a Session. §6 names three
// modes: none, jwt{secret, algorithm}, custom.
type Authenticator interface {
	Authenticate(token string) (*Session, error)
	// Blacklist marks a token as revoked. Additive-only within a process
	// (§4.2): once blacklisted, a token never becomes valid again without
	// a process restart.
	Blacklist(token string)
}

// NoneAuthenticator accepts every token as an anonymous session — the
// security.auth = none configuration.
type NoneAuthenticator struct{}

func (NoneAuthenticator) Authenticate(token string) (*Session, error) {
	return &Session{UserID: "anonymous", ExpiresAt: time.Now().Add(24 * time.Hour)}, nil
}
func (NoneAuthenticator) Blacklist(string) {}

// JWTAuthenticator validates tokens signed with a shared secret, backing
// security.auth.jwt{secret, algorithm}. Grounded on the golang-jwt/jwt/v5
// usage in the sibling adred-codev-ws_poc/go-server module of the same
// retrieval pack (this module's own "ws" teacher doesn't do auth at all).
type JWTAuthenticator struct {
	secret    []byte
	algorithm string

	mu          sync.RWMutex
	blacklisted map[string]struct{}
}

// NewJWTAuthenticator builds a JWT authenticator. algorithm must name a
// jwt.SigningMethod registered with the library (e.g. "HS256").
func NewJWTAuthenticator(secret []byte, algorithm string) *JWTAuthenticator {
	return &JWTAuthenticator{
		secret:      secret,
		algorithm:   algorithm,
		blacklisted: make(map[string]struct{}),
	}
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Permissions []string `json:"permissions"`
}

func (a *JWTAuthenticator) Authenticate(token string) (*Session, error) {
	a.mu.RLock()
	_, blacklisted := a.blacklisted[token]
	a.mu.RUnlock()
	if blacklisted {
		return nil, rterr.AuthError("TokenBlacklisted")
	}

	claims := &jwtClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != a.algorithm {
			return nil, rterr.ProtocolError("unexpected signing algorithm")
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, rterr.AuthError("TokenExpired")
		}
		return nil, rterr.AuthError("InvalidToken")
	}
	if !parsed.Valid {
		return nil, rterr.AuthError("InvalidToken")
	}
	if claims.Subject == "" {
		return nil, rterr.AuthError("SessionNotFound")
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	return &Session{
		UserID:      claims.Subject,
		ExpiresAt:   expiresAt,
		Permissions: claims.Permissions,
	}, nil
}

func (a *JWTAuthenticator) Blacklist(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blacklisted[token] = struct{}{}
}
