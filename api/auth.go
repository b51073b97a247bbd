package api

import (
	"errors"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

const DefaultJWKSCacheTTL = 15 * time.Minute

var (
	errMissingSub   = errors.New("missing sub")
	errMissingExp   = errors.New("missing exp")
	errBadAudience  = errors.New("invalid audience")
	errBadIssuer    = errors.New("invalid issuer")
	errNoJWKS       = errors.New("jwks not configured")
	errBadAlgorithm = errors.New("invalid signing method")
)

// AuthConfig configures token validation. A non-empty SharedSecret switches
// to HS256 tokens signed with that secret, for local development.
type AuthConfig struct {
	JWKS         *keyfunc.JWKS
	Audience     string
	Issuer       string
	SharedSecret []byte
	KeyCacheTTL  time.Duration
}

// Auth validates incoming JWT tokens.
type Auth struct {
	cfg    AuthConfig
	parser *jwt.Parser

	keyCache sync.Map
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates a new Auth instance.
func NewAuth(cfg AuthConfig) *Auth {
	alg := "RS256"
	if len(cfg.SharedSecret) > 0 {
		alg = "HS256"
	}
	return &Auth{cfg: cfg, parser: jwt.NewParser(jwt.WithValidMethods([]string{alg}))}
}

// UserIDFromAuthHeader extracts the user identifier from the Authorization header.
func (a *Auth) UserIDFromAuthHeader(h string) (string, error) {
	token, err := bearerToken(h)
	if err != nil {
		return "", err
	}
	return a.UserIDFromToken(token)
}

// UserIDFromToken validates a raw JWT and returns its subject.
func (a *Auth) UserIDFromToken(raw string) (string, error) {
	parsed, err := a.parser.Parse(raw, a.keyFor)
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}
	if _, ok := claims["exp"]; !ok {
		return "", errMissingExp
	}
	if a.cfg.Audience != "" && !claims.VerifyAudience(a.cfg.Audience, true) {
		return "", errBadAudience
	}
	if a.cfg.Issuer != "" && !claims.VerifyIssuer(a.cfg.Issuer, true) {
		return "", errBadIssuer
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", errMissingSub
	}
	return sub, nil
}

func (a *Auth) keyFor(token *jwt.Token) (any, error) {
	if len(a.cfg.SharedSecret) > 0 {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errBadAlgorithm
		}
		return a.cfg.SharedSecret, nil
	}
	if a.cfg.JWKS == nil {
		return nil, errNoJWKS
	}

	kid, _ := token.Header["kid"].(string)
	ttl := a.cfg.KeyCacheTTL
	if kid != "" && ttl > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.cfg.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}
	if kid != "" && ttl > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(ttl)})
	}
	return key, nil
}
