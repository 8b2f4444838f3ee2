// Package handoff carries an authenticated identity to the downstream catalog
// application. Instead of a bare user id the redirect target carries a
// short-lived HS256 token that the downstream verifies with the shared secret.
package handoff

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"museum-auth/internal/domain"
)

const (
	issuerName = "museum-auth"
	tokenParam = "token"
)

var (
	ErrInvalidToken = errors.New("invalid handoff token")
	ErrTokenReused  = errors.New("handoff token already used")
)

// Claims is the payload of a handoff token. The subject holds the user id.
type Claims struct {
	jwt.RegisteredClaims
	Role domain.Role `json:"role"`
}

// UserID parses the subject claim.
func (c *Claims) UserID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidToken
	}
	return id, nil
}

type Config struct {
	Secret   []byte
	TTL      time.Duration
	Audience string
	// Target is the downstream callback URL the token is appended to.
	Target string
}

type Issuer struct {
	cfg    Config
	target *url.URL
	now    func() time.Time
}

func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("handoff secret is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	target, err := url.Parse(cfg.Target)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid handoff target %q", cfg.Target)
	}
	return &Issuer{cfg: cfg, target: target, now: time.Now}, nil
}

// Token signs a handoff token for userID.
func (i *Issuer) Token(userID int64, role domain.Role) (string, error) {
	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuerName,
			Subject:   strconv.FormatInt(userID, 10),
			Audience:  jwt.ClaimStrings{i.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.cfg.TTL)),
			ID:        uuid.NewString(),
		},
		Role: role,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("sign handoff token: %w", err)
	}
	return signed, nil
}

// Target returns the downstream redirect locator for userID.
func (i *Issuer) Target(userID int64, role domain.Role) (string, error) {
	token, err := i.Token(userID, role)
	if err != nil {
		return "", err
	}
	u := *i.target
	q := u.Query()
	q.Set(tokenParam, token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Verifier checks handoff tokens and rejects each token id after first use.
type Verifier struct {
	secret   []byte
	audience string
	now      func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewVerifier(secret []byte, audience string) *Verifier {
	return &Verifier{
		secret:   secret,
		audience: audience,
		now:      time.Now,
		seen:     make(map[string]time.Time),
	}
}

func (v *Verifier) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if _, err := claims.UserID(); err != nil {
		return nil, err
	}
	if claims.ID == "" {
		return nil, ErrInvalidToken
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	for id, exp := range v.seen {
		if !exp.After(now) {
			delete(v.seen, id)
		}
	}
	if _, used := v.seen[claims.ID]; used {
		return nil, ErrTokenReused
	}
	v.seen[claims.ID] = claims.ExpiresAt.Time
	return claims, nil
}
