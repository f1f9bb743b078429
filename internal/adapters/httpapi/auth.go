package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"labflow/pkg/domain"
)

// ErrUnauthenticated is returned when a request carries no usable identity.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator derives the calling actor from a request.
type Authenticator interface {
	Authenticate(r *http.Request) (domain.Actor, error)
}

// Claims is the JWT payload accepted by JWTAuthenticator.
type Claims struct {
	Name     string `json:"name,omitempty"`
	Role     string `json:"role"`
	CenterID string `json:"center_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies HS256 bearer tokens.
type JWTAuthenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTAuthenticator verifies tokens signed with secret. A non-empty issuer
// must match the iss claim.
func NewJWTAuthenticator(secret, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (domain.Actor, error) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return domain.Actor{}, fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now)}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	return actorFrom(claims.Subject, claims.Name, claims.Role, claims.CenterID)
}

// Issue signs a token for actor valid for ttl.
func (a *JWTAuthenticator) Issue(actor domain.Actor, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		Name:     actor.Name,
		Role:     string(actor.Role),
		CenterID: actor.CenterID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// HeaderAuthenticator trusts X-Actor-* headers. It is meant for development
// and for deployments behind an authenticating proxy.
type HeaderAuthenticator struct{}

// Authenticate implements Authenticator.
func (HeaderAuthenticator) Authenticate(r *http.Request) (domain.Actor, error) {
	return actorFrom(r.Header.Get("X-Actor-ID"), r.Header.Get("X-Actor-Name"), r.Header.Get("X-Actor-Role"), r.Header.Get("X-Center-ID"))
}

func actorFrom(id, name, role, center string) (domain.Actor, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Actor{}, fmt.Errorf("%w: missing subject", ErrUnauthenticated)
	}
	parsed, err := domain.ParseRole(role)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	return domain.Actor{ID: id, Name: name, Role: parsed, CenterID: center}, nil
}
