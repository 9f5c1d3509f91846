package api

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid tenant token")

// TenantClaims is the payload of a tenant token.
type TenantClaims struct {
	Tenant string `json:"tenant"`
	gojwt.RegisteredClaims
}

// TenantResolver picks the scope of a new connection: a bearer token's
// tenant claim first, then the leftmost host label when it names a known
// tenant, else the default scope. A nil resolver always picks the default.
type TenantResolver struct {
	Secret []byte
	// Hosts lists tenants that may be selected by subdomain.
	Hosts map[string]bool
}

func NewTenantResolver(secret string, hostTenants []string) *TenantResolver {
	r := &TenantResolver{Hosts: map[string]bool{}}
	if secret != "" {
		r.Secret = []byte(secret)
	}
	for _, t := range hostTenants {
		if t != "" {
			r.Hosts[strings.ToLower(t)] = true
		}
	}
	return r
}

func (tr *TenantResolver) Resolve(r *http.Request) (string, error) {
	if tr == nil {
		return "", nil
	}
	if token := bearerToken(r); token != "" {
		return tr.Verify(token)
	}
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	label, _, found := strings.Cut(strings.ToLower(host), ".")
	if found && tr.Hosts[label] {
		return label, nil
	}
	return "", nil
}

// Verify checks an HS256 token and returns its tenant.
func (tr *TenantResolver) Verify(token string) (string, error) {
	if len(tr.Secret) == 0 {
		return "", fmt.Errorf("%w: tokens are not accepted", ErrInvalidToken)
	}
	claims := &TenantClaims{}
	_, err := gojwt.ParseWithClaims(token, claims, func(*gojwt.Token) (any, error) {
		return tr.Secret, nil
	}, gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Tenant == "" {
		return "", fmt.Errorf("%w: missing tenant claim", ErrInvalidToken)
	}
	return claims.Tenant, nil
}

// IssueToken signs a tenant token valid for ttl, or forever when ttl is 0.
func IssueToken(secret, tenant string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("tenant secret is not configured")
	}
	claims := TenantClaims{
		Tenant: tenant,
		RegisteredClaims: gojwt.RegisteredClaims{
			IssuedAt: gojwt.NewNumericDate(time.Now()),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = gojwt.NewNumericDate(time.Now().Add(ttl))
	}
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
