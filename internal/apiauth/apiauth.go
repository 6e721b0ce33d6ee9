// Package apiauth protects the progress gateway's HTTP endpoints: a
// TokenService issues and validates short-lived HS256 bearer tokens for
// service-to-service callers, and an OIDCVerifier validates ID tokens from
// an external identity provider for interactive callers, mirroring the
// teacher's api/jwt.go + security/oidc.go split between a self-issued
// token path and a federated-identity path.
package apiauth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
)

// Claims identifies the caller a bearer token was issued to.
type Claims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

// TokenService issues and validates HS256 bearer tokens scoped to the
// progress gateway, for trusted backends polling sync-job progress without
// going through the OIDC login flow.
type TokenService struct {
	secret     []byte
	expiration time.Duration
	issuer     string
}

// NewTokenService builds a TokenService around a shared signing secret.
func NewTokenService(secret string, expiration time.Duration) *TokenService {
	return &TokenService{secret: []byte(secret), expiration: expiration, issuer: "airweave-sync"}
}

// IssueToken mints a bearer token identifying subject (typically a
// collection ID or service account name).
func (s *TokenService) IssueToken(subject string) (string, error) {
	now := time.Now()
	claims := Claims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiration)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Middleware returns an echo middleware enforcing a valid bearer token
// signed by this TokenService, built on echojwt so it composes with the
// rest of the teacher's echo-based services.
func (s *TokenService) Middleware() echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:    s.secret,
		SigningMethod: "HS256",
		NewClaimsFunc: func(c echo.Context) jwt.Claims { return new(Claims) },
		TokenLookup:   "header:Authorization:Bearer ",
	})
}

// OIDCVerifier validates ID tokens issued by an external identity provider
// (Auth0, Keycloak, Google, Azure AD) for interactive callers of the
// progress gateway, grounded on the teacher's security/oidc.go.
type OIDCVerifier struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers issuerURL's OIDC configuration and prepares a
// verifier that checks tokens are issued to clientID.
func NewOIDCVerifier(ctx context.Context, issuerURL, clientID string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("apiauth: discovering oidc provider %s: %w", issuerURL, err)
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: clientID})
	return &OIDCVerifier{provider: provider, verifier: verifier}, nil
}

// Middleware returns an echo middleware that accepts a bearer ID token
// verified against the OIDC provider in place of a TokenService-issued one.
func (v *OIDCVerifier) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			raw := strings.TrimPrefix(header, "Bearer ")
			if raw == "" || raw == header {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			idToken, err := v.verifier.Verify(c.Request().Context(), raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, fmt.Sprintf("invalid id token: %v", err))
			}
			c.Set("oidc_subject", idToken.Subject)
			return next(c)
		}
	}
}
