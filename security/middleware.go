package security

import (
	"context"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"

	"github.com/vitalbase/vitalbase/fhir"
	"github.com/vitalbase/vitalbase/repo"
)

// claimsContextKey is where verified claims live on the request context.
const claimsContextKey = "access-claims"

// Validator verifies a bearer token and returns its claims. Both the HS256
// token service and the OIDC provider satisfy it.
type Validator interface {
	Validate(ctx context.Context, rawToken string) (*AccessClaims, error)
}

// hs256Validator adapts TokenService to the Validator interface.
type hs256Validator struct{ service *TokenService }

func (v hs256Validator) Validate(_ context.Context, rawToken string) (*AccessClaims, error) {
	return v.service.ValidateToken(rawToken)
}

// HS256Validator wraps the shared-secret token service.
func HS256Validator(service *TokenService) Validator {
	return hs256Validator{service: service}
}

// oidcValidator adapts OIDCProvider to the Validator interface.
type oidcValidator struct{ provider *OIDCProvider }

func (v oidcValidator) Validate(ctx context.Context, rawToken string) (*AccessClaims, error) {
	return v.provider.ValidateToken(ctx, rawToken)
}

// OIDCValidator wraps the issuer-backed verifier.
func OIDCValidator(provider *OIDCProvider) Validator {
	return oidcValidator{provider: provider}
}

// Middleware returns the bearer-token authentication middleware. A nil
// validator disables authentication and grants every request the
// unrestricted system scope.
func Middleware(validator Validator) echo.MiddlewareFunc {
	if validator == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				c.Set(claimsContextKey, (*AccessClaims)(nil))
				return next(c)
			}
		}
	}
	return echojwt.WithConfig(echojwt.Config{
		ContextKey: claimsContextKey,
		ParseTokenFunc: func(c echo.Context, auth string) (interface{}, error) {
			claims, err := validator.Validate(c.Request().Context(), auth)
			if err != nil {
				return nil, err
			}
			return claims, nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			status, outcome := fhir.OutcomeOf(fhir.Unauthenticated("missing or invalid bearer token"))
			return c.JSON(status, outcome)
		},
	})
}

// ScopeFrom returns the repository scope granted to the request. Requests
// that passed a disabled or absent authentication layer get the system
// scope.
func ScopeFrom(c echo.Context) repo.Scope {
	claims, _ := c.Get(claimsContextKey).(*AccessClaims)
	return claims.Scope()
}

// ClaimsFrom exposes the raw claims for handlers that need the actor.
func ClaimsFrom(c echo.Context) *AccessClaims {
	claims, _ := c.Get(claimsContextKey).(*AccessClaims)
	return claims
}
