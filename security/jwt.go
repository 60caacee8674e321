package security

import (
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/vitalbase/vitalbase/fhir"
)

// TokenService issues and validates HS256 access tokens carrying the
// project/policy/compartment claims.
type TokenService struct {
	secret []byte
}

func NewTokenService(secret string) *TokenService {
	return &TokenService{
		secret: []byte(secret),
	}
}

// IssueToken signs an access token for the claims, valid for the given
// duration.
func (s *TokenService) IssueToken(claims AccessClaims, expiration time.Duration) (string, error) {
	now := time.Now()

	builder := jwt.NewBuilder().
		Subject(claims.Subject).
		IssuedAt(now).
		Expiration(now.Add(expiration))
	if claims.Project != "" {
		builder = builder.Claim("project", claims.Project)
	}
	if claims.Policy != "" {
		builder = builder.Claim("policy", claims.Policy)
	}
	if claims.Compartment != "" {
		builder = builder.Claim("compartment", claims.Compartment)
	}
	token, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, s.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return string(signed), nil
}

// ValidateToken verifies the signature and validity window and extracts the
// access claims.
func (s *TokenService) ValidateToken(tokenString string) (*AccessClaims, error) {
	token, err := jwt.Parse([]byte(tokenString), jwt.WithKey(jwa.HS256, s.secret), jwt.WithValidate(true))
	if err != nil {
		return nil, fhir.Unauthenticated(fmt.Sprintf("failed to parse token: %v", err))
	}

	claims := &AccessClaims{Subject: token.Subject()}
	if v, ok := token.Get("project"); ok {
		claims.Project, _ = v.(string)
	}
	if v, ok := token.Get("policy"); ok {
		claims.Policy, _ = v.(string)
	}
	if v, ok := token.Get("compartment"); ok {
		claims.Compartment, _ = v.(string)
	}
	return claims, nil
}
