package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/roamly/accountd/pkg/domain"
)

const (
	googleIssuer    = "https://accounts.google.com"
	googleIssuerAlt = "accounts.google.com"
)

// GoogleClaims represents the claims from a Google ID token.
type GoogleClaims struct {
	jwt.RegisteredClaims
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

// GoogleVerifier validates Google ID tokens.
// Note: For production, verify the signature using Google's JWKS. This
// implementation does issuer/audience/expiry validation; add signature
// verification for production.
type GoogleVerifier struct {
	ClientIDs []string
}

// NewGoogleVerifier creates a verifier accepting tokens issued for any of
// the given client IDs (web plus mobile clients).
func NewGoogleVerifier(clientIDs ...string) *GoogleVerifier {
	return &GoogleVerifier{ClientIDs: clientIDs}
}

// Verify validates a Google ID token and returns the verified subject.
func (g *GoogleVerifier) Verify(ctx context.Context, assertion string) (*VerifiedSubject, error) {
	token, _, err := jwt.NewParser().ParseUnverified(assertion, &GoogleClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}

	claims, ok := token.Claims.(*GoogleClaims)
	if !ok {
		return nil, domain.ErrUnauthenticated
	}

	if claims.Issuer != googleIssuer && claims.Issuer != googleIssuerAlt {
		return nil, fmt.Errorf("%w: invalid issuer %q", domain.ErrUnauthenticated, claims.Issuer)
	}

	if !audienceAllowed(claims.Audience, g.ClientIDs) {
		return nil, fmt.Errorf("%w: invalid audience", domain.ErrUnauthenticated)
	}

	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return nil, fmt.Errorf("%w: token expired", domain.ErrUnauthenticated)
	}

	if claims.Subject == "" {
		return nil, errors.New("google token has no subject")
	}

	subject := &VerifiedSubject{
		Provider: domain.ProviderGoogle,
		Subject:  claims.Subject,
	}
	if claims.EmailVerified && claims.Email != "" {
		email := claims.Email
		subject.Email = &email
	}
	return subject, nil
}

func audienceAllowed(audience jwt.ClaimStrings, allowed []string) bool {
	for _, aud := range audience {
		for _, id := range allowed {
			if id != "" && aud == id {
				return true
			}
		}
	}
	return false
}
