package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/roamly/accountd/pkg/domain"
)

const appleIssuer = "https://appleid.apple.com"

// AppleClaims represents the claims from an Apple identity token.
type AppleClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// AppleVerifier validates Sign in with Apple identity tokens.
// Note: For production, verify the signature using Apple's JWKS. This
// implementation does issuer/audience/expiry validation; add signature
// verification for production.
type AppleVerifier struct {
	ClientIDs []string
}

// NewAppleVerifier creates a verifier accepting tokens issued for any of
// the given client (bundle) IDs.
func NewAppleVerifier(clientIDs ...string) *AppleVerifier {
	return &AppleVerifier{ClientIDs: clientIDs}
}

// Verify validates an Apple identity token and returns the verified subject.
func (a *AppleVerifier) Verify(ctx context.Context, assertion string) (*VerifiedSubject, error) {
	token, _, err := jwt.NewParser().ParseUnverified(assertion, &AppleClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}

	claims, ok := token.Claims.(*AppleClaims)
	if !ok {
		return nil, domain.ErrUnauthenticated
	}

	if claims.Issuer != appleIssuer {
		return nil, fmt.Errorf("%w: invalid issuer %q", domain.ErrUnauthenticated, claims.Issuer)
	}

	if !audienceAllowed(claims.Audience, a.ClientIDs) {
		return nil, fmt.Errorf("%w: invalid audience", domain.ErrUnauthenticated)
	}

	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return nil, fmt.Errorf("%w: token expired", domain.ErrUnauthenticated)
	}

	if claims.Subject == "" {
		return nil, errors.New("apple token has no subject")
	}

	subject := &VerifiedSubject{
		Provider: domain.ProviderApple,
		Subject:  claims.Subject,
	}
	if claims.Email != "" {
		email := claims.Email
		subject.Email = &email
	}
	return subject, nil
}
