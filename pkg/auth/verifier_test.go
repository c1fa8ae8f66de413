package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/roamly/accountd/pkg/domain"
)

const testClientID = "test-client-id"

func signTestToken(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("irrelevant"))
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func TestGoogleVerifier(t *testing.T) {
	verifier := NewGoogleVerifier(testClientID)
	now := time.Now()

	valid := GoogleClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    googleIssuer,
			Subject:   "google-sub-123",
			Audience:  jwt.ClaimStrings{testClientID},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Email:         "user@example.com",
		EmailVerified: true,
	}

	t.Run("valid token", func(t *testing.T) {
		subject, err := verifier.Verify(context.Background(), signTestToken(t, valid))
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if subject.Provider != domain.ProviderGoogle {
			t.Errorf("Provider = %q, want google", subject.Provider)
		}
		if subject.Subject != "google-sub-123" {
			t.Errorf("Subject = %q, want google-sub-123", subject.Subject)
		}
		if subject.Email == nil || *subject.Email != "user@example.com" {
			t.Errorf("Email = %v, want user@example.com", subject.Email)
		}
	})

	t.Run("alternate issuer", func(t *testing.T) {
		claims := valid
		claims.Issuer = googleIssuerAlt
		if _, err := verifier.Verify(context.Background(), signTestToken(t, claims)); err != nil {
			t.Errorf("Verify() error = %v, want bare-host issuer accepted", err)
		}
	})

	t.Run("unverified email omitted", func(t *testing.T) {
		claims := valid
		claims.EmailVerified = false
		subject, err := verifier.Verify(context.Background(), signTestToken(t, claims))
		if err != nil {
			t.Fatal(err)
		}
		if subject.Email != nil {
			t.Errorf("Email = %q, want nil for unverified email", *subject.Email)
		}
	})

	t.Run("wrong issuer", func(t *testing.T) {
		claims := valid
		claims.Issuer = "https://evil.example.com"
		if _, err := verifier.Verify(context.Background(), signTestToken(t, claims)); !errors.Is(err, domain.ErrUnauthenticated) {
			t.Errorf("error = %v, want ErrUnauthenticated", err)
		}
	})

	t.Run("wrong audience", func(t *testing.T) {
		claims := valid
		claims.Audience = jwt.ClaimStrings{"someone-elses-client"}
		if _, err := verifier.Verify(context.Background(), signTestToken(t, claims)); !errors.Is(err, domain.ErrUnauthenticated) {
			t.Errorf("error = %v, want ErrUnauthenticated", err)
		}
	})

	t.Run("expired token", func(t *testing.T) {
		claims := valid
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Hour))
		if _, err := verifier.Verify(context.Background(), signTestToken(t, claims)); !errors.Is(err, domain.ErrUnauthenticated) {
			t.Errorf("error = %v, want ErrUnauthenticated", err)
		}
	})

	t.Run("garbage assertion", func(t *testing.T) {
		if _, err := verifier.Verify(context.Background(), "not.a.jwt"); !errors.Is(err, domain.ErrUnauthenticated) {
			t.Errorf("error = %v, want ErrUnauthenticated", err)
		}
	})
}

func TestAppleVerifier(t *testing.T) {
	verifier := NewAppleVerifier(testClientID)
	now := time.Now()

	valid := AppleClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    appleIssuer,
			Subject:   "apple-sub-456",
			Audience:  jwt.ClaimStrings{testClientID},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Email: "user@privaterelay.appleid.com",
	}

	t.Run("valid token", func(t *testing.T) {
		subject, err := verifier.Verify(context.Background(), signTestToken(t, valid))
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if subject.Provider != domain.ProviderApple {
			t.Errorf("Provider = %q, want apple", subject.Provider)
		}
		if subject.Subject != "apple-sub-456" {
			t.Errorf("Subject = %q, want apple-sub-456", subject.Subject)
		}
	})

	t.Run("wrong issuer", func(t *testing.T) {
		claims := valid
		claims.Issuer = googleIssuer
		if _, err := verifier.Verify(context.Background(), signTestToken(t, claims)); !errors.Is(err, domain.ErrUnauthenticated) {
			t.Errorf("error = %v, want ErrUnauthenticated", err)
		}
	})

	t.Run("wrong audience", func(t *testing.T) {
		claims := valid
		claims.Audience = jwt.ClaimStrings{"other-bundle-id"}
		if _, err := verifier.Verify(context.Background(), signTestToken(t, claims)); !errors.Is(err, domain.ErrUnauthenticated) {
			t.Errorf("error = %v, want ErrUnauthenticated", err)
		}
	})
}

func TestVerifier_UnknownProvider(t *testing.T) {
	verifier := NewVerifier(nil, nil, nil)
	verifier.Register(domain.ProviderGoogle, NewGoogleVerifier(testClientID))

	_, err := verifier.Verify(context.Background(), domain.Credential{Provider: domain.ProviderApple})
	if !errors.Is(err, domain.ErrUnknownProvider) {
		t.Errorf("error = %v, want ErrUnknownProvider", err)
	}
}
