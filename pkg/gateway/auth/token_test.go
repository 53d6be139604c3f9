package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/medichain/platform/pkg/common/models"
)

func TestTokenRoundTrip(t *testing.T) {
	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	manager, err := NewTokenManager("0123456789abcdef0123", "medichain", time.Hour)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	manager.WithClock(func() time.Time { return now })

	token, err := manager.Issue("DOC-1", models.RoleDoctor)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := manager.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "DOC-1" || claims.Role != models.RoleDoctor {
		t.Fatalf("claims %+v", claims)
	}
}

func TestTokenExpiry(t *testing.T) {
	now := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	manager, err := NewTokenManager("0123456789abcdef0123", "medichain", time.Minute)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	manager.WithClock(func() time.Time { return now })

	token, err := manager.Issue("DOC-1", models.RoleDoctor)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	manager.WithClock(func() time.Time { return now.Add(2 * time.Minute) })
	if _, err := manager.Verify(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("got %v, want ErrTokenExpired", err)
	}
}

func TestTokenTamperRejected(t *testing.T) {
	manager, err := NewTokenManager("0123456789abcdef0123", "medichain", time.Hour)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	token, err := manager.Issue("DOC-1", models.RoleDoctor)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	mutated := token[:len(token)-2] + "xx"
	if _, err := manager.Verify(mutated); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("got %v, want ErrInvalidToken", err)
	}

	other, err := NewTokenManager("a-different-secret-key", "medichain", time.Hour)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if _, err := other.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("cross-key verify: got %v", err)
	}
}

func TestTokenSecretLength(t *testing.T) {
	if _, err := NewTokenManager("short", "medichain", time.Hour); err == nil {
		t.Fatal("expected error for short secret")
	}
}
