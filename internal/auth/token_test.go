package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Identity{UserID: "user-1", Name: "Avery", Color: "#f80"}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	id, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if id.UserID != "user-1" || id.Name != "Avery" || id.Color != "#f80" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Name: "Avery",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	signed, err := expired.SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseToken(secret, signed); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseTokenRejectsTampering(t *testing.T) {
	issued, _ := IssueToken([]byte("secret"), Identity{UserID: "user-1"}, time.Hour)
	if _, err := ParseToken([]byte("other"), issued); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", err)
	}
	if _, err := ParseToken([]byte("secret"), "not.a.token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
	}

	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"}})
	signed, _ := noExp.SignedString([]byte("secret"))
	if _, err := ParseToken([]byte("secret"), signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("tokens without expiry must be rejected, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/room/doc_1", nil)
	if _, err := BearerToken(r); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}

	r.Header.Set("Authorization", "Bearer abc")
	if tok, err := BearerToken(r); err != nil || tok != "abc" {
		t.Fatalf("header token = %q, %v", tok, err)
	}

	r.Header.Set("Authorization", "Basic abc")
	if _, err := BearerToken(r); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for basic auth, got %v", err)
	}

	q := httptest.NewRequest("GET", "/room/doc_1?access_token=xyz", nil)
	if tok, err := BearerToken(q); err != nil || tok != "xyz" {
		t.Fatalf("query token = %q, %v", tok, err)
	}
}
