package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var testSecret = []byte("countersign-test-secret")

func TestIssueAndParseToken(t *testing.T) {
	claims := Claims{
		Sub:    "account:alice",
		Server: "http://store.test/v1",
		JTI:    "session_abc123",
		Exp:    time.Now().Add(time.Hour).Unix(),
	}

	token, err := IssueToken(testSecret, claims)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	parsed, err := ParseToken(testSecret, token)
	if err != nil {
		t.Fatalf("ParseToken failed: %v", err)
	}
	if parsed != claims {
		t.Errorf("claims round-trip mismatch: got %+v want %+v", parsed, claims)
	}
}

func TestParseTokenWrongSecret(t *testing.T) {
	token, err := IssueToken(testSecret, Claims{
		Sub: "account:alice", Server: "http://store.test/v1",
		JTI: "session_abc123", Exp: time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	if _, err := ParseToken([]byte("other-secret"), token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseTokenTamperedPayload(t *testing.T) {
	token, err := IssueToken(testSecret, Claims{
		Sub: "account:alice", Server: "http://store.test/v1",
		JTI: "session_abc123", Exp: time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	parts := strings.Split(token, ".")
	tampered := parts[0] + "x." + parts[1]
	if _, err := ParseToken(testSecret, tampered); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseTokenExpired(t *testing.T) {
	token, err := IssueToken(testSecret, Claims{
		Sub: "account:alice", Server: "http://store.test/v1",
		JTI: "session_abc123", Exp: time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	if _, err := ParseToken(testSecret, token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseTokenMalformed(t *testing.T) {
	for _, token := range []string{"", "justonepart", "a.b.c", "!!!.###"} {
		if _, err := ParseToken(testSecret, token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("token %q: expected ErrInvalidToken, got %v", token, err)
		}
	}
}

func TestHashTokenStable(t *testing.T) {
	a := HashToken("some-token")
	b := HashToken("some-token")
	if a != b {
		t.Error("expected identical hashes for identical input")
	}
	if a == HashToken("other-token") {
		t.Error("expected distinct hashes for distinct input")
	}
}
