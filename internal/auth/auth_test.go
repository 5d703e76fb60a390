package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestNewTokenManagerRejectsShortSecret(t *testing.T) {
	if _, err := NewTokenManager([]byte("short")); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	m, err := NewTokenManager(testSecret)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	want := Claims{UserID: 42, Username: "alice", IsAdmin: true}
	raw, err := m.Issue(want)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	got, err := m.Verify(raw)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != want {
		t.Fatalf("claims = %+v, want %+v", got, want)
	}
}

func TestTokenExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	m, err := NewTokenManager(testSecret, WithTokenTTL(time.Hour), WithClock(clock))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	raw, err := m.Issue(Claims{UserID: 7, Username: "bob"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := m.Verify(raw); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestTokenTamperDetected(t *testing.T) {
	m, err := NewTokenManager(testSecret)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	raw, err := m.Issue(Claims{UserID: 7, Username: "bob"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	parts := strings.Split(raw, ".")
	parts[1] = strings.Map(func(r rune) rune {
		if r == 'a' {
			return 'b'
		}
		return r
	}, parts[1])
	if _, err := m.Verify(strings.Join(parts, ".")); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestTokenWrongSecretRejected(t *testing.T) {
	m1, err := NewTokenManager(testSecret)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	m2, err := NewTokenManager([]byte("ffffffffffffffffffffffffffffffff"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	raw, err := m1.Issue(Claims{UserID: 7, Username: "bob"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m2.Verify(raw); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestPasswordHashVerify(t *testing.T) {
	hash, err := HashPassword("s3cret-passphrase")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Fatalf("unexpected hash encoding: %q", hash)
	}

	if err := VerifyPassword(hash, "s3cret-passphrase"); err != nil {
		t.Errorf("correct password rejected: %v", err)
	}
	if err := VerifyPassword(hash, "wrong"); !errors.Is(err, ErrPasswordMismatch) {
		t.Errorf("expected ErrPasswordMismatch, got %v", err)
	}
}

func TestPasswordHashesAreSalted(t *testing.T) {
	h1, err := HashPassword("same")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := HashPassword("same")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 == h2 {
		t.Fatal("two hashes of the same password must differ")
	}
}

func TestVerifyPasswordMalformedHash(t *testing.T) {
	for _, hash := range []string{
		"",
		"plainhash",
		"$bcrypt$whatever",
		"$argon2id$v=19$m=65536,t=1,p=4$notbase64!!$notbase64!!",
	} {
		if err := VerifyPassword(hash, "x"); err == nil || errors.Is(err, ErrPasswordMismatch) {
			t.Errorf("hash %q: expected malformed-hash error, got %v", hash, err)
		}
	}
}
