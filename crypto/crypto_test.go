package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewSealer(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		errorMsg string
	}{
		{name: "empty key", key: "", errorMsg: "encryption key is empty"},
		{name: "invalid base64", key: "not-valid-base64!@#$", errorMsg: "base64 decode failed"},
		{name: "key too short", key: base64.StdEncoding.EncodeToString(make([]byte, 16)), errorMsg: "must be 32 bytes"},
		{name: "key too long", key: base64.StdEncoding.EncodeToString(make([]byte, 64)), errorMsg: "must be 32 bytes"},
		{name: "valid 32-byte key", key: base64.StdEncoding.EncodeToString(make([]byte, 32))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSealer(tt.key)
			if tt.errorMsg != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
					t.Fatalf("NewSealer() error = %v, want containing %q", err, tt.errorMsg)
				}
				return
			}
			if err != nil || s == nil {
				t.Fatalf("NewSealer() = %v, %v", s, err)
			}
		})
	}
}

func TestSealOpen(t *testing.T) {
	s, err := NewSealer(testKey(t))
	if err != nil {
		t.Fatal(err)
	}

	sealed, err := s.Seal("access_token", "oauth-secret")
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	if strings.Contains(sealed, "oauth-secret") {
		t.Fatal("sealed value contains plaintext")
	}
	again, _ := s.Seal("access_token", "oauth-secret")
	if again == sealed {
		t.Error("two seals of the same value are identical; nonce reused")
	}

	got, err := s.Open("access_token", sealed)
	if err != nil || got != "oauth-secret" {
		t.Fatalf("Open() = %q, %v", got, err)
	}
}

func TestOpenRejectsWrongLabelAndTampering(t *testing.T) {
	s, err := NewSealer(testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	sealed, _ := s.Seal("access_token", "value")

	if _, err := s.Open("refresh_token", sealed); !errors.Is(err, ErrOpen) {
		t.Errorf("Open(wrong label) error = %v, want ErrOpen", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0xff
	if _, err := s.Open("access_token", base64.StdEncoding.EncodeToString(raw)); !errors.Is(err, ErrOpen) {
		t.Errorf("Open(tampered) error = %v, want ErrOpen", err)
	}

	other, _ := NewSealer(testKey(t))
	if _, err := other.Open("access_token", sealed); !errors.Is(err, ErrOpen) {
		t.Errorf("Open(other key) error = %v, want ErrOpen", err)
	}

	if _, err := s.Open("access_token", "AAAA"); err == nil {
		t.Error("Open(short) succeeded")
	}
	if _, err := s.Open("access_token", "%%%"); err == nil {
		t.Error("Open(bad base64) succeeded")
	}
}

func TestEmptyValues(t *testing.T) {
	s, _ := NewSealer(testKey(t))
	if v, err := s.Seal("x", ""); v != "" || err != nil {
		t.Errorf("Seal(empty) = %q, %v", v, err)
	}
	if v, err := s.Open("x", ""); v != "" || err != nil {
		t.Errorf("Open(empty) = %q, %v", v, err)
	}
}
