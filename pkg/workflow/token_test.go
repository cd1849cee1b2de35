package workflow

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestFileAccessTokenRoundTrip(t *testing.T) {
	signer := NewTokenSigner("test-secret", time.Hour)

	token, err := signer.GenerateFileAccessToken(42, 7)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(token, ".") {
		t.Fatalf("token missing signature separator: %q", token)
	}

	claims, err := signer.ValidateFileAccessToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.ProcessID != 42 || claims.AttachmentID != 7 {
		t.Errorf("claims = %+v, want process 42 attachment 7", claims)
	}
	if claims.Expires <= time.Now().Unix() {
		t.Errorf("expiry %d not in the future", claims.Expires)
	}
}

func TestFileAccessTokenExpiry(t *testing.T) {
	signer := NewTokenSigner("test-secret", time.Hour)

	issued := time.Now()
	signer.nowFunc = func() time.Time { return issued }
	token, err := signer.GenerateFileAccessToken(1, 1)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	signer.nowFunc = func() time.Time { return issued.Add(30 * time.Minute) }
	if _, err := signer.ValidateFileAccessToken(token); err != nil {
		t.Errorf("token rejected before expiry: %v", err)
	}

	signer.nowFunc = func() time.Time { return issued.Add(time.Hour + time.Second) }
	if _, err := signer.ValidateFileAccessToken(token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expired token error = %v, want ErrTokenExpired", err)
	}
}

func TestFileAccessTokenTamper(t *testing.T) {
	signer := NewTokenSigner("test-secret", time.Hour)

	token, err := signer.GenerateFileAccessToken(42, 7)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	parts := strings.SplitN(token, ".", 2)

	// Flip one character in the payload.
	payload := []byte(parts[0])
	if payload[0] == 'A' {
		payload[0] = 'B'
	} else {
		payload[0] = 'A'
	}
	if _, err := signer.ValidateFileAccessToken(string(payload) + "." + parts[1]); !errors.Is(err, ErrTokenSignature) {
		t.Errorf("tampered payload error = %v, want ErrTokenSignature", err)
	}

	// Flip one character in the signature.
	sig := []byte(parts[1])
	if sig[0] == 'a' {
		sig[0] = 'b'
	} else {
		sig[0] = 'a'
	}
	if _, err := signer.ValidateFileAccessToken(parts[0] + "." + string(sig)); !errors.Is(err, ErrTokenSignature) {
		t.Errorf("tampered signature error = %v, want ErrTokenSignature", err)
	}

	// Validation with a different secret must fail too.
	other := NewTokenSigner("other-secret", time.Hour)
	if _, err := other.ValidateFileAccessToken(token); !errors.Is(err, ErrTokenSignature) {
		t.Errorf("cross-secret validation error = %v, want ErrTokenSignature", err)
	}
}

func TestFileAccessTokenMalformed(t *testing.T) {
	signer := NewTokenSigner("test-secret", time.Hour)

	for _, token := range []string{"", "nodot", "a.b.c"} {
		if _, err := signer.ValidateFileAccessToken(token); !errors.Is(err, ErrTokenMalformed) {
			t.Errorf("ValidateFileAccessToken(%q) = %v, want ErrTokenMalformed", token, err)
		}
	}
}
