package workflow

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/docflow-ai/platform/pkg/common/models"
)

var (
	ErrTokenMalformed = errors.New("malformed file access token")
	ErrTokenSignature = errors.New("file access token signature mismatch")
	ErrTokenExpired   = errors.New("file access token expired")
)

// TokenSigner issues and validates the short-lived tokens that let the
// workflow engine fetch process files. Tokens are stateless; expiry is the
// only defense.
type TokenSigner struct {
	secret  []byte
	ttl     time.Duration
	nowFunc func() time.Time
}

func NewTokenSigner(secret string, ttl time.Duration) *TokenSigner {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenSigner{
		secret:  []byte(secret),
		ttl:     ttl,
		nowFunc: time.Now,
	}
}

// GenerateFileAccessToken returns base64(claims json) + "." + hex hmac over
// the base64 part.
func (s *TokenSigner) GenerateFileAccessToken(processID, attachmentID int64) (string, error) {
	claims := models.FileTokenClaims{
		ProcessID:    processID,
		AttachmentID: attachmentID,
		Expires:      s.nowFunc().Add(s.ttl).Unix(),
	}

	raw, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	payload := base64.RawURLEncoding.EncodeToString(raw)
	return payload + "." + s.sign(payload), nil
}

// ValidateFileAccessToken verifies the signature in constant time and checks
// expiry, returning the decoded claims.
func (s *TokenSigner) ValidateFileAccessToken(token string) (models.FileTokenClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return models.FileTokenClaims{}, ErrTokenMalformed
	}

	payload, signature := parts[0], parts[1]
	if !hmac.Equal([]byte(s.sign(payload)), []byte(signature)) {
		return models.FileTokenClaims{}, ErrTokenSignature
	}

	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return models.FileTokenClaims{}, ErrTokenMalformed
	}

	var claims models.FileTokenClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return models.FileTokenClaims{}, ErrTokenMalformed
	}
	if claims.Expires == 0 || claims.Expires <= s.nowFunc().Unix() {
		return models.FileTokenClaims{}, ErrTokenExpired
	}
	return claims, nil
}

func (s *TokenSigner) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
