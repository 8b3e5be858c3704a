package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/autofix/internal/config"
)

// Header names carrying the webhook resource and signature.
const (
	HeaderResource  = "X-Hook-Resource"
	HeaderSignature = "X-Hook-Signature"

	// Sentry integrations send the same values under vendor-prefixed names.
	HeaderSentryResource  = "Sentry-Hook-Resource"
	HeaderSentrySignature = "Sentry-Hook-Signature"
)

var (
	// ErrSecretNotConfigured means no shared secret is available to verify against.
	ErrSecretNotConfigured = errors.New("webhook secret not configured")

	// ErrMissingSignature means the request carried no signature header.
	ErrMissingSignature = errors.New("missing signature")

	// ErrInvalidSignature means the signature is malformed or does not match.
	ErrInvalidSignature = errors.New("invalid signature")
)

// AuthError reports a webhook that failed authentication.
type AuthError struct {
	Reason error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Reason)
}

func (e *AuthError) Unwrap() error {
	return e.Reason
}

// Verifier checks HMAC-SHA256 signatures over raw webhook bodies.
type Verifier struct {
	secret config.Secret
}

// NewVerifier creates a Verifier keyed with secret.
func NewVerifier(secret config.Secret) *Verifier {
	return &Verifier{secret: secret}
}

// Sign returns the lowercase hex HMAC-SHA256 of body.
func (v *Verifier) Sign(body []byte) string {
	return hex.EncodeToString(v.digest(body))
}

// Verify checks signature against the raw body bytes. It must run before
// the body is parsed.
func (v *Verifier) Verify(body []byte, signature string) error {
	if !v.secret.IsSet() {
		return &AuthError{Reason: ErrSecretNotConfigured}
	}

	signature = strings.TrimSpace(signature)
	if signature == "" {
		return &AuthError{Reason: ErrMissingSignature}
	}

	decoded, err := hex.DecodeString(signature)
	if err != nil {
		return &AuthError{Reason: ErrInvalidSignature}
	}

	if subtle.ConstantTimeCompare(decoded, v.digest(body)) != 1 {
		return &AuthError{Reason: ErrInvalidSignature}
	}
	return nil
}

func (v *Verifier) digest(body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(v.secret.Value()))
	mac.Write(body)
	return mac.Sum(nil)
}
