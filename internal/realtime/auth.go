package realtime

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/procurenet/notify-engine/internal/domain"
)

// TokenAuthenticator verifies socket tokens of the form
// base64url(recipientID).base64url(hmac-sha256(recipientID)). The signing
// secret is shared with whatever issues the tokens.
type TokenAuthenticator struct {
	secret []byte
}

func NewTokenAuthenticator(secret string) (*TokenAuthenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("auth secret is required")
	}
	return &TokenAuthenticator{secret: []byte(secret)}, nil
}

func (a *TokenAuthenticator) sign(recipientID string) []byte {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(recipientID))
	return mac.Sum(nil)
}

// Mint issues a token for the recipient.
func (a *TokenAuthenticator) Mint(recipientID string) string {
	encode := base64.RawURLEncoding.EncodeToString
	return encode([]byte(recipientID)) + "." + encode(a.sign(recipientID))
}

// Verify returns the recipient id embedded in a valid token.
func (a *TokenAuthenticator) Verify(token string) (string, error) {
	idPart, sigPart, found := strings.Cut(token, ".")
	if !found {
		return "", fmt.Errorf("%w: malformed token", domain.ErrUnauthorized)
	}

	recipientID, err := base64.RawURLEncoding.DecodeString(idPart)
	if err != nil {
		return "", fmt.Errorf("%w: malformed token", domain.ErrUnauthorized)
	}
	signature, err := base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil {
		return "", fmt.Errorf("%w: malformed token", domain.ErrUnauthorized)
	}

	if !hmac.Equal(signature, a.sign(string(recipientID))) {
		return "", fmt.Errorf("%w: signature mismatch", domain.ErrUnauthorized)
	}
	if len(recipientID) == 0 {
		return "", fmt.Errorf("%w: empty recipient", domain.ErrUnauthorized)
	}
	return string(recipientID), nil
}
