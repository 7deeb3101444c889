package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

var (
	ErrInvalidProof = errors.New("invalid session proof")
	ErrEmptySecret  = errors.New("session secret must not be empty")
)

// Verifier validates session proofs issued by the identity provider.
// A proof is an HMAC-SHA256 over the userId with a shared secret, so a
// caller can only resolve arbitration for the identity it authenticated as.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier with the shared session secret.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Issue produces the proof string binding to userID.
func (v *Verifier) Issue(userID string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(userID))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks that proof binds to userID. Comparison is constant-time.
func (v *Verifier) Verify(userID, proof string) error {
	decoded, err := base64.StdEncoding.DecodeString(proof)
	if err != nil {
		return ErrInvalidProof
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(userID))
	if !hmac.Equal(decoded, mac.Sum(nil)) {
		return ErrInvalidProof
	}

	return nil
}
