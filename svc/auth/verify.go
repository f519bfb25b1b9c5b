package auth

import (
	"context"
	"crypto/subtle"
	"pastabin/cfg"
)

// Verifier decides whether a caller-supplied secret unlocks a record.
type Verifier struct {
	sealer *Sealer
	admin  cfg.Secret
}

func NewVerifier(s *Sealer, admin cfg.Secret) *Verifier {
	return &Verifier{sealer: s, admin: admin}
}
func (v *Verifier) Sealer() *Sealer { return v.sealer }

// Check accepts the admin password for any record, otherwise the secret must
// unseal encryptedKey back to token. An empty secret never passes.
func (v *Verifier) Check(ctx context.Context, secret, encryptedKey, token string) bool {
	if secret == "" {
		return false
	}
	if admin := v.admin.Value(); admin != "" &&
		subtle.ConstantTimeCompare([]byte(secret), []byte(admin)) == 1 {
		return true
	}
	if encryptedKey == "" {
		return false
	}
	return v.sealer.Verify(ctx, secret, encryptedKey, token)
}
