package svc

import (
	"context"
	"pastabin/metrics"
)

// Prompt paths, one per gated operation.
const (
	PathUpload        = "upload"
	PathRaw           = "raw"
	PathEditPrivate   = "edit_private"
	PathSecureFile    = "secure_file"
	PathRemovePrivate = "remove_private"
)

// Prompt describes the secret form a client should show for a record.
type Prompt struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	EncryptedKey  string `json:"encrypted_key"`
	EncryptClient bool   `json:"encrypt_client"`
	Path          string `json:"path"`
	ConfirmWord   string `json:"confirm_word,omitempty"`
	Message       string `json:"message,omitempty"`
}

// Prompt builds the descriptor for token after a sweep. ok is false when the
// token does not name a live record.
func (s *Pasta) Prompt(ctx context.Context, token, path, status string) (Prompt, bool) {
	p, ok := s.pastas.Lookup(ctx, token)
	if !ok {
		return Prompt{}, false
	}
	metrics.AuthPrompts.WithLabelValues(path).Inc()
	return Prompt{
		ID:            token,
		Status:        status,
		EncryptedKey:  p.EncryptedKey,
		EncryptClient: p.EncryptClient,
		Path:          path,
	}, true
}

// PathAdmin prompts for the admin password and is not tied to a record.
const PathAdmin = "admin"

func AdminPrompt(status string) Prompt {
	metrics.AuthPrompts.WithLabelValues(PathAdmin).Inc()
	return Prompt{Status: status, Path: PathAdmin}
}
