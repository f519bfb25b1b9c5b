package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"pastabin/svc/util"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	maxSecretLength = 1024
	sealScheme      = "argon2id-xc20p"
	saltLen         = 16
	keyLen          = chacha20poly1305.KeySize
)

var (
	ErrSecretTooLong = errors.New("secret too long")
	ErrMalformedSeal = errors.New("malformed sealed key")
	ErrBusy          = errors.New("sealer busy")
	ErrSealCost      = errors.New("sealed key exceeds configured argon2 cost")
)

// Sealer wraps a pasta token under a key derived from the record secret.
// The sealed string is what lands in the encrypted_key column.
type Sealer struct {
	time    uint32
	memory  uint32
	threads uint8
	slots   chan struct{}
}

func NewSealer(time, memory uint32, threads uint8, workers int) (*Sealer, error) {
	if time == 0 || time > 100 {
		return nil, errors.New("iterations must be between 1 and 100")
	}
	if memory < 8*1024 || memory > 2*1024*1024 {
		return nil, errors.New("memory must be between 8192 and 2097152 KiB")
	}
	if threads == 0 || threads > 128 {
		return nil, errors.New("parallelism must be between 1 and 128")
	}
	if workers <= 0 {
		workers = 4
	}
	return &Sealer{time: time, memory: memory, threads: threads, slots: make(chan struct{}, workers)}, nil
}

// acquire bounds concurrent argon2 runs; each one holds memory KiB.
func (s *Sealer) acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrBusy
	}
}
func (s *Sealer) release() { <-s.slots }
func (s *Sealer) Seal(ctx context.Context, secret, plaintext string) (string, error) {
	if len(secret) > maxSecretLength {
		return "", ErrSecretTooLong
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.Wrap(err, "rand salt")
	}
	if err := s.acquire(ctx); err != nil {
		return "", err
	}
	key := s.derive(secret, salt, s.time, s.memory, s.threads)
	s.release()
	defer util.Wipe(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", errors.Wrap(err, "aead init")
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "rand nonce")
	}
	ct := aead.Seal(nonce, nonce, []byte(plaintext), []byte(sealScheme))
	return fmt.Sprintf("$%s$m=%d,t=%d,p=%d$%s$%s", sealScheme, s.memory, s.time, s.threads,
		base64.RawStdEncoding.EncodeToString(salt), base64.RawStdEncoding.EncodeToString(ct)), nil
}
func (s *Sealer) Open(ctx context.Context, secret, sealed string) (string, error) {
	if len(secret) > maxSecretLength {
		return "", ErrSecretTooLong
	}
	parts := strings.Split(sealed, "$")
	if len(parts) != 5 || parts[0] != "" || parts[1] != sealScheme {
		return "", ErrMalformedSeal
	}
	var mem, t uint32
	var p uint8
	if _, err := fmt.Sscanf(parts[2], "m=%d,t=%d,p=%d", &mem, &t, &p); err != nil {
		return "", ErrMalformedSeal
	}
	if err := s.checkCost(mem, t, p); err != nil {
		return "", err
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil || len(salt) != saltLen {
		return "", ErrMalformedSeal
	}
	ct, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(ct) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return "", ErrMalformedSeal
	}
	if err := s.acquire(ctx); err != nil {
		return "", err
	}
	key := s.derive(secret, salt, t, mem, p)
	s.release()
	defer util.Wipe(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", errors.Wrap(err, "aead init")
	}
	nonce, body := ct[:aead.NonceSize()], ct[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, body, []byte(sealScheme))
	if err != nil {
		return "", errors.Wrap(err, "unseal")
	}
	return string(pt), nil
}

// checkCost refuses seals that ask for more work than this sealer would do
// itself, so a stored key cannot set the price of every check against it.
func (s *Sealer) checkCost(mem, t uint32, p uint8) error {
	if mem == 0 || t == 0 || p == 0 {
		return ErrMalformedSeal
	}
	if mem > s.memory || t > s.time || p > s.threads {
		return ErrSealCost
	}
	return nil
}

// Verify reports whether secret unseals sealed to exactly want.
func (s *Sealer) Verify(ctx context.Context, secret, sealed, want string) bool {
	got, err := s.Open(ctx, secret, sealed)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
func (s *Sealer) derive(secret string, salt []byte, t, mem uint32, p uint8) []byte {
	b := []byte(secret)
	defer util.Wipe(b)
	return argon2.IDKey(b, salt, t, mem, p, keyLen)
}
