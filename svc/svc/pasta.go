package svc

import (
	"context"
	"os"
	"pastabin/metrics"
	"pastabin/pkg/access"
	"pastabin/pkg/domain"
	"pastabin/svc/auth"
	"pastabin/svc/cache"
	"pastabin/svc/util"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

type Result int

const (
	Found Result = iota
	NotFound
	NeedsAuth
)

func (r Result) String() string {
	switch r {
	case Found:
		return "found"
	case NotFound:
		return "not_found"
	case NeedsAuth:
		return "needs_auth"
	}
	return "unknown"
}

type RemoveResult int

const (
	Removed RemoveResult = iota
	RemoveNeedsAuth
	RemoveMismatch
	RemoveNotFound
)

var ErrShuttingDown = errors.New("service shutting down")

const submitRetries = 3

// Pasta is the operation surface handlers use. Secret checks run outside the
// cache lock; every mutation re-reads the record under it.
type Pasta struct {
	pastas      *cache.Pastas
	verifier    *auth.Verifier
	attachments string
	shutdown    atomic.Bool
	opWg        sync.WaitGroup
	// afterCheck runs between the secret check and the locked write.
	afterCheck func()
}

func NewPasta(p *cache.Pastas, v *auth.Verifier, attachmentsDir string) *Pasta {
	if p == nil || v == nil {
		panic("pasta service: nil dependency (pastas or verifier)")
	}
	s := &Pasta{pastas: p, verifier: v, attachments: attachmentsDir}
	p.OnEvict(s.cleanupAttachment)
	return s
}
func (s *Pasta) Pastas() *cache.Pastas { return s.pastas }
func (s *Pasta) Shutdown() {
	s.shutdown.Store(true)
	s.opWg.Wait()
	util.Debug().Msg("pasta service shutdown complete")
}
func (s *Pasta) begin() error {
	if s.shutdown.Load() {
		return ErrShuttingDown
	}
	s.opWg.Add(1)
	return nil
}

// checked reports whether cur still carries the flags and key the secret was
// verified against. A record changed in between needs a fresh check.
func (s *Pasta) checked(checkedAgainst, cur domain.Paste) error {
	if cur.Flags() != checkedAgainst.Flags() || cur.EncryptedKey != checkedAgainst.EncryptedKey {
		return domain.ErrAuthRequired
	}
	return nil
}
func (s *Pasta) verified() {
	if s.afterCheck != nil {
		s.afterCheck()
	}
}

// List returns every live record, oldest first.
func (s *Pasta) List(ctx context.Context) []domain.Paste {
	return s.pastas.List(ctx)
}

// FindByToken resolves a token for viewing. A missing and a wrong secret give
// the same NeedsAuth so callers cannot tell which one it was.
func (s *Pasta) FindByToken(ctx context.Context, token, secret string) (domain.Paste, Result) {
	p, ok := s.pastas.Lookup(ctx, token)
	if !ok {
		return domain.Paste{}, NotFound
	}
	if p.NeedsAuthForView() && !s.verifier.Check(ctx, secret, p.EncryptedKey, token) {
		return domain.Paste{}, NeedsAuth
	}
	return p, Found
}

// View is FindByToken plus the read counters. Once the read budget is spent
// the record is removed and the caller gets this final read.
func (s *Pasta) View(ctx context.Context, token, secret string) (domain.Paste, Result, error) {
	if err := s.begin(); err != nil {
		return domain.Paste{}, NotFound, err
	}
	defer s.opWg.Done()
	p, res := s.FindByToken(ctx, token, secret)
	if res != Found {
		return p, res, nil
	}
	s.verified()
	var out domain.Paste
	var burned bool
	err := s.pastas.Do(ctx, func(tx *cache.Tx) error {
		cur, ok := tx.FindID(p.ID)
		if !ok {
			return domain.ErrPasteNotFound
		}
		if err := s.checked(p, cur); err != nil {
			return err
		}
		cur.ReadCount++
		cur.LastRead = tx.Now()
		out = cur
		if cur.Burned() {
			burned = true
			_, err := tx.Remove(cur.ID)
			return err
		}
		return tx.Update(cur)
	})
	if domain.Is(err, domain.ErrPasteNotFound) {
		return domain.Paste{}, NotFound, nil
	}
	if domain.Is(err, domain.ErrAuthRequired) {
		return domain.Paste{}, NeedsAuth, nil
	}
	if err != nil {
		return domain.Paste{}, NotFound, errors.Wrap(err, "record view")
	}
	metrics.PastaViewed.Inc()
	if burned {
		metrics.PastaRemoved.WithLabelValues("burned").Inc()
		util.Info().Str("token", util.RedactToken(token)).Msg("pasta burned after reads")
		s.cleanupAttachment(token, out)
	}
	return out, Found, nil
}

// Submit stores a new record and returns it with its public token. With a
// secret the token is sealed into encrypted_key before the insert. A caller's
// own encrypted_key is kept only for client-encrypted records without a secret.
func (s *Pasta) Submit(ctx context.Context, params domain.SubmitParams) (domain.Paste, string, error) {
	if err := s.begin(); err != nil {
		return domain.Paste{}, "", err
	}
	defer s.opWg.Done()
	if (params.Private || params.EncryptServer) && params.Secret == "" {
		return domain.Paste{}, "", errors.Wrap(domain.ErrInvalidRequest, "secret required")
	}
	if !params.EncryptClient || params.Secret != "" {
		params.EncryptedKey = ""
	}
	codec := s.pastas.Codec()
	for attempt := 0; attempt < submitRetries; attempt++ {
		p := newPasta(params)
		if params.Secret != "" {
			id, err := util.GenID(func(id uint64) bool { return s.pastas.Has(ctx, id) })
			if err != nil {
				return domain.Paste{}, "", errors.Wrap(domain.ErrIDGeneration, err.Error())
			}
			sealed, err := s.verifier.Sealer().Seal(ctx, params.Secret, codec.Encode(id))
			if err != nil {
				return domain.Paste{}, "", errors.Wrap(err, "seal key")
			}
			p.ID = id
			p.EncryptedKey = sealed
		}
		err := s.pastas.Do(ctx, func(tx *cache.Tx) error {
			p.Created = tx.Now()
			p.LastRead = p.Created
			if params.ExpiresIn > 0 {
				p.Expiration = p.Created + int64(params.ExpiresIn/time.Second)
			}
			return tx.Insert(&p)
		})
		if domain.Is(err, domain.ErrDuplicateID) {
			continue
		}
		if err != nil {
			return domain.Paste{}, "", errors.Wrap(err, "submit")
		}
		token := codec.Encode(p.ID)
		util.Info().Str("token", util.RedactToken(token)).Bool("gated", p.NeedsAuthForEdit()).Msg("pasta submitted")
		return p, token, nil
	}
	return domain.Paste{}, "", domain.ErrIDGeneration
}
func newPasta(params domain.SubmitParams) domain.Paste {
	return domain.Paste{
		Title:          params.Title,
		Content:        params.Content,
		File:           domain.NewPastaFile(params.FileName, params.FileSize),
		Extension:      params.Extension,
		PastaType:      params.PastaType,
		ReadOnly:       params.ReadOnly,
		Private:        params.Private,
		Editable:       params.Editable,
		EncryptServer:  params.EncryptServer,
		EncryptClient:  params.EncryptClient,
		EncryptedKey:   params.EncryptedKey,
		BurnAfterReads: params.BurnAfterReads,
	}
}

// Update replaces a record wholesale. It is the collaborator path and does no
// authorization of its own.
func (s *Pasta) Update(ctx context.Context, p domain.Paste) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.opWg.Done()
	return s.pastas.Update(ctx, p)
}

// Edit applies e to the record behind token when the edit rule allows it.
func (s *Pasta) Edit(ctx context.Context, token, secret string, e domain.EditParams) (domain.Paste, Result, error) {
	if err := s.begin(); err != nil {
		return domain.Paste{}, NotFound, err
	}
	defer s.opWg.Done()
	p, ok := s.pastas.Lookup(ctx, token)
	if !ok {
		return domain.Paste{}, NotFound, nil
	}
	if p.NeedsAuthForEdit() && !s.verifier.Check(ctx, secret, p.EncryptedKey, token) {
		return domain.Paste{}, NeedsAuth, nil
	}
	s.verified()
	var out domain.Paste
	err := s.pastas.Do(ctx, func(tx *cache.Tx) error {
		cur, ok := tx.FindID(p.ID)
		if !ok {
			return domain.ErrPasteNotFound
		}
		if err := s.checked(p, cur); err != nil {
			return err
		}
		if e.Title != nil {
			cur.Title = *e.Title
			if cur.Title == "" {
				cur.Title = domain.DefaultTitle(cur.ID)
			}
		}
		if e.Content != nil {
			cur.Content = *e.Content
		}
		if e.Extension != nil {
			cur.Extension = *e.Extension
		}
		out = cur
		return tx.Update(cur)
	})
	if domain.Is(err, domain.ErrPasteNotFound) {
		return domain.Paste{}, NotFound, nil
	}
	if domain.Is(err, domain.ErrAuthRequired) {
		return domain.Paste{}, NeedsAuth, nil
	}
	if err != nil {
		return domain.Paste{}, NotFound, errors.Wrap(err, "edit")
	}
	return out, Found, nil
}

// Remove runs one delete attempt. input is the caller's confirmation text and
// phrase the localized word it must equal.
func (s *Pasta) Remove(ctx context.Context, token, input, phrase string) (RemoveResult, error) {
	if err := s.begin(); err != nil {
		return RemoveNotFound, err
	}
	defer s.opWg.Done()
	res := RemoveNotFound
	var removed domain.Paste
	err := s.pastas.Do(ctx, func(tx *cache.Tx) error {
		p, ok := tx.Find(token)
		if !ok {
			return nil
		}
		switch access.RemoveStep(p.Flags(), input, phrase) {
		case access.AuthPrompt:
			res = RemoveNeedsAuth
			return nil
		case access.ReAuthPrompt:
			res = RemoveMismatch
			return nil
		}
		var err error
		if removed, err = tx.Remove(p.ID); err != nil {
			return err
		}
		res = Removed
		return nil
	})
	if err != nil {
		return RemoveNotFound, errors.Wrap(err, "remove")
	}
	switch res {
	case Removed:
		metrics.PastaRemoved.WithLabelValues("removed").Inc()
		util.Info().Str("token", util.RedactToken(token)).Msg("pasta removed")
		s.cleanupAttachment(token, removed)
	case RemoveMismatch:
		metrics.ConfirmMismatches.Inc()
	}
	return res, nil
}

// cleanupAttachment removes <attachments>/<token>/<name> and then the directory.
// Failures are logged only.
func (s *Pasta) cleanupAttachment(token string, p domain.Paste) {
	if s.attachments == "" || !p.HasFile() || token == "" {
		return
	}
	name := filepath.Base(p.File.Name)
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return
	}
	dir := filepath.Join(s.attachments, filepath.Base(token))
	if err := os.Remove(filepath.Join(dir, name)); err != nil {
		metrics.AttachmentCleanupErrors.Inc()
		util.Warn().Err(err).Str("token", util.RedactToken(token)).Msg("failed to delete attachment")
	}
	if err := os.Remove(dir); err != nil {
		metrics.AttachmentCleanupErrors.Inc()
		util.Warn().Err(err).Str("token", util.RedactToken(token)).Msg("failed to delete attachment directory")
	}
}
