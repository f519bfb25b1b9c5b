package domain

import (
	"fmt"
	"pastabin/pkg/access"
	"time"
)

// Encoder turns a numeric id into its public token.
type Encoder interface {
	Encode(id uint64) string
}
type PastaFile struct {
	Name string `json:"name"`
	Size uint64 `json:"size"`
}

// NewPastaFile returns nil unless both a name and a non-zero size are known.
func NewPastaFile(name string, size uint64) *PastaFile {
	if name == "" || size == 0 {
		return nil
	}
	return &PastaFile{Name: name, Size: size}
}

type Paste struct {
	ID             uint64     `json:"-"`
	Title          string     `json:"title"`
	Content        string     `json:"content"`
	File           *PastaFile `json:"file,omitempty"`
	Extension      string     `json:"extension"`
	PastaType      string     `json:"pasta_type"`
	ReadOnly       bool       `json:"readonly"`
	Private        bool       `json:"private"`
	Editable       bool       `json:"editable"`
	EncryptServer  bool       `json:"encrypt_server"`
	EncryptClient  bool       `json:"encrypt_client"`
	EncryptedKey   string     `json:"-"`
	Created        int64      `json:"created"`
	Expiration     int64      `json:"expiration"`
	LastRead       int64      `json:"last_read"`
	ReadCount      uint64     `json:"read_count"`
	BurnAfterReads uint64     `json:"burn_after_reads"`
}

func DefaultTitle(id uint64) string {
	return fmt.Sprintf("Pasta %d", id)
}

// DisplayTitle falls back to the generated title for rows written before titles existed.
func (p *Paste) DisplayTitle() string {
	if p.Title == "" {
		return DefaultTitle(p.ID)
	}
	return p.Title
}
func (p *Paste) Token(enc Encoder) string {
	return enc.Encode(p.ID)
}
func (p *Paste) Expired(now int64) bool {
	return p.Expiration != 0 && p.Expiration <= now
}

// Burned reports whether the read budget is spent.
func (p *Paste) Burned() bool {
	return p.BurnAfterReads > 0 && p.ReadCount >= p.BurnAfterReads
}
func (p *Paste) HasFile() bool {
	return p.File != nil && p.File.Name != "" && p.File.Size > 0
}
func (p *Paste) Flags() access.Flags {
	return access.Flags{
		ReadOnly:      p.ReadOnly,
		Private:       p.Private,
		Editable:      p.Editable,
		EncryptServer: p.EncryptServer,
		EncryptClient: p.EncryptClient,
	}
}
func (p *Paste) Requirement(op access.Op) access.Requirement {
	return access.Decide(op, p.Flags())
}
func (p *Paste) NeedsAuthForView() bool {
	return p.Requirement(access.OpView) != access.Open
}
func (p *Paste) NeedsAuthForEdit() bool {
	return p.Requirement(access.OpEdit) != access.Open
}
func (p *Paste) NeedsAuthForDelete() bool {
	return p.Requirement(access.OpDelete) != access.Open
}

// SubmitParams is what a submission collaborator hands to the service.
type SubmitParams struct {
	Title          string
	Content        string
	FileName       string
	FileSize       uint64
	Extension      string
	PastaType      string
	ReadOnly       bool
	Private        bool
	Editable       bool
	EncryptServer  bool
	EncryptClient  bool
	EncryptedKey   string
	Secret         string
	ExpiresIn      time.Duration
	BurnAfterReads uint64
}

// EditParams carries the fields an edit may replace; nil leaves the field alone.
type EditParams struct {
	Title     *string
	Content   *string
	Extension *string
}
