package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"pastabin/cfg"
	"pastabin/pkg/domain"
	"pastabin/pkg/i18n"
	"pastabin/svc/svc"
	"pastabin/svc/util"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"
)

const (
	maxRequestSize = 4 << 20
	maxFormSize    = 64 << 10
	maxTitleLen    = 256
	maxExpiration  = 10 * 365 * 24 * time.Hour
	langCookie     = "lang"
	secretHeader   = "X-Pasta-Secret"
	statusWrong    = i18n.StatusIncorrect
)

// promptRoutes maps each prompt route prefix to the operation path it serves.
var promptRoutes = map[string]string{
	"auth":                svc.PathUpload,
	"auth_raw":            svc.PathRaw,
	"auth_edit_private":   svc.PathEditPrivate,
	"auth_file":           svc.PathSecureFile,
	"auth_remove_private": svc.PathRemovePrivate,
}

type Hdl struct {
	pasta   *svc.Pasta
	cfg     *cfg.Cfg
	catalog *i18n.Catalog
}
type SubmitReq struct {
	Title          string `json:"title"`
	Content        string `json:"content"`
	Extension      string `json:"extension"`
	PastaType      string `json:"pasta_type"`
	FileName       string `json:"file_name,omitempty"`
	FileSize       uint64 `json:"file_size,omitempty"`
	ReadOnly       bool   `json:"readonly"`
	Private        bool   `json:"private"`
	Editable       bool   `json:"editable"`
	EncryptServer  bool   `json:"encrypt_server"`
	EncryptClient  bool   `json:"encrypt_client"`
	EncryptedKey   string `json:"encrypted_key,omitempty"`
	Secret         string `json:"secret,omitempty"`
	Expiration     int64  `json:"expiration"`
	BurnAfterReads uint64 `json:"burn_after_reads"`
}
type SubmitResp struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Created    int64  `json:"created"`
	Expiration int64  `json:"expiration"`
}
type EditReq struct {
	Title     *string `json:"title"`
	Content   *string `json:"content"`
	Extension *string `json:"extension"`
}
type PastaResp struct {
	ID           string `json:"id"`
	EncryptedKey string `json:"encrypted_key,omitempty"`
	domain.Paste
}

// pastaResp hands the wrapped key back only when the client holds the cipher.
func pastaResp(token string, p domain.Paste) PastaResp {
	resp := PastaResp{ID: token, Paste: p}
	if p.EncryptClient {
		resp.EncryptedKey = p.EncryptedKey
	}
	return resp
}
type ListItem struct {
	ID             string            `json:"id"`
	Title          string            `json:"title"`
	Extension      string            `json:"extension"`
	PastaType      string            `json:"pasta_type"`
	File           *domain.PastaFile `json:"file,omitempty"`
	ReadOnly       bool              `json:"readonly"`
	Editable       bool              `json:"editable"`
	EncryptServer  bool              `json:"encrypt_server"`
	Created        int64             `json:"created"`
	Expiration     int64             `json:"expiration"`
	ReadCount      uint64            `json:"read_count"`
	BurnAfterReads uint64            `json:"burn_after_reads"`
}

func (h *Hdl) List(w http.ResponseWriter, r *http.Request) {
	codec := h.pasta.Pastas().Codec()
	items := []ListItem{}
	for _, p := range h.pasta.List(r.Context()) {
		if p.Private {
			continue
		}
		items = append(items, ListItem{
			ID:             p.Token(codec),
			Title:          p.DisplayTitle(),
			Extension:      p.Extension,
			PastaType:      p.PastaType,
			File:           p.File,
			ReadOnly:       p.ReadOnly,
			Editable:       p.Editable,
			EncryptServer:  p.EncryptServer,
			Created:        p.Created,
			Expiration:     p.Expiration,
			ReadCount:      p.ReadCount,
			BurnAfterReads: p.BurnAfterReads,
		})
	}
	writeJSON(w, http.StatusOK, items)
}
func (h *Hdl) Submit(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	if !isJSON(r) {
		log.Warn().Str("content_type", r.Header.Get("Content-Type")).Msg("invalid Content-Type header")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestSize)
	var req SubmitReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if err == io.EOF {
			log.Warn().Msg("empty request body")
		} else {
			log.Warn().Err(err).Msg("invalid request")
		}
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	if err := validateSubmit(&req); err != nil {
		log.Warn().Err(err).Msg("rejected submission")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	p, token, err := h.pasta.Submit(r.Context(), domain.SubmitParams{
		Title:          cleanLine(req.Title),
		Content:        req.Content,
		FileName:       req.FileName,
		FileSize:       req.FileSize,
		Extension:      cleanLine(req.Extension),
		PastaType:      req.PastaType,
		ReadOnly:       req.ReadOnly,
		Private:        req.Private,
		Editable:       req.Editable,
		EncryptServer:  req.EncryptServer,
		EncryptClient:  req.EncryptClient,
		EncryptedKey:   req.EncryptedKey,
		Secret:         req.Secret,
		ExpiresIn:      time.Duration(req.Expiration) * time.Second,
		BurnAfterReads: req.BurnAfterReads,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to submit pasta")
		writeErr(w, serviceErr(err), requestID)
		return
	}
	writeJSON(w, http.StatusCreated, SubmitResp{
		ID:         token,
		Title:      p.DisplayTitle(),
		Created:    p.Created,
		Expiration: p.Expiration,
	})
}
func validateSubmit(req *SubmitReq) error {
	if req.Content == "" && req.FileName == "" {
		return errors.New("content or file required")
	}
	if req.Expiration < 0 || time.Duration(req.Expiration)*time.Second > maxExpiration {
		return errors.New("expiration out of range")
	}
	if utf8.RuneCountInString(req.Title) > maxTitleLen {
		return errors.New("title too long")
	}
	if req.PastaType == "" {
		req.PastaType = "text"
	}
	if req.Extension == "" {
		req.Extension = "txt"
	}
	if (req.EncryptServer || req.Private) && req.Secret == "" {
		return errors.New("secret required for private or encrypted pastas")
	}
	if req.EncryptedKey != "" && (!req.EncryptClient || req.Secret != "") {
		return errors.New("encrypted_key is only accepted for client-encrypted pastas without a secret")
	}
	return nil
}
func (h *Hdl) View(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	token := chi.URLParam(r, "token")
	secret := r.Header.Get(secretHeader)
	p, res, err := h.pasta.View(r.Context(), token, secret)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("token", util.RedactToken(token)).Msg("view failed")
		writeErr(w, serviceErr(err), requestID)
		return
	}
	switch res {
	case svc.NotFound:
		writeErr(w, domain.ErrPasteNotFound, requestID)
	case svc.NeedsAuth:
		h.redirectAuth(w, r, "auth", token, secret != "")
	default:
		p.Title = p.DisplayTitle()
		writeJSON(w, http.StatusOK, pastaResp(token, p))
	}
}
func (h *Hdl) Edit(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	token := chi.URLParam(r, "token")
	if !isJSON(r) {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestSize)
	var req EditReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		log.Warn().Err(err).Msg("invalid edit request")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	if req.Title != nil {
		t := cleanLine(*req.Title)
		req.Title = &t
	}
	if req.Extension != nil {
		e := cleanLine(*req.Extension)
		req.Extension = &e
	}
	secret := r.Header.Get(secretHeader)
	p, res, err := h.pasta.Edit(r.Context(), token, secret, domain.EditParams{
		Title:     req.Title,
		Content:   req.Content,
		Extension: req.Extension,
	})
	if err != nil {
		log.Error().Err(err).Str("token", util.RedactToken(token)).Msg("edit failed")
		writeErr(w, serviceErr(err), requestID)
		return
	}
	switch res {
	case svc.NotFound:
		writeErr(w, domain.ErrPasteNotFound, requestID)
	case svc.NeedsAuth:
		h.redirectAuth(w, r, "auth_edit_private", token, secret != "")
	default:
		writeJSON(w, http.StatusOK, pastaResp(token, p))
	}
}

// RemoveGet deletes unrestricted records outright and sends everything else
// to the confirmation prompt.
func (h *Hdl) RemoveGet(w http.ResponseWriter, r *http.Request) {
	h.remove(w, r, "", false)
}
func (h *Hdl) RemovePost(w http.ResponseWriter, r *http.Request) {
	input, err := confirmationInput(w, r)
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("invalid remove request")
		writeErr(w, domain.ErrInvalidRequest, util.GetRequestID(r.Context()))
		return
	}
	h.remove(w, r, input, true)
}

// remove runs one attempt. A posted form with no answer counts as a wrong one.
func (h *Hdl) remove(w http.ResponseWriter, r *http.Request, input string, posted bool) {
	requestID := util.GetRequestID(r.Context())
	token := chi.URLParam(r, "token")
	phrase := h.catalog.ConfirmWord(h.lang(r))
	res, err := h.pasta.Remove(r.Context(), token, input, phrase)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("token", util.RedactToken(token)).Msg("remove failed")
		writeErr(w, serviceErr(err), requestID)
		return
	}
	switch res {
	case svc.Removed:
		http.Redirect(w, r, h.cfg.PublicPath+"/list", http.StatusFound)
	case svc.RemoveNeedsAuth:
		h.redirectAuth(w, r, "auth_remove_private", token, posted)
	case svc.RemoveMismatch:
		h.redirectAuth(w, r, "auth_remove_private", token, true)
	default:
		writeErr(w, domain.ErrPasteNotFound, requestID)
	}
}
func confirmationInput(w http.ResponseWriter, r *http.Request) (string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormSize)
	if isJSON(r) {
		var body struct {
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
			return "", errors.Wrap(err, "decode confirmation")
		}
		return body.Password, nil
	}
	if err := r.ParseForm(); err != nil {
		return "", errors.Wrap(err, "parse confirmation form")
	}
	return r.PostFormValue("password"), nil
}

// Prompt serves the secret form descriptor for one operation path.
func (h *Hdl) Prompt(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := chi.URLParam(r, "token")
		prompt, ok := h.pasta.Prompt(r.Context(), token, path, chi.URLParam(r, "status"))
		if !ok {
			writeErr(w, domain.ErrPasteNotFound, util.GetRequestID(r.Context()))
			return
		}
		if path == svc.PathRemovePrivate {
			table := h.catalog.Table(h.lang(r))
			prompt.ConfirmWord = table.ConfirmWord
			prompt.Message = table.Message(prompt.Status)
		}
		writeJSON(w, http.StatusOK, prompt)
	}
}
func (h *Hdl) AdminPrompt(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, svc.AdminPrompt(chi.URLParam(r, "status")))
}

// SetLang stores the language cookie and sends the caller back where they came from.
func (h *Hdl) SetLang(w http.ResponseWriter, r *http.Request) {
	lang := i18n.NormalizeCookie(chi.URLParam(r, "lang"))
	http.SetCookie(w, &http.Cookie{
		Name:     langCookie,
		Value:    lang,
		Path:     "/",
		MaxAge:   365 * 24 * 60 * 60,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, h.backTo(r), http.StatusFound)
}

// backTo keeps same-host referers only.
func (h *Hdl) backTo(r *http.Request) string {
	fallback := h.cfg.PublicPath + "/"
	ref := r.Header.Get("Referer")
	if ref == "" {
		return fallback
	}
	u, err := url.Parse(ref)
	if err != nil || (u.Host != "" && u.Host != r.Host) {
		return fallback
	}
	if u.Path == "" {
		return fallback
	}
	out := u.Path
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out
}
func (h *Hdl) lang(r *http.Request) string {
	var cookie string
	if c, err := r.Cookie(langCookie); err == nil {
		cookie = c.Value
	}
	return h.catalog.Resolve(cookie, r.Header.Get("Accept-Language"))
}
func (h *Hdl) redirectAuth(w http.ResponseWriter, r *http.Request, prefix, token string, incorrect bool) {
	target := h.cfg.PublicPath + "/" + prefix + "/" + url.PathEscape(token)
	if incorrect {
		target += "/" + statusWrong
	}
	http.Redirect(w, r, target, http.StatusFound)
}
func serviceErr(err error) error {
	if errors.Is(err, svc.ErrShuttingDown) {
		return domain.ErrStoreUnavailable
	}
	if e, ok := errors.Cause(err).(*domain.Err); ok {
		return e
	}
	return err
}
func isJSON(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// cleanLine normalizes single-line metadata and drops control characters.
func cleanLine(s string) string {
	s = norm.NFC.String(strings.TrimSpace(s))
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}
