package test

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"pastabin/svc/api"
	"pastabin/svc/svc"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func (s *stack) postForm(t *testing.T, path string, form url.Values, opts ...reqOpt) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, o := range opts {
		o(req)
	}
	rec := httptest.NewRecorder()
	s.server.ServeHTTP(rec, req)
	return rec
}

func expectRedirect(t *testing.T, rec *httptest.ResponseRecorder, want string) {
	t.Helper()
	if rec.Code != http.StatusFound {
		t.Fatalf("status %d, want 302 (body %s)", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Location"); got != want {
		t.Fatalf("Location = %q, want %q", got, want)
	}
}

func TestSubmitAndView(t *testing.T) {
	s := newStack(t)
	id := s.submit(t, api.SubmitReq{Content: "hello", Editable: true})
	rec := s.do(t, http.MethodGet, "/pastas/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("view status %d", rec.Code)
	}
	var got api.PastaResp
	decode(t, rec, &got)
	if got.Content != "hello" || got.ID != id {
		t.Errorf("unexpected pasta %+v", got)
	}
	if got.ReadCount != 1 {
		t.Errorf("read_count = %d, want 1", got.ReadCount)
	}
	if got.Extension != "txt" || got.PastaType != "text" {
		t.Errorf("defaults not applied: %q %q", got.Extension, got.PastaType)
	}
	if !strings.HasPrefix(got.Title, "Pasta ") {
		t.Errorf("default title = %q", got.Title)
	}
}

func TestClientEncryptedViewReturnsKey(t *testing.T) {
	s := newStack(t)
	id := s.submit(t, api.SubmitReq{Content: "Y2lwaGVy", EncryptClient: true, EncryptedKey: "wrapped-key"})
	var got api.PastaResp
	decode(t, s.do(t, http.MethodGet, "/pastas/"+id, nil), &got)
	if got.EncryptedKey != "wrapped-key" || !got.EncryptClient {
		t.Errorf("client key not returned: %+v", got)
	}
	plain := s.submit(t, api.SubmitReq{Content: "x", Editable: true})
	rec := s.do(t, http.MethodGet, "/pastas/"+plain, nil)
	if strings.Contains(rec.Body.String(), "encrypted_key") {
		t.Errorf("plain record exposes encrypted_key: %s", rec.Body.String())
	}
	sealed := s.submit(t, api.SubmitReq{Content: "x", EncryptServer: true, Secret: "pw"})
	rec = s.do(t, http.MethodGet, "/pastas/"+sealed, nil, withHeader("X-Pasta-Secret", "pw"))
	if rec.Code != http.StatusOK || strings.Contains(rec.Body.String(), "encrypted_key") {
		t.Errorf("server-sealed key leaked: %d %s", rec.Code, rec.Body.String())
	}
}

func TestPrivateViewNeedsSecret(t *testing.T) {
	s := newStack(t)
	id := s.submit(t, api.SubmitReq{Content: "secret stuff", Private: true, Editable: true, Secret: "hunter2"})
	expectRedirect(t, s.do(t, http.MethodGet, "/pastas/"+id, nil), "/auth/"+id)
	expectRedirect(t, s.do(t, http.MethodGet, "/pastas/"+id, nil, withHeader("X-Pasta-Secret", "nope")), "/auth/"+id+"/incorrect")
	if rec := s.do(t, http.MethodGet, "/pastas/"+id, nil, withHeader("X-Pasta-Secret", "hunter2")); rec.Code != http.StatusOK {
		t.Errorf("correct secret: status %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/pastas/"+id, nil, withHeader("X-Pasta-Secret", "test-admin-password")); rec.Code != http.StatusOK {
		t.Errorf("admin password: status %d", rec.Code)
	}
}

func TestEditGatedBySecret(t *testing.T) {
	s := newStack(t)
	id := s.submit(t, api.SubmitReq{Content: "v1", ReadOnly: true, Editable: true, Secret: "pw"})
	body := map[string]string{"content": "v2"}
	expectRedirect(t, s.do(t, http.MethodPut, "/pastas/"+id, body), "/auth_edit_private/"+id)
	expectRedirect(t, s.do(t, http.MethodPut, "/pastas/"+id, body, withHeader("X-Pasta-Secret", "bad")), "/auth_edit_private/"+id+"/incorrect")
	rec := s.do(t, http.MethodPut, "/pastas/"+id, body, withHeader("X-Pasta-Secret", "pw"))
	if rec.Code != http.StatusOK {
		t.Fatalf("edit status %d body %s", rec.Code, rec.Body.String())
	}
	var got api.PastaResp
	decode(t, rec, &got)
	if got.Content != "v2" {
		t.Errorf("content = %q", got.Content)
	}
	rows, err := s.db.ReadAll(t.Context())
	if err != nil || len(rows) != 1 || rows[0].Content != "v2" {
		t.Errorf("edit not written through: %+v %v", rows, err)
	}
}

func TestEditOpenRecord(t *testing.T) {
	s := newStack(t)
	id := s.submit(t, api.SubmitReq{Content: "v1", Title: "first", Editable: true})
	title := ""
	rec := s.do(t, http.MethodPut, "/pastas/"+id, map[string]*string{"title": &title})
	if rec.Code != http.StatusOK {
		t.Fatalf("edit status %d", rec.Code)
	}
	var got api.PastaResp
	decode(t, rec, &got)
	if !strings.HasPrefix(got.Title, "Pasta ") || got.Content != "v1" {
		t.Errorf("cleared title should fall back to default, got %+v", got)
	}
}

func TestRemoveConfirmationFlow(t *testing.T) {
	s := newStack(t)
	id := s.submit(t, api.SubmitReq{Content: "keep me", ReadOnly: true, Editable: true})
	expectRedirect(t, s.do(t, http.MethodGet, "/remove/"+id, nil), "/auth_remove_private/"+id)
	expectRedirect(t, s.postForm(t, "/remove/"+id, url.Values{}), "/auth_remove_private/"+id+"/incorrect")
	expectRedirect(t, s.postForm(t, "/remove/"+id, url.Values{"password": {"delete"}}), "/auth_remove_private/"+id+"/incorrect")
	expectRedirect(t, s.postForm(t, "/remove/"+id, url.Values{"password": {" delete "}}, withLang("en")), "/list")
	if rec := s.do(t, http.MethodGet, "/pastas/"+id, nil); rec.Code != http.StatusNotFound {
		t.Errorf("removed record still served: %d", rec.Code)
	}
}

func TestRemoveDefaultLanguagePhrase(t *testing.T) {
	s := newStack(t)
	id := s.submit(t, api.SubmitReq{Content: "x"})
	rec := s.do(t, http.MethodPost, "/remove/"+id, map[string]string{"password": "确认删除"})
	expectRedirect(t, rec, "/list")
}

func TestRemoveUnrestrictedViaGet(t *testing.T) {
	s := newStack(t)
	id := s.submit(t, api.SubmitReq{Content: "bye", Editable: true})
	expectRedirect(t, s.do(t, http.MethodGet, "/remove/"+id, nil), "/list")
	if rec := s.do(t, http.MethodGet, "/remove/"+id, nil); rec.Code != http.StatusNotFound {
		t.Errorf("second remove status %d, want 404", rec.Code)
	}
}

func TestPromptDescriptors(t *testing.T) {
	s := newStack(t)
	id := s.submit(t, api.SubmitReq{Content: "x", EncryptServer: true, Secret: "pw"})
	var p svc.Prompt
	rec := s.do(t, http.MethodGet, "/auth_remove_private/"+id+"/incorrect", nil, withLang("en"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	decode(t, rec, &p)
	if p.ID != id || p.Status != "incorrect" || p.Path != svc.PathRemovePrivate || p.ConfirmWord != "delete" {
		t.Errorf("unexpected prompt %+v", p)
	}
	if p.Message != "incorrect confirmation word" {
		t.Errorf("message = %q", p.Message)
	}
	if p.EncryptedKey == "" {
		t.Error("sealed key should be exposed to the prompt")
	}
	rec = s.do(t, http.MethodGet, "/auth_remove_private/"+id, nil)
	p = svc.Prompt{}
	decode(t, rec, &p)
	if p.ConfirmWord != "确认删除" || p.Status != "" || p.Message != "请输入确认词以删除" {
		t.Errorf("default language prompt %+v", p)
	}
	routes := map[string]string{
		"/auth/":              svc.PathUpload,
		"/auth_raw/":          svc.PathRaw,
		"/auth_edit_private/": svc.PathEditPrivate,
		"/auth_file/":         svc.PathSecureFile,
	}
	for prefix, path := range routes {
		p = svc.Prompt{}
		decode(t, s.do(t, http.MethodGet, prefix+id, nil), &p)
		if p.Path != path || p.ConfirmWord != "" || p.Message != "" {
			t.Errorf("%s: got %+v", prefix, p)
		}
	}
	if rec := s.do(t, http.MethodGet, "/auth/not-a-token", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown token prompt status %d", rec.Code)
	}
	p = svc.Prompt{}
	decode(t, s.do(t, http.MethodGet, "/auth_admin/incorrect", nil), &p)
	if p.Path != svc.PathAdmin || p.Status != "incorrect" {
		t.Errorf("admin prompt %+v", p)
	}
}

func TestListHidesPrivate(t *testing.T) {
	s := newStack(t)
	pub := s.submit(t, api.SubmitReq{Content: "public", Editable: true})
	s.submit(t, api.SubmitReq{Content: "private", Private: true, Secret: "pw"})
	var items []api.ListItem
	decode(t, s.do(t, http.MethodGet, "/list", nil), &items)
	if len(items) != 1 || items[0].ID != pub {
		t.Errorf("list = %+v", items)
	}
}

func TestBurnAfterReads(t *testing.T) {
	s := newStack(t)
	id := s.submit(t, api.SubmitReq{Content: "twice", BurnAfterReads: 2})
	for i := 0; i < 2; i++ {
		if rec := s.do(t, http.MethodGet, "/pastas/"+id, nil); rec.Code != http.StatusOK {
			t.Fatalf("read %d status %d", i, rec.Code)
		}
	}
	if rec := s.do(t, http.MethodGet, "/pastas/"+id, nil); rec.Code != http.StatusNotFound {
		t.Errorf("third read status %d, want 404", rec.Code)
	}
	if s.pastas.Len() != 0 {
		t.Errorf("burned record still cached")
	}
}

func TestExpirationViaAPI(t *testing.T) {
	s := newStack(t)
	id := s.submit(t, api.SubmitReq{Content: "soon gone", Expiration: 60})
	s.pastas.SetClock(func() time.Time { return time.Now().Add(2 * time.Minute) })
	if rec := s.do(t, http.MethodGet, "/pastas/"+id, nil); rec.Code != http.StatusNotFound {
		t.Errorf("expired read status %d", rec.Code)
	}
}

func TestSetLang(t *testing.T) {
	s := newStack(t)
	rec := s.do(t, http.MethodGet, "/set_lang/en", nil, withHeader("Referer", "http://example.com/list"))
	expectRedirect(t, rec, "/list")
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != "lang" || cookies[0].Value != "en" {
		t.Errorf("cookies = %+v", cookies)
	}
	rec = s.do(t, http.MethodGet, "/set_lang/fr", nil, withHeader("Referer", "https://evil.test/phish"))
	expectRedirect(t, rec, "/")
	if c := rec.Result().Cookies(); len(c) != 1 || c[0].Value != "en" {
		t.Errorf("unsupported language should fall back to en: %+v", c)
	}
}

func TestPublicPathPrefix(t *testing.T) {
	s := newStack(t)
	s.cfg.PublicPath = "/paste"
	id := s.submit(t, api.SubmitReq{Content: "x", Private: true, Secret: "pw"})
	expectRedirect(t, s.do(t, http.MethodGet, "/pastas/"+id, nil), "/paste/auth/"+id)
}

func TestAttachmentRemovedWithRecord(t *testing.T) {
	s := newStack(t)
	id := s.submit(t, api.SubmitReq{Content: "see file", Editable: true, FileName: "../../notes.txt", FileSize: 4})
	dir := filepath.Join(s.cfg.AttachmentsDir(), id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("data"), 0o600); err != nil {
		t.Fatal(err)
	}
	outside := filepath.Join(s.cfg.DataDir, "notes.txt")
	if err := os.WriteFile(outside, []byte("keep"), 0o600); err != nil {
		t.Fatal(err)
	}
	expectRedirect(t, s.do(t, http.MethodGet, "/remove/"+id, nil), "/list")
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("attachment directory still present: %v", err)
	}
	if _, err := os.Stat(outside); err != nil {
		t.Errorf("file outside the attachment directory was touched: %v", err)
	}
}

func TestHealthAndReady(t *testing.T) {
	s := newStack(t)
	if rec := s.do(t, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Errorf("health status %d", rec.Code)
	}
	s.submit(t, api.SubmitReq{Content: "x"})
	rec := s.do(t, http.MethodGet, "/ready", nil)
	var ready api.ReadyResponse
	decode(t, rec, &ready)
	if rec.Code != http.StatusOK || !ready.Ready || ready.Pastas != 1 || ready.Cache != "unavailable" {
		t.Errorf("ready = %d %+v", rec.Code, ready)
	}
}

func TestRequestIDEcho(t *testing.T) {
	s := newStack(t)
	const id = "6f1c1c3e-2f7c-4c38-9d3e-0a3c1c7e9b11"
	rec := s.do(t, http.MethodGet, "/list", nil, withHeader("X-Request-ID", id))
	if got := rec.Header().Get("X-Request-ID"); got != id {
		t.Errorf("X-Request-ID = %q", got)
	}
	rec = s.do(t, http.MethodGet, "/list", nil, withHeader("X-Request-ID", "not a uuid"))
	if got := rec.Header().Get("X-Request-ID"); got == "not a uuid" || got == "" {
		t.Errorf("malformed request id echoed: %q", got)
	}
}
