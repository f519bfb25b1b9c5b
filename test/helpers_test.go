package test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"pastabin/cfg"
	"pastabin/pkg/i18n"
	"pastabin/pkg/ident"
	"pastabin/svc/api"
	"pastabin/svc/auth"
	"pastabin/svc/cache"
	"pastabin/svc/db"
	"pastabin/svc/lim"
	"pastabin/svc/svc"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joho/godotenv"
)

var (
	envLoadOnce sync.Once
	envLoadErr  error
	dbSeq       int64
)

func loadTestEnv() error {
	envLoadOnce.Do(func() {
		for _, p := range []string{".env.test", "../.env.test", "test/.env.test"} {
			absPath, err := filepath.Abs(p)
			if err != nil {
				continue
			}
			if _, err := os.Stat(absPath); err != nil {
				continue
			}
			envLoadErr = godotenv.Load(absPath)
			return
		}
	})
	return envLoadErr
}

func createTestConfig(t *testing.T) *cfg.Cfg {
	t.Helper()
	if err := loadTestEnv(); err != nil {
		t.Fatalf("load .env.test: %v", err)
	}
	c, err := cfg.Load()
	if err != nil {
		t.Fatalf("cfg.Load: %v", err)
	}
	c.Port = "0"
	c.DataDir = t.TempDir()
	c.ContextTimeout = 30 * time.Second
	if err := cfg.Validate(c); err != nil {
		t.Fatalf("cfg.Validate: %v", err)
	}
	return c
}

func createTestDB(t *testing.T) *db.SQLite {
	t.Helper()
	dsn := fmt.Sprintf("file:memdb%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), atomic.AddInt64(&dbSeq, 1))
	sqlDB, err := db.NewSQLiteWithConfig(dsn, 1, 1, 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return sqlDB
}

// stack is a fully wired instance without a listener.
type stack struct {
	cfg    *cfg.Cfg
	db     *db.SQLite
	pastas *cache.Pastas
	pasta  *svc.Pasta
	server *api.Server
}

func newStack(t *testing.T) *stack {
	t.Helper()
	c := createTestConfig(t)
	sqlDB := createTestDB(t)
	codec, err := ident.New(c.HashIDs, c.HashIDsSalt.Value())
	if err != nil {
		t.Fatal(err)
	}
	tokens, err := cache.NewTokens(codec, c.TokenCacheSize)
	if err != nil {
		t.Fatal(err)
	}
	pastas, err := cache.Load(context.Background(), sqlDB, tokens)
	if err != nil {
		t.Fatal(err)
	}
	sealer, err := auth.NewSealer(c.Argon2Time, c.Argon2Memory, c.Argon2Parallelism, c.SealWorkers)
	if err != nil {
		t.Fatal(err)
	}
	pasta := svc.NewPasta(pastas, auth.NewVerifier(sealer, c.AdminPassword), c.AttachmentsDir())
	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, nil, nil)
	t.Cleanup(limiter.Stop)
	server := api.NewServer(c, pasta, limiter, i18n.NewCatalog(c.DefaultLang), sqlDB, nil)
	return &stack{cfg: c, db: sqlDB, pastas: pastas, pasta: pasta, server: server}
}

type reqOpt func(*http.Request)

func withHeader(k, v string) reqOpt {
	return func(r *http.Request) { r.Header.Set(k, v) }
}
func withLang(lang string) reqOpt {
	return func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "lang", Value: lang}) }
}

func (s *stack) do(t *testing.T, method, path string, body interface{}, opts ...reqOpt) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, o := range opts {
		o(req)
	}
	rec := httptest.NewRecorder()
	s.server.ServeHTTP(rec, req)
	return rec
}

func (s *stack) submit(t *testing.T, req api.SubmitReq) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/pastas", req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit: status %d body %s", rec.Code, rec.Body.String())
	}
	var resp api.SubmitResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp.ID
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}
