package cache

import (
	"context"
	"errors"
	"pastabin/pkg/domain"
	"pastabin/pkg/ident"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu        sync.Mutex
	rows      map[uint64]domain.Paste
	failDel   map[uint64]bool
	failWrite bool
	deletes   int
}

func newFakeStore(ps ...domain.Paste) *fakeStore {
	f := &fakeStore{rows: map[uint64]domain.Paste{}, failDel: map[uint64]bool{}}
	for _, p := range ps {
		f.rows[p.ID] = p
	}
	return f
}

var errDisk = errors.New("disk full")

func (f *fakeStore) ReadAll(ctx context.Context) ([]domain.Paste, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Paste
	for _, p := range f.rows {
		out = append(out, p)
	}
	return out, nil
}
func (f *fakeStore) RewriteAll(ctx context.Context, ps []domain.Paste) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite {
		return errDisk
	}
	f.rows = map[uint64]domain.Paste{}
	for _, p := range ps {
		f.rows[p.ID] = p
	}
	return nil
}
func (f *fakeStore) Insert(ctx context.Context, p *domain.Paste) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite {
		return errDisk
	}
	f.rows[p.ID] = *p
	return nil
}
func (f *fakeStore) Update(ctx context.Context, p *domain.Paste) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite {
		return errDisk
	}
	f.rows[p.ID] = *p
	return nil
}
func (f *fakeStore) DeleteByID(ctx context.Context, id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	if f.failDel[id] {
		return errDisk
	}
	delete(f.rows, id)
	return nil
}
func (f *fakeStore) has(id uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[id]
	return ok
}

func loadTest(t *testing.T, store *fakeStore, now int64) *Pastas {
	t.Helper()
	p, err := Load(context.Background(), store, ident.Animals{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p.SetClock(func() time.Time { return time.Unix(now, 0) })
	return p
}

func pasta(id uint64, created, expiration int64) domain.Paste {
	return domain.Paste{ID: id, Created: created, Expiration: expiration, Editable: true}
}

func TestLoadOrdersByCreated(t *testing.T) {
	store := newFakeStore(pasta(3, 30, 0), pasta(1, 10, 0), pasta(2, 20, 0))
	p := loadTest(t, store, 100)
	list := p.List(context.Background())
	for i, want := range []uint64{1, 2, 3} {
		if list[i].ID != want {
			t.Fatalf("position %d: got %d, want %d", i, list[i].ID, want)
		}
	}
}

func TestSweepRemovesExpiredFromBoth(t *testing.T) {
	store := newFakeStore(pasta(1, 1, 50), pasta(2, 2, 0), pasta(3, 3, 100), pasta(4, 4, 101))
	p := loadTest(t, store, 100)
	ctx := context.Background()
	var evicted []string
	p.OnEvict(func(token string, e domain.Paste) { evicted = append(evicted, token) })
	if n := p.Sweep(ctx); n != 2 {
		t.Fatalf("swept %d, want 2", n)
	}
	for _, id := range []uint64{1, 3} {
		if store.has(id) {
			t.Errorf("id %d still in store", id)
		}
		if _, ok := p.Lookup(ctx, ident.Animals{}.Encode(id)); ok {
			t.Errorf("id %d still visible", id)
		}
	}
	if p.Len() != 2 {
		t.Errorf("expected 2 live records, got %d", p.Len())
	}
	if len(evicted) != 2 || evicted[0] != "eel" || evicted[1] != "sloth" {
		t.Errorf("evict hook saw %v", evicted)
	}
}

func TestSweepOrphanRetry(t *testing.T) {
	store := newFakeStore(pasta(5, 1, 10))
	store.failDel[5] = true
	p := loadTest(t, store, 100)
	ctx := context.Background()
	if _, ok := p.Lookup(ctx, "emu"); ok {
		t.Fatal("expired record must leave memory even if the store delete fails")
	}
	if got := p.Orphans(); len(got) != 1 || got[0] != 5 {
		t.Fatalf("orphans = %v", got)
	}
	if !store.has(5) {
		t.Fatal("fake store should still hold the row")
	}
	store.mu.Lock()
	store.failDel[5] = false
	store.mu.Unlock()
	p.Sweep(ctx)
	if store.has(5) {
		t.Error("orphan retry should have deleted the row")
	}
	if len(p.Orphans()) != 0 {
		t.Error("orphan set should be empty after a successful retry")
	}
}

func TestInsertAssignsIDAndOrders(t *testing.T) {
	store := newFakeStore(pasta(1, 10, 0), pasta(2, 30, 0))
	p := loadTest(t, store, 100)
	ctx := context.Background()
	np := domain.Paste{Created: 20}
	if err := p.Insert(ctx, &np); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if np.ID == 0 || np.ID >= ident.MaxID {
		t.Fatalf("bad id %d", np.ID)
	}
	if np.Title != domain.DefaultTitle(np.ID) {
		t.Errorf("title = %q", np.Title)
	}
	list := p.List(ctx)
	if len(list) != 3 || list[1].ID != np.ID {
		t.Fatalf("new record not placed by created: %+v", list)
	}
	if !store.has(np.ID) {
		t.Error("insert not written through")
	}
	late := domain.Paste{Created: 40}
	p.Insert(ctx, &late)
	if list := p.List(ctx); list[3].ID != late.ID {
		t.Error("latest record should be last")
	}
}

func TestInsertDuplicateRejected(t *testing.T) {
	store := newFakeStore(pasta(42, 1, 0))
	p := loadTest(t, store, 100)
	dup := pasta(42, 2, 0)
	if err := p.Insert(context.Background(), &dup); !domain.Is(err, domain.ErrDuplicateID) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestFailedWriteLeavesCacheUntouched(t *testing.T) {
	store := newFakeStore(pasta(1, 1, 0))
	p := loadTest(t, store, 100)
	ctx := context.Background()
	store.failWrite = true
	np := pasta(2, 2, 0)
	if err := p.Insert(ctx, &np); err == nil {
		t.Fatal("expected insert error")
	}
	if p.Len() != 1 {
		t.Error("failed insert must not reach memory")
	}
	up := pasta(1, 1, 0)
	up.Content = "new"
	if err := p.Update(ctx, up); err == nil {
		t.Fatal("expected update error")
	}
	if got, _ := p.Lookup(ctx, "eel"); got.Content != "" {
		t.Error("failed update must not reach memory")
	}
	store.failDel[1] = true
	if _, err := p.Remove(ctx, 1); err == nil {
		t.Fatal("expected remove error")
	}
	if p.Len() != 1 {
		t.Error("failed remove must not reach memory")
	}
}

func TestUpdateAndRemove(t *testing.T) {
	store := newFakeStore(pasta(1, 1, 0), pasta(2, 2, 0), pasta(3, 3, 0))
	p := loadTest(t, store, 100)
	ctx := context.Background()
	up := pasta(2, 2, 0)
	up.Content = "edited"
	if err := p.Update(ctx, up); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := p.Update(ctx, pasta(9, 9, 0)); !domain.Is(err, domain.ErrPasteNotFound) {
		t.Errorf("update of unknown id: %v", err)
	}
	removed, err := p.Remove(ctx, 2)
	if err != nil || removed.Content != "edited" {
		t.Fatalf("Remove: %+v, %v", removed, err)
	}
	list := p.List(ctx)
	if len(list) != 2 || list[0].ID != 1 || list[1].ID != 3 {
		t.Errorf("order broken after remove: %+v", list)
	}
	if _, err := p.Remove(ctx, 2); !domain.Is(err, domain.ErrPasteNotFound) {
		t.Errorf("second remove: %v", err)
	}
}

func TestLookupReturnsCopy(t *testing.T) {
	a := pasta(1, 1, 0)
	a.File = domain.NewPastaFile("f", 1)
	p := loadTest(t, newFakeStore(a), 100)
	ctx := context.Background()
	got, _ := p.Lookup(ctx, "eel")
	got.Content = "mutated"
	got.File.Name = "other"
	again, _ := p.Lookup(ctx, "eel")
	if again.Content != "" || again.File.Name != "f" {
		t.Error("lookup leaked a reference into the cache")
	}
}

func TestLookupGarbage(t *testing.T) {
	p := loadTest(t, newFakeStore(pasta(1, 1, 0)), 100)
	for _, tok := range []string{"", "unicorn", "ant", "eel-"} {
		if _, ok := p.Lookup(context.Background(), tok); ok {
			t.Errorf("token %q should not resolve", tok)
		}
	}
}

func TestRewrite(t *testing.T) {
	store := newFakeStore(pasta(1, 1, 0))
	p := loadTest(t, store, 100)
	ctx := context.Background()
	if err := p.Rewrite(ctx, []domain.Paste{pasta(8, 80, 0), pasta(7, 70, 0)}); err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	list := p.List(ctx)
	if len(list) != 2 || list[0].ID != 7 || list[1].ID != 8 {
		t.Errorf("rewrite result: %+v", list)
	}
	if store.has(1) {
		t.Error("old row survived rewrite")
	}
	if err := p.Rewrite(ctx, []domain.Paste{pasta(1, 1, 0), pasta(1, 2, 0)}); !domain.Is(err, domain.ErrDuplicateID) {
		t.Errorf("duplicate rewrite: %v", err)
	}
	if err := p.Rewrite(ctx, []domain.Paste{pasta(0, 1, 0)}); !domain.Is(err, domain.ErrInvalidID) {
		t.Errorf("zero id rewrite: %v", err)
	}
}

func TestConcurrentInserts(t *testing.T) {
	p := loadTest(t, newFakeStore(), 100)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			np := domain.Paste{Created: int64(i)}
			if err := p.Insert(ctx, &np); err != nil {
				t.Errorf("Insert: %v", err)
			}
		}(i)
	}
	wg.Wait()
	list := p.List(ctx)
	if len(list) != 50 {
		t.Fatalf("got %d records", len(list))
	}
	seen := map[uint64]bool{}
	for i, it := range list {
		if seen[it.ID] {
			t.Fatalf("duplicate id %d", it.ID)
		}
		seen[it.ID] = true
		if i > 0 && list[i-1].Created > it.Created {
			t.Fatal("order broken under concurrency")
		}
	}
}

func TestTokensCache(t *testing.T) {
	tok, err := NewTokens(ident.Animals{}, 2)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	if tok.Decode("rabbit") != 42 || tok.Decode("rabbit") != 42 {
		t.Error("decode through cache")
	}
	if tok.Decode("unicorn") != 0 {
		t.Error("garbage should decode to 0")
	}
	if tok.Len() != 1 {
		t.Errorf("failed decodes must not be cached, len=%d", tok.Len())
	}
	if _, err := NewTokens(ident.Animals{}, 0); err == nil {
		t.Error("zero size should be rejected")
	}
}

func TestWritesApplyAttachmentRule(t *testing.T) {
	store := newFakeStore(pasta(7, 1, 0))
	p := loadTest(t, store, 100)
	ctx := context.Background()
	cur, ok := p.Lookup(ctx, p.Codec().Encode(7))
	if !ok {
		t.Fatal("record 7 not found")
	}
	cur.File = &domain.PastaFile{Name: "a.txt", Size: 0}
	if err := p.Update(ctx, cur); err != nil {
		t.Fatal(err)
	}
	if got, _ := p.Lookup(ctx, p.Codec().Encode(7)); got.File != nil {
		t.Errorf("zero-size file kept after update: %+v", got.File)
	}
	store.mu.Lock()
	if store.rows[7].File != nil {
		t.Errorf("zero-size file written to store: %+v", store.rows[7].File)
	}
	store.mu.Unlock()
	np := domain.Paste{Created: 2, File: &domain.PastaFile{Size: 5}}
	if err := p.Insert(ctx, &np); err != nil {
		t.Fatal(err)
	}
	if got, _ := p.Lookup(ctx, p.Codec().Encode(np.ID)); got.File != nil {
		t.Errorf("nameless file kept after insert: %+v", got.File)
	}
	ok2 := domain.Paste{Created: 3, File: &domain.PastaFile{Name: "b.bin", Size: 3}}
	if err := p.Insert(ctx, &ok2); err != nil {
		t.Fatal(err)
	}
	if got, _ := p.Lookup(ctx, p.Codec().Encode(ok2.ID)); got.File == nil || got.File.Name != "b.bin" {
		t.Errorf("valid file lost: %+v", got.File)
	}
}

func TestDoReleasesLockOnPanic(t *testing.T) {
	p := loadTest(t, newFakeStore(pasta(1, 1, 0)), 100)
	ctx := context.Background()
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("panic not propagated")
			}
		}()
		p.Do(ctx, func(tx *Tx) error { panic("boom") })
	}()
	done := make(chan int)
	go func() { done <- len(p.List(ctx)) }()
	select {
	case n := <-done:
		if n != 1 {
			t.Errorf("len = %d, want 1", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("lock still held after panic")
	}
}
