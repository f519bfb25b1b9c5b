package cache

import (
	"context"
	"pastabin/metrics"
	"pastabin/pkg/domain"
	"pastabin/pkg/ident"
	"pastabin/svc/util"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Durable is the write-through target of every mutation.
type Durable interface {
	ReadAll(ctx context.Context) ([]domain.Paste, error)
	RewriteAll(ctx context.Context, ps []domain.Paste) error
	Insert(ctx context.Context, p *domain.Paste) error
	Update(ctx context.Context, p *domain.Paste) error
	DeleteByID(ctx context.Context, id uint64) error
}

// Pastas is the in-memory truth for all live records, ordered by creation
// time. One mutex serializes every read and write, durable calls included.
type Pastas struct {
	mu      sync.Mutex
	items   []domain.Paste
	store   Durable
	codec   ident.Codec
	now     func() time.Time
	orphans map[uint64]struct{}
	evicted []domain.Paste
	onEvict func(token string, p domain.Paste)
}

// Load reads the durable set into memory. A failure here is fatal for the caller.
func Load(ctx context.Context, store Durable, codec ident.Codec) (*Pastas, error) {
	items, err := store.ReadAll(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load pastas")
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Created < items[j].Created })
	p := &Pastas{
		items:   items,
		store:   store,
		codec:   codec,
		now:     time.Now,
		orphans: make(map[uint64]struct{}),
	}
	metrics.LivePastas.Set(float64(len(items)))
	return p, nil
}

// SetClock replaces the time source used by the sweep.
func (p *Pastas) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

// OnEvict registers a hook run for every record the sweep removes. It is
// called after the lock is released.
func (p *Pastas) OnEvict(fn func(token string, pasta domain.Paste)) {
	p.mu.Lock()
	p.onEvict = fn
	p.mu.Unlock()
}
func (p *Pastas) Codec() ident.Codec { return p.codec }

// Do sweeps and then runs fn with exclusive access to the set. The lock is
// released even when fn panics.
func (p *Pastas) Do(ctx context.Context, fn func(tx *Tx) error) error {
	evicted, hook, err := p.run(ctx, fn)
	if hook != nil {
		for _, e := range evicted {
			hook(p.codec.Encode(e.ID), e)
		}
	}
	return err
}
func (p *Pastas) run(ctx context.Context, fn func(tx *Tx) error) (evicted []domain.Paste, hook func(string, domain.Paste), err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() {
		evicted, hook = p.evicted, p.onEvict
		p.evicted = nil
	}()
	swept := p.removeExpired(ctx)
	return nil, nil, fn(&Tx{p: p, ctx: ctx, swept: swept})
}

// Sweep runs the expiration pass on its own and reports how many records went.
func (p *Pastas) Sweep(ctx context.Context) int {
	var n int
	p.Do(ctx, func(tx *Tx) error {
		n = tx.swept
		return nil
	})
	return n
}

// removeExpired must be called with mu held. Expired records always leave
// memory; a failed durable delete is parked in orphans and retried.
func (p *Pastas) removeExpired(ctx context.Context) int {
	for id := range p.orphans {
		if err := p.store.DeleteByID(ctx, id); err != nil {
			util.Warn().Err(err).Uint64("id", id).Msg("orphan delete retry failed")
			continue
		}
		delete(p.orphans, id)
	}
	now := p.now().Unix()
	kept := p.items[:0]
	removed := 0
	for _, it := range p.items {
		if !it.Expired(now) {
			kept = append(kept, it)
			continue
		}
		removed++
		if err := p.store.DeleteByID(ctx, it.ID); err != nil {
			util.Error().Err(err).Uint64("id", it.ID).Msg("expired pasta delete failed, will retry")
			p.orphans[it.ID] = struct{}{}
		}
		p.evicted = append(p.evicted, it)
	}
	for i := len(kept); i < len(p.items); i++ {
		p.items[i] = domain.Paste{}
	}
	p.items = kept
	if removed > 0 {
		metrics.PastaRemoved.WithLabelValues("expired").Add(float64(removed))
		util.Debug().Int("removed", removed).Msg("expired pastas swept")
	}
	metrics.LivePastas.Set(float64(len(p.items)))
	metrics.OrphanedDeletes.Set(float64(len(p.orphans)))
	return removed
}
func (p *Pastas) indexOf(id uint64) int {
	for i := range p.items {
		if p.items[i].ID == id {
			return i
		}
	}
	return -1
}

// Orphans lists ids whose durable delete is still pending.
func (p *Pastas) Orphans() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint64, 0, len(p.orphans))
	for id := range p.orphans {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
func (p *Pastas) List(ctx context.Context) []domain.Paste {
	var out []domain.Paste
	p.Do(ctx, func(tx *Tx) error {
		out = tx.List()
		return nil
	})
	return out
}
func (p *Pastas) Lookup(ctx context.Context, token string) (domain.Paste, bool) {
	var out domain.Paste
	var ok bool
	p.Do(ctx, func(tx *Tx) error {
		out, ok = tx.Find(token)
		return nil
	})
	return out, ok
}
func (p *Pastas) Has(ctx context.Context, id uint64) bool {
	var ok bool
	p.Do(ctx, func(tx *Tx) error {
		_, ok = tx.FindID(id)
		return nil
	})
	return ok
}
func (p *Pastas) Insert(ctx context.Context, pasta *domain.Paste) error {
	return p.Do(ctx, func(tx *Tx) error { return tx.Insert(pasta) })
}
func (p *Pastas) Update(ctx context.Context, pasta domain.Paste) error {
	return p.Do(ctx, func(tx *Tx) error { return tx.Update(pasta) })
}
func (p *Pastas) Remove(ctx context.Context, id uint64) (domain.Paste, error) {
	var out domain.Paste
	err := p.Do(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Remove(id)
		return err
	})
	return out, err
}
func (p *Pastas) Rewrite(ctx context.Context, ps []domain.Paste) error {
	return p.Do(ctx, func(tx *Tx) error { return tx.Rewrite(ps) })
}
func (p *Pastas) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// Tx is the view of the set inside Do. It must not escape fn.
type Tx struct {
	p     *Pastas
	ctx   context.Context
	swept int
}

func (tx *Tx) Context() context.Context { return tx.ctx }
func (tx *Tx) Now() int64               { return tx.p.now().Unix() }
func (tx *Tx) Token(id uint64) string   { return tx.p.codec.Encode(id) }

// Find resolves a public token to a copy of the live record.
func (tx *Tx) Find(token string) (domain.Paste, bool) {
	id := tx.p.codec.Decode(token)
	if id == 0 {
		return domain.Paste{}, false
	}
	return tx.FindID(id)
}
func (tx *Tx) FindID(id uint64) (domain.Paste, bool) {
	i := tx.p.indexOf(id)
	if i < 0 {
		return domain.Paste{}, false
	}
	return clone(tx.p.items[i]), true
}
func (tx *Tx) List() []domain.Paste {
	out := make([]domain.Paste, len(tx.p.items))
	for i := range tx.p.items {
		out[i] = clone(tx.p.items[i])
	}
	return out
}

// Insert assigns an id when pasta.ID is zero, writes through, then places the
// record by creation time.
func (tx *Tx) Insert(pasta *domain.Paste) error {
	p := tx.p
	if pasta.ID == 0 {
		id, err := util.GenID(func(id uint64) bool {
			_, orphan := p.orphans[id]
			return orphan || p.indexOf(id) >= 0
		})
		if err != nil {
			return errors.Wrap(domain.ErrIDGeneration, err.Error())
		}
		pasta.ID = id
	} else if _, orphan := p.orphans[pasta.ID]; orphan || p.indexOf(pasta.ID) >= 0 {
		return domain.ErrDuplicateID
	}
	if pasta.Title == "" {
		pasta.Title = domain.DefaultTitle(pasta.ID)
	}
	pasta.File = normFile(pasta.File)
	if err := p.store.Insert(tx.ctx, pasta); err != nil {
		return errors.Wrap(err, "insert pasta")
	}
	at := sort.Search(len(p.items), func(i int) bool { return p.items[i].Created > pasta.Created })
	p.items = append(p.items, domain.Paste{})
	copy(p.items[at+1:], p.items[at:])
	p.items[at] = clone(*pasta)
	metrics.PastaInserted.Inc()
	metrics.LivePastas.Set(float64(len(p.items)))
	return nil
}

// Update replaces the record with the same id. Position is kept.
func (tx *Tx) Update(pasta domain.Paste) error {
	p := tx.p
	i := p.indexOf(pasta.ID)
	if i < 0 {
		return domain.ErrPasteNotFound
	}
	pasta.File = normFile(pasta.File)
	if err := p.store.Update(tx.ctx, &pasta); err != nil {
		return errors.Wrap(err, "update pasta")
	}
	p.items[i] = clone(pasta)
	metrics.PastaUpdated.Inc()
	return nil
}

// Remove deletes durably first, then from memory, keeping the order of the rest.
func (tx *Tx) Remove(id uint64) (domain.Paste, error) {
	p := tx.p
	i := p.indexOf(id)
	if i < 0 {
		return domain.Paste{}, domain.ErrPasteNotFound
	}
	if err := p.store.DeleteByID(tx.ctx, id); err != nil {
		return domain.Paste{}, errors.Wrap(err, "remove pasta")
	}
	out := p.items[i]
	copy(p.items[i:], p.items[i+1:])
	p.items[len(p.items)-1] = domain.Paste{}
	p.items = p.items[:len(p.items)-1]
	metrics.LivePastas.Set(float64(len(p.items)))
	return out, nil
}

// Rewrite replaces the whole set, durably first.
func (tx *Tx) Rewrite(ps []domain.Paste) error {
	next := make([]domain.Paste, len(ps))
	seen := make(map[uint64]struct{}, len(ps))
	for i := range ps {
		if ps[i].ID == 0 {
			return domain.ErrInvalidID
		}
		if _, dup := seen[ps[i].ID]; dup {
			return domain.ErrDuplicateID
		}
		seen[ps[i].ID] = struct{}{}
		next[i] = clone(ps[i])
	}
	sort.SliceStable(next, func(i, j int) bool { return next[i].Created < next[j].Created })
	if err := tx.p.store.RewriteAll(tx.ctx, next); err != nil {
		return errors.Wrap(err, "rewrite pastas")
	}
	tx.p.items = next
	tx.p.orphans = make(map[uint64]struct{})
	metrics.LivePastas.Set(float64(len(next)))
	return nil
}
func clone(p domain.Paste) domain.Paste {
	p.File = normFile(p.File)
	return p
}

// normFile copies f under the attachment rule: no name or no size means none.
func normFile(f *domain.PastaFile) *domain.PastaFile {
	if f == nil {
		return nil
	}
	return domain.NewPastaFile(f.Name, f.Size)
}
