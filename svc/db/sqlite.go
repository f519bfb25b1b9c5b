package db

import (
	"context"
	"database/sql"
	"pastabin/metrics"
	"pastabin/pkg/domain"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 1
	defaultMaxIdleConns = 1
	defaultQueryTimeout = 5 * time.Second
)

const createTable = `
CREATE TABLE IF NOT EXISTS pasta (
	id INTEGER PRIMARY KEY,
	title TEXT,
	content TEXT NOT NULL,
	file_name TEXT,
	file_size INTEGER,
	extension TEXT NOT NULL,
	read_only INTEGER NOT NULL,
	private INTEGER NOT NULL,
	editable INTEGER NOT NULL,
	encrypt_server INTEGER NOT NULL,
	encrypt_client INTEGER NOT NULL,
	encrypted_key TEXT,
	created INTEGER NOT NULL,
	expiration INTEGER NOT NULL,
	last_read INTEGER NOT NULL,
	read_count INTEGER NOT NULL,
	burn_after_reads INTEGER NOT NULL,
	pasta_type TEXT NOT NULL
)`

const pastaColumns = `id, title, content, file_name, file_size, extension, read_only, private,
	editable, encrypt_server, encrypt_client, encrypted_key, created, expiration, last_read,
	read_count, burn_after_reads, pasta_type`

const insertPasta = `INSERT INTO pasta (` + pastaColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const updatePasta = `UPDATE pasta SET title = ?, content = ?, file_name = ?, file_size = ?,
	extension = ?, read_only = ?, private = ?, editable = ?, encrypt_server = ?,
	encrypt_client = ?, encrypted_key = ?, created = ?, expiration = ?, last_read = ?,
	read_count = ?, burn_after_reads = ?, pasta_type = ? WHERE id = ?`

// SQLite is the durable copy of the pasta set. The in-memory cache is the
// source of truth at runtime; this type only mirrors its mutations.
type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}
func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}
func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	s := &SQLite{db: db, queryTimeout: queryTimeout}
	if err := s.pragmas(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "pragmas")
	}
	return s, nil
}
func (s *SQLite) pragmas() error {
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	if _, err := s.db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	if _, err := s.db.Exec("PRAGMA synchronous=FULL"); err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	return nil
}
func (s *SQLite) checkCircuit() error {
	switch atomic.LoadInt32(&s.circuitState) {
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}
func (s *SQLite) recordError(op string, err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	metrics.StoreErrors.WithLabelValues(op).Inc()
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ensureSchema creates the table and adds the title column to databases
// written before titles existed.
func ensureSchema(ctx context.Context, x execer) error {
	if _, err := x.ExecContext(ctx, createTable); err != nil {
		return errors.Wrap(err, "create table")
	}
	var n int
	err := x.QueryRowContext(ctx, `SELECT COUNT(*) FROM pragma_table_info('pasta') WHERE name = 'title'`).Scan(&n)
	if err != nil {
		return errors.Wrap(err, "probe title column")
	}
	if n == 0 {
		if _, err := x.ExecContext(ctx, `ALTER TABLE pasta ADD COLUMN title TEXT`); err != nil {
			return errors.Wrap(err, "add title column")
		}
	}
	return nil
}
func (s *SQLite) EnsureSchema(ctx context.Context) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	err := ensureSchema(queryCtx, s.db)
	s.recordError("migrate", err)
	return err
}

// ReadAll loads every row ordered by creation time, oldest first.
func (s *SQLite) ReadAll(ctx context.Context) ([]domain.Paste, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, `SELECT `+pastaColumns+` FROM pasta ORDER BY created ASC`)
	if err != nil {
		s.recordError("read_all", err)
		return nil, errors.Wrap(err, "db read all")
	}
	defer rows.Close()
	var out []domain.Paste
	for rows.Next() {
		p, err := scanPasta(rows)
		if err != nil {
			s.recordError("read_all", err)
			return nil, errors.Wrap(err, "scan pasta")
		}
		out = append(out, p)
	}
	err = rows.Err()
	s.recordError("read_all", err)
	return out, errors.Wrap(err, "db read all")
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPasta(r scanner) (domain.Paste, error) {
	var (
		p                                   domain.Paste
		id                                  int64
		title, fileName, encKey             sql.NullString
		fileSize                            sql.NullInt64
		ro, priv, edit, encSrv, encCli      int64
		created, exp, lastRead, reads, burn int64
	)
	err := r.Scan(&id, &title, &p.Content, &fileName, &fileSize, &p.Extension, &ro, &priv,
		&edit, &encSrv, &encCli, &encKey, &created, &exp, &lastRead, &reads, &burn, &p.PastaType)
	if err != nil {
		return p, err
	}
	p.ID = uint64(id)
	p.Title = title.String
	if !title.Valid || title.String == "" {
		p.Title = domain.DefaultTitle(p.ID)
	}
	if fileSize.Int64 > 0 {
		p.File = domain.NewPastaFile(fileName.String, uint64(fileSize.Int64))
	}
	p.ReadOnly, p.Private, p.Editable = ro != 0, priv != 0, edit != 0
	p.EncryptServer, p.EncryptClient = encSrv != 0, encCli != 0
	p.EncryptedKey = encKey.String
	p.Created, p.Expiration, p.LastRead = created, exp, lastRead
	p.ReadCount, p.BurnAfterReads = uint64(reads), uint64(burn)
	return p, nil
}

// mutableArgs is the column order shared by insert (after id) and update (before id).
func mutableArgs(p *domain.Paste) []interface{} {
	var fileName sql.NullString
	var fileSize sql.NullInt64
	if p.HasFile() {
		fileName = sql.NullString{String: p.File.Name, Valid: true}
		fileSize = sql.NullInt64{Int64: int64(p.File.Size), Valid: true}
	}
	encKey := sql.NullString{String: p.EncryptedKey, Valid: p.EncryptedKey != ""}
	return []interface{}{
		p.Title, p.Content, fileName, fileSize, p.Extension,
		boolInt(p.ReadOnly), boolInt(p.Private), boolInt(p.Editable),
		boolInt(p.EncryptServer), boolInt(p.EncryptClient), encKey,
		p.Created, p.Expiration, p.LastRead, int64(p.ReadCount), int64(p.BurnAfterReads), p.PastaType,
	}
}
func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
func insertArgs(p *domain.Paste) []interface{} {
	return append([]interface{}{int64(p.ID)}, mutableArgs(p)...)
}

// RewriteAll replaces the whole table with ps in a single transaction.
func (s *SQLite) RewriteAll(ctx context.Context, ps []domain.Paste) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	err := s.rewriteAll(queryCtx, ps)
	s.recordError("rewrite_all", err)
	return err
}
func (s *SQLite) rewriteAll(ctx context.Context, ps []domain.Paste) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin rewrite")
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS pasta`); err != nil {
		return errors.Wrap(err, "drop table")
	}
	if err := ensureSchema(ctx, tx); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, insertPasta)
	if err != nil {
		return errors.Wrap(err, "prepare insert")
	}
	defer stmt.Close()
	for i := range ps {
		if _, err := stmt.ExecContext(ctx, insertArgs(&ps[i])...); err != nil {
			return errors.Wrapf(err, "insert pasta %d", ps[i].ID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit rewrite")
}
func (s *SQLite) Insert(ctx context.Context, p *domain.Paste) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx, insertPasta, insertArgs(p)...)
	s.recordError("insert", err)
	return errors.Wrap(err, "db insert")
}
func (s *SQLite) Update(ctx context.Context, p *domain.Paste) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	args := append(mutableArgs(p), int64(p.ID))
	_, err := s.db.ExecContext(queryCtx, updatePasta, args...)
	s.recordError("update", err)
	return errors.Wrap(err, "db update")
}

// DeleteByID is a no-op for ids that are not stored.
func (s *SQLite) DeleteByID(ctx context.Context, id uint64) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx, `DELETE FROM pasta WHERE id = ?`, int64(id))
	s.recordError("delete", err)
	return errors.Wrap(err, "db delete")
}
func (s *SQLite) Ping(ctx context.Context) error {
	var result int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}
func (s *SQLite) Close() error {
	return s.db.Close()
}
