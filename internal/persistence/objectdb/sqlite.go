// Package objectdb persists space objects outside the process. The world
// treats it as best-effort: writes are queued and never block a mutation.
package objectdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"spodb.dev/internal/sim/world"
)

var (
	ErrQueueFull = errors.New("objectdb: write queue full")
	ErrClosed    = errors.New("objectdb: closed")
	ErrNoRow     = errors.New("objectdb: no such row")
)

type SQLiteStore struct {
	db  *sql.DB
	log *log.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan writeReq
	wg     sync.WaitGroup
	once   sync.Once

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

type writeKind int

const (
	writeUpdate writeKind = iota + 1
	writeTombstone
)

type writeReq struct {
	kind writeKind
	id   string
	doc  string
	sys  any
	at   string
	done chan error
}

// Row is a durable object row as stored.
type Row struct {
	ID          string       `json:"id"`
	SystemID    string       `json:"system_id,omitempty"`
	Doc         world.Values `json:"doc"`
	Tombstone   bool         `json:"tombstone"`
	TombstoneAt string       `json:"tombstone_at,omitempty"`
}

type Stats struct {
	Written       uint64 `json:"written"`
	Failed        uint64 `json:"failed"`
	Dropped       uint64 `json:"dropped"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
}

func OpenSQLite(path string, queue int, logger *log.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if queue <= 0 {
		queue = 4096
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteStore{
		db:  db,
		log: logger,
		ch:  make(chan writeReq, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS space_objects (
			id TEXT PRIMARY KEY,
			system_id TEXT,
			doc TEXT NOT NULL,
			tombstone INTEGER NOT NULL DEFAULT 0,
			tombstone_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_space_objects_tombstone ON space_objects(tombstone);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close drains queued writes and closes the database.
func (s *SQLiteStore) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteStore) Stats() Stats {
	return Stats{
		Written:       s.written.Load(),
		Failed:        s.failed.Load(),
		Dropped:       s.dropped.Load(),
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
	}
}

// Insert writes a new row synchronously and returns its time-based id.
func (s *SQLiteStore) Insert(ctx context.Context, doc world.Values) (string, error) {
	id, err := newID()
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		s.failed.Add(1)
		s.printf("objectdb encode failed kind=insert id=%s err=%v", id, err)
		return "", fmt.Errorf("encode doc: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO space_objects(id, system_id, doc, tombstone) VALUES(?,?,?,0)`,
		id, systemID(doc), string(raw))
	if err != nil {
		return "", err
	}
	s.written.Add(1)
	return id, nil
}

// Update queues a replacement of the row's doc.
func (s *SQLiteStore) Update(id string, doc world.Values) <-chan error {
	raw, err := json.Marshal(doc)
	if err != nil {
		s.failed.Add(1)
		s.printf("objectdb encode failed kind=update id=%s err=%v", id, err)
		return resolved(fmt.Errorf("encode doc: %w", err))
	}
	return s.enqueue(writeReq{kind: writeUpdate, id: id, doc: string(raw), sys: systemID(doc)})
}

// Tombstone queues the soft delete of a row. A row is only ever tombstoned
// once; later calls leave tombstone_at untouched.
func (s *SQLiteStore) Tombstone(id string) <-chan error {
	return s.enqueue(writeReq{kind: writeTombstone, id: id, at: time.Now().UTC().Format(time.RFC3339Nano)})
}

func (s *SQLiteStore) enqueue(r writeReq) <-chan error {
	r.done = make(chan error, 1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		r.done <- ErrClosed
		return r.done
	}
	select {
	case s.ch <- r:
	default:
		s.dropped.Add(1)
		s.printf("objectdb queue full; drop kind=%d id=%s", r.kind, r.id)
		r.done <- ErrQueueFull
	}
	return r.done
}

// LoadActive calls fn for every non-tombstoned row in insertion order.
func (s *SQLiteStore) LoadActive(ctx context.Context, fn func(id string, doc world.Values) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, doc FROM space_objects WHERE tombstone = 0 ORDER BY rowid`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return err
		}
		var doc world.Values
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return fmt.Errorf("row %s: %w", id, err)
		}
		if err := fn(id, doc); err != nil {
			return err
		}
	}
	return rows.Err()
}

// List returns rows in insertion order, tombstoned ones only when asked.
func (s *SQLiteStore) List(ctx context.Context, includeTombstoned bool) ([]Row, error) {
	q := `SELECT id, COALESCE(system_id,''), doc, tombstone, COALESCE(tombstone_at,'') FROM space_objects`
	if !includeTombstoned {
		q += ` WHERE tombstone = 0`
	}
	q += ` ORDER BY rowid`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var raw string
		var tomb int
		if err := rows.Scan(&r.ID, &r.SystemID, &raw, &tomb, &r.TombstoneAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &r.Doc); err != nil {
			return nil, fmt.Errorf("row %s: %w", r.ID, err)
		}
		r.Tombstone = tomb != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loop() {
	for r := range s.ch {
		err := s.apply(r)
		if err != nil {
			s.failed.Add(1)
			s.printf("objectdb write failed kind=%d id=%s err=%v", r.kind, r.id, err)
		} else {
			s.written.Add(1)
		}
		r.done <- err
	}
}

func (s *SQLiteStore) apply(r writeReq) error {
	ctx := context.Background()
	switch r.kind {
	case writeUpdate:
		res, err := s.db.ExecContext(ctx, `UPDATE space_objects SET doc = ?, system_id = ? WHERE id = ?`, r.doc, r.sys, r.id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("update %s: %w", r.id, ErrNoRow)
		}
		return nil
	case writeTombstone:
		_, err := s.db.ExecContext(ctx,
			`UPDATE space_objects SET tombstone = 1, tombstone_at = ? WHERE id = ? AND tombstone = 0 AND tombstone_at IS NULL`,
			r.at, r.id)
		return err
	default:
		return fmt.Errorf("unknown write kind %d", r.kind)
	}
}

func (s *SQLiteStore) printf(format string, args ...any) {
	if s != nil && s.log != nil {
		s.log.Printf(format, args...)
	}
}

func newID() (string, error) {
	u, err := uuid.NewUUID()
	if err != nil {
		u, err = uuid.NewRandom()
		if err != nil {
			return "", fmt.Errorf("allocate id: %w", err)
		}
	}
	return u.String(), nil
}

func systemID(doc world.Values) any {
	if v, ok := doc["solar_system"].(string); ok && v != "" {
		return v
	}
	return nil
}

func resolved(err error) <-chan error {
	ch := make(chan error, 1)
	ch <- err
	return ch
}
