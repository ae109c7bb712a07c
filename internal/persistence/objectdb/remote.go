package objectdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"spodb.dev/internal/sim/world"
)

type RemoteConfig struct {
	// Endpoint receives batched POSTs of row events and answers
	// GET <Endpoint>/objects with the active rows.
	Endpoint      string
	Token         string
	BatchSize     int
	FlushInterval time.Duration
	HTTPTimeout   time.Duration
	Queue         int
	Logger        *log.Logger
}

// RemoteStore ships row changes to an HTTP ingest service in batches. Ids are
// allocated locally so Insert never waits on the network.
type RemoteStore struct {
	cfg        RemoteConfig
	httpClient *http.Client

	mu     sync.RWMutex
	closed bool
	ch     chan remoteEvent
	wg     sync.WaitGroup
	once   sync.Once

	sent        atomic.Uint64
	flushFails  atomic.Uint64
	encodeFails atomic.Uint64
	dropped     atomic.Uint64
}

type remoteEvent struct {
	Kind     string          `json:"kind"`
	ID       string          `json:"id"`
	SystemID any             `json:"system_id,omitempty"`
	Doc      json.RawMessage `json:"doc,omitempty"`
	At       string          `json:"at"`

	done chan error
}

type RemoteStats struct {
	Sent          uint64 `json:"sent"`
	FlushFails    uint64 `json:"flush_fails"`
	EncodeFails   uint64 `json:"encode_fails"`
	Dropped       uint64 `json:"dropped"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
}

func OpenRemote(cfg RemoteConfig) (*RemoteStore, error) {
	cfg.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty remote ingest endpoint")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 32768
	}

	r := &RemoteStore{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		ch:         make(chan remoteEvent, cfg.Queue),
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop()
	}()
	return r, nil
}

func (r *RemoteStore) Close() error {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.ch)
		r.mu.Unlock()
		r.wg.Wait()
	})
	return nil
}

func (r *RemoteStore) Stats() RemoteStats {
	return RemoteStats{
		Sent:          r.sent.Load(),
		FlushFails:    r.flushFails.Load(),
		EncodeFails:   r.encodeFails.Load(),
		Dropped:       r.dropped.Load(),
		QueueDepth:    len(r.ch),
		QueueCapacity: cap(r.ch),
	}
}

func (r *RemoteStore) Insert(_ context.Context, doc world.Values) (string, error) {
	id, err := newID()
	if err != nil {
		return "", err
	}
	raw, err := r.encode("insert", id, doc)
	if err != nil {
		return "", err
	}
	if _, err := r.push(remoteEvent{Kind: "insert", ID: id, SystemID: systemID(doc), Doc: raw}); err != nil {
		return "", err
	}
	return id, nil
}

func (r *RemoteStore) Update(id string, doc world.Values) <-chan error {
	raw, err := r.encode("update", id, doc)
	if err != nil {
		return resolved(err)
	}
	return r.enqueue(remoteEvent{Kind: "update", ID: id, SystemID: systemID(doc), Doc: raw})
}

// encode runs before queueing so an unencodable doc fails only its own write
// instead of the batch it would have joined.
func (r *RemoteStore) encode(kind, id string, doc world.Values) (json.RawMessage, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		r.encodeFails.Add(1)
		r.printf("remote objectdb encode failed kind=%s id=%s err=%v", kind, id, err)
		return nil, fmt.Errorf("encode doc: %w", err)
	}
	return raw, nil
}

func (r *RemoteStore) Tombstone(id string) <-chan error {
	return r.enqueue(remoteEvent{Kind: "tombstone", ID: id})
}

func (r *RemoteStore) enqueue(ev remoteEvent) <-chan error {
	done, err := r.push(ev)
	if err != nil {
		return resolved(err)
	}
	return done
}

func (r *RemoteStore) push(ev remoteEvent) (<-chan error, error) {
	ev.done = make(chan error, 1)
	ev.At = time.Now().UTC().Format(time.RFC3339Nano)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	select {
	case r.ch <- ev:
		return ev.done, nil
	default:
		r.dropped.Add(1)
		r.printf("remote objectdb queue full; drop kind=%s id=%s", ev.Kind, ev.ID)
		return nil, ErrQueueFull
	}
}

// LoadActive fetches the active rows from <Endpoint>/objects.
func (r *RemoteStore) LoadActive(ctx context.Context, fn func(id string, doc world.Values) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.Endpoint+"/objects", nil)
	if err != nil {
		return err
	}
	r.authorize(req)
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var body struct {
		Objects []Row `json:"objects"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode objects: %w", err)
	}
	for _, row := range body.Objects {
		if row.Tombstone {
			continue
		}
		if err := fn(row.ID, row.Doc); err != nil {
			return err
		}
	}
	return nil
}

func (r *RemoteStore) loop() {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]remoteEvent, 0, r.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		err := r.sendBatch(batch)
		if err != nil {
			r.flushFails.Add(1)
			r.printf("remote objectdb flush failed batch=%d err=%v", len(batch), err)
		} else {
			r.sent.Add(uint64(len(batch)))
		}
		for _, ev := range batch {
			ev.done <- err
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-r.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= r.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// sendBatch makes a single attempt. A failed batch is reported to every
// writer in it and is not retried.
func (r *RemoteStore) sendBatch(events []remoteEvent) error {
	body := struct {
		Events []remoteEvent `json:"events"`
	}{Events: events}
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, r.cfg.Endpoint, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	r.authorize(req)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}

func (r *RemoteStore) authorize(req *http.Request) {
	if r.cfg.Token != "" {
		req.Header.Set("x-spodb-ingest-token", r.cfg.Token)
	}
}

func (r *RemoteStore) printf(format string, args ...any) {
	if r != nil && r.cfg.Logger != nil {
		r.cfg.Logger.Printf(format, args...)
	}
}
