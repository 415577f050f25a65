// Package retryqueue buffers mutating requests that failed while the device
// was offline and replays them when connectivity returns. The queue is
// persisted to bbolt so pending uploads survive a restart. Replay is driven
// by online transitions, never by timers: a request that fails again simply
// waits for the next transition.
package retryqueue

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

var bucketRequests = []byte("failed_requests")

// Request is one queued mutating call. Replays may happen long after the
// optimistic local state moved on, so idempotency is the caller's contract
// (stable client-generated ids).
type Request struct {
	ID        string
	Method    string
	Path      string
	Body      []byte
	Timestamp time.Time
}

type dbRequest struct {
	ID        string `msgpack:"id"`
	Method    string `msgpack:"method"`
	Path      string `msgpack:"path"`
	Body      []byte `msgpack:"body"`
	Timestamp int64  `msgpack:"timestamp"`
}

// Key orders requests by enqueue time, with the id as tiebreaker.
func (r *dbRequest) key() []byte {
	key := make([]byte, 8, 8+len(r.ID))
	binary.BigEndian.PutUint64(key, uint64(r.Timestamp))
	return append(key, r.ID...)
}

type Queue struct {
	db *bbolt.DB

	mu       sync.Mutex
	inflight map[string]bool
}

func Open(path string) (*Queue, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open retry queue db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRequests)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	return &Queue{db: db, inflight: make(map[string]bool)}, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue persists a failed request for later replay.
func (q *Queue) Enqueue(req Request) error {
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}
	rec := dbRequest{
		ID:        req.ID,
		Method:    req.Method,
		Path:      req.Path,
		Body:      req.Body,
		Timestamp: req.Timestamp.UnixNano(),
	}
	return q.db.Update(func(tx *bbolt.Tx) error {
		data, err := msgpack.Marshal(&rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRequests).Put(rec.key(), data)
	})
}

// List returns the queued requests in enqueue order.
func (q *Queue) List() ([]Request, error) {
	var out []Request
	err := q.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRequests).ForEach(func(k, v []byte) error {
			var rec dbRequest
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, Request{
				ID:        rec.ID,
				Method:    rec.Method,
				Path:      rec.Path,
				Body:      rec.Body,
				Timestamp: time.Unix(0, rec.Timestamp),
			})
			return nil
		})
	})
	return out, err
}

// Len returns the number of queued requests.
func (q *Queue) Len() (int, error) {
	n := 0
	err := q.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketRequests).Stats().KeyN
		return nil
	})
	return n, err
}

// Replay runs each queued request through do, in order. Successful requests
// are removed; failed ones stay queued for the next call. A request already
// being replayed by a concurrent Replay is skipped, so no logical request
// ever runs twice at once.
func (q *Queue) Replay(ctx context.Context, do func(ctx context.Context, req Request) error) error {
	reqs, err := q.List()
	if err != nil {
		return err
	}

	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			return err
		}

		q.mu.Lock()
		if q.inflight[req.ID] {
			q.mu.Unlock()
			continue
		}
		q.inflight[req.ID] = true
		q.mu.Unlock()

		runErr := do(ctx, req)

		q.mu.Lock()
		delete(q.inflight, req.ID)
		q.mu.Unlock()

		if runErr != nil {
			continue
		}
		if err := q.remove(req); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) remove(req Request) error {
	rec := dbRequest{ID: req.ID, Timestamp: req.Timestamp.UnixNano()}
	return q.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRequests).Delete(rec.key())
	})
}
