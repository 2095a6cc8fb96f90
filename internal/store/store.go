// Package store implements the persisted message document: a JSON object
// mapping local microsecond timestamps to submitted records. Every append
// reads the whole document, inserts one record and writes the whole document
// back, so appends are serialized behind a single mutex (and the backend's
// cross-process lock when it offers one).
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/postbox/internal/clock"
	"pkt.systems/postbox/internal/logging"
	"pkt.systems/postbox/internal/record"
	"pkt.systems/postbox/internal/storage"
)

// TimestampLayout formats document keys: ISO-8601 local time with six
// fractional digits so lexical order matches chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// Document is the full persisted mapping of timestamp to record.
type Document map[string]record.Record

// Key renders ts as a document key in the local time zone.
func Key(ts time.Time) string {
	return ts.Local().Format(TimestampLayout)
}

// Store serializes reads and read-modify-write appends against a backend.
type Store struct {
	backend storage.Backend
	locker  storage.Locker
	where   string
	clock   clock.Clock
	logger  pslog.Logger
	metrics *storeMetrics

	mu sync.Mutex
}

// Option customises a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l pslog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the clock used by AppendNow.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// New wraps backend. The backend's Locker, if any (possibly behind
// decorators), is taken around every append.
func New(backend storage.Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		where:   storage.Describe(backend),
		clock:   clock.Real{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.WithSubsystem(s.logger, "store")
	s.metrics = newStoreMetrics(s.logger)
	if l, ok := storage.AsLocker(backend); ok {
		s.locker = l
	}
	return s
}

// Location describes where the document lives.
func (s *Store) Location() string { return s.where }

// Init creates the empty document when the backend reports it absent. It is
// idempotent and leaves an existing document untouched.
func (s *Store) Init(ctx context.Context) (created bool, err error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()

	_, err = s.backend.ReadDocument(ctx)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, storage.ErrNotFound):
		return false, fmt.Errorf("store: probe %s: %w", s.where, err)
	}
	if err := s.backend.WriteDocument(ctx, []byte("{}")); err != nil {
		return false, fmt.Errorf("store: create %s: %w", s.where, err)
	}
	s.logger.Info("store.init.created", "location", s.where)
	return true, nil
}

// Load reads and decodes the full document.
func (s *Store) Load(ctx context.Context) (Document, error) {
	doc, _, err := s.load(ctx)
	return doc, err
}

// Len returns the number of records in the document and its encoded size.
func (s *Store) Len(ctx context.Context) (entries int, size int, err error) {
	doc, size, err := s.load(ctx)
	if err != nil {
		return 0, 0, err
	}
	return len(doc), size, nil
}

// Append inserts rec under Key(ts), silently replacing a record stored under
// the same key, and writes the document back.
func (s *Store) Append(ctx context.Context, rec record.Record, ts time.Time) error {
	begin := time.Now()
	key := Key(ts)
	unlock, err := s.lock(ctx)
	if err != nil {
		s.metrics.recordAppendError(ctx, "lock")
		return err
	}
	defer unlock()

	doc, _, err := s.load(ctx)
	if err != nil {
		s.metrics.recordAppendError(ctx, reason(err))
		return err
	}
	if _, exists := doc[key]; exists {
		s.logger.Warn("store.append.key_collision", "key", key)
	}
	doc[key] = rec.Clone()
	data, err := encode(doc)
	if err != nil {
		s.metrics.recordAppendError(ctx, "encode")
		return err
	}
	if err := s.backend.WriteDocument(ctx, data); err != nil {
		s.metrics.recordAppendError(ctx, "write")
		return fmt.Errorf("store: write %s: %w", s.where, err)
	}
	elapsed := time.Since(begin)
	s.metrics.recordAppend(ctx, float64(elapsed.Microseconds())/1000, len(data))
	logging.FromContext(ctx, s.logger).Debug("store.append.success",
		"key", key,
		"fields", len(rec),
		"entries", len(doc),
		"bytes", len(data),
		"elapsed", elapsed,
	)
	return nil
}

// AppendNow appends rec keyed by the store clock's current local time and
// returns the key used.
func (s *Store) AppendNow(ctx context.Context, rec record.Record) (string, error) {
	ts := s.clock.Now()
	if err := s.Append(ctx, rec, ts); err != nil {
		return "", err
	}
	return Key(ts), nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) lock(ctx context.Context) (func(), error) {
	s.mu.Lock()
	if s.locker == nil {
		return s.mu.Unlock, nil
	}
	release, err := s.locker.Lock(ctx)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("store: lock %s: %w", s.where, err)
	}
	return func() {
		if err := release(); err != nil {
			s.logger.Warn("store.unlock.error", "location", s.where, "error", err)
		}
		s.mu.Unlock()
	}, nil
}

func (s *Store) load(ctx context.Context) (Document, int, error) {
	data, err := s.backend.ReadDocument(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, 0, &MissingStoreError{Location: s.where}
		}
		return nil, 0, fmt.Errorf("store: read %s: %w", s.where, err)
	}
	doc, err := decode(data)
	if err != nil {
		return nil, 0, &CorruptStoreError{Location: s.where, Err: err}
	}
	return doc, len(data), nil
}

func decode(data []byte) (Document, error) {
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errors.New("document is not an object")
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after document")
	}
	for key, rec := range doc {
		if rec == nil {
			return nil, fmt.Errorf("entry %q is not an object", key)
		}
	}
	return doc, nil
}

// encode writes the document with a one-space indent and sorted keys.
func encode(doc Document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", " ")
	if err != nil {
		return nil, fmt.Errorf("store: encode: %w", err)
	}
	return data, nil
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrMissingStore):
		return "missing"
	case errors.Is(err, ErrCorruptStore):
		return "corrupt"
	default:
		return "read"
	}
}
