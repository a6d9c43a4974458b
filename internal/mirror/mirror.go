package mirror

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Backend is the blob storage the mirror writes through.
type Backend interface {
	SaveAtomic(filename string, data []byte) (string, error)
	Load(filename string) ([]byte, bool, error)
	Delete(filename string) error
}

// Mirror is the durable on-device key-value mirror of the entity store: one
// serialized blob per collection key, written through a debounced commit so
// bursts of mutations cost one disk write. The mirror is disposable; the
// entity store remains the session's source of truth, so a failed write is
// logged and counted, never surfaced to the caller.
type Mirror struct {
	backend  Backend
	debounce time.Duration
	maxBytes int64
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingWrite
	timer   *time.Timer
	closed  bool

	failures atomic.Int64
}

type pendingWrite struct {
	blob   []byte
	remove bool
}

// Option tunes mirror construction.
type Option func(*Mirror)

// WithMaxBytes caps the size of a single collection blob; larger blobs are
// dropped as quota-exceeded.
func WithMaxBytes(n int64) Option {
	return func(m *Mirror) { m.maxBytes = n }
}

// New constructs a mirror committing through the backend.
func New(backend Backend, debounce time.Duration, logger *zap.Logger, opts ...Option) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}
	m := &Mirror{
		backend:  backend,
		debounce: debounce,
		logger:   logger,
		pending:  make(map[string]*pendingWrite),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load reads the last committed blob for a collection key. Pending writes
// that have not been committed yet are returned in preference to the disk
// copy, so a read immediately after Store observes the staged value.
func (m *Mirror) Load(key string) ([]byte, bool) {
	m.mu.Lock()
	if pw, ok := m.pending[key]; ok {
		defer m.mu.Unlock()
		if pw.remove {
			return nil, false
		}
		out := make([]byte, len(pw.blob))
		copy(out, pw.blob)
		return out, true
	}
	m.mu.Unlock()

	data, ok, err := m.backend.Load(m.filename(key))
	if err != nil {
		m.failures.Add(1)
		m.logger.Warn("mirror read failed", zap.String("collection", key), zap.Error(err))
		return nil, false
	}
	return data, ok
}

// Store stages a blob for the collection key and schedules the debounced
// commit. It never returns an error: mirror degradation must not propagate
// into the mutation path.
func (m *Mirror) Store(key string, blob []byte) {
	staged := make([]byte, len(blob))
	copy(staged, blob)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.pending[key] = &pendingWrite{blob: staged}
	m.schedule()
}

// Delete stages removal of the collection key's blob.
func (m *Mirror) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.pending[key] = &pendingWrite{remove: true}
	m.schedule()
}

// Flush commits every staged write immediately. Called on teardown so no
// debounced write is lost.
func (m *Mirror) Flush() {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	batch := m.pending
	m.pending = make(map[string]*pendingWrite)
	m.mu.Unlock()

	m.commit(batch)
}

// Close flushes and stops accepting writes.
func (m *Mirror) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.Flush()
}

// FailureCount reports how many mirror writes or reads have been dropped.
func (m *Mirror) FailureCount() int64 {
	return m.failures.Load()
}

// schedule arms the debounce timer. Caller holds the lock.
func (m *Mirror) schedule() {
	if m.timer != nil {
		return
	}
	m.timer = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		m.timer = nil
		batch := m.pending
		m.pending = make(map[string]*pendingWrite)
		m.mu.Unlock()

		m.commit(batch)
	})
}

func (m *Mirror) commit(batch map[string]*pendingWrite) {
	for key, pw := range batch {
		if pw.remove {
			if err := m.backend.Delete(m.filename(key)); err != nil {
				m.failures.Add(1)
				m.logger.Warn("mirror delete failed", zap.String("collection", key), zap.Error(err))
			}
			continue
		}
		if m.maxBytes > 0 && int64(len(pw.blob)) > m.maxBytes {
			m.failures.Add(1)
			m.logger.Warn("mirror write exceeds quota, dropped",
				zap.String("collection", key),
				zap.Int("bytes", len(pw.blob)),
				zap.Int64("quota", m.maxBytes))
			continue
		}
		if _, err := m.backend.SaveAtomic(m.filename(key), pw.blob); err != nil {
			m.failures.Add(1)
			m.logger.Warn("mirror write failed", zap.String("collection", key), zap.Error(err))
		}
	}
}

func (m *Mirror) filename(key string) string {
	return key + ".json"
}
