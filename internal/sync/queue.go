package sync

import (
	"encoding/json"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/rostersync/internal/mirror"
	"github.com/noah-isme/rostersync/internal/models"
)

const queueMirrorKey = "pending_writes"

const (
	OpPut    = "put"
	OpDelete = "delete"
)

// Entry is one queued remote write. Doc is nil for deletes.
type Entry struct {
	Seq        uint64            `json:"seq"`
	Collection models.Collection `json:"collection"`
	ID         string            `json:"id"`
	Op         string            `json:"op"`
	Doc        *models.Document  `json:"doc,omitempty"`
	Actor      models.Actor      `json:"actor"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// Queue holds remote writes that could not be delivered, in arrival order,
// persisted through the mirror so pending writes survive restarts. Writes to
// the same record coalesce: the entry keeps its queue position and the
// payload is replaced with the latest intent, so a delete supersedes a queued
// update and a later write supersedes a queued delete.
type Queue struct {
	mu      stdsync.Mutex
	entries []Entry
	nextSeq uint64
	mirror  *mirror.Mirror
	logger  *zap.Logger
}

// NewQueue returns a queue restored from the mirror.
func NewQueue(m *mirror.Mirror, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{mirror: m, logger: logger, nextSeq: 1}
	if data, ok := m.Load(queueMirrorKey); ok {
		if err := json.Unmarshal(data, &q.entries); err != nil {
			logger.Warn("discarding unreadable pending write queue", zap.Error(err))
			q.entries = nil
		}
		for _, e := range q.entries {
			if e.Seq >= q.nextSeq {
				q.nextSeq = e.Seq + 1
			}
		}
	}
	return q
}

// Enqueue queues a write, coalescing with any pending write for the same
// record.
func (q *Queue) Enqueue(op string, c models.Collection, id string, doc *models.Document, actor models.Actor) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	for i := range q.entries {
		if q.entries[i].Collection == c && q.entries[i].ID == id {
			q.entries[i].Op = op
			q.entries[i].Doc = doc
			q.entries[i].Actor = actor
			q.entries[i].EnqueuedAt = now
			q.persist()
			return
		}
	}
	q.entries = append(q.entries, Entry{
		Seq:        q.nextSeq,
		Collection: c,
		ID:         id,
		Op:         op,
		Doc:        doc,
		Actor:      actor,
		EnqueuedAt: now,
	})
	q.nextSeq++
	q.persist()
}

// Peek returns a copy of the head entry, or nil when the queue is empty.
func (q *Queue) Peek() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil
	}
	head := q.entries[0]
	return &head
}

// Remove drops the head entry when it still carries the given sequence
// number. Returns false when the head moved on.
func (q *Queue) Remove(seq uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 || q.entries[0].Seq != seq {
		return false
	}
	q.entries = q.entries[1:]
	q.persist()
	return true
}

// Drop removes any pending entry for the record, regardless of position.
func (q *Queue) Drop(c models.Collection, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].Collection == c && q.entries[i].ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			q.persist()
			return true
		}
	}
	return false
}

// DropSuperseded removes a pending entry for the record when a remote write
// stamped at or after ts has overtaken it. An entry newer than ts stays
// queued; it still wins last-write-wins when it replays.
func (q *Queue) DropSuperseded(c models.Collection, id string, ts time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].Collection != c || q.entries[i].ID != id {
			continue
		}
		if q.entries[i].Doc != nil && q.entries[i].Doc.UpdatedAt.After(ts) {
			return false
		}
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		q.persist()
		return true
	}
	return false
}

// Clear abandons every pending write.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return
	}
	q.entries = nil
	q.persist()
}

// Len returns the number of pending writes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a copy of the pending writes in order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// persist writes the queue through the mirror. Callers hold q.mu.
func (q *Queue) persist() {
	data, err := json.Marshal(q.entries)
	if err != nil {
		q.logger.Error("encode pending write queue", zap.Error(err))
		return
	}
	q.mirror.Store(queueMirrorKey, data)
}
