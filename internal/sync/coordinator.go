package sync

import (
	"context"
	"encoding/json"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/rostersync/internal/mirror"
	"github.com/noah-isme/rostersync/internal/models"
	"github.com/noah-isme/rostersync/internal/remote"
	"github.com/noah-isme/rostersync/internal/store"
	"github.com/noah-isme/rostersync/pkg/config"
	appErrors "github.com/noah-isme/rostersync/pkg/errors"
)

// metricsRecorder receives sync engine observations.
type metricsRecorder interface {
	SetSyncState(state string)
	IncRemoteWrite(collection, outcome string)
	IncFeedEvent(collection, verdict string)
	SetQueueDepth(depth int)
}

type noopMetrics struct{}

func (noopMetrics) SetSyncState(string)           {}
func (noopMetrics) IncRemoteWrite(string, string) {}
func (noopMetrics) IncFeedEvent(string, string)   {}
func (noopMetrics) SetQueueDepth(int)             {}

// Coordinator owns every mutation path. A write is stamped, applied to the
// entity store, written through the mirror, and then delivered to the remote
// store; when delivery fails on connectivity the write is queued and the call
// still succeeds, so reads observe the write immediately either way. Incoming
// change feed events run through conflict resolution before touching the
// store.
type Coordinator struct {
	store   *store.EntityStore
	mirror  *mirror.Mirror
	remote  remote.Store
	queue   *Queue
	cfg     config.ReplayConfig
	logger  *zap.Logger
	metrics metricsRecorder
	now     func() time.Time

	mu         stdsync.Mutex
	state      models.SyncState
	lastSynced *time.Time
	lastError  string

	kick chan struct{}
}

// CoordinatorOption customizes a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithMetrics attaches a metrics recorder.
func WithMetrics(m metricsRecorder) CoordinatorOption {
	return func(co *Coordinator) {
		if m != nil {
			co.metrics = m
		}
	}
}

// WithClock overrides the stamping clock.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(co *Coordinator) {
		if now != nil {
			co.now = now
		}
	}
}

// NewCoordinator wires the coordinator. The engine starts in the syncing
// state until the first remote contact settles it.
func NewCoordinator(st *store.EntityStore, mir *mirror.Mirror, rem remote.Store, q *Queue, cfg config.ReplayConfig, logger *zap.Logger, opts ...CoordinatorOption) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	co := &Coordinator{
		store:   st,
		mirror:  mir,
		remote:  rem,
		queue:   q,
		cfg:     cfg,
		logger:  logger,
		metrics: noopMetrics{},
		now:     time.Now,
		state:   models.SyncStateSyncing,
		kick:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(co)
	}
	return co
}

// Save stamps and applies one record locally, then delivers it to the remote
// store. Connectivity failures queue the write and still return nil; a
// store-side rejection returns the rejection after restoring the remote copy
// locally.
func (co *Coordinator) Save(ctx context.Context, c models.Collection, rec models.Record, actor models.Actor) error {
	rec.Meta().Stamp(co.now())
	co.store.Put(c, rec)
	co.persistCollection(c)

	data, err := models.EncodeRecord(rec)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "encode record")
	}
	doc := &models.Document{ID: rec.RecordID(), UpdatedAt: rec.Meta().UpdatedAt, Data: data}
	return co.dispatch(ctx, OpPut, c, rec.RecordID(), doc, actor)
}

// Remove deletes one record locally, then delivers the delete to the remote
// store with the same queueing policy as Save.
func (co *Coordinator) Remove(ctx context.Context, c models.Collection, id string, actor models.Actor) error {
	co.store.Delete(c, id)
	co.persistCollection(c)
	return co.dispatch(ctx, OpDelete, c, id, nil, actor)
}

func (co *Coordinator) dispatch(ctx context.Context, op string, c models.Collection, id string, doc *models.Document, actor models.Actor) error {
	// Pending writes hold the line: a new write must not jump over them.
	if co.queue.Len() > 0 {
		co.queue.Enqueue(op, c, id, doc, actor)
		co.metrics.SetQueueDepth(co.queue.Len())
		co.kickReplay()
		return nil
	}

	var err error
	if op == OpDelete {
		err = co.remote.Delete(ctx, c, id, actor)
	} else {
		err = co.remote.Put(ctx, c, *doc, actor)
	}
	switch {
	case err == nil:
		if op == OpPut {
			co.markSynced(c, id, doc.UpdatedAt)
		}
		co.setOnline(true)
		co.metrics.IncRemoteWrite(string(c), "ok")
		return nil
	case appErrors.Is(err, appErrors.ErrLocked) || appErrors.Is(err, appErrors.ErrPermission):
		// The store refused the write outright. Never queue it; restore the
		// authoritative copy locally and surface the rejection.
		co.metrics.IncRemoteWrite(string(c), "rejected")
		co.repairFromRemote(ctx, c, id)
		return err
	default:
		co.queue.Enqueue(op, c, id, doc, actor)
		co.setOffline(err)
		co.metrics.IncRemoteWrite(string(c), "queued")
		co.metrics.SetQueueDepth(co.queue.Len())
		co.kickReplay()
		return nil
	}
}

// ApplyFeedEvent folds one change feed event into local state. Removals apply
// unconditionally and cancel any pending write for the record; additions and
// modifications run through conflict resolution. Re-delivery of already
// applied events is harmless.
func (co *Coordinator) ApplyFeedEvent(ev models.ChangeEvent) {
	switch ev.Kind {
	case models.ChangeRemoved:
		co.queue.Drop(ev.Collection, ev.ID)
		co.metrics.SetQueueDepth(co.queue.Len())
		if co.store.Delete(ev.Collection, ev.ID) {
			co.persistCollection(ev.Collection)
		}
		co.metrics.IncFeedEvent(string(ev.Collection), "removed")
	case models.ChangeAdded, models.ChangeModified:
		if ev.Doc == nil {
			return
		}
		rec, err := models.DecodeRecord(ev.Collection, ev.Doc.Data)
		if err != nil {
			co.logger.Warn("dropping undecodable feed document",
				zap.String("collection", string(ev.Collection)),
				zap.String("id", ev.ID),
				zap.Error(err))
			return
		}
		rec.Meta().Synced = true

		var local models.Record
		if existing, ok := co.store.Get(ev.Collection, ev.ID); ok {
			local = existing
		}
		verdict := Resolve(local, rec)
		if verdict == VerdictApplyRemote {
			// A pending write the remote copy has overtaken lost
			// last-write-wins; replaying it would regress the remote store.
			co.queue.DropSuperseded(ev.Collection, ev.ID, rec.Meta().UpdatedAt)
			co.metrics.SetQueueDepth(co.queue.Len())
			co.store.Put(ev.Collection, rec)
			co.persistCollection(ev.Collection)
		}
		co.metrics.IncFeedEvent(string(ev.Collection), verdict.String())
	}
}

// Status reports the engine's connectivity state and queue depth.
func (co *Coordinator) Status() models.StatusSnapshot {
	co.mu.Lock()
	defer co.mu.Unlock()
	snap := models.StatusSnapshot{
		State:         co.state,
		PendingWrites: co.queue.Len(),
		LastError:     co.lastError,
	}
	if co.lastSynced != nil {
		t := *co.lastSynced
		snap.LastSyncedAt = &t
	}
	return snap
}

// PendingWrites lists the queued writes in replay order.
func (co *Coordinator) PendingWrites() []Entry {
	return co.queue.Entries()
}

// Restore hydrates the entity store from the mirror. Unreadable collections
// are skipped with a warning; the remote bootstrap rebuilds them.
func (co *Coordinator) Restore() {
	for _, c := range models.Collections() {
		data, ok := co.mirror.Load(string(c))
		if !ok {
			continue
		}
		var blobs []json.RawMessage
		if err := json.Unmarshal(data, &blobs); err != nil {
			co.logger.Warn("skipping unreadable mirrored collection", zap.String("collection", string(c)), zap.Error(err))
			continue
		}
		records := make([]models.Record, 0, len(blobs))
		for _, b := range blobs {
			rec, err := models.DecodeRecord(c, b)
			if err != nil {
				co.logger.Warn("skipping unreadable mirrored record", zap.String("collection", string(c)), zap.Error(err))
				continue
			}
			records = append(records, rec)
		}
		co.store.ReplaceAll(c, records)
	}
}

// Rebuild replaces local state with a full pull from the remote store and
// abandons pending writes. An explicit reset, for operators.
func (co *Coordinator) Rebuild(ctx context.Context) error {
	for _, c := range models.Collections() {
		docs, err := co.remote.List(ctx, c)
		if err != nil {
			co.setOffline(err)
			return err
		}
		records := make([]models.Record, 0, len(docs))
		for _, d := range docs {
			rec, err := models.DecodeRecord(c, d.Data)
			if err != nil {
				co.logger.Warn("skipping undecodable remote document", zap.String("collection", string(c)), zap.String("id", d.ID), zap.Error(err))
				continue
			}
			rec.Meta().Synced = true
			records = append(records, rec)
		}
		co.store.ReplaceAll(c, records)
		co.persistCollection(c)
	}
	co.queue.Clear()
	co.metrics.SetQueueDepth(0)
	co.setOnline(true)
	return nil
}

// Flush forces the mirror to disk. Called on shutdown and exposed to tests.
func (co *Coordinator) Flush() {
	co.mirror.Flush()
}

// Run drains the pending write queue until ctx ends. The queue replays
// head-first in order; connectivity failures back off exponentially up to the
// configured cap, and each probe interval re-checks the remote even when the
// queue is empty so the status surface tracks connectivity.
func (co *Coordinator) Run(ctx context.Context) {
	backoff := co.cfg.ProbeInterval
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-co.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		if co.drain(ctx) {
			backoff = co.cfg.ProbeInterval
		} else {
			backoff *= 2
			if backoff > co.cfg.BackoffMax {
				backoff = co.cfg.BackoffMax
			}
		}
		timer.Reset(backoff)
	}
}

// drain pushes queued writes until the queue empties or a connectivity
// failure stops progress. Returns false when the caller should back off.
func (co *Coordinator) drain(ctx context.Context) bool {
	for {
		head := co.queue.Peek()
		if head == nil {
			if err := co.remote.Ping(ctx); err != nil {
				co.setOffline(err)
				return false
			}
			co.setOnline(false)
			return true
		}

		co.setSyncing()
		err := co.pushEntry(ctx, head)
		switch {
		case err == nil:
			co.queue.Remove(head.Seq)
			if head.Op == OpPut && head.Doc != nil {
				co.markSynced(head.Collection, head.ID, head.Doc.UpdatedAt)
			}
			co.setOnline(true)
			co.metrics.IncRemoteWrite(string(head.Collection), "replayed")
			co.metrics.SetQueueDepth(co.queue.Len())
		case appErrors.Is(err, appErrors.ErrLocked) || appErrors.Is(err, appErrors.ErrPermission):
			co.logger.Warn("dropping rejected pending write",
				zap.String("collection", string(head.Collection)),
				zap.String("id", head.ID),
				zap.String("op", head.Op),
				zap.Error(err))
			co.queue.Remove(head.Seq)
			co.repairFromRemote(ctx, head.Collection, head.ID)
			co.metrics.IncRemoteWrite(string(head.Collection), "rejected")
			co.metrics.SetQueueDepth(co.queue.Len())
		default:
			co.setOffline(err)
			return false
		}
	}
}

func (co *Coordinator) pushEntry(ctx context.Context, e *Entry) error {
	if e.Op == OpDelete {
		return co.remote.Delete(ctx, e.Collection, e.ID, e.Actor)
	}
	if e.Doc == nil {
		return nil
	}
	return co.remote.Put(ctx, e.Collection, *e.Doc, e.Actor)
}

// markSynced acknowledges a delivered write, unless a newer local write has
// stamped the record since.
func (co *Coordinator) markSynced(c models.Collection, id string, at time.Time) {
	rec, ok := co.store.Get(c, id)
	if !ok || !rec.Meta().UpdatedAt.Equal(at) {
		return
	}
	rec.Meta().Synced = true
	co.store.Put(c, rec)
	co.persistCollection(c)
}

// repairFromRemote replaces the local copy of one record with the remote
// store's current version after a rejected write.
func (co *Coordinator) repairFromRemote(ctx context.Context, c models.Collection, id string) {
	doc, err := co.remote.Get(ctx, c, id)
	if appErrors.Is(err, appErrors.ErrNotFound) {
		if co.store.Delete(c, id) {
			co.persistCollection(c)
		}
		return
	}
	if err != nil {
		co.logger.Warn("could not restore rejected record", zap.String("collection", string(c)), zap.String("id", id), zap.Error(err))
		return
	}
	rec, err := models.DecodeRecord(c, doc.Data)
	if err != nil {
		co.logger.Warn("could not decode rejected record", zap.String("collection", string(c)), zap.String("id", id), zap.Error(err))
		return
	}
	rec.Meta().Synced = true
	co.store.Put(c, rec)
	co.persistCollection(c)
}

// persistCollection serializes one collection through the mirror, preserving
// each record's pending flag so unsynced writes survive restarts.
func (co *Coordinator) persistCollection(c models.Collection) {
	records := co.store.List(c)
	blobs := make([]json.RawMessage, 0, len(records))
	for _, r := range records {
		b, err := json.Marshal(r)
		if err != nil {
			co.logger.Error("encode record for mirror", zap.String("collection", string(c)), zap.String("id", r.RecordID()), zap.Error(err))
			continue
		}
		blobs = append(blobs, b)
	}
	data, err := json.Marshal(blobs)
	if err != nil {
		co.logger.Error("encode collection for mirror", zap.String("collection", string(c)), zap.Error(err))
		return
	}
	co.mirror.Store(string(c), data)
}

func (co *Coordinator) setOnline(synced bool) {
	co.mu.Lock()
	defer co.mu.Unlock()
	co.state = models.SyncStateOnline
	co.lastError = ""
	if synced {
		t := co.now().UTC()
		co.lastSynced = &t
	}
	co.metrics.SetSyncState(string(models.SyncStateOnline))
}

func (co *Coordinator) setSyncing() {
	co.mu.Lock()
	defer co.mu.Unlock()
	co.state = models.SyncStateSyncing
	co.metrics.SetSyncState(string(models.SyncStateSyncing))
}

func (co *Coordinator) setOffline(err error) {
	co.mu.Lock()
	defer co.mu.Unlock()
	co.state = models.SyncStateOffline
	if err != nil {
		co.lastError = err.Error()
	}
	co.metrics.SetSyncState(string(models.SyncStateOffline))
}

func (co *Coordinator) kickReplay() {
	select {
	case co.kick <- struct{}{}:
	default:
	}
}
