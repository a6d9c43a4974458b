package sync

import (
	"context"
	"encoding/json"
	"sort"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/rostersync/internal/mirror"
	"github.com/noah-isme/rostersync/internal/models"
	"github.com/noah-isme/rostersync/internal/remote"
	"github.com/noah-isme/rostersync/internal/store"
	"github.com/noah-isme/rostersync/pkg/config"
	appErrors "github.com/noah-isme/rostersync/pkg/errors"
)

// memBackend is an in-memory mirror backend.
type memBackend struct {
	mu    stdsync.Mutex
	blobs map[string][]byte
}

func newMemBackend() *memBackend {
	return &memBackend{blobs: make(map[string][]byte)}
}

func (b *memBackend) SaveAtomic(filename string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	b.blobs[filename] = cp
	return filename, nil
}

func (b *memBackend) Load(filename string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[filename]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, true, nil
}

func (b *memBackend) Delete(filename string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, filename)
	return nil
}

// fakeRemote implements remote.Store in memory, with switchable
// connectivity and the exported-assessment write rule.
type fakeRemote struct {
	mu      stdsync.Mutex
	docs    map[models.Collection]map[string]models.Document
	offline bool
	puts    int
	deletes int
}

func newFakeRemote() *fakeRemote {
	docs := make(map[models.Collection]map[string]models.Document)
	for _, c := range models.Collections() {
		docs[c] = make(map[string]models.Document)
	}
	return &fakeRemote{docs: docs}
}

func (f *fakeRemote) setOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

func (f *fakeRemote) doc(c models.Collection, id string) (models.Document, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[c][id]
	return doc, ok
}

func (f *fakeRemote) inject(c models.Collection, doc models.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[c][doc.ID] = doc
}

func (f *fakeRemote) Put(ctx context.Context, c models.Collection, doc models.Document, actor models.Actor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return appErrors.Clone(appErrors.ErrSync, "connection refused")
	}
	if err := f.checkRule(c, doc.ID, actor); err != nil {
		return err
	}
	f.docs[c][doc.ID] = doc
	f.puts++
	return nil
}

func (f *fakeRemote) Delete(ctx context.Context, c models.Collection, id string, actor models.Actor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return appErrors.Clone(appErrors.ErrSync, "connection refused")
	}
	if err := f.checkRule(c, id, actor); err != nil {
		return err
	}
	delete(f.docs[c], id)
	f.deletes++
	return nil
}

func (f *fakeRemote) checkRule(c models.Collection, id string, actor models.Actor) error {
	if c != models.CollectionAssessments || actor.IsAdmin() {
		return nil
	}
	existing, ok := f.docs[c][id]
	if !ok {
		return nil
	}
	var flags struct {
		ExportedToAdmin bool `json:"exported_to_admin"`
	}
	if err := json.Unmarshal(existing.Data, &flags); err != nil {
		return nil
	}
	if flags.ExportedToAdmin {
		return appErrors.Clone(appErrors.ErrLocked, "assessment exported to admin; writes require admin role")
	}
	return nil
}

func (f *fakeRemote) Get(ctx context.Context, c models.Collection, id string) (*models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, appErrors.Clone(appErrors.ErrSync, "connection refused")
	}
	doc, ok := f.docs[c][id]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "document not found")
	}
	return &doc, nil
}

func (f *fakeRemote) List(ctx context.Context, c models.Collection) ([]models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, appErrors.Clone(appErrors.ErrSync, "connection refused")
	}
	docs := make([]models.Document, 0, len(f.docs[c]))
	for _, d := range f.docs[c] {
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func (f *fakeRemote) Subscribe(ctx context.Context, c models.Collection) (<-chan models.ChangeEvent, error) {
	ch := make(chan models.ChangeEvent)
	close(ch)
	return ch, nil
}

func (f *fakeRemote) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return appErrors.Clone(appErrors.ErrSync, "connection refused")
	}
	return nil
}

func (f *fakeRemote) Close() error { return nil }

func (f *fakeRemote) PutCredential(ctx context.Context, cred remote.Credential) error { return nil }
func (f *fakeRemote) GetCredential(ctx context.Context, usernameKey string) (*remote.Credential, error) {
	return nil, appErrors.Clone(appErrors.ErrNotFound, "credential not found")
}
func (f *fakeRemote) DeleteCredential(ctx context.Context, accountID string) error { return nil }
func (f *fakeRemote) SaveRefreshToken(ctx context.Context, accountID, tokenHash string, expiresAt time.Time) error {
	return nil
}
func (f *fakeRemote) AccountIDByRefreshToken(ctx context.Context, tokenHash string) (string, error) {
	return "", appErrors.Clone(appErrors.ErrUnauthorized, "refresh token expired or unknown")
}
func (f *fakeRemote) DeleteRefreshToken(ctx context.Context, tokenHash string) error { return nil }

func (f *fakeRemote) RevokeRefreshTokens(ctx context.Context, accountID string) error { return nil }

type testClock struct {
	mu  stdsync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEngine struct {
	store   *store.EntityStore
	mirror  *mirror.Mirror
	remote  *fakeRemote
	queue   *Queue
	coord   *Coordinator
	backend *memBackend
	clock   *testClock
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	backend := newMemBackend()
	return newTestEngineOn(t, backend)
}

func newTestEngineOn(t *testing.T, backend *memBackend) *testEngine {
	t.Helper()
	mir := mirror.New(backend, time.Millisecond, zap.NewNop())
	st := store.NewEntityStore()
	rem := newFakeRemote()
	q := NewQueue(mir, zap.NewNop())
	clock := newTestClock()
	cfg := config.ReplayConfig{ProbeInterval: 5 * time.Millisecond, BackoffMax: 20 * time.Millisecond}
	coord := NewCoordinator(st, mir, rem, q, cfg, zap.NewNop(), WithClock(clock.Now))
	t.Cleanup(mir.Close)
	return &testEngine{store: st, mirror: mir, remote: rem, queue: q, coord: coord, backend: backend, clock: clock}
}

func newStudent(id, name string) *models.Student {
	return &models.Student{ID: id, Name: name, GroupID: "g1", Year: 2025}
}

var trainer = models.Actor{ID: "t1", Role: models.RoleTrainer}
var admin = models.Actor{ID: "adm", Role: models.RoleAdmin}

func mustDoc(t *testing.T, rec models.Record) models.Document {
	t.Helper()
	data, err := models.EncodeRecord(rec)
	require.NoError(t, err)
	return models.Document{ID: rec.RecordID(), UpdatedAt: rec.Meta().UpdatedAt, Data: data}
}

func TestSaveOnlineMarksSynced(t *testing.T) {
	e := newTestEngine(t)

	err := e.coord.Save(context.Background(), models.CollectionStudents, newStudent("s1", "Alex"), trainer)
	require.NoError(t, err)

	rec, ok := e.store.Get(models.CollectionStudents, "s1")
	require.True(t, ok)
	assert.True(t, rec.Meta().Synced)

	doc, ok := e.remote.doc(models.CollectionStudents, "s1")
	require.True(t, ok)
	assert.True(t, doc.UpdatedAt.Equal(rec.Meta().UpdatedAt))

	status := e.coord.Status()
	assert.Equal(t, models.SyncStateOnline, status.State)
	assert.Equal(t, 0, status.PendingWrites)
	require.NotNil(t, status.LastSyncedAt)
}

func TestSaveOfflineSucceedsLocally(t *testing.T) {
	e := newTestEngine(t)
	e.remote.setOffline(true)

	err := e.coord.Save(context.Background(), models.CollectionStudents, newStudent("s1", "Alex"), trainer)
	require.NoError(t, err)

	rec, ok := e.store.Get(models.CollectionStudents, "s1")
	require.True(t, ok)
	assert.False(t, rec.Meta().Synced)

	status := e.coord.Status()
	assert.Equal(t, models.SyncStateOffline, status.State)
	assert.Equal(t, 1, status.PendingWrites)
	assert.NotEmpty(t, status.LastError)

	_, ok = e.remote.doc(models.CollectionStudents, "s1")
	assert.False(t, ok)
}

func TestOfflineWritesCoalescePerRecord(t *testing.T) {
	e := newTestEngine(t)
	e.remote.setOffline(true)
	ctx := context.Background()

	require.NoError(t, e.coord.Save(ctx, models.CollectionStudents, newStudent("s1", "Alex"), trainer))
	e.clock.Advance(time.Second)
	require.NoError(t, e.coord.Save(ctx, models.CollectionStudents, newStudent("s2", "Blake"), trainer))
	e.clock.Advance(time.Second)
	require.NoError(t, e.coord.Save(ctx, models.CollectionStudents, newStudent("s1", "Alexandra"), trainer))

	entries := e.coord.PendingWrites()
	require.Len(t, entries, 2)
	assert.Equal(t, "s1", entries[0].ID)
	assert.Equal(t, "s2", entries[1].ID)

	var latest models.Student
	require.NoError(t, json.Unmarshal(entries[0].Doc.Data, &latest))
	assert.Equal(t, "Alexandra", latest.Name)
}

func TestDeleteSupersedesQueuedUpdate(t *testing.T) {
	e := newTestEngine(t)
	e.remote.setOffline(true)
	ctx := context.Background()

	require.NoError(t, e.coord.Save(ctx, models.CollectionStudents, newStudent("s1", "Alex"), trainer))
	require.NoError(t, e.coord.Remove(ctx, models.CollectionStudents, "s1", trainer))

	entries := e.coord.PendingWrites()
	require.Len(t, entries, 1)
	assert.Equal(t, OpDelete, entries[0].Op)
	assert.Nil(t, entries[0].Doc)

	_, ok := e.store.Get(models.CollectionStudents, "s1")
	assert.False(t, ok)
}

func TestReplayDrainsQueueInOrder(t *testing.T) {
	e := newTestEngine(t)
	e.remote.setOffline(true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, e.coord.Save(ctx, models.CollectionStudents, newStudent("s1", "Alex"), trainer))
	e.clock.Advance(time.Second)
	require.NoError(t, e.coord.Save(ctx, models.CollectionStudents, newStudent("s2", "Blake"), trainer))
	require.Equal(t, 2, e.queue.Len())

	go e.coord.Run(ctx)
	e.remote.setOffline(false)

	require.Eventually(t, func() bool { return e.queue.Len() == 0 }, time.Second, 5*time.Millisecond)

	_, ok := e.remote.doc(models.CollectionStudents, "s1")
	assert.True(t, ok)
	_, ok = e.remote.doc(models.CollectionStudents, "s2")
	assert.True(t, ok)

	require.Eventually(t, func() bool {
		rec, ok := e.store.Get(models.CollectionStudents, "s2")
		return ok && rec.Meta().Synced
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return e.coord.Status().State == models.SyncStateOnline
	}, time.Second, 5*time.Millisecond)
}

func TestReplayDropsRejectedWriteAndRepairsLocal(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The remote holds an exported assessment; a trainer edit queued while
	// offline must not overwrite it once connectivity returns.
	exported := &models.AssessmentRecord{
		ID: "a1", StudentID: "s1", GroupID: "g1", Year: 2025,
		Name: "Sprint Review", Type: "practical", Score: 80, MaxScore: 100,
		Date: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), AuthorID: "t1",
		ExportedToAdmin: true, SchemaVersion: models.AssessmentSchemaVersion,
	}
	exported.Meta().UpdatedAt = e.clock.Now().Add(time.Hour)
	exported.Meta().Synced = true
	e.remote.inject(models.CollectionAssessments, mustDoc(t, exported))

	e.remote.setOffline(true)
	edit := &models.AssessmentRecord{
		ID: "a1", StudentID: "s1", GroupID: "g1", Year: 2025,
		Name: "Sprint Review", Type: "practical", Score: 95, MaxScore: 100,
		Date: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), AuthorID: "t1",
		SchemaVersion: models.AssessmentSchemaVersion,
	}
	require.NoError(t, e.coord.Save(ctx, models.CollectionAssessments, edit, trainer))
	require.Equal(t, 1, e.queue.Len())

	go e.coord.Run(ctx)
	e.remote.setOffline(false)

	require.Eventually(t, func() bool { return e.queue.Len() == 0 }, time.Second, 5*time.Millisecond)

	// The exported copy survives remotely and wins locally.
	doc, ok := e.remote.doc(models.CollectionAssessments, "a1")
	require.True(t, ok)
	var remoteRec models.AssessmentRecord
	require.NoError(t, json.Unmarshal(doc.Data, &remoteRec))
	assert.Equal(t, float64(80), remoteRec.Score)

	require.Eventually(t, func() bool {
		got, ok := e.store.Assessment("a1")
		return ok && got.ExportedToAdmin && got.Score == 80
	}, time.Second, 5*time.Millisecond)
}

func TestSaveLockedRejectionSurfacesError(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	exported := &models.AssessmentRecord{
		ID: "a1", StudentID: "s1", GroupID: "g1", Year: 2025,
		Name: "Sprint Review", Type: "practical", Score: 80, MaxScore: 100,
		Date: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), AuthorID: "t1",
		ExportedToAdmin: true, SchemaVersion: models.AssessmentSchemaVersion,
	}
	exported.Meta().UpdatedAt = e.clock.Now().Add(time.Hour)
	exported.Meta().Synced = true
	e.remote.inject(models.CollectionAssessments, mustDoc(t, exported))

	edit := &models.AssessmentRecord{
		ID: "a1", StudentID: "s1", GroupID: "g1", Year: 2025,
		Name: "Sprint Review", Type: "practical", Score: 95, MaxScore: 100,
		Date: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), AuthorID: "t1",
		SchemaVersion: models.AssessmentSchemaVersion,
	}
	err := e.coord.Save(ctx, models.CollectionAssessments, edit, trainer)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrLocked))

	// Nothing queued, and the local copy snapped back to the remote version.
	assert.Equal(t, 0, e.queue.Len())
	got, ok := e.store.Assessment("a1")
	require.True(t, ok)
	assert.Equal(t, float64(80), got.Score)
	assert.True(t, got.ExportedToAdmin)
}

func TestApplyFeedEventLastWriteWins(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.coord.Save(ctx, models.CollectionStudents, newStudent("s1", "Alex"), trainer))
	base, _ := e.store.Get(models.CollectionStudents, "s1")

	// Older remote write loses.
	older := newStudent("s1", "Old Name")
	older.Meta().UpdatedAt = base.Meta().UpdatedAt.Add(-time.Minute)
	older.Meta().Synced = true
	e.coord.ApplyFeedEvent(models.ChangeEvent{
		Kind: models.ChangeModified, Collection: models.CollectionStudents, ID: "s1",
		Doc: docPtr(mustDoc(t, older)),
	})
	got, _ := e.store.Student("s1")
	assert.Equal(t, "Alex", got.Name)

	// Newer remote write wins.
	newer := newStudent("s1", "New Name")
	newer.Meta().UpdatedAt = base.Meta().UpdatedAt.Add(time.Minute)
	newer.Meta().Synced = true
	e.coord.ApplyFeedEvent(models.ChangeEvent{
		Kind: models.ChangeModified, Collection: models.CollectionStudents, ID: "s1",
		Doc: docPtr(mustDoc(t, newer)),
	})
	got, _ = e.store.Student("s1")
	assert.Equal(t, "New Name", got.Name)
}

func TestApplyFeedEventKeepsUnsyncedLocalEdit(t *testing.T) {
	e := newTestEngine(t)
	e.remote.setOffline(true)
	ctx := context.Background()

	require.NoError(t, e.coord.Save(ctx, models.CollectionStudents, newStudent("s1", "Pending Edit"), trainer))
	local, _ := e.store.Get(models.CollectionStudents, "s1")
	require.False(t, local.Meta().Synced)

	// A concurrent remote write with an older stamp does not clobber the
	// pending local edit.
	concurrent := newStudent("s1", "Remote Edit")
	concurrent.Meta().UpdatedAt = local.Meta().UpdatedAt.Add(-time.Second)
	concurrent.Meta().Synced = true
	e.coord.ApplyFeedEvent(models.ChangeEvent{
		Kind: models.ChangeModified, Collection: models.CollectionStudents, ID: "s1",
		Doc: docPtr(mustDoc(t, concurrent)),
	})

	got, _ := e.store.Student("s1")
	assert.Equal(t, "Pending Edit", got.Name)
	assert.Equal(t, 1, e.queue.Len())
}

func TestFeedNewerRemoteCancelsStalePendingWrite(t *testing.T) {
	e := newTestEngine(t)
	e.remote.setOffline(true)
	ctx := context.Background()

	require.NoError(t, e.coord.Save(ctx, models.CollectionStudents, newStudent("s1", "Stale Edit"), trainer))
	local, _ := e.store.Get(models.CollectionStudents, "s1")

	winner := newStudent("s1", "Winning Edit")
	winner.Meta().UpdatedAt = local.Meta().UpdatedAt.Add(time.Minute)
	winner.Meta().Synced = true
	e.coord.ApplyFeedEvent(models.ChangeEvent{
		Kind: models.ChangeModified, Collection: models.CollectionStudents, ID: "s1",
		Doc: docPtr(mustDoc(t, winner)),
	})

	got, _ := e.store.Student("s1")
	assert.Equal(t, "Winning Edit", got.Name)
	assert.Equal(t, 0, e.queue.Len(), "stale pending write should be cancelled")
}

func TestFeedRemovalAppliesUnconditionally(t *testing.T) {
	e := newTestEngine(t)
	e.remote.setOffline(true)
	ctx := context.Background()

	require.NoError(t, e.coord.Save(ctx, models.CollectionStudents, newStudent("s1", "Alex"), trainer))
	require.Equal(t, 1, e.queue.Len())

	e.coord.ApplyFeedEvent(models.ChangeEvent{
		Kind: models.ChangeRemoved, Collection: models.CollectionStudents, ID: "s1",
	})

	_, ok := e.store.Get(models.CollectionStudents, "s1")
	assert.False(t, ok)
	assert.Equal(t, 0, e.queue.Len())
}

func TestApplyFeedEventRedeliveryIsIdempotent(t *testing.T) {
	e := newTestEngine(t)

	rec := newStudent("s1", "Alex")
	rec.Meta().UpdatedAt = e.clock.Now()
	rec.Meta().Synced = true
	ev := models.ChangeEvent{
		Kind: models.ChangeAdded, Collection: models.CollectionStudents, ID: "s1",
		Doc: docPtr(mustDoc(t, rec)),
	}

	e.coord.ApplyFeedEvent(ev)
	first, ok := e.store.Student("s1")
	require.True(t, ok)

	e.coord.ApplyFeedEvent(ev)
	second, ok := e.store.Student("s1")
	require.True(t, ok)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, e.store.Count(models.CollectionStudents))
}

func TestRebuildReplacesLocalStateAndClearsQueue(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	remoteRec := newStudent("s1", "Canonical")
	remoteRec.Meta().UpdatedAt = e.clock.Now()
	remoteRec.Meta().Synced = true
	e.remote.inject(models.CollectionStudents, mustDoc(t, remoteRec))

	e.remote.setOffline(true)
	require.NoError(t, e.coord.Save(ctx, models.CollectionStudents, newStudent("s2", "Divergent"), trainer))
	require.Equal(t, 1, e.queue.Len())
	e.remote.setOffline(false)

	require.NoError(t, e.coord.Rebuild(ctx))

	assert.Equal(t, 0, e.queue.Len())
	assert.Equal(t, 1, e.store.Count(models.CollectionStudents))
	got, ok := e.store.Student("s1")
	require.True(t, ok)
	assert.Equal(t, "Canonical", got.Name)
	assert.True(t, got.Synced)
}

func TestRestoreRehydratesFromMirror(t *testing.T) {
	backend := newMemBackend()
	e := newTestEngineOn(t, backend)
	e.remote.setOffline(true)

	require.NoError(t, e.coord.Save(context.Background(), models.CollectionStudents, newStudent("s1", "Alex"), trainer))
	e.coord.Flush()
	e.mirror.Close()

	// A fresh engine over the same backend sees the record and the pending
	// write.
	e2 := newTestEngineOn(t, backend)
	e2.coord.Restore()

	rec, ok := e2.store.Student("s1")
	require.True(t, ok)
	assert.Equal(t, "Alex", rec.Name)
	assert.False(t, rec.Synced)
	assert.Equal(t, 1, e2.queue.Len())
}

func docPtr(d models.Document) *models.Document {
	return &d
}
