package sync

import (
	"context"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/rostersync/internal/models"
	"github.com/noah-isme/rostersync/pkg/config"
)

// scriptedFeed hands out one prepared channel per Subscribe call and counts
// the calls.
type scriptedFeed struct {
	mu     stdsync.Mutex
	nextCh []chan models.ChangeEvent
	calls  map[models.Collection]int
}

func newScriptedFeed(chs ...chan models.ChangeEvent) *scriptedFeed {
	return &scriptedFeed{nextCh: chs, calls: make(map[models.Collection]int)}
}

func (f *scriptedFeed) Subscribe(ctx context.Context, c models.Collection) (<-chan models.ChangeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[c]++
	if len(f.nextCh) > 0 {
		ch := f.nextCh[0]
		f.nextCh = f.nextCh[1:]
		return ch, nil
	}
	// Park until the test ends.
	ch := make(chan models.ChangeEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (f *scriptedFeed) callCount(c models.Collection) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[c]
}

func feedConfig() config.FeedConfig {
	return config.FeedConfig{BackoffInitial: time.Millisecond, BackoffMax: 5 * time.Millisecond}
}

func TestSubscriberAppliesEvents(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := newStudent("s1", "Alex")
	rec.Meta().UpdatedAt = e.clock.Now()
	rec.Meta().Synced = true

	ch := make(chan models.ChangeEvent, 1)
	ch <- models.ChangeEvent{
		Kind: models.ChangeAdded, Collection: models.CollectionStudents, ID: "s1",
		Doc: docPtr(mustDoc(t, rec)),
	}
	close(ch)

	feed := newScriptedFeed(ch)
	sub := NewSubscriber(feed, e.coord, feedConfig(), zap.NewNop())
	go sub.Run(ctx)

	require.Eventually(t, func() bool {
		_, ok := e.store.Student("s1")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestSubscriberResubscribesAfterFeedCloses(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	closed := make(chan models.ChangeEvent)
	close(closed)

	feed := newScriptedFeed(closed)
	sub := NewSubscriber(feed, e.coord, feedConfig(), zap.NewNop())
	go sub.Run(ctx)

	require.Eventually(t, func() bool {
		for _, c := range models.Collections() {
			if feed.callCount(c) == 0 {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)

	// The collection that got the closed channel comes back for another one.
	require.Eventually(t, func() bool {
		total := 0
		for _, c := range models.Collections() {
			total += feed.callCount(c)
		}
		return total > len(models.Collections())
	}, time.Second, 5*time.Millisecond)
}

func TestSubscriberStopsWithContext(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())

	feed := newScriptedFeed()
	sub := NewSubscriber(feed, e.coord, feedConfig(), zap.NewNop())

	done := make(chan struct{})
	go func() {
		sub.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscriber did not stop with its context")
	}
	assert.GreaterOrEqual(t, feed.callCount(models.CollectionStudents), 1)
}
