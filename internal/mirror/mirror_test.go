package mirror

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBackend struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	saves   int
	failAll bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{blobs: make(map[string][]byte)}
}

func (f *fakeBackend) SaveAtomic(filename string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return "", errors.New("disk full")
	}
	f.blobs[filename] = append([]byte(nil), data...)
	f.saves++
	return filename, nil
}

func (f *fakeBackend) Load(filename string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, false, errors.New("disk gone")
	}
	data, ok := f.blobs[filename]
	return data, ok, nil
}

func (f *fakeBackend) Delete(filename string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs, filename)
	return nil
}

func (f *fakeBackend) saved(filename string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[filename]
	return data, ok
}

func (f *fakeBackend) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func TestMirrorDebouncesBursts(t *testing.T) {
	backend := newFakeBackend()
	m := New(backend, 30*time.Millisecond, zap.NewNop())
	defer m.Close()

	m.Store("students", []byte(`["v1"]`))
	m.Store("students", []byte(`["v2"]`))
	m.Store("students", []byte(`["v3"]`))

	_, ok := backend.saved("students.json")
	assert.False(t, ok, "commit must not run before the debounce interval")

	require.Eventually(t, func() bool {
		data, ok := backend.saved("students.json")
		return ok && string(data) == `["v3"]`
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, backend.saveCount(), "burst must collapse into one write")
}

func TestMirrorLoadSeesStagedWrite(t *testing.T) {
	backend := newFakeBackend()
	m := New(backend, time.Minute, zap.NewNop())
	defer m.Close()

	m.Store("groups", []byte(`["staged"]`))

	data, ok := m.Load("groups")
	require.True(t, ok)
	assert.Equal(t, `["staged"]`, string(data))
}

func TestMirrorFlushCommitsImmediately(t *testing.T) {
	backend := newFakeBackend()
	m := New(backend, time.Hour, zap.NewNop())

	m.Store("queue", []byte(`[]`))
	m.Flush()

	data, ok := backend.saved("queue.json")
	require.True(t, ok)
	assert.Equal(t, `[]`, string(data))
}

func TestMirrorDegradesGracefullyOnBackendFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.failAll = true
	m := New(backend, 5*time.Millisecond, zap.NewNop())
	defer m.Close()

	m.Store("students", []byte(`["x"]`))
	m.Flush()

	assert.GreaterOrEqual(t, m.FailureCount(), int64(1))

	_, ok := m.Load("students")
	assert.False(t, ok)
}

func TestMirrorQuotaDropsOversizedBlob(t *testing.T) {
	backend := newFakeBackend()
	m := New(backend, time.Millisecond, zap.NewNop(), WithMaxBytes(4))

	m.Store("assessments", []byte(`very long blob`))
	m.Flush()

	_, ok := backend.saved("assessments.json")
	assert.False(t, ok)
	assert.Equal(t, int64(1), m.FailureCount())
}

func TestMirrorDeleteRemovesBlob(t *testing.T) {
	backend := newFakeBackend()
	m := New(backend, time.Millisecond, zap.NewNop())

	m.Store("accounts", []byte(`[1]`))
	m.Flush()
	_, ok := backend.saved("accounts.json")
	require.True(t, ok)

	m.Delete("accounts")
	m.Flush()
	_, ok = backend.saved("accounts.json")
	assert.False(t, ok)

	_, ok = m.Load("accounts")
	assert.False(t, ok)
}
