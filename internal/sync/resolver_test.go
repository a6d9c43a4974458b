package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/noah-isme/rostersync/internal/models"
)

func studentAt(ts time.Time, synced bool) *models.Student {
	s := &models.Student{ID: "s1", Name: "Alex"}
	s.UpdatedAt = ts
	s.Synced = synced
	return s
}

func TestResolve(t *testing.T) {
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		local  models.Record
		remote models.Record
		want   Verdict
	}{
		{
			name:   "no local copy",
			local:  nil,
			remote: studentAt(base, true),
			want:   VerdictApplyRemote,
		},
		{
			name:   "newer remote wins",
			local:  studentAt(base, true),
			remote: studentAt(base.Add(time.Second), true),
			want:   VerdictApplyRemote,
		},
		{
			name:   "newer remote wins even over pending local edit",
			local:  studentAt(base, false),
			remote: studentAt(base.Add(time.Second), true),
			want:   VerdictApplyRemote,
		},
		{
			name:   "older remote loses to pending local edit",
			local:  studentAt(base, false),
			remote: studentAt(base.Add(-time.Second), true),
			want:   VerdictKeepLocal,
		},
		{
			name:   "concurrent remote loses to pending local edit",
			local:  studentAt(base, false),
			remote: studentAt(base, true),
			want:   VerdictKeepLocal,
		},
		{
			name:   "equal stamps both synced",
			local:  studentAt(base, true),
			remote: studentAt(base, true),
			want:   VerdictNone,
		},
		{
			name:   "older remote against synced local",
			local:  studentAt(base, true),
			remote: studentAt(base.Add(-time.Minute), true),
			want:   VerdictNone,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.local, tt.remote))
		})
	}
}

func TestResolveIsOrderIndependent(t *testing.T) {
	// Two clients observing the same pair of writes in opposite orders must
	// settle on the same record.
	early := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	late := early.Add(time.Minute)

	a := studentAt(early, true)
	b := studentAt(late, true)

	// Client one sees a then b.
	assert.Equal(t, VerdictApplyRemote, Resolve(a, b))
	// Client two sees b then a.
	assert.Equal(t, VerdictNone, Resolve(b, a))
}
