package models

import "time"

// SyncMeta is embedded in every synchronized record. UpdatedAt is stamped by
// the writing client at the moment of local mutation, never by the remote
// store, so concurrent writers can be ordered once both timestamps are
// visible. Synced reports whether this client's latest write has been
// acknowledged by the remote store.
type SyncMeta struct {
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
	Synced    bool      `db:"synced" json:"synced"`
}

// Meta exposes the embedded sync metadata for mutation by the coordinator.
func (m *SyncMeta) Meta() *SyncMeta {
	return m
}

// Stamp marks the record as locally mutated and pending acknowledgment.
func (m *SyncMeta) Stamp(now time.Time) {
	m.UpdatedAt = now.UTC()
	m.Synced = false
}

// SyncState describes the aggregate connectivity state of the engine.
type SyncState string

const (
	SyncStateOnline  SyncState = "online"
	SyncStateSyncing SyncState = "syncing"
	SyncStateOffline SyncState = "offline"
	SyncStateError   SyncState = "error"
)

// StatusSnapshot is the sync status surface consumed by the presentation
// layer. PendingWrites counts queued, unacknowledged remote writes.
type StatusSnapshot struct {
	State         SyncState  `json:"state"`
	PendingWrites int        `json:"pending_writes"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// SystemMetrics aggregates request stats for the ops surface.
type SystemMetrics struct {
	RequestsTotal            uint64    `json:"requests_total"`
	AverageRequestDurationMs float64   `json:"average_request_duration_ms"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generated_at"`
}
