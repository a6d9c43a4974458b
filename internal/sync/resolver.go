package sync

import (
	"github.com/noah-isme/rostersync/internal/models"
)

// Verdict is the outcome of comparing a remote document against the local
// copy of the same record.
type Verdict int

const (
	// VerdictApplyRemote replaces the local record with the remote one.
	VerdictApplyRemote Verdict = iota
	// VerdictKeepLocal keeps the local record; a pending local write will
	// overwrite the remote copy when it syncs.
	VerdictKeepLocal
	// VerdictNone means both sides already agree.
	VerdictNone
)

func (v Verdict) String() string {
	switch v {
	case VerdictApplyRemote:
		return "apply_remote"
	case VerdictKeepLocal:
		return "keep_local"
	default:
		return "none"
	}
}

// Resolve decides between a local record and an incoming remote record using
// last-write-wins on the writer-stamped timestamp. Whole records only; fields
// from both sides are never merged.
//
// A strictly newer remote wins even over unsynced local edits. A remote that
// is older or concurrent loses to unsynced local edits, which are still
// queued to overwrite it. When the local copy is synced and the remote is not
// newer, the two are equivalent and nothing happens.
func Resolve(local, remote models.Record) Verdict {
	if local == nil {
		return VerdictApplyRemote
	}
	if remote == nil {
		return VerdictKeepLocal
	}
	if remote.Meta().UpdatedAt.After(local.Meta().UpdatedAt) {
		return VerdictApplyRemote
	}
	if !local.Meta().Synced {
		return VerdictKeepLocal
	}
	return VerdictNone
}
