package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Collection identifies one remote document collection. Each entity type maps
// to exactly one collection; the document key is the entity ID.
type Collection string

const (
	CollectionStudents    Collection = "students"
	CollectionGroups      Collection = "groups"
	CollectionAttendance  Collection = "attendance"
	CollectionAssessments Collection = "assessments"
	CollectionAccounts    Collection = "accounts"
)

// Collections lists every synchronized collection in bootstrap order. Groups
// and students precede their dependents so a cold rebuild resolves parents
// first.
func Collections() []Collection {
	return []Collection{
		CollectionGroups,
		CollectionStudents,
		CollectionAttendance,
		CollectionAssessments,
		CollectionAccounts,
	}
}

// Valid returns true when the collection is a known one.
func (c Collection) Valid() bool {
	switch c {
	case CollectionStudents, CollectionGroups, CollectionAttendance, CollectionAssessments, CollectionAccounts:
		return true
	default:
		return false
	}
}

// Record is the contract every synchronized entity satisfies.
type Record interface {
	RecordID() string
	Meta() *SyncMeta
	CloneRecord() Record
}

// upgradeable records migrate themselves when decoded from an older schema.
type upgradeable interface {
	UpgradeSchema()
}

// NewRecord returns an empty record of the collection's entity type.
func NewRecord(c Collection) (Record, error) {
	switch c {
	case CollectionStudents:
		return &Student{}, nil
	case CollectionGroups:
		return &Group{}, nil
	case CollectionAttendance:
		return &AttendanceRecord{}, nil
	case CollectionAssessments:
		return &AssessmentRecord{}, nil
	case CollectionAccounts:
		return &Account{}, nil
	default:
		return nil, fmt.Errorf("unknown collection %q", c)
	}
}

// DecodeRecord unmarshals a document payload into the collection's entity
// type, applying the schema migration step for records written before newer
// fields existed.
func DecodeRecord(c Collection, data []byte) (Record, error) {
	rec, err := NewRecord(c)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("decode %s document: %w", c, err)
	}
	if up, ok := rec.(upgradeable); ok {
		up.UpgradeSchema()
	}
	return rec, nil
}

// EncodeRecord marshals a record into its remote document payload. The
// payload always carries synced=true: a document sitting in the remote store
// is acknowledged by definition, and the local pending flag must not leak to
// other clients.
func EncodeRecord(rec Record) ([]byte, error) {
	clone := rec.CloneRecord()
	clone.Meta().Synced = true
	data, err := json.Marshal(clone)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", rec.RecordID(), err)
	}
	return data, nil
}

// Document is the remote store's unit of atomicity: one entity serialized
// with its writer-stamped timestamp.
type Document struct {
	ID        string          `db:"id" json:"id"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
	Data      json.RawMessage `db:"data" json:"data"`
}

// ChangeKind classifies a change feed notification.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// ChangeEvent is one change feed notification. Doc is nil for removals.
type ChangeEvent struct {
	Kind       ChangeKind
	Collection Collection
	ID         string
	Doc        *Document
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
