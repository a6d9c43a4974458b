package models

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// groupNamespace seeds deterministic group identifiers. Never change it:
// existing group documents derive their IDs from it.
var groupNamespace = uuid.MustParse("b6f32b2c-5f0b-44a4-9f2e-6d7a3e1c9b5d")

// Group is a training group for one year level. No two groups may share the
// same normalized (name, year) pair.
type Group struct {
	ID   string `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
	Year int    `db:"year" json:"year"`
	SyncMeta
}

// RecordID implements Record.
func (g *Group) RecordID() string { return g.ID }

// CloneRecord implements Record.
func (g *Group) CloneRecord() Record {
	clone := *g
	return &clone
}

// NormalizeGroupName lowercases and trims a group name for uniqueness
// comparison.
func NormalizeGroupName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// GroupKey is the uniqueness key for a group.
func GroupKey(name string, year int) string {
	return fmt.Sprintf("%s|%d", NormalizeGroupName(name), year)
}

// DeterministicGroupID derives the group document ID from its natural key.
// Two clients concurrently creating the same (name, year) group produce the
// same ID and therefore collide on a single remote document, where
// per-document last-write-wins converges them instead of leaving duplicates.
func DeterministicGroupID(name string, year int) string {
	return uuid.NewSHA1(groupNamespace, []byte(GroupKey(name, year))).String()
}
