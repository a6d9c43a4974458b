package models

import "strings"

// Role represents the available roles for the RBAC system.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleTrainer Role = "trainer"
)

// Valid returns true when the role is a supported value.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleTrainer:
		return true
	default:
		return false
	}
}

// Account represents an application user. The record intentionally has no
// password field: account documents synchronize across clients, credential
// hashes never do (they live in dedicated credential storage on the remote
// store).
type Account struct {
	ID             string   `db:"id" json:"id"`
	Username       string   `db:"username" json:"username"`
	Role           Role     `db:"role" json:"role"`
	AssignedGroups []string `db:"-" json:"assigned_groups"`
	AssignedYears  []int    `db:"-" json:"assigned_years"`
	SyncMeta
}

// RecordID implements Record.
func (a *Account) RecordID() string { return a.ID }

// CloneRecord implements Record.
func (a *Account) CloneRecord() Record {
	clone := *a
	clone.AssignedGroups = append([]string(nil), a.AssignedGroups...)
	clone.AssignedYears = append([]int(nil), a.AssignedYears...)
	return &clone
}

// UsernameKey normalizes a username for uniqueness comparison: usernames are
// unique case-insensitively after trimming.
func UsernameKey(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// MayAccessGroup reports whether the account is scoped to the group. Admins
// access every group; trainers only their assignments.
func (a *Account) MayAccessGroup(groupID string) bool {
	if a.Role == RoleAdmin {
		return true
	}
	for _, id := range a.AssignedGroups {
		if id == groupID {
			return true
		}
	}
	return false
}

// MayAccessYear reports whether the account is scoped to the year.
func (a *Account) MayAccessYear(year int) bool {
	if a.Role == RoleAdmin {
		return true
	}
	for _, y := range a.AssignedYears {
		if y == year {
			return true
		}
	}
	return false
}
