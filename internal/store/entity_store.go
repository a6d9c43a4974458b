package store

import (
	"sort"
	"strings"
	"sync"

	"github.com/noah-isme/rostersync/internal/models"
)

// EntityStore is the in-process canonical representation of all synchronized
// records and the single read source for the presentation layer. It is
// mutated only by the sync coordinator and the change feed subscriber; every
// record crossing the boundary is cloned so callers can never reach the
// canonical copies.
type EntityStore struct {
	mu          sync.RWMutex
	collections map[models.Collection]map[string]models.Record
}

// NewEntityStore constructs an empty store with every collection present.
func NewEntityStore() *EntityStore {
	collections := make(map[models.Collection]map[string]models.Record)
	for _, c := range models.Collections() {
		collections[c] = make(map[string]models.Record)
	}
	return &EntityStore{collections: collections}
}

// Get returns a copy of one record.
func (s *EntityStore) Get(c models.Collection, id string) (models.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.collections[c][id]
	if !ok {
		return nil, false
	}
	return rec.CloneRecord(), true
}

// Put stores a copy of the record, replacing any prior version whole.
func (s *EntityStore) Put(c models.Collection, rec models.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.collections[c] == nil {
		s.collections[c] = make(map[string]models.Record)
	}
	s.collections[c][rec.RecordID()] = rec.CloneRecord()
}

// Delete removes a record, reporting whether it existed.
func (s *EntityStore) Delete(c models.Collection, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[c][id]; !ok {
		return false
	}
	delete(s.collections[c], id)
	return true
}

// List returns copies of every record in a collection, ordered by ID for
// deterministic output.
func (s *EntityStore) List(c models.Collection) []models.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]models.Record, 0, len(s.collections[c]))
	for _, rec := range s.collections[c] {
		records = append(records, rec.CloneRecord())
	}
	sort.Slice(records, func(i, j int) bool { return records[i].RecordID() < records[j].RecordID() })
	return records
}

// Count returns the number of records in a collection.
func (s *EntityStore) Count(c models.Collection) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[c])
}

// ReplaceAll swaps a collection's contents wholesale. Used when loading the
// mirror at startup and when rebuilding from the remote store.
func (s *EntityStore) ReplaceAll(c models.Collection, records []models.Record) {
	fresh := make(map[string]models.Record, len(records))
	for _, rec := range records {
		fresh[rec.RecordID()] = rec.CloneRecord()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[c] = fresh
}

// Student returns one student by ID.
func (s *EntityStore) Student(id string) (*models.Student, bool) {
	rec, ok := s.Get(models.CollectionStudents, id)
	if !ok {
		return nil, false
	}
	return rec.(*models.Student), true
}

// Students returns students matching the filter, ordered by name.
func (s *EntityStore) Students(filter models.StudentFilter) []*models.Student {
	search := strings.ToLower(strings.TrimSpace(filter.Search))
	var out []*models.Student
	for _, rec := range s.List(models.CollectionStudents) {
		st := rec.(*models.Student)
		if filter.GroupID != "" && st.GroupID != filter.GroupID {
			continue
		}
		if filter.Year != 0 && st.Year != filter.Year {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(st.Name), search) &&
			!strings.Contains(strings.ToLower(st.ExternalID), search) {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FindStudentIdentity locates a student with the same identity key and year,
// excluding one ID (for updates).
func (s *EntityStore) FindStudentIdentity(key string, year int, excludeID string) (*models.Student, bool) {
	for _, rec := range s.List(models.CollectionStudents) {
		st := rec.(*models.Student)
		if st.ID == excludeID {
			continue
		}
		if st.Year == year && st.IdentityKey() == key {
			return st, true
		}
	}
	return nil, false
}

// Group returns one group by ID.
func (s *EntityStore) Group(id string) (*models.Group, bool) {
	rec, ok := s.Get(models.CollectionGroups, id)
	if !ok {
		return nil, false
	}
	return rec.(*models.Group), true
}

// Groups returns all groups ordered by year then name.
func (s *EntityStore) Groups() []*models.Group {
	var out []*models.Group
	for _, rec := range s.List(models.CollectionGroups) {
		out = append(out, rec.(*models.Group))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Year != out[j].Year {
			return out[i].Year < out[j].Year
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// GroupByKey finds a group by its normalized (name, year) uniqueness key.
func (s *EntityStore) GroupByKey(name string, year int) (*models.Group, bool) {
	key := models.GroupKey(name, year)
	for _, g := range s.Groups() {
		if models.GroupKey(g.Name, g.Year) == key {
			return g, true
		}
	}
	return nil, false
}

// Attendance returns one attendance record by ID.
func (s *EntityStore) Attendance(id string) (*models.AttendanceRecord, bool) {
	rec, ok := s.Get(models.CollectionAttendance, id)
	if !ok {
		return nil, false
	}
	return rec.(*models.AttendanceRecord), true
}

// AttendanceList returns attendance records matching the filter, newest
// first.
func (s *EntityStore) AttendanceList(filter models.AttendanceFilter) []*models.AttendanceRecord {
	var out []*models.AttendanceRecord
	for _, rec := range s.List(models.CollectionAttendance) {
		a := rec.(*models.AttendanceRecord)
		if filter.StudentID != "" && a.StudentID != filter.StudentID {
			continue
		}
		if filter.GroupID != "" && a.GroupID != filter.GroupID {
			continue
		}
		if filter.Year != 0 && a.Year != filter.Year {
			continue
		}
		if filter.Status != nil && a.Status != *filter.Status {
			continue
		}
		if filter.DateFrom != nil && a.Date.Before(*filter.DateFrom) {
			continue
		}
		if filter.DateTo != nil && a.Date.After(*filter.DateTo) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out
}

// Assessment returns one assessment record by ID.
func (s *EntityStore) Assessment(id string) (*models.AssessmentRecord, bool) {
	rec, ok := s.Get(models.CollectionAssessments, id)
	if !ok {
		return nil, false
	}
	return rec.(*models.AssessmentRecord), true
}

// Assessments returns assessment records matching the filter, newest first.
func (s *EntityStore) Assessments(filter models.AssessmentFilter) []*models.AssessmentRecord {
	var out []*models.AssessmentRecord
	for _, rec := range s.List(models.CollectionAssessments) {
		a := rec.(*models.AssessmentRecord)
		if filter.StudentID != "" && a.StudentID != filter.StudentID {
			continue
		}
		if filter.GroupID != "" && a.GroupID != filter.GroupID {
			continue
		}
		if filter.Year != 0 && a.Year != filter.Year {
			continue
		}
		if filter.AuthorID != "" && a.AuthorID != filter.AuthorID {
			continue
		}
		if filter.State != nil && a.State() != *filter.State {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out
}

// Account returns one account by ID.
func (s *EntityStore) Account(id string) (*models.Account, bool) {
	rec, ok := s.Get(models.CollectionAccounts, id)
	if !ok {
		return nil, false
	}
	return rec.(*models.Account), true
}

// Accounts returns all accounts ordered by username.
func (s *EntityStore) Accounts() []*models.Account {
	var out []*models.Account
	for _, rec := range s.List(models.CollectionAccounts) {
		out = append(out, rec.(*models.Account))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// AccountByUsername finds an account by normalized username.
func (s *EntityStore) AccountByUsername(username string) (*models.Account, bool) {
	key := models.UsernameKey(username)
	for _, a := range s.Accounts() {
		if models.UsernameKey(a.Username) == key {
			return a, true
		}
	}
	return nil, false
}
