// Package model defines the domain entities held in the local mirror.
//
// All entities are partitioned under a single cohort. Local identifiers are
// process-stable strings (UUIDs, or remote names that were already
// identity-shaped) assigned by the identity mapping layer.
package model

import "time"

// ProgressMode controls how a domain's headline progress is produced.
type ProgressMode string

const (
	// ProgressComputed rolls progress up from objective values.
	ProgressComputed ProgressMode = "computed"
	// ProgressExpertReviewed means progress is set by a reviewer, not derived.
	ProgressExpertReviewed ProgressMode = "expert-reviewed"
)

// ProgressStatus is derived from the completion value and never stored
// independently of it.
type ProgressStatus string

const (
	StatusNotStarted ProgressStatus = "not_started"
	StatusInProgress ProgressStatus = "in_progress"
	StatusComplete   ProgressStatus = "complete"
)

// StatusForValue derives the progress status from a completion value.
// The mapping is total over the clamped range: 0 is not started, 100 is
// complete, everything in between is in progress.
func StatusForValue(value int) ProgressStatus {
	switch {
	case value <= 0:
		return StatusNotStarted
	case value >= 100:
		return StatusComplete
	default:
		return StatusInProgress
	}
}

// ClampPercent bounds a completion value to [0,100].
// Every write path must pass values through this before storing them.
func ClampPercent(value int) int {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}

// Group is a named student grouping within a cohort.
// Names are unique within the cohort.
type Group struct {
	ID    string
	Name  string
	Color string
}

// Domain is an expertise track students are assigned to.
type Domain struct {
	ID           string
	Name         string
	Color        string
	ProgressMode ProgressMode
}

// ObjectiveDefinition is a node in the objective forest.
//
// Root nodes have no parent. ParentID is the resolved local identity of the
// parent and is authoritative once known; ParentCode is the human-key fallback
// used before the parent's identity has been resolved. Archived nodes are
// excluded from display but retained for history.
type ObjectiveDefinition struct {
	ID             string
	Code           string // human key, e.g. "A.1"
	Title          string
	Description    string
	IsQuantitative bool
	ParentID       string
	ParentCode     string
	SortOrder      int
	IsArchived     bool
}

// Student owns progress records and custom properties.
//
// GroupID is the legacy single-group convenience field. It mirrors the
// explicit membership set: when a student has exactly one membership it names
// that group, otherwise it is empty.
type Student struct {
	ID        string
	Name      string
	CreatedAt time.Time
	Session   string
	GroupID   string
	DomainID  string
}

// Membership is an explicit many-to-many student/group edge.
// It supersedes the legacy Student.GroupID field.
type Membership struct {
	ID        string
	StudentID string
	GroupID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ObjectiveProgress records a student's completion value for one objective.
// Value is always in [0,100]; Status is derived from Value.
type ObjectiveProgress struct {
	ID            string
	StudentID     string
	ObjectiveID   string
	ObjectiveCode string
	Value         int
	Status        ProgressStatus
	Notes         string
	LastUpdated   time.Time
}

// CustomProperty is a free-form key/value pair attached to a student.
type CustomProperty struct {
	ID        string
	StudentID string
	Key       string
	Value     string
	SortOrder int
}

// CategoryLabel overrides the default display title of a root objective.
// Code is the key; there is at most one label per code.
type CategoryLabel struct {
	Code  string
	Title string
}
