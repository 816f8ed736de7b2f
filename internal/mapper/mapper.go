// Package mapper translates between remote records and entity-graph objects,
// in both directions.
//
// Reads are tolerant: every field that may be absent gets an explicit default,
// so one missing field never fails a whole batch. Cross-entity references are
// resolved by locator first, then by human key where a fallback exists, to
// support gradual schema evolution. Translation is side-effect-free except for
// identity minting through the graph.
//
// Writes address the record by the entity's already-known remote locator, or
// the entity's own local identity if none has been recorded yet (local
// identities are identity-shaped, so they double as fresh remote names).
// Every written record is stamped with an update timestamp and an "edited by"
// display label.
package mapper

import (
	"time"

	"github.com/Kauhik/tracksync/internal/graph"
	"github.com/Kauhik/tracksync/internal/model"
	"github.com/Kauhik/tracksync/internal/remote"
)

// Wire field names shared by both directions.
const (
	fieldName           = "name"
	fieldColor          = "color"
	fieldProgressMode   = "progress_mode"
	fieldCode           = "code"
	fieldTitle          = "title"
	fieldDescription    = "description"
	fieldIsQuantitative = "is_quantitative"
	fieldParent         = "parent"
	fieldParentCode     = "parent_code"
	fieldSortOrder      = "sort_order"
	fieldIsArchived     = "is_archived"
	fieldCreatedAt      = "created_at"
	fieldUpdatedAt      = "updated_at"
	fieldSession        = "session"
	fieldGroup          = "group"
	fieldDomain         = "domain"
	fieldStudent        = "student"
	fieldObjective      = "objective"
	fieldObjectiveCode  = "objective_code"
	fieldValue          = "value"
	fieldNotes          = "notes"
	fieldKey            = "key"
)

// Mapper translates records for a single cohort, stamping outbound records
// with the editing client's display label.
type Mapper struct {
	Cohort   string
	EditedBy string
}

// New creates a mapper for the given cohort and editor label.
func New(cohort, editedBy string) *Mapper {
	return &Mapper{Cohort: cohort, EditedBy: editedBy}
}

// refIdentity resolves a reference field holding a remote record name into a
// local identity, minting one if the referenced record was never seen.
// Returns "" for an absent reference.
func refIdentity(g *graph.Graph, kind remote.Kind, name string) string {
	if name == "" {
		return ""
	}
	return g.ResolveIdentity(remote.Locator{Kind: kind, Name: name})
}

// refName turns a local identity back into the remote name used in reference
// fields. Locally created entities use their identity as the remote name, so
// the identity itself is the fallback.
func refName(g *graph.Graph, kind remote.Kind, localID string) string {
	if localID == "" {
		return ""
	}
	if loc, ok := g.LocatorFor(kind, localID); ok {
		return loc.Name
	}
	return localID
}

// locatorFor returns the recorded locator of an entity, or a fresh one named
// by the entity's local identity.
func locatorFor(g *graph.Graph, kind remote.Kind, localID string) remote.Locator {
	if loc, ok := g.LocatorFor(kind, localID); ok {
		return loc
	}
	return remote.Locator{Kind: kind, Name: localID}
}

// newRecord builds an addressed, stamped record shell.
func (m *Mapper) newRecord(loc remote.Locator) *remote.Record {
	rec := remote.NewRecord(loc, m.Cohort)
	rec.ModifiedAt = time.Now()
	rec.ModifiedBy = m.EditedBy
	return rec
}

// GroupFromRecord maps a group record into an entity.
func (m *Mapper) GroupFromRecord(g *graph.Graph, rec *remote.Record) model.Group {
	return model.Group{
		ID:    g.ResolveIdentity(rec.Locator),
		Name:  rec.String(fieldName, ""),
		Color: rec.String(fieldColor, ""),
	}
}

// RecordFromGroup maps a group entity into a record.
func (m *Mapper) RecordFromGroup(g *graph.Graph, e model.Group) *remote.Record {
	rec := m.newRecord(locatorFor(g, remote.KindGroup, e.ID))
	rec.Set(fieldName, e.Name)
	rec.Set(fieldColor, e.Color)
	return rec
}

// DomainFromRecord maps a domain record into an entity.
// An unrecognized progress mode defaults to computed.
func (m *Mapper) DomainFromRecord(g *graph.Graph, rec *remote.Record) model.Domain {
	mode := model.ProgressMode(rec.String(fieldProgressMode, string(model.ProgressComputed)))
	if mode != model.ProgressComputed && mode != model.ProgressExpertReviewed {
		mode = model.ProgressComputed
	}
	return model.Domain{
		ID:           g.ResolveIdentity(rec.Locator),
		Name:         rec.String(fieldName, ""),
		Color:        rec.String(fieldColor, ""),
		ProgressMode: mode,
	}
}

// RecordFromDomain maps a domain entity into a record.
func (m *Mapper) RecordFromDomain(g *graph.Graph, e model.Domain) *remote.Record {
	rec := m.newRecord(locatorFor(g, remote.KindDomain, e.ID))
	rec.Set(fieldName, e.Name)
	rec.Set(fieldColor, e.Color)
	rec.Set(fieldProgressMode, string(e.ProgressMode))
	return rec
}

// ObjectiveFromRecord maps an objective record into an entity.
//
// The parent is resolved by locator reference when present; the parent code is
// retained as the fallback linkage used before the parent's identity is known.
func (m *Mapper) ObjectiveFromRecord(g *graph.Graph, rec *remote.Record) model.ObjectiveDefinition {
	return model.ObjectiveDefinition{
		ID:             g.ResolveIdentity(rec.Locator),
		Code:           rec.String(fieldCode, ""),
		Title:          rec.String(fieldTitle, ""),
		Description:    rec.String(fieldDescription, ""),
		IsQuantitative: rec.Bool(fieldIsQuantitative, false),
		ParentID:       refIdentity(g, remote.KindObjective, rec.String(fieldParent, "")),
		ParentCode:     rec.String(fieldParentCode, ""),
		SortOrder:      rec.Int(fieldSortOrder, 0),
		IsArchived:     rec.Bool(fieldIsArchived, false),
	}
}

// RecordFromObjective maps an objective entity into a record.
func (m *Mapper) RecordFromObjective(g *graph.Graph, e model.ObjectiveDefinition) *remote.Record {
	rec := m.newRecord(locatorFor(g, remote.KindObjective, e.ID))
	rec.Set(fieldCode, e.Code)
	rec.Set(fieldTitle, e.Title)
	rec.Set(fieldDescription, e.Description)
	rec.Set(fieldIsQuantitative, e.IsQuantitative)
	rec.Set(fieldParent, refName(g, remote.KindObjective, e.ParentID))
	rec.Set(fieldParentCode, e.ParentCode)
	rec.Set(fieldSortOrder, e.SortOrder)
	rec.Set(fieldIsArchived, e.IsArchived)
	return rec
}

// StudentFromRecord maps a student record into an entity.
func (m *Mapper) StudentFromRecord(g *graph.Graph, rec *remote.Record) model.Student {
	return model.Student{
		ID:        g.ResolveIdentity(rec.Locator),
		Name:      rec.String(fieldName, ""),
		CreatedAt: rec.Time(fieldCreatedAt, rec.ModifiedAt),
		Session:   rec.String(fieldSession, ""),
		GroupID:   refIdentity(g, remote.KindGroup, rec.String(fieldGroup, "")),
		DomainID:  refIdentity(g, remote.KindDomain, rec.String(fieldDomain, "")),
	}
}

// RecordFromStudent maps a student entity into a record.
func (m *Mapper) RecordFromStudent(g *graph.Graph, e model.Student) *remote.Record {
	rec := m.newRecord(locatorFor(g, remote.KindStudent, e.ID))
	rec.Set(fieldName, e.Name)
	rec.Set(fieldCreatedAt, e.CreatedAt)
	rec.Set(fieldSession, e.Session)
	rec.Set(fieldGroup, refName(g, remote.KindGroup, e.GroupID))
	rec.Set(fieldDomain, refName(g, remote.KindDomain, e.DomainID))
	return rec
}

// MembershipFromRecord maps a membership record into an entity.
func (m *Mapper) MembershipFromRecord(g *graph.Graph, rec *remote.Record) model.Membership {
	return model.Membership{
		ID:        g.ResolveIdentity(rec.Locator),
		StudentID: refIdentity(g, remote.KindStudent, rec.String(fieldStudent, "")),
		GroupID:   refIdentity(g, remote.KindGroup, rec.String(fieldGroup, "")),
		CreatedAt: rec.Time(fieldCreatedAt, rec.ModifiedAt),
		UpdatedAt: rec.Time(fieldUpdatedAt, rec.ModifiedAt),
	}
}

// RecordFromMembership maps a membership entity into a record.
func (m *Mapper) RecordFromMembership(g *graph.Graph, e model.Membership) *remote.Record {
	rec := m.newRecord(locatorFor(g, remote.KindMembership, e.ID))
	rec.Set(fieldStudent, refName(g, remote.KindStudent, e.StudentID))
	rec.Set(fieldGroup, refName(g, remote.KindGroup, e.GroupID))
	rec.Set(fieldCreatedAt, e.CreatedAt)
	rec.Set(fieldUpdatedAt, e.UpdatedAt)
	return rec
}

// ProgressFromRecord maps a progress record into an entity.
//
// The objective is resolved by locator reference when present, falling back to
// the objective's human code for records written before locator references
// existed. The value is clamped and the status rederived on the way in.
func (m *Mapper) ProgressFromRecord(g *graph.Graph, rec *remote.Record) model.ObjectiveProgress {
	code := rec.String(fieldObjectiveCode, "")
	objectiveID := ""
	if name := rec.String(fieldObjective, ""); name != "" {
		objectiveID = refIdentity(g, remote.KindObjective, name)
	} else if code != "" {
		if obj, ok := g.ObjectiveByCode(code); ok {
			objectiveID = obj.ID
		}
	}

	value := model.ClampPercent(rec.Int(fieldValue, 0))
	return model.ObjectiveProgress{
		ID:            g.ResolveIdentity(rec.Locator),
		StudentID:     refIdentity(g, remote.KindStudent, rec.String(fieldStudent, "")),
		ObjectiveID:   objectiveID,
		ObjectiveCode: code,
		Value:         value,
		Status:        model.StatusForValue(value),
		Notes:         rec.String(fieldNotes, ""),
		LastUpdated:   rec.Time(fieldUpdatedAt, rec.ModifiedAt),
	}
}

// RecordFromProgress maps a progress entity into a record.
func (m *Mapper) RecordFromProgress(g *graph.Graph, e model.ObjectiveProgress) *remote.Record {
	rec := m.newRecord(locatorFor(g, remote.KindProgress, e.ID))
	rec.Set(fieldStudent, refName(g, remote.KindStudent, e.StudentID))
	rec.Set(fieldObjective, refName(g, remote.KindObjective, e.ObjectiveID))
	rec.Set(fieldObjectiveCode, e.ObjectiveCode)
	rec.Set(fieldValue, model.ClampPercent(e.Value))
	rec.Set(fieldNotes, e.Notes)
	rec.Set(fieldUpdatedAt, e.LastUpdated)
	return rec
}

// PropertyFromRecord maps a custom property record into an entity.
func (m *Mapper) PropertyFromRecord(g *graph.Graph, rec *remote.Record) model.CustomProperty {
	return model.CustomProperty{
		ID:        g.ResolveIdentity(rec.Locator),
		StudentID: refIdentity(g, remote.KindStudent, rec.String(fieldStudent, "")),
		Key:       rec.String(fieldKey, ""),
		Value:     rec.String(fieldValue, ""),
		SortOrder: rec.Int(fieldSortOrder, 0),
	}
}

// RecordFromProperty maps a custom property entity into a record.
func (m *Mapper) RecordFromProperty(g *graph.Graph, e model.CustomProperty) *remote.Record {
	rec := m.newRecord(locatorFor(g, remote.KindCustomProperty, e.ID))
	rec.Set(fieldStudent, refName(g, remote.KindStudent, e.StudentID))
	rec.Set(fieldKey, e.Key)
	rec.Set(fieldValue, e.Value)
	rec.Set(fieldSortOrder, e.SortOrder)
	return rec
}

// LabelFromRecord maps a category label record into an entity.
// Labels are keyed by code, so the code itself serves as the local identity.
func (m *Mapper) LabelFromRecord(g *graph.Graph, rec *remote.Record) model.CategoryLabel {
	code := rec.String(fieldCode, rec.Locator.Name)
	g.AdoptIdentity(rec.Locator, code)
	return model.CategoryLabel{
		Code:  code,
		Title: rec.String(fieldTitle, ""),
	}
}

// RecordFromLabel maps a category label entity into a record.
func (m *Mapper) RecordFromLabel(e model.CategoryLabel) *remote.Record {
	rec := m.newRecord(remote.Locator{Kind: remote.KindCategoryLabel, Name: e.Code})
	rec.Set(fieldCode, e.Code)
	rec.Set(fieldTitle, e.Title)
	return rec
}
