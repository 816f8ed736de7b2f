package graph

import (
	"github.com/Kauhik/tracksync/internal/model"
)

// Upsert and removal operations for each entity type.
//
// Upserts replace in place by local ID, preserving collection order for known
// entities and appending unfamiliar ones. Removals run the cascade rules from
// the data model: deleting a group or domain clears the references on affected
// students and drops associated memberships; deleting a student drops its
// progress, custom properties and memberships.

// UpsertGroup inserts or replaces a group.
func (g *Graph) UpsertGroup(e model.Group) {
	for i := range g.groups {
		if g.groups[i].ID == e.ID {
			g.groups[i] = e
			return
		}
	}
	g.groups = append(g.groups, e)
}

// RemoveGroup deletes a group, clears the legacy group field on its students
// and drops memberships referencing it.
func (g *Graph) RemoveGroup(id string) {
	g.groups = removeByID(g.groups, id, func(e model.Group) string { return e.ID })

	var affected []string
	kept := g.memberships[:0]
	for _, m := range g.memberships {
		if m.GroupID == id {
			affected = append(affected, m.StudentID)
			continue
		}
		kept = append(kept, m)
	}
	g.memberships = kept

	for i := range g.students {
		if g.students[i].GroupID == id {
			g.students[i].GroupID = ""
		}
	}
	for _, sid := range affected {
		g.syncLegacyGroup(sid)
	}
}

// Groups returns a copy of the group collection.
func (g *Graph) Groups() []model.Group {
	return append([]model.Group(nil), g.groups...)
}

// GroupByID looks up a group by local identity.
func (g *Graph) GroupByID(id string) (model.Group, bool) {
	for _, e := range g.groups {
		if e.ID == id {
			return e, true
		}
	}
	return model.Group{}, false
}

// GroupByName looks up a group by its cohort-unique name.
func (g *Graph) GroupByName(name string) (model.Group, bool) {
	for _, e := range g.groups {
		if e.Name == name {
			return e, true
		}
	}
	return model.Group{}, false
}

// UpsertDomain inserts or replaces a domain.
func (g *Graph) UpsertDomain(e model.Domain) {
	for i := range g.domains {
		if g.domains[i].ID == e.ID {
			g.domains[i] = e
			return
		}
	}
	g.domains = append(g.domains, e)
}

// RemoveDomain deletes a domain and clears the domain reference on its
// students.
func (g *Graph) RemoveDomain(id string) {
	g.domains = removeByID(g.domains, id, func(e model.Domain) string { return e.ID })
	for i := range g.students {
		if g.students[i].DomainID == id {
			g.students[i].DomainID = ""
		}
	}
}

// Domains returns a copy of the domain collection.
func (g *Graph) Domains() []model.Domain {
	return append([]model.Domain(nil), g.domains...)
}

// DomainByID looks up a domain by local identity.
func (g *Graph) DomainByID(id string) (model.Domain, bool) {
	for _, e := range g.domains {
		if e.ID == id {
			return e, true
		}
	}
	return model.Domain{}, false
}

// UpsertObjective inserts or replaces an objective definition.
func (g *Graph) UpsertObjective(e model.ObjectiveDefinition) {
	for i := range g.objectives {
		if g.objectives[i].ID == e.ID {
			g.objectives[i] = e
			return
		}
	}
	g.objectives = append(g.objectives, e)
}

// RemoveObjective deletes an objective definition.
// Progress rows referencing it are kept; they still carry the objective code
// and reconciliation against the remote store governs their lifecycle.
func (g *Graph) RemoveObjective(id string) {
	g.objectives = removeByID(g.objectives, id, func(e model.ObjectiveDefinition) string { return e.ID })
}

// Objectives returns a copy of the objective collection.
func (g *Graph) Objectives() []model.ObjectiveDefinition {
	return append([]model.ObjectiveDefinition(nil), g.objectives...)
}

// ObjectiveByID looks up an objective by local identity.
func (g *Graph) ObjectiveByID(id string) (model.ObjectiveDefinition, bool) {
	for _, e := range g.objectives {
		if e.ID == id {
			return e, true
		}
	}
	return model.ObjectiveDefinition{}, false
}

// ObjectiveByCode looks up an objective by its human key.
func (g *Graph) ObjectiveByCode(code string) (model.ObjectiveDefinition, bool) {
	for _, e := range g.objectives {
		if e.Code == code {
			return e, true
		}
	}
	return model.ObjectiveDefinition{}, false
}

// UpsertStudent inserts or replaces a student.
func (g *Graph) UpsertStudent(e model.Student) {
	for i := range g.students {
		if g.students[i].ID == e.ID {
			g.students[i] = e
			return
		}
	}
	g.students = append(g.students, e)
}

// RemoveStudent deletes a student and cascades to its progress, custom
// properties and memberships.
func (g *Graph) RemoveStudent(id string) {
	g.students = removeByID(g.students, id, func(e model.Student) string { return e.ID })
	g.progress = removeWhere(g.progress, func(e model.ObjectiveProgress) bool { return e.StudentID == id })
	g.properties = removeWhere(g.properties, func(e model.CustomProperty) bool { return e.StudentID == id })
	g.memberships = removeWhere(g.memberships, func(e model.Membership) bool { return e.StudentID == id })
	delete(g.detailLoaded, id)
}

// Students returns a copy of the student collection.
func (g *Graph) Students() []model.Student {
	return append([]model.Student(nil), g.students...)
}

// StudentByID looks up a student by local identity.
func (g *Graph) StudentByID(id string) (model.Student, bool) {
	for _, e := range g.students {
		if e.ID == id {
			return e, true
		}
	}
	return model.Student{}, false
}

// UpsertMembership inserts or replaces a membership edge and resynchronizes
// the student's legacy single-group field.
func (g *Graph) UpsertMembership(e model.Membership) {
	found := false
	for i := range g.memberships {
		if g.memberships[i].ID == e.ID {
			g.memberships[i] = e
			found = true
			break
		}
	}
	if !found {
		g.memberships = append(g.memberships, e)
	}
	g.syncLegacyGroup(e.StudentID)
}

// RemoveMembership deletes a membership edge and resynchronizes the student's
// legacy single-group field.
func (g *Graph) RemoveMembership(id string) {
	var studentID string
	for _, m := range g.memberships {
		if m.ID == id {
			studentID = m.StudentID
			break
		}
	}
	if studentID == "" {
		return
	}
	g.memberships = removeByID(g.memberships, id, func(e model.Membership) string { return e.ID })
	g.syncLegacyGroup(studentID)
}

// Memberships returns a copy of the membership collection.
func (g *Graph) Memberships() []model.Membership {
	return append([]model.Membership(nil), g.memberships...)
}

// MembershipsFor returns the membership edges of one student.
func (g *Graph) MembershipsFor(studentID string) []model.Membership {
	var out []model.Membership
	for _, e := range g.memberships {
		if e.StudentID == studentID {
			out = append(out, e)
		}
	}
	return out
}

// syncLegacyGroup keeps Student.GroupID consistent with the membership set:
// exactly one membership names that group, anything else clears the field.
func (g *Graph) syncLegacyGroup(studentID string) {
	var only string
	count := 0
	for _, m := range g.memberships {
		if m.StudentID == studentID {
			count++
			only = m.GroupID
		}
	}
	if count != 1 {
		only = ""
	}
	for i := range g.students {
		if g.students[i].ID == studentID {
			g.students[i].GroupID = only
			return
		}
	}
}

// UpsertProgress inserts or replaces a progress record, clamping the value
// and rederiving the status.
func (g *Graph) UpsertProgress(e model.ObjectiveProgress) {
	e.Value = model.ClampPercent(e.Value)
	e.Status = model.StatusForValue(e.Value)
	for i := range g.progress {
		if g.progress[i].ID == e.ID {
			g.progress[i] = e
			return
		}
	}
	g.progress = append(g.progress, e)
}

// RemoveProgress deletes a progress record.
func (g *Graph) RemoveProgress(id string) {
	g.progress = removeByID(g.progress, id, func(e model.ObjectiveProgress) string { return e.ID })
}

// Progress returns a copy of the progress collection.
func (g *Graph) Progress() []model.ObjectiveProgress {
	return append([]model.ObjectiveProgress(nil), g.progress...)
}

// ProgressFor returns the progress records of one student.
func (g *Graph) ProgressFor(studentID string) []model.ObjectiveProgress {
	var out []model.ObjectiveProgress
	for _, e := range g.progress {
		if e.StudentID == studentID {
			out = append(out, e)
		}
	}
	return out
}

// ProgressByStudentObjective looks up the progress record a student has for
// an objective code.
func (g *Graph) ProgressByStudentObjective(studentID, objectiveCode string) (model.ObjectiveProgress, bool) {
	for _, e := range g.progress {
		if e.StudentID == studentID && e.ObjectiveCode == objectiveCode {
			return e, true
		}
	}
	return model.ObjectiveProgress{}, false
}

// UpsertProperty inserts or replaces a custom property.
func (g *Graph) UpsertProperty(e model.CustomProperty) {
	for i := range g.properties {
		if g.properties[i].ID == e.ID {
			g.properties[i] = e
			return
		}
	}
	g.properties = append(g.properties, e)
}

// RemoveProperty deletes a custom property.
func (g *Graph) RemoveProperty(id string) {
	g.properties = removeByID(g.properties, id, func(e model.CustomProperty) string { return e.ID })
}

// Properties returns a copy of the custom property collection.
func (g *Graph) Properties() []model.CustomProperty {
	return append([]model.CustomProperty(nil), g.properties...)
}

// PropertiesFor returns the custom properties of one student.
func (g *Graph) PropertiesFor(studentID string) []model.CustomProperty {
	var out []model.CustomProperty
	for _, e := range g.properties {
		if e.StudentID == studentID {
			out = append(out, e)
		}
	}
	return out
}

// PropertyByID looks up a custom property by local identity.
func (g *Graph) PropertyByID(id string) (model.CustomProperty, bool) {
	for _, e := range g.properties {
		if e.ID == id {
			return e, true
		}
	}
	return model.CustomProperty{}, false
}

// UpsertLabel inserts or replaces a category label, keyed by code.
func (g *Graph) UpsertLabel(e model.CategoryLabel) {
	for i := range g.labels {
		if g.labels[i].Code == e.Code {
			g.labels[i] = e
			return
		}
	}
	g.labels = append(g.labels, e)
}

// RemoveLabel deletes the category label for a code.
func (g *Graph) RemoveLabel(code string) {
	g.labels = removeByID(g.labels, code, func(e model.CategoryLabel) string { return e.Code })
}

// Labels returns a copy of the category label collection.
func (g *Graph) Labels() []model.CategoryLabel {
	return append([]model.CategoryLabel(nil), g.labels...)
}

// LabelByCode looks up a category label by its code.
func (g *Graph) LabelByCode(code string) (model.CategoryLabel, bool) {
	for _, e := range g.labels {
		if e.Code == code {
			return e, true
		}
	}
	return model.CategoryLabel{}, false
}

// MembershipByID looks up a membership edge by local identity.
func (g *Graph) MembershipByID(id string) (model.Membership, bool) {
	for _, e := range g.memberships {
		if e.ID == id {
			return e, true
		}
	}
	return model.Membership{}, false
}

// ProgressByID looks up a progress record by local identity.
func (g *Graph) ProgressByID(id string) (model.ObjectiveProgress, bool) {
	for _, e := range g.progress {
		if e.ID == id {
			return e, true
		}
	}
	return model.ObjectiveProgress{}, false
}

// removeByID filters one element out of a slice by key, preserving order.
func removeByID[T any](s []T, id string, key func(T) string) []T {
	for i := range s {
		if key(s[i]) == id {
			return append(s[:i:i], s[i+1:]...)
		}
	}
	return s
}

// removeWhere filters out every element matching the predicate,
// preserving order.
func removeWhere[T any](s []T, match func(T) bool) []T {
	out := s[:0]
	for _, e := range s {
		if !match(e) {
			out = append(out, e)
		}
	}
	return out
}
