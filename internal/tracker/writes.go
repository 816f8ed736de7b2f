package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Kauhik/tracksync/internal/model"
	"github.com/Kauhik/tracksync/internal/remote"
)

// Every mutating operation follows the optimistic protocol:
//
//  1. gate on remote availability (fail fast, no local change)
//  2. apply the mutation to the graph under the serialized lock
//  3. push the corresponding record(s) to the remote store
//  4. on success record the locator and notify the coordinator
//  5. on failure revert the graph to its pre-step-2 state and surface
//     the error; no automatic retry
//
// Creates are marked unconfirmed while the save is in flight so a racing
// reconciliation pass does not delete them for being absent remotely.

// saveNew completes a create: it clears the unconfirmed window, adopts a
// remote-assigned locator if the store renamed the record, and reverts the
// optimistic insert on failure. revert runs under the lock.
func (s *Service) saveNew(ctx context.Context, loc remote.Locator, localID string, rec *remote.Record, revert func()) error {
	saved, err := s.remote.Save(ctx, rec)

	s.mu.Lock()
	s.graph.ClearUnconfirmed(loc)
	if err != nil {
		revert()
		s.graph.Forget(loc)
		s.mu.Unlock()
		if derr := s.state.DeleteIdentity(ctx, s.cohort, loc); derr != nil {
			s.logger.Printf("Warning: failed to drop identity for %s: %v", loc, derr)
		}
		return fmt.Errorf("failed to save %s: %w", loc.Kind, err)
	}
	if saved.Locator != loc {
		// The store assigned its own locator; rebind the local identity.
		s.graph.Forget(loc)
		s.graph.AdoptIdentity(saved.Locator, localID)
	}
	s.mu.Unlock()

	if saved.Locator != loc {
		if derr := s.state.DeleteIdentity(ctx, s.cohort, loc); derr != nil {
			s.logger.Printf("Warning: failed to drop provisional identity for %s: %v", loc, derr)
		}
	}
	s.notifyLocalWrite()
	return nil
}

// saveExisting completes an update, reverting the optimistic change on
// failure. revert runs under the lock.
func (s *Service) saveExisting(ctx context.Context, rec *remote.Record, revert func()) error {
	if _, err := s.remote.Save(ctx, rec); err != nil {
		s.mu.Lock()
		revert()
		s.mu.Unlock()
		return fmt.Errorf("failed to save %s: %w", rec.Locator.Kind, err)
	}
	s.notifyLocalWrite()
	return nil
}

// deleteRemote completes a delete, restoring the optimistically removed
// entities on failure. revert runs under the lock.
func (s *Service) deleteRemote(ctx context.Context, loc remote.Locator, revert func()) error {
	if err := s.remote.Delete(ctx, loc); err != nil {
		s.mu.Lock()
		revert()
		s.mu.Unlock()
		return fmt.Errorf("failed to delete %s: %w", loc.Kind, err)
	}

	s.mu.Lock()
	s.graph.Forget(loc)
	s.mu.Unlock()
	if derr := s.state.DeleteIdentity(ctx, s.cohort, loc); derr != nil {
		s.logger.Printf("Warning: failed to drop identity for %s: %v", loc, derr)
	}
	s.notifyLocalWrite()
	return nil
}

// newLocator mints a local identity and binds it to a fresh remote locator
// named by that identity. Caller holds the lock.
func (s *Service) newLocatorLocked(kind remote.Kind) (remote.Locator, string) {
	id := uuid.NewString()
	loc := remote.Locator{Kind: kind, Name: id}
	s.graph.AdoptIdentity(loc, id)
	s.graph.MarkUnconfirmed(loc)
	return loc, id
}

// CreateGroup creates a group.
func (s *Service) CreateGroup(ctx context.Context, name, color string) (model.Group, error) {
	if err := s.checkWritable(ctx); err != nil {
		return model.Group{}, err
	}

	s.mu.Lock()
	loc, id := s.newLocatorLocked(remote.KindGroup)
	e := model.Group{ID: id, Name: name, Color: color}
	s.graph.UpsertGroup(e)
	rec := s.mapper.RecordFromGroup(s.graph, e)
	s.mu.Unlock()

	err := s.saveNew(ctx, loc, id, rec, func() { s.graph.RemoveGroup(id) })
	if err != nil {
		return model.Group{}, err
	}
	return e, nil
}

// RenameGroup renames a group.
func (s *Service) RenameGroup(ctx context.Context, id, name string) error {
	if err := s.checkWritable(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	prev, ok := s.graph.GroupByID(id)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown group %s", id)
	}
	e := prev
	e.Name = name
	s.graph.UpsertGroup(e)
	rec := s.mapper.RecordFromGroup(s.graph, e)
	s.mu.Unlock()

	return s.saveExisting(ctx, rec, func() { s.graph.UpsertGroup(prev) })
}

// UpdateGroup replaces a group's mutable fields.
func (s *Service) UpdateGroup(ctx context.Context, e model.Group) error {
	if err := s.checkWritable(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	prev, ok := s.graph.GroupByID(e.ID)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown group %s", e.ID)
	}
	s.graph.UpsertGroup(e)
	rec := s.mapper.RecordFromGroup(s.graph, e)
	s.mu.Unlock()

	return s.saveExisting(ctx, rec, func() { s.graph.UpsertGroup(prev) })
}

// DeleteGroup deletes a group. The cascade clears the legacy group field on
// affected students and removes their memberships to the group; the
// memberships are also deleted remotely.
func (s *Service) DeleteGroup(ctx context.Context, id string) error {
	if err := s.checkWritable(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	prev, ok := s.graph.GroupByID(id)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown group %s", id)
	}
	loc, hasLoc := s.graph.LocatorFor(remote.KindGroup, id)

	// Capture everything the cascade touches for exact rollback.
	var removedMemberships []model.Membership
	var affectedStudents []model.Student
	for _, m := range s.graph.Memberships() {
		if m.GroupID == id {
			removedMemberships = append(removedMemberships, m)
		}
	}
	for _, st := range s.graph.Students() {
		if st.GroupID == id {
			affectedStudents = append(affectedStudents, st)
		}
	}
	memberLocs := make([]remote.Locator, 0, len(removedMemberships))
	for _, m := range removedMemberships {
		if mloc, ok := s.graph.LocatorFor(remote.KindMembership, m.ID); ok {
			memberLocs = append(memberLocs, mloc)
		}
	}

	s.graph.RemoveGroup(id)
	s.mu.Unlock()

	if !hasLoc {
		loc = remote.Locator{Kind: remote.KindGroup, Name: id}
	}

	revert := func() {
		s.graph.UpsertGroup(prev)
		for _, m := range removedMemberships {
			s.graph.UpsertMembership(m)
		}
		for _, st := range affectedStudents {
			s.graph.UpsertStudent(st)
		}
	}
	// Delete the memberships remotely before the group itself, so a failed
	// cascade leaves the group in place and the operation retryable. Any
	// membership already gone remotely by then still has its locator bound
	// and is pruned locally by the next full pass.
	for _, mloc := range memberLocs {
		if err := s.remote.Delete(ctx, mloc); err != nil {
			s.mu.Lock()
			revert()
			s.mu.Unlock()
			return fmt.Errorf("failed to delete membership %s: %w", mloc.Name, err)
		}
	}
	if err := s.deleteRemote(ctx, loc, revert); err != nil {
		return err
	}
	for _, mloc := range memberLocs {
		s.mu.Lock()
		s.graph.Forget(mloc)
		s.mu.Unlock()
		if derr := s.state.DeleteIdentity(ctx, s.cohort, mloc); derr != nil {
			s.logger.Printf("Warning: failed to drop identity for %s: %v", mloc, derr)
		}
	}
	return nil
}

// CreateDomain creates a domain. An empty progress mode defaults to computed.
func (s *Service) CreateDomain(ctx context.Context, name, color string, mode model.ProgressMode) (model.Domain, error) {
	if err := s.checkWritable(ctx); err != nil {
		return model.Domain{}, err
	}
	if mode == "" {
		mode = model.ProgressComputed
	}

	s.mu.Lock()
	loc, id := s.newLocatorLocked(remote.KindDomain)
	e := model.Domain{ID: id, Name: name, Color: color, ProgressMode: mode}
	s.graph.UpsertDomain(e)
	rec := s.mapper.RecordFromDomain(s.graph, e)
	s.mu.Unlock()

	err := s.saveNew(ctx, loc, id, rec, func() { s.graph.RemoveDomain(id) })
	if err != nil {
		return model.Domain{}, err
	}
	return e, nil
}

// UpdateDomain replaces a domain's mutable fields.
func (s *Service) UpdateDomain(ctx context.Context, e model.Domain) error {
	if err := s.checkWritable(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	prev, ok := s.graph.DomainByID(e.ID)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown domain %s", e.ID)
	}
	s.graph.UpsertDomain(e)
	rec := s.mapper.RecordFromDomain(s.graph, e)
	s.mu.Unlock()

	return s.saveExisting(ctx, rec, func() { s.graph.UpsertDomain(prev) })
}

// DeleteDomain deletes a domain, clearing the reference on its students.
func (s *Service) DeleteDomain(ctx context.Context, id string) error {
	if err := s.checkWritable(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	prev, ok := s.graph.DomainByID(id)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown domain %s", id)
	}
	loc, hasLoc := s.graph.LocatorFor(remote.KindDomain, id)

	var affectedStudents []model.Student
	for _, st := range s.graph.Students() {
		if st.DomainID == id {
			affectedStudents = append(affectedStudents, st)
		}
	}

	s.graph.RemoveDomain(id)
	s.mu.Unlock()

	if !hasLoc {
		loc = remote.Locator{Kind: remote.KindDomain, Name: id}
	}
	return s.deleteRemote(ctx, loc, func() {
		s.graph.UpsertDomain(prev)
		for _, st := range affectedStudents {
			s.graph.UpsertStudent(st)
		}
	})
}

// CreateObjective creates an objective definition. The ID field of def is
// ignored; parent linkage may use ParentID or ParentCode.
func (s *Service) CreateObjective(ctx context.Context, def model.ObjectiveDefinition) (model.ObjectiveDefinition, error) {
	if err := s.checkWritable(ctx); err != nil {
		return model.ObjectiveDefinition{}, err
	}

	s.mu.Lock()
	loc, id := s.newLocatorLocked(remote.KindObjective)
	def.ID = id
	if def.ParentID == "" && def.ParentCode != "" {
		if parent, ok := s.graph.ObjectiveByCode(def.ParentCode); ok {
			def.ParentID = parent.ID
		}
	}
	s.graph.UpsertObjective(def)
	rec := s.mapper.RecordFromObjective(s.graph, def)
	s.mu.Unlock()

	err := s.saveNew(ctx, loc, id, rec, func() { s.graph.RemoveObjective(id) })
	if err != nil {
		return model.ObjectiveDefinition{}, err
	}
	return def, nil
}

// UpdateObjective replaces an objective's mutable fields.
func (s *Service) UpdateObjective(ctx context.Context, def model.ObjectiveDefinition) error {
	if err := s.checkWritable(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	prev, ok := s.graph.ObjectiveByID(def.ID)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown objective %s", def.ID)
	}
	s.graph.UpsertObjective(def)
	rec := s.mapper.RecordFromObjective(s.graph, def)
	s.mu.Unlock()

	return s.saveExisting(ctx, rec, func() { s.graph.UpsertObjective(prev) })
}

// RenameObjective changes an objective's title.
func (s *Service) RenameObjective(ctx context.Context, id, title string) error {
	s.mu.Lock()
	def, ok := s.graph.ObjectiveByID(id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown objective %s", id)
	}
	def.Title = title
	return s.UpdateObjective(ctx, def)
}

// MoveObjective reparents an objective and sets its sort position.
// An empty parent ID makes it a root.
func (s *Service) MoveObjective(ctx context.Context, id, parentID string, sortOrder int) error {
	s.mu.Lock()
	def, ok := s.graph.ObjectiveByID(id)
	var parentCode string
	if parentID != "" {
		parent, pok := s.graph.ObjectiveByID(parentID)
		if !pok {
			s.mu.Unlock()
			return fmt.Errorf("unknown parent objective %s", parentID)
		}
		parentCode = parent.Code
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown objective %s", id)
	}

	def.ParentID = parentID
	def.ParentCode = parentCode
	def.SortOrder = sortOrder
	return s.UpdateObjective(ctx, def)
}

// ArchiveObjective sets or clears an objective's archived flag.
// Archived objectives are excluded from display but retained for history.
func (s *Service) ArchiveObjective(ctx context.Context, id string, archived bool) error {
	s.mu.Lock()
	def, ok := s.graph.ObjectiveByID(id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown objective %s", id)
	}
	def.IsArchived = archived
	return s.UpdateObjective(ctx, def)
}

// DeleteObjective deletes an objective definition.
func (s *Service) DeleteObjective(ctx context.Context, id string) error {
	if err := s.checkWritable(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	prev, ok := s.graph.ObjectiveByID(id)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown objective %s", id)
	}
	loc, hasLoc := s.graph.LocatorFor(remote.KindObjective, id)
	s.graph.RemoveObjective(id)
	s.mu.Unlock()

	if !hasLoc {
		loc = remote.Locator{Kind: remote.KindObjective, Name: id}
	}
	return s.deleteRemote(ctx, loc, func() { s.graph.UpsertObjective(prev) })
}

// AddStudent creates a student with no memberships.
func (s *Service) AddStudent(ctx context.Context, name, session, domainID string) (model.Student, error) {
	if err := s.checkWritable(ctx); err != nil {
		return model.Student{}, err
	}

	s.mu.Lock()
	loc, id := s.newLocatorLocked(remote.KindStudent)
	e := model.Student{
		ID:        id,
		Name:      name,
		CreatedAt: time.Now(),
		Session:   session,
		DomainID:  domainID,
	}
	s.graph.UpsertStudent(e)
	// A new student's detail is trivially loaded: there is nothing remote
	// to fetch yet, and progress writes should mirror immediately.
	s.graph.MarkDetailLoaded(id)
	rec := s.mapper.RecordFromStudent(s.graph, e)
	s.mu.Unlock()

	err := s.saveNew(ctx, loc, id, rec, func() { s.graph.RemoveStudent(id) })
	if err != nil {
		return model.Student{}, err
	}
	return e, nil
}

// UpdateStudent is a composite operation: it saves the student's own fields,
// then replaces the custom property set, then replaces the group membership
// set. The availability gate runs once; each sub-operation follows the
// optimistic protocol individually. A failure partway through is not rolled
// back transactionally - a full reload is requested instead, preferring
// eventual correctness over partial-failure bookkeeping.
func (s *Service) UpdateStudent(ctx context.Context, st model.Student, properties []model.CustomProperty, groupIDs []string) error {
	if err := s.checkWritable(ctx); err != nil {
		return err
	}

	steps := 0
	fail := func(err error) error {
		if steps > 0 {
			s.requestReload()
		}
		return err
	}

	if err := s.updateStudentFields(ctx, st); err != nil {
		return fail(err)
	}
	steps++

	if err := s.replaceProperties(ctx, st.ID, properties); err != nil {
		return fail(err)
	}
	steps++

	if err := s.replaceMemberships(ctx, st.ID, groupIDs); err != nil {
		return fail(err)
	}
	return nil
}

// updateStudentFields saves the student entity itself.
func (s *Service) updateStudentFields(ctx context.Context, st model.Student) error {
	s.mu.Lock()
	prev, ok := s.graph.StudentByID(st.ID)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown student %s", st.ID)
	}
	// The legacy group field is derived from memberships; carry the
	// current derivation rather than trusting the caller's copy.
	st.GroupID = prev.GroupID
	s.graph.UpsertStudent(st)
	rec := s.mapper.RecordFromStudent(s.graph, st)
	s.mu.Unlock()

	return s.saveExisting(ctx, rec, func() { s.graph.UpsertStudent(prev) })
}

// replaceProperties makes the student's custom property set equal the given
// list: removed keys are deleted, the rest upserted.
func (s *Service) replaceProperties(ctx context.Context, studentID string, properties []model.CustomProperty) error {
	s.mu.Lock()
	current := s.graph.PropertiesFor(studentID)
	s.mu.Unlock()

	keep := make(map[string]bool, len(properties))
	for _, p := range properties {
		if p.ID != "" {
			keep[p.ID] = true
		}
	}

	for _, old := range current {
		if keep[old.ID] {
			continue
		}
		if err := s.deleteProperty(ctx, old); err != nil {
			return err
		}
	}

	for i, p := range properties {
		p.StudentID = studentID
		p.SortOrder = i
		if p.ID == "" {
			if err := s.createProperty(ctx, p); err != nil {
				return err
			}
			continue
		}
		if err := s.updateProperty(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) createProperty(ctx context.Context, p model.CustomProperty) error {
	s.mu.Lock()
	loc, id := s.newLocatorLocked(remote.KindCustomProperty)
	p.ID = id
	s.graph.UpsertProperty(p)
	rec := s.mapper.RecordFromProperty(s.graph, p)
	s.mu.Unlock()

	return s.saveNew(ctx, loc, id, rec, func() { s.graph.RemoveProperty(id) })
}

func (s *Service) updateProperty(ctx context.Context, p model.CustomProperty) error {
	s.mu.Lock()
	prev, ok := s.graph.PropertyByID(p.ID)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown custom property %s", p.ID)
	}
	s.graph.UpsertProperty(p)
	rec := s.mapper.RecordFromProperty(s.graph, p)
	s.mu.Unlock()

	return s.saveExisting(ctx, rec, func() { s.graph.UpsertProperty(prev) })
}

func (s *Service) deleteProperty(ctx context.Context, p model.CustomProperty) error {
	s.mu.Lock()
	loc, hasLoc := s.graph.LocatorFor(remote.KindCustomProperty, p.ID)
	s.graph.RemoveProperty(p.ID)
	s.mu.Unlock()

	if !hasLoc {
		loc = remote.Locator{Kind: remote.KindCustomProperty, Name: p.ID}
	}
	return s.deleteRemote(ctx, loc, func() { s.graph.UpsertProperty(p) })
}

// replaceMemberships makes the student's membership set equal the given group
// list. The legacy single-group field follows automatically via the graph's
// membership bookkeeping.
func (s *Service) replaceMemberships(ctx context.Context, studentID string, groupIDs []string) error {
	s.mu.Lock()
	current := s.graph.MembershipsFor(studentID)
	s.mu.Unlock()

	want := make(map[string]bool, len(groupIDs))
	for _, gid := range groupIDs {
		want[gid] = true
	}
	have := make(map[string]bool, len(current))

	for _, m := range current {
		if want[m.GroupID] {
			have[m.GroupID] = true
			continue
		}
		if err := s.deleteMembership(ctx, m); err != nil {
			return err
		}
	}

	for _, gid := range groupIDs {
		if have[gid] {
			continue
		}
		if err := s.createMembership(ctx, studentID, gid); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) createMembership(ctx context.Context, studentID, groupID string) error {
	now := time.Now()

	s.mu.Lock()
	loc, id := s.newLocatorLocked(remote.KindMembership)
	m := model.Membership{
		ID:        id,
		StudentID: studentID,
		GroupID:   groupID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.graph.UpsertMembership(m)
	rec := s.mapper.RecordFromMembership(s.graph, m)
	s.mu.Unlock()

	return s.saveNew(ctx, loc, id, rec, func() { s.graph.RemoveMembership(id) })
}

func (s *Service) deleteMembership(ctx context.Context, m model.Membership) error {
	s.mu.Lock()
	loc, hasLoc := s.graph.LocatorFor(remote.KindMembership, m.ID)
	s.graph.RemoveMembership(m.ID)
	s.mu.Unlock()

	if !hasLoc {
		loc = remote.Locator{Kind: remote.KindMembership, Name: m.ID}
	}
	return s.deleteRemote(ctx, loc, func() { s.graph.UpsertMembership(m) })
}

// DeleteStudent deletes a student, cascading to progress, custom properties
// and memberships locally and remotely.
func (s *Service) DeleteStudent(ctx context.Context, id string) error {
	if err := s.checkWritable(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	prev, ok := s.graph.StudentByID(id)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown student %s", id)
	}
	loc, hasLoc := s.graph.LocatorFor(remote.KindStudent, id)

	removedProgress := s.graph.ProgressFor(id)
	removedProperties := s.graph.PropertiesFor(id)
	removedMemberships := s.graph.MembershipsFor(id)
	detailLoaded := s.graph.DetailLoaded(id)

	childLocs := make([]remote.Locator, 0,
		len(removedProgress)+len(removedProperties)+len(removedMemberships))
	for _, p := range removedProgress {
		if l, ok := s.graph.LocatorFor(remote.KindProgress, p.ID); ok {
			childLocs = append(childLocs, l)
		}
	}
	for _, p := range removedProperties {
		if l, ok := s.graph.LocatorFor(remote.KindCustomProperty, p.ID); ok {
			childLocs = append(childLocs, l)
		}
	}
	for _, m := range removedMemberships {
		if l, ok := s.graph.LocatorFor(remote.KindMembership, m.ID); ok {
			childLocs = append(childLocs, l)
		}
	}

	s.graph.RemoveStudent(id)
	s.mu.Unlock()

	if !hasLoc {
		loc = remote.Locator{Kind: remote.KindStudent, Name: id}
	}

	revert := func() {
		s.graph.UpsertStudent(prev)
		if detailLoaded {
			s.graph.MarkDetailLoaded(id)
		}
		for _, p := range removedProgress {
			s.graph.UpsertProgress(p)
		}
		for _, p := range removedProperties {
			s.graph.UpsertProperty(p)
		}
		for _, m := range removedMemberships {
			s.graph.UpsertMembership(m)
		}
	}
	// Children go first for the same reason as in DeleteGroup: a failed
	// cascade must leave the student present and the operation retryable.
	for _, cl := range childLocs {
		if err := s.remote.Delete(ctx, cl); err != nil {
			s.mu.Lock()
			revert()
			s.mu.Unlock()
			return fmt.Errorf("failed to delete %s %s: %w", cl.Kind, cl.Name, err)
		}
	}
	if err := s.deleteRemote(ctx, loc, revert); err != nil {
		return err
	}
	for _, cl := range childLocs {
		s.mu.Lock()
		s.graph.Forget(cl)
		s.mu.Unlock()
		if derr := s.state.DeleteIdentity(ctx, s.cohort, cl); derr != nil {
			s.logger.Printf("Warning: failed to drop identity for %s: %v", cl, derr)
		}
	}
	return nil
}

// SetProgress records a student's completion value for the objective with the
// given code, creating the progress record on first write. The value is
// clamped to [0,100] and the status derived from the clamped value.
func (s *Service) SetProgress(ctx context.Context, studentID, objectiveCode string, value int) (model.ObjectiveProgress, error) {
	if err := s.checkWritable(ctx); err != nil {
		return model.ObjectiveProgress{}, err
	}

	value = model.ClampPercent(value)

	s.mu.Lock()
	if _, ok := s.graph.StudentByID(studentID); !ok {
		s.mu.Unlock()
		return model.ObjectiveProgress{}, fmt.Errorf("unknown student %s", studentID)
	}
	objectiveID := ""
	if obj, ok := s.graph.ObjectiveByCode(objectiveCode); ok {
		objectiveID = obj.ID
	}

	prev, exists := s.graph.ProgressByStudentObjective(studentID, objectiveCode)
	if exists {
		e := prev
		e.ObjectiveID = objectiveID
		e.Value = value
		e.Status = model.StatusForValue(value)
		e.LastUpdated = time.Now()
		s.graph.UpsertProgress(e)
		rec := s.mapper.RecordFromProgress(s.graph, e)
		s.mu.Unlock()

		err := s.saveExisting(ctx, rec, func() { s.graph.UpsertProgress(prev) })
		if err != nil {
			return model.ObjectiveProgress{}, err
		}
		return e, nil
	}

	loc, id := s.newLocatorLocked(remote.KindProgress)
	e := model.ObjectiveProgress{
		ID:            id,
		StudentID:     studentID,
		ObjectiveID:   objectiveID,
		ObjectiveCode: objectiveCode,
		Value:         value,
		Status:        model.StatusForValue(value),
		LastUpdated:   time.Now(),
	}
	s.graph.UpsertProgress(e)
	rec := s.mapper.RecordFromProgress(s.graph, e)
	s.mu.Unlock()

	err := s.saveNew(ctx, loc, id, rec, func() { s.graph.RemoveProgress(id) })
	if err != nil {
		return model.ObjectiveProgress{}, err
	}
	return e, nil
}

// SetProgressNotes updates the notes on an existing progress record.
func (s *Service) SetProgressNotes(ctx context.Context, studentID, objectiveCode, notes string) error {
	if err := s.checkWritable(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	prev, ok := s.graph.ProgressByStudentObjective(studentID, objectiveCode)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("no progress record for student %s objective %s", studentID, objectiveCode)
	}
	e := prev
	e.Notes = notes
	e.LastUpdated = time.Now()
	s.graph.UpsertProgress(e)
	rec := s.mapper.RecordFromProgress(s.graph, e)
	s.mu.Unlock()

	return s.saveExisting(ctx, rec, func() { s.graph.UpsertProgress(prev) })
}

// SetCategoryLabel overrides the display title of a root objective code.
func (s *Service) SetCategoryLabel(ctx context.Context, code, title string) error {
	if err := s.checkWritable(ctx); err != nil {
		return err
	}

	loc := remote.Locator{Kind: remote.KindCategoryLabel, Name: code}

	s.mu.Lock()
	prev, existed := s.graph.LabelByCode(code)
	s.graph.AdoptIdentity(loc, code)
	if !existed {
		s.graph.MarkUnconfirmed(loc)
	}
	e := model.CategoryLabel{Code: code, Title: title}
	s.graph.UpsertLabel(e)
	rec := s.mapper.RecordFromLabel(e)
	s.mu.Unlock()

	revert := func() {
		if existed {
			s.graph.UpsertLabel(prev)
		} else {
			s.graph.RemoveLabel(code)
		}
	}
	if !existed {
		return s.saveNew(ctx, loc, code, rec, revert)
	}
	return s.saveExisting(ctx, rec, revert)
}

// DeleteCategoryLabel removes the title override for a code.
func (s *Service) DeleteCategoryLabel(ctx context.Context, code string) error {
	if err := s.checkWritable(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	prev, ok := s.graph.LabelByCode(code)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("no label for code %s", code)
	}
	s.graph.RemoveLabel(code)
	s.mu.Unlock()

	loc := remote.Locator{Kind: remote.KindCategoryLabel, Name: code}
	return s.deleteRemote(ctx, loc, func() { s.graph.UpsertLabel(prev) })
}

// ResetAllData deletes every record of every kind in the cohort, clears the
// mirror and the persisted identity map, and re-applies the seed catalog.
func (s *Service) ResetAllData(ctx context.Context) error {
	if err := s.checkWritable(ctx); err != nil {
		return err
	}
	s.logger.Printf("Resetting all data for cohort %s", s.cohort)

	// Children first so no pass observes an orphaned parent reference.
	for i := len(remote.AllKinds) - 1; i >= 0; i-- {
		kind := remote.AllKinds[i]
		recs, err := s.remote.Query(ctx, kind, remote.Query{Cohort: s.cohort})
		if err != nil {
			return fmt.Errorf("reset failed querying %s records: %w", kind, err)
		}
		for _, rec := range recs {
			if err := s.remote.Delete(ctx, rec.Locator); err != nil {
				return fmt.Errorf("reset failed deleting %s: %w", rec.Locator, err)
			}
		}
	}

	s.mu.Lock()
	s.graph.Clear()
	s.mu.Unlock()
	if err := s.state.ClearIdentities(ctx, s.cohort); err != nil {
		return fmt.Errorf("reset failed clearing identity map: %w", err)
	}

	if err := s.applySeed(ctx); err != nil {
		return fmt.Errorf("reset failed re-seeding defaults: %w", err)
	}
	s.notifyLocalWrite()
	return nil
}

// applySeed creates the catalog's domains, groups, labels and objectives that
// are not already present, resolving objective parents by code so children can
// be seeded after their parents in one pass.
func (s *Service) applySeed(ctx context.Context) error {
	for _, d := range s.seed.Domains {
		if s.domainExistsByName(d.Name) {
			continue
		}
		if _, err := s.CreateDomain(ctx, d.Name, d.Color, model.ProgressMode(d.ProgressMode)); err != nil {
			return err
		}
	}
	for _, gr := range s.seed.Groups {
		s.mu.Lock()
		_, exists := s.graph.GroupByName(gr.Name)
		s.mu.Unlock()
		if exists {
			continue
		}
		if _, err := s.CreateGroup(ctx, gr.Name, gr.Color); err != nil {
			return err
		}
	}
	for _, l := range s.seed.Labels {
		s.mu.Lock()
		_, exists := s.graph.LabelByCode(l.Code)
		s.mu.Unlock()
		if exists {
			continue
		}
		if err := s.SetCategoryLabel(ctx, l.Code, l.Title); err != nil {
			return err
		}
	}
	for _, o := range s.seed.Objectives {
		s.mu.Lock()
		_, exists := s.graph.ObjectiveByCode(o.Code)
		s.mu.Unlock()
		if exists {
			continue
		}
		def := model.ObjectiveDefinition{
			Code:           o.Code,
			Title:          o.Title,
			Description:    o.Description,
			IsQuantitative: o.Quantitative,
			ParentCode:     o.Parent,
			SortOrder:      o.SortOrder,
		}
		if _, err := s.CreateObjective(ctx, def); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) domainExistsByName(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.graph.Domains() {
		if d.Name == name {
			return true
		}
	}
	return false
}
