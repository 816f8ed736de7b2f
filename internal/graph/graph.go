// Package graph holds the in-process mirror of every entity type, plus the
// bidirectional mapping between local identities and remote record locators.
//
// The graph performs no locking of its own. All mutation must happen on the
// owning service's serialized context (see internal/tracker); this is the
// property that makes in-place upsert and cascade deletion race-free.
package graph

import (
	"sort"

	"github.com/google/uuid"

	"github.com/Kauhik/tracksync/internal/model"
	"github.com/Kauhik/tracksync/internal/remote"
)

// idKey addresses a local entity for reverse locator lookup.
type idKey struct {
	kind remote.Kind
	id   string
}

// Graph is the authoritative in-process copy of the mirrored dataset.
type Graph struct {
	groups      []model.Group
	domains     []model.Domain
	objectives  []model.ObjectiveDefinition
	students    []model.Student
	memberships []model.Membership
	progress    []model.ObjectiveProgress
	properties  []model.CustomProperty
	labels      []model.CategoryLabel

	identities   map[remote.Locator]string
	locators     map[idKey]remote.Locator
	unconfirmed  map[remote.Locator]bool
	detailLoaded map[string]bool

	// identitySink, if set, observes newly recorded locator/identity pairs
	// so the owner can persist them durably.
	identitySink func(loc remote.Locator, localID string)
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		identities:   make(map[remote.Locator]string),
		locators:     make(map[idKey]remote.Locator),
		unconfirmed:  make(map[remote.Locator]bool),
		detailLoaded: make(map[string]bool),
	}
}

// Clear drops every entity, identity mapping, unconfirmed mark and
// detail-loaded flag. Used by the cascading data reset.
func (g *Graph) Clear() {
	g.groups = nil
	g.domains = nil
	g.objectives = nil
	g.students = nil
	g.memberships = nil
	g.progress = nil
	g.properties = nil
	g.labels = nil
	g.identities = make(map[remote.Locator]string)
	g.locators = make(map[idKey]remote.Locator)
	g.unconfirmed = make(map[remote.Locator]bool)
	g.detailLoaded = make(map[string]bool)
}

// SetIdentitySink registers a callback invoked whenever a locator/identity
// pair is recorded for the first time. Used to persist the identity map.
func (g *Graph) SetIdentitySink(fn func(loc remote.Locator, localID string)) {
	g.identitySink = fn
}

// ResolveIdentity returns the local identity for a remote locator, minting one
// on first sight. Resolution is idempotent: the same locator always yields the
// same identity for the lifetime of the mapping.
//
// If the remote name is already identity-shaped (a valid UUID) it is reused
// directly, so a cold start without a persisted mapping still derives the same
// identity for such records.
func (g *Graph) ResolveIdentity(loc remote.Locator) string {
	if id, ok := g.identities[loc]; ok {
		return id
	}

	id := loc.Name
	if _, err := uuid.Parse(loc.Name); err != nil {
		id = uuid.NewString()
	}

	g.identities[loc] = id
	g.locators[idKey{loc.Kind, id}] = loc
	if g.identitySink != nil {
		g.identitySink(loc, id)
	}
	return id
}

// AdoptIdentity records an existing locator/identity pair, e.g. one restored
// from the durable identity map or assigned by a local create.
func (g *Graph) AdoptIdentity(loc remote.Locator, localID string) {
	_, known := g.identities[loc]
	g.identities[loc] = localID
	g.locators[idKey{loc.Kind, localID}] = loc
	if !known && g.identitySink != nil {
		g.identitySink(loc, localID)
	}
}

// LocatorFor returns the remote locator recorded for a local entity.
func (g *Graph) LocatorFor(kind remote.Kind, localID string) (remote.Locator, bool) {
	loc, ok := g.locators[idKey{kind, localID}]
	return loc, ok
}

// Forget drops the identity mapping and unconfirmed mark for a locator.
// Called when the entity is deleted locally or remotely.
func (g *Graph) Forget(loc remote.Locator) {
	if id, ok := g.identities[loc]; ok {
		delete(g.locators, idKey{loc.Kind, id})
	}
	delete(g.identities, loc)
	delete(g.unconfirmed, loc)
}

// Identities returns a copy of the full locator -> local identity mapping.
func (g *Graph) Identities() map[remote.Locator]string {
	out := make(map[remote.Locator]string, len(g.identities))
	for loc, id := range g.identities {
		out[loc] = id
	}
	return out
}

// MarkUnconfirmed flags a locator whose creating remote write is in flight.
// Reconciliation must not delete the entity for being absent remotely while
// the mark is set.
func (g *Graph) MarkUnconfirmed(loc remote.Locator) {
	g.unconfirmed[loc] = true
}

// ClearUnconfirmed removes the in-flight mark.
func (g *Graph) ClearUnconfirmed(loc remote.Locator) {
	delete(g.unconfirmed, loc)
}

// IsUnconfirmed reports whether the locator's creating write is in flight.
func (g *Graph) IsUnconfirmed(loc remote.Locator) bool {
	return g.unconfirmed[loc]
}

// MarkDetailLoaded records that a student's detail (progress and custom
// properties) has been loaded and should be kept in sync from now on.
func (g *Graph) MarkDetailLoaded(studentID string) {
	g.detailLoaded[studentID] = true
}

// DetailLoaded reports whether a student's detail is being mirrored.
func (g *Graph) DetailLoaded(studentID string) bool {
	return g.detailLoaded[studentID]
}

// DetailLoadedStudents returns the students whose detail is mirrored,
// in stable order.
func (g *Graph) DetailLoadedStudents() []string {
	ids := make([]string, 0, len(g.detailLoaded))
	for id := range g.detailLoaded {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LocalIDs returns the local identities of every entity of the given kind
// currently in the graph.
func (g *Graph) LocalIDs(kind remote.Kind) []string {
	var ids []string
	switch kind {
	case remote.KindGroup:
		for _, e := range g.groups {
			ids = append(ids, e.ID)
		}
	case remote.KindDomain:
		for _, e := range g.domains {
			ids = append(ids, e.ID)
		}
	case remote.KindObjective:
		for _, e := range g.objectives {
			ids = append(ids, e.ID)
		}
	case remote.KindStudent:
		for _, e := range g.students {
			ids = append(ids, e.ID)
		}
	case remote.KindMembership:
		for _, e := range g.memberships {
			ids = append(ids, e.ID)
		}
	case remote.KindProgress:
		for _, e := range g.progress {
			ids = append(ids, e.ID)
		}
	case remote.KindCustomProperty:
		for _, e := range g.properties {
			ids = append(ids, e.ID)
		}
	case remote.KindCategoryLabel:
		for _, e := range g.labels {
			ids = append(ids, e.Code)
		}
	}
	return ids
}

// RemoveByID deletes the entity of the given kind, running the kind's cascade
// rules. Unknown IDs are a no-op.
func (g *Graph) RemoveByID(kind remote.Kind, localID string) {
	switch kind {
	case remote.KindGroup:
		g.RemoveGroup(localID)
	case remote.KindDomain:
		g.RemoveDomain(localID)
	case remote.KindObjective:
		g.RemoveObjective(localID)
	case remote.KindStudent:
		g.RemoveStudent(localID)
	case remote.KindMembership:
		g.RemoveMembership(localID)
	case remote.KindProgress:
		g.RemoveProgress(localID)
	case remote.KindCustomProperty:
		g.RemoveProperty(localID)
	case remote.KindCategoryLabel:
		g.RemoveLabel(localID)
	}
}
