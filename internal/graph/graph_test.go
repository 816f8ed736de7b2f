package graph

import (
	"testing"

	"github.com/Kauhik/tracksync/internal/model"
	"github.com/Kauhik/tracksync/internal/remote"
)

// TestResolveIdentityReusesUUIDNames verifies that a UUID-shaped remote name
// is adopted as the local identity instead of minting a new one.
func TestResolveIdentityReusesUUIDNames(t *testing.T) {
	g := New()
	loc := remote.Locator{Kind: remote.KindStudent, Name: "9b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d"}

	id := g.ResolveIdentity(loc)
	if id != loc.Name {
		t.Errorf("ResolveIdentity() = %q, want the remote name reused", id)
	}
}

// TestResolveIdentityMintsForOpaqueNames verifies that non-UUID remote names
// get a minted identity, stable across calls.
func TestResolveIdentityMintsForOpaqueNames(t *testing.T) {
	g := New()
	loc := remote.Locator{Kind: remote.KindStudent, Name: "rec_0042"}

	id := g.ResolveIdentity(loc)
	if id == "" || id == loc.Name {
		t.Fatalf("ResolveIdentity() = %q, want a minted identity", id)
	}
	if again := g.ResolveIdentity(loc); again != id {
		t.Errorf("ResolveIdentity() = %q on second call, want %q", again, id)
	}
	got, ok := g.LocatorFor(remote.KindStudent, id)
	if !ok || got != loc {
		t.Errorf("LocatorFor() = %v, %v; want the original locator", got, ok)
	}
}

// TestIdentitySink verifies that new identity bindings fire the sink exactly
// once per binding.
func TestIdentitySink(t *testing.T) {
	g := New()
	var fired []string
	g.SetIdentitySink(func(loc remote.Locator, localID string) {
		fired = append(fired, localID)
	})

	loc := remote.Locator{Kind: remote.KindGroup, Name: "grp_1"}
	id := g.ResolveIdentity(loc)
	g.ResolveIdentity(loc)
	g.AdoptIdentity(loc, id)

	if len(fired) != 1 || fired[0] != id {
		t.Errorf("sink fired %v, want exactly one binding for %q", fired, id)
	}
}

// TestForget verifies that forgetting a locator drops both directions of the
// mapping.
func TestForget(t *testing.T) {
	g := New()
	loc := remote.Locator{Kind: remote.KindGroup, Name: "grp_1"}
	id := g.ResolveIdentity(loc)

	g.Forget(loc)

	if _, ok := g.LocatorFor(remote.KindGroup, id); ok {
		t.Error("LocatorFor() found a forgotten binding")
	}
	if again := g.ResolveIdentity(loc); again == id {
		t.Error("ResolveIdentity() reused a forgotten identity")
	}
}

// TestUnconfirmedLifecycle verifies the in-flight create guard.
func TestUnconfirmedLifecycle(t *testing.T) {
	g := New()
	loc := remote.Locator{Kind: remote.KindStudent, Name: "s1"}

	if g.IsUnconfirmed(loc) {
		t.Error("fresh locator should not be unconfirmed")
	}
	g.MarkUnconfirmed(loc)
	if !g.IsUnconfirmed(loc) {
		t.Error("IsUnconfirmed() = false after MarkUnconfirmed")
	}
	g.ClearUnconfirmed(loc)
	if g.IsUnconfirmed(loc) {
		t.Error("IsUnconfirmed() = true after ClearUnconfirmed")
	}
}

// TestLegacyGroupField verifies the single-group convenience field: set when
// a student has exactly one membership, empty otherwise.
func TestLegacyGroupField(t *testing.T) {
	g := New()
	g.UpsertStudent(model.Student{ID: "s1", Name: "Ada"})
	g.UpsertGroup(model.Group{ID: "g1", Name: "Red"})
	g.UpsertGroup(model.Group{ID: "g2", Name: "Blue"})

	g.UpsertMembership(model.Membership{ID: "m1", StudentID: "s1", GroupID: "g1"})
	if st, _ := g.StudentByID("s1"); st.GroupID != "g1" {
		t.Errorf("GroupID = %q after one membership, want g1", st.GroupID)
	}

	g.UpsertMembership(model.Membership{ID: "m2", StudentID: "s1", GroupID: "g2"})
	if st, _ := g.StudentByID("s1"); st.GroupID != "" {
		t.Errorf("GroupID = %q with two memberships, want empty", st.GroupID)
	}

	g.RemoveMembership("m1")
	if st, _ := g.StudentByID("s1"); st.GroupID != "g2" {
		t.Errorf("GroupID = %q back at one membership, want g2", st.GroupID)
	}

	g.RemoveMembership("m2")
	if st, _ := g.StudentByID("s1"); st.GroupID != "" {
		t.Errorf("GroupID = %q with no memberships, want empty", st.GroupID)
	}
}

// TestRemoveGroupCascade verifies that deleting a group drops its memberships
// and clears the legacy field on affected students.
func TestRemoveGroupCascade(t *testing.T) {
	g := New()
	g.UpsertGroup(model.Group{ID: "g1", Name: "Red"})
	g.UpsertStudent(model.Student{ID: "s1", Name: "Ada"})
	g.UpsertMembership(model.Membership{ID: "m1", StudentID: "s1", GroupID: "g1"})

	g.RemoveGroup("g1")

	if len(g.MembershipsFor("s1")) != 0 {
		t.Error("memberships survived group removal")
	}
	if st, _ := g.StudentByID("s1"); st.GroupID != "" {
		t.Errorf("GroupID = %q after group removal, want empty", st.GroupID)
	}
	if _, ok := g.GroupByID("g1"); ok {
		t.Error("GroupByID() found a removed group")
	}
}

// TestRemoveStudentCascade verifies that deleting a student drops progress,
// custom properties, memberships and the detail-loaded mark.
func TestRemoveStudentCascade(t *testing.T) {
	g := New()
	g.UpsertStudent(model.Student{ID: "s1", Name: "Ada"})
	g.UpsertGroup(model.Group{ID: "g1", Name: "Red"})
	g.UpsertMembership(model.Membership{ID: "m1", StudentID: "s1", GroupID: "g1"})
	g.UpsertProgress(model.ObjectiveProgress{ID: "p1", StudentID: "s1", ObjectiveCode: "A.1", Value: 50})
	g.UpsertProperty(model.CustomProperty{ID: "c1", StudentID: "s1", Key: "note", Value: "x"})
	g.MarkDetailLoaded("s1")

	g.RemoveStudent("s1")

	if len(g.ProgressFor("s1")) != 0 {
		t.Error("progress survived student removal")
	}
	if len(g.PropertiesFor("s1")) != 0 {
		t.Error("properties survived student removal")
	}
	if len(g.MembershipsFor("s1")) != 0 {
		t.Error("memberships survived student removal")
	}
	if g.DetailLoaded("s1") {
		t.Error("detail-loaded mark survived student removal")
	}
}

// TestUpsertProgressNormalizes verifies clamping and status derivation on the
// way into the graph.
func TestUpsertProgressNormalizes(t *testing.T) {
	g := New()
	g.UpsertProgress(model.ObjectiveProgress{ID: "p1", StudentID: "s1", ObjectiveCode: "A.1", Value: 130})

	p, ok := g.ProgressByID("p1")
	if !ok {
		t.Fatal("ProgressByID() did not find the record")
	}
	if p.Value != 100 {
		t.Errorf("Value = %d, want clamped to 100", p.Value)
	}
	if p.Status != model.StatusComplete {
		t.Errorf("Status = %q, want %q", p.Status, model.StatusComplete)
	}
}

// TestClear verifies that Clear empties entities, identity bindings and marks.
func TestClear(t *testing.T) {
	g := New()
	loc := remote.Locator{Kind: remote.KindGroup, Name: "g1"}
	g.AdoptIdentity(loc, "g1")
	g.UpsertGroup(model.Group{ID: "g1", Name: "Red"})
	g.MarkDetailLoaded("s1")
	g.MarkUnconfirmed(loc)

	g.Clear()

	if len(g.Groups()) != 0 {
		t.Error("groups survived Clear()")
	}
	if _, ok := g.LocatorFor(remote.KindGroup, "g1"); ok {
		t.Error("identity binding survived Clear()")
	}
	if g.DetailLoaded("s1") {
		t.Error("detail-loaded mark survived Clear()")
	}
	if g.IsUnconfirmed(loc) {
		t.Error("unconfirmed mark survived Clear()")
	}
}
