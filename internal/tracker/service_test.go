package tracker

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/Kauhik/tracksync/internal/model"
	"github.com/Kauhik/tracksync/internal/remote"
	"github.com/Kauhik/tracksync/internal/seed"
)

// memState is an in-memory State for tests.
type memState struct {
	mu         sync.Mutex
	watermarks map[string]time.Time
	identities map[string]map[remote.Locator]string
}

func newMemState() *memState {
	return &memState{
		watermarks: make(map[string]time.Time),
		identities: make(map[string]map[remote.Locator]string),
	}
}

func (m *memState) Watermark(ctx context.Context, cohort string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermarks[cohort], nil
}

func (m *memState) SetWatermark(ctx context.Context, cohort string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watermarks[cohort] = t
	return nil
}

func (m *memState) LoadIdentities(ctx context.Context, cohort string) (map[remote.Locator]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[remote.Locator]string, len(m.identities[cohort]))
	for loc, id := range m.identities[cohort] {
		out[loc] = id
	}
	return out, nil
}

func (m *memState) SaveIdentity(ctx context.Context, cohort string, loc remote.Locator, localID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identities[cohort] == nil {
		m.identities[cohort] = make(map[remote.Locator]string)
	}
	m.identities[cohort][loc] = localID
	return nil
}

func (m *memState) DeleteIdentity(ctx context.Context, cohort string, loc remote.Locator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.identities[cohort], loc)
	return nil
}

func (m *memState) ClearIdentities(ctx context.Context, cohort string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.identities, cohort)
	return nil
}

func (m *memState) identity(cohort string, loc remote.Locator) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.identities[cohort][loc]
	return id, ok
}

type env struct {
	store *remote.MemStore
	state *memState
	svc   *Service
}

// newEnv builds a started service over an in-memory remote with an empty seed
// catalog, so tests control the dataset exactly.
func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store: remote.NewMemStore(),
		state: newMemState(),
	}
	svc, err := New(Config{
		Cohort:   "cohort-a",
		EditedBy: "tester",
		Remote:   e.store,
		State:    e.state,
		Seed:     &seed.Catalog{},
		Logger:   log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(svc.Stop)
	e.svc = svc
	return e
}

// TestCreateGroup verifies that a create lands in the graph, the remote store
// and the persisted identity map.
func TestCreateGroup(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	g, err := e.svc.CreateGroup(ctx, "Red", "#f00")
	if err != nil {
		t.Fatalf("CreateGroup() failed: %v", err)
	}
	if g.ID == "" {
		t.Fatal("CreateGroup() returned an empty identity")
	}

	if got := e.svc.Groups(); len(got) != 1 || got[0].Name != "Red" {
		t.Errorf("Groups() = %+v, want just Red", got)
	}
	if e.store.Len(remote.KindGroup) != 1 {
		t.Errorf("remote has %d group records, want 1", e.store.Len(remote.KindGroup))
	}
	loc := remote.Locator{Kind: remote.KindGroup, Name: g.ID}
	if id, ok := e.state.identity("cohort-a", loc); !ok || id != g.ID {
		t.Errorf("persisted identity = %q, %v; want %q", id, ok, g.ID)
	}
}

// TestCreateRollback verifies that a failed save leaves no trace: no entity,
// no identity binding, no remote record.
func TestCreateRollback(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	e.store.FailNextSave(errors.New("network down"))
	if _, err := e.svc.CreateGroup(ctx, "Red", "#f00"); err == nil {
		t.Fatal("CreateGroup() should fail when the save fails")
	}

	if got := e.svc.Groups(); len(got) != 0 {
		t.Errorf("Groups() = %+v after rollback, want none", got)
	}
	if e.store.Len(remote.KindGroup) != 0 {
		t.Error("remote gained a record despite the failed save")
	}
	e.state.mu.Lock()
	n := len(e.state.identities["cohort-a"])
	e.state.mu.Unlock()
	if n != 0 {
		t.Errorf("identity map has %d entries after rollback, want 0", n)
	}
}

// TestUpdateRollback verifies that a failed update restores the prior value
// exactly.
func TestUpdateRollback(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	g, err := e.svc.CreateGroup(ctx, "Red", "#f00")
	if err != nil {
		t.Fatalf("CreateGroup() failed: %v", err)
	}

	e.store.FailNextSave(errors.New("network down"))
	if err := e.svc.RenameGroup(ctx, g.ID, "Crimson"); err == nil {
		t.Fatal("RenameGroup() should fail when the save fails")
	}

	got := e.svc.Groups()
	if len(got) != 1 || got[0].Name != "Red" {
		t.Errorf("Groups() = %+v after rollback, want Red restored", got)
	}
}

// TestDeleteRollback verifies that a failed delete restores the entity and
// everything its cascade removed.
func TestDeleteRollback(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	g, err := e.svc.CreateGroup(ctx, "Red", "#f00")
	if err != nil {
		t.Fatalf("CreateGroup() failed: %v", err)
	}
	st, err := e.svc.AddStudent(ctx, "Ada", "morning", "")
	if err != nil {
		t.Fatalf("AddStudent() failed: %v", err)
	}
	if err := e.svc.UpdateStudent(ctx, st, nil, []string{g.ID}); err != nil {
		t.Fatalf("UpdateStudent() failed: %v", err)
	}

	e.store.FailNextDelete(errors.New("network down"))
	if err := e.svc.DeleteGroup(ctx, g.ID); err == nil {
		t.Fatal("DeleteGroup() should fail when the delete fails")
	}

	if got := e.svc.Groups(); len(got) != 1 {
		t.Fatalf("Groups() = %+v after rollback, want Red restored", got)
	}
	if got := e.svc.MembershipsFor(st.ID); len(got) != 1 {
		t.Errorf("MembershipsFor() = %+v after rollback, want the membership restored", got)
	}
	after, _ := e.svc.Student(st.ID)
	if after.GroupID != g.ID {
		t.Errorf("legacy GroupID = %q after rollback, want %q", after.GroupID, g.ID)
	}
}

// TestWritesGatedWhenUnavailable verifies that no local mutation happens when
// the remote store is not writable.
func TestWritesGatedWhenUnavailable(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	e.store.SetStatus(remote.StatusUnavailable)
	_, err := e.svc.CreateGroup(ctx, "Red", "#f00")
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("CreateGroup() error = %v, want ErrRemoteUnavailable", err)
	}
	if got := e.svc.Groups(); len(got) != 0 {
		t.Errorf("Groups() = %+v, gated write must not touch the graph", got)
	}

	e.store.SetStatus(remote.StatusAvailable)
	if _, err := e.svc.CreateGroup(ctx, "Red", "#f00"); err != nil {
		t.Fatalf("CreateGroup() failed after recovery: %v", err)
	}
}

// TestSetProgress verifies create-on-first-write, clamping, status derivation
// and in-place update on later writes.
func TestSetProgress(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	st, err := e.svc.AddStudent(ctx, "Ada", "", "")
	if err != nil {
		t.Fatalf("AddStudent() failed: %v", err)
	}
	if _, err := e.svc.CreateObjective(ctx, model.ObjectiveDefinition{Code: "A.1", Title: "Counting"}); err != nil {
		t.Fatalf("CreateObjective() failed: %v", err)
	}

	p, err := e.svc.SetProgress(ctx, st.ID, "A.1", 150)
	if err != nil {
		t.Fatalf("SetProgress() failed: %v", err)
	}
	if p.Value != 100 || p.Status != model.StatusComplete {
		t.Errorf("progress = %d %q, want 100 complete", p.Value, p.Status)
	}

	p2, err := e.svc.SetProgress(ctx, st.ID, "A.1", 30)
	if err != nil {
		t.Fatalf("second SetProgress() failed: %v", err)
	}
	if p2.ID != p.ID {
		t.Errorf("second write minted a new record %q, want update of %q", p2.ID, p.ID)
	}
	if p2.Value != 30 || p2.Status != model.StatusInProgress {
		t.Errorf("progress = %d %q, want 30 in-progress", p2.Value, p2.Status)
	}
	if got := e.svc.ProgressFor(st.ID); len(got) != 1 {
		t.Errorf("ProgressFor() = %+v, want one record", got)
	}
	if e.store.Len(remote.KindProgress) != 1 {
		t.Errorf("remote has %d progress records, want 1", e.store.Len(remote.KindProgress))
	}
}

// TestSetProgressUnknownStudent verifies the unknown-student guard.
func TestSetProgressUnknownStudent(t *testing.T) {
	e := newEnv(t)
	if _, err := e.svc.SetProgress(context.Background(), "nope", "A.1", 50); err == nil {
		t.Error("SetProgress() should fail for an unknown student")
	}
}

// TestUpdateStudentReplacesSets verifies the composite update: fields saved,
// property set replaced, membership set replaced, legacy field derived.
func TestUpdateStudentReplacesSets(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	red, err := e.svc.CreateGroup(ctx, "Red", "#f00")
	if err != nil {
		t.Fatalf("CreateGroup() failed: %v", err)
	}
	blue, err := e.svc.CreateGroup(ctx, "Blue", "#00f")
	if err != nil {
		t.Fatalf("CreateGroup() failed: %v", err)
	}
	st, err := e.svc.AddStudent(ctx, "Ada", "morning", "")
	if err != nil {
		t.Fatalf("AddStudent() failed: %v", err)
	}

	props := []model.CustomProperty{{Key: "allergy", Value: "none"}}
	if err := e.svc.UpdateStudent(ctx, st, props, []string{red.ID}); err != nil {
		t.Fatalf("UpdateStudent() failed: %v", err)
	}

	got, _ := e.svc.Student(st.ID)
	if got.GroupID != red.ID {
		t.Errorf("legacy GroupID = %q, want %q", got.GroupID, red.ID)
	}
	if ps := e.svc.PropertiesFor(st.ID); len(ps) != 1 || ps[0].Key != "allergy" {
		t.Errorf("PropertiesFor() = %+v, want the allergy property", ps)
	}

	// Second update: rename, swap groups, drop the property.
	st.Name = "Ada L."
	if err := e.svc.UpdateStudent(ctx, st, nil, []string{red.ID, blue.ID}); err != nil {
		t.Fatalf("second UpdateStudent() failed: %v", err)
	}

	got, _ = e.svc.Student(st.ID)
	if got.Name != "Ada L." {
		t.Errorf("Name = %q, want Ada L.", got.Name)
	}
	if got.GroupID != "" {
		t.Errorf("legacy GroupID = %q with two memberships, want empty", got.GroupID)
	}
	if ms := e.svc.MembershipsFor(st.ID); len(ms) != 2 {
		t.Errorf("MembershipsFor() = %+v, want two", ms)
	}
	if ps := e.svc.PropertiesFor(st.ID); len(ps) != 0 {
		t.Errorf("PropertiesFor() = %+v after removal, want none", ps)
	}
	if e.store.Len(remote.KindCustomProperty) != 0 {
		t.Error("removed property still present remotely")
	}
	if e.store.Len(remote.KindMembership) != 2 {
		t.Errorf("remote has %d membership records, want 2", e.store.Len(remote.KindMembership))
	}
}

// TestDeleteStudentCascades verifies local and remote cascade on student
// deletion.
func TestDeleteStudentCascades(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	g, err := e.svc.CreateGroup(ctx, "Red", "#f00")
	if err != nil {
		t.Fatalf("CreateGroup() failed: %v", err)
	}
	if _, err := e.svc.CreateObjective(ctx, model.ObjectiveDefinition{Code: "A.1", Title: "Counting"}); err != nil {
		t.Fatalf("CreateObjective() failed: %v", err)
	}
	st, err := e.svc.AddStudent(ctx, "Ada", "", "")
	if err != nil {
		t.Fatalf("AddStudent() failed: %v", err)
	}
	if err := e.svc.UpdateStudent(ctx, st, []model.CustomProperty{{Key: "note", Value: "x"}}, []string{g.ID}); err != nil {
		t.Fatalf("UpdateStudent() failed: %v", err)
	}
	if _, err := e.svc.SetProgress(ctx, st.ID, "A.1", 60); err != nil {
		t.Fatalf("SetProgress() failed: %v", err)
	}

	if err := e.svc.DeleteStudent(ctx, st.ID); err != nil {
		t.Fatalf("DeleteStudent() failed: %v", err)
	}

	if _, ok := e.svc.Student(st.ID); ok {
		t.Error("Student() still finds the deleted student")
	}
	for kind, want := range map[remote.Kind]int{
		remote.KindStudent:        0,
		remote.KindProgress:       0,
		remote.KindCustomProperty: 0,
		remote.KindMembership:     0,
		remote.KindGroup:          1,
	} {
		if got := e.store.Len(kind); got != want {
			t.Errorf("remote %s records = %d, want %d", kind, got, want)
		}
	}
}

// TestCategoryLabels verifies label set, overwrite and delete keyed by code.
func TestCategoryLabels(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	if err := e.svc.SetCategoryLabel(ctx, "A", "Practical Life"); err != nil {
		t.Fatalf("SetCategoryLabel() failed: %v", err)
	}
	if err := e.svc.SetCategoryLabel(ctx, "A", "Daily Living"); err != nil {
		t.Fatalf("overwriting SetCategoryLabel() failed: %v", err)
	}

	labels := e.svc.Labels()
	if len(labels) != 1 || labels[0].Title != "Daily Living" {
		t.Errorf("Labels() = %+v, want one label titled Daily Living", labels)
	}
	if e.store.Len(remote.KindCategoryLabel) != 1 {
		t.Errorf("remote has %d label records, want 1", e.store.Len(remote.KindCategoryLabel))
	}

	if err := e.svc.DeleteCategoryLabel(ctx, "A"); err != nil {
		t.Fatalf("DeleteCategoryLabel() failed: %v", err)
	}
	if got := e.svc.Labels(); len(got) != 0 {
		t.Errorf("Labels() = %+v after delete, want none", got)
	}
}

// TestLoadIfNeededSeedsEmptyCohort verifies that the first load of an empty
// cohort applies the seed catalog, and that a later load does not reseed.
func TestLoadIfNeededSeedsEmptyCohort(t *testing.T) {
	ctx := context.Background()
	store := remote.NewMemStore()
	state := newMemState()

	catalog := &seed.Catalog{
		Domains: []seed.Domain{{Name: "Math", Color: "#00f", ProgressMode: "computed"}},
		Objectives: []seed.Objective{
			{Code: "A", Title: "Arithmetic"},
			{Code: "A.1", Title: "Counting", Parent: "A", SortOrder: 1},
		},
		Labels: []seed.Label{{Code: "A", Title: "Numbers"}},
	}
	svc, err := New(Config{
		Cohort: "cohort-a",
		Remote: store,
		State:  state,
		Seed:   catalog,
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := svc.LoadIfNeeded(ctx); err != nil {
		t.Fatalf("LoadIfNeeded() failed: %v", err)
	}

	if got := svc.Domains(); len(got) != 1 || got[0].Name != "Math" {
		t.Fatalf("Domains() = %+v, want seeded Math", got)
	}
	objs := svc.Objectives()
	if len(objs) != 2 {
		t.Fatalf("Objectives() = %+v, want two seeded", objs)
	}
	var child model.ObjectiveDefinition
	for _, o := range objs {
		if o.Code == "A.1" {
			child = o
		}
	}
	if child.ParentID == "" {
		t.Error("seeded child objective has no resolved parent")
	}

	// A second load must not duplicate the catalog.
	if err := svc.LoadIfNeeded(ctx); err != nil {
		t.Fatalf("second LoadIfNeeded() failed: %v", err)
	}
	if err := svc.ReloadAllData(ctx, true); err != nil {
		t.Fatalf("ReloadAllData() failed: %v", err)
	}
	if got := svc.Domains(); len(got) != 1 {
		t.Errorf("Domains() = %+v after reload, want still one", got)
	}
}

// TestResetAllData verifies that a reset wipes remote and local state and
// re-applies the seed catalog.
func TestResetAllData(t *testing.T) {
	ctx := context.Background()
	store := remote.NewMemStore()
	state := newMemState()

	catalog := &seed.Catalog{
		Groups: []seed.Group{{Name: "Red", Color: "#f00"}},
	}
	svc, err := New(Config{
		Cohort: "cohort-a",
		Remote: store,
		State:  state,
		Seed:   catalog,
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	if _, err := svc.AddStudent(ctx, "Ada", "", ""); err != nil {
		t.Fatalf("AddStudent() failed: %v", err)
	}
	if _, err := svc.CreateGroup(ctx, "Extra", "#0f0"); err != nil {
		t.Fatalf("CreateGroup() failed: %v", err)
	}

	if err := svc.ResetAllData(ctx); err != nil {
		t.Fatalf("ResetAllData() failed: %v", err)
	}

	if got := svc.Students(); len(got) != 0 {
		t.Errorf("Students() = %+v after reset, want none", got)
	}
	groups := svc.Groups()
	if len(groups) != 1 || groups[0].Name != "Red" {
		t.Errorf("Groups() = %+v after reset, want just the seeded Red", groups)
	}
	if store.Len(remote.KindStudent) != 0 {
		t.Error("students survived the reset remotely")
	}
	if store.Len(remote.KindGroup) != 1 {
		t.Errorf("remote has %d group records after reset, want the seeded one", store.Len(remote.KindGroup))
	}
}

// TestRemoteEditVisibleAfterSync verifies the end-to-end read path: another
// writer's change becomes visible after a sync pass.
func TestRemoteEditVisibleAfterSync(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	g, err := e.svc.CreateGroup(ctx, "Red", "#f00")
	if err != nil {
		t.Fatalf("CreateGroup() failed: %v", err)
	}

	// Another writer renames the group directly in the store.
	loc := remote.Locator{Kind: remote.KindGroup, Name: g.ID}
	rec, err := e.store.Fetch(ctx, loc)
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	rec.Set("name", "Scarlet")
	rec.ModifiedAt = time.Now()
	if _, err := e.store.Save(ctx, rec); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	if err := e.svc.IncrementalSync(ctx); err != nil {
		t.Fatalf("IncrementalSync() failed: %v", err)
	}
	got := e.svc.Groups()
	if len(got) != 1 || got[0].Name != "Scarlet" {
		t.Errorf("Groups() = %+v after sync, want the remote rename applied", got)
	}
	if got[0].ID != g.ID {
		t.Errorf("identity changed across sync: %q -> %q", g.ID, got[0].ID)
	}
}

// TestLocalWriteHookFires verifies that successful writes notify the
// registered hook and failed ones do not.
func TestLocalWriteHookFires(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	var mu sync.Mutex
	fired := 0
	e.svc.SetOnLocalWrite(func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	if _, err := e.svc.CreateGroup(ctx, "Red", "#f00"); err != nil {
		t.Fatalf("CreateGroup() failed: %v", err)
	}
	mu.Lock()
	n := fired
	mu.Unlock()
	if n != 1 {
		t.Errorf("hook fired %d times after one write, want 1", n)
	}

	e.store.FailNextSave(errors.New("network down"))
	if _, err := e.svc.CreateGroup(ctx, "Blue", "#00f"); err == nil {
		t.Fatal("CreateGroup() should fail")
	}
	mu.Lock()
	n = fired
	mu.Unlock()
	if n != 1 {
		t.Errorf("hook fired %d times after a failed write, want still 1", n)
	}
}

// TestAdaScenario walks the canonical end-to-end flow: a student with no
// group, progress moving through statuses, and a group deletion cascading
// onto her membership and legacy group field.
func TestAdaScenario(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	if _, err := e.svc.CreateObjective(ctx, model.ObjectiveDefinition{Code: "A.1", Title: "Counting"}); err != nil {
		t.Fatalf("CreateObjective() failed: %v", err)
	}

	ada, err := e.svc.AddStudent(ctx, "Ada", "", "")
	if err != nil {
		t.Fatalf("AddStudent() failed: %v", err)
	}
	students := e.svc.Students()
	if len(students) != 1 || students[0].Name != "Ada" {
		t.Fatalf("Students() = %+v, want exactly Ada", students)
	}
	if students[0].GroupID != "" {
		t.Errorf("new student GroupID = %q, want empty", students[0].GroupID)
	}
	if got := e.svc.MembershipsFor(ada.ID); len(got) != 0 {
		t.Errorf("MembershipsFor() = %+v, want empty", got)
	}

	p, err := e.svc.SetProgress(ctx, ada.ID, "A.1", 55)
	if err != nil {
		t.Fatalf("SetProgress() failed: %v", err)
	}
	if p.Value != 55 || p.Status != model.StatusInProgress {
		t.Errorf("progress = %d %q, want 55 in-progress", p.Value, p.Status)
	}

	p, err = e.svc.SetProgress(ctx, ada.ID, "A.1", 100)
	if err != nil {
		t.Fatalf("SetProgress() failed: %v", err)
	}
	if p.Status != model.StatusComplete {
		t.Errorf("status = %q at 100, want complete", p.Status)
	}

	x, err := e.svc.CreateGroup(ctx, "X", "#000")
	if err != nil {
		t.Fatalf("CreateGroup() failed: %v", err)
	}
	if err := e.svc.UpdateStudent(ctx, ada, nil, []string{x.ID}); err != nil {
		t.Fatalf("UpdateStudent() failed: %v", err)
	}
	got, _ := e.svc.Student(ada.ID)
	if got.GroupID != x.ID {
		t.Fatalf("GroupID = %q after joining X, want %q", got.GroupID, x.ID)
	}

	if err := e.svc.DeleteGroup(ctx, x.ID); err != nil {
		t.Fatalf("DeleteGroup() failed: %v", err)
	}
	got, _ = e.svc.Student(ada.ID)
	if got.GroupID != "" {
		t.Errorf("GroupID = %q after X deleted, want empty", got.GroupID)
	}
	if ms := e.svc.MembershipsFor(ada.ID); len(ms) != 0 {
		t.Errorf("MembershipsFor() = %+v after X deleted, want empty", ms)
	}
}

// TestDeleteGroupCascadeFailureConverges verifies that a failed membership
// delete aborts the whole group delete: the remote store keeps both records,
// a full pass changes nothing, and a retry finishes the cascade for good.
func TestDeleteGroupCascadeFailureConverges(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	g, err := e.svc.CreateGroup(ctx, "Red", "#f00")
	if err != nil {
		t.Fatalf("CreateGroup() failed: %v", err)
	}
	st, err := e.svc.AddStudent(ctx, "Ada", "", "")
	if err != nil {
		t.Fatalf("AddStudent() failed: %v", err)
	}
	if err := e.svc.UpdateStudent(ctx, st, nil, []string{g.ID}); err != nil {
		t.Fatalf("UpdateStudent() failed: %v", err)
	}

	// The membership delete runs before the group delete, so failing the
	// first delete fails the cascade with the group still remote.
	e.store.FailNextDelete(errors.New("network down"))
	if err := e.svc.DeleteGroup(ctx, g.ID); err == nil {
		t.Fatal("DeleteGroup() should fail when a membership delete fails")
	}
	if e.store.Len(remote.KindGroup) != 1 || e.store.Len(remote.KindMembership) != 1 {
		t.Fatalf("remote has %d groups, %d memberships after failed cascade, want 1 and 1",
			e.store.Len(remote.KindGroup), e.store.Len(remote.KindMembership))
	}

	if err := e.svc.FullSync(ctx); err != nil {
		t.Fatalf("FullSync() failed: %v", err)
	}
	if got := e.svc.Groups(); len(got) != 1 {
		t.Fatalf("Groups() = %+v after full pass, want Red intact", got)
	}
	if got := e.svc.MembershipsFor(st.ID); len(got) != 1 {
		t.Errorf("MembershipsFor() = %+v after full pass, want the membership intact", got)
	}
	after, _ := e.svc.Student(st.ID)
	if after.GroupID != g.ID {
		t.Errorf("legacy GroupID = %q after full pass, want %q", after.GroupID, g.ID)
	}

	if err := e.svc.DeleteGroup(ctx, g.ID); err != nil {
		t.Fatalf("DeleteGroup() retry failed: %v", err)
	}
	if e.store.Len(remote.KindGroup) != 0 || e.store.Len(remote.KindMembership) != 0 {
		t.Fatalf("remote has %d groups, %d memberships after retry, want none",
			e.store.Len(remote.KindGroup), e.store.Len(remote.KindMembership))
	}
	if err := e.svc.FullSync(ctx); err != nil {
		t.Fatalf("FullSync() failed: %v", err)
	}
	if got := e.svc.Groups(); len(got) != 0 {
		t.Errorf("Groups() = %+v after retry and full pass, want none", got)
	}
	if got := e.svc.MembershipsFor(st.ID); len(got) != 0 {
		t.Errorf("MembershipsFor() = %+v after retry and full pass, want none", got)
	}
	after, _ = e.svc.Student(st.ID)
	if after.GroupID != "" {
		t.Errorf("legacy GroupID = %q after retry, want empty", after.GroupID)
	}
}

// TestDeleteStudentCascadeFailureConverges verifies the same ordering for
// student deletes: a failed child delete leaves the student and its children
// present locally and remotely, and a retry completes cleanly.
func TestDeleteStudentCascadeFailureConverges(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	if _, err := e.svc.CreateObjective(ctx, model.ObjectiveDefinition{Code: "A.1", Title: "Counting"}); err != nil {
		t.Fatalf("CreateObjective() failed: %v", err)
	}
	st, err := e.svc.AddStudent(ctx, "Ada", "", "")
	if err != nil {
		t.Fatalf("AddStudent() failed: %v", err)
	}
	if _, err := e.svc.SetProgress(ctx, st.ID, "A.1", 40); err != nil {
		t.Fatalf("SetProgress() failed: %v", err)
	}

	e.store.FailNextDelete(errors.New("network down"))
	if err := e.svc.DeleteStudent(ctx, st.ID); err == nil {
		t.Fatal("DeleteStudent() should fail when a child delete fails")
	}
	if e.store.Len(remote.KindStudent) != 1 || e.store.Len(remote.KindProgress) != 1 {
		t.Fatalf("remote has %d students, %d progress after failed cascade, want 1 and 1",
			e.store.Len(remote.KindStudent), e.store.Len(remote.KindProgress))
	}
	if got := e.svc.ProgressFor(st.ID); len(got) != 1 {
		t.Errorf("ProgressFor() = %+v after failed cascade, want the record restored", got)
	}

	if err := e.svc.DeleteStudent(ctx, st.ID); err != nil {
		t.Fatalf("DeleteStudent() retry failed: %v", err)
	}
	if e.store.Len(remote.KindStudent) != 0 || e.store.Len(remote.KindProgress) != 0 {
		t.Fatalf("remote has %d students, %d progress after retry, want none",
			e.store.Len(remote.KindStudent), e.store.Len(remote.KindProgress))
	}
}
