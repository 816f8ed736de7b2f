// Package reconcile implements the two reconciliation modes that keep the
// entity graph consistent with the remote record store.
//
// Full reconciliation fetches every record of every kind for the cohort,
// upserts them into the graph, and then deletes local entities whose remote
// counterpart no longer exists (unless their creating write is still in
// flight). Incremental reconciliation only fetches records changed since the
// stored watermark and never deletes; deletions are detected exclusively by
// full passes.
//
// Remote I/O runs outside the serialized context; results are applied under
// the shared lock at operation granularity.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/Kauhik/tracksync/internal/graph"
	"github.com/Kauhik/tracksync/internal/mapper"
	"github.com/Kauhik/tracksync/internal/remote"
)

// State is the durable state the reconciler depends on.
// Satisfied by *statestore.Store.
type State interface {
	Watermark(ctx context.Context, cohort string) (time.Time, error)
	SetWatermark(ctx context.Context, cohort string, t time.Time) error
	DeleteIdentity(ctx context.Context, cohort string, loc remote.Locator) error
}

// Config holds the reconciler's collaborators.
type Config struct {
	Cohort string
	Remote remote.Store
	Graph  *graph.Graph
	Mapper *mapper.Mapper
	State  State

	// Mu is the serialized-context lock shared with the write path.
	// All graph mutation happens while holding it.
	Mu sync.Locker

	// Logger for reconciliation activity. Defaults to stderr.
	Logger *log.Logger
}

// Reconciler runs full and incremental reconciliation passes.
type Reconciler struct {
	cohort string
	remote remote.Store
	graph  *graph.Graph
	mapper *mapper.Mapper
	state  State
	mu     sync.Locker
	logger *log.Logger
}

// New creates a reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Remote == nil {
		return nil, fmt.Errorf("remote store cannot be nil")
	}
	if cfg.Graph == nil {
		return nil, fmt.Errorf("graph cannot be nil")
	}
	if cfg.Mapper == nil {
		return nil, fmt.Errorf("mapper cannot be nil")
	}
	if cfg.State == nil {
		return nil, fmt.Errorf("state cannot be nil")
	}
	if cfg.Mu == nil {
		cfg.Mu = &sync.Mutex{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[reconcile] ", log.LstdFlags)
	}
	return &Reconciler{
		cohort: cfg.Cohort,
		remote: cfg.Remote,
		graph:  cfg.Graph,
		mapper: cfg.Mapper,
		state:  cfg.State,
		mu:     cfg.Mu,
		logger: cfg.Logger,
	}, nil
}

// FullSync reconciles every entity type with the remote store.
//
// Kinds are processed in foreign-key dependency order so parents land before
// the records that reference them. Progress and custom-property records are
// only applied (and only deletion-checked) for students whose detail has been
// loaded; other students' children are left untouched to avoid a full fan-out
// on every pass.
//
// A successful pass also advances the incremental watermark to the pass start
// time, since the pass observed everything written before it began.
func (r *Reconciler) FullSync(ctx context.Context) error {
	start := time.Now()
	r.logger.Printf("Starting full reconciliation for cohort %s", r.cohort)

	var upserts, deletes int
	for _, kind := range remote.AllKinds {
		recs, err := r.remote.Query(ctx, kind, remote.Query{Cohort: r.cohort})
		if err != nil {
			return fmt.Errorf("failed to query %s records: %w", kind, err)
		}

		n, d := r.applyFull(ctx, kind, recs)
		upserts += n
		deletes += d
	}

	if err := r.advanceWatermark(ctx, start); err != nil {
		r.logger.Printf("Warning: failed to advance watermark: %v", err)
	}

	r.logger.Printf("Full reconciliation complete: upserts=%d deletes=%d elapsed=%s",
		upserts, deletes, time.Since(start).Round(time.Millisecond))
	return nil
}

// applyFull upserts one kind's fetched records and deletes local entities of
// that kind that were not in the fetch. Runs under the serialized lock.
func (r *Reconciler) applyFull(ctx context.Context, kind remote.Kind, recs []*remote.Record) (upserts, deletes int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(recs))
	for _, rec := range recs {
		if r.applyRecordLocked(rec) {
			upserts++
		}
		seen[rec.Locator.Name] = true
	}

	for _, id := range r.graph.LocalIDs(kind) {
		if !r.deletionEligibleLocked(kind, id) {
			continue
		}
		loc, ok := r.graph.LocatorFor(kind, id)
		if !ok {
			// No locator recorded means we cannot confirm remote
			// absence; leave the entity alone.
			continue
		}
		if seen[loc.Name] {
			continue
		}
		if r.graph.IsUnconfirmed(loc) {
			r.logger.Printf("Keeping unconfirmed %s (create in flight)", loc)
			continue
		}

		r.graph.RemoveByID(kind, id)
		r.graph.Forget(loc)
		if err := r.state.DeleteIdentity(ctx, r.cohort, loc); err != nil {
			r.logger.Printf("Warning: failed to drop identity for %s: %v", loc, err)
		}
		deletes++
	}
	return upserts, deletes
}

// deletionEligibleLocked reports whether absence-based deletion applies to a
// local entity. Children of students whose detail was never loaded are not
// reconciled, so their absence from a pass proves nothing.
func (r *Reconciler) deletionEligibleLocked(kind remote.Kind, id string) bool {
	switch kind {
	case remote.KindProgress:
		if p, ok := r.graph.ProgressByID(id); ok {
			return r.graph.DetailLoaded(p.StudentID)
		}
	case remote.KindCustomProperty:
		if p, ok := r.graph.PropertyByID(id); ok {
			return r.graph.DetailLoaded(p.StudentID)
		}
	}
	return true
}

// IncrementalSync applies records changed since the stored watermark.
//
// The new watermark candidate is captured before the queries are issued, so a
// write racing the query window stays above the watermark and is picked up by
// the next pass. Incremental passes never delete.
func (r *Reconciler) IncrementalSync(ctx context.Context) error {
	candidate := time.Now()

	watermark, err := r.state.Watermark(ctx, r.cohort)
	if err != nil {
		return fmt.Errorf("failed to read watermark: %w", err)
	}

	q := remote.Query{Cohort: r.cohort}
	if !watermark.IsZero() {
		q.ModifiedSince = &watermark
	}

	applied := 0
	for _, kind := range remote.AllKinds {
		recs, err := r.remote.Query(ctx, kind, q)
		if err != nil {
			return fmt.Errorf("failed to query changed %s records: %w", kind, err)
		}
		if len(recs) == 0 {
			continue
		}

		r.mu.Lock()
		for _, rec := range recs {
			if r.applyRecordLocked(rec) {
				applied++
			}
		}
		r.mu.Unlock()
	}

	if err := r.advanceWatermark(ctx, candidate); err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}

	if applied > 0 {
		r.logger.Printf("Incremental pass applied %d changed records (since %s)",
			applied, watermark.Format(time.RFC3339))
	}
	return nil
}

// SyncStudentDetail marks a student's detail as loaded and pulls the
// student's progress and custom-property records into the mirror. From then
// on, full passes keep those children reconciled.
func (r *Reconciler) SyncStudentDetail(ctx context.Context, studentID string) error {
	r.mu.Lock()
	r.graph.MarkDetailLoaded(studentID)
	r.mu.Unlock()

	for _, kind := range []remote.Kind{remote.KindProgress, remote.KindCustomProperty} {
		recs, err := r.remote.Query(ctx, kind, remote.Query{Cohort: r.cohort})
		if err != nil {
			return fmt.Errorf("failed to query %s records for student detail: %w", kind, err)
		}
		r.mu.Lock()
		for _, rec := range recs {
			r.applyRecordLocked(rec)
		}
		r.mu.Unlock()
	}
	return nil
}

// ApplyPush applies a single push notification directly: fetch-and-upsert for
// creates and updates, removal for deletions. A record that vanished between
// the notification and the fetch is treated as deleted.
func (r *Reconciler) ApplyPush(ctx context.Context, ev remote.PushEvent) error {
	if ev.Reason == remote.PushDeleted {
		r.removeByLocator(ctx, ev.Locator)
		return nil
	}

	rec, err := r.remote.Fetch(ctx, ev.Locator)
	if errors.Is(err, remote.ErrNotFound) {
		r.removeByLocator(ctx, ev.Locator)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to fetch pushed record %s: %w", ev.Locator, err)
	}

	r.mu.Lock()
	r.applyRecordLocked(rec)
	r.mu.Unlock()
	return nil
}

// removeByLocator deletes the local entity mapped to a locator, if any.
func (r *Reconciler) removeByLocator(ctx context.Context, loc remote.Locator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.graph.Identities()[loc]
	if !ok {
		return
	}
	if r.graph.IsUnconfirmed(loc) {
		return
	}
	r.graph.RemoveByID(loc.Kind, id)
	r.graph.Forget(loc)
	if err := r.state.DeleteIdentity(ctx, r.cohort, loc); err != nil {
		r.logger.Printf("Warning: failed to drop identity for %s: %v", loc, err)
	}
}

// applyRecordLocked upserts one record into the graph. Caller holds the lock.
// Returns false when the record was skipped (detail not loaded).
func (r *Reconciler) applyRecordLocked(rec *remote.Record) bool {
	switch rec.Locator.Kind {
	case remote.KindGroup:
		r.graph.UpsertGroup(r.mapper.GroupFromRecord(r.graph, rec))
	case remote.KindDomain:
		r.graph.UpsertDomain(r.mapper.DomainFromRecord(r.graph, rec))
	case remote.KindObjective:
		r.graph.UpsertObjective(r.mapper.ObjectiveFromRecord(r.graph, rec))
	case remote.KindStudent:
		r.graph.UpsertStudent(r.mapper.StudentFromRecord(r.graph, rec))
	case remote.KindMembership:
		r.graph.UpsertMembership(r.mapper.MembershipFromRecord(r.graph, rec))
	case remote.KindProgress:
		p := r.mapper.ProgressFromRecord(r.graph, rec)
		if !r.graph.DetailLoaded(p.StudentID) {
			return false
		}
		r.graph.UpsertProgress(p)
	case remote.KindCustomProperty:
		p := r.mapper.PropertyFromRecord(r.graph, rec)
		if !r.graph.DetailLoaded(p.StudentID) {
			return false
		}
		r.graph.UpsertProperty(p)
	case remote.KindCategoryLabel:
		r.graph.UpsertLabel(r.mapper.LabelFromRecord(r.graph, rec))
	}
	return true
}

// advanceWatermark moves the stored watermark forward to t.
// The watermark never regresses.
func (r *Reconciler) advanceWatermark(ctx context.Context, t time.Time) error {
	current, err := r.state.Watermark(ctx, r.cohort)
	if err != nil {
		return err
	}
	if !t.After(current) {
		return nil
	}
	return r.state.SetWatermark(ctx, r.cohort, t)
}
