// Package tracker is the engine's facade: it owns the entity graph, the
// serialized execution context, and every operation callers can invoke, and
// it implements the optimistic write protocol with rollback.
//
// The service is an explicitly constructed instance with a Start/Stop
// lifecycle; nothing in this package is process-global. All graph mutation
// happens while holding the service mutex, the core safety property that
// makes in-place upsert and cascade deletion race-free. Remote I/O runs
// outside the lock and may interleave with other operations at operation
// granularity, never at field granularity.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/Kauhik/tracksync/internal/graph"
	"github.com/Kauhik/tracksync/internal/mapper"
	"github.com/Kauhik/tracksync/internal/model"
	"github.com/Kauhik/tracksync/internal/reconcile"
	"github.com/Kauhik/tracksync/internal/remote"
	"github.com/Kauhik/tracksync/internal/seed"
)

// ErrRemoteUnavailable gates every mutating operation: when the remote store
// is not writable, no local mutation is performed.
var ErrRemoteUnavailable = errors.New("changes require remote access")

// State is the durable state the service depends on.
// Satisfied by *statestore.Store.
type State interface {
	reconcile.State
	LoadIdentities(ctx context.Context, cohort string) (map[remote.Locator]string, error)
	SaveIdentity(ctx context.Context, cohort string, loc remote.Locator, localID string) error
	ClearIdentities(ctx context.Context, cohort string) error
}

// Config holds the service's collaborators and settings.
type Config struct {
	// Cohort is the partition every query and write is scoped to.
	Cohort string

	// EditedBy is the display label stamped on outbound records.
	EditedBy string

	Remote remote.Store
	State  State

	// Seed is the catalog applied on first run and after a reset.
	// Nil means the embedded default catalog.
	Seed *seed.Catalog

	// Logger for service activity. Defaults to stderr.
	Logger *log.Logger
}

// Service is the sync engine facade.
type Service struct {
	// mu is the serialized execution context. Every graph mutation,
	// whether from the write path or from reconciliation, holds it.
	mu sync.Mutex

	cohort   string
	editedBy string
	remote   remote.Store
	state    State
	graph    *graph.Graph
	mapper   *mapper.Mapper
	rec      *reconcile.Reconciler
	seed     *seed.Catalog
	logger   *log.Logger

	loaded  bool
	started bool

	// onLocalWrite notifies the coordinator after a successful write so a
	// confirming sync gets scheduled.
	onLocalWrite func()
	// onReloadNeeded requests a full reload after a composite operation
	// failed partway through.
	onReloadNeeded func()
}

// New creates a service. Call Start before using it.
func New(cfg Config) (*Service, error) {
	if cfg.Cohort == "" {
		return nil, fmt.Errorf("cohort cannot be empty")
	}
	if cfg.Remote == nil {
		return nil, fmt.Errorf("remote store cannot be nil")
	}
	if cfg.State == nil {
		return nil, fmt.Errorf("state store cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[tracker] ", log.LstdFlags)
	}
	if cfg.Seed == nil {
		catalog, err := seed.Default()
		if err != nil {
			return nil, err
		}
		cfg.Seed = catalog
	}

	s := &Service{
		cohort:   cfg.Cohort,
		editedBy: cfg.EditedBy,
		remote:   cfg.Remote,
		state:    cfg.State,
		graph:    graph.New(),
		mapper:   mapper.New(cfg.Cohort, cfg.EditedBy),
		seed:     cfg.Seed,
		logger:   cfg.Logger,
	}

	rec, err := reconcile.New(reconcile.Config{
		Cohort: cfg.Cohort,
		Remote: cfg.Remote,
		Graph:  s.graph,
		Mapper: s.mapper,
		State:  cfg.State,
		Mu:     &s.mu,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	s.rec = rec
	return s, nil
}

// SetOnLocalWrite registers the local-write notification hook (typically the
// coordinator's local-write trigger).
func (s *Service) SetOnLocalWrite(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLocalWrite = fn
}

// SetOnReloadNeeded registers the forced-reload hook used when a composite
// operation fails partway.
func (s *Service) SetOnReloadNeeded(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReloadNeeded = fn
}

// Start restores the persisted identity map into the graph and begins
// persisting newly minted identities. Idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	identities, err := s.state.LoadIdentities(ctx, s.cohort)
	if err != nil {
		return fmt.Errorf("failed to restore identity map: %w", err)
	}
	for loc, id := range identities {
		s.graph.AdoptIdentity(loc, id)
	}

	s.graph.SetIdentitySink(func(loc remote.Locator, localID string) {
		if err := s.state.SaveIdentity(context.Background(), s.cohort, loc, localID); err != nil {
			s.logger.Printf("Warning: failed to persist identity for %s: %v", loc, err)
		}
	})

	s.started = true
	if len(identities) > 0 {
		s.logger.Printf("Restored %d identities for cohort %s", len(identities), s.cohort)
	}
	return nil
}

// Stop detaches the identity sink. The service holds no goroutines of its
// own; the coordinator owns the consumer loop.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graph.SetIdentitySink(nil)
	s.started = false
}

// LoadIfNeeded performs the initial full reconciliation once. If the cohort
// turns out to be empty, the seed catalog is applied.
func (s *Service) LoadIfNeeded(ctx context.Context) error {
	s.mu.Lock()
	already := s.loaded
	s.mu.Unlock()
	if already {
		return nil
	}

	if err := s.rec.FullSync(ctx); err != nil {
		return fmt.Errorf("initial load failed: %w", err)
	}

	s.mu.Lock()
	s.loaded = true
	empty := len(s.graph.Domains()) == 0 && len(s.graph.Objectives()) == 0
	s.mu.Unlock()

	if empty {
		s.logger.Printf("Cohort %s is empty, applying seed catalog", s.cohort)
		if err := s.applySeed(ctx); err != nil {
			// Seeding needs remote access; a read-only session still
			// gets a consistent (empty) mirror.
			s.logger.Printf("Warning: failed to apply seed catalog: %v", err)
		}
	}
	return nil
}

// ReloadAllData re-runs a full reconciliation. When force is false and the
// initial load already happened, it is a no-op.
func (s *Service) ReloadAllData(ctx context.Context, force bool) error {
	s.mu.Lock()
	already := s.loaded
	s.mu.Unlock()
	if already && !force {
		return nil
	}
	if err := s.rec.FullSync(ctx); err != nil {
		return fmt.Errorf("reload failed: %w", err)
	}
	s.mu.Lock()
	s.loaded = true
	s.mu.Unlock()
	return nil
}

// LoadStudentDetail begins mirroring a student's progress and custom
// properties. Reads of those collections are only meaningful afterwards.
func (s *Service) LoadStudentDetail(ctx context.Context, studentID string) error {
	return s.rec.SyncStudentDetail(ctx, studentID)
}

// FullSync implements the coordinator's Runner interface.
func (s *Service) FullSync(ctx context.Context) error {
	return s.rec.FullSync(ctx)
}

// IncrementalSync implements the coordinator's Runner interface.
func (s *Service) IncrementalSync(ctx context.Context) error {
	return s.rec.IncrementalSync(ctx)
}

// ApplyPush implements the coordinator's Runner interface.
func (s *Service) ApplyPush(ctx context.Context, ev remote.PushEvent) error {
	return s.rec.ApplyPush(ctx, ev)
}

// AccountStatus reports the remote store's availability, surfaced to callers
// as the read-only banner state.
func (s *Service) AccountStatus(ctx context.Context) remote.AccountStatus {
	return s.remote.AccountStatus(ctx)
}

// Read accessors. Each takes the serialized lock and returns copies, so
// callers can hold results across further mutation.

func (s *Service) Groups() []model.Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.Groups()
}

func (s *Service) Domains() []model.Domain {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.Domains()
}

func (s *Service) Objectives() []model.ObjectiveDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.Objectives()
}

func (s *Service) Students() []model.Student {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.Students()
}

func (s *Service) Student(id string) (model.Student, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.StudentByID(id)
}

func (s *Service) MembershipsFor(studentID string) []model.Membership {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.MembershipsFor(studentID)
}

func (s *Service) ProgressFor(studentID string) []model.ObjectiveProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.ProgressFor(studentID)
}

func (s *Service) PropertiesFor(studentID string) []model.CustomProperty {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.PropertiesFor(studentID)
}

func (s *Service) Labels() []model.CategoryLabel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.Labels()
}

// notifyLocalWrite schedules a confirming sync after a successful write.
// Called outside the lock.
func (s *Service) notifyLocalWrite() {
	s.mu.Lock()
	fn := s.onLocalWrite
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// requestReload asks for a full reload after a composite operation failed
// partway; eventual correctness via reload is preferred over partial-failure
// bookkeeping. Called outside the lock.
func (s *Service) requestReload() {
	s.mu.Lock()
	fn := s.onReloadNeeded
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// checkWritable gates every mutating operation on remote availability.
func (s *Service) checkWritable(ctx context.Context) error {
	if s.remote.AccountStatus(ctx) != remote.StatusAvailable {
		return ErrRemoteUnavailable
	}
	return nil
}
