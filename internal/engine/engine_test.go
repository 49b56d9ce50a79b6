package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conservatory.io/cadenza/internal/analyzer"
	"conservatory.io/cadenza/internal/config"
	"conservatory.io/cadenza/internal/domain"
	"conservatory.io/cadenza/internal/governance/audit"
	"conservatory.io/cadenza/internal/governance/policy"
	apperrors "conservatory.io/cadenza/internal/pkg/errors"
	"conservatory.io/cadenza/internal/pkg/logger"
	"conservatory.io/cadenza/internal/pkg/worker"
	"conservatory.io/cadenza/internal/repository"
)

func TestMain(m *testing.M) {
	logger.Init("error", "json")
	os.Exit(m.Run())
}

type capturePublisher struct {
	mu    sync.Mutex
	snaps map[string][]domain.DeletionProgress
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{snaps: make(map[string][]domain.DeletionProgress)}
}

func (c *capturePublisher) Publish(operationID string, snapshot domain.DeletionProgress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps[operationID] = append(c.snaps[operationID], snapshot)
}

func (c *capturePublisher) history(operationID string) []domain.DeletionProgress {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.DeletionProgress, len(c.snaps[operationID]))
	copy(out, c.snaps[operationID])
	return out
}

type testRig struct {
	engine    *Engine
	repo      repository.Repository
	memory    *repository.MemoryRepository
	policy    *policy.Engine
	store     *audit.MemoryStore
	publisher *capturePublisher
	events    *domain.EventDispatcher
}

func securityConfig() config.SecurityConfig {
	return config.SecurityConfig{
		TokenTTL:                5 * time.Minute,
		MaxConcurrentOperations: 10,
		RateLimits: map[string]config.RateLimitRule{
			"delete_single":  {Cap: 100, Window: time.Minute},
			"delete_bulk":    {Cap: 100, Window: time.Minute},
			"delete_cascade": {Cap: 100, Window: time.Minute},
			"cleanup":        {Cap: 100, Window: time.Minute},
		},
		Anomaly: config.AnomalyConfig{
			WeightDeletionBurst: 30, BurstCount: 1000, BurstWindow: time.Minute,
			AuthFailureCount: 1000, DenialCount: 1000,
			WorkHoursStart: 0, WorkHoursEnd: 24,
			WarnScore: 20, RestrictScore: 40, LockScore: 60,
			LockDuration: time.Minute,
		},
	}
}

func newRig(t *testing.T, repo repository.Repository, memory *repository.MemoryRepository) *testRig {
	t.Helper()

	cfg := securityConfig()
	store := audit.NewMemoryStore()
	trail := audit.NewTrail(store, nil)

	key, err := hex.DecodeString("6368616368613230706f6c79313330356b65792d6d7573742d62652d33322d62")
	require.NoError(t, err)
	tokens, err := policy.NewTokenManager(key, cfg.TokenTTL, policy.NewMemoryReplayStore())
	require.NoError(t, err)

	dir := policy.NewMemoryDirectory()
	dir.AddUser(policy.User{ID: "admin-1", Name: "Admin", Role: "admin", Scope: policy.ScopeFull})
	pol := policy.NewEngine(cfg, dir, policy.NewMemoryCounterStore(), tokens, policy.NewAnomalyDetector(cfg.Anomaly), trail)

	an := analyzer.New(repo, analyzer.DefaultPolicy(), config.AnalyzerConfig{
		MaxDepth: 5, HighAffected: 20, ConfirmAboveAffected: 0,
	})

	pools, err := worker.NewPools(context.Background(), worker.DefaultPoolConfig())
	require.NoError(t, err)
	t.Cleanup(pools.Shutdown)

	publisher := newCapturePublisher()
	events := domain.NewEventDispatcher()
	eng := New(repo, an, pol, trail, publisher, pools, events, config.EngineConfig{
		DefaultBatchSize:   25,
		TransientRetries:   2,
		TransientRetryWait: 5 * time.Millisecond,
		OperationRetention: time.Hour,
	})
	return &testRig{engine: eng, repo: repo, memory: memory, policy: pol, store: store, publisher: publisher, events: events}
}

func seededRig(t *testing.T) *testRig {
	repo := repository.NewMemoryRepository()
	repository.SeedConservatory(repo)
	return newRig(t, repo, repo)
}

func waitTerminal(t *testing.T, e *Engine, operationID string) (*domain.DeletionOperation, *domain.DeletionProgress) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		op, progress, err := e.Get(operationID)
		require.NoError(t, err)
		if op.Status.Terminal() {
			return op, progress
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("operation %s did not reach a terminal status", operationID)
	return nil, nil
}

// confirmationFor issues a token the way the preview endpoint does.
func confirmationFor(t *testing.T, rig *testRig, entityType domain.EntityType, entityID string) string {
	t.Helper()
	token, _, _, err := rig.policy.IssueToken(context.Background(), "admin-1", EntityKey(entityType, entityID), domain.ScopeCascade)
	require.NoError(t, err)
	return token
}

func TestStartCascadeDeletesStudent(t *testing.T) {
	rig := seededRig(t)
	ctx := context.Background()

	expected := 4
	op, err := rig.engine.Start(ctx, Request{
		EntityType:  domain.EntityStudent,
		EntityID:    "42",
		Scope:       domain.ScopeCascade,
		RequestedBy: "admin-1",
		Options: ExecOptions{
			ConfirmationToken:     confirmationFor(t, rig, domain.EntityStudent, "42"),
			ExpectedAffectedCount: &expected,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.EntityStudent, op.EntityType)

	final, progress := waitTerminal(t, rig.engine, op.ID)
	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.Equal(t, domain.ResultCompleted, final.Result)
	require.NotNil(t, final.FinishedAt)

	assert.Equal(t, domain.PhaseCompleted, progress.Phase)
	assert.Equal(t, float64(100), progress.Percentage)
	// Three lessons, one nullified orchestra, plus the root.
	assert.Len(t, progress.ProcessedEntities, 5)
	assert.Empty(t, progress.Errors)

	assert.False(t, rig.memory.Has(domain.EntityStudent, "42"))
	assert.False(t, rig.memory.Has(domain.EntityTheoryLesson, "l-1"))
	assert.True(t, rig.memory.Has(domain.EntityOrchestra, "1"))

	// Root deletion is the last write.
	require.NotEmpty(t, rig.memory.Ops)
	assert.Equal(t, "delete:student:42", rig.memory.Ops[len(rig.memory.Ops)-1])
	assert.Contains(t, rig.memory.Ops, "nullify:orchestra:1#memberIds")

	// Every node and phase left an audit record.
	nodes, err := rig.store.Query(ctx, audit.Filter{OperationID: op.ID, Action: "deletion.node.deleted"})
	require.NoError(t, err)
	assert.Len(t, nodes, 4)
	phases, err := rig.store.Query(ctx, audit.Filter{OperationID: op.ID, Action: "deletion.phase.deleting"})
	require.NoError(t, err)
	assert.Len(t, phases, 1)
}

func TestDependencyOrderLeavesFirst(t *testing.T) {
	repo := repository.NewMemoryRepository()
	root := repository.EntityRef{Type: domain.EntityOrchestra, ID: "o-1", Name: "Root"}
	mid := repository.EntityRef{Type: domain.EntityRehearsal, ID: "r-mid", Name: "Mid"}
	leaf := repository.EntityRef{Type: domain.EntityRehearsal, ID: "r-leaf", Name: "Leaf"}
	repo.AddEntity(root)
	repo.AddEntity(mid)
	repo.AddEntity(leaf)
	repo.AddRelation(root, "orchestra_rehearsals", mid, "")
	repo.AddRelation(mid, "orchestra_rehearsals", leaf, "")

	rig := newRig(t, repo, repo)
	op, err := rig.engine.Start(context.Background(), Request{
		EntityType:  domain.EntityOrchestra,
		EntityID:    "o-1",
		Scope:       domain.ScopeCascade,
		RequestedBy: "admin-1",
		Options:     ExecOptions{ConfirmationToken: confirmationFor(t, rig, domain.EntityOrchestra, "o-1")},
	})
	require.NoError(t, err)

	final, _ := waitTerminal(t, rig.engine, op.ID)
	require.Equal(t, domain.StatusCompleted, final.Status)

	require.Equal(t, []string{
		"delete:rehearsal:r-leaf",
		"delete:rehearsal:r-mid",
		"delete:orchestra:o-1",
	}, repo.Ops)
}

func TestRestrictedDependentFailsOperation(t *testing.T) {
	rig := seededRig(t)

	op, err := rig.engine.Start(context.Background(), Request{
		EntityType:  domain.EntityTeacher,
		EntityID:    "7",
		Scope:       domain.ScopeCascade,
		RequestedBy: "admin-1",
		Options:     ExecOptions{ConfirmationToken: confirmationFor(t, rig, domain.EntityTeacher, "7")},
	})
	require.NoError(t, err)

	final, progress := waitTerminal(t, rig.engine, op.ID)
	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.Equal(t, domain.PhaseFailed, progress.Phase)
	assert.True(t, rig.memory.Has(domain.EntityTeacher, "7"))
	assert.Empty(t, rig.memory.Ops)
}

func TestImpactDriftAborts(t *testing.T) {
	rig := seededRig(t)

	stale := 7
	op, err := rig.engine.Start(context.Background(), Request{
		EntityType:  domain.EntityStudent,
		EntityID:    "42",
		Scope:       domain.ScopeCascade,
		RequestedBy: "admin-1",
		Options: ExecOptions{
			ConfirmationToken:     confirmationFor(t, rig, domain.EntityStudent, "42"),
			ExpectedAffectedCount: &stale,
		},
	})
	require.NoError(t, err)

	final, _ := waitTerminal(t, rig.engine, op.ID)
	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.Contains(t, fmt.Sprint(final.Metadata["error"]), "impact changed")
	assert.True(t, rig.memory.Has(domain.EntityStudent, "42"))
}

func TestConfirmationTokenRequired(t *testing.T) {
	// A zero-dependent entity needs a token just like a full cascade.
	cases := []struct {
		name     string
		entityID string
		scope    domain.TokenScope
	}{
		{"cascade with dependents", "42", domain.ScopeCascade},
		{"single with no dependents", "43", domain.ScopeSingle},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rig := seededRig(t)

			op, err := rig.engine.Start(context.Background(), Request{
				EntityType:  domain.EntityStudent,
				EntityID:    tc.entityID,
				Scope:       tc.scope,
				RequestedBy: "admin-1",
			})
			require.NoError(t, err)

			final, _ := waitTerminal(t, rig.engine, op.ID)
			assert.Equal(t, domain.StatusFailed, final.Status)
			assert.Contains(t, final.Metadata["error"], apperrors.CodeTokenInvalid)
			assert.True(t, rig.memory.Has(domain.EntityStudent, tc.entityID))
		})
	}
}

func TestStartEvaluatesAnomalyWindow(t *testing.T) {
	rig := seededRig(t)

	op, err := rig.engine.Start(context.Background(), Request{
		EntityType:  domain.EntityStudent,
		EntityID:    "43",
		Scope:       domain.ScopeSingle,
		RequestedBy: "admin-1",
		Options:     ExecOptions{ConfirmationToken: confirmationFor(t, rig, domain.EntityStudent, "43")},
	})
	require.NoError(t, err)
	waitTerminal(t, rig.engine, op.ID)

	entries, err := rig.store.Query(context.Background(), audit.Filter{Action: "anomaly.clear"})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "admin-1", entries[0].User.ID)
}

func TestAuditOutageStillEmitsTerminalEvent(t *testing.T) {
	rig := seededRig(t)

	failed := make(chan string, 1)
	rig.events.Register(domain.EventDeletionFailed, func(ctx context.Context, event *domain.DomainEvent) error {
		select {
		case failed <- event.OperationID:
		default:
		}
		return nil
	})

	rig.store.FailAppendOn("deletion.phase.analyzing", fmt.Errorf("audit store down"))

	op, err := rig.engine.Start(context.Background(), Request{
		EntityType:  domain.EntityStudent,
		EntityID:    "42",
		Scope:       domain.ScopeCascade,
		RequestedBy: "admin-1",
		Options:     ExecOptions{ConfirmationToken: confirmationFor(t, rig, domain.EntityStudent, "42")},
	})
	require.NoError(t, err)

	final, _ := waitTerminal(t, rig.engine, op.ID)
	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.True(t, rig.memory.Has(domain.EntityStudent, "42"))

	select {
	case got := <-failed:
		assert.Equal(t, op.ID, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no failed event dispatched for the aborted operation")
	}
}

func TestTransientFailureRetried(t *testing.T) {
	rig := seededRig(t)
	rig.memory.FailNext("delete", domain.EntityTheoryLesson, "l-1", repository.ErrTransientIO)

	expected := 4
	op, err := rig.engine.Start(context.Background(), Request{
		EntityType:  domain.EntityStudent,
		EntityID:    "42",
		Scope:       domain.ScopeCascade,
		RequestedBy: "admin-1",
		Options: ExecOptions{
			ConfirmationToken:     confirmationFor(t, rig, domain.EntityStudent, "42"),
			ExpectedAffectedCount: &expected,
		},
	})
	require.NoError(t, err)

	final, progress := waitTerminal(t, rig.engine, op.ID)
	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.Equal(t, domain.ResultCompleted, final.Result)
	assert.Empty(t, progress.Errors)
	assert.False(t, rig.memory.Has(domain.EntityTheoryLesson, "l-1"))
}

// failingRepo makes Delete fail permanently for one entity.
type failingRepo struct {
	repository.Repository
	failType domain.EntityType
	failID   string
}

func (f *failingRepo) Delete(ctx context.Context, entityType domain.EntityType, entityID string) error {
	if entityType == f.failType && entityID == f.failID {
		return fmt.Errorf("record store rejected the delete")
	}
	return f.Repository.Delete(ctx, entityType, entityID)
}

func TestContinueOnErrorCompletesWithErrors(t *testing.T) {
	memory := repository.NewMemoryRepository()
	repository.SeedConservatory(memory)
	rig := newRig(t, &failingRepo{Repository: memory, failType: domain.EntityTheoryLesson, failID: "l-2"}, memory)

	expected := 4
	op, err := rig.engine.Start(context.Background(), Request{
		EntityType:  domain.EntityStudent,
		EntityID:    "42",
		Scope:       domain.ScopeCascade,
		RequestedBy: "admin-1",
		Options: ExecOptions{
			ContinueOnError:       true,
			ConfirmationToken:     confirmationFor(t, rig, domain.EntityStudent, "42"),
			ExpectedAffectedCount: &expected,
		},
	})
	require.NoError(t, err)

	final, progress := waitTerminal(t, rig.engine, op.ID)
	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.Equal(t, domain.ResultCompletedWithErrors, final.Result)
	require.Len(t, progress.Errors, 1)
	assert.Equal(t, "l-2", progress.Errors[0].EntityID)

	// The rest of the cascade still ran, root included.
	assert.False(t, rig.memory.Has(domain.EntityStudent, "42"))
	assert.False(t, rig.memory.Has(domain.EntityTheoryLesson, "l-1"))
	assert.True(t, rig.memory.Has(domain.EntityTheoryLesson, "l-2"))
}

func TestAbortOnFirstErrorByDefault(t *testing.T) {
	memory := repository.NewMemoryRepository()
	repository.SeedConservatory(memory)
	rig := newRig(t, &failingRepo{Repository: memory, failType: domain.EntityTheoryLesson, failID: "l-1"}, memory)

	op, err := rig.engine.Start(context.Background(), Request{
		EntityType:  domain.EntityStudent,
		EntityID:    "42",
		Scope:       domain.ScopeCascade,
		RequestedBy: "admin-1",
		Options: ExecOptions{
			ConfirmationToken: confirmationFor(t, rig, domain.EntityStudent, "42"),
		},
	})
	require.NoError(t, err)

	final, progress := waitTerminal(t, rig.engine, op.ID)
	assert.Equal(t, domain.StatusFailed, final.Status)
	assert.True(t, rig.memory.Has(domain.EntityStudent, "42"))

	var skipped int
	for _, p := range progress.ProcessedEntities {
		if p.Outcome == domain.OutcomeSkipped {
			skipped++
		}
	}
	assert.Equal(t, 3, skipped)
}

// gatedRepo blocks GetRelated until released, pinning an operation in the
// analyzing phase.
type gatedRepo struct {
	repository.Repository
	gate     chan struct{}
	gateOnce sync.Once
	entered  chan struct{}
}

func (g *gatedRepo) GetRelated(ctx context.Context, entityType domain.EntityType, entityID string) ([]repository.Relation, error) {
	g.gateOnce.Do(func() {
		close(g.entered)
		<-g.gate
	})
	return g.Repository.GetRelated(ctx, entityType, entityID)
}

func TestCancelDuringAnalyzing(t *testing.T) {
	memory := repository.NewMemoryRepository()
	repository.SeedConservatory(memory)
	gated := &gatedRepo{Repository: memory, gate: make(chan struct{}), entered: make(chan struct{})}
	rig := newRig(t, gated, memory)
	ctx := context.Background()

	op, err := rig.engine.Start(ctx, Request{
		EntityType:  domain.EntityStudent,
		EntityID:    "42",
		Scope:       domain.ScopeCascade,
		RequestedBy: "admin-1",
		Options:     ExecOptions{ConfirmationToken: confirmationFor(t, rig, domain.EntityStudent, "42")},
	})
	require.NoError(t, err)

	<-gated.entered
	require.NoError(t, rig.engine.Cancel(ctx, op.ID, "admin-1"))
	close(gated.gate)

	final, _ := waitTerminal(t, rig.engine, op.ID)
	assert.Equal(t, domain.StatusCancelled, final.Status)
	assert.True(t, rig.memory.Has(domain.EntityStudent, "42"))

	requested, err := rig.store.Query(ctx, audit.Filter{OperationID: op.ID, Action: "deletion.cancel.requested"})
	require.NoError(t, err)
	assert.Len(t, requested, 1)
}

func TestCancelRefusedWhenTerminal(t *testing.T) {
	rig := seededRig(t)
	ctx := context.Background()

	op, err := rig.engine.Start(ctx, Request{
		EntityType:  domain.EntityStudent,
		EntityID:    "43",
		Scope:       domain.ScopeSingle,
		RequestedBy: "admin-1",
		Options:     ExecOptions{ConfirmationToken: confirmationFor(t, rig, domain.EntityStudent, "43")},
	})
	require.NoError(t, err)
	waitTerminal(t, rig.engine, op.ID)

	err = rig.engine.Cancel(ctx, op.ID, "admin-1")
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.CodeCancelRefused, appErr.Code)
}

func TestProgressMonotonicAndFinal(t *testing.T) {
	rig := seededRig(t)

	expected := 4
	op, err := rig.engine.Start(context.Background(), Request{
		EntityType:  domain.EntityStudent,
		EntityID:    "42",
		Scope:       domain.ScopeCascade,
		RequestedBy: "admin-1",
		Options: ExecOptions{
			ConfirmationToken:     confirmationFor(t, rig, domain.EntityStudent, "42"),
			ExpectedAffectedCount: &expected,
		},
	})
	require.NoError(t, err)
	waitTerminal(t, rig.engine, op.ID)

	history := rig.publisher.history(op.ID)
	require.NotEmpty(t, history)
	last := 0.0
	for _, snap := range history {
		assert.GreaterOrEqual(t, snap.Percentage, last)
		last = snap.Percentage
	}
	assert.Equal(t, float64(100), history[len(history)-1].Percentage)
	assert.Equal(t, domain.PhaseCompleted, history[len(history)-1].Phase)
}

func TestGetUnknownOperation(t *testing.T) {
	rig := seededRig(t)
	_, _, err := rig.engine.Get("del-missing")
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.CodeOperationNotFound, appErr.Code)
}

func TestStartUnknownEntity(t *testing.T) {
	rig := seededRig(t)
	_, err := rig.engine.Start(context.Background(), Request{
		EntityType:  domain.EntityStudent,
		EntityID:    "999",
		Scope:       domain.ScopeSingle,
		RequestedBy: "admin-1",
	})
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.CodeEntityNotFound, appErr.Code)
}
