package api

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/khryptorgraphics/rtverify/internal/config"
	"github.com/khryptorgraphics/rtverify/pkg/database"
	"github.com/khryptorgraphics/rtverify/pkg/llm"
	"github.com/khryptorgraphics/rtverify/pkg/pipeline"
	"github.com/khryptorgraphics/rtverify/pkg/types"
	"github.com/khryptorgraphics/rtverify/pkg/uppaal"
)

// RunState is the lifecycle of a managed run.
type RunState string

const (
	RunRunning  RunState = "running"
	RunFinished RunState = "finished"
)

// ManagedRun is one asynchronous pipeline run owned by the manager.
type ManagedRun struct {
	ID        uuid.UUID        `json:"id"`
	State     RunState         `json:"state"`
	Input     string           `json:"-"`
	Result    *types.RunResult `json:"result,omitempty"`
	CreatedBy string           `json:"created_by,omitempty"`
	CreatedAt time.Time        `json:"created_at"`

	cancel context.CancelFunc
}

// RunManager starts, tracks, and cancels pipeline runs. Runs execute
// concurrently and share nothing; each gets its own controller.
type RunManager struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]*ManagedRun

	cfg      *config.Config
	verifier uppaal.Verifier
	source   llm.PropertySource
	db       *database.Manager
	hub      *WebSocketHub
	logger   *slog.Logger
}

// NewRunManager creates a run manager. db may be nil (in-memory only);
// source may be nil (template properties only).
func NewRunManager(cfg *config.Config, verifier uppaal.Verifier, source llm.PropertySource, db *database.Manager, hub *WebSocketHub, logger *slog.Logger) *RunManager {
	return &RunManager{
		runs:     make(map[uuid.UUID]*ManagedRun),
		cfg:      cfg,
		verifier: verifier,
		source:   source,
		db:       db,
		hub:      hub,
		logger:   logger,
	}
}

// pipelineConfig maps the application config onto a run config.
func (m *RunManager) pipelineConfig() pipeline.Config {
	return pipeline.Config{
		StrictPriority:      m.cfg.Pipeline.StrictPriority,
		AllowUnschedulable:  m.cfg.Pipeline.AllowUnschedulable,
		UseSharedScheduler:  m.cfg.Pipeline.UseSharedScheduler,
		AutoDefault:         m.cfg.Pipeline.AutoDefault,
		MaxRepairIterations: m.cfg.Pipeline.MaxRepairIterations,
		VerifyTimeout:       m.cfg.Verifier.Timeout.Std(),
	}
}

// verifierFor wraps the configured verifier with the verdict cache when a
// cache is available.
func (m *RunManager) verifierFor() uppaal.Verifier {
	if m.db == nil || m.db.Cache == nil {
		return m.verifier
	}
	return &cachingVerifier{inner: m.verifier, cache: m.db.Cache}
}

// Submit starts a run in the background and returns its id.
func (m *RunManager) Submit(input, createdBy string) *ManagedRun {
	ctx, cancel := context.WithCancel(context.Background())
	run := &ManagedRun{
		ID:        uuid.New(),
		State:     RunRunning,
		Input:     input,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
		cancel:    cancel,
	}

	m.mu.Lock()
	m.runs[run.ID] = run
	m.mu.Unlock()

	go m.execute(ctx, run)
	return run
}

func (m *RunManager) execute(ctx context.Context, run *ManagedRun) {
	defer run.cancel()

	controller := pipeline.New(m.pipelineConfig(), m.verifierFor(), m.logger,
		pipeline.WithPropertySource(m.source),
		pipeline.WithProgress(func(entry types.StageLogEntry) {
			m.hub.Broadcast(WebSocketMessage{
				Type:      MessageTypeStage,
				RunID:     run.ID.String(),
				Timestamp: entry.Timestamp,
				Entry:     &entry,
			})
		}),
	)

	result, err := controller.Run(ctx, run.Input)
	if err != nil {
		m.logger.Error("run failed internally", "run_id", run.ID, "error", err)
		m.hub.Broadcast(WebSocketMessage{
			Type:      MessageTypeError,
			RunID:     run.ID.String(),
			Timestamp: time.Now().UTC(),
			Error:     err.Error(),
		})
	}

	m.mu.Lock()
	run.State = RunFinished
	run.Result = &result
	m.mu.Unlock()

	m.hub.Broadcast(WebSocketMessage{
		Type:      MessageTypeTerminal,
		RunID:     run.ID.String(),
		Timestamp: time.Now().UTC(),
		Status:    result.Status,
	})

	if m.db != nil {
		var createdBy *string
		if run.CreatedBy != "" {
			createdBy = &run.CreatedBy
		}
		record, rerr := database.NewRunRecord(run.Input, result, createdBy)
		if rerr == nil {
			record.ID = run.ID
			record.CreatedAt = run.CreatedAt
			rerr = m.db.Runs.Create(context.Background(), record)
		}
		if rerr != nil {
			m.logger.Error("failed to persist run", "run_id", run.ID, "error", rerr)
		}
	}
}

// Get returns a managed run by id.
func (m *RunManager) Get(id uuid.UUID) (*ManagedRun, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	return run, ok
}

// List returns runs newest first.
func (m *RunManager) List() []*ManagedRun {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ManagedRun, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Cancel requests cancellation of a running run. The controller observes
// the signal at the next stage boundary.
func (m *RunManager) Cancel(id uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok || run.State != RunRunning {
		return false
	}
	run.cancel()
	return true
}

// cachingVerifier consults the verdict cache before invoking the real
// verifier and stores fresh successful outcomes.
type cachingVerifier struct {
	inner uppaal.Verifier
	cache *database.VerdictCache
}

func (v *cachingVerifier) Verify(ctx context.Context, modelXML string, properties []types.Property, timeout time.Duration) (types.VerifierOutcome, error) {
	if outcome, ok := v.cache.Get(ctx, modelXML); ok {
		return *outcome, nil
	}
	outcome, err := v.inner.Verify(ctx, modelXML, properties, timeout)
	if err == nil {
		v.cache.Put(ctx, modelXML, outcome)
	}
	return outcome, err
}
