package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/khryptorgraphics/rtverify/pkg/types"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// RunRepository handles run persistence.
type RunRepository struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewRunRepository creates a new run repository.
func NewRunRepository(db *sqlx.DB, logger *slog.Logger) *RunRepository {
	return &RunRepository{db: db, logger: logger}
}

// Create stores a finished run.
func (r *RunRepository) Create(ctx context.Context, record *RunRecord) error {
	if err := record.Validate(); err != nil {
		return fmt.Errorf("run record validation failed: %w", err)
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if record.FinishedAt.IsZero() {
		record.FinishedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO runs (id, status, iterations, input, final_spec, model_xml, properties,
		                  outcome, stage_log, reason, created_by, created_at, finished_at)
		VALUES (:id, :status, :iterations, :input, :final_spec, :model_xml, :properties,
		        :outcome, :stage_log, :reason, :created_by, :created_at, :finished_at)`

	if _, err := r.db.NamedExecContext(ctx, query, record); err != nil {
		return fmt.Errorf("failed to store run: %w", err)
	}
	return nil
}

// Get fetches one run by id.
func (r *RunRepository) Get(ctx context.Context, id uuid.UUID) (*RunRecord, error) {
	var record RunRecord
	err := r.db.GetContext(ctx, &record, `SELECT * FROM runs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch run: %w", err)
	}
	return &record, nil
}

// List returns recent runs, newest first.
func (r *RunRepository) List(ctx context.Context, limit, offset int) ([]*RunRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var records []*RunRecord
	err := r.db.SelectContext(ctx, &records,
		`SELECT * FROM runs ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return records, nil
}

// Delete removes a run.
func (r *RunRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM runs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// VerdictCache memoizes verifier outcomes keyed by the model document
// hash, so an identical model and query set is not re-verified within the
// TTL. A nil client disables caching.
type VerdictCache struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewVerdictCache creates a verdict cache.
func NewVerdictCache(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *VerdictCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &VerdictCache{redis: rdb, ttl: ttl, logger: logger}
}

// Key derives the cache key for a model document.
func (c *VerdictCache) Key(modelXML string) string {
	sum := sha256.Sum256([]byte(modelXML))
	return "verdict:" + hex.EncodeToString(sum[:])
}

// Get returns the cached outcome for a model, if any.
func (c *VerdictCache) Get(ctx context.Context, modelXML string) (*types.VerifierOutcome, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, c.Key(modelXML)).Bytes()
	if err != nil {
		return nil, false
	}
	var outcome types.VerifierOutcome
	if err := json.Unmarshal(data, &outcome); err != nil {
		c.logger.Warn("dropping unreadable cached verdict", "error", err)
		c.redis.Del(ctx, c.Key(modelXML))
		return nil, false
	}
	return &outcome, true
}

// Put stores an outcome.
func (c *VerdictCache) Put(ctx context.Context, modelXML string, outcome types.VerifierOutcome) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, c.Key(modelXML), data, c.ttl).Err(); err != nil {
		c.logger.Warn("failed to cache verdict", "error", err)
	}
}
