// Package clustering turns IR records into named topic clusters using the
// oracle as the only grouping primitive. Oracle output is validated and
// repaired before any result leaves this package.
package clustering

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/thebtf/bookmind/internal/oracle"
	"github.com/thebtf/bookmind/pkg/models"
)

var (
	// ErrNoIRs is returned by bulk clustering when there is nothing to cluster.
	ErrNoIRs = errors.New("clustering: no IRs to cluster")

	// ErrContractViolation is returned when the oracle answer cannot be parsed
	// into the expected shape. Nothing should be persisted in that case.
	ErrContractViolation = errors.New("clustering: oracle response violates contract")
)

var tracer = otel.Tracer("github.com/thebtf/bookmind/internal/clustering")

// Mode selects the clustering protocol.
type Mode int

const (
	// ModeBulk rebuilds the whole cluster set from every IR.
	ModeBulk Mode = iota
	// ModeIncremental adds unassigned IRs to existing or new clusters.
	ModeIncremental
)

func (m Mode) String() string {
	switch m {
	case ModeBulk:
		return "bulk"
	case ModeIncremental:
		return "incremental"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Generator is the oracle surface the engine needs.
type Generator interface {
	Generate(ctx context.Context, req oracle.Request) (*oracle.Response, error)
}

// ProfileSource resolves model profiles by name.
type ProfileSource interface {
	MustGet(name string) oracle.Profile
}

// Request is the engine input. IRs holds every IR in bulk mode and only the
// unassigned ones in incremental mode; Existing is ignored in bulk mode.
type Request struct {
	IRs      []models.IRRecord
	Existing []models.ExistingClusterSummary
	Mode     Mode
}

// Stats describes what the engine had to correct in the oracle answer.
type Stats struct {
	Model      string   // empty when no oracle call was made
	Orphans    []string // IRs left without any cluster
	DroppedIDs int      // unknown or duplicate ids removed from the answer
	Capped     int      // memberships removed by the per-IR cap
	Repaired   bool     // a truncated array had to be repaired
}

// Result is the engine output. Exactly one of Clusters (bulk) or
// Incremental (incremental) is meaningful, matching Mode.
type Result struct {
	Incremental *models.IncrementalResult
	Clusters    []models.ClusterResult
	Stats       Stats
	Mode        Mode
}

// Engine runs bulk and incremental clustering.
type Engine struct {
	gen      Generator
	profiles ProfileSource
	metrics  *metrics
	newID    func() string
}

// NewEngine creates an engine that calls the oracle through gen.
func NewEngine(gen Generator, profiles ProfileSource) *Engine {
	return &Engine{
		gen:      gen,
		profiles: profiles,
		metrics:  newMetrics(otel.Meter("github.com/thebtf/bookmind/internal/clustering")),
		newID:    uuid.NewString,
	}
}

// Run dispatches req to the protocol named by req.Mode.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "clustering."+req.Mode.String())
	defer span.End()
	span.SetAttributes(
		attribute.String("mode", req.Mode.String()),
		attribute.Int("irs", len(req.IRs)),
		attribute.Int("existing", len(req.Existing)),
	)

	var (
		res *Result
		err error
	)
	switch req.Mode {
	case ModeBulk:
		res, err = e.bulk(ctx, req.IRs)
	case ModeIncremental:
		res, err = e.incremental(ctx, req.IRs, req.Existing)
	default:
		err = fmt.Errorf("clustering: unknown mode %d", int(req.Mode))
	}

	e.metrics.recordRun(ctx, req.Mode, res, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("orphans", len(res.Stats.Orphans)))
	return res, nil
}

// Bulk clusters every IR from scratch. The caller replaces the whole stored
// cluster set with the result.
func (e *Engine) Bulk(ctx context.Context, irs []models.IRRecord) ([]models.ClusterResult, error) {
	res, err := e.Run(ctx, Request{Mode: ModeBulk, IRs: irs})
	if err != nil {
		return nil, err
	}
	return res.Clusters, nil
}

// Incremental places unassigned IRs into existing clusters or new ones.
// The result is purely additive.
func (e *Engine) Incremental(ctx context.Context, unassigned []models.IRRecord, existing []models.ExistingClusterSummary) (*models.IncrementalResult, error) {
	res, err := e.Run(ctx, Request{Mode: ModeIncremental, IRs: unassigned, Existing: existing})
	if err != nil {
		return nil, err
	}
	return res.Incremental, nil
}

// contractError wraps cause so that errors.Is matches ErrContractViolation
// while keeping the cause inspectable.
func contractError(mode Mode, cause error) error {
	return fmt.Errorf("%w (%s): %w", ErrContractViolation, mode, cause)
}
