package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/couchcryptid/sc2gpkg/internal/domain"
	"github.com/couchcryptid/sc2gpkg/internal/observability"
)

// Source loads every raw record of one input document.
type Source interface {
	Load(ctx context.Context) ([]domain.RawRecord, error)
}

// Extractor validates raw records into features.
type Extractor interface {
	Extract(records []domain.RawRecord) domain.Result
}

// Sink writes the accepted features to one output format.
type Sink interface {
	Name() string
	Path() string
	Write(ctx context.Context, features []domain.Feature) error
}

// Summary describes a finished run.
type Summary struct {
	RunID    string
	Result   domain.Result
	Outputs  []string
	Duration time.Duration
}

// Pipeline orchestrates a single load-extract-write pass.
type Pipeline struct {
	source    Source
	extractor Extractor
	sinks     []Sink
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// New creates a Pipeline. Sinks are written in order and the first failure
// aborts the run.
func New(src Source, x Extractor, sinks []Sink, logger *slog.Logger, metrics *observability.Metrics) *Pipeline {
	return &Pipeline{
		source:    src,
		extractor: x,
		sinks:     sinks,
		logger:    logger,
		metrics:   metrics,
	}
}

// Run converts the whole input. Rejected records never fail the run; only
// an unreadable input, an unwritable output or cancellation do.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	sum := Summary{RunID: uuid.NewString()}
	logger := p.logger.With("run_id", sum.RunID)
	start := time.Now()

	success := false
	defer func() {
		sum.Duration = time.Since(start)
		p.metrics.RunDuration.Observe(sum.Duration.Seconds())
		p.metrics.LastRunTimestamp.Set(float64(domain.Now().Unix()))
		if success {
			p.metrics.LastRunSuccess.Set(1)
		} else {
			p.metrics.LastRunSuccess.Set(0)
		}
	}()

	logger.Info("run started", "sinks", len(p.sinks))

	stage := time.Now()
	records, err := p.source.Load(ctx)
	if err != nil {
		logger.Error("load input failed", "error", err)
		return sum, fmt.Errorf("load input: %w", err)
	}
	p.observeStage("load", stage)
	p.metrics.RecordsRead.Add(float64(len(records)))

	stage = time.Now()
	res := p.extractor.Extract(records)
	p.observeStage("extract", stage)
	sum.Result = res

	for _, rej := range res.Rejections {
		logger.Debug("record rejected, skipping",
			"index", rej.Index,
			"reason", rej.Reason,
			"field", rej.Field,
			"detail", rej.Detail,
		)
		p.metrics.RecordsRejected.WithLabelValues(string(rej.Reason)).Inc()
	}
	if res.Rejected > 0 {
		logger.Warn("records rejected", "rejected", res.Rejected, "total", res.Total)
	}
	logger.Info("records validated", "total", res.Total, "accepted", res.Accepted(), "rejected", res.Rejected)

	stage = time.Now()
	for _, s := range p.sinks {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if err := s.Write(ctx, res.Features); err != nil {
			logger.Error("write output failed", "format", s.Name(), "path", s.Path(), "error", err)
			return sum, fmt.Errorf("write %s: %w", s.Name(), err)
		}
		p.metrics.FeaturesWritten.WithLabelValues(s.Name()).Add(float64(len(res.Features)))
		sum.Outputs = append(sum.Outputs, s.Path())
	}
	p.observeStage("write", stage)

	success = true
	logger.Info("run finished", "outputs", sum.Outputs, "duration", time.Since(start))
	return sum, nil
}

func (p *Pipeline) observeStage(name string, start time.Time) {
	p.metrics.StageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}
