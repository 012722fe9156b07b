package align

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Job is one slice to process against the current atlas
type Job struct {
	ID            string
	Slice         *Image
	Plane         PlaneSpec
	Extract       ExtractOptions // zero: sample at the slice's spacing and size
	Landmarks     []Landmark
	InitialAffine *AffineMatrix
	Edits         EditLog
}

// PipelineResult carries every stage output of one run. Computed is the
// label transfer before edits; RegionMap is the edited view.
type PipelineResult struct {
	ID           string              `json:"id"`
	AtlasVersion int                 `json:"atlasVersion"`
	Section      *AtlasSection       `json:"-"`
	Registration *RegistrationResult `json:"registration"`
	Transfer     TransferStats       `json:"transfer"`
	Computed     *RegionMap          `json:"-"`
	Edits        EditLog             `json:"edits"`
	RegionMap    *RegionMap          `json:"-"`
	Extraction   *Extraction         `json:"-"`
	Excision     *ExcisionGeometry   `json:"excision,omitempty"`
	Warnings     []Warning           `json:"warnings"`
	CompletedAt  time.Time           `json:"completedAt"`

	atlas *Atlas
}

// Ontology returns the ontology of the atlas the result was computed on
func (r *PipelineResult) Ontology() *Ontology {
	if r.atlas == nil {
		return nil
	}
	return r.atlas.Ontology
}

// Pipeline runs extraction, registration, label transfer, boundary
// extraction and export for one slice at a time. A Pipeline is safe for
// concurrent use; runs share only the leased atlas.
type Pipeline struct {
	store  *AtlasStore
	cfg    Config
	cal    Calibration
	env    DeviceEnvelope
	policy CutOrderPolicy
}

// NewPipeline validates cfg and binds it to an atlas store
func NewPipeline(store *AtlasStore, cfg *Config) (*Pipeline, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline config: %w", err)
	}
	cal, err := cfg.Export.Calibration()
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		store:  store,
		cfg:    *cfg,
		cal:    cal,
		env:    cfg.Export.Envelope(),
		policy: cfg.Export.Policy(),
	}, nil
}

// Run processes one slice. Registration divergence degrades to the
// affine-only transform with a warning. Export fails closed: on an export
// error the result is still returned with Excision nil, next to the error.
func (p *Pipeline) Run(ctx context.Context, job Job) (*PipelineResult, error) {
	if job.Slice == nil {
		return nil, fmt.Errorf("job %s: no slice image", job.ID)
	}
	lease, err := p.store.Acquire()
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}
	defer lease.Release()
	atlas := lease.Atlas()
	logger := log.With().Str("slice", job.ID).Int("atlas_version", lease.Version()).Logger()

	opts := job.Extract
	if opts == (ExtractOptions{}) && job.Slice.Spacing > 0 {
		opts = ExtractOptions{Width: job.Slice.Width, Height: job.Slice.Height, Resolution: job.Slice.Spacing}
	}
	section, err := ExtractSlice(atlas, job.Plane, opts)
	if err != nil {
		pipelineRuns.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("job %s: extracting atlas section: %w", job.ID, err)
	}

	res := &PipelineResult{ID: job.ID, AtlasVersion: lease.Version(), Section: section, atlas: atlas}

	rcfg := p.cfg.Registration
	rcfg.Landmarks = job.Landmarks
	rcfg.InitialAffine = job.InitialAffine
	reg, err := NewRegistration(section.Reference, job.Slice.Gray(), rcfg)
	if err != nil {
		pipelineRuns.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}
	rr, err := reg.Run(ctx)
	switch {
	case errors.Is(err, ErrRegistrationDivergence):
		res.warn(Warning{Kind: WarnRegistrationDivergence, Message: err.Error()})
		logger.Warn().Err(err).Msg("deformable stage diverged, using affine transform")
	case err != nil:
		pipelineRuns.WithLabelValues("cancelled").Inc()
		return nil, fmt.Errorf("job %s: registration: %w", job.ID, err)
	}
	res.Registration = rr
	if rr.Confidence < p.cfg.Transfer.MinConfidence {
		res.warn(Warning{
			Kind:     WarnLowConfidence,
			Fraction: rr.Confidence,
			Message:  fmt.Sprintf("registration confidence %.2f below %.2f", rr.Confidence, p.cfg.Transfer.MinConfidence),
		})
	}

	rm, stats := TransferLabels(rr.Transform, section.Labels, job.Slice.Width, job.Slice.Height)
	res.Computed, res.Transfer = rm, stats
	if w := CheckUnassigned(stats, p.cfg.Transfer.UnassignedThreshold); w != nil {
		res.warn(*w)
	}

	if err := job.Edits.Validate(rm.Width, rm.Height, atlas.HasLabel); err != nil {
		pipelineRuns.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}
	res.Edits = job.Edits
	res.RegionMap = job.Edits.Apply(rm)

	ex, warnings := ExtractBoundaries(res.RegionMap, p.cfg.Boundary)
	res.Extraction = ex
	for _, w := range warnings {
		res.warn(w)
	}

	err = p.export(res)
	res.CompletedAt = time.Now()
	if err != nil {
		pipelineRuns.WithLabelValues("export_failed").Inc()
		logger.Error().Err(err).Msg("excision export failed")
		return res, fmt.Errorf("job %s: %w", job.ID, err)
	}
	pipelineRuns.WithLabelValues("ok").Inc()
	logger.Info().
		Float64("confidence", rr.Confidence).
		Bool("affine_only", rr.AffineOnly).
		Int("polygons", len(ex.Polygons)).
		Int("warnings", len(res.Warnings)).
		Msg("slice processed")
	return res, nil
}

// ApplyEdits layers more edits over a finished result and re-extracts only
// the boundaries the edits touched. prev is not modified.
func (p *Pipeline) ApplyEdits(prev *PipelineResult, edits ...Edit) (*PipelineResult, error) {
	if prev == nil || prev.Computed == nil {
		return nil, fmt.Errorf("no computed region map to edit")
	}
	merged := prev.Edits
	for _, e := range edits {
		merged = merged.Append(e)
	}
	var allowed func(uint32) bool
	if prev.atlas != nil {
		allowed = prev.atlas.HasLabel
	}
	if err := merged.Validate(prev.Computed.Width, prev.Computed.Height, allowed); err != nil {
		return nil, fmt.Errorf("slice %s: %w", prev.ID, err)
	}

	next := *prev
	next.Edits = merged
	next.RegionMap = merged.Apply(prev.Computed)
	_, dirty, err := Diff(prev.RegionMap, next.RegionMap)
	if err != nil {
		return nil, err
	}
	ex, warnings := Reextract(prev.Extraction, next.RegionMap, dirty)
	next.Extraction = ex
	next.Excision = nil
	next.Warnings = nil
	for _, w := range prev.Warnings {
		if w.Kind != WarnBoundaryExtractionEmpty {
			next.warn(w)
		}
	}
	for _, w := range warnings {
		next.warn(w)
	}

	err = p.export(&next)
	next.CompletedAt = time.Now()
	if err != nil {
		return &next, fmt.Errorf("slice %s: %w", prev.ID, err)
	}
	return &next, nil
}

func (p *Pipeline) export(res *PipelineResult) error {
	geom, err := ExportExcision(res.Extraction.Polygons, p.cal, p.env, p.policy, res.Ontology())
	if err != nil {
		return err
	}
	res.Excision = geom
	return nil
}

func (r *PipelineResult) warn(w Warning) {
	pipelineWarnings.WithLabelValues(string(w.Kind)).Inc()
	r.Warnings = append(r.Warnings, w)
}

// BatchItem is the outcome of one job in a batch
type BatchItem struct {
	Result *PipelineResult
	Err    error
}

// RunBatch processes independent slices with at most workers running at a
// time. Results are index-aligned with jobs; a failing job does not stop the
// others. Only cancellation of ctx is returned as an error.
func (p *Pipeline) RunBatch(ctx context.Context, jobs []Job, workers int) ([]BatchItem, error) {
	if workers <= 0 {
		workers = 1
	}
	items := make([]BatchItem, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, job := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := p.Run(gctx, job)
			items[i] = BatchItem{Result: res, Err: err}
			if err != nil && gctx.Err() != nil {
				return gctx.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return items, fmt.Errorf("batch interrupted: %w", err)
	}
	return items, nil
}
