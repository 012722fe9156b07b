package align

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

// RegistrationConfig tunes both optimisation stages. Zero values are
// replaced by DefaultRegistrationConfig's. A negative RegularizationWeight,
// LandmarkWeight or MaxBackoffs switches that term off.
type RegistrationConfig struct {
	Levels        int     `yaml:"levels" json:"levels" toml:"levels"`
	MinLevelSize  int     `yaml:"minLevelSize" json:"minLevelSize" toml:"min_level_size"`
	MaxIterations int     `yaml:"maxIterations" json:"maxIterations" toml:"max_iterations"` // per level, affine stage
	Tolerance     float64 `yaml:"tolerance" json:"tolerance" toml:"tolerance"`             // relative objective improvement
	AffineStep    float64 `yaml:"affineStep" json:"affineStep" toml:"affine_step"`         // initial step, level pixels
	MinStep       float64 `yaml:"minStep" json:"minStep" toml:"min_step"`

	Metric        string `yaml:"metric" json:"metric" toml:"metric"` // "ncc" or "mi"
	HistogramBins int    `yaml:"histogramBins" json:"histogramBins" toml:"histogram_bins"`
	Regularizer   string `yaml:"regularizer" json:"regularizer" toml:"regularizer"` // "gaussian" or "diffusion"

	SkipDeformable       bool    `yaml:"skipDeformable" json:"skipDeformable" toml:"skip_deformable"`
	DeformableIterations int     `yaml:"deformableIterations" json:"deformableIterations" toml:"deformable_iterations"`
	DeformableStep       float64 `yaml:"deformableStep" json:"deformableStep" toml:"deformable_step"` // max update, level pixels
	DeformableMinLevel   int     `yaml:"deformableMinLevel" json:"deformableMinLevel" toml:"deformable_min_level"`
	RegularizationWeight float64 `yaml:"regularizationWeight" json:"regularizationWeight" toml:"regularization_weight"`
	MinJacobian          float64 `yaml:"minJacobian" json:"minJacobian" toml:"min_jacobian"`
	MaxBackoffs          int     `yaml:"maxBackoffs" json:"maxBackoffs" toml:"max_backoffs"`

	LandmarkWeight float64 `yaml:"landmarkWeight" json:"landmarkWeight" toml:"landmark_weight"`
	PhaseInit      bool    `yaml:"phaseInit" json:"phaseInit" toml:"phase_init"`

	// Per-run inputs, never read from config files
	InitialAffine     *AffineMatrix `yaml:"-" json:"-" toml:"-"`
	Landmarks         []Landmark    `yaml:"-" json:"-" toml:"-"`
	CustomMetric      Metric        `yaml:"-" json:"-" toml:"-"`
	CustomRegularizer Regularizer   `yaml:"-" json:"-" toml:"-"`
}

// DefaultRegistrationConfig returns the tuned defaults
func DefaultRegistrationConfig() RegistrationConfig {
	return RegistrationConfig{
		Levels:               3,
		MinLevelSize:         16,
		MaxIterations:        200,
		Tolerance:            1e-7,
		AffineStep:           1.0,
		MinStep:              0.005,
		Metric:               "ncc",
		HistogramBins:        32,
		Regularizer:          "gaussian",
		DeformableIterations: 50,
		DeformableStep:       0.5,
		RegularizationWeight: 1.0,
		MinJacobian:          0.1,
		MaxBackoffs:          4,
		LandmarkWeight:       0.01,
	}
}

func (c RegistrationConfig) withDefaults() RegistrationConfig {
	d := DefaultRegistrationConfig()
	if c.Levels <= 0 {
		c.Levels = d.Levels
	}
	if c.MinLevelSize <= 0 {
		c.MinLevelSize = d.MinLevelSize
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.Tolerance <= 0 {
		c.Tolerance = d.Tolerance
	}
	if c.AffineStep <= 0 {
		c.AffineStep = d.AffineStep
	}
	if c.MinStep <= 0 {
		c.MinStep = d.MinStep
	}
	if c.Metric == "" {
		c.Metric = d.Metric
	}
	if c.HistogramBins <= 0 {
		c.HistogramBins = d.HistogramBins
	}
	if c.Regularizer == "" {
		c.Regularizer = d.Regularizer
	}
	if c.DeformableIterations <= 0 {
		c.DeformableIterations = d.DeformableIterations
	}
	if c.DeformableStep <= 0 {
		c.DeformableStep = d.DeformableStep
	}
	switch {
	case c.RegularizationWeight == 0:
		c.RegularizationWeight = d.RegularizationWeight
	case c.RegularizationWeight < 0:
		c.RegularizationWeight = 0
	}
	if c.MinJacobian <= 0 {
		c.MinJacobian = d.MinJacobian
	}
	switch {
	case c.MaxBackoffs == 0:
		c.MaxBackoffs = d.MaxBackoffs
	case c.MaxBackoffs < 0:
		c.MaxBackoffs = 0
	}
	switch {
	case c.LandmarkWeight == 0:
		c.LandmarkWeight = d.LandmarkWeight
	case c.LandmarkWeight < 0:
		c.LandmarkWeight = 0
	}
	return c
}

// Stage identifies the optimisation phase of a Registration
type Stage int

const (
	StageAffine Stage = iota
	StageDeformable
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageAffine:
		return "affine"
	case StageDeformable:
		return "deformable"
	default:
		return "done"
	}
}

// RegistrationState is a snapshot of the optimiser
type RegistrationState struct {
	Stage     Stage        `json:"stage"`
	Level     int          `json:"level"`
	Iteration int          `json:"iteration"`
	Total     int          `json:"total"`
	Objective float64      `json:"objective"`
	Affine    AffineMatrix `json:"affine"` // full resolution
	Backoffs  int          `json:"backoffs"`
}

// RegistrationResult is the outcome of a finished registration
type RegistrationResult struct {
	Transform     Transform     `json:"transform"`
	Objective     float64       `json:"objective"`
	Confidence    float64       `json:"confidence"` // NCC of the final warp clamped to [0, 1]
	AffineOnly    bool          `json:"affineOnly"`
	Diverged      bool          `json:"diverged"`
	Iterations    int           `json:"iterations"`
	Backoffs      int           `json:"backoffs"`
	LandmarkError float64       `json:"landmarkError"`
	Duration      time.Duration `json:"duration"`
}

// Registration is an explicit optimisation state machine. The caller drives
// it with Step (or Run) and may stop at any iteration boundary; nothing
// outside the Registration is touched until Result is read.
type Registration struct {
	cfg    RegistrationConfig
	metric Metric
	reg    Regularizer

	slice     []*Image // pyramid, finest first
	reference []*Image
	refGX     [][]float64
	refGY     [][]float64
	landmarks []Landmark

	stage Stage
	level int
	iter  int
	total int
	start time.Time

	affine    AffineMatrix // best full-resolution estimate so far
	objective float64

	aff affineState
	def deformableState

	diverged bool
	result   *RegistrationResult
}

// NewRegistration validates inputs and prepares the pyramids. reference is
// the atlas section, slice the tissue image; the resulting transform maps
// slice pixels to reference pixels.
func NewRegistration(reference, slice *Image, cfg RegistrationConfig) (*Registration, error) {
	if err := reference.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reference image: %w", err)
	}
	if err := slice.Validate(); err != nil {
		return nil, fmt.Errorf("invalid slice image: %w", err)
	}
	cfg = cfg.withDefaults()

	r := &Registration{cfg: cfg, start: time.Now()}
	r.metric = cfg.CustomMetric
	if r.metric == nil {
		r.metric = MetricByName(cfg.Metric, cfg.HistogramBins)
	}
	r.reg = cfg.CustomRegularizer
	if r.reg == nil {
		r.reg = RegularizerByName(cfg.Regularizer)
	}

	r.slice = slice.Pyramid(cfg.Levels, cfg.MinLevelSize)
	r.reference = reference.Pyramid(cfg.Levels, cfg.MinLevelSize)
	n := min(len(r.slice), len(r.reference))
	r.slice, r.reference = r.slice[:n], r.reference[:n]
	for _, ref := range r.reference {
		gx, gy := ref.Gradient()
		r.refGX = append(r.refGX, gx)
		r.refGY = append(r.refGY, gy)
	}
	r.landmarks = append([]Landmark(nil), cfg.Landmarks...)

	r.affine = r.initialAffine()
	r.stage = StageAffine
	r.enterAffineLevel(n - 1)
	return r, nil
}

// initialAffine picks the starting guess: caller's affine, a landmark fit,
// phase correlation, or centre alignment
func (r *Registration) initialAffine() AffineMatrix {
	if r.cfg.InitialAffine != nil {
		return *r.cfg.InitialAffine
	}
	if len(r.landmarks) >= 3 {
		if m, err := AffineFromLandmarks(r.landmarks); err == nil && m.Det() > 0 {
			return m
		}
	}
	if r.cfg.PhaseInit {
		t, conf := PhaseCorrelate(r.slice[0], r.reference[0])
		log.Debug().Float64("tx", t.X).Float64("ty", t.Y).Float64("peak", conf).Msg("phase correlation init")
		return Translation(t.X, t.Y)
	}
	cs, ca := imageCenter(r.slice[0]), imageCenter(r.reference[0])
	return Translation(ca.X-cs.X, ca.Y-cs.Y)
}

// State returns a snapshot of the optimiser
func (r *Registration) State() RegistrationState {
	return RegistrationState{
		Stage:     r.stage,
		Level:     r.level,
		Iteration: r.iter,
		Total:     r.total,
		Objective: r.objective,
		Affine:    r.currentAffine(),
		Backoffs:  r.def.backoffs,
	}
}

// Step advances the optimiser by one iteration and reports whether the
// registration has finished
func (r *Registration) Step(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	switch r.stage {
	case StageAffine:
		r.stepAffine()
	case StageDeformable:
		r.stepDeformable()
	}
	return r.stage == StageDone, nil
}

// Run steps until done or ctx ends. A divergent deformable stage returns the
// affine-only result together with ErrRegistrationDivergence.
func (r *Registration) Run(ctx context.Context) (*RegistrationResult, error) {
	for {
		done, err := r.Step(ctx)
		if err != nil {
			return nil, err
		}
		if done {
			return r.Result()
		}
	}
}

// Result returns the final transform once the state machine is done
func (r *Registration) Result() (*RegistrationResult, error) {
	if r.stage != StageDone || r.result == nil {
		return nil, fmt.Errorf("registration not finished (stage %s)", r.stage)
	}
	res := *r.result
	if r.diverged {
		return &res, fmt.Errorf("%w after %d back-offs, using affine-only transform", ErrRegistrationDivergence, r.def.backoffs)
	}
	return &res, nil
}

func (r *Registration) currentAffine() AffineMatrix {
	if r.stage == StageAffine {
		return affineFromLevel(r.aff.matrix(r.aff.params), levelScale(r.level))
	}
	return r.affine
}

// finish assembles the full-resolution transform and scores it
func (r *Registration) finish(field *DisplacementField) {
	t := Transform{Affine: r.affine}
	if field != nil && !r.diverged {
		s := levelScale(r.level)
		if r.level > 0 {
			field = field.Upsample(r.slice[0].Width, r.slice[0].Height, s)
		}
		if field.MinJacobian() > 0 {
			t.Field = field
		} else {
			r.diverged = true
		}
	}

	fixed := r.slice[0]
	warped := warpImage(r.reference[0], fixed.Width, fixed.Height, t)
	obj := r.metric.Evaluate(fixed.Pix, warped, nil)
	if len(r.landmarks) > 0 && r.cfg.LandmarkWeight > 0 {
		e := LandmarkError(t, r.landmarks)
		obj += r.cfg.LandmarkWeight * e * e
	}

	r.result = &RegistrationResult{
		Transform:     t,
		Objective:     obj,
		Confidence:    math.Max(0, math.Min(1, Correlation(fixed.Pix, warped))),
		AffineOnly:    t.Field == nil,
		Diverged:      r.diverged,
		Iterations:    r.total,
		Backoffs:      r.def.backoffs,
		LandmarkError: LandmarkError(t, r.landmarks),
		Duration:      time.Since(r.start),
	}
	r.objective = obj
	r.stage = StageDone
	registrationDuration.Observe(r.result.Duration.Seconds())
	if r.diverged {
		registrationDivergences.Inc()
	}
	log.Debug().
		Int("iterations", r.total).
		Float64("objective", obj).
		Float64("confidence", r.result.Confidence).
		Bool("affine_only", r.result.AffineOnly).
		Msg("registration finished")
}

// warpImage resamples ref at T(x) for every pixel x of a w × h slice grid
func warpImage(ref *Image, w, h int, t Transform) []float64 {
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p := t.Apply(Point{X: float64(x), Y: float64(y)})
			out[y*w+x] = ref.Sample(p.X, p.Y)
		}
	}
	return out
}

func imageCenter(im *Image) Point {
	return Point{X: float64(im.Width-1) / 2, Y: float64(im.Height-1) / 2}
}

func levelScale(level int) float64 {
	return math.Ldexp(1, level)
}
