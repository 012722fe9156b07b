package align

import (
	"math"

	"github.com/rs/zerolog/log"
)

// deformableState holds the dense field being optimised at the current level
type deformableState struct {
	field    *DisplacementField
	force    *DisplacementField
	weight   float64
	step     float64
	backoffs int
	minLevel int
}

func (r *Registration) enterDeformableLevel(level int, prev *DisplacementField) {
	r.stage = StageDeformable
	r.level = level
	r.iter = 0
	fixed := r.slice[level]

	if prev == nil {
		r.def.field = NewDisplacementField(fixed.Width, fixed.Height)
		r.def.minLevel = min(max(r.cfg.DeformableMinLevel, 0), len(r.slice)-1)
	} else {
		r.def.field = prev.Upsample(fixed.Width, fixed.Height, 2)
	}
	backoff := math.Ldexp(1, r.def.backoffs)
	r.def.weight = r.cfg.RegularizationWeight * backoff
	r.def.step = r.cfg.DeformableStep / backoff

	r.objective, r.def.force = r.evaluateField(r.def.field, true)
}

// evaluateField scores the warp x → A(x + u(x)) at the current level and
// optionally returns the descent direction −∂D/∂u per grid node
func (r *Registration) evaluateField(u *DisplacementField, wantForce bool) (float64, *DisplacementField) {
	level := r.level
	fixed, ref := r.slice[level], r.reference[level]
	m := affineToLevel(r.affine, levelScale(level))
	w, h := fixed.Width, fixed.Height

	warped := make([]float64, w*h)
	mapped := make([]Point, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			q := TransformPoint(Point{X: float64(x) + u.DX[i], Y: float64(y) + u.DY[i]}, m)
			mapped[i] = q
			warped[i] = ref.Sample(q.X, q.Y)
		}
	}

	var dw []float64
	if wantForce {
		dw = make([]float64, w*h)
	}
	value := r.metric.Evaluate(fixed.Pix, warped, dw)

	var force *DisplacementField
	if wantForce {
		force = NewDisplacementField(w, h)
		gx, gy := r.refGX[level], r.refGY[level]
		for i := range dw {
			if dw[i] == 0 {
				continue
			}
			q := mapped[i]
			rx := bilinear(gx, ref.Width, ref.Height, q.X, q.Y)
			ry := bilinear(gy, ref.Width, ref.Height, q.X, q.Y)
			force.DX[i] = -dw[i] * (rx*m.A + ry*m.C)
			force.DY[i] = -dw[i] * (rx*m.B + ry*m.D)
		}
	}

	if len(r.landmarks) > 0 && r.cfg.LandmarkWeight > 0 {
		s := levelScale(level)
		lms := landmarksToLevel(r.landmarks, s)
		pts := make([]Point, len(lms))
		for i, lm := range lms {
			d := u.At(lm.Slice.X, lm.Slice.Y)
			pts[i] = TransformPoint(Point{X: lm.Slice.X + d.X, Y: lm.Slice.Y + d.Y}, m)
		}
		e, lg := landmarkTerm(lms, pts, r.cfg.LandmarkWeight, s)
		value += e
		if wantForce {
			for i, lm := range lms {
				fx := -(lg[i].X*m.A + lg[i].Y*m.C)
				fy := -(lg[i].X*m.B + lg[i].Y*m.D)
				splat(force, lm.Slice, fx, fy)
			}
		}
	}
	return value, force
}

// splat distributes a point force onto the four surrounding grid nodes
func splat(f *DisplacementField, p Point, fx, fy float64) {
	x := math.Max(0, math.Min(p.X, float64(f.Width-1)))
	y := math.Max(0, math.Min(p.Y, float64(f.Height-1)))
	x0, y0 := int(x), int(y)
	x1, y1 := min(x0+1, f.Width-1), min(y0+1, f.Height-1)
	ax, ay := x-float64(x0), y-float64(y0)
	for _, n := range []struct {
		x, y int
		w    float64
	}{
		{x0, y0, (1 - ax) * (1 - ay)},
		{x1, y0, ax * (1 - ay)},
		{x0, y1, (1 - ax) * ay},
		{x1, y1, ax * ay},
	} {
		f.DX[n.y*f.Width+n.x] += n.w * fx
		f.DY[n.y*f.Width+n.x] += n.w * fy
	}
}

// stepDeformable takes one regularised force step. A candidate that folds
// the field is rejected and regularisation backs off; too many back-offs
// abandon the deformable stage.
func (r *Registration) stepDeformable() {
	r.iter++
	r.total++
	registrationIterations.WithLabelValues(StageDeformable.String()).Inc()

	force := r.def.force
	var maxF float64
	for i := range force.DX {
		maxF = math.Max(maxF, math.Hypot(force.DX[i], force.DY[i]))
	}
	if maxF < 1e-15 {
		r.deformableLevelDone()
		return
	}

	cand := r.def.field.Clone()
	k := r.def.step / maxF
	for i := range cand.DX {
		cand.DX[i] += k * force.DX[i]
		cand.DY[i] += k * force.DY[i]
	}
	r.reg.Regularize(cand, r.def.weight)

	if minJ := cand.MinJacobian(); minJ <= r.cfg.MinJacobian {
		r.def.backoffs++
		log.Warn().
			Str("stage", "deformable").
			Int("level", r.level).
			Int("iteration", r.iter).
			Float64("min_jacobian", minJ).
			Int("backoffs", r.def.backoffs).
			Msg("field folding, backing off regularisation")
		if r.def.backoffs > r.cfg.MaxBackoffs {
			r.diverged = true
			r.finish(nil)
			return
		}
		r.def.weight *= 2
		r.def.step *= 0.5
		return
	}

	val, candForce := r.evaluateField(cand, true)
	converged := false
	if val < r.objective {
		rel := (r.objective - val) / math.Max(math.Abs(r.objective), 1e-12)
		r.def.field = cand
		r.def.force = candForce
		r.objective = val
		converged = rel < r.cfg.Tolerance
	} else {
		r.def.step *= 0.5
		converged = r.def.step < r.cfg.MinStep
	}

	log.Debug().
		Str("stage", "deformable").
		Int("level", r.level).
		Int("iteration", r.iter).
		Float64("objective", r.objective).
		Float64("max_displacement", r.def.field.MaxMagnitude()).
		Msg("registration step")

	if converged || r.iter >= r.cfg.DeformableIterations {
		r.deformableLevelDone()
	}
}

func (r *Registration) deformableLevelDone() {
	if r.level > r.def.minLevel {
		r.enterDeformableLevel(r.level-1, r.def.field)
		return
	}
	r.finish(r.def.field)
}
