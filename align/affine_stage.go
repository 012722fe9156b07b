package align

import (
	"math"

	"github.com/rs/zerolog/log"
)

// affineState holds the per-level optimiser state of the affine stage.
// Parameters are centre based, T(x) = M(x − cs) + ca + t, with M = I + P/rad
// so all six parameters are in level pixels.
type affineState struct {
	cs, ca Point
	rad    float64

	params [6]float64
	grad   [6]float64
	step   float64
}

func (a *affineState) matrix(p [6]float64) AffineMatrix {
	m := AffineMatrix{
		A: 1 + p[0]/a.rad,
		B: p[1] / a.rad,
		C: p[2] / a.rad,
		D: 1 + p[3]/a.rad,
	}
	m.Tx = a.ca.X + p[4] - (m.A*a.cs.X + m.B*a.cs.Y)
	m.Ty = a.ca.Y + p[5] - (m.C*a.cs.X + m.D*a.cs.Y)
	return m
}

func (a *affineState) paramsFor(m AffineMatrix) [6]float64 {
	t := TransformPoint(a.cs, m)
	return [6]float64{
		(m.A - 1) * a.rad,
		m.B * a.rad,
		m.C * a.rad,
		(m.D - 1) * a.rad,
		t.X - a.ca.X,
		t.Y - a.ca.Y,
	}
}

func (r *Registration) enterAffineLevel(level int) {
	r.level = level
	r.iter = 0
	fixed := r.slice[level]
	r.aff = affineState{
		cs:   imageCenter(fixed),
		ca:   imageCenter(r.reference[level]),
		rad:  math.Max(1, float64(max(fixed.Width, fixed.Height))/2),
		step: r.cfg.AffineStep,
	}
	r.aff.params = r.aff.paramsFor(affineToLevel(r.affine, levelScale(level)))
	r.objective, r.aff.grad = r.evaluateAffine(r.aff.params, true)
}

// evaluateAffine returns the objective at p and, if wanted, its gradient
func (r *Registration) evaluateAffine(p [6]float64, wantGrad bool) (float64, [6]float64) {
	var grad [6]float64
	level := r.level
	fixed, ref := r.slice[level], r.reference[level]
	m := r.aff.matrix(p)
	w, h := fixed.Width, fixed.Height

	warped := make([]float64, w*h)
	mapped := make([]Point, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			q := TransformPoint(Point{X: float64(x), Y: float64(y)}, m)
			mapped[y*w+x] = q
			warped[y*w+x] = ref.Sample(q.X, q.Y)
		}
	}

	var dw []float64
	if wantGrad {
		dw = make([]float64, w*h)
	}
	value := r.metric.Evaluate(fixed.Pix, warped, dw)

	if wantGrad {
		gx, gy := r.refGX[level], r.refGY[level]
		rw, rh := ref.Width, ref.Height
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := y*w + x
				if dw[i] == 0 {
					continue
				}
				q := mapped[i]
				gqx := dw[i] * bilinear(gx, rw, rh, q.X, q.Y)
				gqy := dw[i] * bilinear(gy, rw, rh, q.X, q.Y)
				accumulateAffineGrad(&grad, gqx, gqy, float64(x)-r.aff.cs.X, float64(y)-r.aff.cs.Y, r.aff.rad)
			}
		}
	}

	if len(r.landmarks) > 0 && r.cfg.LandmarkWeight > 0 {
		s := levelScale(level)
		lms := landmarksToLevel(r.landmarks, s)
		pts := make([]Point, len(lms))
		for i, lm := range lms {
			pts[i] = TransformPoint(lm.Slice, m)
		}
		e, lg := landmarkTerm(lms, pts, r.cfg.LandmarkWeight, s)
		value += e
		if wantGrad {
			for i, lm := range lms {
				accumulateAffineGrad(&grad, lg[i].X, lg[i].Y, lm.Slice.X-r.aff.cs.X, lm.Slice.Y-r.aff.cs.Y, r.aff.rad)
			}
		}
	}
	return value, grad
}

// accumulateAffineGrad adds g·∂T/∂p for a point at offset (dx, dy) from the
// slice centre, where g = ∂D/∂T(x)
func accumulateAffineGrad(grad *[6]float64, gqx, gqy, dx, dy, rad float64) {
	grad[0] += gqx * dx / rad
	grad[1] += gqx * dy / rad
	grad[2] += gqy * dx / rad
	grad[3] += gqy * dy / rad
	grad[4] += gqx
	grad[5] += gqy
}

// stepAffine performs one normalised gradient-descent trial. Accepted steps
// grow the step size, rejected ones halve it.
func (r *Registration) stepAffine() {
	r.iter++
	r.total++
	registrationIterations.WithLabelValues(StageAffine.String()).Inc()

	var norm float64
	for _, g := range r.aff.grad {
		norm += g * g
	}
	norm = math.Sqrt(norm)
	if norm < 1e-15 {
		r.affineLevelDone()
		return
	}

	var cand [6]float64
	for i := range cand {
		cand[i] = r.aff.params[i] - r.aff.step*r.aff.grad[i]/norm
	}
	val, _ := r.evaluateAffine(cand, false)

	converged := false
	if val < r.objective {
		rel := (r.objective - val) / math.Max(math.Abs(r.objective), 1e-12)
		r.aff.params = cand
		r.objective, r.aff.grad = r.evaluateAffine(cand, true)
		r.aff.step *= 1.5
		converged = rel < r.cfg.Tolerance
	} else {
		r.aff.step *= 0.5
		converged = r.aff.step < r.cfg.MinStep
	}

	log.Debug().
		Str("stage", "affine").
		Int("level", r.level).
		Int("iteration", r.iter).
		Float64("objective", r.objective).
		Float64("step", r.aff.step).
		Msg("registration step")

	if converged || r.iter >= r.cfg.MaxIterations {
		r.affineLevelDone()
	}
}

func (r *Registration) affineLevelDone() {
	r.affine = affineFromLevel(r.aff.matrix(r.aff.params), levelScale(r.level))
	if r.level > 0 {
		r.enterAffineLevel(r.level - 1)
		return
	}
	if r.cfg.SkipDeformable {
		r.finish(nil)
		return
	}
	r.enterDeformableLevel(len(r.slice)-1, nil)
}
