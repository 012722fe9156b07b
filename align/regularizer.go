package align

import "math"

// Regularizer smooths a displacement field in place. Larger weights must
// never yield a field with larger displacements than smaller weights.
type Regularizer interface {
	Name() string
	Regularize(f *DisplacementField, weight float64)
}

// GaussianRegularizer blurs the field with a kernel that widens with the
// weight and shrinks it towards zero (an elastic pull back to the affine).
type GaussianRegularizer struct {
	Sigma   float64 // kernel width at weight 0, pixels
	Elastic float64 // shrink per unit weight
}

// Name implements Regularizer
func (GaussianRegularizer) Name() string { return "gaussian" }

// Regularize implements Regularizer
func (g GaussianRegularizer) Regularize(f *DisplacementField, weight float64) {
	sigma := g.Sigma
	if sigma <= 0 {
		sigma = 1
	}
	elastic := g.Elastic
	if elastic < 0 {
		elastic = 0
	}
	weight = math.Max(weight, 0)
	sigma *= math.Sqrt(1 + weight)

	GaussianBlur(f.DX, f.Width, f.Height, sigma)
	GaussianBlur(f.DY, f.Width, f.Height, sigma)
	shrink(f, 1/(1+elastic*weight))
}

// DiffusionRegularizer runs explicit heat-equation steps on each component;
// the number of steps grows with the weight.
type DiffusionRegularizer struct {
	StepsPerWeight float64
	Elastic        float64
}

// Name implements Regularizer
func (DiffusionRegularizer) Name() string { return "diffusion" }

// Regularize implements Regularizer
func (d DiffusionRegularizer) Regularize(f *DisplacementField, weight float64) {
	per := d.StepsPerWeight
	if per <= 0 {
		per = 10
	}
	weight = math.Max(weight, 0)
	steps := min(int(math.Ceil(1+per*weight)), 500)
	tmp := make([]float64, len(f.DX))
	for i := 0; i < steps; i++ {
		diffuse(f.DX, tmp, f.Width, f.Height)
		diffuse(f.DY, tmp, f.Width, f.Height)
	}
	shrink(f, 1/(1+math.Max(d.Elastic, 0)*weight))
}

// diffuse applies one stable explicit Laplacian step (dt = 0.2) with
// replicated borders
func diffuse(v, tmp []float64, w, h int) {
	const dt = 0.2
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := v[y*w+x]
			l := v[y*w+max(x-1, 0)]
			r := v[y*w+min(x+1, w-1)]
			u := v[max(y-1, 0)*w+x]
			d := v[min(y+1, h-1)*w+x]
			tmp[y*w+x] = c + dt*(l+r+u+d-4*c)
		}
	}
	copy(v, tmp)
}

func shrink(f *DisplacementField, s float64) {
	if s == 1 {
		return
	}
	for i := range f.DX {
		f.DX[i] *= s
		f.DY[i] *= s
	}
}

// RegularizerByName resolves a configured regulariser name; unknown names
// fall back to the Gaussian regulariser
func RegularizerByName(name string) Regularizer {
	switch name {
	case "diffusion":
		return DiffusionRegularizer{StepsPerWeight: 10, Elastic: 0.1}
	default:
		return GaussianRegularizer{Sigma: 1, Elastic: 0.1}
	}
}
