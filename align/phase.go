package align

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// PhaseCorrelate estimates the translation t such that moving(x) ≈
// fixed(x − t), i.e. the shift that carries fixed content onto moving.
// Both images are zero-padded to a common size. The second return value is
// the normalized peak height, a rough confidence in [0, 1].
func PhaseCorrelate(fixed, moving *Image) (Point, float64) {
	w := max(fixed.Width, moving.Width)
	h := max(fixed.Height, moving.Height)

	ff := fft2(padComplex(fixed, w, h), w, h, false)
	fm := fft2(padComplex(moving, w, h), w, h, false)

	cross := make([]complex128, w*h)
	for i := range cross {
		c := fm[i] * cmplx.Conj(ff[i])
		if a := cmplx.Abs(c); a > 1e-12 {
			cross[i] = c / complex(a, 0)
		}
	}
	corr := fft2(cross, w, h, true)

	best, bx, by := math.Inf(-1), 0, 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := real(corr[y*w+x])
			if v > best {
				best, bx, by = v, x, y
			}
		}
	}

	at := func(x, y int) float64 {
		return real(corr[((y+h)%h)*w+(x+w)%w])
	}
	dx := parabolicPeak(at(bx-1, by), best, at(bx+1, by))
	dy := parabolicPeak(at(bx, by-1), best, at(bx, by+1))

	sx, sy := float64(bx)+dx, float64(by)+dy
	if sx > float64(w)/2 {
		sx -= float64(w)
	}
	if sy > float64(h)/2 {
		sy -= float64(h)
	}

	return Point{X: sx, Y: sy}, math.Min(1, math.Max(0, best))
}

func parabolicPeak(l, c, r float64) float64 {
	den := l - 2*c + r
	if math.Abs(den) < 1e-12 {
		return 0
	}
	d := 0.5 * (l - r) / den
	return math.Max(-0.5, math.Min(0.5, d))
}

func padComplex(im *Image, w, h int) []complex128 {
	g := im.Gray()
	mean, _ := g.Stats()
	out := make([]complex128, w*h)
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			out[y*w+x] = complex(g.Pix[y*g.Width+x]-mean, 0)
		}
	}
	return out
}

// fft2 runs a separable 2D complex FFT; inverse results are normalized by w·h
func fft2(data []complex128, w, h int, inverse bool) []complex128 {
	out := make([]complex128, len(data))
	copy(out, data)

	rowFFT := fourier.NewCmplxFFT(w)
	row := make([]complex128, w)
	for y := 0; y < h; y++ {
		if inverse {
			rowFFT.Sequence(row, out[y*w:(y+1)*w])
		} else {
			rowFFT.Coefficients(row, out[y*w:(y+1)*w])
		}
		copy(out[y*w:(y+1)*w], row)
	}

	colFFT := fourier.NewCmplxFFT(h)
	col := make([]complex128, h)
	res := make([]complex128, h)
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			col[y] = out[y*w+x]
		}
		if inverse {
			colFFT.Sequence(res, col)
		} else {
			colFFT.Coefficients(res, col)
		}
		for y := 0; y < h; y++ {
			out[y*w+x] = res[y]
		}
	}

	if inverse {
		n := complex(float64(w*h), 0)
		for i := range out {
			out[i] /= n
		}
	}
	return out
}
