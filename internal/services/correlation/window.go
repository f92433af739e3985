package correlation

import (
	"math"

	"ZeroDTE/internal/services/features"
)

// window keeps running sums over a fixed number of aligned return pairs.
// Sums are rebuilt from the buffer every recomputeEvery pushes to bound float drift.
type window struct {
	x, y                   *features.Ring
	sx, sy, sxx, syy, sxy  float64
	pushes, recomputeEvery int
}

func newWindow(size int) *window {
	return &window{
		x:              features.NewRing(size),
		y:              features.NewRing(size),
		recomputeEvery: size,
	}
}

func (w *window) push(x, y float64) {
	ex, evicted := w.x.Push(x)
	ey, _ := w.y.Push(y)

	w.sx += x
	w.sy += y
	w.sxx += x * x
	w.syy += y * y
	w.sxy += x * y
	if evicted {
		w.sx -= ex
		w.sy -= ey
		w.sxx -= ex * ex
		w.syy -= ey * ey
		w.sxy -= ex * ey
	}

	w.pushes++
	if w.pushes%w.recomputeEvery == 0 {
		w.recompute()
	}
}

func (w *window) recompute() {
	w.sx, w.sy, w.sxx, w.syy, w.sxy = 0, 0, 0, 0, 0
	for i := 0; i < w.x.Len(); i++ {
		x, y := w.x.At(i), w.y.At(i)
		w.sx += x
		w.sy += y
		w.sxx += x * x
		w.syy += y * y
		w.sxy += x * y
	}
}

func (w *window) len() int { return w.x.Len() }

// corr returns the Pearson coefficient clamped to [-1, 1]. ok is false when there are
// fewer than minSamples points or either side has (near) zero variance.
func (w *window) corr(minSamples int, eps float64) (float64, bool) {
	n := w.x.Len()
	if n < minSamples || n < 2 {
		return 0, false
	}
	fn := float64(n)
	vx := w.sxx - w.sx*w.sx/fn
	vy := w.syy - w.sy*w.sy/fn
	if vx <= eps*fn || vy <= eps*fn {
		return 0, false
	}
	cov := w.sxy - w.sx*w.sy/fn
	r := cov / math.Sqrt(vx*vy)
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0, false
	}
	return features.Clamp(r, -1, 1), true
}
