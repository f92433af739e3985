package features

// Ring is a fixed-capacity FIFO of float64 values. Not safe for concurrent use.
type Ring struct {
	buf   []float64
	start int
	n     int
}

func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]float64, capacity)}
}

// Push appends v and returns the evicted value, if any.
func (r *Ring) Push(v float64) (evicted float64, ok bool) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return 0, false
	}
	evicted = r.buf[r.start]
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
	return evicted, true
}

func (r *Ring) Len() int { return r.n }

// At returns the i-th oldest value.
func (r *Ring) At(i int) float64 { return r.buf[(r.start+i)%len(r.buf)] }

// Values copies the contents oldest first.
func (r *Ring) Values() []float64 {
	out := make([]float64, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.At(i)
	}
	return out
}
