package monitor

// ring is a fixed-capacity circular buffer that overwrites its oldest
// element when full. It is not safe for concurrent use; the Aggregator
// guards its rings with its own mutex.
type ring[T any] struct {
	data  []T
	head  int // next write position
	count int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring[T]{data: make([]T, capacity)}
}

// push adds v, evicting the oldest element if the ring is full.
func (r *ring[T]) push(v T) {
	r.data[r.head] = v
	r.head = (r.head + 1) % len(r.data)
	if r.count < len(r.data) {
		r.count++
	}
}

// values returns the contents oldest first.
func (r *ring[T]) values() []T {
	out := make([]T, r.count)
	start := (r.head - r.count + len(r.data)) % len(r.data)
	for i := 0; i < r.count; i++ {
		out[i] = r.data[(start+i)%len(r.data)]
	}
	return out
}

func (r *ring[T]) len() int {
	return r.count
}

func (r *ring[T]) clear() {
	var zero T
	for i := range r.data {
		r.data[i] = zero
	}
	r.head = 0
	r.count = 0
}
