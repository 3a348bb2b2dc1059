package pipeline

// fifo is a growable ring deque: push at the tail, pop at the head.
type fifo[T any] struct {
	items []T
	head  int
	n     int
}

func (q *fifo[T]) Len() int { return q.n }

func (q *fifo[T]) Push(v T) {
	if q.n == len(q.items) {
		q.grow()
	}
	q.items[(q.head+q.n)%len(q.items)] = v
	q.n++
}

func (q *fifo[T]) Pop() (T, bool) {
	var zero T
	if q.n == 0 {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.n--
	return v, true
}

func (q *fifo[T]) grow() {
	size := 2 * len(q.items)
	if size == 0 {
		size = 4
	}
	items := make([]T, size)
	for i := 0; i < q.n; i++ {
		items[i] = q.items[(q.head+i)%len(q.items)]
	}
	q.items = items
	q.head = 0
}
