package feed

import "chatrelay/internal/storage"

// DefaultWindow is the number of delivered sequence positions remembered for de-duplication
const DefaultWindow = 4096

// window is a bounded set of recently delivered sequence positions, evicted oldest first.
// It is a set rather than a high-water mark because change streams may yield
// positions out of numeric order.
type window struct {
	ring []storage.Sequence
	next int
	set  map[storage.Sequence]struct{}
}

func newWindow(size int) *window {
	if size <= 0 {
		size = DefaultWindow
	}
	return &window{
		ring: make([]storage.Sequence, 0, size),
		set:  make(map[storage.Sequence]struct{}, size),
	}
}

func (w *window) contains(seq storage.Sequence) bool {
	_, ok := w.set[seq]
	return ok
}

func (w *window) add(seq storage.Sequence) {
	if w.contains(seq) {
		return
	}
	if len(w.ring) < cap(w.ring) {
		w.ring = append(w.ring, seq)
	} else {
		delete(w.set, w.ring[w.next])
		w.ring[w.next] = seq
		w.next = (w.next + 1) % len(w.ring)
	}
	w.set[seq] = struct{}{}
}
