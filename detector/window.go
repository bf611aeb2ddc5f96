package detector

import "time"

// WindowSum is one emission of the sliding window: the number of events in the
// window that ends at End.
type WindowSum struct {
	Sum int
	End time.Time
}

// Window buckets events into fixed slices of width slide and keeps the last n
// of them, where n = size / slide. It is driven purely by event time. Not safe
// for concurrent use; a Window is owned by a single partition worker.
type Window struct {
	slide  int64 // nanoseconds
	counts []int
	total  int
	head   int64 // bucket index of the open (newest) bucket
	open   bool
}

// NewWindow returns a window of the given size advancing in slide steps. size
// is rounded down to a whole number of slides, minimum one.
func NewWindow(size, slide time.Duration) *Window {
	if slide <= 0 {
		slide = time.Second
	}
	n := int(size / slide)
	if n < 1 {
		n = 1
	}
	return &Window{slide: int64(slide), counts: make([]int, n)}
}

// Buckets returns the fixed bucket count.
func (w *Window) Buckets() int { return len(w.counts) }

// Sum returns the count held by the retained buckets.
func (w *Window) Sum() int { return w.total }

// Add records one event at ts. When ts falls past the open bucket every
// crossed slide boundary is closed and its window sum returned in order, up
// to n+1 emissions; by then every bucket is empty and the head jumps straight
// to ts. ok is false when the event predates the oldest retained bucket and
// was dropped.
func (w *Window) Add(ts time.Time) (emitted []WindowSum, ok bool) {
	b := floorDiv(ts.UnixNano(), w.slide)
	if !w.open {
		w.head = b
		w.open = true
	}
	if b < w.head-int64(len(w.counts))+1 {
		return nil, false
	}
	for w.head < b {
		if len(emitted) > len(w.counts) {
			w.head = b
			break
		}
		emitted = append(emitted, WindowSum{Sum: w.total, End: w.boundary(w.head + 1)})
		w.advance()
	}
	w.counts[w.slot(b)]++
	w.total++
	return emitted, true
}

// Reset forgets every bucket.
func (w *Window) Reset() {
	for i := range w.counts {
		w.counts[i] = 0
	}
	w.total = 0
	w.open = false
}

func (w *Window) advance() {
	w.head++
	i := w.slot(w.head)
	w.total -= w.counts[i]
	w.counts[i] = 0
}

func (w *Window) slot(b int64) int {
	n := int64(len(w.counts))
	return int(((b % n) + n) % n)
}

func (w *Window) boundary(b int64) time.Time {
	return time.Unix(0, b*w.slide).UTC()
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
