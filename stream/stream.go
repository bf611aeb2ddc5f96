// Package stream defines the envelope passed between pipeline stages and the
// broadcaster partitioning used to route envelopes to their owning worker.
package stream

import (
	"hash/fnv"
	"strconv"
)

// Envelope carries one payload keyed by the broadcaster it belongs to. Every
// stage boundary (consumer -> router -> detector -> orchestrator) uses it, so a
// payload is never passed around bare in one place and wrapped in another.
type Envelope[T any] struct {
	BroadcasterID int64
	Payload       T
}

// Wrap builds an envelope for id.
func Wrap[T any](id int64, payload T) Envelope[T] {
	return Envelope[T]{BroadcasterID: id, Payload: payload}
}

// Partition maps a broadcaster id onto one of n partitions. The mapping is
// stable for the life of the process.
func Partition(id int64, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(strconv.FormatInt(id, 10)))
	return int(h.Sum32() % uint32(n))
}
