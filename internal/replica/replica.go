// Package replica is the wide-area replicated key/value store. Writes are
// best effort and eventually reach every subscriber of a path, the writer
// included; there is no acknowledgement of convergence.
package replica

import "context"

// Callback fires once per observed write to a path.
type Callback func(value string)

// OnceResult is delivered exactly once by Store.Once. Found is false when no
// value is known yet; Err is set only when no relay could be asked at all.
type OnceResult struct {
	Value string
	Found bool
	Err   error
}

type Store interface {
	Put(ctx context.Context, path, value string) error
	On(path string, cb Callback) (cancel func(), err error)
	Once(ctx context.Context, path string, cb func(OnceResult))
}

// RoomPath is the path a room's snapshot lives at.
func RoomPath(room string) string {
	return "rooms/" + room + "/state"
}
