package metrics

import (
	"fmt"
	"sync"
)

var shared struct {
	mu  sync.Mutex
	key string
	rec *Recorder
}

// Shared returns the process-wide Recorder. The first successful call builds
// it with factory(key) and binds it to key; later calls return the same
// Recorder. A later call with a different key still returns the bound
// Recorder, together with an error wrapping ErrKeyMismatch. A factory error
// leaves nothing bound, so a later call may retry.
func Shared(key string, factory SinkFactory, opts ...Option) (*Recorder, error) {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	if shared.rec != nil {
		if key != shared.key {
			return shared.rec, fmt.Errorf("%w: bound to %q, asked for %q", ErrKeyMismatch, shared.key, key)
		}
		return shared.rec, nil
	}

	sink, err := factory(key)
	if err != nil {
		return nil, fmt.Errorf("metrics: create sink: %w", err)
	}
	shared.rec = New(sink, opts...)
	shared.key = key
	return shared.rec, nil
}

// ResetShared drops the process-wide Recorder. Intended for tests.
func ResetShared() {
	shared.mu.Lock()
	defer shared.mu.Unlock()
	shared.rec = nil
	shared.key = ""
}
